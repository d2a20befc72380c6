package dzk

import (
	"github.com/drand/rbc/field"
	"github.com/drand/rbc/log"
	"github.com/drand/rbc/merkle"
)

// Verify checks a single party's folding proof for the blinded variant:
// the claimed row share is only meaningful combined with a blinding share
// and the external column commitment, dzkShare = rowShare +
// H(columnRoot)*blindingRowShare.
func (c *Context) Verify(proof DZKProof, dzkRoots []merkle.Digest, finalCoeffs field.Polynomial, columnRoot merkle.Digest, rowShare, blindingRowShare field.Element, evalPoint int) bool {
	target := field.Add(rowShare, field.Mul(elementFromDigest(columnRoot), blindingRowShare))
	return c.verifyCore(proof, dzkRoots, finalCoeffs, columnRoot, target, evalPoint)
}

// VerifyUnblinded checks a folding proof for the unblinded variant, where
// the claimed row share must equal the reconstructed top-level point
// directly.
func (c *Context) VerifyUnblinded(proof DZKProof, dzkRoots []merkle.Digest, finalCoeffs field.Polynomial, columnRoot merkle.Digest, rowShare field.Element, evalPoint int) bool {
	return c.verifyCore(proof, dzkRoots, finalCoeffs, columnRoot, rowShare, evalPoint)
}

func (c *Context) verifyCore(proof DZKProof, dzkRoots []merkle.Digest, finalCoeffs field.Polynomial, columnRoot merkle.Digest, target field.Element, evalPoint int) bool {
	levels := len(c.splitSchedule)
	if len(proof.G0X) != levels || len(proof.G1X) != levels || len(proof.Proof) != levels || len(dzkRoots) != levels {
		log.DefaultLogger().Warnw("dzk: proof shape mismatch", "levels", levels, "got", len(proof.G0X))
		return false
	}

	aggRoot := columnRoot
	aggregatedRoots := make([]merkle.Digest, levels)
	for i, r := range dzkRoots {
		aggRoot = CombineRoots(aggRoot, r)
		aggregatedRoots[i] = aggRoot
	}

	x := field.FromInt64(int64(evalPoint))
	point := finalCoeffs.Evaluate(x)

	for i := 0; i < levels; i++ {
		level := levels - 1 - i // bottom-up: closest-to-base level first

		challenge := elementFromDigest(aggregatedRoots[level])
		g0 := proof.G0X[level]
		g1 := proof.G1X[level]

		if !field.Equal(point, field.Add(g0, field.Mul(challenge, g1))) {
			log.DefaultLogger().Debugw("dzk: fiat-shamir mismatch", "level", level)
			return false
		}

		pow := fieldPow(x, c.splitSchedule[level])
		point = field.Add(g0, field.Mul(pow, g1))

		if !merkle.VerifyProof(elementBytes(point), proof.Proof[level], dzkRoots[level]) {
			log.DefaultLogger().Debugw("dzk: merkle proof mismatch", "level", level)
			return false
		}
	}

	return field.Equal(point, target)
}

// VerifyRow runs Verify across a batch of independent (proof, commitment,
// share) tuples, one per row. All tuples must pass for the row to verify.
func (c *Context) VerifyRow(proofs []DZKProof, dzkRootsList [][]merkle.Digest, finalCoeffsList []field.Polynomial, columnRoots []merkle.Digest, rowShares, blindingRowShares []field.Element, evalPoint int) bool {
	n := len(proofs)
	if len(dzkRootsList) != n || len(finalCoeffsList) != n || len(columnRoots) != n || len(rowShares) != n || len(blindingRowShares) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if !c.Verify(proofs[i], dzkRootsList[i], finalCoeffsList[i], columnRoots[i], rowShares[i], blindingRowShares[i], evalPoint) {
			return false
		}
	}
	return true
}

// VerifyColumn verifies peer-supplied Ready-phase openings across the
// deployment's evaluation points, keeping the first ReconThreshold that
// verify, then reconstructs the column, nonce, blinding and blinding-nonce
// polynomials from those points via Vandermonde inverse. dzkRoots and
// finalCoeffs are shared by every party's proof, since all openings come
// from the same folding run over the same committed polynomial.
func (c *Context) VerifyColumn(dzkRoots []merkle.Digest, finalCoeffs field.Polynomial, points map[int]PointBV) (columnCoeffs, nonceCoeffs, blindingCoeffs, blindingNonceCoeffs field.Polynomial, ok bool) {
	var validIndices field.Polynomial
	var columnValues, nonceValues, blindingValues, blindingNonceValues field.Polynomial

	for _, rep := range c.EvaluationPoints {
		pbv, present := points[rep]
		if !present {
			continue
		}

		combinedRoot := CombineRoots(pbv.Column.Root, pbv.Blinding.Root)
		if !c.Verify(pbv.Proof, dzkRoots, finalCoeffs, combinedRoot, pbv.Column.Value, pbv.Blinding.Value, rep) {
			continue
		}

		validIndices = append(validIndices, field.FromInt64(int64(rep)))
		columnValues = append(columnValues, pbv.Column.Value)
		nonceValues = append(nonceValues, pbv.Column.Nonce)
		blindingValues = append(blindingValues, pbv.Blinding.Value)
		blindingNonceValues = append(blindingNonceValues, pbv.Blinding.Nonce)

		if len(columnValues) == c.ReconThreshold {
			break
		}
	}

	if len(columnValues) < c.ReconThreshold {
		log.DefaultLogger().Warnw("dzk: not enough valid column points to reconstruct", "have", len(columnValues), "need", c.ReconThreshold)
		return nil, nil, nil, nil, false
	}

	vandermonde := field.VandermondeMatrix(validIndices)
	inverse := field.InverseVandermonde(vandermonde)

	return field.Polynomial(field.PolynomialCoefficientsWithVandermondeMatrix(inverse, columnValues)),
		field.Polynomial(field.PolynomialCoefficientsWithVandermondeMatrix(inverse, nonceValues)),
		field.Polynomial(field.PolynomialCoefficientsWithVandermondeMatrix(inverse, blindingValues)),
		field.Polynomial(field.PolynomialCoefficientsWithVandermondeMatrix(inverse, blindingNonceValues)),
		true
}
