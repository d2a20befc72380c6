package dzk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/rbc/field"
	"github.com/drand/rbc/merkle"
)

func randomPolynomial(degree int) field.Polynomial {
	poly := make(field.Polynomial, degree+1)
	for i := range poly {
		poly[i] = field.Random()
	}
	return poly
}

func testRoot(label byte) merkle.Digest {
	var d merkle.Digest
	d[0] = label
	return d
}

// TestCompletenessUnblinded exercises §10's completeness property: an
// honestly-generated proof verifies for every evaluation point.
func TestCompletenessUnblinded(t *testing.T) {
	ctx := NewContext(7, 3, 0, 6)
	coeffs := randomPolynomial(6)
	initialRoot := testRoot(0x01)

	finalCoeffs, levels := ctx.Generate(coeffs, initialRoot)
	roots := LevelRoots(levels)

	for idx, pt := range ctx.EvaluationPoints {
		proof := ProofForPoint(levels, idx)
		rowShare := coeffs.Evaluate(field.FromInt64(int64(pt)))
		require.True(t, ctx.VerifyUnblinded(proof, roots, finalCoeffs, initialRoot, rowShare, pt),
			"proof for point %d should verify", pt)
	}
}

// TestCompletenessBlinded exercises the blinded variant: target is
// rowShare + H(columnRoot)*blindingShare for the SAME committed
// polynomial (so rowShare is the original coefficients' evaluation, and
// a zero blindingShare makes the identity hold).
func TestCompletenessBlinded(t *testing.T) {
	ctx := NewContext(5, 2, 0, 4)
	coeffs := randomPolynomial(4)
	columnRoot := testRoot(0x02)

	finalCoeffs, levels := ctx.Generate(coeffs, columnRoot)
	roots := LevelRoots(levels)

	pt := ctx.EvaluationPoints[0]
	rowShare := coeffs.Evaluate(field.FromInt64(int64(pt)))
	blindingShare := field.Zero()

	proof := ProofForPoint(levels, 0)
	require.True(t, ctx.Verify(proof, roots, finalCoeffs, columnRoot, rowShare, blindingShare, pt))
}

// TestSoundnessTamperedShare confirms a wrong claimed share is rejected.
func TestSoundnessTamperedShare(t *testing.T) {
	ctx := NewContext(7, 3, 0, 6)
	coeffs := randomPolynomial(6)
	initialRoot := testRoot(0x03)

	finalCoeffs, levels := ctx.Generate(coeffs, initialRoot)
	roots := LevelRoots(levels)

	idx := 2
	pt := ctx.EvaluationPoints[idx]
	proof := ProofForPoint(levels, idx)
	wrongShare := field.Add(coeffs.Evaluate(field.FromInt64(int64(pt))), field.One())

	require.False(t, ctx.VerifyUnblinded(proof, roots, finalCoeffs, initialRoot, wrongShare, pt))
}

// TestSoundnessTamperedProofLevel confirms a corrupted intermediate
// opening is rejected even when the final target is correct.
func TestSoundnessTamperedProofLevel(t *testing.T) {
	ctx := NewContext(7, 3, 0, 6)
	coeffs := randomPolynomial(6)
	initialRoot := testRoot(0x04)

	finalCoeffs, levels := ctx.Generate(coeffs, initialRoot)
	roots := LevelRoots(levels)

	idx := 1
	pt := ctx.EvaluationPoints[idx]
	proof := ProofForPoint(levels, idx)
	rowShare := coeffs.Evaluate(field.FromInt64(int64(pt)))

	proof.G0X[0] = field.Add(proof.G0X[0], field.One())

	require.False(t, ctx.VerifyUnblinded(proof, roots, finalCoeffs, initialRoot, rowShare, pt))
}

// TestSoundnessWrongRoot confirms a proof bound to one commitment doesn't
// verify against another.
func TestSoundnessWrongRoot(t *testing.T) {
	ctx := NewContext(7, 3, 0, 6)
	coeffs := randomPolynomial(6)

	finalCoeffs, levels := ctx.Generate(coeffs, testRoot(0x05))
	roots := LevelRoots(levels)

	idx := 3
	pt := ctx.EvaluationPoints[idx]
	proof := ProofForPoint(levels, idx)
	rowShare := coeffs.Evaluate(field.FromInt64(int64(pt)))

	require.False(t, ctx.VerifyUnblinded(proof, roots, finalCoeffs, testRoot(0x06), rowShare, pt))
}

func TestVerifyRowBatched(t *testing.T) {
	ctx := NewContext(5, 2, 0, 4)

	polyA := randomPolynomial(4)
	polyB := randomPolynomial(4)
	rootA, rootB := testRoot(0x10), testRoot(0x11)

	finalA, levelsA := ctx.Generate(polyA, rootA)
	finalB, levelsB := ctx.Generate(polyB, rootB)

	idx := 0
	pt := ctx.EvaluationPoints[idx]

	proofs := []DZKProof{ProofForPoint(levelsA, idx), ProofForPoint(levelsB, idx)}
	dzkRootsList := [][]merkle.Digest{LevelRoots(levelsA), LevelRoots(levelsB)}
	finalCoeffsList := []field.Polynomial{finalA, finalB}
	columnRoots := []merkle.Digest{rootA, rootB}
	rowShares := []field.Element{
		polyA.Evaluate(field.FromInt64(int64(pt))),
		polyB.Evaluate(field.FromInt64(int64(pt))),
	}
	blindingShares := []field.Element{field.Zero(), field.Zero()}

	require.True(t, ctx.VerifyRow(proofs, dzkRootsList, finalCoeffsList, columnRoots, rowShares, blindingShares, pt))

	rowShares[1] = field.Add(rowShares[1], field.One())
	require.False(t, ctx.VerifyRow(proofs, dzkRootsList, finalCoeffsList, columnRoots, rowShares, blindingShares, pt))
}

// TestVerifyColumnReconstructs drives the column-verification path: n
// parties each hold an opening of the same folded proof, and a verifier
// collecting ReconThreshold valid openings must recover the original
// column polynomial.
func TestVerifyColumnReconstructs(t *testing.T) {
	n, reconThreshold, maxDegree := 7, 3, 2

	ctx := NewContext(n, reconThreshold, 0, maxDegree)

	columnPoly := randomPolynomial(maxDegree)
	blindingPoly := randomPolynomial(maxDegree)

	columnTreeRoot := testRoot(0x20)
	blindingTreeRoot := testRoot(0x21)
	combinedRoot := CombineRoots(columnTreeRoot, blindingTreeRoot)

	// The folded polynomial proven is the blinding combination
	// columnPoly(x) + H(combinedRoot)*blindingPoly(x), matching Verify's
	// dzk_share formula.
	alpha := elementFromDigest(combinedRoot)
	combined := make(field.Polynomial, maxDegree+1)
	for i := range combined {
		combined[i] = field.Add(columnPoly[i], field.Mul(alpha, blindingPoly[i]))
	}

	finalCoeffs, levels := ctx.Generate(combined, combinedRoot)
	dzkRoots := LevelRoots(levels)

	points := make(map[int]PointBV)
	for idx, pt := range ctx.EvaluationPoints {
		x := field.FromInt64(int64(pt))
		points[pt] = PointBV{
			Column: ColumnShare{
				Value: columnPoly.Evaluate(x),
				Nonce: field.FromInt64(int64(pt * 7)),
				Root:  columnTreeRoot,
			},
			Blinding: ColumnShare{
				Value: blindingPoly.Evaluate(x),
				Nonce: field.FromInt64(int64(pt * 11)),
				Root:  blindingTreeRoot,
			},
			Proof: ProofForPoint(levels, idx),
		}
	}

	columnCoeffs, _, blindingCoeffs, _, ok := ctx.VerifyColumn(dzkRoots, finalCoeffs, points)
	require.True(t, ok)

	for i := 0; i <= maxDegree; i++ {
		require.True(t, field.Equal(columnCoeffs[i], columnPoly[i]), "column coefficient %d mismatch", i)
		require.True(t, field.Equal(blindingCoeffs[i], blindingPoly[i]), "blinding coefficient %d mismatch", i)
	}
}

// TestVerifyColumnInsufficientPoints confirms reconstruction refuses to
// run below ReconThreshold valid openings.
func TestVerifyColumnInsufficientPoints(t *testing.T) {
	n, reconThreshold, maxDegree := 7, 3, 2
	ctx := NewContext(n, reconThreshold, 0, maxDegree)

	columnPoly := randomPolynomial(maxDegree)
	blindingPoly := randomPolynomial(maxDegree)
	columnTreeRoot := testRoot(0x30)
	blindingTreeRoot := testRoot(0x31)
	combinedRoot := CombineRoots(columnTreeRoot, blindingTreeRoot)

	alpha := elementFromDigest(combinedRoot)
	combined := make(field.Polynomial, maxDegree+1)
	for i := range combined {
		combined[i] = field.Add(columnPoly[i], field.Mul(alpha, blindingPoly[i]))
	}

	finalCoeffs, levels := ctx.Generate(combined, combinedRoot)
	dzkRoots := LevelRoots(levels)

	points := make(map[int]PointBV)
	// Only supply one valid opening, below reconThreshold=3.
	pt := ctx.EvaluationPoints[0]
	x := field.FromInt64(int64(pt))
	points[pt] = PointBV{
		Column:   ColumnShare{Value: columnPoly.Evaluate(x), Nonce: field.Zero(), Root: columnTreeRoot},
		Blinding: ColumnShare{Value: blindingPoly.Evaluate(x), Nonce: field.Zero(), Root: blindingTreeRoot},
		Proof:    ProofForPoint(levels, 0),
	}

	_, _, _, _, ok := ctx.VerifyColumn(dzkRoots, finalCoeffs, points)
	require.False(t, ok)
}
