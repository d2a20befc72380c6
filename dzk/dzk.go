// Package dzk implements the folding distributed zero-knowledge proof
// system: a prover recursively halves a committed polynomial, publishing a
// Merkle-committed evaluation pair per level and deriving each level's
// folding challenge from the accumulated root chain (Fiat-Shamir), until
// the remaining polynomial is small enough to publish in the clear. A
// verifier replays the chain bottom-up from a single opening per level.
package dzk

import (
	"github.com/drand/rbc/field"
	"github.com/drand/rbc/merkle"
)

// Pair is one level's published opening of the two half-polynomials at a
// single evaluation point.
type Pair struct {
	A, B field.Element
}

// LevelCommitment is everything the prover retains about one folding level:
// the Merkle tree over the pre-fold polynomial's evaluations, its root, and
// the (a(j), b(j)) pair for every evaluation point.
type LevelCommitment struct {
	Root  merkle.Digest
	Tree  *merkle.Tree
	GVals []Pair
}

// DZKProof is one party's opening of a folding proof: one (g_0, g_1) pair
// and one Merkle inclusion proof per recursion level, ordered outermost
// (highest-degree) level first, matching the order levels were generated.
type DZKProof struct {
	G0X   []field.Element
	G1X   []field.Element
	Proof []merkle.Proof
}

// ColumnShare is one party's contribution to a column (or blinding column)
// reconstruction: the claimed value, an opaque nonce share carried
// alongside it, and the root of the commitment tree this value was drawn
// from.
type ColumnShare struct {
	Value field.Element
	Nonce field.Element
	Root  merkle.Digest
}

// PointBV is a peer-supplied Ready-phase opening: its column and blinding
// shares plus the per-iteration DZK proof binding them together.
type PointBV struct {
	Column   ColumnShare
	Blinding ColumnShare
	Proof    DZKProof
}

// Context fixes the deployment's evaluation points and folding schedule.
// The schedule depends only on n and the polynomial's degree, so it is
// computed once and reused for every proof the deployment generates or
// verifies.
type Context struct {
	N                  int
	EvaluationPoints   []int
	ReconThreshold     int
	EndDegreeThreshold int
	MaxDegree          int

	// splitSchedule[i] is the split point used at level i (generation
	// order: level 0 has the largest degree).
	splitSchedule []int
}

// NewContext builds a folding context for an n-party deployment proving
// degree-maxDegree polynomials, recursing until the remaining degree is at
// most endDegreeThreshold. reconThreshold is the number of valid points
// VerifyColumn requires before it will attempt reconstruction (t+1 in the
// usual Shamir deployment).
func NewContext(n, reconThreshold, endDegreeThreshold, maxDegree int) *Context {
	points := make([]int, n)
	for i := range points {
		points[i] = i + 1
	}

	c := &Context{
		N:                  n,
		EvaluationPoints:   points,
		ReconThreshold:     reconThreshold,
		EndDegreeThreshold: endDegreeThreshold,
		MaxDegree:          maxDegree,
	}

	degree := maxDegree
	for degree > endDegreeThreshold {
		split := splitPoint(degree)
		c.splitSchedule = append(c.splitSchedule, split)
		degree -= split
	}
	return c
}

// splitPoint mirrors the reference folding scheme's split rule,
// ceil(degree/2): an odd-degree polynomial's coefficients split into two
// equal halves; for an even degree the second half gets the extra one.
func splitPoint(degree int) int {
	if degree%2 == 0 {
		return degree / 2
	}
	return (degree + 1) / 2
}

// Levels reports how many folding recursions this context's polynomials
// go through before reaching the clear-text base case.
func (c *Context) Levels() int { return len(c.splitSchedule) }

// Generate runs the folding prover on coeffs (which must have degree
// MaxDegree), seeding the Fiat-Shamir root chain with initialRoot — the
// external commitment this proof is bound to (e.g. a column or row root
// from the layer invoking dzk). It returns the clear-text base-case
// coefficients and the per-level commitments needed to answer any party's
// opening request via ProofForPoint.
func (c *Context) Generate(coeffs field.Polynomial, initialRoot merkle.Digest) (field.Polynomial, []LevelCommitment) {
	if len(coeffs)-1 != c.MaxDegree {
		panic("dzk: coefficients do not match context's configured degree")
	}

	current := append(field.Polynomial{}, coeffs...)
	aggRoot := initialRoot
	levels := make([]LevelCommitment, 0, len(c.splitSchedule))

	for _, split := range c.splitSchedule {
		evals := make([]field.Element, len(c.EvaluationPoints))
		for i, pt := range c.EvaluationPoints {
			evals[i] = current.Evaluate(field.FromInt64(int64(pt)))
		}
		leaves := make([]merkle.Digest, len(evals))
		for i, e := range evals {
			leaves[i] = merkle.HashLeaf(elementBytes(e))
		}
		tree := merkle.NewFromLeaves(leaves)
		ownRoot := tree.Root()
		aggRoot = CombineRoots(aggRoot, ownRoot)

		aCoeffs := append(field.Polynomial{}, current[:split]...)
		bCoeffs := append(field.Polynomial{}, current[split:]...)

		gVals := make([]Pair, len(c.EvaluationPoints))
		for i, pt := range c.EvaluationPoints {
			x := field.FromInt64(int64(pt))
			gVals[i] = Pair{A: aCoeffs.Evaluate(x), B: bCoeffs.Evaluate(x)}
		}

		levels = append(levels, LevelCommitment{Root: ownRoot, Tree: tree, GVals: gVals})

		alpha := elementFromDigest(aggRoot)
		folded := make(field.Polynomial, len(bCoeffs))
		for i, bc := range bCoeffs {
			folded[i] = field.Mul(bc, alpha)
		}
		for i, ac := range aCoeffs {
			folded[i] = field.Add(folded[i], ac)
		}
		current = folded
	}

	return current, levels
}

// ProofForPoint extracts the opening for the pointIdx-th evaluation point
// (0-based index into Context.EvaluationPoints) from a set of levels
// produced by Generate.
func ProofForPoint(levels []LevelCommitment, pointIdx int) DZKProof {
	proof := DZKProof{
		G0X:   make([]field.Element, len(levels)),
		G1X:   make([]field.Element, len(levels)),
		Proof: make([]merkle.Proof, len(levels)),
	}
	for i, l := range levels {
		proof.G0X[i] = l.GVals[pointIdx].A
		proof.G1X[i] = l.GVals[pointIdx].B
		proof.Proof[i] = l.Tree.GenProof(pointIdx)
	}
	return proof
}

// LevelRoots extracts each level's own commitment root, in generation
// order — the dzk_roots a verifier needs to replay the aggregated chain.
func LevelRoots(levels []LevelCommitment) []merkle.Digest {
	roots := make([]merkle.Digest, len(levels))
	for i, l := range levels {
		roots[i] = l.Root
	}
	return roots
}

// CombineRoots chains two commitments into one, the aggregation step used
// both to build the Fiat-Shamir root chain during folding and to derive a
// combined column/blinding root for the column-verification path.
func CombineRoots(a, b merkle.Digest) merkle.Digest {
	buf := make([]byte, 0, len(a)+len(b))
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return merkle.HashLeaf(buf)
}

// elementFromDigest derives a deterministic field element from a Merkle
// digest via the package's seeded-stretch primitive (field.FromSeed)
// rather than a raw fixed-width byte decode, so this never fails even
// when the digest's integer value would exceed the field's order.
func elementFromDigest(d merkle.Digest) field.Element {
	return field.FromSeed(d[:])
}

func elementBytes(e field.Element) []byte {
	b, err := e.MarshalBinary()
	if err != nil {
		panic("dzk: marshal field element: " + err.Error())
	}
	return b
}

// fieldPow computes x^n by square-and-multiply.
func fieldPow(x field.Element, n int) field.Element {
	result := field.One()
	base := x
	for n > 0 {
		if n&1 == 1 {
			result = field.Mul(result, base)
		}
		base = field.Mul(base, base)
		n >>= 1
	}
	return result
}
