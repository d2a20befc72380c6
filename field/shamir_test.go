package field

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitRecover(t *testing.T) {
	// n=7, t=2 (threshold = f+1 for f=2 in a 3f+1 system), secret recovered
	// from any threshold-sized subset of the resulting shares.
	sss := New(3, 7)
	secret := FromInt64(42)
	shares := sss.Split(secret, nil)
	require.Len(t, shares, 7)

	subset := []Share{
		{Index: 2, Value: shares[1]},
		{Index: 5, Value: shares[4]},
		{Index: 7, Value: shares[6]},
	}
	recovered, err := sss.Recover(subset)
	require.NoError(t, err)
	require.True(t, Equal(recovered, secret))
}

func TestRecoverWrongShareCount(t *testing.T) {
	sss := New(3, 7)
	_, err := sss.Recover([]Share{{Index: 1, Value: FromInt64(1)}})
	require.Error(t, err)
}

func TestFillEvaluationAndVerifyDegree(t *testing.T) {
	sss := New(3, 7)
	secret := FromInt64(9)
	shares := sss.Split(secret, nil)

	values := sss.FillEvaluationAtAllPoints(append([]Element{secret}, shares[:2]...))
	require.True(t, sss.VerifyDegree(values))
}

func TestVandermondeRoundTrip(t *testing.T) {
	sss := NewWithVandermonde(4, 4)
	poly := Polynomial{FromInt64(1), FromInt64(2), FromInt64(3), FromInt64(4)}

	yValues := make([]Element, 4)
	for i := 0; i < 4; i++ {
		yValues[i] = poly.Evaluate(FromInt64(int64(i + 1)))
	}

	coeffs := sss.PolynomialCoefficientsWithPrecomputedVandermondeMatrix(yValues)
	for i, c := range coeffs {
		require.True(t, Equal(c, poly[i]))
	}
}

func TestCheckIfAllPointsLieOnDegreeXPolynomial(t *testing.T) {
	degree := 3
	poly := Polynomial{FromInt64(1), FromInt64(1), FromInt64(1)}

	evalPoints := make([]Element, 5)
	points := make([]Element, 5)
	for i := 0; i < 5; i++ {
		evalPoints[i] = FromInt64(int64(i + 1))
		points[i] = poly.Evaluate(evalPoints[i])
	}

	ok, polys := CheckIfAllPointsLieOnDegreeXPolynomial(evalPoints, [][]Element{points}, degree)
	require.True(t, ok)
	require.Len(t, polys, 1)
	require.True(t, Equal(polys[0].Evaluate(FromInt64(9)), poly.Evaluate(FromInt64(9))))

	points[4] = Add(points[4], One())
	ok, _ = CheckIfAllPointsLieOnDegreeXPolynomial(evalPoints, [][]Element{points}, degree)
	require.False(t, ok)
}
