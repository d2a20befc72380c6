package field

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInverseVandermondeIsInverse(t *testing.T) {
	xs := []Element{FromInt64(1), FromInt64(2), FromInt64(3)}
	v := VandermondeMatrix(xs)
	inv := InverseVandermonde(v)

	product := make([][]Element, len(v))
	for i, row := range v {
		product[i] = make([]Element, len(inv[0]))
		for j := range product[i] {
			sum := Zero()
			for k := range row {
				sum = Add(sum, Mul(row[k], inv[k][j]))
			}
			product[i][j] = sum
		}
	}

	for i := range product {
		for j := range product[i] {
			if i == j {
				require.True(t, Equal(product[i][j], One()))
			} else {
				require.True(t, Equal(product[i][j], Zero()))
			}
		}
	}
}
