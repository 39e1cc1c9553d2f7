package nn

import "math"

// Mask is an additive attention mask indexed [query][key].
type Mask [][]float64

// SquareSubsequentMask creates the n x n causal mask:
//
//	// For n=4:
//	// [[0,   -inf, -inf, -inf],
//	//  [0,   0,    -inf, -inf],
//	//  [0,   0,    0,    -inf],
//	//  [0,   0,    0,    0   ]]
//
// Position i may attend to positions <= i.
func SquareSubsequentMask(n int) Mask {
	negInf := math.Inf(-1)
	mask := make(Mask, n)
	for i := range mask {
		mask[i] = make([]float64, n)
		for j := i + 1; j < n; j++ {
			mask[i][j] = negInf
		}
	}
	return mask
}

// Allows reports whether query position i may attend to key position j.
// A nil mask allows everything.
func (m Mask) Allows(i, j int) bool {
	if m == nil {
		return true
	}
	return !math.IsInf(m[i][j], -1)
}

// IsCausal reports whether m blocks exactly the future positions of an
// n x n square.
func (m Mask) IsCausal(n int) bool {
	if len(m) != n {
		return false
	}
	for i := range m {
		if len(m[i]) != n {
			return false
		}
		for j := range m[i] {
			if m.Allows(i, j) != (j <= i) {
				return false
			}
		}
	}
	return true
}
