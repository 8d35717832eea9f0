package ukf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// NIS returns the normalized innovation squared (z-zPred)ᵀ·S⁻¹·(z-zPred).
// Under correct tuning it is chi-square distributed with len(z) degrees of
// freedom. The rows listed in angleRows hold angles; their innovation is
// wrapped into (-π, π] first, so radar bearings either side of ±π compare
// correctly. It returns ErrSingular when s cannot be inverted.
func NIS(z, zPred mat.Vector, s mat.Matrix, angleRows ...int) (float64, error) {
	n := z.Len()
	if n != zPred.Len() {
		return 0, fmt.Errorf("nis: measurement has %d rows, prediction has %d", n, zPred.Len())
	}
	if r, c := s.Dims(); r != n || c != n {
		return 0, fmt.Errorf("nis: covariance is %dx%d, want %dx%d", r, c, n, n)
	}

	y := mat.NewVecDense(n, nil)
	y.SubVec(z, zPred)
	for _, i := range angleRows {
		if i < 0 || i >= n {
			return 0, fmt.Errorf("nis: angle row %d out of range [0, %d)", i, n)
		}
		y.SetVec(i, NormalizeAngle(y.AtVec(i)))
	}

	var sInv mat.Dense
	if err := sInv.Inverse(s); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return mat.Inner(y, &sInv, y), nil
}
