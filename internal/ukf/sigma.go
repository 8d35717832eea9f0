package ukf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SigmaWeights returns the 2*nAug+1 sigma point weights for spreading
// parameter lambda: lambda/(lambda+nAug) for the mean point and
// 1/(2*(lambda+nAug)) for every other point. The weights sum to 1.
func SigmaWeights(lambda float64, nAug int) []float64 {
	n := 2*nAug + 1
	w := make([]float64, n)
	w[0] = lambda / (lambda + float64(nAug))
	for i := 1; i < n; i++ {
		w[i] = 0.5 / (lambda + float64(nAug))
	}
	return w
}

// Augment builds the augmented mean and covariance for the state x and
// covariance p. The process-noise variances stdA² and stdYawdd² occupy the
// trailing diagonal entries; the noise means are zero.
func Augment(x mat.Vector, p mat.Symmetric, stdA, stdYawdd float64) (*mat.VecDense, *mat.SymDense) {
	xAug := mat.NewVecDense(AugDim, nil)
	pAug := mat.NewSymDense(AugDim, nil)
	for i := 0; i < StateDim; i++ {
		xAug.SetVec(i, x.AtVec(i))
		for j := i; j < StateDim; j++ {
			pAug.SetSym(i, j, p.At(i, j))
		}
	}
	pAug.SetSym(IdxNuA, IdxNuA, stdA*stdA)
	pAug.SetSym(IdxNuYawdd, IdxNuYawdd, stdYawdd*stdYawdd)
	return xAug, pAug
}

// SigmaPoints generates the 2n+1 sigma points of the n-dimensional
// Gaussian (mean, cov) as columns of the returned matrix: the mean, then
// mean ± sqrt(lambda+n)·L_i for every column L_i of the lower Cholesky
// factor of cov. It returns ErrNotPositiveDefinite when cov has no
// Cholesky factor.
func SigmaPoints(mean mat.Vector, cov mat.Symmetric, lambda float64) (*mat.Dense, error) {
	n := mean.Len()
	if cov.SymmetricDim() != n {
		return nil, fmt.Errorf("sigma points: mean has %d rows, covariance is %dx%d", n, cov.SymmetricDim(), cov.SymmetricDim())
	}
	if lambda+float64(n) <= 0 {
		return nil, fmt.Errorf("sigma points: lambda+n = %g must be positive", lambda+float64(n))
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, ErrNotPositiveDefinite
	}
	var l mat.TriDense
	chol.LTo(&l)

	scale := math.Sqrt(lambda + float64(n))
	pts := mat.NewDense(n, 2*n+1, nil)
	for r := 0; r < n; r++ {
		pts.Set(r, 0, mean.AtVec(r))
	}
	for c := 0; c < n; c++ {
		for r := 0; r < n; r++ {
			d := scale * l.At(r, c)
			pts.Set(r, c+1, mean.AtVec(r)+d)
			pts.Set(r, c+1+n, mean.AtVec(r)-d)
		}
	}
	return pts, nil
}

// AugmentedSigmaPoints is Augment followed by SigmaPoints; the result has
// AugDim rows and SigmaCount columns.
func AugmentedSigmaPoints(x mat.Vector, p mat.Symmetric, stdA, stdYawdd, lambda float64) (*mat.Dense, error) {
	xAug, pAug := Augment(x, p, stdA, stdYawdd)
	return SigmaPoints(xAug, pAug, lambda)
}

// NoAngle disables angle normalisation in WeightedMoments.
const NoAngle = -1

// WeightedMoments reconstructs the mean and covariance of the sigma points
// stored in the columns of pts. When angleRow is not NoAngle, that row is
// averaged as offsets from the first sigma point and every deviation from
// the mean is normalised into (-π, π] before the outer product, so points
// straddling the ±π seam do not corrupt either moment.
func WeightedMoments(pts mat.Matrix, weights []float64, angleRow int) (*mat.VecDense, *mat.SymDense) {
	rows, cols := pts.Dims()
	if len(weights) != cols {
		panic(fmt.Sprintf("ukf: %d weights for %d sigma points", len(weights), cols))
	}

	mean := mat.NewVecDense(rows, nil)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			if r == angleRow {
				continue
			}
			mean.SetVec(r, mean.AtVec(r)+weights[c]*pts.At(r, c))
		}
	}
	if angleRow != NoAngle {
		// The weights sum to one, so ref + Σ w·(a - ref) is the plain
		// weighted mean whenever no offset wraps.
		ref := pts.At(angleRow, 0)
		var off float64
		for c := 0; c < cols; c++ {
			off += weights[c] * NormalizeAngle(pts.At(angleRow, c)-ref)
		}
		mean.SetVec(angleRow, ref+off)
	}

	cov := mat.NewSymDense(rows, nil)
	diff := mat.NewVecDense(rows, nil)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			diff.SetVec(r, pts.At(r, c)-mean.AtVec(r))
		}
		if angleRow != NoAngle {
			diff.SetVec(angleRow, NormalizeAngle(diff.AtVec(angleRow)))
		}
		cov.SymRankOne(cov, weights[c], diff)
	}
	return mean, cov
}
