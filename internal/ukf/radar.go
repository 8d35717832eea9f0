package ukf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// RadarModel maps a state [px, py, v, yaw, ...] into radar measurement
// space [rho, phi, rho_dot]. When rho <= rangeEps the range rate is
// defined as zero.
func RadarModel(state []float64, rangeEps float64) [sensor.RadarDim]float64 {
	px := state[IdxPX]
	py := state[IdxPY]
	v := state[IdxV]
	yaw := state[IdxYaw]

	vx := math.Cos(yaw) * v
	vy := math.Sin(yaw) * v

	rho := math.Sqrt(px*px + py*py)
	phi := math.Atan2(py, px)
	rhoDot := 0.0
	if rho > rangeEps {
		rhoDot = (px*vx + py*vy) / rho
	}
	return [sensor.RadarDim]float64{rho, phi, rhoDot}
}

// UpdateRadar fuses a range/bearing/range-rate observation through the
// unscented transform of the cached predicted sigma points and records the
// radar NIS. The filter is left untouched on error.
func (f *Filter) UpdateRadar(z sensor.Radar) error {
	if !f.initialized {
		return ErrNotInitialized
	}
	if f.xsigPred == nil {
		return ErrNoPrediction
	}

	zv := mat.NewVecDense(sensor.RadarDim, []float64{z.Rho, NormalizeAngle(z.Phi), z.RhoDot})

	// Sigma points in measurement space.
	zsig := mat.NewDense(sensor.RadarDim, SigmaCount, nil)
	state := make([]float64, StateDim)
	for c := 0; c < SigmaCount; c++ {
		mat.Col(state, c, f.xsigPred)
		m := RadarModel(state, f.cfg.RangeEpsilon)
		zsig.SetCol(c, m[:])
	}

	zPred, sz := WeightedMoments(zsig, f.weights, IdxPhi)
	s := mat.NewSymDense(sensor.RadarDim, nil)
	s.AddSym(sz, f.rRadar)

	// Cross correlation between state and measurement deviations.
	tc := mat.NewDense(StateDim, sensor.RadarDim, nil)
	xDiff := mat.NewVecDense(StateDim, nil)
	zDiff := mat.NewVecDense(sensor.RadarDim, nil)
	for c := 0; c < SigmaCount; c++ {
		for r := 0; r < StateDim; r++ {
			xDiff.SetVec(r, f.xsigPred.At(r, c)-f.x.AtVec(r))
		}
		xDiff.SetVec(IdxYaw, NormalizeAngle(xDiff.AtVec(IdxYaw)))
		for r := 0; r < sensor.RadarDim; r++ {
			zDiff.SetVec(r, zsig.At(r, c)-zPred.AtVec(r))
		}
		zDiff.SetVec(IdxPhi, NormalizeAngle(zDiff.AtVec(IdxPhi)))
		tc.RankOne(tc, f.weights[c], xDiff, zDiff)
	}

	var sInv mat.Dense
	if err := sInv.Inverse(s); err != nil {
		return diverged(StageRadarUpdate, fmt.Errorf("%w: %v", ErrSingular, err))
	}

	// K = Tc·S⁻¹
	var k mat.Dense
	k.Mul(tc, &sInv)

	var y mat.VecDense
	y.SubVec(zv, zPred)
	y.SetVec(IdxPhi, NormalizeAngle(y.AtVec(IdxPhi)))

	var dx mat.VecDense
	dx.MulVec(&k, &y)
	x := mat.NewVecDense(StateDim, nil)
	x.AddVec(f.x, &dx)

	// P = P - K·S·Kᵀ
	var ks, ksk mat.Dense
	ks.Mul(&k, s)
	ksk.Mul(&ks, k.T())
	var p mat.Dense
	p.Sub(f.p, &ksk)
	pSym := symmetrize(&p)

	if err := checkFinite(x, pSym); err != nil {
		return diverged(StageRadarUpdate, err)
	}
	nis, err := NIS(zv, zPred, s, IdxPhi)
	if err != nil {
		return diverged(StageRadarUpdate, err)
	}

	f.x = x
	f.normalizeYaw()
	f.p = pSym
	f.nisRadar = nis
	return nil
}
