package ukf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// lidarProjection returns the 2x5 measurement matrix selecting px and py.
func lidarProjection() *mat.Dense {
	h := mat.NewDense(sensor.LidarDim, StateDim, nil)
	h.Set(0, IdxPX, 1)
	h.Set(1, IdxPY, 1)
	return h
}

// UpdateLidar fuses a position fix with the standard linear Kalman update
// and records the lidar NIS. The filter is left untouched on error.
func (f *Filter) UpdateLidar(z sensor.Lidar) error {
	if !f.initialized {
		return ErrNotInitialized
	}

	zv := mat.NewVecDense(sensor.LidarDim, []float64{z.PX, z.PY})
	var zPred mat.VecDense
	zPred.MulVec(f.hLaser, f.x)
	var y mat.VecDense
	y.SubVec(zv, &zPred)

	// S = H·P·Hᵀ + R
	var pht mat.Dense
	pht.Mul(f.p, f.hLaser.T())
	var s mat.Dense
	s.Mul(f.hLaser, &pht)
	s.Add(&s, f.rLaser)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return diverged(StageLidarUpdate, fmt.Errorf("%w: %v", ErrSingular, err))
	}

	// K = P·Hᵀ·S⁻¹
	var k mat.Dense
	k.Mul(&pht, &sInv)

	var dx mat.VecDense
	dx.MulVec(&k, &y)
	x := mat.NewVecDense(StateDim, nil)
	x.AddVec(f.x, &dx)

	// P = (I - K·H)·P
	var kh mat.Dense
	kh.Mul(&k, f.hLaser)
	ikh := identity(StateDim)
	ikh.Sub(ikh, &kh)
	var p mat.Dense
	p.Mul(ikh, f.p)
	pSym := symmetrize(&p)

	if err := checkFinite(x, pSym); err != nil {
		return diverged(StageLidarUpdate, err)
	}
	nis, err := NIS(zv, &zPred, &s)
	if err != nil {
		return diverged(StageLidarUpdate, err)
	}

	f.x = x
	f.normalizeYaw()
	f.p = pSym
	f.nisLaser = nis
	return nil
}
