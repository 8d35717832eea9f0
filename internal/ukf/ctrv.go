package ukf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// CTRV advances one augmented sigma point [px, py, v, yaw, yawd, nu_a,
// nu_yawdd] by dt seconds under constant turn rate and velocity and
// returns the predicted state. When |yawd| <= yawRateEps the closed-form
// turn integral is replaced by straight-line motion.
func CTRV(aug []float64, dt, yawRateEps float64) [StateDim]float64 {
	px := aug[IdxPX]
	py := aug[IdxPY]
	v := aug[IdxV]
	yaw := aug[IdxYaw]
	yawd := aug[IdxYawRate]
	nuA := aug[IdxNuA]
	nuYawdd := aug[IdxNuYawdd]

	var pxP, pyP float64
	if math.Abs(yawd) > yawRateEps {
		pxP = px + v/yawd*(math.Sin(yaw+yawd*dt)-math.Sin(yaw))
		pyP = py + v/yawd*(math.Cos(yaw)-math.Cos(yaw+yawd*dt))
	} else {
		pxP = px + v*dt*math.Cos(yaw)
		pyP = py + v*dt*math.Sin(yaw)
	}
	vP := v
	yawP := yaw + yawd*dt
	yawdP := yawd

	dt2 := dt * dt
	pxP += 0.5 * nuA * dt2 * math.Cos(yaw)
	pyP += 0.5 * nuA * dt2 * math.Sin(yaw)
	vP += nuA * dt
	yawP += 0.5 * nuYawdd * dt2
	yawdP += nuYawdd * dt

	return [StateDim]float64{pxP, pyP, vP, yawP, yawdP}
}

// PredictSigmaPoints propagates every column of the augmented sigma point
// matrix through CTRV and returns the StateDim x SigmaCount result.
func PredictSigmaPoints(xsigAug mat.Matrix, dt, yawRateEps float64) *mat.Dense {
	_, cols := xsigAug.Dims()
	out := mat.NewDense(StateDim, cols, nil)
	aug := make([]float64, AugDim)
	for c := 0; c < cols; c++ {
		mat.Col(aug, c, xsigAug)
		next := CTRV(aug, dt, yawRateEps)
		out.SetCol(c, next[:])
	}
	return out
}
