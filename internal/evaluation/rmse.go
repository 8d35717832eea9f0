// Package evaluation scores a filter run against ground truth (RMSE) and
// checks its noise tuning with NIS chi-square statistics.
package evaluation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/sensor"
)

var (
	// ErrNoSamples is returned when a statistic is requested before any
	// sample has been added.
	ErrNoSamples = errors.New("evaluation: no samples")

	// ErrLengthMismatch is returned when estimate and truth series differ
	// in length.
	ErrLengthMismatch = errors.New("evaluation: estimate and truth lengths differ")
)

// Kinematics is a planar position and Cartesian velocity, the space in
// which estimates are compared against ground truth.
type Kinematics struct {
	PX float64 `json:"px"`
	PY float64 `json:"py"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

func (k Kinematics) slice() []float64 { return []float64{k.PX, k.PY, k.VX, k.VY} }

func (k Kinematics) String() string {
	return fmt.Sprintf("px=%.4f py=%.4f vx=%.4f vy=%.4f", k.PX, k.PY, k.VX, k.VY)
}

// FromState converts a CTRV state [px, py, v, yaw, yaw_rate] into
// Kinematics.
func FromState(x mat.Vector) Kinematics {
	v, yaw := x.AtVec(2), x.AtVec(3)
	return Kinematics{
		PX: x.AtVec(0),
		PY: x.AtVec(1),
		VX: v * math.Cos(yaw),
		VY: v * math.Sin(yaw),
	}
}

// FromTruth converts a ground truth sample into Kinematics.
func FromTruth(gt sensor.GroundTruth) Kinematics {
	return Kinematics{PX: gt.PX, PY: gt.PY, VX: gt.VX, VY: gt.VY}
}

// RMSE returns the per-component root mean squared error between matching
// estimate and truth samples.
func RMSE(estimates, truth []Kinematics) (Kinematics, error) {
	if len(estimates) != len(truth) {
		return Kinematics{}, fmt.Errorf("%w: %d estimates, %d truth", ErrLengthMismatch, len(estimates), len(truth))
	}
	var acc RMSEAccumulator
	for i := range estimates {
		acc.Add(estimates[i], truth[i])
	}
	return acc.Value()
}

// RMSEAccumulator keeps running squared-error sums so long runs need not
// retain every sample. The zero value is ready to use.
type RMSEAccumulator struct {
	sumSq [4]float64
	n     int
}

// Add records one estimate/truth pair.
func (a *RMSEAccumulator) Add(est, truth Kinematics) {
	d := est.slice()
	floats.Sub(d, truth.slice())
	floats.Mul(d, d)
	floats.Add(a.sumSq[:], d)
	a.n++
}

// Count returns the number of pairs added.
func (a *RMSEAccumulator) Count() int { return a.n }

// Value returns the RMSE over every pair added so far.
func (a *RMSEAccumulator) Value() (Kinematics, error) {
	if a.n == 0 {
		return Kinematics{}, ErrNoSamples
	}
	out := make([]float64, 4)
	copy(out, a.sumSq[:])
	floats.Scale(1/float64(a.n), out)
	for i := range out {
		out[i] = math.Sqrt(out[i])
	}
	return Kinematics{PX: out[0], PY: out[1], VX: out[2], VY: out[3]}, nil
}
