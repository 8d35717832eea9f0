package ukf

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// Step reports what ProcessMeasurement did with a measurement.
type Step int

const (
	// StepSkipped means the measurement was ignored and the filter is unchanged.
	StepSkipped Step = iota
	// StepBootstrapped means the measurement initialised the filter.
	StepBootstrapped
	// StepPredicted means time advanced but the sensor's update is disabled.
	StepPredicted
	// StepUpdated means predict and update both ran.
	StepUpdated
)

func (s Step) String() string {
	switch s {
	case StepSkipped:
		return "skipped"
	case StepBootstrapped:
		return "bootstrapped"
	case StepPredicted:
		return "predicted"
	case StepUpdated:
		return "updated"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Filter is an Unscented Kalman Filter over the CTRV state.
type Filter struct {
	cfg Config

	// Fixed at construction.
	weights []float64
	hLaser  *mat.Dense
	rLaser  *mat.SymDense
	rRadar  *mat.SymDense

	initialized bool
	timeUs      int64

	x        *mat.VecDense
	p        *mat.SymDense
	xsigPred *mat.Dense

	nisLaser float64
	nisRadar float64
}

// New returns an uninitialised filter for cfg.
func New(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter config: %w", err)
	}

	rLaser := mat.NewSymDense(sensor.LidarDim, nil)
	rLaser.SetSym(0, 0, cfg.StdLasPX*cfg.StdLasPX)
	rLaser.SetSym(1, 1, cfg.StdLasPY*cfg.StdLasPY)

	rRadar := mat.NewSymDense(sensor.RadarDim, nil)
	rRadar.SetSym(IdxRho, IdxRho, cfg.StdRadR*cfg.StdRadR)
	rRadar.SetSym(IdxPhi, IdxPhi, cfg.StdRadPhi*cfg.StdRadPhi)
	rRadar.SetSym(IdxRhoDot, IdxRhoDot, cfg.StdRadRD*cfg.StdRadRD)

	return &Filter{
		cfg:     cfg,
		weights: SigmaWeights(Lambda, AugDim),
		hLaser:  lidarProjection(),
		rLaser:  rLaser,
		rRadar:  rRadar,
		x:       mat.NewVecDense(StateDim, nil),
		p:       mat.NewSymDense(StateDim, nil),
	}, nil
}

// Config returns the filter tuning.
func (f *Filter) Config() Config { return f.cfg }

// Initialized reports whether a bootstrap measurement has been accepted.
func (f *Filter) Initialized() bool { return f.initialized }

// Timestamp returns the time in microseconds of the last processed measurement.
func (f *Filter) Timestamp() int64 { return f.timeUs }

// State returns a copy of the state vector [px, py, v, yaw, yaw_rate].
func (f *Filter) State() *mat.VecDense {
	return mat.VecDenseCopyOf(f.x)
}

// Covariance returns a copy of the state covariance.
func (f *Filter) Covariance() *mat.SymDense {
	p := mat.NewSymDense(StateDim, nil)
	p.CopySym(f.p)
	return p
}

// PredictedSigmaPoints returns a copy of the cached predicted sigma points,
// or nil before the first prediction.
func (f *Filter) PredictedSigmaPoints() *mat.Dense {
	if f.xsigPred == nil {
		return nil
	}
	return mat.DenseCopyOf(f.xsigPred)
}

// Weights returns a copy of the sigma point weights.
func (f *Filter) Weights() []float64 {
	return append([]float64(nil), f.weights...)
}

// NISLidar returns the NIS of the most recent lidar update.
func (f *Filter) NISLidar() float64 { return f.nisLaser }

// NISRadar returns the NIS of the most recent radar update.
func (f *Filter) NISRadar() float64 { return f.nisRadar }

// Reset returns the filter to the uninitialised state.
func (f *Filter) Reset() {
	f.initialized = false
	f.timeUs = 0
	f.x = mat.NewVecDense(StateDim, nil)
	f.p = mat.NewSymDense(StateDim, nil)
	f.xsigPred = nil
	f.nisLaser = 0
	f.nisRadar = 0
}

// ProcessMeasurement runs one filter cycle. The first usable measurement
// bootstraps the state; later ones predict to the measurement time and,
// if the sensor is enabled, update.
//
// Unknown measurement types return an error wrapping
// sensor.ErrUnknownSensor; NaN or Inf values return ErrInvalidMeasurement;
// measurements older than the filter time return ErrOutOfOrder. A numerical failure returns a *DivergenceError. In every
// error case the filter is left exactly as it was.
func (f *Filter) ProcessMeasurement(m sensor.Measurement) (Step, error) {
	switch m.(type) {
	case sensor.Lidar, sensor.Radar:
	default:
		opsf("skipping measurement of unknown type %T", m)
		return StepSkipped, fmt.Errorf("%w: %T", sensor.ErrUnknownSensor, m)
	}
	for i, v := range m.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			diagf("skipping %s measurement at t=%d: value %d is %g", m.Kind(), m.Timestamp(), i, v)
			return StepSkipped, fmt.Errorf("%w: %s value %d is %g", ErrInvalidMeasurement, m.Kind(), i, v)
		}
	}

	if !f.initialized {
		return f.bootstrap(m), nil
	}

	ts := m.Timestamp()
	if ts < f.timeUs {
		diagf("skipping %s measurement at t=%d: filter is at t=%d", m.Kind(), ts, f.timeUs)
		return StepSkipped, fmt.Errorf("%w: %d < %d", ErrOutOfOrder, ts, f.timeUs)
	}
	dt := float64(ts-f.timeUs) / 1e6

	snap := f.snapshot()
	if err := f.Predict(dt); err != nil {
		f.restore(snap)
		return StepSkipped, f.fail(err, ts)
	}
	f.timeUs = ts

	var err error
	step := StepUpdated
	switch z := m.(type) {
	case sensor.Lidar:
		if !f.cfg.UseLaser {
			step = StepPredicted
			break
		}
		err = f.UpdateLidar(z)
	case sensor.Radar:
		if !f.cfg.UseRadar {
			step = StepPredicted
			break
		}
		err = f.UpdateRadar(z)
	}
	if err != nil {
		f.restore(snap)
		return StepSkipped, f.fail(err, ts)
	}
	if step == StepPredicted {
		diagf("%s updates disabled; predicted only at t=%d", m.Kind(), ts)
	}

	tracef("t=%d %s %s x=%v", ts, m.Kind(), step, f.x.RawVector().Data)
	return step, nil
}

// bootstrap seeds the state from the first measurement. A fix at the
// exact origin is rejected and the filter stays uninitialised.
func (f *Filter) bootstrap(m sensor.Measurement) Step {
	var px, py float64
	switch z := m.(type) {
	case sensor.Lidar:
		px, py = z.PX, z.PY
	case sensor.Radar:
		px, py = z.Cartesian()
	}

	if px == 0 && py == 0 {
		diagf("skipping %s bootstrap at t=%d: position is the origin", m.Kind(), m.Timestamp())
		return StepSkipped
	}

	f.x = mat.NewVecDense(StateDim, []float64{px, py, 0, 0, 0})
	f.p = mat.NewSymDense(StateDim, nil)
	for i := 0; i < StateDim; i++ {
		f.p.SetSym(i, i, f.cfg.InitialVariance)
	}
	f.xsigPred = nil
	f.timeUs = m.Timestamp()
	f.initialized = true

	tracef("t=%d bootstrapped from %s at (%.3f, %.3f)", f.timeUs, m.Kind(), px, py)
	return StepBootstrapped
}

// Predict advances the state and covariance by dt seconds and caches the
// predicted sigma points for the next radar update. dt == 0 is a valid
// no-motion step. The filter is left untouched on error.
func (f *Filter) Predict(dt float64) error {
	if !f.initialized {
		return ErrNotInitialized
	}
	if dt < 0 || math.IsNaN(dt) {
		return fmt.Errorf("%w: %g", ErrNegativeTimestep, dt)
	}

	xsigAug, err := AugmentedSigmaPoints(f.x, f.p, f.cfg.StdA, f.cfg.StdYawdd, Lambda)
	if err != nil {
		return diverged(StageSigmaPoints, err)
	}

	xsigPred := PredictSigmaPoints(xsigAug, dt, f.cfg.YawRateEpsilon)
	x, p := WeightedMoments(xsigPred, f.weights, IdxYaw)
	if err := checkFinite(x, p); err != nil {
		return diverged(StagePredict, err)
	}

	f.xsigPred = xsigPred
	f.x = x
	f.normalizeYaw()
	f.p = p
	return nil
}

// fail stamps divergence errors with the measurement time and logs them.
func (f *Filter) fail(err error, ts int64) error {
	var de *DivergenceError
	if errors.As(err, &de) {
		de.TimestampUs = ts
		opsf("%v", de)
	}
	return err
}

type snapshot struct {
	timeUs   int64
	x        *mat.VecDense
	p        *mat.SymDense
	xsigPred *mat.Dense
	nisLaser float64
	nisRadar float64
}

// snapshot captures the mutable state. Predict and the updates replace
// x, p and xsigPred rather than writing into them, so sharing is safe.
func (f *Filter) snapshot() snapshot {
	return snapshot{
		timeUs:   f.timeUs,
		x:        f.x,
		p:        f.p,
		xsigPred: f.xsigPred,
		nisLaser: f.nisLaser,
		nisRadar: f.nisRadar,
	}
}

func (f *Filter) restore(s snapshot) {
	f.timeUs = s.timeUs
	f.x = s.x
	f.p = s.p
	f.xsigPred = s.xsigPred
	f.nisLaser = s.nisLaser
	f.nisRadar = s.nisRadar
}

// normalizeYaw keeps the heading estimate in (-π, π].
func (f *Filter) normalizeYaw() {
	f.x.SetVec(IdxYaw, NormalizeAngle(f.x.AtVec(IdxYaw)))
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// symmetrize returns (m + mᵀ)/2.
func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return s
}

// checkFinite rejects NaN/Inf anywhere in x or p and negative variances.
func checkFinite(x mat.Vector, p mat.Symmetric) error {
	for i := 0; i < x.Len(); i++ {
		if v := x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: x[%d] = %g", ErrNonFinite, i, v)
		}
	}
	n := p.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if v := p.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: P[%d,%d] = %g", ErrNonFinite, i, j, v)
			}
		}
		if v := p.At(i, i); v < 0 {
			return fmt.Errorf("%w: P[%d,%d] = %g is negative", ErrNonFinite, i, i, v)
		}
	}
	return nil
}
