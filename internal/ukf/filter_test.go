package ukf

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sensorfusion/internal/sensor"
)

const t0 = int64(1477010443000000)

func newTestFilter(t *testing.T, mutate func(*Config)) *Filter {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func identitySym(n int, scale float64) *mat.SymDense {
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, scale)
	}
	return s
}

// unknownMeasurement satisfies sensor.Measurement without being one of the
// kinds the filter handles.
type unknownMeasurement struct{ sensor.Lidar }

func TestBootstrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    sensor.Measurement
		want []float64
	}{
		{"radar on x axis", sensor.Radar{Rho: 5, Phi: 0, RhoDot: 1.2, TimestampUs: t0}, []float64{5, 0, 0, 0, 0}},
		{"radar at right angle", sensor.Radar{Rho: 2, Phi: math.Pi / 2, TimestampUs: t0}, []float64{0, 2, 0, 0, 0}},
		{"lidar", sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0}, []float64{3, 4, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFilter(t, nil)
			step, err := f.ProcessMeasurement(tt.m)
			require.NoError(t, err)
			assert.Equal(t, StepBootstrapped, step)
			assert.True(t, f.Initialized())
			assert.Equal(t, t0, f.Timestamp())

			assert.True(t, mat.EqualApprox(mat.NewVecDense(StateDim, tt.want), f.State(), 1e-12),
				"state = %v", f.State().RawVector().Data)
			assert.True(t, mat.Equal(identitySym(StateDim, 1), f.Covariance()))
			assert.Nil(t, f.PredictedSigmaPoints())
		})
	}
}

func TestBootstrap_InitialVariance(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, func(c *Config) { c.InitialVariance = 4 })
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 1, PY: 1, TimestampUs: t0})
	require.NoError(t, err)
	assert.True(t, mat.Equal(identitySym(StateDim, 4), f.Covariance()))
}

func TestBootstrap_RejectsOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    sensor.Measurement
	}{
		{"lidar", sensor.Lidar{PX: 0, PY: 0, TimestampUs: t0}},
		{"radar zero range", sensor.Radar{Rho: 0, Phi: 1.1, RhoDot: 3, TimestampUs: t0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFilter(t, nil)
			step, err := f.ProcessMeasurement(tt.m)
			require.NoError(t, err)
			assert.Equal(t, StepSkipped, step)
			assert.False(t, f.Initialized())
			assert.Equal(t, int64(0), f.Timestamp())
			assert.True(t, mat.Equal(mat.NewVecDense(StateDim, nil), f.State()))
			assert.True(t, mat.Equal(mat.NewSymDense(StateDim, nil), f.Covariance()))

			// The next usable measurement still bootstraps.
			step, err = f.ProcessMeasurement(sensor.Lidar{PX: 1, PY: 2, TimestampUs: t0 + 50000})
			require.NoError(t, err)
			assert.Equal(t, StepBootstrapped, step)
			assert.Equal(t, t0+50000, f.Timestamp())
		})
	}
}

func TestBootstrap_IgnoresSensorGating(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, func(c *Config) { c.UseLaser = false })
	step, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	assert.Equal(t, StepBootstrapped, step)
}

func TestProcessMeasurement_UnknownSensor(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	step, err := f.ProcessMeasurement(unknownMeasurement{sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0}})
	assert.ErrorIs(t, err, sensor.ErrUnknownSensor)
	assert.Equal(t, StepSkipped, step)
	assert.False(t, f.Initialized())

	_, err = f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	before, beforeP := f.State(), f.Covariance()

	step, err = f.ProcessMeasurement(unknownMeasurement{sensor.Lidar{PX: 9, PY: 9, TimestampUs: t0 + 1e6}})
	assert.ErrorIs(t, err, sensor.ErrUnknownSensor)
	assert.Equal(t, StepSkipped, step)
	assert.Equal(t, t0, f.Timestamp())
	assert.True(t, mat.Equal(before, f.State()))
	assert.True(t, mat.Equal(beforeP, f.Covariance()))
}

func TestProcessMeasurement_OutOfOrder(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	before, beforeP := f.State(), f.Covariance()

	step, err := f.ProcessMeasurement(sensor.Radar{Rho: 5, Phi: 0.9, TimestampUs: t0 - 1})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, StepSkipped, step)
	assert.Equal(t, t0, f.Timestamp())
	assert.True(t, mat.Equal(before, f.State()))
	assert.True(t, mat.Equal(beforeP, f.Covariance()))
}

func TestProcessMeasurement_NonFinite(t *testing.T) {
	t.Parallel()

	bad := []sensor.Measurement{
		sensor.Lidar{PX: math.NaN(), PY: 1, TimestampUs: t0},
		sensor.Lidar{PX: 1, PY: math.Inf(1), TimestampUs: t0},
		sensor.Radar{Rho: 5, Phi: math.NaN(), TimestampUs: t0},
		sensor.Radar{Rho: 5, Phi: 0.1, RhoDot: math.Inf(-1), TimestampUs: t0},
	}

	f := newTestFilter(t, nil)
	for _, m := range bad {
		step, err := f.ProcessMeasurement(m)
		assert.ErrorIs(t, err, ErrInvalidMeasurement, "%+v", m)
		assert.NotErrorIs(t, err, ErrDivergence)
		assert.Equal(t, StepSkipped, step)
		assert.False(t, f.Initialized())
	}

	step, err := f.ProcessMeasurement(sensor.Lidar{PX: 1, PY: 1, TimestampUs: t0})
	require.NoError(t, err)
	assert.Equal(t, StepBootstrapped, step)
	before, beforeP := f.State(), f.Covariance()

	for _, m := range bad {
		switch z := m.(type) {
		case sensor.Lidar:
			z.TimestampUs = t0 + 1e5
			m = z
		case sensor.Radar:
			z.TimestampUs = t0 + 1e5
			m = z
		}
		step, err := f.ProcessMeasurement(m)
		assert.ErrorIs(t, err, ErrInvalidMeasurement)
		assert.Equal(t, StepSkipped, step)
		assert.Equal(t, t0, f.Timestamp())
		assert.True(t, mat.Equal(before, f.State()))
		assert.True(t, mat.Equal(beforeP, f.Covariance()))
	}

	step, err = f.ProcessMeasurement(sensor.Lidar{PX: 1.1, PY: 1, TimestampUs: t0 + 1e5})
	require.NoError(t, err)
	assert.Equal(t, StepUpdated, step)
}

func TestProcessMeasurement_SameTimestamp(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)

	step, err := f.ProcessMeasurement(sensor.Lidar{PX: 3.1, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	assert.Equal(t, StepUpdated, step)
	assert.Greater(t, f.State().AtVec(IdxPX), 3.0)
}

func TestProcessMeasurement_DisabledSensorStillPredicts(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, func(c *Config) { c.UseLaser = false })
	_, err := f.ProcessMeasurement(sensor.Radar{Rho: 5, Phi: 0, TimestampUs: t0})
	require.NoError(t, err)

	step, err := f.ProcessMeasurement(sensor.Lidar{PX: 7, PY: 1, TimestampUs: t0 + 1e6})
	require.NoError(t, err)
	assert.Equal(t, StepPredicted, step)
	assert.Equal(t, t0+1e6, f.Timestamp())
	assert.NotNil(t, f.PredictedSigmaPoints())
	assert.Equal(t, 0.0, f.NISLidar())
	// Uncertainty grows over the second of prediction; the fix is ignored.
	assert.Greater(t, f.Covariance().At(IdxPX, IdxPX), 1.0)
	assert.InDelta(t, 5.0, f.State().AtVec(IdxPX), 1e-9)

	step, err = f.ProcessMeasurement(sensor.Radar{Rho: 5.2, Phi: 0, TimestampUs: t0 + 1.05e6})
	require.NoError(t, err)
	assert.Equal(t, StepUpdated, step)
	assert.Greater(t, f.NISRadar(), 0.0)
}

func TestPredict_ZeroInterval(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	f.x.SetVec(IdxV, 2.5)
	f.x.SetVec(IdxYaw, 0.3)
	f.x.SetVec(IdxYawRate, 0.2)
	f.p.SetSym(IdxPX, IdxV, 0.2)
	f.p.SetSym(IdxYaw, IdxYawRate, -0.1)
	before, beforeP := f.State(), f.Covariance()

	require.NoError(t, f.Predict(0))
	assert.True(t, mat.EqualApprox(before, f.State(), 1e-9), "state = %v", f.State().RawVector().Data)
	assert.True(t, mat.EqualApprox(beforeP, f.Covariance(), 1e-9),
		"P =\n%v", mat.Formatted(f.Covariance()))
}

func TestPredict_Errors(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	assert.ErrorIs(t, f.Predict(0.1), ErrNotInitialized)

	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	assert.ErrorIs(t, f.Predict(-0.1), ErrNegativeTimestep)
	assert.ErrorIs(t, f.Predict(math.NaN()), ErrNegativeTimestep)
}

func TestPredict_KeepsYawNormalized(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	f.x.SetVec(IdxYaw, math.Pi-0.05)
	f.x.SetVec(IdxYawRate, 1.0)
	f.p = identitySym(StateDim, 0.01)

	require.NoError(t, f.Predict(0.1))
	yaw := f.State().AtVec(IdxYaw)
	assert.InDelta(t, -math.Pi+0.05, yaw, 1e-3)
}

func TestUpdateLidar_KnownValues(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)

	// P = I, R = 0.0225·I, so S = 1.0225·I and K = [I/1.0225; 0].
	require.NoError(t, f.UpdateLidar(sensor.Lidar{PX: 4, PY: 4, TimestampUs: t0}))
	s := 1.0225
	x := f.State()
	assert.InDelta(t, 3+1/s, x.AtVec(IdxPX), 1e-12)
	assert.InDelta(t, 4, x.AtVec(IdxPY), 1e-12)
	assert.InDelta(t, 1/s, f.NISLidar(), 1e-12)

	p := f.Covariance()
	assert.InDelta(t, 1-1/s, p.At(IdxPX, IdxPX), 1e-12)
	assert.InDelta(t, 1-1/s, p.At(IdxPY, IdxPY), 1e-12)
	assert.InDelta(t, 1, p.At(IdxV, IdxV), 1e-12)
}

func TestUpdateLidar_ZeroInnovation(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	before := f.State()

	require.NoError(t, f.UpdateLidar(sensor.Lidar{PX: 3, PY: 4}))
	assert.True(t, mat.EqualApprox(before, f.State(), 1e-12))
	assert.Equal(t, 0.0, f.NISLidar())
	assert.Less(t, f.Covariance().At(IdxPX, IdxPX), 1.0)
}

func TestUpdateLidar_SingularInnovation(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	f.p.SetSym(IdxPX, IdxPX, -0.0225) // H·P·Hᵀ + R has a zero on the diagonal
	before, beforeP := f.State(), f.Covariance()

	err = f.UpdateLidar(sensor.Lidar{PX: 3.5, PY: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDivergence)
	assert.ErrorIs(t, err, ErrSingular)
	var de *DivergenceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, StageLidarUpdate, de.Stage)

	assert.True(t, mat.Equal(before, f.State()))
	assert.True(t, mat.Equal(beforeP, f.Covariance()))
}

func TestUpdateRadar_RequiresPrediction(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	assert.ErrorIs(t, f.UpdateRadar(sensor.Radar{Rho: 1}), ErrNotInitialized)

	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	assert.ErrorIs(t, f.UpdateRadar(sensor.Radar{Rho: 5, Phi: 0.9}), ErrNoPrediction)
}

func TestUpdateRadar_CovarianceSymmetricAndShrinks(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 5, PY: 0.5, TimestampUs: t0})
	require.NoError(t, err)

	step, err := f.ProcessMeasurement(sensor.Radar{Rho: 5.1, Phi: 0.1, RhoDot: 0.5, TimestampUs: t0 + 100000})
	require.NoError(t, err)
	require.Equal(t, StepUpdated, step)

	p := f.Covariance()
	assert.Less(t, p.At(IdxPX, IdxPX), 1.0)
	assert.GreaterOrEqual(t, f.NISRadar(), 0.0)
	var chol mat.Cholesky
	assert.True(t, chol.Factorize(p), "P should stay positive definite:\n%v", mat.Formatted(p))
}

// A target just behind the sensor sits on the ±π bearing seam. The
// prediction is at π-0.03 and the measurement at -π+0.01, which is a small
// positive innovation once wrapped.
func TestUpdateRadar_BearingWrap(t *testing.T) {
	t.Parallel()

	run := func(phi float64) *Filter {
		f := newTestFilter(t, nil)
		_, err := f.ProcessMeasurement(sensor.Lidar{PX: -10, PY: 0.3, TimestampUs: t0})
		require.NoError(t, err)
		f.p = identitySym(StateDim, 0.01)
		require.NoError(t, f.Predict(0))
		require.NoError(t, f.UpdateRadar(sensor.Radar{Rho: math.Hypot(10, 0.3), Phi: phi}))
		return f
	}

	f := run(-math.Pi + 0.01)
	py := f.State().AtVec(IdxPY)
	assert.Less(t, py, 0.3)
	assert.Greater(t, py, 0.0)
	assert.Less(t, f.NISRadar(), 10.0)
	assert.InDelta(t, -10, f.State().AtVec(IdxPX), 0.1)

	// An unnormalised bearing gives the same result.
	g := run(math.Pi + 0.01)
	assert.True(t, mat.EqualApprox(f.State(), g.State(), 1e-9))
	assert.InDelta(t, f.NISRadar(), g.NISRadar(), 1e-9)
}

func TestProcessMeasurement_DivergenceRestoresState(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	_, err = f.ProcessMeasurement(sensor.Radar{Rho: 5, Phi: 0.93, TimestampUs: t0 + 50000})
	require.NoError(t, err)

	// Corrupt P so it has a negative eigenvalue.
	f.p.SetSym(IdxPX, IdxPY, 5)
	before, beforeP := f.State(), f.Covariance()
	beforeSig := f.PredictedSigmaPoints()
	beforeNIS := f.NISRadar()

	ts := t0 + 100000
	step, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: ts})
	require.Error(t, err)
	assert.Equal(t, StepSkipped, step)
	assert.ErrorIs(t, err, ErrDivergence)
	assert.ErrorIs(t, err, ErrNotPositiveDefinite)

	var de *DivergenceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, StageSigmaPoints, de.Stage)
	assert.Equal(t, ts, de.TimestampUs)

	assert.Equal(t, t0+50000, f.Timestamp())
	assert.True(t, mat.Equal(before, f.State()))
	assert.True(t, mat.Equal(beforeP, f.Covariance()))
	assert.True(t, mat.Equal(beforeSig, f.PredictedSigmaPoints()))
	assert.Equal(t, beforeNIS, f.NISRadar())
}

func TestReset(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)
	_, err = f.ProcessMeasurement(sensor.Lidar{PX: 3.1, PY: 4, TimestampUs: t0 + 50000})
	require.NoError(t, err)

	f.Reset()
	assert.False(t, f.Initialized())
	assert.Nil(t, f.PredictedSigmaPoints())
	assert.Equal(t, 0.0, f.NISLidar())

	step, err := f.ProcessMeasurement(sensor.Lidar{PX: 1, PY: 1, TimestampUs: t0 - 1e6})
	require.NoError(t, err)
	assert.Equal(t, StepBootstrapped, step)
}

func TestAccessorsReturnCopies(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t, nil)
	_, err := f.ProcessMeasurement(sensor.Lidar{PX: 3, PY: 4, TimestampUs: t0})
	require.NoError(t, err)

	f.State().SetVec(IdxPX, 100)
	f.Covariance().SetSym(0, 0, 100)
	f.Weights()[0] = 100
	assert.Equal(t, 3.0, f.State().AtVec(IdxPX))
	assert.Equal(t, 1.0, f.Covariance().At(0, 0))
	assert.InDelta(t, -0.4, f.Weights()[0], 1e-12)
}

func TestStepString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "skipped", StepSkipped.String())
	assert.Equal(t, "bootstrapped", StepBootstrapped.String())
	assert.Equal(t, "predicted", StepPredicted.String())
	assert.Equal(t, "updated", StepUpdated.String())
	assert.Equal(t, "step(9)", Step(9).String())
}
