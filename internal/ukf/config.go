package ukf

import (
	"fmt"

	"github.com/banshee-data/sensorfusion/internal/config"
)

// Structural dimensions of the filter.
const (
	// StateDim is the length of the state vector [px, py, v, yaw, yaw_rate].
	StateDim = 5
	// NoiseDim is the number of process-noise terms appended during prediction.
	NoiseDim = 2
	// AugDim is the augmented state dimension.
	AugDim = StateDim + NoiseDim
	// SigmaCount is the number of sigma points drawn from the augmented state.
	SigmaCount = 2*AugDim + 1
)

// State vector indices.
const (
	IdxPX = iota
	IdxPY
	IdxV
	IdxYaw
	IdxYawRate
)

// Augmented noise indices.
const (
	IdxNuA = StateDim + iota
	IdxNuYawdd
)

// Radar measurement indices.
const (
	IdxRho = iota
	IdxPhi
	IdxRhoDot
)

// Lambda is the sigma point spreading parameter, 3 - StateDim.
const Lambda = 3.0 - StateDim

// Default numerical guards.
const (
	// DefaultYawRateEpsilon is the |yaw rate| below which the CTRV model
	// falls back to straight-line motion.
	DefaultYawRateEpsilon = 1e-3
	// DefaultRangeEpsilon is the predicted range below which the radar
	// range rate is defined as zero.
	DefaultRangeEpsilon = 1e-4
)

// Config holds the fixed tuning of a Filter.
type Config struct {
	// UseLaser and UseRadar gate measurement updates after initialisation.
	// Bootstrap accepts whichever sensor arrives first regardless.
	UseLaser bool
	UseRadar bool

	StdA      float64 // Process noise std-dev, longitudinal acceleration (m/s²)
	StdYawdd  float64 // Process noise std-dev, yaw acceleration (rad/s²)
	StdLasPX  float64 // Lidar noise std-dev, x (m)
	StdLasPY  float64 // Lidar noise std-dev, y (m)
	StdRadR   float64 // Radar noise std-dev, range (m)
	StdRadPhi float64 // Radar noise std-dev, bearing (rad)
	StdRadRD  float64 // Radar noise std-dev, range rate (m/s)

	YawRateEpsilon float64
	RangeEpsilon   float64

	// InitialVariance is the diagonal of P after bootstrap.
	InitialVariance float64
}

// DefaultConfig returns the tuning used for a bicycle-sized target.
func DefaultConfig() Config {
	return Config{
		UseLaser:        true,
		UseRadar:        true,
		StdA:            0.45,
		StdYawdd:        0.45,
		StdLasPX:        0.15,
		StdLasPY:        0.15,
		StdRadR:         0.3,
		StdRadPhi:       0.03,
		StdRadRD:        0.3,
		YawRateEpsilon:  DefaultYawRateEpsilon,
		RangeEpsilon:    DefaultRangeEpsilon,
		InitialVariance: 1,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		UseLaser:        cfg.GetUseLaser(),
		UseRadar:        cfg.GetUseRadar(),
		StdA:            cfg.GetStdA(),
		StdYawdd:        cfg.GetStdYawdd(),
		StdLasPX:        cfg.GetStdLasPX(),
		StdLasPY:        cfg.GetStdLasPY(),
		StdRadR:         cfg.GetStdRadR(),
		StdRadPhi:       cfg.GetStdRadPhi(),
		StdRadRD:        cfg.GetStdRadRD(),
		YawRateEpsilon:  cfg.GetYawRateEpsilon(),
		RangeEpsilon:    cfg.GetRangeEpsilon(),
		InitialVariance: cfg.GetInitialVariance(),
	}
}

// Validate checks that every noise term and guard is strictly positive.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    float64
	}{
		{"std_a", c.StdA},
		{"std_yawdd", c.StdYawdd},
		{"std_laspx", c.StdLasPX},
		{"std_laspy", c.StdLasPY},
		{"std_radr", c.StdRadR},
		{"std_radphi", c.StdRadPhi},
		{"std_radrd", c.StdRadRD},
		{"yaw_rate_epsilon", c.YawRateEpsilon},
		{"range_epsilon", c.RangeEpsilon},
		{"initial_variance", c.InitialVariance},
	}
	for _, p := range positive {
		if !(p.v > 0) {
			return fmt.Errorf("%s must be positive, got %g", p.name, p.v)
		}
	}
	return nil
}
