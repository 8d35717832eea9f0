package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for filter tuning.
// Every field is optional; the Get* accessors fall back to the defaults
// for anything the JSON omits.
type TuningConfig struct {
	// Sensor gating after initialisation
	UseLaser *bool `json:"use_laser,omitempty"`
	UseRadar *bool `json:"use_radar,omitempty"`

	// Process noise
	StdA     *float64 `json:"std_a,omitempty"`     // m/s²
	StdYawdd *float64 `json:"std_yawdd,omitempty"` // rad/s²

	// Measurement noise
	StdLasPX  *float64 `json:"std_laspx,omitempty"`  // m
	StdLasPY  *float64 `json:"std_laspy,omitempty"`  // m
	StdRadR   *float64 `json:"std_radr,omitempty"`   // m
	StdRadPhi *float64 `json:"std_radphi,omitempty"` // rad
	StdRadRD  *float64 `json:"std_radrd,omitempty"`  // m/s

	// Numerical guards
	YawRateEpsilon *float64 `json:"yaw_rate_epsilon,omitempty"`
	RangeEpsilon   *float64 `json:"range_epsilon,omitempty"`

	InitialVariance *float64 `json:"initial_variance,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// from the Get* defaults.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		UseLaser:        ptrBool(e.GetUseLaser()),
		UseRadar:        ptrBool(e.GetUseRadar()),
		StdA:            ptrFloat64(e.GetStdA()),
		StdYawdd:        ptrFloat64(e.GetStdYawdd()),
		StdLasPX:        ptrFloat64(e.GetStdLasPX()),
		StdLasPY:        ptrFloat64(e.GetStdLasPY()),
		StdRadR:         ptrFloat64(e.GetStdRadR()),
		StdRadPhi:       ptrFloat64(e.GetStdRadPhi()),
		StdRadRD:        ptrFloat64(e.GetStdRadRD()),
		YawRateEpsilon:  ptrFloat64(e.GetYawRateEpsilon()),
		RangeEpsilon:    ptrFloat64(e.GetRangeEpsilon()),
		InitialVariance: ptrFloat64(e.GetInitialVariance()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every noise term and guard that is set is strictly
// positive and finite.
func (c *TuningConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
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
		if p.v == nil {
			continue
		}
		// JSON cannot carry NaN or Inf, but programmatic configs can.
		if !(*p.v > 0) || *p.v > 1e12 {
			return fmt.Errorf("%s must be positive and finite, got %g", p.name, *p.v)
		}
	}

	if !c.GetUseLaser() && !c.GetUseRadar() {
		return fmt.Errorf("at least one of use_laser and use_radar must be enabled")
	}

	return nil
}

// GetUseLaser returns the use_laser value or the default.
func (c *TuningConfig) GetUseLaser() bool {
	if c.UseLaser == nil {
		return true
	}
	return *c.UseLaser
}

// GetUseRadar returns the use_radar value or the default.
func (c *TuningConfig) GetUseRadar() bool {
	if c.UseRadar == nil {
		return true
	}
	return *c.UseRadar
}

// GetStdA returns the std_a value or the default.
func (c *TuningConfig) GetStdA() float64 {
	if c.StdA == nil {
		return 0.45
	}
	return *c.StdA
}

// GetStdYawdd returns the std_yawdd value or the default.
func (c *TuningConfig) GetStdYawdd() float64 {
	if c.StdYawdd == nil {
		return 0.45
	}
	return *c.StdYawdd
}

// GetStdLasPX returns the std_laspx value or the default.
func (c *TuningConfig) GetStdLasPX() float64 {
	if c.StdLasPX == nil {
		return 0.15
	}
	return *c.StdLasPX
}

// GetStdLasPY returns the std_laspy value or the default.
func (c *TuningConfig) GetStdLasPY() float64 {
	if c.StdLasPY == nil {
		return 0.15
	}
	return *c.StdLasPY
}

// GetStdRadR returns the std_radr value or the default.
func (c *TuningConfig) GetStdRadR() float64 {
	if c.StdRadR == nil {
		return 0.3
	}
	return *c.StdRadR
}

// GetStdRadPhi returns the std_radphi value or the default.
func (c *TuningConfig) GetStdRadPhi() float64 {
	if c.StdRadPhi == nil {
		return 0.03
	}
	return *c.StdRadPhi
}

// GetStdRadRD returns the std_radrd value or the default.
func (c *TuningConfig) GetStdRadRD() float64 {
	if c.StdRadRD == nil {
		return 0.3
	}
	return *c.StdRadRD
}

// GetYawRateEpsilon returns the yaw_rate_epsilon value or the default.
func (c *TuningConfig) GetYawRateEpsilon() float64 {
	if c.YawRateEpsilon == nil {
		return 1e-3
	}
	return *c.YawRateEpsilon
}

// GetRangeEpsilon returns the range_epsilon value or the default.
func (c *TuningConfig) GetRangeEpsilon() float64 {
	if c.RangeEpsilon == nil {
		return 1e-4
	}
	return *c.RangeEpsilon
}

// GetInitialVariance returns the initial_variance value or the default.
func (c *TuningConfig) GetInitialVariance() float64 {
	if c.InitialVariance == nil {
		return 1.0
	}
	return *c.InitialVariance
}
