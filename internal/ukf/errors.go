package ukf

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by Predict and the update methods before
	// a bootstrap measurement has been accepted.
	ErrNotInitialized = errors.New("ukf: filter not initialized")

	// ErrNoPrediction is returned by UpdateRadar when no predicted sigma
	// points are cached yet.
	ErrNoPrediction = errors.New("ukf: radar update requires a prior prediction")

	// ErrOutOfOrder is returned when a measurement is older than the last
	// processed one. The measurement is skipped.
	ErrOutOfOrder = errors.New("ukf: measurement timestamp precedes filter time")

	// ErrInvalidMeasurement is returned for a measurement carrying NaN or
	// Inf values. The measurement is skipped.
	ErrInvalidMeasurement = errors.New("ukf: measurement is not finite")

	// ErrNegativeTimestep is returned by Predict for dt < 0.
	ErrNegativeTimestep = errors.New("ukf: negative prediction interval")

	// ErrNotPositiveDefinite is returned when the augmented covariance has no
	// Cholesky factor.
	ErrNotPositiveDefinite = errors.New("covariance is not positive definite")

	// ErrSingular is returned when an innovation covariance cannot be inverted.
	ErrSingular = errors.New("innovation covariance is singular")

	// ErrNonFinite is returned when an update produces NaN or Inf in the
	// state or covariance, or a negative variance.
	ErrNonFinite = errors.New("state or covariance is not finite")

	// ErrDivergence matches every *DivergenceError.
	ErrDivergence = errors.New("ukf: filter diverged")
)

// Stage names the part of the filter cycle that failed.
type Stage string

const (
	StageSigmaPoints Stage = "sigma_points"
	StagePredict     Stage = "predict"
	StageLidarUpdate Stage = "lidar_update"
	StageRadarUpdate Stage = "radar_update"
)

// DivergenceError reports a numerical failure that indicates the filter
// has diverged. The measurement that triggered it has not been applied.
type DivergenceError struct {
	Stage       Stage
	TimestampUs int64
	Err         error
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("ukf: filter diverged during %s at t=%d: %v", e.Stage, e.TimestampUs, e.Err)
}

func (e *DivergenceError) Unwrap() error { return e.Err }

// Is reports true for ErrDivergence so callers can test with errors.Is.
func (e *DivergenceError) Is(target error) bool { return target == ErrDivergence }

func diverged(stage Stage, err error) *DivergenceError {
	return &DivergenceError{Stage: stage, Err: err}
}
