// Package sensor defines the typed observations consumed by the filter and
// the text record format used to replay them from a sensor log.
//
// A Measurement is a closed sum type over the two supported sensors: Lidar
// (Cartesian position fix) and Radar (range, bearing, range rate). Callers
// pattern-match on the concrete type with a type switch.
package sensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownSensor is returned when a record or measurement names a sensor
// kind this package does not understand.
var ErrUnknownSensor = errors.New("unknown sensor kind")

// Kind identifies the sensor that produced a measurement.
type Kind int

const (
	KindUnknown Kind = iota
	KindLidar
	KindRadar
)

// Record codes used in the first column of a sensor log line.
const (
	CodeLidar = "L"
	CodeRadar = "R"
)

// Measurement dimensions.
const (
	LidarDim = 2
	RadarDim = 3
)

func (k Kind) String() string {
	switch k {
	case KindLidar:
		return "lidar"
	case KindRadar:
		return "radar"
	default:
		return "unknown"
	}
}

// Code returns the single-letter log code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindLidar:
		return CodeLidar
	case KindRadar:
		return CodeRadar
	default:
		return "?"
	}
}

// ParseKind maps a log code or name ("L", "lidar", "R", "radar") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case CodeLidar, "l", "lidar", "laser":
		return KindLidar, nil
	case CodeRadar, "r", "radar":
		return KindRadar, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownSensor, s)
}

// Measurement is a single timestamped sensor observation.
type Measurement interface {
	// Kind reports which sensor produced the measurement.
	Kind() Kind
	// Timestamp is the acquisition time in microseconds.
	Timestamp() int64
	// Values returns the raw measurement values in sensor order.
	Values() []float64

	isMeasurement()
}

// Lidar is a Cartesian position fix.
type Lidar struct {
	PX          float64 `json:"px"`
	PY          float64 `json:"py"`
	TimestampUs int64   `json:"timestamp_us"`
}

func (Lidar) Kind() Kind          { return KindLidar }
func (l Lidar) Timestamp() int64  { return l.TimestampUs }
func (l Lidar) Values() []float64 { return []float64{l.PX, l.PY} }
func (Lidar) isMeasurement()      {}

// Radar is a polar observation: range (m), bearing (rad) measured from the
// x axis, and range rate (m/s).
type Radar struct {
	Rho         float64 `json:"rho"`
	Phi         float64 `json:"phi"`
	RhoDot      float64 `json:"rho_dot"`
	TimestampUs int64   `json:"timestamp_us"`
}

func (Radar) Kind() Kind          { return KindRadar }
func (r Radar) Timestamp() int64  { return r.TimestampUs }
func (r Radar) Values() []float64 { return []float64{r.Rho, r.Phi, r.RhoDot} }
func (Radar) isMeasurement()      {}

// Cartesian converts the range/bearing pair to a planar position.
func (r Radar) Cartesian() (px, py float64) {
	return r.Rho * math.Cos(r.Phi), r.Rho * math.Sin(r.Phi)
}

// GroundTruth is the reference state recorded alongside a measurement in
// simulated or surveyed logs.
type GroundTruth struct {
	PX float64 `json:"px"`
	PY float64 `json:"py"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`

	// Yaw and YawRate are present only in logs that carry six truth columns.
	HasYaw  bool    `json:"has_yaw"`
	Yaw     float64 `json:"yaw,omitempty"`
	YawRate float64 `json:"yaw_rate,omitempty"`
}

// Record is one parsed line of a sensor log.
type Record struct {
	Measurement Measurement
	Truth       *GroundTruth
}
