// Package fusion drives a ukf.Filter over a stream of sensor records,
// fanning each resulting estimate out to sinks and scoring the run.
package fusion

import (
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/sensorfusion/internal/db"
	"github.com/banshee-data/sensorfusion/internal/evaluation"
	"github.com/banshee-data/sensorfusion/internal/sensor"
	"github.com/banshee-data/sensorfusion/internal/ukf"
)

// Estimate is the filter output after one measurement.
type Estimate struct {
	TimestampUs int64
	Kind        sensor.Kind
	Step        ukf.Step
	State       [ukf.StateDim]float64

	// NIS is set only when the measurement was fused (Step == StepUpdated).
	NIS    float64
	HasNIS bool

	Truth *sensor.GroundTruth
}

// Kinematics converts the CTRV state into position and Cartesian velocity.
func (e Estimate) Kinematics() evaluation.Kinematics {
	v, yaw := e.State[ukf.IdxV], e.State[ukf.IdxYaw]
	return evaluation.Kinematics{
		PX: e.State[ukf.IdxPX],
		PY: e.State[ukf.IdxPY],
		VX: v * math.Cos(yaw),
		VY: v * math.Sin(yaw),
	}
}

// Sink receives every estimate produced by a Runner.
type Sink interface {
	Write(Estimate) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Estimate) error

func (f SinkFunc) Write(e Estimate) error { return f(e) }

// TextHeader is the column header written by TextSink.
const TextHeader = "time_us\tsensor\tstep\tpx\tpy\tv\tyaw\tyaw_rate\tnis\tgt_px\tgt_py\tgt_vx\tgt_vy"

// TextSink writes one tab separated row per estimate. Missing NIS and
// truth columns are written as "-".
type TextSink struct {
	w           io.Writer
	wroteHeader bool
}

// NewTextSink returns a TextSink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

func (s *TextSink) Write(e Estimate) error {
	if !s.wroteHeader {
		if _, err := fmt.Fprintln(s.w, TextHeader); err != nil {
			return err
		}
		s.wroteHeader = true
	}
	_, err := fmt.Fprintln(s.w, FormatEstimate(e))
	return err
}

// FormatEstimate renders e as a TextSink row.
func FormatEstimate(e Estimate) string {
	nis := "-"
	if e.HasNIS {
		nis = fmt.Sprintf("%.6g", e.NIS)
	}
	truth := "-\t-\t-\t-"
	if gt := e.Truth; gt != nil {
		truth = fmt.Sprintf("%.6g\t%.6g\t%.6g\t%.6g", gt.PX, gt.PY, gt.VX, gt.VY)
	}
	x := e.State
	return fmt.Sprintf("%d\t%s\t%s\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\t%s\t%s",
		e.TimestampUs, e.Kind, e.Step,
		x[ukf.IdxPX], x[ukf.IdxPY], x[ukf.IdxV], x[ukf.IdxYaw], x[ukf.IdxYawRate],
		nis, truth)
}

// EstimateStore persists estimate rows. *db.DB implements it.
type EstimateStore interface {
	RecordEstimates(rows []db.EstimateRow) error
}

// DefaultStoreBatch is the number of rows StoreSink buffers per transaction.
const DefaultStoreBatch = 256

// StoreSink buffers estimates for one run and writes them to an
// EstimateStore in batches. Call Flush when the run ends.
type StoreSink struct {
	store EstimateStore
	runID string
	batch int
	rows  []db.EstimateRow
}

// NewStoreSink returns a StoreSink recording into runID. batch <= 0 uses
// DefaultStoreBatch; batch == 1 writes every estimate immediately.
func NewStoreSink(store EstimateStore, runID string, batch int) *StoreSink {
	if batch <= 0 {
		batch = DefaultStoreBatch
	}
	return &StoreSink{store: store, runID: runID, batch: batch}
}

func (s *StoreSink) Write(e Estimate) error {
	s.rows = append(s.rows, EstimateRow(s.runID, e))
	if len(s.rows) >= s.batch {
		return s.Flush()
	}
	return nil
}

// Flush writes any buffered rows.
func (s *StoreSink) Flush() error {
	if len(s.rows) == 0 {
		return nil
	}
	if err := s.store.RecordEstimates(s.rows); err != nil {
		return err
	}
	s.rows = s.rows[:0]
	return nil
}

// EstimateRow converts e into a database row for runID.
func EstimateRow(runID string, e Estimate) db.EstimateRow {
	row := db.EstimateRow{
		RunID:       runID,
		TimestampUs: e.TimestampUs,
		Sensor:      e.Kind.String(),
		Step:        e.Step.String(),
		PX:          e.State[ukf.IdxPX],
		PY:          e.State[ukf.IdxPY],
		V:           e.State[ukf.IdxV],
		Yaw:         e.State[ukf.IdxYaw],
		YawRate:     e.State[ukf.IdxYawRate],
	}
	if e.HasNIS {
		nis := e.NIS
		row.NIS = &nis
	}
	if gt := e.Truth; gt != nil {
		px, py, vx, vy := gt.PX, gt.PY, gt.VX, gt.VY
		row.TruthPX, row.TruthPY, row.TruthVX, row.TruthVY = &px, &py, &vx, &vy
		if gt.HasYaw {
			yaw, yawRate := gt.Yaw, gt.YawRate
			row.TruthYaw, row.TruthYawRate = &yaw, &yawRate
		}
	}
	return row
}

// EstimateFromRow is the inverse of EstimateRow. Unknown sensor and step
// names map to their zero values.
func EstimateFromRow(row db.EstimateRow) Estimate {
	kind, _ := sensor.ParseKind(row.Sensor)
	e := Estimate{
		TimestampUs: row.TimestampUs,
		Kind:        kind,
		Step:        parseStep(row.Step),
		State:       [ukf.StateDim]float64{row.PX, row.PY, row.V, row.Yaw, row.YawRate},
	}
	if row.NIS != nil {
		e.NIS, e.HasNIS = *row.NIS, true
	}
	if row.TruthPX != nil && row.TruthPY != nil && row.TruthVX != nil && row.TruthVY != nil {
		e.Truth = &sensor.GroundTruth{PX: *row.TruthPX, PY: *row.TruthPY, VX: *row.TruthVX, VY: *row.TruthVY}
		if row.TruthYaw != nil && row.TruthYawRate != nil {
			e.Truth.HasYaw = true
			e.Truth.Yaw, e.Truth.YawRate = *row.TruthYaw, *row.TruthYawRate
		}
	}
	return e
}

func parseStep(s string) ukf.Step {
	for _, st := range []ukf.Step{ukf.StepBootstrapped, ukf.StepPredicted, ukf.StepUpdated} {
		if st.String() == s {
			return st
		}
	}
	return ukf.StepSkipped
}
