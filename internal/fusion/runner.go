package fusion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/banshee-data/sensorfusion/internal/evaluation"
	"github.com/banshee-data/sensorfusion/internal/sensor"
	"github.com/banshee-data/sensorfusion/internal/ukf"
)

// Flusher is implemented by sinks that buffer output.
type Flusher interface {
	Flush() error
}

// Counts tallies what happened to each record fed to a Runner.
type Counts struct {
	Records      int `json:"records"`
	Bootstrapped int `json:"bootstrapped"`
	Predicted    int `json:"predicted"`
	Updated      int `json:"updated"`
	Skipped      int `json:"skipped"`
	ParseErrors  int `json:"parse_errors"`
	Divergences  int `json:"divergences"`
}

// Summary is the outcome of a run.
type Summary struct {
	Counts     Counts                  `json:"counts"`
	RMSE       *evaluation.Kinematics  `json:"rmse,omitempty"`
	NIS        []evaluation.NISSummary `json:"nis"`
	Consistent bool                    `json:"consistent"`
}

// Runner feeds records one at a time to a Filter and fans the resulting
// estimates out to its sinks. A Runner is safe for concurrent use; records
// are still processed strictly one after another.
type Runner struct {
	// ResetOnDivergence makes a divergence reset the filter and carry on
	// instead of ending the run. The next usable record re-bootstraps.
	ResetOnDivergence bool

	mu     sync.Mutex
	filter *ukf.Filter
	sinks  []Sink
	rmse   evaluation.RMSEAccumulator
	nis    *evaluation.NISStats
	counts Counts
	last   *Estimate
}

// NewRunner returns a Runner driving f.
func NewRunner(f *ukf.Filter, sinks ...Sink) *Runner {
	return &Runner{
		filter: f,
		sinks:  sinks,
		nis:    evaluation.NewNISStats(),
	}
}

// NIS returns the live NIS accumulator.
func (r *Runner) NIS() *evaluation.NISStats { return r.nis }

// Process runs one record through the filter. Records the filter skips
// (degenerate bootstrap, unknown sensor, non-finite values, out of order)
// are logged and returned with StepSkipped and a nil error; they are not
// written to the sinks. A divergence is returned as an error matching ukf.ErrDivergence.
func (r *Runner) Process(ctx context.Context, rec sensor.Record) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := rec.Measurement
	r.counts.Records++
	e := Estimate{Truth: rec.Truth, Step: ukf.StepSkipped}
	if m != nil {
		e.TimestampUs = m.Timestamp()
		e.Kind = m.Kind()
	}

	step, err := r.filter.ProcessMeasurement(m)
	if err != nil {
		if errors.Is(err, ukf.ErrDivergence) {
			r.counts.Divergences++
			opsf("%v", err)
			if r.ResetOnDivergence {
				opsf("resetting filter after divergence at t=%d", e.TimestampUs)
				r.filter.Reset()
			}
			return e, err
		}
		r.counts.Skipped++
		diagf("skipped record %d: %v", r.counts.Records, err)
		return e, nil
	}

	e.Step = step
	switch step {
	case ukf.StepSkipped:
		r.counts.Skipped++
		return e, nil
	case ukf.StepBootstrapped:
		r.counts.Bootstrapped++
	case ukf.StepPredicted:
		r.counts.Predicted++
	case ukf.StepUpdated:
		r.counts.Updated++
	}

	copy(e.State[:], r.filter.State().RawVector().Data)
	if step == ukf.StepUpdated {
		switch e.Kind {
		case sensor.KindLidar:
			e.NIS = r.filter.NISLidar()
		case sensor.KindRadar:
			e.NIS = r.filter.NISRadar()
		}
		e.HasNIS = true
		r.nis.Add(e.Kind, e.NIS)
	}
	if e.Truth != nil {
		r.rmse.Add(e.Kinematics(), evaluation.FromTruth(*e.Truth))
	}
	last := e
	r.last = &last

	tracef("%s", FormatEstimate(e))
	for _, s := range r.sinks {
		if err := s.Write(e); err != nil {
			opsf("sink %T failed at t=%d: %v", s, e.TimestampUs, err)
			return e, fmt.Errorf("failed to write estimate: %w", err)
		}
	}
	return e, nil
}

// Run processes every record from rd until EOF or ctx is done, then
// flushes the sinks. Parse errors are logged and counted. A divergence
// ends the run unless ResetOnDivergence is set.
func (r *Runner) Run(ctx context.Context, rd *sensor.Reader) (Summary, error) {
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(err)
		}
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *sensor.ParseError
		if errors.As(err, &perr) {
			r.parseError(perr)
			continue
		}
		if err != nil {
			return r.finish(fmt.Errorf("failed to read records: %w", err))
		}
		if err := r.step(ctx, rec); err != nil {
			return r.finish(err)
		}
	}
	return r.finish(nil)
}

// RunLines processes raw record lines from a live feed until the channel
// is closed or ctx is done. Blank and comment lines are ignored.
func (r *Runner) RunLines(ctx context.Context, lines <-chan string) (Summary, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return r.finish(ctx.Err())
		case line, ok := <-lines:
			if !ok {
				return r.finish(nil)
			}
			n++
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			rec, err := sensor.ParseRecord(line)
			if err != nil {
				r.parseError(&sensor.ParseError{Line: n, Err: err})
				continue
			}
			if err := r.step(ctx, rec); err != nil {
				return r.finish(err)
			}
		}
	}
}

func (r *Runner) step(ctx context.Context, rec sensor.Record) error {
	_, err := r.Process(ctx, rec)
	if err != nil && errors.Is(err, ukf.ErrDivergence) && r.ResetOnDivergence {
		return nil
	}
	return err
}

func (r *Runner) parseError(err *sensor.ParseError) {
	r.mu.Lock()
	r.counts.ParseErrors++
	r.mu.Unlock()
	diagf("skipping unparseable record: %v", err)
}

func (r *Runner) finish(runErr error) (Summary, error) {
	for _, s := range r.sinks {
		f, ok := s.(Flusher)
		if !ok {
			continue
		}
		if err := f.Flush(); err != nil {
			opsf("flushing sink %T: %v", s, err)
			if runErr == nil {
				runErr = fmt.Errorf("failed to flush sink: %w", err)
			}
		}
	}
	sum := r.Summary()
	if runErr != nil {
		opsf("run stopped after %d records: %v", sum.Counts.Records, runErr)
	}
	for _, s := range sum.NIS {
		diagf("%s", s)
	}
	return sum, runErr
}

// Summary reports the counts, RMSE and NIS consistency so far.
func (r *Runner) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		Counts:     r.counts,
		NIS:        r.nis.Summaries(),
		Consistent: r.nis.Consistent(),
	}
	if v, err := r.rmse.Value(); err == nil {
		s.RMSE = &v
	}
	return s
}

// FilterState is a point-in-time view of the filter for debug endpoints.
type FilterState struct {
	Initialized bool        `json:"initialized"`
	TimestampUs int64       `json:"timestamp_us"`
	State       []float64   `json:"state"`
	Covariance  [][]float64 `json:"covariance"`
	NISLidar    float64     `json:"nis_lidar"`
	NISRadar    float64     `json:"nis_radar"`
	LastSensor  string      `json:"last_sensor,omitempty"`
	LastStep    string      `json:"last_step,omitempty"`
	Counts      Counts      `json:"counts"`
}

// Snapshot returns the current filter state.
func (r *Runner) Snapshot() FilterState {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.filter
	fs := FilterState{
		Initialized: f.Initialized(),
		TimestampUs: f.Timestamp(),
		State:       append([]float64(nil), f.State().RawVector().Data...),
		NISLidar:    f.NISLidar(),
		NISRadar:    f.NISRadar(),
		Counts:      r.counts,
	}
	p := f.Covariance()
	n := p.SymmetricDim()
	fs.Covariance = make([][]float64, n)
	for i := range fs.Covariance {
		fs.Covariance[i] = make([]float64, n)
		for j := range fs.Covariance[i] {
			fs.Covariance[i][j] = p.At(i, j)
		}
	}
	if r.last != nil {
		fs.LastSensor = r.last.Kind.String()
		fs.LastStep = r.last.Step.String()
	}
	return fs
}
