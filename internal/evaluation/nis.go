package evaluation

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// ConsistencyLevel is the chi-square quantile used for NIS checks.
const ConsistencyLevel = 0.95

// MinConsistencySamples is the number of NIS samples below which no
// verdict is given.
const MinConsistencySamples = 20

// MaxExceedFraction is the largest share of NIS samples allowed above the
// ConsistencyLevel quantile before a sensor is reported overconfident. At
// 0.95 the expected share is 0.05.
const MaxExceedFraction = 0.1

// ChiSquareThreshold returns the p quantile of the chi-square distribution
// with dof degrees of freedom. ChiSquareThreshold(3, 0.95) ≈ 7.815.
func ChiSquareThreshold(dof int, p float64) float64 {
	return distuv.ChiSquared{K: float64(dof)}.Quantile(p)
}

// DegreesOfFreedom returns the measurement dimension of kind, or 0.
func DegreesOfFreedom(kind sensor.Kind) int {
	switch kind {
	case sensor.KindLidar:
		return sensor.LidarDim
	case sensor.KindRadar:
		return sensor.RadarDim
	default:
		return 0
	}
}

// Verdict classifies a run of NIS samples for one sensor.
type Verdict string

const (
	VerdictInsufficient   Verdict = "insufficient"
	VerdictConsistent     Verdict = "consistent"
	VerdictOverconfident  Verdict = "overconfident"  // noise underestimated, NIS too large
	VerdictUnderconfident Verdict = "underconfident" // noise overestimated, NIS too small
)

// NISSummary describes the NIS samples recorded for one sensor.
type NISSummary struct {
	Kind           string  `json:"kind"`
	DoF            int     `json:"dof"`
	Count          int     `json:"count"`
	Mean           float64 `json:"mean"`
	Median         float64 `json:"median"`
	Threshold      float64 `json:"threshold_95"`
	Exceeded       int     `json:"exceeded"`
	ExceedFraction float64 `json:"exceed_fraction"`
	Verdict        Verdict `json:"verdict"`
}

func (s NISSummary) String() string {
	return fmt.Sprintf("%s NIS: n=%d mean=%.3f (dof %d) median=%.3f above %.3f: %.1f%% [%s]",
		s.Kind, s.Count, s.Mean, s.DoF, s.Median, s.Threshold, 100*s.ExceedFraction, s.Verdict)
}

// NISStats accumulates NIS samples per sensor kind. It is safe for
// concurrent use so a live run can be inspected while it is being fed.
type NISStats struct {
	mu      sync.RWMutex
	samples map[sensor.Kind][]float64
}

// NewNISStats returns an empty accumulator.
func NewNISStats() *NISStats {
	return &NISStats{samples: make(map[sensor.Kind][]float64)}
}

// Add records one NIS sample for kind. Unknown kinds are ignored.
func (n *NISStats) Add(kind sensor.Kind, nis float64) {
	if DegreesOfFreedom(kind) == 0 {
		return
	}
	n.mu.Lock()
	n.samples[kind] = append(n.samples[kind], nis)
	n.mu.Unlock()
}

// Samples returns a copy of the samples recorded for kind.
func (n *NISStats) Samples(kind sensor.Kind) []float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]float64(nil), n.samples[kind]...)
}

// Summary computes the statistics for kind.
func (n *NISStats) Summary(kind sensor.Kind) NISSummary {
	xs := n.Samples(kind)
	dof := DegreesOfFreedom(kind)
	s := NISSummary{
		Kind:    kind.String(),
		DoF:     dof,
		Count:   len(xs),
		Verdict: VerdictInsufficient,
	}
	if dof == 0 || len(xs) == 0 {
		return s
	}

	s.Threshold = ChiSquareThreshold(dof, ConsistencyLevel)
	s.Mean = stat.Mean(xs, nil)
	sort.Float64s(xs)
	s.Median = stat.Quantile(0.5, stat.Empirical, xs, nil)
	for _, x := range xs {
		if x > s.Threshold {
			s.Exceeded++
		}
	}
	s.ExceedFraction = float64(s.Exceeded) / float64(len(xs))
	s.Verdict = verdict(s)
	return s
}

// Summaries returns the lidar and radar summaries, in that order.
func (n *NISStats) Summaries() []NISSummary {
	return []NISSummary{n.Summary(sensor.KindLidar), n.Summary(sensor.KindRadar)}
}

// Consistent reports whether every sensor with enough samples is
// consistent. Sensors with too few samples do not count against it.
func (n *NISStats) Consistent() bool {
	for _, s := range n.Summaries() {
		if s.Verdict == VerdictOverconfident || s.Verdict == VerdictUnderconfident {
			return false
		}
	}
	return true
}

// verdict treats a sensor as overconfident when too many samples exceed the
// threshold or the mean is above twice the degrees of freedom, and as
// underconfident when the mean falls below a quarter of them.
func verdict(s NISSummary) Verdict {
	if s.Count < MinConsistencySamples {
		return VerdictInsufficient
	}
	dof := float64(s.DoF)
	switch {
	case s.ExceedFraction > MaxExceedFraction || s.Mean > 2*dof:
		return VerdictOverconfident
	case s.Mean < dof/4:
		return VerdictUnderconfident
	default:
		return VerdictConsistent
	}
}
