// Package report renders fusion runs as PNG plots (gonum/plot) and HTML
// charts (go-echarts).
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sensorfusion/internal/evaluation"
	"github.com/banshee-data/sensorfusion/internal/fusion"
	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("report: no estimates to plot")

var (
	estimateColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	truthColor    = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	lidarColor    = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	radarColor    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	limitColor    = color.RGBA{R: 90, G: 90, B: 90, A: 255}
)

// Plot sizes.
const (
	trajectorySize = 8 * vg.Inch
	nisWidth       = 12 * vg.Inch
	nisHeight      = 5 * vg.Inch
)

// TrajectoryPlot draws the estimated path and, where present, the ground
// truth path in the x-y plane.
func TrajectoryPlot(estimates []fusion.Estimate) (*plot.Plot, error) {
	if len(estimates) == 0 {
		return nil, ErrNoData
	}

	est := make(plotter.XYs, 0, len(estimates))
	truth := make(plotter.XYs, 0, len(estimates))
	for _, e := range estimates {
		k := e.Kinematics()
		est = append(est, plotter.XY{X: k.PX, Y: k.PY})
		if e.Truth != nil {
			truth = append(truth, plotter.XY{X: e.Truth.PX, Y: e.Truth.PY})
		}
	}

	p := plot.New()
	p.Title.Text = "Trajectory"
	p.X.Label.Text = "px (m)"
	p.Y.Label.Text = "py (m)"
	p.Add(plotter.NewGrid())

	if len(truth) > 0 {
		gt, err := plotter.NewScatter(truth)
		if err != nil {
			return nil, fmt.Errorf("failed to plot ground truth: %w", err)
		}
		gt.GlyphStyle.Color = truthColor
		gt.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(gt)
		p.Legend.Add("ground truth", gt)
	}

	line, err := plotter.NewLine(est)
	if err != nil {
		return nil, fmt.Errorf("failed to plot estimates: %w", err)
	}
	line.Color = estimateColor
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("UKF estimate", line)

	p.Legend.Top = true
	p.Legend.Left = true
	return p, nil
}

// NISPlot draws the NIS of every fused measurement of kind against time,
// with the 95% chi-square threshold for the sensor's degrees of freedom.
func NISPlot(estimates []fusion.Estimate, kind sensor.Kind) (*plot.Plot, error) {
	dof := evaluation.DegreesOfFreedom(kind)
	if dof == 0 {
		return nil, fmt.Errorf("%w: %v", sensor.ErrUnknownSensor, kind)
	}
	pts := nisSeries(estimates, kind)
	if len(pts) == 0 {
		return nil, ErrNoData
	}
	threshold := evaluation.ChiSquareThreshold(dof, evaluation.ConsistencyLevel)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s NIS (%d DoF)", kind, dof)
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "NIS"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to plot NIS: %w", err)
	}
	line.Color = lidarColor
	if kind == sensor.KindRadar {
		line.Color = radarColor
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(kind.String(), line)

	limit := plotter.NewFunction(func(float64) float64 { return threshold })
	limit.Color = limitColor
	limit.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(limit)
	p.Legend.Add(fmt.Sprintf("χ² 95%% = %.3f", threshold), limit)

	p.Legend.Top = true
	p.Legend.Left = false
	return p, nil
}

// nisSeries returns (seconds since the first estimate, NIS) for kind.
func nisSeries(estimates []fusion.Estimate, kind sensor.Kind) plotter.XYs {
	if len(estimates) == 0 {
		return nil
	}
	t0 := estimates[0].TimestampUs
	var pts plotter.XYs
	for _, e := range estimates {
		if e.Kind != kind || !e.HasNIS {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(e.TimestampUs-t0) / 1e6, Y: e.NIS})
	}
	return pts
}

// WritePNG renders p as a PNG of the given size.
func WritePNG(w io.Writer, p *plot.Plot, width, height vg.Length) error {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteTrajectoryPNG renders TrajectoryPlot to w.
func WriteTrajectoryPNG(w io.Writer, estimates []fusion.Estimate) error {
	p, err := TrajectoryPlot(estimates)
	if err != nil {
		return err
	}
	return WritePNG(w, p, trajectorySize, trajectorySize)
}

// PlotTrajectory saves the trajectory plot to path.
func PlotTrajectory(estimates []fusion.Estimate, path string) error {
	p, err := TrajectoryPlot(estimates)
	if err != nil {
		return err
	}
	return p.Save(trajectorySize, trajectorySize, path)
}

// PlotNIS saves the NIS plot for kind to path.
func PlotNIS(estimates []fusion.Estimate, kind sensor.Kind, path string) error {
	p, err := NISPlot(estimates, kind)
	if err != nil {
		return err
	}
	return p.Save(nisWidth, nisHeight, path)
}

// WriteAll writes trajectory.png, nis_lidar.png, nis_radar.png and
// nis.html into dir and returns the paths written. Sensors without NIS
// samples are skipped.
func WriteAll(dir string, estimates []fusion.Estimate) ([]string, error) {
	if len(estimates) == 0 {
		return nil, ErrNoData
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var written []string
	path := filepath.Join(dir, "trajectory.png")
	if err := PlotTrajectory(estimates, path); err != nil {
		return written, err
	}
	written = append(written, path)

	for _, kind := range []sensor.Kind{sensor.KindLidar, sensor.KindRadar} {
		path := filepath.Join(dir, fmt.Sprintf("nis_%s.png", kind))
		err := PlotNIS(estimates, kind, path)
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}

	path = filepath.Join(dir, "nis.html")
	f, err := os.Create(path)
	if err != nil {
		return written, err
	}
	if err := RenderNISChart(f, estimates); err != nil {
		f.Close()
		return written, err
	}
	if err := f.Close(); err != nil {
		return written, err
	}
	return append(written, path), nil
}
