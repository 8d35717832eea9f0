package report

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sensorfusion/internal/evaluation"
	"github.com/banshee-data/sensorfusion/internal/fusion"
	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// RenderNISChart writes an HTML page with one NIS line chart per sensor.
// Each chart carries a mark line at the 95% chi-square threshold.
func RenderNISChart(w io.Writer, estimates []fusion.Estimate) error {
	if len(estimates) == 0 {
		return ErrNoData
	}

	page := components.NewPage()
	page.SetPageTitle("Filter consistency (NIS)")
	for _, kind := range []sensor.Kind{sensor.KindLidar, sensor.KindRadar} {
		page.AddCharts(nisLineChart(estimates, kind))
	}
	page.AddCharts(trajectoryChart(estimates))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func nisLineChart(estimates []fusion.Estimate, kind sensor.Kind) *charts.Line {
	dof := evaluation.DegreesOfFreedom(kind)
	threshold := evaluation.ChiSquareThreshold(dof, evaluation.ConsistencyLevel)

	pts := nisSeries(estimates, kind)
	data := make([]opts.LineData, 0, len(pts))
	above := 0
	for _, p := range pts {
		data = append(data, opts.LineData{Value: []interface{}{p.X, p.Y}})
		if p.Y > threshold {
			above++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "NIS", Width: "1100px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s NIS", kind),
			Subtitle: fmt.Sprintf("samples=%d above χ²(%d, 95%%)=%d", len(data), dof, above),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "NIS", NameLocation: "middle", NameGap: 35}),
	)
	line.AddSeries(kind.String(), data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{
			Name:  fmt.Sprintf("χ² 95%% = %.3f", threshold),
			YAxis: threshold,
		}),
	)
	return line
}

func trajectoryChart(estimates []fusion.Estimate) *charts.Line {
	est := make([]opts.LineData, 0, len(estimates))
	truth := make([]opts.LineData, 0, len(estimates))
	for _, e := range estimates {
		k := e.Kinematics()
		est = append(est, opts.LineData{Value: []interface{}{k.PX, k.PY}})
		if e.Truth != nil {
			truth = append(truth, opts.LineData{Value: []interface{}{e.Truth.PX, e.Truth.PY}})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Trajectory", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory", Subtitle: fmt.Sprintf("estimates=%d", len(est))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "px (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "py (m)", NameLocation: "middle", NameGap: 30}),
	)
	line.AddSeries("UKF estimate", est, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	if len(truth) > 0 {
		line.AddSeries("ground truth", truth, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	}
	return line
}

// NISChartHandler serves RenderNISChart for the estimates returned by src.
func NISChartHandler(src func() []fusion.Estimate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := RenderNISChart(&buf, src()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}
}

// TrajectoryPNGHandler serves the trajectory plot as a PNG.
func TrajectoryPNGHandler(src func() []fusion.Estimate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := WriteTrajectoryPNG(&buf, src()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}
}
