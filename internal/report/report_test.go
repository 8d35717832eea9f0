package report

import (
	"bytes"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorfusion/internal/fusion"
	"github.com/banshee-data/sensorfusion/internal/sensor"
	"github.com/banshee-data/sensorfusion/internal/ukf"
)

// circleRun returns n estimates along a quarter circle, alternating lidar
// and radar, with ground truth and a NIS on every sample but the first.
func circleRun(n int) []fusion.Estimate {
	out := make([]fusion.Estimate, 0, n)
	for i := 0; i < n; i++ {
		kind := sensor.KindLidar
		if i%2 == 1 {
			kind = sensor.KindRadar
		}
		px, py := 10-float64(i)*0.1, float64(i)*0.1
		e := fusion.Estimate{
			TimestampUs: 1477010443000000 + int64(i)*50000,
			Kind:        kind,
			Step:        ukf.StepUpdated,
			State:       [ukf.StateDim]float64{px, py, 2, 0.7, 0},
			NIS:         float64(i%9) + 0.5,
			HasNIS:      i > 0,
			Truth:       &sensor.GroundTruth{PX: px + 0.05, PY: py - 0.05, VX: 1.5, VY: 1.3},
		}
		if i == 0 {
			e.Step = ukf.StepBootstrapped
		}
		out = append(out, e)
	}
	return out
}

func TestNISSeries(t *testing.T) {
	est := circleRun(6)
	lidar := nisSeries(est, sensor.KindLidar)
	radar := nisSeries(est, sensor.KindRadar)

	// Sample 0 is the bootstrap and has no NIS.
	require.Len(t, lidar, 2)
	require.Len(t, radar, 3)
	assert.InDelta(t, 0.1, lidar[0].X, 1e-9)
	assert.InDelta(t, 2.5, lidar[0].Y, 1e-9)
	assert.InDelta(t, 0.05, radar[0].X, 1e-9)
	assert.Empty(t, nisSeries(nil, sensor.KindLidar))
}

func TestTrajectoryPlot(t *testing.T) {
	p, err := TrajectoryPlot(circleRun(40))
	require.NoError(t, err)
	assert.Equal(t, "Trajectory", p.Title.Text)

	_, err = TrajectoryPlot(nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestNISPlot(t *testing.T) {
	p, err := NISPlot(circleRun(40), sensor.KindRadar)
	require.NoError(t, err)
	assert.Equal(t, "radar NIS (3 DoF)", p.Title.Text)

	_, err = NISPlot(circleRun(1), sensor.KindLidar)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = NISPlot(circleRun(10), sensor.Kind(42))
	assert.ErrorIs(t, err, sensor.ErrUnknownSensor)
}

func TestWriteTrajectoryPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTrajectoryPNG(&buf, circleRun(20)))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
}

func TestWriteAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	written, err := WriteAll(dir, circleRun(50))
	require.NoError(t, err)

	want := []string{"trajectory.png", "nis_lidar.png", "nis_radar.png", "nis.html"}
	require.Len(t, written, len(want))
	for i, name := range want {
		assert.Equal(t, filepath.Join(dir, name), written[i])
		info, err := os.Stat(written[i])
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0), name)
	}

	_, err = WriteAll(dir, nil)
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestWriteAll_LidarOnly(t *testing.T) {
	var est []fusion.Estimate
	for _, e := range circleRun(20) {
		if e.Kind == sensor.KindLidar {
			est = append(est, e)
		}
	}
	written, err := WriteAll(t.TempDir(), est)
	require.NoError(t, err)
	for _, p := range written {
		assert.NotContains(t, p, "nis_radar")
	}
	assert.Len(t, written, 3)
}

func TestRenderNISChart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderNISChart(&buf, circleRun(30)))

	html := buf.String()
	for _, s := range []string{"lidar NIS", "radar NIS", "7.815", "5.991", "Trajectory", "ground truth"} {
		assert.Contains(t, html, s)
	}

	assert.ErrorIs(t, RenderNISChart(&buf, nil), ErrNoData)
}

func TestHandlers(t *testing.T) {
	h := NewHistory(100)

	w := httptest.NewRecorder()
	NISChartHandler(h.Estimates)(w, httptest.NewRequest(http.MethodGet, "/debug/nis", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	for _, e := range circleRun(20) {
		require.NoError(t, h.Write(e))
	}

	w = httptest.NewRecorder()
	NISChartHandler(h.Estimates)(w, httptest.NewRequest(http.MethodGet, "/debug/nis", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))

	w = httptest.NewRecorder()
	TrajectoryPNGHandler(h.Estimates)(w, httptest.NewRequest(http.MethodGet, "/debug/trajectory.png", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	assert.Empty(t, h.Estimates())

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Write(fusion.Estimate{TimestampUs: int64(i)}))
	}
	got := h.Estimates()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{2, 3, 4}, []int64{got[0].TimestampUs, got[1].TimestampUs, got[2].TimestampUs})
	assert.Equal(t, uint64(5), h.Total())

	h.Reset()
	assert.Empty(t, h.Estimates())
	assert.Equal(t, uint64(5), h.Total())

	assert.Len(t, NewHistory(0).buf, DefaultHistorySize)
}
