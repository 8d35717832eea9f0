package db

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(v float64) *float64 { return &v }

// TestPragmasApplied verifies that essential PRAGMAs are set on every connection
func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	db := newTestDB(t)

	cfg := map[string]any{"std_a": 0.45, "use_radar": true}
	run, err := db.CreateRun("obj_pose-laser-radar-synthetic-input.txt", cfg)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if len(run.RunID) != 36 {
		t.Errorf("Expected a UUID run id, got %q", run.RunID)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("Expected status %q, got %q", RunStatusRunning, run.Status)
	}

	got, err := db.GetRun(run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.FinishedUnixUs != nil {
		t.Errorf("Expected unfinished run, got finished at %d", *got.FinishedUnixUs)
	}
	var gotCfg map[string]any
	if err := json.Unmarshal(got.ConfigJSON, &gotCfg); err != nil {
		t.Fatalf("Failed to decode config: %v", err)
	}
	if diff := cmp.Diff(cfg, gotCfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetRun("does-not-exist")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
	if err := db.FinishRun("does-not-exist", 0, nil, nil); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound from FinishRun, got %v", err)
	}
}

func TestFinishRun(t *testing.T) {
	db := newTestDB(t)

	ok, err := db.CreateRun("ok.txt", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	failed, err := db.CreateRun("bad.txt", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	summary := map[string]float64{"rmse_px": 0.07}
	if err := db.FinishRun(ok.RunID, 500, summary, nil); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	if err := db.FinishRun(failed.RunID, 12, nil, errors.New("filter diverged")); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err := db.GetRun(ok.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusCompleted || got.MeasurementCount != 500 || got.FinishedUnixUs == nil {
		t.Errorf("Unexpected completed run: %+v", got)
	}
	if string(got.SummaryJSON) != `{"rmse_px":0.07}` {
		t.Errorf("Unexpected summary %s", got.SummaryJSON)
	}

	got, err = db.GetRun(failed.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusFailed || got.Error != "filter diverged" {
		t.Errorf("Unexpected failed run: %+v", got)
	}

	runs, err := db.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != failed.RunID {
		t.Errorf("Expected most recent run first, got %s", runs[0].Source)
	}
}

func TestRecordAndReadEstimates(t *testing.T) {
	db := newTestDB(t)

	run, err := db.CreateRun("test", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	rows := []EstimateRow{
		{RunID: run.RunID, TimestampUs: 100, Sensor: "lidar", Step: "bootstrapped", PX: 0.31, PY: 0.58},
		{RunID: run.RunID, TimestampUs: 200, Sensor: "radar", Step: "updated", PX: 0.4, PY: 0.6, V: 1.2, Yaw: 0.1,
			YawRate: 0.01, NIS: ptr(2.4), TruthPX: ptr(0.41), TruthPY: ptr(0.61), TruthVX: ptr(1.1), TruthVY: ptr(0.1)},
		{RunID: run.RunID, TimestampUs: 300, Sensor: "lidar", Step: "updated", PX: 0.5, PY: 0.6,
			TruthPX: ptr(0.5), TruthPY: ptr(0.61), TruthVX: ptr(1.1), TruthVY: ptr(0.1),
			TruthYaw: ptr(0.09), TruthYawRate: ptr(0.02)},
	}
	if err := db.RecordEstimate(rows[1]); err != nil {
		t.Fatalf("RecordEstimate failed: %v", err)
	}
	if err := db.RecordEstimates([]EstimateRow{rows[0], rows[2]}); err != nil {
		t.Fatalf("RecordEstimates failed: %v", err)
	}

	got, err := db.Estimates(run.RunID)
	if err != nil {
		t.Fatalf("Estimates failed: %v", err)
	}
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("estimates mismatch (-want +got):\n%s", diff)
	}

	n, err := db.CountEstimates(run.RunID)
	if err != nil || n != 3 {
		t.Errorf("CountEstimates = %d, %v; want 3", n, err)
	}
}

func TestRecordEstimate_RequiresRun(t *testing.T) {
	db := newTestDB(t)

	err := db.RecordEstimate(EstimateRow{RunID: "missing", TimestampUs: 1, Sensor: "lidar", Step: "updated"})
	if err == nil {
		t.Error("Expected foreign key violation for unknown run")
	}
}

func TestDeleteRunCascades(t *testing.T) {
	db := newTestDB(t)

	run, err := db.CreateRun("test", nil)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := db.RecordEstimate(EstimateRow{RunID: run.RunID, TimestampUs: 1, Sensor: "lidar", Step: "bootstrapped"}); err != nil {
		t.Fatalf("RecordEstimate failed: %v", err)
	}
	if err := db.DeleteRun(run.RunID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	n, err := db.CountEstimates(run.RunID)
	if err != nil || n != 0 {
		t.Errorf("CountEstimates after delete = %d, %v; want 0", n, err)
	}
	if err := db.DeleteRun(run.RunID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound on second delete, got %v", err)
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.CreateRun("test", nil); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	httpMux := http.NewServeMux()
	db.AttachAdminRoutes(httpMux)

	for _, path := range []string{"/debug/tailsql/", "/debug/backup"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:34567"
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)

		// Should be registered (might return 403 due to auth or 200 if auth passes)
		if w.Code == http.StatusNotFound {
			t.Errorf("Route %s should be registered, got 404", path)
		}

		if path == "/debug/backup" && w.Code == http.StatusOK {
			zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
			if err != nil {
				t.Fatalf("Backup is not gzip: %v", err)
			}
			head := make([]byte, 16)
			if _, err := io.ReadFull(zr, head); err != nil {
				t.Fatalf("Failed to read backup: %v", err)
			}
			if !strings.HasPrefix(string(head), "SQLite format 3") {
				t.Errorf("Backup does not look like SQLite: %q", head)
			}
		}
	}
}
