package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one pass of the filter over a measurement source.
type Run struct {
	RunID            string          `json:"run_id"`
	Source           string          `json:"source"`
	ConfigJSON       json.RawMessage `json:"config"`
	Status           string          `json:"status"`
	StartedUnixUs    int64           `json:"started_unix_us"`
	FinishedUnixUs   *int64          `json:"finished_unix_us,omitempty"`
	MeasurementCount int64           `json:"measurement_count"`
	SummaryJSON      json.RawMessage `json:"summary,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// CreateRun inserts a new running run for source with cfg stored as JSON
// and returns it.
func (db *DB) CreateRun(source string, cfg any) (*Run, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run config: %w", err)
	}

	run := &Run{
		RunID:         uuid.NewString(),
		Source:        source,
		ConfigJSON:    cfgJSON,
		Status:        RunStatusRunning,
		StartedUnixUs: time.Now().UnixMicro(),
	}
	_, err = db.Exec(
		`INSERT INTO runs (run_id, source, config_json, status, started_unix_us) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.Source, string(run.ConfigJSON), run.Status, run.StartedUnixUs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun marks the run completed, or failed when runErr is non-nil, and
// stores the measurement count and summary.
func (db *DB) FinishRun(runID string, count int64, summary any, runErr error) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	status := RunStatusCompleted
	var errText sql.NullString
	if runErr != nil {
		status = RunStatusFailed
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	res, err := db.Exec(
		`UPDATE runs SET status = ?, finished_unix_us = ?, measurement_count = ?, summary_json = ?, error = ?
		 WHERE run_id = ?`,
		status, time.Now().UnixMicro(), count, string(summaryJSON), errText, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, source, config_json, status, started_unix_us, finished_unix_us,
	measurement_count, summary_json, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var (
		r        Run
		cfg      string
		finished sql.NullInt64
		summary  sql.NullString
		errText  sql.NullString
	)
	if err := s.Scan(&r.RunID, &r.Source, &cfg, &r.Status, &r.StartedUnixUs, &finished,
		&r.MeasurementCount, &summary, &errText); err != nil {
		return nil, err
	}
	r.ConfigJSON = json.RawMessage(cfg)
	if finished.Valid {
		r.FinishedUnixUs = &finished.Int64
	}
	if summary.Valid {
		r.SummaryJSON = json.RawMessage(summary.String)
	}
	r.Error = errText.String
	return &r, nil
}

// GetRun returns the run with the given id.
func (db *DB) GetRun(runID string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns up to limit runs, most recent first.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_unix_us DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// DeleteRun removes a run and, through the foreign key, its estimates.
func (db *DB) DeleteRun(runID string) error {
	res, err := db.Exec(`DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
