package db

import (
	"database/sql"
	"fmt"
)

// EstimateRow is the filter state recorded after one measurement.
type EstimateRow struct {
	RunID       string   `json:"run_id"`
	TimestampUs int64    `json:"timestamp_us"`
	Sensor      string   `json:"sensor"`
	Step        string   `json:"step"`
	PX          float64  `json:"px"`
	PY          float64  `json:"py"`
	V           float64  `json:"v"`
	Yaw         float64  `json:"yaw"`
	YawRate     float64  `json:"yaw_rate"`
	NIS         *float64 `json:"nis,omitempty"`
	TruthPX     *float64 `json:"truth_px,omitempty"`
	TruthPY     *float64 `json:"truth_py,omitempty"`
	TruthVX     *float64 `json:"truth_vx,omitempty"`
	TruthVY     *float64 `json:"truth_vy,omitempty"`

	TruthYaw     *float64 `json:"truth_yaw,omitempty"`
	TruthYawRate *float64 `json:"truth_yaw_rate,omitempty"`
}

const insertEstimate = `INSERT INTO estimates (
		run_id, timestamp_us, sensor, step, px, py, v, yaw, yaw_rate,
		nis, truth_px, truth_py, truth_vx, truth_vy, truth_yaw, truth_yaw_rate
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func estimateArgs(e EstimateRow) []any {
	return []any{
		e.RunID, e.TimestampUs, e.Sensor, e.Step, e.PX, e.PY, e.V, e.Yaw, e.YawRate,
		e.NIS, e.TruthPX, e.TruthPY, e.TruthVX, e.TruthVY, e.TruthYaw, e.TruthYawRate,
	}
}

// RecordEstimate inserts a single estimate.
func (db *DB) RecordEstimate(e EstimateRow) error {
	if _, err := db.Exec(insertEstimate, estimateArgs(e)...); err != nil {
		return fmt.Errorf("failed to insert estimate: %w", err)
	}
	return nil
}

// RecordEstimates inserts a batch of estimates in one transaction.
func (db *DB) RecordEstimates(rows []EstimateRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(insertEstimate)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range rows {
		if _, err := stmt.Exec(estimateArgs(e)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert estimate at t=%d: %w", e.TimestampUs, err)
		}
	}
	return tx.Commit()
}

// Estimates returns every estimate of a run in timestamp order.
func (db *DB) Estimates(runID string) ([]EstimateRow, error) {
	rows, err := db.Query(`SELECT run_id, timestamp_us, sensor, step, px, py, v, yaw, yaw_rate,
			nis, truth_px, truth_py, truth_vx, truth_vy, truth_yaw, truth_yaw_rate
		FROM estimates WHERE run_id = ? ORDER BY timestamp_us, estimate_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EstimateRow
	for rows.Next() {
		var (
			e                  EstimateRow
			nis                sql.NullFloat64
			tpx, tpy, tvx, tvy sql.NullFloat64
			tyaw, tyawRate     sql.NullFloat64
		)
		if err := rows.Scan(&e.RunID, &e.TimestampUs, &e.Sensor, &e.Step, &e.PX, &e.PY, &e.V, &e.Yaw, &e.YawRate,
			&nis, &tpx, &tpy, &tvx, &tvy, &tyaw, &tyawRate); err != nil {
			return nil, err
		}
		e.NIS = nullFloat(nis)
		e.TruthPX = nullFloat(tpx)
		e.TruthPY = nullFloat(tpy)
		e.TruthVX = nullFloat(tvx)
		e.TruthVY = nullFloat(tvy)
		e.TruthYaw = nullFloat(tyaw)
		e.TruthYawRate = nullFloat(tyawRate)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountEstimates returns the number of estimates stored for a run.
func (db *DB) CountEstimates(runID string) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM estimates WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
