package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"guardline/internal/domain"
)

// Tick groups everything one monitor iteration persists.
type Tick struct {
	Signals domain.Sample
	Specs   domain.Sample
	Actions []domain.ActionEvent
}

// InsertTick writes the signal row, the spec row and any action events of a
// tick in one transaction.
func (r Repo) InsertTick(ctx context.Context, t Tick) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertSample(ctx, tx, "signal_samples", t.Signals); err != nil {
		return err
	}
	if err := insertSample(ctx, tx, "spec_samples", t.Specs); err != nil {
		return err
	}
	for _, a := range t.Actions {
		if err := insertAction(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertSample(ctx context.Context, tx *sql.Tx, table string, s domain.Sample) error {
	values, err := marshalJSON(s.Values)
	if err != nil {
		return fmt.Errorf("marshal %s values: %w", table, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO `+table+`(run_id,sample_idx,segment_id,dt_s,values_json) VALUES (?,?,?,?,?)`,
		s.RunID, s.SampleIdx, s.SegmentID, s.DtS, values)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func insertAction(ctx context.Context, tx *sql.Tx, a domain.ActionEvent) error {
	oldJSON, err := marshalJSON(a.OldValue)
	if err != nil {
		return fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := marshalJSON(a.NewValue)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}
	kind := a.Kind
	if kind == "" {
		kind = domain.ActionSpecChange
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO action_events(run_id,action_idx,sample_idx,detected_at_utc,dt_s,action_kind,spec_label,old_value_json,new_value_json,delta_value,signal_window_start_dt_s,signal_window_end_dt_s)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.RunID, a.ActionIdx, a.SampleIdx, a.DetectedAtUTC, a.DtS, kind, a.SpecLabel, oldJSON, newJSON,
		nullableFloat(a.DeltaValue), a.WindowStartDtS, a.WindowEndDtS)
	if err != nil {
		return fmt.Errorf("insert action event: %w", err)
	}
	return nil
}

func (r Repo) ListSignalSamples(ctx context.Context, runID int64) ([]domain.Sample, error) {
	return r.listSamples(ctx, `SELECT run_id,sample_idx,segment_id,dt_s,values_json FROM signal_samples WHERE run_id=? ORDER BY sample_idx`, runID)
}

func (r Repo) ListSpecSamples(ctx context.Context, runID int64) ([]domain.Sample, error) {
	return r.listSamples(ctx, `SELECT run_id,sample_idx,segment_id,dt_s,values_json FROM spec_samples WHERE run_id=? ORDER BY sample_idx`, runID)
}

// SignalWindow returns the signal rows whose dt lies within [start, end].
func (r Repo) SignalWindow(ctx context.Context, runID int64, start, end float64) ([]domain.Sample, error) {
	return r.listSamples(ctx, `SELECT run_id,sample_idx,segment_id,dt_s,values_json FROM signal_samples WHERE run_id=? AND dt_s >= ? AND dt_s <= ? ORDER BY sample_idx`, runID, start, end)
}

func (r Repo) listSamples(ctx context.Context, query string, args ...any) ([]domain.Sample, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sample
	for rows.Next() {
		var s domain.Sample
		var values string
		if err := rows.Scan(&s.RunID, &s.SampleIdx, &s.SegmentID, &s.DtS, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &s.Values); err != nil {
			return nil, fmt.Errorf("decode sample %d: %w", s.SampleIdx, err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// InsertMonitorError records a tick failure.
func (r Repo) InsertMonitorError(ctx context.Context, e domain.MonitorError) error {
	details := ""
	if len(e.Details) > 0 {
		var err error
		if details, err = marshalJSON(e.Details); err != nil {
			return err
		}
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO monitor_errors(run_id,dt_s,error_type,message,details_json,created_at) VALUES (?,?,?,?,?,?)`,
		e.RunID, e.DtS, e.ErrorType, e.Message, nullable(details), e.CreatedAt)
	return err
}

func (r Repo) ListMonitorErrors(ctx context.Context, runID int64) ([]domain.MonitorError, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,dt_s,error_type,message,details_json,created_at FROM monitor_errors WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MonitorError
	for rows.Next() {
		var e domain.MonitorError
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.DtS, &e.ErrorType, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
