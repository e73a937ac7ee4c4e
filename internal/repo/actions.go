package repo

import (
	"context"
	"database/sql"

	"guardline/internal/domain"
)

const actionColumns = `id,run_id,action_idx,sample_idx,detected_at_utc,dt_s,action_kind,spec_label,old_value_json,new_value_json,delta_value,signal_window_start_dt_s,signal_window_end_dt_s`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (domain.ActionEvent, error) {
	var a domain.ActionEvent
	var oldJSON, newJSON sql.NullString
	var delta sql.NullFloat64
	err := row.Scan(&a.ID, &a.RunID, &a.ActionIdx, &a.SampleIdx, &a.DetectedAtUTC, &a.DtS, &a.Kind, &a.SpecLabel,
		&oldJSON, &newJSON, &delta, &a.WindowStartDtS, &a.WindowEndDtS)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if delta.Valid {
		v := delta.Float64
		a.DeltaValue = &v
	}
	if a.OldValue, err = unmarshalJSON(oldJSON); err != nil {
		return a, err
	}
	a.NewValue, err = unmarshalJSON(newJSON)
	return a, err
}

// ListActions returns the action events of a run ordered by dt, then id.
func (r Repo) ListActions(ctx context.Context, runID int64) ([]domain.ActionEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM action_events WHERE run_id=? ORDER BY dt_s, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionEvent
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActionByIndex returns the action with the given per-run index.
func (r Repo) ActionByIndex(ctx context.Context, runID, idx int64) (domain.ActionEvent, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM action_events WHERE run_id=? AND action_idx=?`, runID, idx))
}

// ActionWithWindow pairs an action with the signal rows around it.
type ActionWithWindow struct {
	Action domain.ActionEvent `json:"action"`
	Window []domain.Sample    `json:"signal_window,omitempty"`
}

// ActionDetail loads an action and, when withWindow is set, the signal rows
// within its window.
func (r Repo) ActionDetail(ctx context.Context, runID, idx int64, withWindow bool) (ActionWithWindow, error) {
	a, err := r.ActionByIndex(ctx, runID, idx)
	if err != nil {
		return ActionWithWindow{}, err
	}
	out := ActionWithWindow{Action: a}
	if withWindow {
		if out.Window, err = r.SignalWindow(ctx, runID, a.WindowStartDtS, a.WindowEndDtS); err != nil {
			return out, err
		}
	}
	return out, nil
}
