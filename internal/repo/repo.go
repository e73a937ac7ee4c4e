package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"guardline/internal/domain"
)

// Repo is the trajectory store.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateRun = errors.New("run name already exists")
)

const runColumns = `id,run_name,started_at_utc,interval_s,rotate_entries,action_window_s,COALESCE(created_by,'')`

func scanRun(row *sql.Row) (domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.Name, &run.StartedAtUTC, &run.IntervalS, &run.RotateEntries, &run.ActionWindowS, &run.CreatedBy)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// CreateRun inserts a run and returns it with its id.
func (r Repo) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	if run.Name == "" {
		return run, errors.New("run name is required")
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO runs(run_name,started_at_utc,interval_s,rotate_entries,action_window_s,created_by) VALUES (?,?,?,?,?,?)`,
		run.Name, run.StartedAtUTC, run.IntervalS, run.RotateEntries, run.ActionWindowS, nullable(run.CreatedBy))
	if err != nil {
		if isUniqueViolation(err) {
			return run, fmt.Errorf("%w: %s", ErrDuplicateRun, run.Name)
		}
		return run, err
	}
	run.ID, err = res.LastInsertId()
	return run, err
}

func (r Repo) GetRunByName(ctx context.Context, name string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_name=?`, name))
}

// LatestRun returns the most recently created run.
func (r Repo) LatestRun(ctx context.Context) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT 1`))
}

// ResolveRun looks a run up by name, or returns the latest run when name is
// empty.
func (r Repo) ResolveRun(ctx context.Context, name string) (domain.Run, error) {
	if strings.TrimSpace(name) == "" {
		run, err := r.LatestRun(ctx)
		if errors.Is(err, ErrNotFound) {
			return run, fmt.Errorf("no runs recorded: %w", ErrNotFound)
		}
		return run, err
	}
	run, err := r.GetRunByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return run, fmt.Errorf("run %q: %w", name, ErrNotFound)
	}
	return run, err
}

// ListRuns returns every run in creation order.
func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.Name, &run.StartedAtUTC, &run.IntervalS, &run.RotateEntries, &run.ActionWindowS, &run.CreatedBy); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// InsertSignalCatalog records the selected signal labels of a run.
func (r Repo) InsertSignalCatalog(ctx context.Context, runID int64, entries []domain.CatalogEntry) error {
	return r.insertCatalog(ctx, "signal_catalog", runID, entries)
}

// InsertSpecCatalog records the selected spec labels of a run.
func (r Repo) InsertSpecCatalog(ctx context.Context, runID int64, entries []domain.CatalogEntry) error {
	return r.insertCatalog(ctx, "spec_catalog", runID, entries)
}

func (r Repo) insertCatalog(ctx context.Context, table string, runID int64, entries []domain.CatalogEntry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		var err error
		if table == "spec_catalog" {
			_, err = tx.ExecContext(ctx, `INSERT INTO spec_catalog(run_id,label,name,unit,value_type,vals_json) VALUES (?,?,?,?,?,?)`,
				runID, e.Label, nullable(e.Name), nullable(e.Unit), nullable(e.ValueType), nullable(e.ValsJSON))
		} else {
			_, err = tx.ExecContext(ctx, `INSERT INTO signal_catalog(run_id,label,name,unit,value_type) VALUES (?,?,?,?,?)`,
				runID, e.Label, nullable(e.Name), nullable(e.Unit), nullable(e.ValueType))
		}
		if err != nil {
			return fmt.Errorf("insert %s %q: %w", table, e.Label, err)
		}
	}
	return tx.Commit()
}

func (r Repo) ListSignalCatalog(ctx context.Context, runID int64) ([]domain.CatalogEntry, error) {
	return r.listCatalog(ctx, `SELECT id,run_id,label,COALESCE(name,''),COALESCE(unit,''),COALESCE(value_type,''),'' FROM signal_catalog WHERE run_id=? ORDER BY id`, runID)
}

func (r Repo) ListSpecCatalog(ctx context.Context, runID int64) ([]domain.CatalogEntry, error) {
	return r.listCatalog(ctx, `SELECT id,run_id,label,COALESCE(name,''),COALESCE(unit,''),COALESCE(value_type,''),COALESCE(vals_json,'') FROM spec_catalog WHERE run_id=? ORDER BY id`, runID)
}

func (r Repo) listCatalog(ctx context.Context, query string, runID int64) ([]domain.CatalogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CatalogEntry
	for rows.Next() {
		var e domain.CatalogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Label, &e.Name, &e.Unit, &e.ValueType, &e.ValsJSON); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString) (any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
