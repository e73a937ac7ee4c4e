package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"guardline/internal/db"
	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/instrument"
	"guardline/internal/migrate"
	"guardline/internal/repo"
)

type State string

const (
	StateIdle        State = "idle"
	StateStaged      State = "staged"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
)

const (
	EventRunStarted = "trajectory_run_started"
	EventRunStopped = "trajectory_run_stopped"

	ErrorSignalRead = "signal_read"
	ErrorSpecRead   = "spec_read"
	ErrorStoreWrite = "store_write"
)

// Summary describes a finished run.
type Summary struct {
	RunID       int64  `json:"run_id"`
	RunName     string `json:"run_name"`
	DBPath      string `json:"db_path"`
	Iterations  int64  `json:"iterations"`
	Errors      int64  `json:"errors"`
	Interrupted bool   `json:"interrupted"`
}

// Runner samples signals and specs from a sink at a fixed interval and
// persists them to the trajectory store.
type Runner struct {
	Sink instrument.CommandSink
	// StagedPath is the staged config file; Defaults fill fields it lacks.
	StagedPath string
	Defaults   Config
	// Workspace anchors relative database directories.
	Workspace string
	// Iterations bounds the number of ticks; zero runs until ctx is done.
	Iterations int64
	CreatedBy  string
	Events     events.Submitter
	Now        func() time.Time
	Wait       func(ctx context.Context, d time.Duration) error
	Logger     *slog.Logger

	mu    sync.Mutex
	state State
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return StateIdle
	}
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if r.Wait != nil {
		return r.Wait(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) submit(eventType string, payload map[string]any) {
	if r.Events != nil {
		r.Events.Submit(eventType, payload)
	}
}

// Run executes one monitor run from the staged config. Config errors are
// returned before anything changes on disk; once the run starts, the staged
// run name is cleared on every exit path. Cancelling ctx ends the run as
// interrupted and is not an error.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	defaults := r.Defaults
	if defaults.IntervalS == 0 && defaults.RotateEntries == 0 {
		defaults = Defaults()
	}
	cfg, err := LoadStaged(r.StagedPath, defaults)
	if err != nil {
		r.setState(StateFailed)
		return Summary{}, err
	}
	if err := cfg.RequireRunnable(); err != nil {
		r.setState(StateIdle)
		return Summary{}, err
	}
	if err := cfg.Validate(); err != nil {
		r.setState(StateFailed)
		return Summary{}, err
	}
	r.setState(StateStaged)

	summary := Summary{RunName: cfg.RunName, DBPath: cfg.DBPath(r.Workspace)}
	if err := checkWritable(filepath.Dir(summary.DBPath)); err != nil {
		r.setState(StateFailed)
		return summary, fmt.Errorf("database directory: %w", err)
	}
	defer func() {
		if _, err := ClearRunName(r.StagedPath, defaults); err != nil {
			r.logger().Warn("clear staged run name", "path", r.StagedPath, "error", err)
		}
	}()

	conn, err := db.Open(summary.DBPath)
	if err != nil {
		r.setState(StateFailed)
		return summary, err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		r.setState(StateFailed)
		return summary, fmt.Errorf("migrate trajectory store: %w", err)
	}
	store := repo.Repo{DB: conn}

	signals, specs, err := r.catalog(cfg)
	if err != nil {
		r.setState(StateFailed)
		return summary, err
	}
	start := r.now()
	run, err := store.CreateRun(ctx, domain.Run{
		Name:          cfg.RunName,
		StartedAtUTC:  start.UTC().Format(time.RFC3339Nano),
		IntervalS:     cfg.IntervalS,
		RotateEntries: cfg.RotateEntries,
		ActionWindowS: cfg.ActionWindowS,
		CreatedBy:     r.CreatedBy,
	})
	if err != nil {
		r.setState(StateFailed)
		return summary, err
	}
	summary.RunID = run.ID
	if err := store.InsertSignalCatalog(ctx, run.ID, signals); err != nil {
		r.setState(StateFailed)
		return summary, err
	}
	if err := store.InsertSpecCatalog(ctx, run.ID, specs); err != nil {
		r.setState(StateFailed)
		return summary, err
	}

	r.setState(StateRunning)
	r.submit(EventRunStarted, map[string]any{"run_id": run.ID, "run_name": run.Name, "db_path": summary.DBPath})
	r.logger().Info("trajectory run started", "run_id", run.ID, "run_name", run.Name, "db_path", summary.DBPath)

	loop := &tickLoop{runner: r, store: store, cfg: cfg, runID: run.ID, start: start}
	summary.Interrupted = loop.run(ctx)
	summary.Iterations = loop.idx
	summary.Errors = loop.errors

	if summary.Interrupted {
		r.setState(StateInterrupted)
	} else {
		r.setState(StateCompleted)
	}
	r.submit(EventRunStopped, map[string]any{
		"run_id":      run.ID,
		"run_name":    run.Name,
		"iterations":  summary.Iterations,
		"errors":      summary.Errors,
		"interrupted": summary.Interrupted,
	})
	r.logger().Info("trajectory run stopped", "run_id", run.ID, "iterations", summary.Iterations, "interrupted", summary.Interrupted)
	return summary, nil
}

// catalog resolves the selected labels. When the sink does not describe its
// parameters only the labels are recorded.
func (r *Runner) catalog(cfg Config) ([]domain.CatalogEntry, []domain.CatalogEntry, error) {
	cat, ok := r.Sink.(instrument.Catalog)
	if !ok {
		return bareEntries(cfg.SignalLabels), bareEntries(cfg.SpecLabels), nil
	}
	params := cat.Parameters()
	resolve := func(labels []string) ([]domain.CatalogEntry, error) {
		out := make([]domain.CatalogEntry, 0, len(labels))
		for _, label := range labels {
			p, ok := instrument.Lookup(params, label)
			if !ok {
				return nil, fmt.Errorf("%w: %s", instrument.ErrUnknownParameter, label)
			}
			if !p.Readable {
				return nil, fmt.Errorf("%w: %s", instrument.ErrNotReadable, label)
			}
			entry := domain.CatalogEntry{Label: label, Name: p.Name, Unit: p.Unit, ValueType: p.ValueType}
			if p.Vals != nil {
				entry.ValsJSON = valsJSON(p.Vals)
			}
			out = append(out, entry)
		}
		return out, nil
	}
	signals, err := resolve(cfg.SignalLabels)
	if err != nil {
		return nil, nil, err
	}
	specs, err := resolve(cfg.SpecLabels)
	if err != nil {
		return nil, nil, err
	}
	return signals, specs, nil
}

type tickLoop struct {
	runner *Runner
	store  repo.Repo
	cfg    Config
	runID  int64
	start  time.Time

	idx       int64
	actionIdx int64
	errors    int64
	prev      map[string]any
}

// run ticks until the iteration bound or cancellation and reports whether
// the run was interrupted.
func (l *tickLoop) run(ctx context.Context) bool {
	r := l.runner
	interval := time.Duration(l.cfg.IntervalS * float64(time.Second))
	for r.Iterations <= 0 || l.idx < r.Iterations {
		if ctx.Err() != nil {
			return true
		}
		scheduled := l.start.Add(time.Duration(l.idx) * interval)
		if d := scheduled.Sub(r.now()); d > 0 {
			if err := r.wait(ctx, d); err != nil {
				return true
			}
		}
		if err := l.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return true
			}
			l.errors++
		}
		l.idx++
	}
	return false
}

func (l *tickLoop) tick(ctx context.Context) error {
	r := l.runner
	dt := r.now().Sub(l.start).Seconds()
	if dt < 0 {
		dt = 0
	}
	signals, err := r.Sink.Read(ctx, l.cfg.SignalLabels)
	if err != nil {
		return l.fail(ctx, dt, ErrorSignalRead, err)
	}
	specs, err := r.Sink.Read(ctx, l.cfg.SpecLabels)
	if err != nil {
		return l.fail(ctx, dt, ErrorSpecRead, err)
	}
	segment := l.idx / int64(l.cfg.RotateEntries)
	actions := l.detect(dt, specs)
	err = l.store.InsertTick(ctx, repo.Tick{
		Signals: domain.Sample{RunID: l.runID, SampleIdx: l.idx, SegmentID: segment, DtS: dt, Values: signals},
		Specs:   domain.Sample{RunID: l.runID, SampleIdx: l.idx, SegmentID: segment, DtS: dt, Values: specs},
		Actions: actions,
	})
	if err != nil {
		return l.fail(ctx, dt, ErrorStoreWrite, err)
	}
	l.prev = specs
	l.actionIdx += int64(len(actions))
	return nil
}

// detect compares specs with the previous successful tick. The first tick
// is the baseline and produces no actions.
func (l *tickLoop) detect(dt float64, specs map[string]any) []domain.ActionEvent {
	if l.prev == nil {
		return nil
	}
	labels := make(map[string]struct{}, len(specs)+len(l.prev))
	for k := range l.prev {
		labels[k] = struct{}{}
	}
	for k := range specs {
		labels[k] = struct{}{}
	}
	sorted := make([]string, 0, len(labels))
	for k := range labels {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	detectedAt := l.runner.now().UTC().Format(time.RFC3339Nano)
	var out []domain.ActionEvent
	for _, label := range sorted {
		oldValue, newValue := l.prev[label], specs[label]
		if instrument.SameValue(oldValue, newValue) {
			continue
		}
		ev := domain.ActionEvent{
			RunID:          l.runID,
			ActionIdx:      l.actionIdx + int64(len(out)),
			SampleIdx:      l.idx,
			DetectedAtUTC:  detectedAt,
			DtS:            dt,
			Kind:           domain.ActionSpecChange,
			SpecLabel:      label,
			OldValue:       oldValue,
			NewValue:       newValue,
			WindowStartDtS: dt - l.cfg.ActionWindowS,
			WindowEndDtS:   dt + l.cfg.ActionWindowS,
		}
		if o, ok := instrument.AsNumber(oldValue); ok {
			if n, ok := instrument.AsNumber(newValue); ok {
				delta := n - o
				ev.DeltaValue = &delta
			}
		}
		out = append(out, ev)
	}
	return out
}

func (l *tickLoop) fail(ctx context.Context, dt float64, kind string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	l.runner.logger().Warn("monitor tick failed", "run_id", l.runID, "sample_idx", l.idx, "error_type", kind, "error", err)
	row := domain.MonitorError{
		RunID:     l.runID,
		DtS:       dt,
		ErrorType: kind,
		Message:   err.Error(),
		Details:   map[string]any{"sample_idx": l.idx},
		CreatedAt: l.runner.now().UTC().Format(time.RFC3339Nano),
	}
	if insertErr := l.store.InsertMonitorError(context.WithoutCancel(ctx), row); insertErr != nil {
		l.runner.logger().Error("record monitor error", "run_id", l.runID, "error", insertErr)
	}
	return err
}

// checkWritable creates dir when missing and verifies a file can be created
// in it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func bareEntries(labels []string) []domain.CatalogEntry {
	out := make([]domain.CatalogEntry, 0, len(labels))
	for _, l := range labels {
		out = append(out, domain.CatalogEntry{Label: l})
	}
	return out
}

// ListSignals returns the readable signal parameters of sink.
func ListSignals(sink instrument.CommandSink) ([]instrument.ParameterSpec, error) {
	cat, ok := sink.(instrument.Catalog)
	if !ok {
		return nil, errors.New("sink does not describe its parameters")
	}
	return instrument.Signals(cat.Parameters()), nil
}

// ListSpecs returns the readable spec parameters of sink.
func ListSpecs(sink instrument.CommandSink) ([]instrument.ParameterSpec, error) {
	cat, ok := sink.(instrument.Catalog)
	if !ok {
		return nil, errors.New("sink does not describe its parameters")
	}
	return instrument.Specs(cat.Parameters()), nil
}

// OpenStore opens and migrates the trajectory database at path for queries.
func OpenStore(path string) (*sql.DB, repo.Repo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, repo.Repo{}, fmt.Errorf("trajectory database %s: %w", path, err)
	}
	conn, err := db.Open(path)
	if err != nil {
		return nil, repo.Repo{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, repo.Repo{}, err
	}
	return conn, repo.Repo{DB: conn}, nil
}
