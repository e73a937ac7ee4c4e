package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"guardline/internal/config"
	"guardline/internal/engine"
	"guardline/internal/events"
	"guardline/internal/instrument"
	"guardline/internal/metrics"
	"guardline/internal/monitor"
	"guardline/internal/policy"
)

// Version tags runs created by this build.
var Version = "dev"

// Options selects the workspace and what the runtime opens.
type Options struct {
	Workspace  string
	ConfigPath string
	// Journal opens the event journal when the config enables it.
	Journal bool
	Logger  *slog.Logger
	// Confirm answers confirmation prompts for channels that require one.
	Confirm func(channel string, current, target float64, reason string) bool
}

// Runtime is the wired process: settings, instrument, journal, policy and
// the guarded write engine.
type Runtime struct {
	Workspace  string
	ConfigPath string
	Config     *config.Config
	Logger     *slog.Logger

	Simulator *instrument.Simulator
	Sink      instrument.CommandSink
	Journal   *events.Journal
	Events    events.Submitter
	Rules     *policy.Source
	Policy    *policy.Policy
	Engine    *engine.Engine
	Metrics   *metrics.Metrics
}

// NewLogger returns a text logger on w; verbose enables debug records.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Open loads the settings of the workspace and wires every component.
func Open(opts Options) (*Runtime, error) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.Path(opts.Workspace)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
	}

	sim, err := instrument.NewSimulator(cfg.Instrument.Parameters)
	if err != nil {
		return nil, err
	}
	if cfg.Instrument.StateFile != "" {
		sim.StatePath = resolve(opts.Workspace, cfg.Instrument.StateFile)
		if err := sim.LoadState(); err != nil {
			return nil, err
		}
	}

	rt := &Runtime{
		Workspace:  opts.Workspace,
		ConfigPath: opts.ConfigPath,
		Config:     cfg,
		Logger:     logger,
		Simulator:  sim,
		Events:     events.Discard{},
	}
	if opts.Journal && cfg.JournalEnabled() {
		j, err := events.Open(events.Config{
			Directory:        rt.JournalDir(),
			QueueSize:        cfg.Journal.QueueSize,
			MaxEventsPerFile: cfg.Journal.MaxEventsPerFile,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		rt.Journal = j
		rt.Events = j
	}
	rt.Sink = instrument.NewObserved(sim, rt.Events)

	rt.Rules = policy.NewSource(cfg.Rules())
	rt.Policy = policy.New(rt.Rules)
	rt.Policy.Confirm = opts.Confirm
	rt.Engine = engine.New(rt.Sink, rt.Policy, rt.Events)
	rt.Engine.Logger = logger.With("component", "engine")

	var stats func() events.Stats
	if rt.Journal != nil {
		stats = rt.Journal.Stats
	}
	rt.Metrics = metrics.New(stats)
	rt.Engine.OnAudit = rt.Metrics.ObserveAudit
	return rt, nil
}

// JournalDir is the resolved journal directory.
func (r *Runtime) JournalDir() string {
	dir := r.Config.Journal.Directory
	if dir == "" {
		dir = filepath.Join("artifacts", "journal")
	}
	return resolve(r.Workspace, dir)
}

// StagedPath is the staged monitor config of the workspace.
func (r *Runtime) StagedPath() string {
	return monitor.StagedPath(r.Workspace)
}

// MonitorDefaults are the monitor settings from the config file.
func (r *Runtime) MonitorDefaults() monitor.Config {
	return r.Config.Monitor
}

// Monitor returns a runner sampling the runtime's sink.
func (r *Runtime) Monitor(iterations int64) *monitor.Runner {
	return &monitor.Runner{
		Sink:       r.Sink,
		StagedPath: r.StagedPath(),
		Defaults:   r.MonitorDefaults(),
		Workspace:  r.Workspace,
		Iterations: iterations,
		CreatedBy:  "guardline " + Version,
		Events:     r.Events,
		Now:        time.Now,
		Logger:     r.Logger.With("component", "monitor"),
	}
}

// Reload re-reads the config file and swaps the policy rules. Only the
// rules are replaced; Config keeps the values loaded by Open.
func (r *Runtime) Reload() error {
	cfg, err := config.Load(r.ConfigPath)
	if err != nil {
		return err
	}
	r.Rules.Reload(cfg.Rules())
	r.Logger.Info("policy reloaded", "channels", len(cfg.Safety.Limits), "allow_writes", cfg.Safety.AllowWrites)
	return nil
}

// Close drains and closes the journal.
func (r *Runtime) Close() error {
	var errs []error
	if r.Journal != nil {
		errs = append(errs, r.Journal.Close())
	}
	return errors.Join(errs...)
}

func resolve(workspace, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}
