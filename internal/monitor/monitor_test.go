package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardline/internal/instrument"
	"guardline/internal/repo"
)

// scriptedSink returns spec values chosen by the tick number. Signal reads
// always succeed unless failSignalsAt matches.
type scriptedSink struct {
	mu            sync.Mutex
	specReads     int
	signalReads   int
	specAt        func(tick int) map[string]any
	failSignalsAt int
}

func (s *scriptedSink) Read(_ context.Context, labels []string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(labels) > 0 && labels[0] == "Z Position" {
		tick := s.signalReads
		s.signalReads++
		if s.failSignalsAt > 0 && tick == s.failSignalsAt {
			return nil, errors.New("bridge timeout")
		}
		return map[string]any{"Z Position": 1e-9 * float64(tick)}, nil
	}
	tick := s.specReads
	s.specReads++
	return s.specAt(tick), nil
}

func (s *scriptedSink) Write(context.Context, string, float64) error {
	return errors.New("read only")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Wait(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func newTestRunner(t *testing.T, sink instrument.CommandSink, cfg Config, iterations int64) *Runner {
	t.Helper()
	ws := t.TempDir()
	if cfg.DBDirectory == "" {
		cfg.DBDirectory = "trajectory"
	}
	path := StagedPath(ws)
	require.NoError(t, SaveStaged(path, cfg))
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return &Runner{
		Sink:       sink,
		StagedPath: path,
		Defaults:   Defaults(),
		Workspace:  ws,
		Iterations: iterations,
		Now:        clock.Now,
		Wait:       clock.Wait,
	}
}

func stagedConfig(name string) Config {
	cfg := Defaults()
	cfg.RunName = name
	cfg.SignalLabels = []string{"Z Position"}
	cfg.SpecLabels = []string{"Bias"}
	return cfg
}

func openRunStore(t *testing.T, path string) repo.Repo {
	t.Helper()
	conn, store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return store
}

func TestRunRequiresStagedName(t *testing.T) {
	sink := &scriptedSink{specAt: func(int) map[string]any { return map[string]any{"Bias": 1} }}
	r := newTestRunner(t, sink, stagedConfig(""), 3)

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrNotStaged)
	assert.Equal(t, "config must be set before run", err.Error())
	assert.Equal(t, 0, sink.signalReads)
	assert.NoFileExists(t, stagedConfig("").DBPath(r.Workspace))
}

func TestRunClearsRunName(t *testing.T) {
	sink := &scriptedSink{specAt: func(int) map[string]any { return map[string]any{"Bias": 1} }}
	r := newTestRunner(t, sink, stagedConfig("run-001"), 2)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-001", summary.RunName)
	assert.EqualValues(t, 2, summary.Iterations)
	assert.False(t, summary.Interrupted)
	assert.Equal(t, StateCompleted, r.State())

	staged, err := LoadStaged(r.StagedPath, Defaults())
	require.NoError(t, err)
	assert.Empty(t, staged.RunName)
	assert.Equal(t, []string{"Bias"}, staged.SpecLabels)

	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, ErrNotStaged)
}

func TestRunRotatesSegments(t *testing.T) {
	sink := &scriptedSink{specAt: func(int) map[string]any { return map[string]any{"Bias": 1} }}
	cfg := stagedConfig("rotate")
	cfg.RotateEntries = 3
	r := newTestRunner(t, sink, cfg, 7)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	store := openRunStore(t, summary.DBPath)
	samples, err := store.ListSignalSamples(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, samples, 7)
	assert.EqualValues(t, 6, samples[6].SampleIdx)
	assert.EqualValues(t, 2, samples[6].SegmentID)
	assert.EqualValues(t, 0, samples[2].SegmentID)
	assert.EqualValues(t, 1, samples[3].SegmentID)
	for i, s := range samples {
		assert.InDelta(t, float64(i)*cfg.IntervalS, s.DtS, 1e-9)
	}
}

func TestRunEmitsOneActionWhenSpecChanges(t *testing.T) {
	sink := &scriptedSink{specAt: func(tick int) map[string]any {
		if tick < 3 {
			return map[string]any{"Bias": 1}
		}
		return map[string]any{"Bias": 2}
	}}
	r := newTestRunner(t, sink, stagedConfig("scenario-b"), 6)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	store := openRunStore(t, summary.DBPath)
	actions, err := store.ListActions(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	a := actions[0]
	assert.EqualValues(t, 0, a.ActionIdx)
	assert.EqualValues(t, 3, a.SampleIdx)
	assert.Equal(t, "Bias", a.SpecLabel)
	assert.EqualValues(t, 1, a.OldValue)
	assert.EqualValues(t, 2, a.NewValue)
	require.NotNil(t, a.DeltaValue)
	assert.InDelta(t, 1.0, *a.DeltaValue, 1e-12)
}

func TestActionWindowBounds(t *testing.T) {
	sink := &scriptedSink{specAt: func(tick int) map[string]any {
		return map[string]any{"Bias": float64(tick / 2)}
	}}
	cfg := stagedConfig("window")
	cfg.IntervalS = 5
	cfg.ActionWindowS = 2.5
	r := newTestRunner(t, sink, cfg, 3)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	store := openRunStore(t, summary.DBPath)
	actions, err := store.ListActions(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 10.0, actions[0].DtS)
	assert.Equal(t, 7.5, actions[0].WindowStartDtS)
	assert.Equal(t, 12.5, actions[0].WindowEndDtS)

	detail, err := store.ActionDetail(context.Background(), summary.RunID, 0, true)
	require.NoError(t, err)
	require.Len(t, detail.Window, 1)
	assert.EqualValues(t, 2, detail.Window[0].SampleIdx)
}

func TestBoolSpecChangeHasNoDelta(t *testing.T) {
	sink := &scriptedSink{specAt: func(tick int) map[string]any {
		return map[string]any{"Bias": tick > 0}
	}}
	r := newTestRunner(t, sink, stagedConfig("bool"), 2)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	store := openRunStore(t, summary.DBPath)
	actions, err := store.ListActions(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Nil(t, actions[0].DeltaValue)
	assert.Equal(t, false, actions[0].OldValue)
	assert.Equal(t, true, actions[0].NewValue)
}

func TestTickErrorsAreRecorded(t *testing.T) {
	sink := &scriptedSink{
		specAt:        func(int) map[string]any { return map[string]any{"Bias": 1} },
		failSignalsAt: 1,
	}
	r := newTestRunner(t, sink, stagedConfig("errors"), 3)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Errors)

	store := openRunStore(t, summary.DBPath)
	errs, err := store.ListMonitorErrors(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorSignalRead, errs[0].ErrorType)
	assert.Contains(t, errs[0].Message, "bridge timeout")

	samples, err := store.ListSignalSamples(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestInterruptedRunClearsRunName(t *testing.T) {
	sink := &scriptedSink{specAt: func(int) map[string]any { return map[string]any{"Bias": 1} }}
	r := newTestRunner(t, sink, stagedConfig("interrupted"), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	waits := 0
	r.Now = clock.Now
	r.Wait = func(ctx context.Context, d time.Duration) error {
		waits++
		if waits == 4 {
			cancel()
		}
		return clock.Wait(ctx, d)
	}

	summary, err := r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.EqualValues(t, 4, summary.Iterations)
	assert.Equal(t, StateInterrupted, r.State())

	staged, err := LoadStaged(r.StagedPath, Defaults())
	require.NoError(t, err)
	assert.Empty(t, staged.RunName)
}

func TestUnknownLabelFailsSetup(t *testing.T) {
	sim, err := instrument.NewSimulator([]instrument.ParameterSpec{
		{Name: "z_position_m", Label: "Z Position", ValueType: "float", Readable: true, Signal: true},
	})
	require.NoError(t, err)
	r := newTestRunner(t, sim, stagedConfig("unknown"), 1)

	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, instrument.ErrUnknownParameter)
	assert.Equal(t, StateFailed, r.State())

	staged, err := LoadStaged(r.StagedPath, Defaults())
	require.NoError(t, err)
	assert.Empty(t, staged.RunName)
}

func TestStagedConfigValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), StagedFileName)
	cases := []struct {
		field string
		edit  func(*Config)
	}{
		{"interval_s", func(c *Config) { c.IntervalS = 0 }},
		{"rotate_entries", func(c *Config) { c.RotateEntries = 0 }},
		{"action_window_s", func(c *Config) { c.ActionWindowS = -0.1 }},
		{"spec_labels", func(c *Config) { c.SpecLabels = []string{"Bias", "Bias"} }},
	}
	for _, tc := range cases {
		_, err := UpdateStaged(path, Defaults(), tc.edit)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr, tc.field)
		assert.Equal(t, tc.field, cfgErr.Field)
	}

	cfg, err := UpdateStaged(path, Defaults(), func(c *Config) {
		c.RunName = "  run-x "
		c.SignalLabels = []string{"Z Position", " "}
	})
	require.NoError(t, err)
	assert.Equal(t, "run-x", cfg.RunName)
	assert.Equal(t, []string{"Z Position"}, cfg.SignalLabels)
	assert.Equal(t, DefaultSpecLabels, cfg.SpecLabels)

	cleared, err := ClearRunName(path, Defaults())
	require.NoError(t, err)
	assert.Empty(t, cleared.RunName)
	assert.Equal(t, []string{"Z Position"}, cleared.SignalLabels)
}

func TestResetStagedRestoresDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), StagedFileName)
	_, err := UpdateStaged(path, Defaults(), func(c *Config) { c.IntervalS = 2 })
	require.NoError(t, err)

	require.NoError(t, ResetStaged(path))
	require.NoError(t, ResetStaged(path))
	cfg, err := LoadStaged(path, Defaults())
	require.NoError(t, err)
	assert.Equal(t, Defaults().IntervalS, cfg.IntervalS)
}

func TestListSignalsAndSpecs(t *testing.T) {
	sim, err := instrument.NewSimulator([]instrument.ParameterSpec{
		{Name: "z_position_m", Label: "Z Position", ValueType: "float", Readable: true, Signal: true},
		{Name: "bias_v", Label: "Bias", ValueType: "float", Readable: true, Writable: true},
		{Name: "hidden", Label: "Hidden", ValueType: "float", Writable: true},
	})
	require.NoError(t, err)

	signals, err := ListSignals(sim)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "Z Position", signals[0].Label)

	specs, err := ListSpecs(sim)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "Bias", specs[0].Label)

	_, err = ListSignals(&scriptedSink{})
	assert.Error(t, err)
}
