package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"guardline/internal/domain"
	"guardline/internal/instrument"
	"guardline/internal/policy"
)

func f(v float64) *float64 { return &v }

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Submit(t string, _ map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
	return true
}

func (r *recorder) count(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.types {
		if got == t {
			n++
		}
	}
	return n
}

type testEngine struct {
	*Engine
	sim    *instrument.Simulator
	events *recorder
	waits  []time.Duration
	clock  time.Time
}

func newTestEngine(t *testing.T, rules policy.Rules) *testEngine {
	t.Helper()
	sim, err := instrument.NewSimulator([]instrument.ParameterSpec{
		{Name: "bias_v", Label: "Bias", ValueType: "float", Readable: true, Writable: true, Initial: 0.0},
		{Name: "frame_x", Label: "Scan Frame Center X", ValueType: "float", Readable: true, Writable: true, Command: "Scan.FrameSet"},
		{Name: "frame_y", Label: "Scan Frame Center Y", ValueType: "float", Readable: true, Writable: true, Command: "Scan.FrameSet", Initial: 5.0},
	})
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	te := &testEngine{sim: sim, events: &recorder{}, clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	pol := policy.New(policy.NewSource(rules))
	pol.Now = func() time.Time { return te.clock }
	te.Engine = New(sim, pol, te.events)
	te.Now = func() time.Time { return te.clock }
	te.Wait = func(ctx context.Context, d time.Duration) error {
		te.waits = append(te.waits, d)
		te.clock = te.clock.Add(d)
		return ctx.Err()
	}
	return te
}

func biasRules() policy.Rules {
	return policy.Rules{AllowWrites: true, Limits: map[string]domain.ChannelLimits{
		"bias_v": {Channel: "bias_v", Min: f(-2), Max: f(2), MaxStep: f(0.3), RampIntervalS: f(0.05), RampEnabled: true},
	}}
}

func TestSetExecutesEveryStep(t *testing.T) {
	te := newTestEngine(t, biasRules())
	ctx := context.Background()

	plan, report, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 1}, false)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(plan.Steps) != 4 || report.AppliedSteps != 4 || report.Failed {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(te.waits) != 3 {
		t.Fatalf("expected 3 waits between 4 steps, got %v", te.waits)
	}
	for _, w := range te.waits {
		if w != 50*time.Millisecond {
			t.Fatalf("expected 50ms interval, got %v", w)
		}
	}
	vals, _ := te.sim.Read(ctx, []string{"bias_v"})
	if vals["bias_v"] != 1.0 {
		t.Fatalf("expected bias 1.0, got %v", vals["bias_v"])
	}
	entries := te.Audit.Query(AuditFilter{Channel: "bias_v"})
	if len(entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Outcome != domain.OutcomeExecuted || e.StepIndex != i {
			t.Fatalf("entry %d: %+v", i, e)
		}
	}
	if got := te.events.count(EventWriteAudit); got != 4 {
		t.Fatalf("expected 4 audit events, got %d", got)
	}
}

func TestDryRunDoesNotWrite(t *testing.T) {
	rules := biasRules()
	rules.DryRun = true
	te := newTestEngine(t, rules)
	ctx := context.Background()

	_, report, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 0.5}, false)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !report.DryRun || report.AppliedSteps != 0 || len(report.Entries) != 2 {
		t.Fatalf("unexpected dry run report %+v", report)
	}
	for _, e := range report.Entries {
		if e.Outcome != domain.OutcomeAllowed || !e.DryRun {
			t.Fatalf("unexpected dry run entry %+v", e)
		}
	}
	if len(te.waits) != 0 {
		t.Fatalf("dry run must not wait, got %v", te.waits)
	}
	vals, _ := te.sim.Read(ctx, []string{"bias_v"})
	if vals["bias_v"] != 0.0 {
		t.Fatalf("dry run changed the instrument: %v", vals["bias_v"])
	}
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	te := newTestEngine(t, biasRules())
	writes := 0
	te.sim.Fail = func(op, key string) error {
		if op != "write" {
			return nil
		}
		writes++
		if writes == 3 {
			return errors.New("instrument timeout")
		}
		return nil
	}
	ctx := context.Background()

	_, report, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 1}, false)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if execErr.CompletedSteps != 2 || execErr.AttemptedSteps != 4 {
		t.Fatalf("unexpected execution error %+v", execErr)
	}
	if len(report.Entries) != 3 || report.Entries[2].Outcome != domain.OutcomeFailed {
		t.Fatalf("unexpected entries %+v", report.Entries)
	}
	vals, _ := te.sim.Read(ctx, []string{"bias_v"})
	if got := vals["bias_v"].(float64); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("expected bias to stay at the last applied step 0.6, got %v", got)
	}
}

func TestExecuteCancelledMidPlan(t *testing.T) {
	te := newTestEngine(t, biasRules())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	te.Wait = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, report, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 1}, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.AppliedSteps != 1 {
		t.Fatalf("expected one applied step, got %d", report.AppliedSteps)
	}
	if got := te.Audit.Len(); got != 2 {
		t.Fatalf("expected executed and failed entries to be flushed, got %d", got)
	}
}

func TestBlockedRequestsAreAudited(t *testing.T) {
	te := newTestEngine(t, biasRules())
	ctx := context.Background()

	if _, _, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 3}, false); !policy.IsViolation(err, policy.KindRange) {
		t.Fatalf("expected range violation, got %v", err)
	}
	if _, _, err := te.Set(ctx, policy.WriteRequest{Channel: "frame_x", Target: 1}, false); !policy.IsViolation(err, policy.KindNoLimits) {
		t.Fatalf("expected no limits violation, got %v", err)
	}
	blocked := te.Audit.Query(AuditFilter{Outcome: domain.OutcomeBlocked})
	if len(blocked) != 2 {
		t.Fatalf("expected 2 blocked entries, got %+v", blocked)
	}
	if blocked[0].RequestedValue == nil || *blocked[0].RequestedValue != 3 {
		t.Fatalf("blocked entry lost requested value: %+v", blocked[0])
	}
	vals, _ := te.sim.Read(ctx, []string{"bias_v"})
	if vals["bias_v"] != 0.0 {
		t.Fatalf("blocked write reached the instrument: %v", vals["bias_v"])
	}
}

func TestCooldownAfterExecution(t *testing.T) {
	rules := biasRules()
	lim := rules.Limits["bias_v"]
	lim.CooldownS = f(10)
	rules.Limits["bias_v"] = lim
	te := newTestEngine(t, rules)
	ctx := context.Background()

	if _, _, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 0.2}, false); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if _, _, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 0.1}, false); !policy.IsViolation(err, policy.KindCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	te.clock = te.clock.Add(11 * time.Second)
	if _, _, err := te.Set(ctx, policy.WriteRequest{Channel: "bias_v", Target: 0.1}, false); err != nil {
		t.Fatalf("set after cooldown: %v", err)
	}
}

func TestRampFieldsWritesFullVector(t *testing.T) {
	rules := policy.Rules{AllowWrites: true, Limits: map[string]domain.ChannelLimits{
		"frame_x": {Channel: "frame_x", Min: f(-10), Max: f(10), MaxStep: f(1), RampEnabled: true},
	}}
	te := newTestEngine(t, rules)
	ctx := context.Background()

	ramps := []policy.FieldRamp{{Field: "frame_x", Start: 0, End: 2, Step: 1, Interval: 100 * time.Millisecond}}
	sched, report, err := te.RampFields(ctx, "Scan.FrameSet", ramps, nil, false, false)
	if err != nil {
		t.Fatalf("ramp fields: %v", err)
	}
	if len(sched.Ticks) != 3 || report.AppliedTicks != 3 {
		t.Fatalf("unexpected schedule %+v report %+v", sched, report)
	}
	for _, tick := range sched.Ticks {
		if tick.Values["frame_y"] != 5 {
			t.Fatalf("tick lost carried field: %+v", tick)
		}
	}
	vals, _ := te.sim.Read(ctx, []string{"frame_x", "frame_y"})
	if vals["frame_x"] != 2.0 || vals["frame_y"] != 5.0 {
		t.Fatalf("unexpected final vector %v", vals)
	}
	if len(te.waits) != 3 || te.waits[0] != 0 || te.waits[1] != 100*time.Millisecond {
		t.Fatalf("unexpected waits %v", te.waits)
	}
}

func TestCapabilitiesJoinCatalogAndLimits(t *testing.T) {
	rules := biasRules()
	rules.Limits["frame_x"] = domain.ChannelLimits{Channel: "frame_x", Min: f(-1), Max: f(1), RequireConfirmation: true}
	rules.Limits["tip_pulse_v"] = domain.ChannelLimits{Channel: "tip_pulse_v", RampEnabled: true}
	te := newTestEngine(t, rules)

	caps := te.Capabilities()
	if len(caps) != 4 {
		t.Fatalf("expected 4 capabilities, got %+v", caps)
	}
	byName := map[string]Capability{}
	for _, c := range caps {
		byName[c.Name] = c
	}
	if c := byName["bias_v"]; !c.Guarded || !c.RampEnabled || c.Limits == nil || *c.Limits.Max != 2 {
		t.Fatalf("bias_v capability %+v", c)
	}
	if c := byName["frame_x"]; !c.Guarded || c.RampEnabled || !c.RequireConfirmation || c.Command != "Scan.FrameSet" {
		t.Fatalf("frame_x capability %+v", c)
	}
	if c := byName["frame_y"]; c.Guarded || c.Limits != nil || !c.Writable {
		t.Fatalf("frame_y should be writable without limits: %+v", c)
	}
	if c := byName["tip_pulse_v"]; !c.Guarded || c.Readable || caps[3].Name != "tip_pulse_v" {
		t.Fatalf("limited channel outside the catalog should come last: %+v", caps)
	}
}
