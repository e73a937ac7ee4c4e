package policy

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"guardline/internal/domain"
)

func f(v float64) *float64 { return &v }

func newTestPolicy(limits map[string]domain.ChannelLimits) *Policy {
	p := New(NewSource(Rules{AllowWrites: true, Limits: limits}))
	p.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPlanRampsInMaxStepIncrements(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"bias": {Min: f(-2), Max: f(2), MaxStep: f(0.3), RampEnabled: true},
	})
	plan, err := p.Plan(WriteRequest{Channel: "bias", Target: 1}, 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []float64{0.3, 0.6, 0.9, 1.0}
	if len(plan.Steps) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), plan.Steps)
	}
	for i := range want {
		if !almostEqual(plan.Steps[i], want[i]) {
			t.Fatalf("step %d: expected %v, got %v", i, want[i], plan.Steps[i])
		}
	}
	if plan.Steps[len(plan.Steps)-1] != 1.0 {
		t.Fatalf("final step must equal target exactly, got %v", plan.Steps[len(plan.Steps)-1])
	}
}

func TestPlanStepBoundHolds(t *testing.T) {
	cases := []struct {
		current, target, maxStep float64
	}{
		{0, 1, 0.3},
		{1, 0, 0.3},
		{-4.5, 4.9, 0.05},
		{0.1, 0.1000001, 0.05},
		{2, -3, 1},
		{0, 1e-9, 5e-12},
	}
	for _, tc := range cases {
		p := newTestPolicy(map[string]domain.ChannelLimits{
			"ch": {MaxStep: f(tc.maxStep), RampEnabled: true},
		})
		plan, err := p.Plan(WriteRequest{Channel: "ch", Target: tc.target}, tc.current)
		if err != nil {
			t.Fatalf("plan %+v: %v", tc, err)
		}
		if len(plan.Steps) == 0 {
			t.Fatalf("plan %+v has no steps", tc)
		}
		if got := plan.Steps[len(plan.Steps)-1]; got != tc.target {
			t.Fatalf("plan %+v final step %v", tc, got)
		}
		prev := tc.current
		for i, s := range plan.Steps {
			if d := math.Abs(s - prev); d > tc.maxStep*(1+1e-9) {
				t.Fatalf("plan %+v step %d moves %v > %v", tc, i, d, tc.maxStep)
			}
			if (tc.target-tc.current)*(s-prev) < 0 {
				t.Fatalf("plan %+v step %d moves away from target", tc, i)
			}
			prev = s
		}
	}
}

func TestPlanRejectsOutOfRange(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"bias": {Min: f(-10), Max: f(10), MaxStep: f(1), RampEnabled: true},
	})
	_, err := p.Plan(WriteRequest{Channel: "bias", Target: 12}, 0)
	if !IsViolation(err, KindRange) {
		t.Fatalf("expected range violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "exceeds max 10 by 2") {
		t.Fatalf("message should name the bound and excess: %v", err)
	}
	_, err = p.Plan(WriteRequest{Channel: "bias", Target: -10.5}, 0)
	if !IsViolation(err, KindRange) || !strings.Contains(err.Error(), "below min -10 by 0.5") {
		t.Fatalf("expected min violation, got %v", err)
	}
}

func TestPlanRejectsMultiStepWhenRampDisabled(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"bias": {MaxStep: f(0.1), RampEnabled: false},
	})
	if _, err := p.Plan(WriteRequest{Channel: "bias", Target: 0.05}, 0); err != nil {
		t.Fatalf("single step should pass: %v", err)
	}
	_, err := p.Plan(WriteRequest{Channel: "bias", Target: 0.5}, 0)
	if !IsViolation(err, KindRampDisabled) {
		t.Fatalf("expected ramp disabled, got %v", err)
	}
}

func TestPlanCooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"bias": {CooldownS: f(1)},
	})
	p.Now = func() time.Time { return now }
	p.RecordWrite("bias", now.Add(-400*time.Millisecond))
	_, err := p.Plan(WriteRequest{Channel: "bias", Target: 1}, 0)
	if !IsViolation(err, KindCooldown) {
		t.Fatalf("expected cooldown violation, got %v", err)
	}
	if !strings.Contains(err.Error(), "0.600 s") {
		t.Fatalf("cooldown message should state remaining time: %v", err)
	}
	p.RecordWrite("bias", now.Add(-2*time.Second))
	if _, err := p.Plan(WriteRequest{Channel: "bias", Target: 1}, 0); err != nil {
		t.Fatalf("cooldown elapsed: %v", err)
	}
}

func TestPlanSlewRaisesInterval(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"bias": {MaxStep: f(0.1), MaxSlewPerSecond: f(0.5), RampEnabled: true},
	})
	plan, err := p.Plan(WriteRequest{Channel: "bias", Target: 0.3, Interval: 50 * time.Millisecond}, 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.IntervalRaised {
		t.Fatalf("expected interval to be raised")
	}
	if plan.IntervalS < 0.2 {
		t.Fatalf("interval %v below max_step/max_slew", plan.IntervalS)
	}
	if !almostEqual(plan.RequestedIntervalS, 0.05) {
		t.Fatalf("requested interval should be reported, got %v", plan.RequestedIntervalS)
	}

	plan, err = p.Plan(WriteRequest{Channel: "bias", Target: 0.3, Interval: time.Second}, 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.IntervalRaised || !almostEqual(plan.IntervalS, 1) {
		t.Fatalf("slow enough interval should be kept, got %+v", plan)
	}
}

func TestPlanUnconstrainedChannel(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{"free": {}})
	plan, err := p.Plan(WriteRequest{Channel: "free", Target: 1e6}, -1e6)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0] != 1e6 {
		t.Fatalf("expected single step, got %v", plan.Steps)
	}
}

func TestPlanIsIdempotent(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"bias": {Min: f(-5), Max: f(5), MaxStep: f(0.05), MaxSlewPerSecond: f(1), CooldownS: f(0.5), RampEnabled: true},
	})
	a, err := p.Plan(WriteRequest{Channel: "bias", Target: 0.42, Reason: "same"}, 0.1)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	b, err := p.Plan(WriteRequest{Channel: "bias", Target: 0.42, Reason: "same"}, 0.1)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("plans differ:\n%+v\n%+v", a, b)
	}
}

func TestPlanGates(t *testing.T) {
	src := NewSource(Rules{AllowWrites: false, Limits: map[string]domain.ChannelLimits{"bias": {}}})
	p := New(src)
	if _, err := p.Plan(WriteRequest{Channel: "bias", Target: 1}, 0); !IsViolation(err, KindWritesDisabled) {
		t.Fatalf("expected writes disabled, got %v", err)
	}

	src.Reload(Rules{AllowWrites: true, Limits: map[string]domain.ChannelLimits{
		"bias":  {},
		"guard": {RequireConfirmation: true},
	}})
	if _, err := p.Plan(WriteRequest{Channel: "other", Target: 1}, 0); !IsViolation(err, KindNoLimits) {
		t.Fatalf("expected no limits, got %v", err)
	}
	if _, err := p.Plan(WriteRequest{Channel: "guard", Target: 1}, 0); !IsViolation(err, KindConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}
	if _, err := p.Plan(WriteRequest{Channel: "guard", Target: 1, Confirmed: true}, 0); err != nil {
		t.Fatalf("confirmed write: %v", err)
	}
	p.Confirm = func(channel string, current, target float64, reason string) bool { return reason == "ok" }
	if _, err := p.Plan(WriteRequest{Channel: "guard", Target: 1, Reason: "ok"}, 0); err != nil {
		t.Fatalf("hook-approved write: %v", err)
	}
	if _, err := p.Plan(WriteRequest{Channel: "bias", Target: math.NaN()}, 0); !IsViolation(err, KindInvalidRequest) {
		t.Fatalf("expected invalid request for NaN, got %v", err)
	}
}

func TestReloadAppliesToNextPlan(t *testing.T) {
	src := NewSource(Rules{AllowWrites: true, Limits: map[string]domain.ChannelLimits{
		"bias": {Max: f(10)},
	}})
	p := New(src)
	if _, err := p.Plan(WriteRequest{Channel: "bias", Target: 8}, 0); err != nil {
		t.Fatalf("plan: %v", err)
	}
	src.Reload(Rules{AllowWrites: true, Limits: map[string]domain.ChannelLimits{
		"bias": {Max: f(5)},
	}})
	if _, err := p.Plan(WriteRequest{Channel: "bias", Target: 8}, 0); !IsViolation(err, KindRange) {
		t.Fatalf("expected new max to apply, got %v", err)
	}
}

func TestPlanRamp(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"bias": {Min: f(-1), Max: f(1), MaxStep: f(0.15), RampEnabled: true},
	})
	plan, err := p.PlanRamp(RampRequest{Channel: "bias", Start: 0.1, End: 0.3, Step: 0.1, Interval: 100 * time.Millisecond}, 0)
	if err != nil {
		t.Fatalf("plan ramp: %v", err)
	}
	want := []float64{0.1, 0.2, 0.3}
	if len(plan.Steps) != len(want) {
		t.Fatalf("expected %v, got %v", want, plan.Steps)
	}
	for i := range want {
		if !almostEqual(plan.Steps[i], want[i]) {
			t.Fatalf("step %d: expected %v, got %v", i, want[i], plan.Steps[i])
		}
	}

	_, err = p.PlanRamp(RampRequest{Channel: "bias", Start: 0.5, End: 0.6, Step: 0.1}, 0)
	if !IsViolation(err, KindStep) {
		t.Fatalf("jump to start beyond max_step should be rejected, got %v", err)
	}
	_, err = p.PlanRamp(RampRequest{Channel: "bias", Start: 0, End: 0.6, Step: 0.2}, 0)
	if !IsViolation(err, KindStep) {
		t.Fatalf("ramp step above max_step should be rejected, got %v", err)
	}
}

func TestRampTargets(t *testing.T) {
	got, err := RampTargets(1, 0, 0.25)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	want := []float64{1, 0.75, 0.5, 0.25, 0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if got, _ := RampTargets(0.2, 0.2, 0.1); len(got) != 1 || got[0] != 0.2 {
		t.Fatalf("equal start and end should give one target, got %v", got)
	}
	if _, err := RampTargets(0, 1, 0); err == nil {
		t.Fatalf("expected error for zero step")
	}
}

func TestMergeScheduleCarriesFullVector(t *testing.T) {
	sched, err := MergeSchedule("scan_frame", []FieldRamp{
		{Field: "a", Start: 0, End: 2, Step: 1, Interval: 100 * time.Millisecond},
		{Field: "b", Start: 0, End: 1, Step: 1, Interval: 150 * time.Millisecond},
	}, map[string]float64{"c": 5})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := []Tick{
		{Offset: 0, Values: map[string]float64{"a": 0, "b": 0, "c": 5}},
		{Offset: 100 * time.Millisecond, Values: map[string]float64{"a": 1, "b": 0, "c": 5}},
		{Offset: 150 * time.Millisecond, Values: map[string]float64{"a": 1, "b": 1, "c": 5}},
		{Offset: 200 * time.Millisecond, Values: map[string]float64{"a": 2, "b": 1, "c": 5}},
	}
	if !reflect.DeepEqual(sched.Ticks, want) {
		t.Fatalf("unexpected ticks:\n%+v", sched.Ticks)
	}
	if !reflect.DeepEqual(sched.Fields, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected field order %v", sched.Fields)
	}
}

func TestPlanFieldsChecksEachField(t *testing.T) {
	p := newTestPolicy(map[string]domain.ChannelLimits{
		"x": {Min: f(0), Max: f(10), MaxStep: f(1), RampEnabled: true},
		"y": {Min: f(0), Max: f(3), MaxStep: f(1), RampEnabled: true},
	})
	current := map[string]float64{"x": 0, "y": 0, "angle": 45}
	sched, err := p.PlanFields("frame", []FieldRamp{
		{Field: "x", Start: 0, End: 2, Step: 1, Interval: 10 * time.Millisecond},
	}, nil, current, false)
	if err != nil {
		t.Fatalf("plan fields: %v", err)
	}
	last := sched.Ticks[len(sched.Ticks)-1]
	if last.Values["x"] != 2 || last.Values["y"] != 0 || last.Values["angle"] != 45 {
		t.Fatalf("carried values missing: %+v", last.Values)
	}
	_, err = p.PlanFields("frame", []FieldRamp{
		{Field: "y", Start: 0, End: 5, Step: 1, Interval: 10 * time.Millisecond},
	}, nil, current, false)
	if !IsViolation(err, KindRange) {
		t.Fatalf("expected range violation on y, got %v", err)
	}
}
