package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/instrument"
	"guardline/internal/policy"
)

const EventWriteAudit = "write_audit"

// Engine is the guarded write path: every write is planned by the policy,
// executed step by step against the sink and recorded in the audit log.
type Engine struct {
	Sink   instrument.CommandSink
	Policy *policy.Policy
	Audit  *AuditLog
	Events events.Submitter
	Now    func() time.Time
	// Wait pauses between steps; it must return early when ctx is done.
	Wait func(ctx context.Context, d time.Duration) error
	// OnAudit observes every recorded entry.
	OnAudit func(domain.AuditEntry)
	Logger  *slog.Logger

	mu sync.Mutex
}

// New wires an engine with an unbounded audit log.
func New(sink instrument.CommandSink, pol *policy.Policy, sub events.Submitter) *Engine {
	if sub == nil {
		sub = events.Discard{}
	}
	return &Engine{
		Sink:   sink,
		Policy: pol,
		Audit:  NewAuditLog(0),
		Events: sub,
		Now:    time.Now,
		Wait:   WaitContext,
	}
}

// ExecutionReport summarises one executed plan.
type ExecutionReport struct {
	Channel        string              `json:"channel"`
	Operation      string              `json:"operation"`
	DryRun         bool                `json:"dry_run"`
	AttemptedSteps int                 `json:"attempted_steps"`
	AppliedSteps   int                 `json:"applied_steps"`
	InitialValue   float64             `json:"initial_value"`
	TargetValue    float64             `json:"target_value"`
	FinalValue     float64             `json:"final_value"`
	IntervalS      float64             `json:"interval_s"`
	Failed         bool                `json:"failed"`
	Error          string              `json:"error,omitempty"`
	Entries        []domain.AuditEntry `json:"entries"`
}

// ExecutionError reports a plan that stopped part way. Steps before
// CompletedSteps were applied.
type ExecutionError struct {
	Channel        string
	CompletedSteps int
	AttemptedSteps int
	Err            error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("channel %q: execution stopped after %d of %d steps: %v", e.Channel, e.CompletedSteps, e.AttemptedSteps, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// WaitContext sleeps for d or until ctx is done.
func WaitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if e.Wait != nil {
		return e.Wait(ctx, d)
	}
	return WaitContext(ctx, d)
}

// CurrentValue reads the numeric value of channel from the sink.
func (e *Engine) CurrentValue(ctx context.Context, channel string) (float64, error) {
	vals, err := e.Sink.Read(ctx, []string{channel})
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", channel, err)
	}
	v, ok := vals[channel]
	if !ok {
		return 0, fmt.Errorf("read %s: no value returned", channel)
	}
	f, ok := instrument.AsNumber(v)
	if !ok {
		return 0, fmt.Errorf("read %s: value %v is not numeric", channel, v)
	}
	return f, nil
}

// PlanWrite reads the channel's current value and plans a write to the
// target. Rejected requests are recorded as blocked.
func (e *Engine) PlanWrite(ctx context.Context, req policy.WriteRequest) (domain.WritePlan, error) {
	current, err := e.CurrentValue(ctx, req.Channel)
	if err != nil {
		e.block(req.Channel, policy.OpSet, req.Target, err)
		return domain.WritePlan{}, err
	}
	plan, err := e.Policy.Plan(req, current)
	if err != nil {
		e.block(req.Channel, policy.OpSet, req.Target, err)
		return domain.WritePlan{}, err
	}
	return plan, nil
}

// PlanRamp plans an explicit start/end/step ramp.
func (e *Engine) PlanRamp(ctx context.Context, req policy.RampRequest) (domain.WritePlan, error) {
	current, err := e.CurrentValue(ctx, req.Channel)
	if err != nil {
		e.block(req.Channel, policy.OpRamp, req.End, err)
		return domain.WritePlan{}, err
	}
	plan, err := e.Policy.PlanRamp(req, current)
	if err != nil {
		e.block(req.Channel, policy.OpRamp, req.End, err)
		return domain.WritePlan{}, err
	}
	return plan, nil
}

// Set plans and executes a write.
func (e *Engine) Set(ctx context.Context, req policy.WriteRequest, dryRun bool) (domain.WritePlan, ExecutionReport, error) {
	plan, err := e.PlanWrite(ctx, req)
	if err != nil {
		return plan, ExecutionReport{}, err
	}
	report, err := e.Execute(ctx, plan, dryRun)
	return plan, report, err
}

// Ramp plans and executes an explicit ramp.
func (e *Engine) Ramp(ctx context.Context, req policy.RampRequest, dryRun bool) (domain.WritePlan, ExecutionReport, error) {
	plan, err := e.PlanRamp(ctx, req)
	if err != nil {
		return plan, ExecutionReport{}, err
	}
	report, err := e.Execute(ctx, plan, dryRun)
	return plan, report, err
}

// Execute sends each step of plan to the sink, waiting the plan interval
// between steps. A dry run records allowed entries without touching the
// sink. The first failing step stops execution; entries recorded so far stay
// in the audit log.
func (e *Engine) Execute(ctx context.Context, plan domain.WritePlan, dryRun bool) (ExecutionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dry := dryRun || plan.DryRun
	op := plan.Operation
	if op == "" {
		op = policy.OpSet
	}
	report := ExecutionReport{
		Channel:        plan.Channel,
		Operation:      op,
		DryRun:         dry,
		AttemptedSteps: len(plan.Steps),
		InitialValue:   plan.CurrentValue,
		TargetValue:    plan.TargetValue,
		FinalValue:     plan.CurrentValue,
		IntervalS:      plan.IntervalS,
	}
	if len(plan.Steps) == 0 {
		return report, &ExecutionError{Channel: plan.Channel, Err: errors.New("plan has no steps")}
	}
	interval := time.Duration(plan.IntervalS * float64(time.Second))

	for i, step := range plan.Steps {
		value := step
		entry := domain.AuditEntry{
			Channel:        plan.Channel,
			Operation:      op,
			StepIndex:      i,
			RequestedValue: &value,
			DryRun:         dry,
			Reason:         plan.Reason,
		}
		if dry {
			entry.Outcome = domain.OutcomeAllowed
			report.Entries = append(report.Entries, e.record(entry))
			report.FinalValue = step
			continue
		}
		var err error
		if i > 0 {
			err = e.wait(ctx, interval)
		} else {
			err = ctx.Err()
		}
		if err == nil {
			err = e.Sink.Write(ctx, plan.Channel, step)
		}
		if err != nil {
			entry.Outcome = domain.OutcomeFailed
			entry.Reason = err.Error()
			report.Entries = append(report.Entries, e.record(entry))
			report.Failed = true
			report.Error = err.Error()
			if report.AppliedSteps > 0 {
				e.Policy.RecordWrite(plan.Channel, e.now())
			}
			e.logger().Warn("write step failed", "channel", plan.Channel, "step", i, "value", step, "error", err)
			return report, &ExecutionError{Channel: plan.Channel, CompletedSteps: report.AppliedSteps, AttemptedSteps: len(plan.Steps), Err: err}
		}
		entry.Outcome = domain.OutcomeExecuted
		report.Entries = append(report.Entries, e.record(entry))
		report.AppliedSteps++
		report.FinalValue = step
	}
	if !dry {
		e.Policy.RecordWrite(plan.Channel, e.now())
	}
	return report, nil
}

// PlanFields plans a multi-field ramp of command. Fields of the command that
// are not ramped or fixed are carried forward from their current values.
func (e *Engine) PlanFields(ctx context.Context, command string, ramps []policy.FieldRamp, fixed map[string]float64, confirmed bool) (policy.Schedule, error) {
	current, err := e.commandValues(ctx, command, ramps)
	if err == nil {
		var sched policy.Schedule
		if sched, err = e.Policy.PlanFields(command, ramps, fixed, current, confirmed); err == nil {
			return sched, nil
		}
	}
	e.record(domain.AuditEntry{Channel: command, Operation: policy.OpRampFields, Outcome: domain.OutcomeBlocked, Reason: err.Error()})
	return policy.Schedule{}, err
}

func (e *Engine) commandValues(ctx context.Context, command string, ramps []policy.FieldRamp) (map[string]float64, error) {
	keys := map[string]bool{}
	for _, r := range ramps {
		keys[r.Field] = true
	}
	if cat, ok := e.Sink.(instrument.Catalog); ok {
		for _, p := range cat.Parameters() {
			if p.Command == command && p.Readable {
				keys[p.Name] = true
			}
		}
	}
	labels := make([]string, 0, len(keys))
	for k := range keys {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	vals, err := e.Sink.Read(ctx, labels)
	if err != nil {
		return nil, fmt.Errorf("read %s fields: %w", command, err)
	}
	out := make(map[string]float64, len(vals))
	for k, v := range vals {
		if f, ok := instrument.AsNumber(v); ok {
			out[k] = f
		}
	}
	return out, nil
}

// ScheduleReport summarises one executed multi-field schedule.
type ScheduleReport struct {
	Command      string              `json:"command"`
	DryRun       bool                `json:"dry_run"`
	Ticks        int                 `json:"ticks"`
	AppliedTicks int                 `json:"applied_ticks"`
	Failed       bool                `json:"failed"`
	Error        string              `json:"error,omitempty"`
	Entries      []domain.AuditEntry `json:"entries"`
}

// ExecuteSchedule emits the full argument vector of every tick through the
// sink's vector write.
func (e *Engine) ExecuteSchedule(ctx context.Context, sched policy.Schedule, dryRun bool) (ScheduleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dry := dryRun || sched.DryRun
	report := ScheduleReport{Command: sched.Command, DryRun: dry, Ticks: len(sched.Ticks)}
	vs, ok := e.Sink.(instrument.VectorSink)
	if !ok && !dry {
		return report, errors.New("sink does not support multi-field writes")
	}
	var prev time.Duration
	for i, tick := range sched.Ticks {
		entry := domain.AuditEntry{
			Channel:   sched.Command,
			Operation: policy.OpRampFields,
			StepIndex: i,
			Values:    tick.Values,
			DryRun:    dry,
		}
		if dry {
			entry.Outcome = domain.OutcomeAllowed
			report.Entries = append(report.Entries, e.record(entry))
			continue
		}
		err := e.wait(ctx, tick.Offset-prev)
		prev = tick.Offset
		if err == nil {
			err = vs.WriteFields(ctx, sched.Command, tick.Values)
		}
		if err != nil {
			entry.Outcome = domain.OutcomeFailed
			entry.Reason = err.Error()
			report.Entries = append(report.Entries, e.record(entry))
			report.Failed = true
			report.Error = err.Error()
			return report, &ExecutionError{Channel: sched.Command, CompletedSteps: report.AppliedTicks, AttemptedSteps: len(sched.Ticks), Err: err}
		}
		entry.Outcome = domain.OutcomeExecuted
		report.Entries = append(report.Entries, e.record(entry))
		report.AppliedTicks++
	}
	if !dry {
		at := e.now()
		for _, r := range sched.Ramps {
			e.Policy.RecordWrite(r.Field, at)
		}
	}
	return report, nil
}

// RampFields plans and executes a multi-field ramp.
func (e *Engine) RampFields(ctx context.Context, command string, ramps []policy.FieldRamp, fixed map[string]float64, confirmed, dryRun bool) (policy.Schedule, ScheduleReport, error) {
	sched, err := e.PlanFields(ctx, command, ramps, fixed, confirmed)
	if err != nil {
		return sched, ScheduleReport{}, err
	}
	report, err := e.ExecuteSchedule(ctx, sched, dryRun)
	return sched, report, err
}

func (e *Engine) block(channel, op string, target float64, err error) {
	value := target
	e.record(domain.AuditEntry{
		Channel:        channel,
		Operation:      op,
		RequestedValue: &value,
		Outcome:        domain.OutcomeBlocked,
		Reason:         err.Error(),
		DryRun:         e.Policy.Rules.Current().DryRun,
	})
}

// record stamps, stores and publishes an audit entry. Publishing never
// blocks the write path.
func (e *Engine) record(entry domain.AuditEntry) domain.AuditEntry {
	at := e.now()
	entry.Timestamp = at.UTC().Format(time.RFC3339Nano)
	if e.Audit != nil {
		e.Audit.Append(at, entry)
	}
	if e.Events != nil {
		payload := map[string]any{
			"channel":    entry.Channel,
			"operation":  entry.Operation,
			"step_index": entry.StepIndex,
			"outcome":    entry.Outcome,
			"dry_run":    entry.DryRun,
		}
		if entry.RequestedValue != nil {
			payload["requested_value"] = *entry.RequestedValue
		}
		if entry.Values != nil {
			payload["values"] = entry.Values
		}
		if entry.Reason != "" {
			payload["reason"] = entry.Reason
		}
		e.Events.Submit(EventWriteAudit, payload)
	}
	if e.OnAudit != nil {
		e.OnAudit(entry)
	}
	return entry
}
