package policy

import (
	"math"
	"sync"
	"time"

	"guardline/internal/domain"
)

const (
	OpSet        = "set"
	OpRamp       = "ramp"
	OpRampFields = "ramp_fields"

	maxPlanSteps = 1_000_000
	sameValueTol = 1e-15
)

// Policy turns set requests into bounded plans. Limits are read from Rules
// on every call, so a Reload on the source applies to the next plan.
type Policy struct {
	Rules *Source
	Now   func() time.Time
	// Confirm is consulted for channels that require confirmation when the
	// request itself is not confirmed.
	Confirm func(channel string, current, target float64, reason string) bool

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

func New(rules *Source) *Policy {
	return &Policy{Rules: rules, Now: time.Now, lastWrite: map[string]time.Time{}}
}

// WriteRequest asks for one channel to end at Target. A zero Interval uses
// the channel's ramp interval.
type WriteRequest struct {
	Channel   string
	Target    float64
	Interval  time.Duration
	Confirmed bool
	Reason    string
}

// RampRequest asks for an explicit start/end/step ramp on one channel.
type RampRequest struct {
	Channel   string
	Start     float64
	End       float64
	Step      float64
	Interval  time.Duration
	Confirmed bool
	Reason    string
}

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Limits returns the current limits for channel.
func (p *Policy) Limits(channel string) (domain.ChannelLimits, bool) {
	lim, ok := p.Rules.Current().Limits[channel]
	return lim, ok
}

// RecordWrite starts the cooldown window of channel at the given time.
func (p *Policy) RecordWrite(channel string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastWrite == nil {
		p.lastWrite = map[string]time.Time{}
	}
	p.lastWrite[channel] = at
}

// Plan validates req against the channel limits and returns the step plan
// from current to the target. Plan does not mutate any state.
func (p *Policy) Plan(req WriteRequest, current float64) (domain.WritePlan, error) {
	if req.Channel == "" {
		return domain.WritePlan{}, violation(KindInvalidRequest, "", "channel is required")
	}
	if !finite(req.Target) || !finite(current) {
		return domain.WritePlan{}, violation(KindInvalidRequest, req.Channel, "target and current value must be finite numbers")
	}
	if req.Interval < 0 {
		return domain.WritePlan{}, violation(KindInvalidRequest, req.Channel, "interval must be non-negative")
	}
	rules := p.Rules.Current()
	lim, err := p.admit(rules, req.Channel, current, req.Target, req.Confirmed, req.Reason)
	if err != nil {
		return domain.WritePlan{}, err
	}

	steps, err := buildSteps(req.Channel, current, req.Target, lim.MaxStep)
	if err != nil {
		return domain.WritePlan{}, err
	}
	if len(steps) > 1 && !lim.RampEnabled {
		v := violation(KindRampDisabled, req.Channel,
			"move from %g to %g needs %d steps of max_step %g but ramping is disabled",
			current, req.Target, len(steps), *lim.MaxStep)
		v.Limit, v.Actual, v.Excess = *lim.MaxStep, math.Abs(req.Target-current), math.Abs(req.Target-current)-*lim.MaxStep
		return domain.WritePlan{}, v
	}

	requested := req.Interval
	if requested == 0 {
		requested = defaultInterval(rules, lim)
	}
	stepSize := maxDelta(current, steps)
	if lim.MaxStep != nil {
		stepSize = *lim.MaxStep
	}
	interval, raised := slewInterval(lim, stepSize, requested)

	return domain.WritePlan{
		Channel:            req.Channel,
		Operation:          OpSet,
		CurrentValue:       current,
		TargetValue:        req.Target,
		Steps:              steps,
		IntervalS:          interval.Seconds(),
		RequestedIntervalS: requested.Seconds(),
		IntervalRaised:     raised,
		DryRun:             rules.DryRun,
		Reason:             req.Reason,
	}, nil
}

// PlanRamp validates an explicit ramp. Every target, including the first
// move from current to Start, respects the range and max_step limits.
func (p *Policy) PlanRamp(req RampRequest, current float64) (domain.WritePlan, error) {
	if req.Channel == "" {
		return domain.WritePlan{}, violation(KindInvalidRequest, "", "channel is required")
	}
	if req.Interval < 0 {
		return domain.WritePlan{}, violation(KindInvalidRequest, req.Channel, "interval must be non-negative")
	}
	targets, err := RampTargets(req.Start, req.End, req.Step)
	if err != nil {
		return domain.WritePlan{}, violation(KindInvalidRequest, req.Channel, "%v", err)
	}
	rules := p.Rules.Current()
	lim, err := p.admit(rules, req.Channel, current, req.End, req.Confirmed, req.Reason)
	if err != nil {
		return domain.WritePlan{}, err
	}
	if !lim.RampEnabled {
		return domain.WritePlan{}, violation(KindRampDisabled, req.Channel, "ramping is disabled")
	}
	if math.Abs(current-req.Start) > sameValueTol && math.Abs(targets[0]-req.Start) > sameValueTol {
		targets = append([]float64{req.Start}, targets...)
	}
	prev := current
	for _, t := range targets {
		if err := checkRange(req.Channel, lim, t); err != nil {
			return domain.WritePlan{}, err
		}
		if err := checkStep(req.Channel, lim, prev, t); err != nil {
			return domain.WritePlan{}, err
		}
		prev = t
	}
	interval, raised := slewInterval(lim, maxDelta(current, targets), req.Interval)
	return domain.WritePlan{
		Channel:            req.Channel,
		Operation:          OpRamp,
		CurrentValue:       current,
		TargetValue:        req.End,
		Steps:              targets,
		IntervalS:          interval.Seconds(),
		RequestedIntervalS: req.Interval.Seconds(),
		IntervalRaised:     raised,
		DryRun:             rules.DryRun,
		Reason:             req.Reason,
	}, nil
}

// admit runs the checks shared by every write: writes enabled, limits
// present, range, cooldown and confirmation.
func (p *Policy) admit(rules Rules, channel string, current, target float64, confirmed bool, reason string) (domain.ChannelLimits, error) {
	if !rules.AllowWrites {
		return domain.ChannelLimits{}, violation(KindWritesDisabled, channel, "writes are disabled by policy (allow_writes=false)")
	}
	lim, ok := rules.Limits[channel]
	if !ok {
		return domain.ChannelLimits{}, violation(KindNoLimits, channel, "no channel limit configured")
	}
	if err := checkRange(channel, lim, target); err != nil {
		return lim, err
	}
	if err := p.checkCooldown(lim); err != nil {
		return lim, err
	}
	if lim.RequireConfirmation && !confirmed {
		if p.Confirm == nil || !p.Confirm(channel, current, target, reason) {
			return lim, violation(KindConfirmationRequired, channel, "requires confirmation before applying this write")
		}
	}
	return lim, nil
}

func (p *Policy) checkCooldown(lim domain.ChannelLimits) error {
	if lim.CooldownS == nil || *lim.CooldownS <= 0 {
		return nil
	}
	p.mu.Lock()
	last, ok := p.lastWrite[lim.Channel]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	elapsed := p.now().Sub(last).Seconds()
	if elapsed >= *lim.CooldownS {
		return nil
	}
	remaining := *lim.CooldownS - elapsed
	v := violation(KindCooldown, lim.Channel, "in cooldown for another %.3f s (cooldown %g s)", remaining, *lim.CooldownS)
	v.Limit, v.Actual, v.Excess = *lim.CooldownS, elapsed, remaining
	return v
}

func checkRange(channel string, lim domain.ChannelLimits, target float64) error {
	if lim.Min != nil && target < *lim.Min {
		return rangeViolation(channel, target, *lim.Min, false)
	}
	if lim.Max != nil && target > *lim.Max {
		return rangeViolation(channel, target, *lim.Max, true)
	}
	return nil
}

func checkStep(channel string, lim domain.ChannelLimits, from, to float64) error {
	if lim.MaxStep == nil {
		return nil
	}
	d := math.Abs(to - from)
	if d <= *lim.MaxStep*(1+1e-9) {
		return nil
	}
	v := violation(KindStep, channel, "step %g -> %g of %g exceeds max_step %g by %g", from, to, d, *lim.MaxStep, d-*lim.MaxStep)
	v.Limit, v.Actual, v.Excess = *lim.MaxStep, d, d-*lim.MaxStep
	return v
}

// buildSteps walks from current towards target in increments of exactly
// maxStep; the last step lands on target.
func buildSteps(channel string, current, target float64, maxStep *float64) ([]float64, error) {
	delta := target - current
	if delta == 0 || maxStep == nil || math.Abs(delta) <= *maxStep {
		return []float64{target}, nil
	}
	if *maxStep <= 0 {
		return nil, violation(KindInvalidRequest, channel, "max_step must be positive")
	}
	n := math.Ceil(math.Abs(delta)/(*maxStep) - 1e-9)
	if n < 1 {
		n = 1
	}
	if n > maxPlanSteps {
		return nil, violation(KindInvalidRequest, channel, "plan would need %.0f steps (limit %d)", n, maxPlanSteps)
	}
	sign := 1.0
	if delta < 0 {
		sign = -1.0
	}
	count := int(n)
	steps := make([]float64, 0, count)
	for i := 1; i < count; i++ {
		steps = append(steps, current+sign*float64(i)*(*maxStep))
	}
	return append(steps, target), nil
}

// slewInterval raises requested so that stepSize/interval does not exceed
// the channel slew rate.
func slewInterval(lim domain.ChannelLimits, stepSize float64, requested time.Duration) (time.Duration, bool) {
	if lim.MaxSlewPerSecond == nil || *lim.MaxSlewPerSecond <= 0 || stepSize <= 0 {
		return requested, false
	}
	minInterval := time.Duration(math.Ceil(stepSize / *lim.MaxSlewPerSecond * float64(time.Second)))
	if minInterval > requested {
		return minInterval, true
	}
	return requested, false
}

func defaultInterval(rules Rules, lim domain.ChannelLimits) time.Duration {
	if lim.RampIntervalS != nil && *lim.RampIntervalS > 0 {
		return seconds(*lim.RampIntervalS)
	}
	if rules.DefaultRampInterval > 0 {
		return rules.DefaultRampInterval
	}
	return DefaultRampInterval
}

func maxDelta(current float64, steps []float64) float64 {
	prev, out := current, 0.0
	for _, s := range steps {
		if d := math.Abs(s - prev); d > out {
			out = d
		}
		prev = s
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
