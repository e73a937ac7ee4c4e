package policy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// RampTargets returns start, start+step, ... up to and including end.
func RampTargets(start, end, step float64) ([]float64, error) {
	if !finite(start) || !finite(end) || !finite(step) {
		return nil, errors.New("start, end and step must be finite numbers")
	}
	if step <= 0 {
		return nil, errors.New("step must be positive")
	}
	if math.Abs(end-start) <= sameValueTol {
		return []float64{end}, nil
	}
	n := math.Ceil(math.Abs(end-start)/step - 1e-9)
	if n > maxPlanSteps {
		return nil, fmt.Errorf("ramp would need %.0f targets (limit %d)", n, maxPlanSteps)
	}
	sign := 1.0
	if end < start {
		sign = -1.0
	}
	count := int(n)
	out := make([]float64, 0, count+1)
	for i := 0; i < count; i++ {
		out = append(out, start+sign*float64(i)*step)
	}
	return append(out, end), nil
}

// FieldRamp ramps one argument of a multi-field command.
type FieldRamp struct {
	Field    string        `json:"field"`
	Start    float64       `json:"start"`
	End      float64       `json:"end"`
	Step     float64       `json:"step"`
	Interval time.Duration `json:"interval"`
}

// Tick is one full argument vector emitted at Offset from the schedule start.
type Tick struct {
	Offset time.Duration      `json:"offset"`
	Values map[string]float64 `json:"values"`
}

// Schedule is the merged timeline of a multi-field ramp.
type Schedule struct {
	Command string          `json:"command"`
	Fields  []string        `json:"fields"`
	Ramps   []FieldRamp     `json:"ramps"`
	Ticks   []Tick          `json:"ticks"`
	DryRun  bool            `json:"dry_run"`
	Raised  map[string]bool `json:"interval_raised,omitempty"`
}

// MergeSchedule interleaves independent field ramps. Each field advances on
// its own interval and holds its end value once reached; every tick carries
// the whole vector, including the fixed fields.
func MergeSchedule(command string, ramps []FieldRamp, fixed map[string]float64) (Schedule, error) {
	if len(ramps) == 0 {
		return Schedule{}, errors.New("at least one ramping field is required")
	}
	seen := map[string]bool{}
	targets := make([][]float64, len(ramps))
	offsets := map[time.Duration]struct{}{0: {}}
	for i, r := range ramps {
		if r.Field == "" {
			return Schedule{}, errors.New("ramp field name is required")
		}
		if seen[r.Field] {
			return Schedule{}, fmt.Errorf("field %q ramped twice", r.Field)
		}
		if _, ok := fixed[r.Field]; ok {
			return Schedule{}, fmt.Errorf("field %q is both ramped and fixed", r.Field)
		}
		seen[r.Field] = true
		ts, err := RampTargets(r.Start, r.End, r.Step)
		if err != nil {
			return Schedule{}, fmt.Errorf("field %q: %w", r.Field, err)
		}
		if len(ts) > 1 && r.Interval <= 0 {
			return Schedule{}, fmt.Errorf("field %q: interval must be positive", r.Field)
		}
		targets[i] = ts
		for k := 1; k < len(ts); k++ {
			offsets[time.Duration(k)*r.Interval] = struct{}{}
		}
	}

	sorted := make([]time.Duration, 0, len(offsets))
	for off := range offsets {
		sorted = append(sorted, off)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fields := make([]string, 0, len(ramps)+len(fixed))
	for _, r := range ramps {
		fields = append(fields, r.Field)
	}
	fixedNames := make([]string, 0, len(fixed))
	for name := range fixed {
		fixedNames = append(fixedNames, name)
	}
	sort.Strings(fixedNames)
	fields = append(fields, fixedNames...)

	ticks := make([]Tick, 0, len(sorted))
	for _, off := range sorted {
		values := make(map[string]float64, len(fields))
		for name, v := range fixed {
			values[name] = v
		}
		for i, r := range ramps {
			k := len(targets[i]) - 1
			if r.Interval > 0 {
				if pos := int(off / r.Interval); pos < k {
					k = pos
				}
			}
			values[r.Field] = targets[i][k]
		}
		ticks = append(ticks, Tick{Offset: off, Values: values})
	}
	return Schedule{Command: command, Fields: fields, Ramps: ramps, Ticks: ticks}, nil
}

// PlanFields validates every ramping field against its own channel limits,
// raises field intervals to respect slew rates and merges the result.
// current holds the present value of each field; fields not ramped are
// carried forward from it unless overridden in fixed.
func (p *Policy) PlanFields(command string, ramps []FieldRamp, fixed, current map[string]float64, confirmed bool) (Schedule, error) {
	rules := p.Rules.Current()
	adjusted := make([]FieldRamp, len(ramps))
	raised := map[string]bool{}
	for i, r := range ramps {
		cur, ok := current[r.Field]
		if !ok {
			cur = r.Start
		}
		lim, err := p.admit(rules, r.Field, cur, r.End, confirmed, "")
		if err != nil {
			return Schedule{}, err
		}
		if !lim.RampEnabled {
			return Schedule{}, violation(KindRampDisabled, r.Field, "ramping is disabled")
		}
		ts, err := RampTargets(r.Start, r.End, r.Step)
		if err != nil {
			return Schedule{}, violation(KindInvalidRequest, r.Field, "%v", err)
		}
		prev := cur
		for _, t := range ts {
			if err := checkRange(r.Field, lim, t); err != nil {
				return Schedule{}, err
			}
			if err := checkStep(r.Field, lim, prev, t); err != nil {
				return Schedule{}, err
			}
			prev = t
		}
		interval, up := slewInterval(lim, maxDelta(ts[0], ts), r.Interval)
		r.Interval = interval
		if up {
			raised[r.Field] = true
		}
		adjusted[i] = r
	}

	carried := map[string]float64{}
	rampNames := map[string]bool{}
	for _, r := range ramps {
		rampNames[r.Field] = true
	}
	for name, v := range current {
		if !rampNames[name] {
			carried[name] = v
		}
	}
	for name, v := range fixed {
		if lim, ok := rules.Limits[name]; ok {
			if err := checkRange(name, lim, v); err != nil {
				return Schedule{}, err
			}
		}
		carried[name] = v
	}
	sched, err := MergeSchedule(command, adjusted, carried)
	if err != nil {
		return Schedule{}, violation(KindInvalidRequest, "", "%v", err)
	}
	sched.DryRun = rules.DryRun
	if len(raised) > 0 {
		sched.Raised = raised
	}
	return sched, nil
}
