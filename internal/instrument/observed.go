package instrument

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"guardline/internal/events"
)

const (
	EventCommandResult   = "command_result"
	EventStateTransition = "state_transition"
)

// Observed wraps a sink and reports every call to the journal: one
// command_result event per call and one state_transition event whenever a
// read returns a value different from the previous read of that label.
type Observed struct {
	Sink   CommandSink
	Events events.Submitter
	Now    func() time.Time

	mu   sync.Mutex
	last map[string]any
}

func NewObserved(sink CommandSink, sub events.Submitter) *Observed {
	return &Observed{Sink: sink, Events: sub, Now: time.Now, last: map[string]any{}}
}

func (o *Observed) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Observed) Read(ctx context.Context, labels []string) (map[string]any, error) {
	start := o.now()
	values, err := o.Sink.Read(ctx, labels)
	o.report("read", map[string]any{"labels": labels}, start, err)
	if err == nil {
		o.transitions(values)
	}
	return values, err
}

func (o *Observed) Write(ctx context.Context, channel string, value float64) error {
	start := o.now()
	err := o.Sink.Write(ctx, channel, value)
	o.report("write", map[string]any{"channel": channel, "value": value}, start, err)
	return err
}

// WriteFields forwards to the wrapped sink when it supports vector writes.
func (o *Observed) WriteFields(ctx context.Context, command string, values map[string]float64) error {
	vs, ok := o.Sink.(VectorSink)
	if !ok {
		return errors.New("sink does not support multi-field writes")
	}
	start := o.now()
	err := vs.WriteFields(ctx, command, values)
	o.report("write_fields", map[string]any{"command": command, "values": values}, start, err)
	return err
}

// Parameters forwards to the wrapped sink's catalog, if any.
func (o *Observed) Parameters() []ParameterSpec {
	if cat, ok := o.Sink.(Catalog); ok {
		return cat.Parameters()
	}
	return nil
}

func (o *Observed) report(command string, args map[string]any, start time.Time, err error) {
	if o.Events == nil {
		return
	}
	payload := map[string]any{
		"command":    command,
		"status":     "ok",
		"latency_ms": float64(o.now().Sub(start).Microseconds()) / 1000,
		"args_hash":  ArgsHash(args),
	}
	for k, v := range args {
		payload[k] = v
	}
	if err != nil {
		payload["status"] = "error"
		payload["error"] = err.Error()
	}
	o.Events.Submit(EventCommandResult, payload)
}

func (o *Observed) transitions(values map[string]any) {
	if o.Events == nil {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		o.last = map[string]any{}
	}
	for _, k := range keys {
		v := values[k]
		prev, seen := o.last[k]
		o.last[k] = v
		if !seen || SameValue(prev, v) {
			continue
		}
		o.Events.Submit(EventStateTransition, map[string]any{"label": k, "old_value": prev, "new_value": v})
	}
}

// ArgsHash is a short stable digest of call arguments.
func ArgsHash(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
