package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Simulator is an in-memory instrument. Parameters are addressed by name or
// label; when StatePath is set, written values survive across processes.
type Simulator struct {
	StatePath string
	// Fail, when set, is consulted before every read and write of key.
	Fail func(op, key string) error

	mu     sync.Mutex
	params []ParameterSpec
	values map[string]any
	// seen is the state file version last merged into values.
	seen stateStamp
}

type stateStamp struct {
	modTime time.Time
	size    int64
}

// NewSimulator validates the catalog and seeds every parameter with its
// initial value.
func NewSimulator(params []ParameterSpec) (*Simulator, error) {
	names := map[string]bool{}
	labels := map[string]bool{}
	s := &Simulator{values: map[string]any{}}
	for _, p := range params {
		if p.Name == "" {
			return nil, errors.New("parameter name is required")
		}
		if p.Label == "" {
			p.Label = p.Name
		}
		if names[p.Name] {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		if labels[p.Label] {
			return nil, fmt.Errorf("duplicate parameter label %q", p.Label)
		}
		names[p.Name], labels[p.Label] = true, true
		s.params = append(s.params, p)
		s.values[p.Name] = normalize(p, p.Initial)
	}
	return s, nil
}

// Parameters returns a copy of the catalog.
func (s *Simulator) Parameters() []ParameterSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ParameterSpec(nil), s.params...)
}

// LoadState overlays values saved by an earlier process. A missing file is
// not an error.
func (s *Simulator) LoadState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked()
}

// refreshLocked merges the state file when another process changed it since
// the last merge or save.
func (s *Simulator) refreshLocked() error {
	if s.StatePath == "" {
		return nil
	}
	fi, err := os.Stat(s.StatePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	stamp := stateStamp{modTime: fi.ModTime(), size: fi.Size()}
	if stamp == s.seen {
		return nil
	}
	data, err := os.ReadFile(s.StatePath)
	if err != nil {
		return err
	}
	var saved map[string]any
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decode simulator state %s: %w", s.StatePath, err)
	}
	for name, v := range saved {
		if p, ok := Lookup(s.params, name); ok {
			s.values[p.Name] = normalize(p, v)
		}
	}
	s.seen = stamp
	return nil
}

func (s *Simulator) Read(ctx context.Context, labels []string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(labels))
	for _, key := range labels {
		if s.Fail != nil {
			if err := s.Fail("read", key); err != nil {
				return nil, err
			}
		}
		p, ok := Lookup(s.params, key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, key)
		}
		if !p.Readable {
			return nil, fmt.Errorf("%w: %s", ErrNotReadable, key)
		}
		out[key] = s.values[p.Name]
	}
	return out, nil
}

func (s *Simulator) Write(ctx context.Context, channel string, value float64) error {
	return s.WriteFields(ctx, "", map[string]float64{channel: value})
}

// WriteFields applies every value or none of them.
func (s *Simulator) WriteFields(ctx context.Context, command string, values map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	resolved := make(map[string]any, len(values))
	for key, v := range values {
		if s.Fail != nil {
			if err := s.Fail("write", key); err != nil {
				return err
			}
		}
		p, ok := Lookup(s.params, key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParameter, key)
		}
		if !p.Writable {
			return fmt.Errorf("%w: %s", ErrNotWritable, key)
		}
		if command != "" && p.Command != command {
			return fmt.Errorf("%w: %s is not an argument of %s", ErrInvalidArgument, key, command)
		}
		if err := checkVals(p, v); err != nil {
			return err
		}
		resolved[p.Name] = normalize(p, v)
	}
	for name, v := range resolved {
		s.values[name] = v
	}
	return s.saveLocked()
}

func (s *Simulator) saveLocked() error {
	if s.StatePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.StatePath), 0o755); err != nil {
		return err
	}
	tmp := s.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.StatePath); err != nil {
		return err
	}
	if fi, err := os.Stat(s.StatePath); err == nil {
		s.seen = stateStamp{modTime: fi.ModTime(), size: fi.Size()}
	}
	return nil
}

func checkVals(p ParameterSpec, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be finite", ErrInvalidArgument, p.Name)
	}
	if p.Vals == nil {
		return nil
	}
	if p.Vals.Min != nil && v < *p.Vals.Min {
		return fmt.Errorf("%w: %s=%g below %g", ErrInvalidArgument, p.Name, v, *p.Vals.Min)
	}
	if p.Vals.Max != nil && v > *p.Vals.Max {
		return fmt.Errorf("%w: %s=%g above %g", ErrInvalidArgument, p.Name, v, *p.Vals.Max)
	}
	return nil
}

func normalize(p ParameterSpec, v any) any {
	switch p.ValueType {
	case "float", "":
		if f, ok := AsNumber(v); ok {
			return f
		}
		if v == nil {
			return 0.0
		}
	case "int":
		if f, ok := AsNumber(v); ok {
			return int64(math.Round(f))
		}
		if v == nil {
			return int64(0)
		}
	case "bool":
		if b, ok := v.(bool); ok {
			return b
		}
		if f, ok := AsNumber(v); ok {
			return f != 0
		}
		return false
	case "string":
		if v == nil {
			return ""
		}
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprint(v)
	}
	return v
}
