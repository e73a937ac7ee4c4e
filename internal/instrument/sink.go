package instrument

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
)

// CommandSink is the capability the core needs from an instrument backend.
// Read returns the current value of every requested label or name.
type CommandSink interface {
	Read(ctx context.Context, labels []string) (map[string]any, error)
	Write(ctx context.Context, channel string, value float64) error
}

// VectorSink writes every argument of a multi-field command at once.
type VectorSink interface {
	WriteFields(ctx context.Context, command string, values map[string]float64) error
}

// Catalog describes the parameters a backend exposes.
type Catalog interface {
	Parameters() []ParameterSpec
}

var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrNotReadable      = errors.New("parameter is not readable")
	ErrNotWritable      = errors.New("parameter is not writable")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Vals describes the accepted values of a parameter.
type Vals struct {
	Kind    string   `json:"kind" yaml:"kind"`
	Min     *float64 `json:"min,omitempty" yaml:"min"`
	Max     *float64 `json:"max,omitempty" yaml:"max"`
	Options []any    `json:"options,omitempty" yaml:"options"`
}

// ParameterSpec is one entry of the parameter catalog.
type ParameterSpec struct {
	Name        string `json:"name" yaml:"name"`
	Label       string `json:"label" yaml:"label"`
	Unit        string `json:"unit,omitempty" yaml:"unit"`
	ValueType   string `json:"value_type" yaml:"value_type"`
	Command     string `json:"command,omitempty" yaml:"command"`
	Readable    bool   `json:"readable" yaml:"readable"`
	Writable    bool   `json:"writable" yaml:"writable"`
	Signal      bool   `json:"signal" yaml:"signal"`
	Description string `json:"description,omitempty" yaml:"description"`
	Vals        *Vals  `json:"vals,omitempty" yaml:"vals"`
	Initial     any    `json:"initial,omitempty" yaml:"initial"`
}

// Lookup finds a parameter by name or label. Names match case-insensitively.
func Lookup(params []ParameterSpec, key string) (ParameterSpec, bool) {
	for _, p := range params {
		if p.Label == key || strings.EqualFold(p.Name, key) {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// Signals returns the readable parameters flagged as signals.
func Signals(params []ParameterSpec) []ParameterSpec {
	var out []ParameterSpec
	for _, p := range params {
		if p.Readable && p.Signal {
			out = append(out, p)
		}
	}
	return out
}

// Specs returns the readable parameters that are not signals.
func Specs(params []ParameterSpec) []ParameterSpec {
	var out []ParameterSpec
	for _, p := range params {
		if p.Readable && !p.Signal {
			out = append(out, p)
		}
	}
	return out
}

// SameValue reports whether two sampled values are equal. Numbers compare by
// value regardless of their Go type.
func SameValue(a, b any) bool {
	if fa, ok := AsNumber(a); ok {
		if fb, ok := AsNumber(b); ok {
			return fa == fb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// AsNumber converts numeric values to float64. Booleans are not numbers.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
