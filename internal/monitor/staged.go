package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"guardline/internal/db"
)

const StagedFileName = "monitor-config.json"

var (
	DefaultSignalLabels = []string{"Z Position", "Tunnel Current"}
	DefaultSpecLabels   = []string{
		"Bias",
		"Z Setpoint",
		"Z Controller Enabled",
		"Z Controller I Gain",
		"Scan Status Code",
		"Scan Frame Center X",
		"Scan Frame Center Y",
		"Scan Frame Width",
		"Scan Frame Height",
		"Scan Frame Angle",
	}
)

// ErrNotStaged is returned by Run when no run name has been staged.
var ErrNotStaged = errors.New("config must be set before run")

// ConfigError reports an invalid staged config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("monitor config %s: %s", e.Field, e.Message)
}

// Config is the staged monitor configuration. RunName is cleared after
// every run attempt so each run must be staged explicitly.
type Config struct {
	RunName       string   `json:"run_name" yaml:"-"`
	IntervalS     float64  `json:"interval_s" yaml:"interval_s"`
	RotateEntries int      `json:"rotate_entries" yaml:"rotate_entries"`
	ActionWindowS float64  `json:"action_window_s" yaml:"action_window_s"`
	DBDirectory   string   `json:"db_directory" yaml:"db_directory"`
	DBName        string   `json:"db_name" yaml:"db_name"`
	SignalLabels  []string `json:"signal_labels" yaml:"signal_labels"`
	SpecLabels    []string `json:"spec_labels" yaml:"spec_labels"`
}

// Defaults returns the built-in monitor configuration without a run name.
func Defaults() Config {
	return Config{
		IntervalS:     0.1,
		RotateEntries: 6000,
		ActionWindowS: 2.5,
		DBDirectory:   db.DefaultDirectory,
		DBName:        db.DefaultName,
		SignalLabels:  append([]string(nil), DefaultSignalLabels...),
		SpecLabels:    append([]string(nil), DefaultSpecLabels...),
	}
}

// Validate checks the numeric fields and the label sets.
func (c Config) Validate() error {
	if c.IntervalS <= 0 {
		return &ConfigError{Field: "interval_s", Message: "must be positive"}
	}
	if c.RotateEntries < 1 {
		return &ConfigError{Field: "rotate_entries", Message: "must be at least 1"}
	}
	if c.ActionWindowS < 0 {
		return &ConfigError{Field: "action_window_s", Message: "must be non-negative"}
	}
	if strings.TrimSpace(c.DBName) == "" {
		return &ConfigError{Field: "db_name", Message: "is required"}
	}
	if len(c.SignalLabels) == 0 {
		return &ConfigError{Field: "signal_labels", Message: "at least one label is required"}
	}
	if len(c.SpecLabels) == 0 {
		return &ConfigError{Field: "spec_labels", Message: "at least one label is required"}
	}
	if dup := firstDuplicate(c.SignalLabels); dup != "" {
		return &ConfigError{Field: "signal_labels", Message: fmt.Sprintf("duplicate label %q", dup)}
	}
	if dup := firstDuplicate(c.SpecLabels); dup != "" {
		return &ConfigError{Field: "spec_labels", Message: fmt.Sprintf("duplicate label %q", dup)}
	}
	return nil
}

// RequireRunnable returns ErrNotStaged when the run name is blank.
func (c Config) RequireRunnable() error {
	if strings.TrimSpace(c.RunName) == "" {
		return ErrNotStaged
	}
	return nil
}

// DBPath resolves the database location, relative paths against workspace.
func (c Config) DBPath(workspace string) string {
	path := db.Path(c.DBDirectory, c.DBName)
	if filepath.IsAbs(path) || workspace == "" {
		return path
	}
	return filepath.Join(workspace, path)
}

// StagedPath is the location of the staged config inside a workspace.
func StagedPath(workspace string) string {
	return db.StatePath(workspace, StagedFileName)
}

// LoadStaged reads the staged config at path. Fields missing from the file
// and a missing file both fall back to defaults.
func LoadStaged(path string, defaults Config) (Config, error) {
	cfg := defaults
	cfg.SignalLabels = append([]string(nil), defaults.SignalLabels...)
	cfg.SpecLabels = append([]string(nil), defaults.SpecLabels...)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode staged monitor config %s: %w", path, err)
	}
	cfg.SignalLabels = cleanLabels(cfg.SignalLabels)
	cfg.SpecLabels = cleanLabels(cfg.SpecLabels)
	return cfg, nil
}

// SaveStaged validates cfg and writes it to path.
func SaveStaged(path string, cfg Config) error {
	cfg.RunName = strings.TrimSpace(cfg.RunName)
	cfg.SignalLabels = cleanLabels(cfg.SignalLabels)
	cfg.SpecLabels = cleanLabels(cfg.SpecLabels)
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// UpdateStaged loads the staged config, applies fn and saves the result.
func UpdateStaged(path string, defaults Config, fn func(*Config)) (Config, error) {
	cfg, err := LoadStaged(path, defaults)
	if err != nil {
		return cfg, err
	}
	fn(&cfg)
	if err := SaveStaged(path, cfg); err != nil {
		return cfg, err
	}
	return LoadStaged(path, defaults)
}

// ClearRunName blanks the staged run name and keeps every other field.
func ClearRunName(path string, defaults Config) (Config, error) {
	cfg, err := LoadStaged(path, defaults)
	if err != nil {
		return cfg, err
	}
	cfg.RunName = ""
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cfg, err
	}
	return cfg, os.WriteFile(path, append(data, '\n'), 0o644)
}

// ResetStaged removes the staged config so the next load returns defaults.
func ResetStaged(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// cleanLabels trims labels and drops blanks. Duplicates are kept so that
// Validate can report them.
func cleanLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func firstDuplicate(labels []string) string {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if seen[l] {
			return l
		}
		seen[l] = true
	}
	return ""
}

func valsJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
