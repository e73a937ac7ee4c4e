package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"guardline/internal/domain"
	"guardline/internal/instrument"
	"guardline/internal/monitor"
	"guardline/internal/policy"
)

const FileName = "guardline.yml"

// Config models guardline.yml.
type Config struct {
	Instrument struct {
		Backend    string                     `yaml:"backend"`
		StateFile  string                     `yaml:"state_file"`
		Parameters []instrument.ParameterSpec `yaml:"parameters"`
	} `yaml:"instrument"`
	Safety struct {
		AllowWrites          bool                    `yaml:"allow_writes"`
		DryRun               bool                    `yaml:"dry_run"`
		DefaultRampIntervalS float64                 `yaml:"default_ramp_interval_s"`
		Limits               map[string]ChannelLimit `yaml:"limits"`
	} `yaml:"safety"`
	Journal struct {
		Enabled          *bool  `yaml:"enabled"`
		Directory        string `yaml:"directory"`
		QueueSize        int    `yaml:"queue_size"`
		MaxEventsPerFile int    `yaml:"max_events_per_file"`
	} `yaml:"journal"`
	Monitor monitor.Config `yaml:"monitor"`
	Server  struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// ChannelLimit is the yaml form of domain.ChannelLimits. RampEnabled
// defaults to true when omitted.
type ChannelLimit struct {
	Min                 *float64 `yaml:"min"`
	Max                 *float64 `yaml:"max"`
	MaxStep             *float64 `yaml:"max_step"`
	MaxSlewPerSecond    *float64 `yaml:"max_slew_per_s"`
	CooldownS           *float64 `yaml:"cooldown_s"`
	RampIntervalS       *float64 `yaml:"ramp_interval_s"`
	RampEnabled         *bool    `yaml:"ramp_enabled"`
	RequireConfirmation bool     `yaml:"require_confirmation"`
}

// envOverlay holds the settings that may be overridden from the environment.
type envOverlay struct {
	AllowWrites    *bool  `env:"GUARDLINE_ALLOW_WRITES"`
	DryRun         *bool  `env:"GUARDLINE_DRY_RUN"`
	JournalDir     string `env:"GUARDLINE_JOURNAL_DIR"`
	JournalEnabled *bool  `env:"GUARDLINE_JOURNAL_ENABLED"`
	JWTSecret      string `env:"GUARDLINE_JWT_SECRET"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Instrument.Backend != "sim" {
		return fmt.Errorf("config.instrument.backend must be 'sim'")
	}
	if len(c.Instrument.Parameters) == 0 {
		return fmt.Errorf("config.instrument.parameters is required")
	}
	if _, err := instrument.NewSimulator(c.Instrument.Parameters); err != nil {
		return fmt.Errorf("config.instrument.parameters: %w", err)
	}
	if c.Safety.DefaultRampIntervalS < 0 {
		return fmt.Errorf("config.safety.default_ramp_interval_s must be non-negative")
	}
	for name, lim := range c.Safety.Limits {
		p, ok := instrument.Lookup(c.Instrument.Parameters, name)
		if !ok {
			return fmt.Errorf("limit %s references unknown parameter", name)
		}
		if !p.Writable {
			return fmt.Errorf("limit %s references read-only parameter", name)
		}
		if p.Name != name {
			return fmt.Errorf("limit %s must use the parameter name %s", name, p.Name)
		}
		if lim.Min != nil && lim.Max != nil && *lim.Min > *lim.Max {
			return fmt.Errorf("limit %s has min %g above max %g", name, *lim.Min, *lim.Max)
		}
		for field, v := range map[string]*float64{
			"max_step":        lim.MaxStep,
			"max_slew_per_s":  lim.MaxSlewPerSecond,
			"ramp_interval_s": lim.RampIntervalS,
		} {
			if v != nil && *v <= 0 {
				return fmt.Errorf("limit %s %s must be positive", name, field)
			}
		}
		if lim.CooldownS != nil && *lim.CooldownS < 0 {
			return fmt.Errorf("limit %s cooldown_s must be non-negative", name)
		}
	}
	if c.Journal.QueueSize < 0 {
		return fmt.Errorf("config.journal.queue_size must be non-negative")
	}
	if c.Journal.MaxEventsPerFile < 0 {
		return fmt.Errorf("config.journal.max_events_per_file must be non-negative")
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("config.monitor: %w", err)
	}
	return nil
}

// JournalEnabled reports whether the event journal should be opened.
func (c *Config) JournalEnabled() bool {
	return c.Journal.Enabled == nil || *c.Journal.Enabled
}

// ChannelLimits converts the configured limits keyed by channel.
func (c *Config) ChannelLimits() map[string]domain.ChannelLimits {
	out := make(map[string]domain.ChannelLimits, len(c.Safety.Limits))
	for name, lim := range c.Safety.Limits {
		out[name] = domain.ChannelLimits{
			Channel:             name,
			Min:                 lim.Min,
			Max:                 lim.Max,
			MaxStep:             lim.MaxStep,
			MaxSlewPerSecond:    lim.MaxSlewPerSecond,
			CooldownS:           lim.CooldownS,
			RampIntervalS:       lim.RampIntervalS,
			RampEnabled:         lim.RampEnabled == nil || *lim.RampEnabled,
			RequireConfirmation: lim.RequireConfirmation,
		}
	}
	return out
}

// Rules builds the policy rules described by the safety section.
func (c *Config) Rules() policy.Rules {
	return policy.Rules{
		AllowWrites:         c.Safety.AllowWrites,
		DryRun:              c.Safety.DryRun,
		DefaultRampInterval: time.Duration(c.Safety.DefaultRampIntervalS * float64(time.Second)),
		Limits:              c.ChannelLimits(),
	}
}

// LimitedChannels returns the channels with limits, sorted.
func (c *Config) LimitedChannels() []string {
	out := make([]string, 0, len(c.Safety.Limits))
	for name := range c.Safety.Limits {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyEnv overlays GUARDLINE_* variables. A nil environ reads the process
// environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	var o envOverlay
	opts := env.Options{Environment: environ}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.AllowWrites != nil {
		c.Safety.AllowWrites = *o.AllowWrites
	}
	if o.DryRun != nil {
		c.Safety.DryRun = *o.DryRun
	}
	if o.JournalDir != "" {
		c.Journal.Directory = o.JournalDir
	}
	if o.JournalEnabled != nil {
		enabled := *o.JournalEnabled
		c.Journal.Enabled = &enabled
	}
	if o.JWTSecret != "" {
		c.Server.JWTSecret = o.JWTSecret
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads the config at path, falling back to the defaults when the file
// does not exist, then applies the environment overlay.
func Load(path string) (*Config, error) {
	cfg, err := FromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in config.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultYAML))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted monitor
// fields keep their built-in defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	cfg.Monitor = monitor.Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// DefaultYAML describes a simulated scanning tunnelling microscope controller.
const DefaultYAML = `instrument:
  backend: sim
  state_file: .guardline/sim-state.json
  parameters:
    - name: z_position_m
      label: Z Position
      unit: m
      value_type: float
      readable: true
      signal: true
      initial: 0.0
    - name: tunnel_current_a
      label: Tunnel Current
      unit: A
      value_type: float
      readable: true
      signal: true
      initial: 1.0e-10
    - name: bias_v
      label: Bias
      unit: V
      value_type: float
      readable: true
      writable: true
      initial: 0.1
      vals: {kind: numbers, min: -10, max: 10}
    - name: zctrl_setpoint_a
      label: Z Setpoint
      unit: A
      value_type: float
      readable: true
      writable: true
      initial: 1.0e-10
      vals: {kind: numbers, min: 0, max: 1.0e-8}
    - name: zctrl_on
      label: Z Controller Enabled
      value_type: bool
      readable: true
      writable: true
      initial: true
    - name: zctrl_i_gain
      label: Z Controller I Gain
      value_type: float
      readable: true
      writable: true
      initial: 1.0e-6
    - name: scan_status_code
      label: Scan Status Code
      value_type: int
      readable: true
      initial: 0
    - name: scan_frame_center_x_m
      label: Scan Frame Center X
      unit: m
      value_type: float
      command: Scan.FrameSet
      readable: true
      writable: true
      initial: 0.0
    - name: scan_frame_center_y_m
      label: Scan Frame Center Y
      unit: m
      value_type: float
      command: Scan.FrameSet
      readable: true
      writable: true
      initial: 0.0
    - name: scan_frame_width_m
      label: Scan Frame Width
      unit: m
      value_type: float
      command: Scan.FrameSet
      readable: true
      writable: true
      initial: 1.0e-7
    - name: scan_frame_height_m
      label: Scan Frame Height
      unit: m
      value_type: float
      command: Scan.FrameSet
      readable: true
      writable: true
      initial: 1.0e-7
    - name: scan_frame_angle_deg
      label: Scan Frame Angle
      unit: deg
      value_type: float
      command: Scan.FrameSet
      readable: true
      writable: true
      initial: 0.0

safety:
  allow_writes: false
  dry_run: true
  default_ramp_interval_s: 0.05
  limits:
    bias_v:
      min: -5
      max: 5
      max_step: 0.05
      max_slew_per_s: 1.0
      cooldown_s: 0.5
      ramp_interval_s: 0.05
    zctrl_setpoint_a:
      min: 0
      max: 5.0e-9
      max_step: 1.0e-10
      ramp_interval_s: 0.1
      require_confirmation: true
    zctrl_on:
      ramp_enabled: false
      require_confirmation: true
    scan_frame_center_x_m:
      min: -5.0e-6
      max: 5.0e-6
      max_step: 1.0e-8
    scan_frame_center_y_m:
      min: -5.0e-6
      max: 5.0e-6
      max_step: 1.0e-8

journal:
  enabled: true
  directory: artifacts/journal
  queue_size: 2048
  max_events_per_file: 5000

monitor:
  interval_s: 0.1
  rotate_entries: 6000
  action_window_s: 2.5
  db_directory: artifacts/trajectory
  db_name: trajectory-monitor.sqlite3

server:
  addr: 127.0.0.1:8420
  base_path: /v0
`
