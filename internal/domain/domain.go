package domain

// ChannelLimits bounds writes to one writable channel. A nil numeric field
// means the corresponding check is skipped.
type ChannelLimits struct {
	Channel             string   `json:"channel" yaml:"-"`
	Min                 *float64 `json:"min,omitempty" yaml:"min"`
	Max                 *float64 `json:"max,omitempty" yaml:"max"`
	MaxStep             *float64 `json:"max_step,omitempty" yaml:"max_step"`
	MaxSlewPerSecond    *float64 `json:"max_slew_per_s,omitempty" yaml:"max_slew_per_s"`
	CooldownS           *float64 `json:"cooldown_s,omitempty" yaml:"cooldown_s"`
	RampIntervalS       *float64 `json:"ramp_interval_s,omitempty" yaml:"ramp_interval_s"`
	RampEnabled         bool     `json:"ramp_enabled" yaml:"ramp_enabled"`
	RequireConfirmation bool     `json:"require_confirmation" yaml:"require_confirmation"`
}

// WritePlan is the ordered sequence of values that moves a channel from its
// current value to the requested target.
type WritePlan struct {
	Channel            string    `json:"channel"`
	Operation          string    `json:"operation"`
	CurrentValue       float64   `json:"current_value"`
	TargetValue        float64   `json:"target_value"`
	Steps              []float64 `json:"steps"`
	IntervalS          float64   `json:"interval_s"`
	RequestedIntervalS float64   `json:"requested_interval_s"`
	IntervalRaised     bool      `json:"interval_raised"`
	DryRun             bool      `json:"dry_run"`
	Reason             string    `json:"reason,omitempty"`
}

const (
	OutcomeAllowed  = "allowed"
	OutcomeBlocked  = "blocked"
	OutcomeExecuted = "executed"
	OutcomeFailed   = "failed"
)

// AuditEntry records one plan step attempt or one blocked request.
type AuditEntry struct {
	Timestamp      string             `json:"timestamp_utc" format:"date-time"`
	Channel        string             `json:"channel"`
	Operation      string             `json:"operation"`
	StepIndex      int                `json:"step_index"`
	RequestedValue *float64           `json:"requested_value,omitempty"`
	Values         map[string]float64 `json:"values,omitempty"`
	Outcome        string             `json:"outcome" enum:"allowed,blocked,executed,failed"`
	Reason         string             `json:"reason,omitempty"`
	DryRun         bool               `json:"dry_run"`
}

// Event is one journal line.
type Event struct {
	ID           string         `json:"event_id"`
	TimestampUTC string         `json:"timestamp_utc" format:"date-time"`
	Type         string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
}

// Run is one trajectory monitor session.
type Run struct {
	ID            int64   `json:"id"`
	Name          string  `json:"run_name"`
	StartedAtUTC  string  `json:"started_at_utc" format:"date-time"`
	IntervalS     float64 `json:"interval_s"`
	RotateEntries int     `json:"rotate_entries"`
	ActionWindowS float64 `json:"action_window_s"`
	CreatedBy     string  `json:"created_by,omitempty"`
}

// CatalogEntry describes one selected signal or spec label of a run.
type CatalogEntry struct {
	ID        int64  `json:"id"`
	RunID     int64  `json:"run_id"`
	Label     string `json:"label"`
	Name      string `json:"name,omitempty"`
	Unit      string `json:"unit,omitempty"`
	ValueType string `json:"value_type,omitempty"`
	ValsJSON  string `json:"vals_json,omitempty"`
}

// Sample is one dense row of signal or spec values at one tick.
type Sample struct {
	RunID     int64          `json:"run_id"`
	SampleIdx int64          `json:"sample_idx"`
	SegmentID int64          `json:"segment_id"`
	DtS       float64        `json:"dt_s"`
	Values    map[string]any `json:"values"`
}

const ActionSpecChange = "spec-change"

// ActionEvent is an inferred change of one spec value between two ticks.
type ActionEvent struct {
	ID             int64    `json:"id"`
	RunID          int64    `json:"run_id"`
	ActionIdx      int64    `json:"action_idx"`
	SampleIdx      int64    `json:"sample_idx"`
	DetectedAtUTC  string   `json:"detected_at_utc" format:"date-time"`
	DtS            float64  `json:"dt_s"`
	Kind           string   `json:"action_kind"`
	SpecLabel      string   `json:"spec_label"`
	OldValue       any      `json:"old_value"`
	NewValue       any      `json:"new_value"`
	DeltaValue     *float64 `json:"delta_value,omitempty"`
	WindowStartDtS float64  `json:"signal_window_start_dt_s"`
	WindowEndDtS   float64  `json:"signal_window_end_dt_s"`
}

// MonitorError records one tick that failed to sample or persist.
type MonitorError struct {
	ID        int64          `json:"id"`
	RunID     int64          `json:"run_id"`
	DtS       float64        `json:"dt_s"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}
