package server

import (
	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/events"
	"guardline/internal/policy"
	"guardline/internal/repo"
)

// Request payloads

type WriteRequestBody struct {
	Channel   string   `json:"channel" minLength:"1" example:"bias_v"`
	Target    float64  `json:"target" example:"0.5"`
	IntervalS *float64 `json:"interval_s,omitempty" minimum:"0"`
	Confirmed bool     `json:"confirmed,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

type RampRequestBody struct {
	Channel   string   `json:"channel" minLength:"1" example:"bias_v"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Step      float64  `json:"step" exclusiveMinimum:"0"`
	IntervalS *float64 `json:"interval_s,omitempty" minimum:"0"`
	Confirmed bool     `json:"confirmed,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	PlanOnly  bool     `json:"plan_only,omitempty"`
}

type FieldRampBody struct {
	Field     string   `json:"field" minLength:"1" example:"scan_frame_center_x_m"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Step      float64  `json:"step" exclusiveMinimum:"0"`
	IntervalS *float64 `json:"interval_s,omitempty" minimum:"0"`
}

type FieldRampRequestBody struct {
	Command   string             `json:"command" minLength:"1" example:"Scan.FrameSet"`
	Ramps     []FieldRampBody    `json:"ramps" minItems:"1"`
	Fixed     map[string]float64 `json:"fixed,omitempty"`
	Confirmed bool               `json:"confirmed,omitempty"`
	DryRun    bool               `json:"dry_run,omitempty"`
	PlanOnly  bool               `json:"plan_only,omitempty"`
}

// Response payloads

type PolicyResponse struct {
	AllowWrites          bool                   `json:"allow_writes"`
	DryRun               bool                   `json:"dry_run"`
	DefaultRampIntervalS float64                `json:"default_ramp_interval_s"`
	Limits               []domain.ChannelLimits `json:"limits"`
}

type WriteResponse struct {
	Plan     domain.WritePlan        `json:"plan"`
	Report   *engine.ExecutionReport `json:"report,omitempty"`
	PlanOnly bool                    `json:"plan_only"`
}

type FieldRampResponse struct {
	Schedule policy.Schedule        `json:"schedule"`
	Report   *engine.ScheduleReport `json:"report,omitempty"`
	PlanOnly bool                   `json:"plan_only"`
}

type CapabilitiesResponse struct {
	Items []engine.Capability `json:"items"`
}

type RunListResponse struct {
	Items []domain.Run `json:"items"`
}

type AuditListResponse struct {
	Items []domain.AuditEntry `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type ActionListResponse struct {
	Run   domain.Run           `json:"run"`
	Items []domain.ActionEvent `json:"items"`
}

type ActionResponse struct {
	Run domain.Run `json:"run"`
	repo.ActionWithWindow
}

type JournalStatsResponse struct {
	Enabled bool `json:"enabled"`
	events.Stats
}

func policyResponse(r policy.Rules) PolicyResponse {
	res := PolicyResponse{
		AllowWrites:          r.AllowWrites,
		DryRun:               r.DryRun,
		DefaultRampIntervalS: r.DefaultRampInterval.Seconds(),
		Limits:               []domain.ChannelLimits{},
	}
	for _, ch := range r.Channels() {
		res.Limits = append(res.Limits, r.Limits[ch])
	}
	return res
}

func nonNilAudit(items []domain.AuditEntry) []domain.AuditEntry {
	if items == nil {
		return []domain.AuditEntry{}
	}
	return items
}

func nonNilEvents(items []domain.Event) []domain.Event {
	if items == nil {
		return []domain.Event{}
	}
	return items
}

func nonNilActions(items []domain.ActionEvent) []domain.ActionEvent {
	if items == nil {
		return []domain.ActionEvent{}
	}
	return items
}

func nonNilRuns(items []domain.Run) []domain.Run {
	if items == nil {
		return []domain.Run{}
	}
	return items
}
