package guardlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Guardline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: bearerToken,
		Timeout:     30 * time.Second,
	}
}

// WriteRequest asks for a guarded write of one channel.
type WriteRequest struct {
	Channel   string   `json:"channel"`
	Target    float64  `json:"target"`
	IntervalS *float64 `json:"interval_s,omitempty"`
	Confirmed bool     `json:"confirmed,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// RampRequest asks for an explicit ramp of one channel.
type RampRequest struct {
	Channel   string   `json:"channel"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Step      float64  `json:"step"`
	IntervalS *float64 `json:"interval_s,omitempty"`
	Confirmed bool     `json:"confirmed,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	PlanOnly  bool     `json:"plan_only,omitempty"`
}

// WritePlan represents the API plan model.
type WritePlan struct {
	Channel        string    `json:"channel"`
	Operation      string    `json:"operation"`
	CurrentValue   float64   `json:"current_value"`
	TargetValue    float64   `json:"target_value"`
	Steps          []float64 `json:"steps"`
	IntervalS      float64   `json:"interval_s"`
	IntervalRaised bool      `json:"interval_raised"`
	DryRun         bool      `json:"dry_run"`
}

// ExecutionReport summarises an executed plan.
type ExecutionReport struct {
	Channel        string  `json:"channel"`
	DryRun         bool    `json:"dry_run"`
	AttemptedSteps int     `json:"attempted_steps"`
	AppliedSteps   int     `json:"applied_steps"`
	FinalValue     float64 `json:"final_value"`
	Failed         bool    `json:"failed"`
	Error          string  `json:"error,omitempty"`
}

// WriteResult is returned by Set and Ramp.
type WriteResult struct {
	Plan     WritePlan        `json:"plan"`
	Report   *ExecutionReport `json:"report,omitempty"`
	PlanOnly bool             `json:"plan_only"`
}

// AuditEntry represents one audited write step.
type AuditEntry struct {
	Timestamp      string   `json:"timestamp_utc"`
	Channel        string   `json:"channel"`
	Operation      string   `json:"operation"`
	StepIndex      int      `json:"step_index"`
	Outcome        string   `json:"outcome"`
	DryRun         bool     `json:"dry_run"`
	RequestedValue *float64 `json:"requested_value,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// JournalStats mirrors the journal counters.
type JournalStats struct {
	Enabled      bool   `json:"enabled"`
	Directory    string `json:"directory"`
	RunID        string `json:"run_id"`
	Submitted    int64  `json:"submitted"`
	Written      int64  `json:"written"`
	Dropped      int64  `json:"dropped"`
	Failed       int64  `json:"failed"`
	QueueDepth   int    `json:"queue_depth"`
	LastError    string `json:"last_error,omitempty"`
	SegmentIndex int64  `json:"segment_index"`
}

// Run identifies one monitor run.
type Run struct {
	ID            int64   `json:"id"`
	RunName       string  `json:"run_name"`
	StartedAtUTC  string  `json:"started_at_utc,omitempty"`
	IntervalS     float64 `json:"interval_s,omitempty"`
	RotateEntries int     `json:"rotate_entries,omitempty"`
	ActionWindowS float64 `json:"action_window_s,omitempty"`
}

// Capability is one parameter of the instrument catalog with its limits.
type Capability struct {
	Name                string         `json:"name"`
	Label               string         `json:"label"`
	Unit                string         `json:"unit,omitempty"`
	Command             string         `json:"command,omitempty"`
	Readable            bool           `json:"readable"`
	Writable            bool           `json:"writable"`
	Guarded             bool           `json:"guarded"`
	RampEnabled         bool           `json:"ramp_enabled"`
	RequireConfirmation bool           `json:"require_confirmation"`
	Limits              map[string]any `json:"limits,omitempty"`
}

// FieldRamp ramps one argument of a multi-field command.
type FieldRamp struct {
	Field     string   `json:"field"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Step      float64  `json:"step"`
	IntervalS *float64 `json:"interval_s,omitempty"`
}

// FieldRampRequest ramps several arguments of one command together.
type FieldRampRequest struct {
	Command   string             `json:"command"`
	Ramps     []FieldRamp        `json:"ramps"`
	Fixed     map[string]float64 `json:"fixed,omitempty"`
	Confirmed bool               `json:"confirmed,omitempty"`
	DryRun    bool               `json:"dry_run,omitempty"`
	PlanOnly  bool               `json:"plan_only,omitempty"`
}

// FieldRampResult carries the merged schedule and, when executed, its report.
type FieldRampResult struct {
	Schedule struct {
		Command string   `json:"command"`
		Fields  []string `json:"fields"`
		Ticks   []struct {
			Values map[string]float64 `json:"values"`
		} `json:"ticks"`
	} `json:"schedule"`
	Report *struct {
		Ticks        int    `json:"ticks"`
		AppliedTicks int    `json:"applied_ticks"`
		Failed       bool   `json:"failed"`
		Error        string `json:"error,omitempty"`
	} `json:"report,omitempty"`
	PlanOnly bool `json:"plan_only"`
}

// Action is one inferred operator action.
type Action struct {
	ActionIdx      int64    `json:"action_idx"`
	SampleIdx      int64    `json:"sample_idx"`
	DetectedAtUTC  string   `json:"detected_at_utc"`
	DtS            float64  `json:"dt_s"`
	Kind           string   `json:"action_kind"`
	SpecLabel      string   `json:"spec_label"`
	OldValue       any      `json:"old_value"`
	NewValue       any      `json:"new_value"`
	DeltaValue     *float64 `json:"delta_value,omitempty"`
	WindowStartDtS float64  `json:"signal_window_start_dt_s"`
	WindowEndDtS   float64  `json:"signal_window_end_dt_s"`
}

// ActionDetail is an action and its optional signal window.
type ActionDetail struct {
	Run    Run              `json:"run"`
	Action Action           `json:"action"`
	Window []map[string]any `json:"signal_window,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PlanWrite plans a write without executing it.
func (c *Client) PlanWrite(ctx context.Context, req WriteRequest) (WritePlan, error) {
	var resp WritePlan
	err := c.do(ctx, http.MethodPost, "writes/plan", req, &resp)
	return resp, err
}

// Set plans and executes a guarded write.
func (c *Client) Set(ctx context.Context, req WriteRequest) (WriteResult, error) {
	var resp WriteResult
	err := c.do(ctx, http.MethodPost, "writes", req, &resp)
	return resp, err
}

// Ramp plans and, unless PlanOnly is set, executes an explicit ramp.
func (c *Client) Ramp(ctx context.Context, req RampRequest) (WriteResult, error) {
	var resp WriteResult
	err := c.do(ctx, http.MethodPost, "ramps", req, &resp)
	return resp, err
}

// RampFields plans and, unless PlanOnly is set, executes a multi-field ramp.
func (c *Client) RampFields(ctx context.Context, req FieldRampRequest) (FieldRampResult, error) {
	var resp FieldRampResult
	err := c.do(ctx, http.MethodPost, "ramps/fields", req, &resp)
	return resp, err
}

// Capabilities lists the instrument parameters with their limits.
func (c *Client) Capabilities(ctx context.Context) ([]Capability, error) {
	var resp struct {
		Items []Capability `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "capabilities", nil, &resp)
	return resp.Items, err
}

// Runs lists the recorded monitor runs.
func (c *Client) Runs(ctx context.Context) ([]Run, error) {
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "trajectory/runs", nil, &resp)
	return resp.Items, err
}

// Audit lists audit entries; empty filters are omitted.
func (c *Client) Audit(ctx context.Context, channel, outcome string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if channel != "" {
		q.Set("channel", channel)
	}
	if outcome != "" {
		q.Set("outcome", outcome)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, &resp)
	return resp.Items, err
}

// JournalStats returns the journal counters of the server.
func (c *Client) JournalStats(ctx context.Context) (JournalStats, error) {
	var resp JournalStats
	err := c.do(ctx, http.MethodGet, "journal/stats", nil, &resp)
	return resp, err
}

// Actions lists the actions of a run; an empty name selects the latest run.
func (c *Client) Actions(ctx context.Context, runName string) (Run, []Action, error) {
	q := url.Values{}
	if runName != "" {
		q.Set("run_name", runName)
	}
	var resp struct {
		Run   Run      `json:"run"`
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("trajectory/actions", q), nil, &resp)
	return resp.Run, resp.Items, err
}

// Action fetches one action by index.
func (c *Client) Action(ctx context.Context, runName string, idx int64, withWindow bool) (ActionDetail, error) {
	q := url.Values{}
	if runName != "" {
		q.Set("run_name", runName)
	}
	if withWindow {
		q.Set("with_window", "true")
	}
	var resp ActionDetail
	endpoint := withQuery(fmt.Sprintf("trajectory/actions/%d", idx), q)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
