package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"guardline/internal/domain"
	"guardline/internal/engine"
	"guardline/internal/events"
	"guardline/internal/instrument"
	"guardline/internal/monitor"
	"guardline/internal/policy"
	"guardline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	Rules  *policy.Source
	// Journal is nil when the journal is disabled; JournalDir is still read
	// by the tail endpoint.
	Journal    *events.Journal
	JournalDir string
	// TrajectoryDB returns the trajectory database queried by the action
	// endpoints.
	TrajectoryDB func() string
	Metrics      http.Handler
	BasePath     string
	Auth         AuthConfig
	Logger       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"range"`
	Message string         `json:"message" example:"channel \"bias_v\": target 12 exceeds max 10 by 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"range\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Guardline API. HTTP callers
// confirm guarded channels with the confirmed flag, so New clears any
// interactive Confirm hook on the engine policy.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Rules == nil {
		cfg.Rules = cfg.Engine.Policy.Rules
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Engine.Policy.Confirm != nil {
		logger.Warn("interactive confirmation disabled for the HTTP API")
		cfg.Engine.Policy.Confirm = nil
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(logServerErrors(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	hcfg := huma.DefaultConfig("Guardline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPolicy(group, cfg.Rules)
	registerCapabilities(group, cfg.Engine)
	registerWrites(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerJournal(group, cfg)
	registerTrajectory(group, cfg.TrajectoryDB)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var v *policy.Violation
	if errors.As(err, &v) {
		status := http.StatusUnprocessableEntity
		switch v.Kind {
		case policy.KindInvalidRequest:
			status = http.StatusBadRequest
		case policy.KindCooldown:
			status = http.StatusTooManyRequests
		case policy.KindWritesDisabled:
			status = http.StatusForbidden
		}
		details := map[string]any{"kind": v.Kind, "channel": v.Channel}
		if v.Limit != 0 || v.Actual != 0 {
			details["limit"], details["actual"], details["excess"] = v.Limit, v.Actual, v.Excess
		}
		return newAPIError(status, v.Kind, err.Error(), details)
	}
	var xe *engine.ExecutionError
	if errors.As(err, &xe) {
		return newAPIError(http.StatusBadGateway, "execution_failed", err.Error(), map[string]any{
			"channel":         xe.Channel,
			"completed_steps": xe.CompletedSteps,
			"attempted_steps": xe.AttemptedSteps,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, instrument.ErrUnknownParameter):
		return newAPIError(http.StatusNotFound, "unknown_channel", err.Error(), nil)
	case errors.Is(err, instrument.ErrInvalidArgument), errors.Is(err, instrument.ErrNotWritable), errors.Is(err, instrument.ErrNotReadable):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func logServerErrors(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			if ww.Status() >= http.StatusInternalServerError {
				logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
			}
		})
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPolicy(api huma.API, rules *policy.Source) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Active write policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(rules.Current())}, nil
	})
}

func registerCapabilities(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-capabilities",
		Method:      http.MethodGet,
		Path:        "/capabilities",
		Summary:     "Readable and writable parameters with their limits",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CapabilitiesResponse `json:"body"`
	}, error) {
		return &struct {
			Body CapabilitiesResponse `json:"body"`
		}{Body: CapabilitiesResponse{Items: e.Capabilities()}}, nil
	})
}

func registerWrites(api huma.API, e *engine.Engine) {
	writeErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
	}
	huma.Register(api, huma.Operation{
		OperationID: "plan-write",
		Method:      http.MethodPost,
		Path:        "/writes/plan",
		Summary:     "Plan a guarded write without executing it",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body WriteRequestBody `json:"body"`
	}) (*struct {
		Body domain.WritePlan `json:"body"`
	}, error) {
		plan, err := e.PlanWrite(ctx, writeRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WritePlan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-write",
		Method:      http.MethodPost,
		Path:        "/writes",
		Summary:     "Plan and execute a guarded write",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body WriteRequestBody `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, PermissionWrite); err != nil {
			return nil, handleError(err)
		}
		plan, report, err := e.Set(ctx, writeRequest(input.Body), input.Body.DryRun)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WriteResponse `json:"body"`
		}{Body: WriteResponse{Plan: plan, Report: &report}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-ramp",
		Method:      http.MethodPost,
		Path:        "/ramps",
		Summary:     "Plan and execute an explicit ramp",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RampRequestBody `json:"body"`
	}) (*struct {
		Body WriteResponse `json:"body"`
	}, error) {
		b := input.Body
		req := policy.RampRequest{
			Channel:   b.Channel,
			Start:     b.Start,
			End:       b.End,
			Step:      b.Step,
			Interval:  intervalOf(b.IntervalS),
			Confirmed: b.Confirmed,
			Reason:    b.Reason,
		}
		if b.PlanOnly {
			plan, err := e.PlanRamp(ctx, req)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body WriteResponse `json:"body"`
			}{Body: WriteResponse{Plan: plan, PlanOnly: true}}, nil
		}
		if err := requirePermission(ctx, PermissionWrite); err != nil {
			return nil, handleError(err)
		}
		plan, report, err := e.Ramp(ctx, req, b.DryRun)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WriteResponse `json:"body"`
		}{Body: WriteResponse{Plan: plan, Report: &report}}, nil
	})

	registerFieldRamps(api, e, writeErrors)
}

func registerFieldRamps(api huma.API, e *engine.Engine, writeErrors []int) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-field-ramp",
		Method:      http.MethodPost,
		Path:        "/ramps/fields",
		Summary:     "Plan and execute a multi-field ramp of one command",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body FieldRampRequestBody `json:"body"`
	}) (*struct {
		Body FieldRampResponse `json:"body"`
	}, error) {
		b := input.Body
		ramps := make([]policy.FieldRamp, len(b.Ramps))
		for i, r := range b.Ramps {
			ramps[i] = policy.FieldRamp{Field: r.Field, Start: r.Start, End: r.End, Step: r.Step, Interval: intervalOf(r.IntervalS)}
		}
		if b.PlanOnly {
			sched, err := e.PlanFields(ctx, b.Command, ramps, b.Fixed, b.Confirmed)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body FieldRampResponse `json:"body"`
			}{Body: FieldRampResponse{Schedule: sched, PlanOnly: true}}, nil
		}
		if err := requirePermission(ctx, PermissionWrite); err != nil {
			return nil, handleError(err)
		}
		sched, report, err := e.RampFields(ctx, b.Command, ramps, b.Fixed, b.Confirmed, b.DryRun)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FieldRampResponse `json:"body"`
		}{Body: FieldRampResponse{Schedule: sched, Report: &report}}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries",
	}, func(ctx context.Context, input *struct {
		Channel string `query:"channel"`
		Outcome string `query:"outcome" enum:"allowed,blocked,executed,failed"`
		Since   string `query:"since" doc:"RFC3339 lower bound"`
		Limit   int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		f := engine.AuditFilter{Channel: input.Channel, Outcome: input.Outcome, Limit: normalizeLimit(input.Limit)}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", nil)
			}
			f.Since = since
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: nonNilAudit(e.Audit.Query(f))}}, nil
	})
}

func registerJournal(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "journal-stats",
		Method:      http.MethodGet,
		Path:        "/journal/stats",
		Summary:     "Event journal counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JournalStatsResponse `json:"body"`
	}, error) {
		res := JournalStatsResponse{Stats: events.Stats{Directory: cfg.JournalDir}}
		if cfg.Journal != nil {
			res.Enabled = true
			res.Stats = cfg.Journal.Stats()
		}
		return &struct {
			Body JournalStatsResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "journal-tail",
		Method:      http.MethodGet,
		Path:        "/journal/tail",
		Summary:     "Most recent journal events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" minimum:"0" maximum:"1000"`
		Type  string `query:"type"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if cfg.JournalDir == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "journal directory not configured", nil)
		}
		limit := normalizeLimit(input.Limit)
		scan := limit
		if input.Type != "" {
			scan = 0
		}
		evs, err := events.Tail(cfg.JournalDir, scan)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Type != "" {
			filtered := evs[:0]
			for _, ev := range evs {
				if ev.Type == input.Type {
					filtered = append(filtered, ev)
				}
			}
			evs = filtered
			if len(evs) > limit {
				evs = evs[len(evs)-limit:]
			}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: nonNilEvents(evs)}}, nil
	})
}

func registerTrajectory(api huma.API, dbPath func() string) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/trajectory/runs",
		Summary:     "List recorded monitor runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		var res RunListResponse
		err := openTrajectory(dbPath, func(r repo.Repo) error {
			runs, err := r.ListRuns(ctx)
			res = RunListResponse{Items: nonNilRuns(runs)}
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/trajectory/actions",
		Summary:     "List inferred actions of a monitor run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunName string `query:"run_name" doc:"defaults to the latest run"`
	}) (*struct {
		Body ActionListResponse `json:"body"`
	}, error) {
		var res ActionListResponse
		err := withTrajectory(ctx, dbPath, input.RunName, func(r repo.Repo, run domain.Run) error {
			items, err := r.ListActions(ctx, run.ID)
			res = ActionListResponse{Run: run, Items: nonNilActions(items)}
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionListResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/trajectory/actions/{action_idx}",
		Summary:     "Show one action and optionally its signal window",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionIdx  int64  `path:"action_idx" minimum:"0"`
		RunName    string `query:"run_name"`
		WithWindow bool   `query:"with_window"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		var res ActionResponse
		err := withTrajectory(ctx, dbPath, input.RunName, func(r repo.Repo, run domain.Run) error {
			detail, err := r.ActionDetail(ctx, run.ID, input.ActionIdx, input.WithWindow)
			res = ActionResponse{Run: run, ActionWithWindow: detail}
			return err
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func openTrajectory(dbPath func() string, fn func(repo.Repo) error) error {
	if dbPath == nil {
		return newAPIError(http.StatusNotFound, "not_found", "trajectory store not configured", nil)
	}
	conn, r, err := monitor.OpenStore(dbPath())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(r)
}

func withTrajectory(ctx context.Context, dbPath func() string, runName string, fn func(repo.Repo, domain.Run) error) error {
	return openTrajectory(dbPath, func(r repo.Repo) error {
		run, err := r.ResolveRun(ctx, runName)
		if err != nil {
			return err
		}
		return fn(r, run)
	})
}

func writeRequest(b WriteRequestBody) policy.WriteRequest {
	return policy.WriteRequest{
		Channel:   b.Channel,
		Target:    b.Target,
		Interval:  intervalOf(b.IntervalS),
		Confirmed: b.Confirmed,
		Reason:    b.Reason,
	}
}

func intervalOf(s *float64) time.Duration {
	if s == nil {
		return 0
	}
	return time.Duration(*s * float64(time.Second))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 1000 {
		return 1000
	}
	return in
}
