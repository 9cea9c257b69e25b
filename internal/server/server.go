package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/engine/auth"
	"civicflow/internal/engine/transition"
)

// Version is reported in the OpenAPI document.
var Version = "0.1.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Registry receives the HTTP metrics. A private registry with Go and
	// process collectors is created when nil.
	Registry *prometheus.Registry
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition DONE -> IN_REVIEW via review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// lifecycleErrors lists the statuses a lifecycle operation may answer with.
var lifecycleErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

type api struct {
	e      engine.Engine
	logger *slog.Logger
}

// New returns an HTTP handler exposing the report lifecycle API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema violations are plain bad requests here.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(withRequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newHTTPMetrics(reg).middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, logger))

	hcfg := huma.DefaultConfig("Civicflow API", Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	a := api{e: cfg.Engine, logger: logger}
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerMe(group)
	a.registerReports(group)
	a.registerLifecycle(group)
	a.registerAssignments(group)
	a.registerHistory(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, hapi, basePath)

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

// fail maps an engine error onto the envelope. Unexpected errors are logged
// and hidden from the caller.
func (a api) fail(ctx context.Context, err error) huma.StatusError {
	var (
		fe auth.ForbiddenError
		te *transition.Error
	)
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": fe.Operation})
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &te):
		return newAPIError(http.StatusBadRequest, "invalid_transition", err.Error(), map[string]any{
			"from": te.From.String(), "to": te.To.String(), "trigger": te.Trigger,
		})
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusBadRequest, "invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", "request canceled", nil)
	}
	a.logger.Error("request failed", "request_id", requestIDFromContext(ctx), "err", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Civicflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func (a api) registerMe(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user with roles, department and teams",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		actor, err := a.e.Users.ResolveActor(ctx, p.UserID)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID:       p.UserID,
			Roles:        nonNil(actor.Roles),
			DepartmentID: actor.DepartmentID,
			TeamIDs:      nonNil(actor.TeamIDs),
			Source:       p.Source,
		}}, nil
	})
}

func registerDevAuth(g huma.API, cfg AuthConfig) {
	huma.Register(g, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a user id",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, in *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if in.Body.UserID <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := SignToken(cfg.JWTSecret, in.Body.UserID, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func (a api) registerReports(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "File a new report",
		Tags:          []string{"reports"},
		DefaultStatus: http.StatusCreated,
		Errors:        lifecycleErrors,
	}, func(ctx context.Context, in *struct {
		Body CreateReportRequest `json:"body"`
	}) (*reportOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := a.e.CreateReport(ctx, actorID, engine.CreateReportInput{
			Title:        in.Body.Title,
			Description:  in.Body.Description,
			DepartmentID: in.Body.DepartmentID,
		})
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &reportOutput{Body: rep}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports visible to the caller",
		Tags:        []string{"reports"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, in *struct {
		Status       string `query:"status" doc:"Filter by status"`
		DepartmentID int64  `query:"department_id"`
		Limit        int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		AfterID      int64  `query:"after_id" doc:"Return reports with a smaller id"`
	}) (*struct {
		Body ReportListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.e.ListReports(ctx, actorID, engine.ListReportsInput{
			Status:       domain.ReportStatus(strings.ToUpper(strings.TrimSpace(in.Status))),
			DepartmentID: in.DepartmentID,
			Limit:        in.Limit,
			AfterID:      in.AfterID,
		})
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		resp := ReportListResponse{Items: nonNil(items)}
		if in.Limit > 0 && len(items) == in.Limit {
			resp.NextAfterID = items[len(items)-1].ID
		}
		return &struct {
			Body ReportListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get a report with its active assignment and permitted operations",
		Tags:        []string{"reports"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, in *reportPath) (*reportViewOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := a.e.GetReport(ctx, actorID, in.ID)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		view.Transitions = nonNil(view.Transitions)
		view.Operations = nonNil(view.Operations)
		return &reportViewOutput{Body: view}, nil
	})
}

// reportOp is a lifecycle endpoint that takes a report id and an optional
// body and returns the updated report.
func reportOp[B any](a api, g huma.API, id, route, summary string, run func(ctx context.Context, actorID, reportID int64, body B) (domain.Report, error)) {
	huma.Register(g, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        "/reports/{id}/" + route,
		Summary:     summary,
		Tags:        []string{"lifecycle"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, in *struct {
		ID   int64 `path:"id"`
		Body *B    `json:"body" required:"false"`
	}) (*reportOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var body B
		if in.Body != nil {
			body = *in.Body
		}
		rep, err := run(ctx, actorID, in.ID, body)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &reportOutput{Body: rep}, nil
	})
}

func (a api) registerLifecycle(g huma.API) {
	e := a.e
	reportOp(a, g, "review-report", "review", "Move an OPEN report to IN_REVIEW",
		func(ctx context.Context, actorID, reportID int64, b NotesRequest) (domain.Report, error) {
			return e.ReviewReport(ctx, actorID, reportID, b.Notes)
		})
	reportOp(a, g, "accept-assignment", "accept", "Accept the active assignment and start work",
		func(ctx context.Context, actorID, reportID int64, b AcceptRequest) (domain.Report, error) {
			return e.AcceptAssignment(ctx, actorID, reportID, engine.AcceptInput{Notes: b.Notes, EstimatedCompletionAt: b.EstimatedCompletionAt})
		})
	reportOp(a, g, "complete-work", "complete", "Submit finished work with proof media for approval",
		func(ctx context.Context, actorID, reportID int64, b CompleteRequest) (domain.Report, error) {
			return e.CompleteWork(ctx, actorID, reportID, engine.CompleteInput{ResolutionNotes: b.ResolutionNotes, ProofMediaIDs: b.ProofMediaIDs})
		})
	reportOp(a, g, "approve-completion", "approve", "Approve completed work; the report becomes DONE",
		func(ctx context.Context, actorID, reportID int64, b NotesRequest) (domain.Report, error) {
			return e.ApproveCompletion(ctx, actorID, reportID, b.Notes)
		})
	reportOp(a, g, "reject-completion", "reject-completion", "Send completed work back for rework",
		func(ctx context.Context, actorID, reportID int64, b ReasonRequest) (domain.Report, error) {
			return e.RejectCompletion(ctx, actorID, reportID, b.Reason)
		})
	reportOp(a, g, "forward-department", "forward", "Move the report to another department",
		func(ctx context.Context, actorID, reportID int64, b ForwardRequest) (domain.Report, error) {
			return e.ForwardDepartment(ctx, actorID, reportID, b.DepartmentID, b.Reason)
		})
	reportOp(a, g, "reject-report", "reject", "Close the report as REJECTED",
		func(ctx context.Context, actorID, reportID int64, b ReasonRequest) (domain.Report, error) {
			return e.RejectReport(ctx, actorID, reportID, b.Reason)
		})
	reportOp(a, g, "cancel-report", "cancel", "Close the report as CANCELLED",
		func(ctx context.Context, actorID, reportID int64, b OptionalReasonRequest) (domain.Report, error) {
			return e.CancelReport(ctx, actorID, reportID, b.Reason)
		})
}

func (a api) registerAssignments(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID:   "assign-team",
		Method:        http.MethodPost,
		Path:          "/reports/{id}/assignments/team",
		Summary:       "Assign the report to a team",
		Tags:          []string{"assignments"},
		DefaultStatus: http.StatusCreated,
		Errors:        lifecycleErrors,
	}, func(ctx context.Context, in *struct {
		ID   int64             `path:"id"`
		Body AssignTeamRequest `json:"body"`
	}) (*assignmentOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		as, err := a.e.AssignToTeam(ctx, actorID, in.ID, in.Body.TeamID, in.Body.Notes)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &assignmentOutput{Body: as}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "assign-user",
		Method:        http.MethodPost,
		Path:          "/reports/{id}/assignments/user",
		Summary:       "Assign the report to a single user",
		Tags:          []string{"assignments"},
		DefaultStatus: http.StatusCreated,
		Errors:        lifecycleErrors,
	}, func(ctx context.Context, in *struct {
		ID   int64             `path:"id"`
		Body AssignUserRequest `json:"body"`
	}) (*assignmentOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		as, err := a.e.AssignToUser(ctx, actorID, in.ID, in.Body.UserID, in.Body.Notes)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &assignmentOutput{Body: as}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "cancel-assignment",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/assignments/cancel",
		Summary:     "Cancel the active assignment before it is accepted",
		Tags:        []string{"assignments"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, in *reportPath) (*assignmentOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		as, err := a.e.CancelAssignment(ctx, actorID, in.ID)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &assignmentOutput{Body: as}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/assignments",
		Summary:     "All assignments of a report, oldest first",
		Tags:        []string{"assignments"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, in *reportPath) (*assignmentsOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.e.ListAssignments(ctx, actorID, in.ID)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &assignmentsOutput{Body: nonNil(items)}, nil
	})
}

func (a api) registerHistory(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "status-history",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/history/status",
		Summary:     "Status history ordered by change time",
		Tags:        []string{"history"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, in *reportPath) (*statusHistoryOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.e.GetStatusHistory(ctx, actorID, in.ID)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &statusHistoryOutput{Body: nonNil(items)}, nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "department-history",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/history/department",
		Summary:     "Department forwarding history ordered by change time",
		Tags:        []string{"history"},
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, in *reportPath) (*departmentHistoryOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.e.GetDepartmentHistory(ctx, actorID, in.ID)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		return &departmentHistoryOutput{Body: nonNil(items)}, nil
	})
}
