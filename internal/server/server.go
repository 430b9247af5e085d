// Package server exposes the sandbox engine over the Workline HTTP API.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"wlagent/internal/domain"
	"wlagent/internal/engine"
	"wlagent/internal/engine/auth"
	"wlagent/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden_attestation_kind"`
	Message string         `json:"message" example:"attestation authority required for kind review.approved"`
	Details map[string]any `json:"details,omitempty"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sandbox Workline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Workline Sandbox API", "0.1.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMe(group)
	registerTasks(group, cfg.Engine)
	registerWorkOutcomes(group, cfg.Engine)
	registerIterations(group, cfg.Engine)
	registerAttestations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("sandbox request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", r.Header.Get("X-Request-Id")),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
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
	var ae auth.ForbiddenAttestationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden_attestation_kind", err.Error(), map[string]any{"kind": ae.Kind, "allowed_roles": ae.Allowed})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "required for iteration validation"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status"`
			} `json:"body"`
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(p.Roles), Source: p.Source}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			ProjectID:    input.ProjectID,
			IterationID:  stringOrEmpty(input.Body.IterationID),
			Type:         input.Body.Type,
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			AssigneeID:   stringOrEmpty(input.Body.AssigneeID),
			DependsOn:    input.Body.DependsOn,
			Priority:     input.Body.Priority,
			WorkOutcomes: input.Body.WorkOutcomes,
			ActorID:      p.ActorID,
		}
		if input.Body.Policy != nil {
			opts.PolicyPreset = input.Body.Policy.Preset
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		Status      string `query:"status"`
		IterationID string `query:"iteration_id"`
		AssigneeID  string `query:"assignee_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Iteration:       input.IterationID,
			AssigneeID:      input.AssigneeID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []domain.WorkItem{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit-1].CreatedAt, tasks[limit-1].ID)
			tasks = tasks[:limit]
		}
		for _, t := range tasks {
			resp.Items = append(resp.Items, taskResponse(t))
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      UpdateTaskRequest `json:"body"`
		Force     bool              `query:"force"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:        input.ID,
			ProjectID: input.ProjectID,
			ActorID:   p.ActorID,
			Status:    input.Body.Status,
			Assign:    input.Body.AssigneeID,
			Priority:  input.Body.Priority,
			AddDeps:   input.Body.AddDependsOn,
			Force:     input.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerWorkOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "append-task-work-outcomes",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/work-outcomes/append",
		Summary:     "Append work outcomes entry",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		ID        string                    `path:"id"`
		Body      WorkOutcomesAppendRequest `json:"body"`
	}) (*struct {
		Body WorkOutcomesUpdateResponse `json:"body"`
	}, error) {
		field, actorID, err := outcomeRequest(ctx, input.Body.Path)
		if err != nil {
			return nil, err
		}
		task, length, mErr := e.MutateWorkOutcomes(ctx, input.ProjectID, input.ID, actorID, func(workOutcomes map[string]any) (*int, error) {
			existing, ok := workOutcomes[field]
			if !ok || existing == nil {
				workOutcomes[field] = []any{input.Body.Value}
				l := 1
				return &l, nil
			}
			list, ok := existing.([]any)
			if !ok {
				return nil, fmt.Errorf("invalid work_outcomes.%s: must be array", field)
			}
			list = append(list, input.Body.Value)
			workOutcomes[field] = list
			l := len(list)
			return &l, nil
		})
		if mErr != nil {
			return nil, handleError(mErr)
		}
		return &struct {
			Body WorkOutcomesUpdateResponse `json:"body"`
		}{Body: WorkOutcomesUpdateResponse{Path: field, WorkOutcomes: task.WorkOutcomes, Length: length}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-task-work-outcomes",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/work-outcomes/put",
		Summary:     "Set a work outcomes value",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		ID        string                 `path:"id"`
		Body      WorkOutcomesPutRequest `json:"body"`
	}) (*struct {
		Body WorkOutcomesUpdateResponse `json:"body"`
	}, error) {
		field, actorID, err := outcomeRequest(ctx, input.Body.Path)
		if err != nil {
			return nil, err
		}
		task, _, mErr := e.MutateWorkOutcomes(ctx, input.ProjectID, input.ID, actorID, func(workOutcomes map[string]any) (*int, error) {
			workOutcomes[field] = input.Body.Value
			return nil, nil
		})
		if mErr != nil {
			return nil, handleError(mErr)
		}
		return &struct {
			Body WorkOutcomesUpdateResponse `json:"body"`
		}{Body: WorkOutcomesUpdateResponse{Path: field, WorkOutcomes: task.WorkOutcomes}}, nil
	})
}

func outcomeRequest(ctx context.Context, rawPath string) (string, string, huma.StatusError) {
	if len(bodyBytes(ctx)) == 0 {
		return "", "", newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	field := strings.TrimSpace(rawPath)
	if field == "" {
		return "", "", newAPIError(http.StatusBadRequest, "bad_request", "path is required", map[string]any{"field": "path"})
	}
	p, authErr := principalFromContext(ctx)
	if authErr != nil {
		return "", "", authErr
	}
	return field, p.ActorID, nil
}

func registerIterations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-iteration",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/iterations",
		Summary:       "Create iteration",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateIterationRequest `json:"body"`
	}) (*struct {
		Body domain.Iteration `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.CreateIteration(ctx, domain.Iteration{ID: input.Body.ID, ProjectID: input.ProjectID, Goal: input.Body.Goal}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Iteration `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/iterations",
		Summary:     "List iterations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedIterations `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListIterations(ctx, input.ProjectID, limit+1, cursorCreated, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIterations{Items: []domain.Iteration{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedIterations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-iteration-status",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/iterations/{id}/status",
		Summary:     "Update iteration status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string                    `path:"project_id"`
		ID        string                    `path:"id"`
		Body      SetIterationStatusRequest `json:"body"`
		Force     bool                      `query:"force"`
	}) (*struct {
		Body domain.Iteration `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.SetIterationStatus(ctx, input.ProjectID, input.ID, input.Body.Status, p.ActorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Iteration `json:"body"`
		}{Body: it}, nil
	})
}

func registerAttestations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-attestation",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/attestations",
		Summary:       "Add attestation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreateAttestationRequest `json:"body"`
	}) (*struct {
		Body domain.Attestation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		att := domain.Attestation{
			ProjectID:  input.ProjectID,
			EntityKind: input.Body.EntityKind,
			EntityID:   input.Body.EntityID,
			Kind:       input.Body.Kind,
			TS:         stringOrEmpty(input.Body.TS),
			Payload:    input.Body.Payload,
		}
		res, err := e.AddAttestation(ctx, att, engine.Actor{ID: p.ActorID, Roles: p.Roles})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Attestation `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attestations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/attestations",
		Summary:     "List attestations",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Kind       string `query:"kind"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedAttestations `json:"body"`
	}, error) {
		items, err := e.Repo.ListAttestations(ctx, repo.AttestationFilters{
			ProjectID:  input.ProjectID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Kind:       input.Kind,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedAttestations `json:"body"`
		}{Body: paginatedAttestations{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	return ts + "|" + id
}
