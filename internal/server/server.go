package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fieldsync/internal/conflict"
	"fieldsync/internal/domain"
	"fieldsync/internal/store"
	"fieldsync/internal/submit"
	"fieldsync/internal/syncer"
)

// Config for the local agent API handler.
type Config struct {
	Store        *store.Store
	Orchestrator *submit.Orchestrator
	Drainer      *syncer.Drainer
	Conflicts    *conflict.Detector
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"template_id is a rejected placeholder identifier"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agent API that on-device
// dashboards use to watch queue state and trigger drains.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fieldsync Agent API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Store)
	registerQueue(group, cfg.Store)
	registerDrafts(group, cfg.Store)
	registerSubmissions(group, cfg.Orchestrator)
	registerSync(group, cfg.Drainer)
	registerConflicts(group, cfg.Conflicts)
	registerCleanup(group, cfg.Store)

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
	var ve *store.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// --- operations ---

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Agent liveness",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerStatus(api huma.API, st *store.Store) {
	type statusOutput struct {
		Body struct {
			QueueDepth int `json:"queue_depth"`
			DraftCount int `json:"draft_count"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue depth and draft count",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		queued, err := st.ListQueued(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		drafts, err := st.ListDrafts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &statusOutput{}
		out.Body.QueueDepth = len(queued)
		out.Body.DraftCount = len(drafts)
		return out, nil
	})
}

func registerQueue(api huma.API, st *store.Store) {
	type queueOutput struct {
		Body struct {
			Items []domain.QueuedSubmission `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "queue-list",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List queued submissions, oldest first",
	}, func(ctx context.Context, _ *struct{}) (*queueOutput, error) {
		items, err := st.ListQueued(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &queueOutput{}
		out.Body.Items = items
		return out, nil
	})
}

func registerDrafts(api huma.API, st *store.Store) {
	type draftsOutput struct {
		Body struct {
			Items []domain.DraftRecord `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "drafts-list",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List valid drafts",
	}, func(ctx context.Context, _ *struct{}) (*draftsOutput, error) {
		items, err := st.ListDrafts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &draftsOutput{}
		out.Body.Items = items
		return out, nil
	})

	type draftInput struct {
		TemplateID string `path:"templateID"`
		VehicleID  string `query:"vehicle_id"`
	}
	type draftOutput struct {
		Body domain.DraftRecord
	}
	huma.Register(api, huma.Operation{
		OperationID: "draft-get",
		Method:      http.MethodGet,
		Path:        "/drafts/{templateID}",
		Summary:     "Fetch one draft",
	}, func(ctx context.Context, in *draftInput) (*draftOutput, error) {
		draft, err := st.LoadDraft(ctx, in.TemplateID, in.VehicleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &draftOutput{Body: draft}, nil
	})

	type discardInput struct {
		TemplateID string `path:"templateID"`
		VehicleID  string `query:"vehicle_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "draft-discard",
		Method:        http.MethodDelete,
		Path:          "/drafts/{templateID}",
		Summary:       "Discard a draft",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *discardInput) (*struct{}, error) {
		if err := st.ClearDraft(ctx, in.TemplateID, in.VehicleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSubmissions(api huma.API, orch *submit.Orchestrator) {
	type submitInput struct {
		Body struct {
			TemplateID string                     `json:"template_id"`
			VehicleID  string                     `json:"vehicle_id,omitempty"`
			Mode       domain.SubmissionMode      `json:"mode,omitempty" enum:"draft,final"`
			Answers    domain.SerializedAnswerSet `json:"answers"`
			Metadata   map[string]any             `json:"metadata,omitempty"`
		}
	}
	type submitOutput struct {
		Body submit.Result
	}
	huma.Register(api, huma.Operation{
		OperationID: "submit",
		Method:      http.MethodPost,
		Path:        "/submissions",
		Summary:     "Submit an answer set, queueing it when offline",
	}, func(ctx context.Context, in *submitInput) (*submitOutput, error) {
		res, err := orch.Submit(ctx, submit.Options{
			TemplateID: in.Body.TemplateID,
			VehicleID:  in.Body.VehicleID,
			Mode:       in.Body.Mode,
			Serialized: &in.Body.Answers,
			Metadata:   in.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &submitOutput{Body: res}, nil
	})
}

func registerSync(api huma.API, dr *syncer.Drainer) {
	type syncOutput struct {
		Body syncer.Report
	}
	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Drain the submission queue",
	}, func(ctx context.Context, _ *struct{}) (*syncOutput, error) {
		report, err := dr.Drain(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &syncOutput{Body: report}, nil
	})
}

func registerConflicts(api huma.API, det *conflict.Detector) {
	type conflictsOutput struct {
		Body struct {
			Items []domain.ConflictReport `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "conflicts-list",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "Detect stale drafts against live templates",
	}, func(ctx context.Context, _ *struct{}) (*conflictsOutput, error) {
		items, err := det.CheckAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &conflictsOutput{}
		out.Body.Items = items
		return out, nil
	})

	type resolveInput struct {
		Body struct {
			TemplateID string `json:"template_id"`
			VehicleID  string `json:"vehicle_id,omitempty"`
			Action     string `json:"action" enum:"keep,discard,merge"`
		}
	}
	type resolveOutput struct {
		Body struct {
			Action  string                 `json:"action"`
			Handoff *conflict.MergeHandoff `json:"handoff,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "conflict-resolve",
		Method:      http.MethodPost,
		Path:        "/conflicts/resolve",
		Summary:     "Resolve one draft conflict",
	}, func(ctx context.Context, in *resolveInput) (*resolveOutput, error) {
		out := &resolveOutput{}
		out.Body.Action = in.Body.Action
		switch in.Body.Action {
		case "keep":
			if err := det.Keep(ctx, in.Body.TemplateID, in.Body.VehicleID); err != nil {
				return nil, handleError(err)
			}
		case "discard":
			if err := det.Discard(ctx, in.Body.TemplateID, in.Body.VehicleID); err != nil {
				return nil, handleError(err)
			}
		case "merge":
			handoff, err := det.Merge(ctx, in.Body.TemplateID, in.Body.VehicleID)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Handoff = handoff
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action must be keep, discard or merge", nil)
		}
		return out, nil
	})
}

func registerCleanup(api huma.API, st *store.Store) {
	type cleanupOutput struct {
		Body struct {
			Removed int `json:"removed"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "cleanup",
		Method:      http.MethodPost,
		Path:        "/cleanup",
		Summary:     "Remove invalid stored records",
	}, func(ctx context.Context, _ *struct{}) (*cleanupOutput, error) {
		removed, err := st.CleanupInvalid(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &cleanupOutput{}
		out.Body.Removed = removed
		return out, nil
	})
}
