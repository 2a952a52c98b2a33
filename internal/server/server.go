package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"lumigator/internal/domain"
	"lumigator/internal/engine"
	"lumigator/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         *engine.Engine
	BasePath       string
	Auth           AuthConfig
	AllowedOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"secret openai_api_key not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure renders as.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Lumigator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Lumigator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDatasets(group, cfg.Engine)
	registerExperiments(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerSecrets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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

// handleError maps service error kinds onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case domain.KindValidation:
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case domain.KindTypeUnsupported:
		return newAPIError(http.StatusBadRequest, "unsupported_job_type", err.Error(), map[string]any{
			"job_type": domain.TypeName(err),
		})
	case domain.KindUpstream:
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil)
	case domain.KindEncryption:
		return newAPIError(http.StatusInternalServerError, "encryption_error", "secret handling failed", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// corsMiddleware applies the configured allow-list. An empty list disables
// CORS entirely; a wildcard in the list shadows every other entry.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-health",
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

func registerDatasets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-dataset",
		Method:        http.MethodPost,
		Path:          "/datasets",
		Summary:       "Register dataset",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RegisterDatasetRequest `json:"body"`
	}) (*struct {
		Body domain.Dataset `json:"body"`
	}, error) {
		ds, err := e.RegisterDataset(ctx, input.Body.Filename, input.Body.URI)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dataset `json:"body"`
		}{Body: ds}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-datasets",
		Method:      http.MethodGet,
		Path:        "/datasets",
		Summary:     "List datasets",
	}, func(ctx context.Context, input *struct {
		Skip  int `query:"skip"`
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Dataset `json:"body"`
	}, error) {
		items, err := e.ListDatasets(ctx, input.Skip, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dataset `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dataset",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset_id}",
		Summary:     "Get dataset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DatasetID string `path:"dataset_id"`
	}) (*struct {
		Body domain.Dataset `json:"body"`
	}, error) {
		ds, err := e.GetDataset(ctx, input.DatasetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dataset `json:"body"`
		}{Body: ds}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-dataset",
		Method:        http.MethodDelete,
		Path:          "/datasets/{dataset_id}",
		Summary:       "Delete dataset",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DatasetID string `path:"dataset_id"`
	}) (*struct{}, error) {
		if err := e.DeleteDataset(ctx, input.DatasetID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerExperiments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-experiment",
		Method:        http.MethodPost,
		Path:          "/experiments",
		Summary:       "Create experiment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CreateExperimentRequest `json:"body"`
	}) (*struct {
		Body domain.Experiment `json:"body"`
	}, error) {
		exp, err := e.CreateExperiment(ctx, engine.ExperimentSpec{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Task:        input.Body.Task,
			DatasetID:   input.Body.DatasetID,
			MaxSamples:  input.Body.MaxSamples,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Experiment `json:"body"`
		}{Body: exp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experiments",
		Method:      http.MethodGet,
		Path:        "/experiments",
		Summary:     "List experiments",
	}, func(ctx context.Context, input *struct {
		Skip  int `query:"skip"`
		Limit int `query:"limit"`
	}) (*struct {
		Body ListResponse[domain.Experiment] `json:"body"`
	}, error) {
		items, total, err := e.ListExperiments(ctx, input.Skip, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Experiment] `json:"body"`
		}{Body: ListResponse[domain.Experiment]{Total: total, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experiment",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}",
		Summary:     "Get experiment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
	}) (*struct {
		Body domain.Experiment `json:"body"`
	}, error) {
		exp, err := e.GetExperiment(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Experiment `json:"body"`
		}{Body: exp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-experiment",
		Method:        http.MethodDelete,
		Path:          "/experiments/{experiment_id}",
		Summary:       "Delete experiment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
	}) (*struct{}, error) {
		if err := e.DeleteExperiment(ctx, input.ExperimentID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experiment-workflows",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/workflows",
		Summary:     "List workflows of an experiment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `path:"experiment_id"`
		Skip         int    `query:"skip"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body ListResponse[domain.Workflow] `json:"body"`
	}, error) {
		if _, err := e.GetExperiment(ctx, input.ExperimentID); err != nil {
			return nil, handleError(err)
		}
		items, total, err := e.ListWorkflows(ctx, input.ExperimentID, input.Skip, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Workflow] `json:"body"`
		}{Body: ListResponse[domain.Workflow]{Total: total, Items: items}}, nil
	})
}

func registerWorkflows(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		wf, err := e.CreateWorkflow(ctx, workflowSpecFromDTO(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow with jobs and metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body engine.WorkflowDetails `json:"body"`
	}, error) {
		details, err := e.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WorkflowDetails `json:"body"`
		}{Body: details}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-workflow",
		Method:        http.MethodDelete,
		Path:          "/workflows/{workflow_id}",
		Summary:       "Delete workflow",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		Force      bool   `query:"force"`
	}) (*struct{}, error) {
		if err := e.DeleteWorkflow(ctx, input.WorkflowID, input.Force); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create and submit job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := e.CreateJob(ctx, engine.JobSpec{
			Request:   jobRequestFromDTO(input.Body),
			DatasetID: input.Body.DatasetID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Skip    int      `query:"skip"`
		Limit   int      `query:"limit"`
		JobType []string `query:"job_type"`
	}) (*struct {
		Body ListResponse[domain.Job] `json:"body"`
	}, error) {
		filter := repo.JobFilter{}
		for _, t := range input.JobType {
			filter.JobTypes = append(filter.JobTypes, domain.JobType(t))
		}
		items, total, err := e.ListJobs(ctx, input.Skip, input.Limit, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Job] `json:"body"`
		}{Body: ListResponse[domain.Job]{Total: total, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := e.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel job",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := e.CancelJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-logs",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/logs",
		Summary:     "Get job logs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body LogsResponse `json:"body"`
	}, error) {
		logs, err := e.GetJobLogs(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogsResponse `json:"body"`
		}{Body: LogsResponse{Logs: logs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-result",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/result",
		Summary:     "Get job result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.JobResult `json:"body"`
	}, error) {
		res, err := e.GetJobResult(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-result-download",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/result/download",
		Summary:     "Get job result download URL",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body DownloadURLResponse `json:"body"`
	}, error) {
		url, err := e.JobResultDownloadURL(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DownloadURLResponse `json:"body"`
		}{Body: DownloadURLResponse{DownloadURL: url}}, nil
	})
}

func registerSecrets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-secrets",
		Method:      http.MethodGet,
		Path:        "/settings/secrets",
		Summary:     "List secret metadata",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.SecretMeta `json:"body"`
	}, error) {
		items, err := e.Secrets.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SecretMeta `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-secret",
		Method:        http.MethodPut,
		Path:          "/settings/secrets/{secret_name}",
		Summary:       "Create or update secret",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		SecretName string              `path:"secret_name"`
		Body       UploadSecretRequest `json:"body"`
	}) (*struct {
		Status int
	}, error) {
		created, err := e.Secrets.Upsert(ctx, input.SecretName, input.Body.Value, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusNoContent
		if created {
			status = http.StatusCreated
		}
		return &struct{ Status int }{Status: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-secret",
		Method:        http.MethodDelete,
		Path:          "/settings/secrets/{secret_name}",
		Summary:       "Delete secret",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SecretName string `path:"secret_name"`
	}) (*struct{}, error) {
		existed, err := e.Secrets.Delete(ctx, input.SecretName)
		if err != nil {
			return nil, handleError(err)
		}
		if !existed {
			return nil, handleError(domain.NotFound("secret", input.SecretName))
		}
		return nil, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilter{
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Type:       input.Type,
		}, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
