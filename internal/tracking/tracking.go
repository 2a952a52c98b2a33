package tracking

import (
	"context"

	"lumigator/internal/domain"
)

// Experiment is the tracking backend's view of an experiment. The id is
// assigned by the backend and is the system-wide experiment identity.
type Experiment struct {
	ID          string
	Name        string
	Description string
	Task        string
	DatasetID   string
	MaxSamples  int
	CreatedAt   string
}

// Workflow is the tracking backend's view of a workflow.
type Workflow struct {
	ID           string
	ExperimentID string
	Name         string
	Description  string
	Model        string
	SystemPrompt string
	Status       domain.WorkflowStatus
}

// RunOutputs are the results attached to a tracked job run.
type RunOutputs struct {
	Metrics      map[string]float64
	Parameters   map[string]string
	Artifacts    map[string]string
	SubmissionID string
}

// Run is one tracked job run.
type Run struct {
	RunID        string
	ExperimentID string
	WorkflowID   string
	JobID        string
	Name         string
	Status       string
	StartTime    int64
	Outputs      RunOutputs
}

// Client is the thin typed interface over the tracking backend. All
// backend failures surface as Upstream errors; callers never see backend
// types.
type Client interface {
	CreateExperiment(ctx context.Context, name, description, task, datasetID string, maxSamples int) (string, error)
	GetExperiment(ctx context.Context, id string) (Experiment, error)
	ListExperiments(ctx context.Context, skip, limit int) ([]Experiment, error)
	ExperimentsCount(ctx context.Context) (int, error)
	DeleteExperiment(ctx context.Context, id string) error

	CreateWorkflow(ctx context.Context, experimentID, name, description, model, systemPrompt string) (string, error)
	UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error
	DeleteWorkflow(ctx context.Context, workflowID string) error
	ListWorkflows(ctx context.Context, experimentID string) ([]Workflow, error)

	CreateJob(ctx context.Context, experimentID, workflowID, name, jobID string) (string, error)
	UpdateJob(ctx context.Context, jobID string, outputs RunOutputs) error
	GetJob(ctx context.Context, jobID string) (Run, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, workflowID string) ([]Run, error)
}

// BackendType names a supported tracking backend.
type BackendType string

const BackendMLflow BackendType = "mlflow"

// NewClient builds a tracking client for the configured backend type.
func NewClient(backend BackendType, baseURL string) (Client, error) {
	switch backend {
	case BackendMLflow, "":
		return NewMLflow(baseURL), nil
	}
	return nil, domain.Validation("unsupported tracking backend %q", backend)
}
