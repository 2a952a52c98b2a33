package domain

// JobType identifies which job definition builds and runs a job.
type JobType string

const (
	JobTypeInference  JobType = "inference"
	JobTypeEvaluation JobType = "evaluation"
)

// JobStatus is the lifecycle state of a single remote submission.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobStopped:
		return true
	}
	return false
}

// WorkflowStatus is the aggregate state of an ordered job sequence.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Terminal reports whether the workflow can still change state.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSucceeded || s == WorkflowFailed
}

type Job struct {
	ID           string    `json:"id"`
	WorkflowID   *string   `json:"workflow_id,omitempty"`
	ExperimentID *string   `json:"experiment_id,omitempty"`
	JobType      JobType   `json:"job_type" enum:"inference,evaluation"`
	Status       JobStatus `json:"status" enum:"created,pending,running,succeeded,failed,stopped"`
	SubmissionID *string   `json:"submission_id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Logs         string    `json:"-"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
	UpdatedAt    string    `json:"updated_at" format:"date-time"`
}

type JobResult struct {
	ID         string             `json:"id"`
	JobID      string             `json:"job_id"`
	Metrics    map[string]float64 `json:"metrics"`
	Parameters map[string]string  `json:"parameters,omitempty"`
	Artifacts  map[string]string  `json:"artifacts,omitempty"`
}

type Workflow struct {
	ID            string         `json:"id"`
	ExperimentID  string         `json:"experiment_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Model         string         `json:"model"`
	Provider      string         `json:"provider"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	Status        WorkflowStatus `json:"status" enum:"created,running,succeeded,failed"`
	JobTimeoutSec int            `json:"job_timeout_sec"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type Experiment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Task        string `json:"task" enum:"summarization,translation,text-generation"`
	DatasetID   string `json:"dataset_id"`
	MaxSamples  int    `json:"max_samples"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// DatasetFormat distinguishes uploaded datasets from job-generated ones.
type DatasetFormat string

const (
	DatasetFormatJob        DatasetFormat = "job"
	DatasetFormatExperiment DatasetFormat = "experiment"
)

type Dataset struct {
	ID          string        `json:"id"`
	Filename    string        `json:"filename"`
	URI         string        `json:"uri"`
	Format      DatasetFormat `json:"format" enum:"job,experiment"`
	GeneratedBy *string       `json:"generated_by,omitempty"`
	RunID       *string       `json:"run_id,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
}

// SecretMeta is the listable view of a secret. Values never appear here.
type SecretMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// GenerationParams are the sampling parameters forwarded to inference jobs.
type GenerationParams struct {
	MaxTokens        int     `json:"max_tokens,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
}

// Event is one audit log row. Every state transition appends one in the
// same transaction as the mutation it records.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
