package server

import (
	"lumigator/internal/domain"
	"lumigator/internal/engine"
	"lumigator/internal/jobdef"
)

// Request payloads

type CreateExperimentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Task        string `json:"task" enum:"summarization,translation,text-generation"`
	DatasetID   string `json:"dataset_id"`
	MaxSamples  int    `json:"max_samples,omitempty"`
}

type CreateWorkflowRequest struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	BaseURL      string `json:"base_url,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	TorchDtype      string `json:"torch_dtype,omitempty"`
	Accelerator     string `json:"accelerator,omitempty"`
	Revision        string `json:"revision,omitempty"`
	UseFast         bool   `json:"use_fast,omitempty"`
	TrustRemoteCode bool   `json:"trust_remote_code,omitempty"`

	Generation    *domain.GenerationParams `json:"generation_config,omitempty"`
	SecretKeyName string                   `json:"secret_key_name,omitempty"`
	JobTimeoutSec int                      `json:"job_timeout_sec,omitempty"`
}

type CreateJobRequest struct {
	Name       string `json:"name"`
	JobType    string `json:"job_type" enum:"inference,evaluation"`
	DatasetID  string `json:"dataset_id"`
	MaxSamples int    `json:"max_samples,omitempty"`

	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	OutputField  string `json:"output_field,omitempty"`
	Task         string `json:"task,omitempty"`

	Generation    *domain.GenerationParams `json:"generation_config,omitempty"`
	Metrics       []string                 `json:"metrics,omitempty"`
	Judge         string                   `json:"llm_as_judge,omitempty"`
	SecretKeyName string                   `json:"secret_key_name,omitempty"`
}

type RegisterDatasetRequest struct {
	Filename string `json:"filename"`
	URI      string `json:"uri"`
}

type UploadSecretRequest struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Response payloads

type ListResponse[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

type LogsResponse struct {
	Logs string `json:"logs"`
}

type DownloadURLResponse struct {
	DownloadURL string `json:"download_url"`
}

func jobRequestFromDTO(req CreateJobRequest) jobdef.Request {
	out := jobdef.Request{
		Name:          req.Name,
		JobType:       domain.JobType(req.JobType),
		MaxSamples:    req.MaxSamples,
		Model:         req.Model,
		Provider:      req.Provider,
		BaseURL:       req.BaseURL,
		SystemPrompt:  req.SystemPrompt,
		OutputField:   req.OutputField,
		Task:          req.Task,
		Metrics:       req.Metrics,
		Judge:         req.Judge,
		SecretKeyName: req.SecretKeyName,
	}
	if req.Generation != nil {
		out.Generation = *req.Generation
	}
	return out
}

func workflowSpecFromDTO(req CreateWorkflowRequest) engine.WorkflowSpec {
	spec := engine.WorkflowSpec{
		ExperimentID:    req.ExperimentID,
		Name:            req.Name,
		Description:     req.Description,
		Model:           req.Model,
		Provider:        req.Provider,
		BaseURL:         req.BaseURL,
		SystemPrompt:    req.SystemPrompt,
		TorchDtype:      req.TorchDtype,
		Accelerator:     req.Accelerator,
		Revision:        req.Revision,
		UseFast:         req.UseFast,
		TrustRemoteCode: req.TrustRemoteCode,
		SecretKeyName:   req.SecretKeyName,
		JobTimeoutSec:   req.JobTimeoutSec,
	}
	if req.Generation != nil {
		spec.Generation = *req.Generation
	}
	return spec
}
