package jobdef

import (
	"encoding/json"

	"lumigator/internal/domain"
)

// InferenceConfig is the document the inference worker reads.
type InferenceConfig struct {
	Name            string                   `json:"name"`
	Dataset         DatasetConfig            `json:"dataset"`
	Job             JobSectionConfig         `json:"job"`
	SystemPrompt    string                   `json:"system_prompt,omitempty"`
	HFPipeline      *HFPipelineConfig        `json:"hf_pipeline,omitempty"`
	InferenceServer *InferenceServerConfig   `json:"inference_server,omitempty"`
	Generation      *domain.GenerationParams `json:"generation_config,omitempty"`
}

type DatasetConfig struct {
	Path string `json:"path"`
}

type JobSectionConfig struct {
	MaxSamples  int    `json:"max_samples"`
	StoragePath string `json:"storage_path"`
	OutputField string `json:"output_field,omitempty"`
}

type HFPipelineConfig struct {
	ModelNameOrPath string `json:"model_name_or_path"`
	Task            string `json:"task"`
	TorchDtype      string `json:"torch_dtype,omitempty"`
	Accelerator     string `json:"accelerator,omitempty"`
	Revision        string `json:"revision,omitempty"`
	UseFast         bool   `json:"use_fast"`
	TrustRemoteCode bool   `json:"trust_remote_code"`
	MaxNewTokens    int    `json:"max_new_tokens"`
}

type InferenceServerConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	MaxRetries int    `json:"max_retries"`
}

// ProviderURLs resolves default base URLs for hosted providers.
type ProviderURLs interface {
	ProviderBaseURL(provider string) string
}

// InferenceDefinition builds inference worker configs. HuggingFace models
// run inside the worker; any other provider goes through an inference
// server pass-through.
type InferenceDefinition struct {
	Cmd          string
	Reqs         string
	Dir          string
	ProviderURLs ProviderURLs
}

func (d InferenceDefinition) Command() string      { return d.Cmd }
func (d InferenceDefinition) PipReqs() string      { return d.Reqs }
func (d InferenceDefinition) WorkDir() string      { return d.Dir }
func (d InferenceDefinition) StoreAsDataset() bool { return true }

func (d InferenceDefinition) GenerateConfig(req Request, jobID, datasetPath, storagePath string) ([]byte, error) {
	if err := ValidateModelRef(req.Model); err != nil {
		return nil, err
	}
	outputField := req.OutputField
	if outputField == "" {
		outputField = "predictions"
	}
	cfg := InferenceConfig{
		Name:    jobConfigName(req.Name, jobID),
		Dataset: DatasetConfig{Path: datasetPath},
		Job: JobSectionConfig{
			MaxSamples:  req.MaxSamples,
			StoragePath: storagePath,
			OutputField: outputField,
		},
		SystemPrompt: req.SystemPrompt,
	}
	if req.Provider == "huggingface" || req.Provider == "hf" {
		cfg.HFPipeline = &HFPipelineConfig{
			ModelNameOrPath: ModelName(req.Model),
			Task:            req.Task,
			TorchDtype:      req.TorchDtype,
			Accelerator:     req.Accelerator,
			Revision:        req.Revision,
			UseFast:         req.UseFast,
			TrustRemoteCode: req.TrustRemoteCode,
			MaxNewTokens:    500,
		}
	} else {
		baseURL := req.BaseURL
		if baseURL == "" && d.ProviderURLs != nil {
			baseURL = d.ProviderURLs.ProviderBaseURL(req.Provider)
		}
		cfg.InferenceServer = &InferenceServerConfig{
			BaseURL:    baseURL,
			Provider:   req.Provider,
			Model:      ModelName(req.Model),
			MaxRetries: 3,
		}
	}
	gen := req.Generation
	cfg.Generation = &gen
	return json.Marshal(cfg)
}
