package jobdef

import (
	"fmt"
	"strings"

	"lumigator/internal/domain"
)

// Request carries everything a definition needs to build a worker config.
// It is deliberately flat: workflow and job services fill in only the
// fields their job type uses.
type Request struct {
	Name         string
	JobType      domain.JobType
	MaxSamples   int
	Model        string
	Provider     string
	BaseURL      string
	SystemPrompt string
	OutputField  string
	Task         string

	// HuggingFace pipeline knobs; ignored for hosted providers.
	TorchDtype      string
	Accelerator     string
	Revision        string
	UseFast         bool
	TrustRemoteCode bool

	Generation domain.GenerationParams

	// Evaluation-only fields.
	Metrics []string
	Judge   string

	// SecretKeyName names the stored credential injected into the worker
	// environment.
	SecretKeyName string
}

// Definition is the per-job-type bundle of config builder, command and
// remote environment.
type Definition interface {
	// Command is the invocation string for the remote backend.
	Command() string
	// PipReqs points at the worker requirements file, if any.
	PipReqs() string
	// WorkDir is the remote working directory, if any.
	WorkDir() string
	// GenerateConfig builds the fully-resolved config the remote worker
	// reads, serialized as JSON.
	GenerateConfig(req Request, jobID, datasetPath, storagePath string) ([]byte, error)
	// StoreAsDataset reports whether the job output should be registered
	// as a new dataset for downstream jobs.
	StoreAsDataset() bool
}

// Registry maps job types to definitions.
type Registry struct {
	defs map[domain.JobType]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[domain.JobType]Definition{}}
}

func (r *Registry) Register(t domain.JobType, d Definition) {
	r.defs[t] = d
}

// Get returns the definition for a job type, or TypeUnsupported.
func (r *Registry) Get(t domain.JobType) (Definition, error) {
	d, ok := r.defs[t]
	if !ok {
		return nil, domain.TypeUnsupported(string(t))
	}
	return d, nil
}

// Types lists the registered job types.
func (r *Registry) Types() []domain.JobType {
	out := make([]domain.JobType, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	return out
}

var modelSchemes = map[string]bool{
	"hf":        true,
	"oai":       true,
	"mistral":   true,
	"llamafile": true,
	"deepseek":  true,
}

// ValidateModelRef checks a URI-prefixed model reference syntactically
// before submission.
func ValidateModelRef(model string) error {
	scheme, rest, ok := strings.Cut(model, "://")
	if !ok {
		return domain.Validation("model %q must be URI-prefixed, e.g. hf://org/name", model)
	}
	if !modelSchemes[scheme] {
		return domain.Validation("unknown model scheme %q", scheme)
	}
	if rest == "" {
		return domain.Validation("model %q has an empty path", model)
	}
	return nil
}

// ModelName strips the URI prefix from a model reference.
func ModelName(model string) string {
	if _, rest, ok := strings.Cut(model, "://"); ok {
		return rest
	}
	return model
}

func jobConfigName(requestName, jobID string) string {
	return fmt.Sprintf("%s/%s", requestName, jobID)
}
