package jobdef

import "encoding/json"

// EvalConfig is the document the evaluator worker reads.
type EvalConfig struct {
	Name       string           `json:"name"`
	Dataset    DatasetConfig    `json:"dataset"`
	Evaluation EvaluationConfig `json:"evaluation"`
}

type EvaluationConfig struct {
	Metrics           []string `json:"metrics"`
	LLMJudge          string   `json:"llm_as_judge,omitempty"`
	MaxSamples        int      `json:"max_samples"`
	ReturnInputData   bool     `json:"return_input_data"`
	ReturnPredictions bool     `json:"return_predictions"`
	StoragePath       string   `json:"storage_path"`
}

// EvaluationDefinition builds evaluation worker configs.
type EvaluationDefinition struct {
	Cmd  string
	Reqs string
	Dir  string
}

func (d EvaluationDefinition) Command() string      { return d.Cmd }
func (d EvaluationDefinition) PipReqs() string      { return d.Reqs }
func (d EvaluationDefinition) WorkDir() string      { return d.Dir }
func (d EvaluationDefinition) StoreAsDataset() bool { return false }

func (d EvaluationDefinition) GenerateConfig(req Request, jobID, datasetPath, storagePath string) ([]byte, error) {
	cfg := EvalConfig{
		Name:    jobConfigName(req.Name, jobID),
		Dataset: DatasetConfig{Path: datasetPath},
		Evaluation: EvaluationConfig{
			Metrics:           req.Metrics,
			LLMJudge:          req.Judge,
			MaxSamples:        req.MaxSamples,
			ReturnInputData:   true,
			ReturnPredictions: true,
			StoragePath:       storagePath,
		},
	}
	return json.Marshal(cfg)
}
