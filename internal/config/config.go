package config

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultJobTimeoutSec     = 600
	DefaultPollInterval      = 5 * time.Second
	DefaultRemoteCallTimeout = 10 * time.Second
	DefaultIterationBudget   = 30 * time.Second
	DefaultDeleteWatchdog    = 60 * time.Second

	DefaultSummarizerPrompt = "You are a helpful assistant, expert in text summarization. " +
		"For every prompt you receive, provide a summary of its contents in at most two sentences."
)

// Config models lumigator.yaml plus the environment overrides bound in cmd.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	// SecretKey is the base64-encoded 32-byte AES master key.
	SecretKey string `yaml:"secret_key"`

	Ray struct {
		URL string `yaml:"url"`
	} `yaml:"ray"`

	Tracking struct {
		URL  string `yaml:"url"`
		Type string `yaml:"type"`
	} `yaml:"tracking"`

	Storage struct {
		Bucket        string `yaml:"bucket"`
		ResultsPrefix string `yaml:"results_prefix"`
	} `yaml:"storage"`

	Jobs struct {
		InferenceCommand string   `yaml:"inference_command"`
		InferencePipReqs string   `yaml:"inference_pip_reqs"`
		InferenceWorkDir string   `yaml:"inference_work_dir"`
		EvaluatorCommand string   `yaml:"evaluator_command"`
		EvaluatorPipReqs string   `yaml:"evaluator_pip_reqs"`
		EvaluatorWorkDir string   `yaml:"evaluator_work_dir"`
		WorkerEnvVars    []string `yaml:"worker_env_vars"`
		TimeoutSec       int      `yaml:"timeout_sec"`
	} `yaml:"jobs"`

	Providers struct {
		OpenAIURL   string `yaml:"openai_url"`
		MistralURL  string `yaml:"mistral_url"`
		DeepSeekURL string `yaml:"deepseek_url"`
	} `yaml:"providers"`

	DefaultSummarizerPrompt string `yaml:"default_summarizer_prompt"`

	// CORSAllowedOrigins is comma separated; '*' wins over everything else.
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns the config seeded with built-in defaults.
func Default() *Config {
	var cfg Config
	cfg.Tracking.Type = "mlflow"
	cfg.Storage.Bucket = "lumigator-storage"
	cfg.Storage.ResultsPrefix = "jobs/results"
	cfg.Jobs.InferenceCommand = "python inference.py"
	cfg.Jobs.EvaluatorCommand = "python evaluator.py"
	cfg.Jobs.TimeoutSec = DefaultJobTimeoutSec
	cfg.Providers.OpenAIURL = "https://api.openai.com/v1"
	cfg.Providers.MistralURL = "https://api.mistral.ai/v1"
	cfg.Providers.DeepSeekURL = "https://api.deepseek.com/v1"
	cfg.DefaultSummarizerPrompt = DefaultSummarizerPrompt
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.SecretKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.SecretKey)
		if err != nil {
			return fmt.Errorf("secret_key must be base64 encoded: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("secret_key must decode to 32 bytes for AES-256, got %d", len(key))
		}
	}
	if c.Tracking.Type != "" && c.Tracking.Type != "mlflow" {
		return fmt.Errorf("unsupported tracking type %q", c.Tracking.Type)
	}
	if c.Jobs.TimeoutSec < 0 {
		return fmt.Errorf("jobs.timeout_sec must be non-negative")
	}
	return nil
}

// MasterKey returns the decoded 32-byte AES key.
func (c *Config) MasterKey() ([]byte, error) {
	if c.SecretKey == "" {
		return nil, fmt.Errorf("secret_key is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("secret_key must be base64 encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret_key must decode to 32 bytes for AES-256, got %d", len(key))
	}
	return key, nil
}

// KeyFingerprint is the hex SHA-256 of the master key, recorded in the keys
// table so a changed key is caught before it produces garbage plaintext.
func (c *Config) KeyFingerprint() (string, error) {
	key, err := c.MasterKey()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:]), nil
}

// AllowedOrigins parses the comma-separated CORS allow-list. If the
// wildcard '*' appears anywhere, only it is returned.
func (c *Config) AllowedOrigins() []string {
	var result []string
	origins := strings.TrimSpace(c.CORSAllowedOrigins)
	if origins == "" {
		return result
	}
	for _, origin := range strings.Split(origins, ",") {
		o := strings.TrimSpace(origin)
		if o == "*" {
			return []string{o}
		}
		if o != "" {
			result = append(result, o)
		}
	}
	return result
}

// WorkerEnv copies the whitelisted environment variables into a runtime env
// map for a submission. Present vars win; absent ones are skipped.
func (c *Config) WorkerEnv(env map[string]string) {
	for _, name := range c.Jobs.WorkerEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
}

// JobTimeout returns the default per-job timeout.
func (c *Config) JobTimeout() time.Duration {
	if c.Jobs.TimeoutSec <= 0 {
		return DefaultJobTimeoutSec * time.Second
	}
	return time.Duration(c.Jobs.TimeoutSec) * time.Second
}

// ProviderBaseURL resolves the default API URL for a hosted provider.
func (c *Config) ProviderBaseURL(provider string) string {
	switch provider {
	case "openai", "oai":
		return c.Providers.OpenAIURL
	case "mistral":
		return c.Providers.MistralURL
	case "deepseek":
		return c.Providers.DeepSeekURL
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lumigator.yaml")
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes, layered over
// the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
