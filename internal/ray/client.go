package ray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lumigator/internal/domain"
)

// Submission is a job submission request. The submission id is chosen by
// the caller (the job UUID rendered as text) so retries are idempotent.
type Submission struct {
	SubmissionID string
	Entrypoint   string
	NumCPUs      float64
	NumGPUs      float64
	Memory       int64
	RuntimeEnv   RuntimeEnv
	Metadata     map[string]string
}

// RuntimeEnv is the remote environment for a submission.
type RuntimeEnv struct {
	Pip        []string          `json:"pip,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
}

// JobDetails is the remote backend's view of a submission.
type JobDetails struct {
	SubmissionID string            `json:"submission_id"`
	Status       string            `json:"status"`
	Entrypoint   string            `json:"entrypoint"`
	Message      string            `json:"message,omitempty"`
	ErrorType    string            `json:"error_type,omitempty"`
	StartTime    int64             `json:"start_time,omitempty"`
	EndTime      int64             `json:"end_time,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RuntimeEnv   RuntimeEnv        `json:"runtime_env,omitempty"`
}

// Client is the thin typed interface over the remote execution backend.
type Client interface {
	Submit(ctx context.Context, sub Submission) (string, error)
	Get(ctx context.Context, submissionID string) (JobDetails, error)
	Stop(ctx context.Context, submissionID string) error
	Logs(ctx context.Context, submissionID string) (string, error)
}

// NormalizeStatus maps remote statuses onto job states. Unknown statuses
// map to pending so an upgraded backend cannot spuriously finish a job.
func NormalizeStatus(remote string) domain.JobStatus {
	switch strings.ToUpper(remote) {
	case "PENDING":
		return domain.JobPending
	case "RUNNING":
		return domain.JobRunning
	case "SUCCEEDED":
		return domain.JobSucceeded
	case "FAILED":
		return domain.JobFailed
	case "STOPPED":
		return domain.JobStopped
	}
	return domain.JobPending
}

// HTTPClient talks to the Ray jobs API.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: 10 * time.Second,
	}
}

type submitRequest struct {
	Entrypoint        string            `json:"entrypoint"`
	SubmissionID      string            `json:"submission_id,omitempty"`
	RuntimeEnv        RuntimeEnv        `json:"runtime_env"`
	EntrypointNumCPUs float64           `json:"entrypoint_num_cpus,omitempty"`
	EntrypointNumGPUs float64           `json:"entrypoint_num_gpus,omitempty"`
	EntrypointMemory  int64             `json:"entrypoint_memory,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
}

func (c *HTTPClient) Submit(ctx context.Context, sub Submission) (string, error) {
	var resp submitResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs/", submitRequest{
		Entrypoint:        sub.Entrypoint,
		SubmissionID:      sub.SubmissionID,
		RuntimeEnv:        sub.RuntimeEnv,
		EntrypointNumCPUs: sub.NumCPUs,
		EntrypointNumGPUs: sub.NumGPUs,
		EntrypointMemory:  sub.Memory,
		Metadata:          sub.Metadata,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.SubmissionID == "" {
		resp.SubmissionID = sub.SubmissionID
	}
	return resp.SubmissionID, nil
}

func (c *HTTPClient) Get(ctx context.Context, submissionID string) (JobDetails, error) {
	var details JobDetails
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(submissionID), nil, &details)
	return details, err
}

func (c *HTTPClient) Stop(ctx context.Context, submissionID string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(submissionID)+"/stop", nil, nil)
}

type logsResponse struct {
	Logs string `json:"logs"`
}

func (c *HTTPClient) Logs(ctx context.Context, submissionID string) (string, error) {
	var resp logsResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(submissionID)+"/logs", nil, &resp)
	return resp.Logs, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Upstream("ray", "request failed", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return domain.NotFound("submission", strings.TrimPrefix(path, "/api/jobs/"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Upstream("ray", fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return domain.Upstream("ray", "decode response", err)
		}
	}
	return nil
}
