package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lumigator/internal/domain"
)

// Tag keys under which lumigator state lives in MLflow. Workflows are
// parent runs, jobs are child runs linked by mlflow.parentRunId.
const (
	tagKind         = "lumigator.kind"
	tagJobID        = "lumigator.job_id"
	tagWorkflowID   = "lumigator.workflow_id"
	tagModel        = "lumigator.model"
	tagSystemPrompt = "lumigator.system_prompt"
	tagDescription  = "lumigator.description"
	tagTask         = "lumigator.task"
	tagDatasetID    = "lumigator.dataset_id"
	tagMaxSamples   = "lumigator.max_samples"
	tagStatus       = "lumigator.status"
	tagSubmissionID = "lumigator.submission_id"
	tagParentRun    = "mlflow.parentRunId"
	tagRunName      = "mlflow.runName"
)

// MLflow implements Client over the MLflow REST API.
type MLflow struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewMLflow(baseURL string) *MLflow {
	return &MLflow{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: 10 * time.Second,
	}
}

type mlfTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlfMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

type mlfParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlfExperiment struct {
	ExperimentID string   `json:"experiment_id"`
	Name         string   `json:"name"`
	CreationTime int64    `json:"creation_time"`
	Tags         []mlfTag `json:"tags"`
}

type mlfRunInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
}

type mlfRunData struct {
	Tags    []mlfTag    `json:"tags"`
	Metrics []mlfMetric `json:"metrics"`
	Params  []mlfParam  `json:"params"`
}

type mlfRun struct {
	Info mlfRunInfo `json:"info"`
	Data mlfRunData `json:"data"`
}

func tagValue(tags []mlfTag, key string) string {
	for _, t := range tags {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}

func (c *MLflow) CreateExperiment(ctx context.Context, name, description, task, datasetID string, maxSamples int) (string, error) {
	body := map[string]any{
		"name": name,
		"tags": []mlfTag{
			{Key: tagDescription, Value: description},
			{Key: tagTask, Value: task},
			{Key: tagDatasetID, Value: datasetID},
			{Key: tagMaxSamples, Value: strconv.Itoa(maxSamples)},
		},
	}
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.do(ctx, "experiments/create", body, &resp); err != nil {
		return "", err
	}
	return resp.ExperimentID, nil
}

func (c *MLflow) GetExperiment(ctx context.Context, id string) (Experiment, error) {
	body := map[string]any{"experiment_id": id}
	var resp struct {
		Experiment mlfExperiment `json:"experiment"`
	}
	if err := c.do(ctx, "experiments/get", body, &resp); err != nil {
		return Experiment{}, err
	}
	return experimentFromMLflow(resp.Experiment), nil
}

func experimentFromMLflow(e mlfExperiment) Experiment {
	maxSamples, _ := strconv.Atoi(tagValue(e.Tags, tagMaxSamples))
	return Experiment{
		ID:          e.ExperimentID,
		Name:        e.Name,
		Description: tagValue(e.Tags, tagDescription),
		Task:        tagValue(e.Tags, tagTask),
		DatasetID:   tagValue(e.Tags, tagDatasetID),
		MaxSamples:  maxSamples,
		CreatedAt:   time.UnixMilli(e.CreationTime).UTC().Format(time.RFC3339),
	}
}

func (c *MLflow) ListExperiments(ctx context.Context, skip, limit int) ([]Experiment, error) {
	if limit <= 0 {
		limit = 100
	}
	body := map[string]any{"max_results": skip + limit}
	var resp struct {
		Experiments []mlfExperiment `json:"experiments"`
	}
	if err := c.do(ctx, "experiments/search", body, &resp); err != nil {
		return nil, err
	}
	if skip >= len(resp.Experiments) {
		return nil, nil
	}
	page := resp.Experiments[skip:]
	out := make([]Experiment, 0, len(page))
	for _, e := range page {
		out = append(out, experimentFromMLflow(e))
	}
	return out, nil
}

func (c *MLflow) ExperimentsCount(ctx context.Context) (int, error) {
	var resp struct {
		Experiments []mlfExperiment `json:"experiments"`
	}
	if err := c.do(ctx, "experiments/search", map[string]any{"max_results": 10000}, &resp); err != nil {
		return 0, err
	}
	return len(resp.Experiments), nil
}

func (c *MLflow) DeleteExperiment(ctx context.Context, id string) error {
	return c.do(ctx, "experiments/delete", map[string]any{"experiment_id": id}, nil)
}

func (c *MLflow) CreateWorkflow(ctx context.Context, experimentID, name, description, model, systemPrompt string) (string, error) {
	body := map[string]any{
		"experiment_id": experimentID,
		"run_name":      name,
		"start_time":    time.Now().UnixMilli(),
		"tags": []mlfTag{
			{Key: tagKind, Value: "workflow"},
			{Key: tagDescription, Value: description},
			{Key: tagModel, Value: model},
			{Key: tagSystemPrompt, Value: systemPrompt},
			{Key: tagStatus, Value: string(domain.WorkflowCreated)},
		},
	}
	var resp struct {
		Run mlfRun `json:"run"`
	}
	if err := c.do(ctx, "runs/create", body, &resp); err != nil {
		return "", err
	}
	return resp.Run.Info.RunID, nil
}

func (c *MLflow) UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error {
	if err := c.do(ctx, "runs/set-tag", map[string]any{
		"run_id": workflowID,
		"key":    tagStatus,
		"value":  string(status),
	}, nil); err != nil {
		return err
	}
	if !status.Terminal() {
		return nil
	}
	mlfStatus := "FINISHED"
	if status == domain.WorkflowFailed {
		mlfStatus = "FAILED"
	}
	return c.do(ctx, "runs/update", map[string]any{
		"run_id":   workflowID,
		"status":   mlfStatus,
		"end_time": time.Now().UnixMilli(),
	}, nil)
}

func (c *MLflow) DeleteWorkflow(ctx context.Context, workflowID string) error {
	return c.do(ctx, "runs/delete", map[string]any{"run_id": workflowID}, nil)
}

func (c *MLflow) ListWorkflows(ctx context.Context, experimentID string) ([]Workflow, error) {
	runs, err := c.searchRuns(ctx, []string{experimentID}, fmt.Sprintf("tags.%s = 'workflow'", tagKind))
	if err != nil {
		return nil, err
	}
	out := make([]Workflow, 0, len(runs))
	for _, r := range runs {
		out = append(out, Workflow{
			ID:           r.Info.RunID,
			ExperimentID: r.Info.ExperimentID,
			Name:         tagValue(r.Data.Tags, tagRunName),
			Description:  tagValue(r.Data.Tags, tagDescription),
			Model:        tagValue(r.Data.Tags, tagModel),
			SystemPrompt: tagValue(r.Data.Tags, tagSystemPrompt),
			Status:       domain.WorkflowStatus(tagValue(r.Data.Tags, tagStatus)),
		})
	}
	return out, nil
}

func (c *MLflow) CreateJob(ctx context.Context, experimentID, workflowID, name, jobID string) (string, error) {
	body := map[string]any{
		"experiment_id": experimentID,
		"run_name":      name,
		"start_time":    time.Now().UnixMilli(),
		"tags": []mlfTag{
			{Key: tagKind, Value: "job"},
			{Key: tagParentRun, Value: workflowID},
			{Key: tagWorkflowID, Value: workflowID},
			{Key: tagJobID, Value: jobID},
		},
	}
	var resp struct {
		Run mlfRun `json:"run"`
	}
	if err := c.do(ctx, "runs/create", body, &resp); err != nil {
		return "", err
	}
	return resp.Run.Info.RunID, nil
}

func (c *MLflow) UpdateJob(ctx context.Context, jobID string, outputs RunOutputs) error {
	run, err := c.findJobRun(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var metrics []mlfMetric
	for k, v := range outputs.Metrics {
		metrics = append(metrics, mlfMetric{Key: k, Value: v, Timestamp: now})
	}
	var params []mlfParam
	for k, v := range outputs.Parameters {
		params = append(params, mlfParam{Key: k, Value: v})
	}
	for k, v := range outputs.Artifacts {
		params = append(params, mlfParam{Key: "artifact." + k, Value: v})
	}
	tags := []mlfTag{}
	if outputs.SubmissionID != "" {
		tags = append(tags, mlfTag{Key: tagSubmissionID, Value: outputs.SubmissionID})
	}
	return c.do(ctx, "runs/log-batch", map[string]any{
		"run_id":  run.Info.RunID,
		"metrics": metrics,
		"params":  params,
		"tags":    tags,
	}, nil)
}

func (c *MLflow) GetJob(ctx context.Context, jobID string) (Run, error) {
	run, err := c.findJobRun(ctx, jobID)
	if err != nil {
		return Run{}, err
	}
	return runFromMLflow(run), nil
}

func (c *MLflow) DeleteJob(ctx context.Context, jobID string) error {
	run, err := c.findJobRun(ctx, jobID)
	if err != nil {
		return err
	}
	return c.do(ctx, "runs/delete", map[string]any{"run_id": run.Info.RunID}, nil)
}

func (c *MLflow) ListJobs(ctx context.Context, workflowID string) ([]Run, error) {
	runs, err := c.searchRuns(ctx, nil, fmt.Sprintf("tags.%s = '%s'", tagWorkflowID, workflowID))
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, runFromMLflow(r))
	}
	return out, nil
}

func runFromMLflow(r mlfRun) Run {
	outputs := RunOutputs{
		Metrics:      map[string]float64{},
		Parameters:   map[string]string{},
		Artifacts:    map[string]string{},
		SubmissionID: tagValue(r.Data.Tags, tagSubmissionID),
	}
	for _, m := range r.Data.Metrics {
		outputs.Metrics[m.Key] = m.Value
	}
	for _, p := range r.Data.Params {
		if name, ok := strings.CutPrefix(p.Key, "artifact."); ok {
			outputs.Artifacts[name] = p.Value
			continue
		}
		outputs.Parameters[p.Key] = p.Value
	}
	return Run{
		RunID:        r.Info.RunID,
		ExperimentID: r.Info.ExperimentID,
		WorkflowID:   tagValue(r.Data.Tags, tagWorkflowID),
		JobID:        tagValue(r.Data.Tags, tagJobID),
		Name:         tagValue(r.Data.Tags, tagRunName),
		Status:       r.Info.Status,
		StartTime:    r.Info.StartTime,
		Outputs:      outputs,
	}
}

func (c *MLflow) findJobRun(ctx context.Context, jobID string) (mlfRun, error) {
	runs, err := c.searchRuns(ctx, nil, fmt.Sprintf("tags.%s = '%s'", tagJobID, jobID))
	if err != nil {
		return mlfRun{}, err
	}
	if len(runs) == 0 {
		return mlfRun{}, domain.NotFound("tracking run", jobID)
	}
	return runs[0], nil
}

func (c *MLflow) searchRuns(ctx context.Context, experimentIDs []string, filter string) ([]mlfRun, error) {
	body := map[string]any{
		"filter":      filter,
		"max_results": 1000,
	}
	if len(experimentIDs) > 0 {
		body["experiment_ids"] = experimentIDs
	}
	var resp struct {
		Runs []mlfRun `json:"runs"`
	}
	if err := c.do(ctx, "runs/search", body, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *MLflow) do(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/2.0/mlflow/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Upstream("mlflow", "request failed", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return domain.NotFound("tracking entity", endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Upstream("mlflow", fmt.Sprintf("%s: status=%d body=%s", endpoint, resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return domain.Upstream("mlflow", "decode response", err)
		}
	}
	return nil
}
