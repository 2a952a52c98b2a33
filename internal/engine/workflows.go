package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"lumigator/internal/config"
	"lumigator/internal/domain"
	"lumigator/internal/events"
	"lumigator/internal/jobdef"
	"lumigator/internal/ray"
	"lumigator/internal/repo"
	"lumigator/internal/tracking"
)

// WorkflowSpec is the request to run a full inference-then-evaluation
// pipeline against an experiment's dataset.
type WorkflowSpec struct {
	ExperimentID string
	Name         string
	Description  string
	Model        string
	Provider     string
	BaseURL      string
	SystemPrompt string

	TorchDtype      string
	Accelerator     string
	Revision        string
	UseFast         bool
	TrustRemoteCode bool

	Generation    domain.GenerationParams
	SecretKeyName string
	JobTimeoutSec int
}

// WorkflowDetails is a workflow with its jobs and aggregated outputs.
type WorkflowDetails struct {
	domain.Workflow
	Jobs                 []domain.Job       `json:"jobs"`
	Metrics              map[string]float64 `json:"metrics,omitempty"`
	Parameters           map[string]string  `json:"parameters,omitempty"`
	ArtifactsDownloadURL string             `json:"artifacts_download_url,omitempty"`
}

// CreateWorkflow validates the whole pipeline up front, registers the
// workflow with the tracking backend, then submits the first job. The
// tracking backend assigns the workflow id, so a workflow that never got
// past registration leaves no orphaned tracking run.
func (e *Engine) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (domain.Workflow, error) {
	exp, err := e.Repo.GetExperiment(ctx, spec.ExperimentID)
	if err == repo.ErrNotFound {
		return domain.Workflow{}, domain.NotFound("experiment", spec.ExperimentID)
	}
	if err != nil {
		return domain.Workflow{}, err
	}

	if err := jobdef.ValidateModelRef(spec.Model); err != nil {
		return domain.Workflow{}, err
	}
	// Every job type in the pipeline must be buildable before anything is
	// created.
	for _, t := range []domain.JobType{domain.JobTypeInference, domain.JobTypeEvaluation} {
		if _, err := e.Registry.Get(t); err != nil {
			return domain.Workflow{}, err
		}
	}
	if spec.SecretKeyName != "" {
		ok, err := e.Secrets.IsConfigured(ctx, spec.SecretKeyName)
		if err != nil {
			return domain.Workflow{}, err
		}
		if !ok {
			return domain.Workflow{}, domain.NotFound("secret", spec.SecretKeyName)
		}
	}

	systemPrompt := spec.SystemPrompt
	if systemPrompt == "" {
		switch exp.Task {
		case "summarization":
			systemPrompt = e.Config.DefaultSummarizerPrompt
		case "text-generation":
			return domain.Workflow{}, domain.Validation("a system prompt is required for text generation")
		}
	}

	timeout := spec.JobTimeoutSec
	if timeout <= 0 {
		timeout = int(e.Config.JobTimeout() / time.Second)
	}

	workflowID, err := e.Tracking.CreateWorkflow(ctx, exp.ID, spec.Name, spec.Description, spec.Model, systemPrompt)
	if err != nil {
		return domain.Workflow{}, err
	}

	now := e.now()
	wf := domain.Workflow{
		ID:            workflowID,
		ExperimentID:  exp.ID,
		Name:          spec.Name,
		Description:   spec.Description,
		Model:         spec.Model,
		Provider:      spec.Provider,
		SystemPrompt:  systemPrompt,
		Status:        domain.WorkflowCreated,
		JobTimeoutSec: timeout,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "workflow.created", "workflow", workflowID, "engine", events.EventPayload{
			"experiment_id": exp.ID,
			"model":         spec.Model,
		})
	})
	if err != nil {
		return domain.Workflow{}, err
	}

	req := e.inferenceRequest(spec, exp, systemPrompt)
	job, err := e.CreateJob(ctx, JobSpec{
		Request:      req,
		DatasetID:    exp.DatasetID,
		WorkflowID:   &workflowID,
		ExperimentID: &exp.ID,
	})
	if err != nil {
		e.failWorkflow(ctx, workflowID, "first job submission failed")
		return domain.Workflow{}, err
	}
	if _, terr := e.Tracking.CreateJob(ctx, exp.ID, workflowID, job.Name, job.ID); terr != nil {
		e.logf("workflow %s: tracking job registration: %v", workflowID, terr)
	}

	runNow := e.now()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateWorkflowStatus(ctx, tx, workflowID, domain.WorkflowRunning, runNow); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "workflow.running", "workflow", workflowID, "engine", events.EventPayload{
			"first_job_id": job.ID,
		})
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	if terr := e.Tracking.UpdateWorkflowStatus(ctx, workflowID, domain.WorkflowRunning); terr != nil {
		e.logf("workflow %s: tracking status update: %v", workflowID, terr)
	}
	wf.Status = domain.WorkflowRunning
	wf.UpdatedAt = runNow
	return wf, nil
}

func (e *Engine) inferenceRequest(spec WorkflowSpec, exp domain.Experiment, systemPrompt string) jobdef.Request {
	return jobdef.Request{
		Name:            spec.Name + "-inference",
		JobType:         domain.JobTypeInference,
		MaxSamples:      exp.MaxSamples,
		Model:           spec.Model,
		Provider:        spec.Provider,
		BaseURL:         spec.BaseURL,
		SystemPrompt:    systemPrompt,
		Task:            exp.Task,
		TorchDtype:      spec.TorchDtype,
		Accelerator:     spec.Accelerator,
		Revision:        spec.Revision,
		UseFast:         spec.UseFast,
		TrustRemoteCode: spec.TrustRemoteCode,
		Generation:      spec.Generation,
		SecretKeyName:   spec.SecretKeyName,
	}
}

func (e *Engine) evaluationRequest(wf domain.Workflow, exp domain.Experiment) jobdef.Request {
	return jobdef.Request{
		Name:       wf.Name + "-evaluation",
		JobType:    domain.JobTypeEvaluation,
		MaxSamples: exp.MaxSamples,
		Model:      wf.Model,
		Provider:   wf.Provider,
		Task:       exp.Task,
		Metrics:    []string{"rouge", "meteor", "bertscore"},
	}
}

// AdvanceWorkflow reacts to one of the workflow's jobs reaching a terminal
// state. Callers serialize invocations per workflow. A succeeded inference
// job registers its output dataset and chains the evaluation job; a
// succeeded evaluation job completes the workflow. Any failed or stopped
// job fails the workflow and stops its surviving siblings.
func (e *Engine) AdvanceWorkflow(ctx context.Context, job domain.Job) error {
	if job.WorkflowID == nil {
		return nil
	}
	wf, err := e.Repo.GetWorkflow(ctx, *job.WorkflowID)
	if err == repo.ErrNotFound {
		return domain.NotFound("workflow", *job.WorkflowID)
	}
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}
	exp, err := e.Repo.GetExperiment(ctx, wf.ExperimentID)
	if err == repo.ErrNotFound {
		return domain.NotFound("experiment", wf.ExperimentID)
	}
	if err != nil {
		return err
	}

	if job.Status != domain.JobSucceeded {
		e.failWorkflow(ctx, wf.ID, "job "+job.ID+" "+string(job.Status))
		e.stopSiblings(ctx, wf.ID, job.ID)
		return nil
	}

	outputs := e.collectOutputs(ctx, job)
	if len(outputs.Metrics) > 0 || len(outputs.Parameters) > 0 || len(outputs.Artifacts) > 0 {
		res := domain.JobResult{
			ID:         uuid.New().String(),
			JobID:      job.ID,
			Metrics:    outputs.Metrics,
			Parameters: outputs.Parameters,
			Artifacts:  outputs.Artifacts,
		}
		now := e.now()
		if err := e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.InsertJobResult(ctx, tx, res, now)
		}); err != nil {
			return err
		}
	}

	def, err := e.Registry.Get(job.JobType)
	if err != nil {
		return err
	}
	if def.StoreAsDataset() {
		if err := e.registerOutputDataset(ctx, wf, job); err != nil {
			return err
		}
	}

	switch job.JobType {
	case domain.JobTypeInference:
		return e.chainEvaluation(ctx, wf, exp, job)
	case domain.JobTypeEvaluation:
		return e.completeWorkflow(ctx, wf, job)
	}
	return nil
}

// collectOutputs pulls the run outputs the worker logged to the tracking
// backend. Tracking outages degrade to empty outputs rather than blocking
// workflow advancement.
func (e *Engine) collectOutputs(ctx context.Context, job domain.Job) tracking.RunOutputs {
	if e.Tracking == nil {
		return tracking.RunOutputs{}
	}
	run, err := e.Tracking.GetJob(ctx, job.ID)
	if err != nil {
		e.logf("job %s: tracking outputs unavailable: %v", job.ID, err)
		return tracking.RunOutputs{}
	}
	return run.Outputs
}

func (e *Engine) registerOutputDataset(ctx context.Context, wf domain.Workflow, job domain.Job) error {
	ds := domain.Dataset{
		ID:          uuid.New().String(),
		Filename:    job.Name + "-results.json",
		URI:         e.resultsURL(job.ID),
		Format:      domain.DatasetFormatJob,
		GeneratedBy: &wf.ID,
		RunID:       &job.ID,
		CreatedAt:   e.now(),
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertDatasetTx(ctx, tx, ds); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "dataset.registered", "dataset", ds.ID, "engine", events.EventPayload{
			"run_id":      job.ID,
			"workflow_id": wf.ID,
		})
	})
}

func (e *Engine) chainEvaluation(ctx context.Context, wf domain.Workflow, exp domain.Experiment, inference domain.Job) error {
	ds, err := e.Repo.GetDatasetByRunID(ctx, inference.ID)
	if err == repo.ErrNotFound {
		e.failWorkflow(ctx, wf.ID, "inference output dataset missing")
		return nil
	}
	if err != nil {
		return err
	}
	req := e.evaluationRequest(wf, exp)
	job, err := e.CreateJob(ctx, JobSpec{
		Request:      req,
		DatasetID:    ds.ID,
		WorkflowID:   &wf.ID,
		ExperimentID: &wf.ExperimentID,
	})
	if err != nil {
		e.failWorkflow(ctx, wf.ID, "evaluation submission failed")
		return err
	}
	if _, terr := e.Tracking.CreateJob(ctx, wf.ExperimentID, wf.ID, job.Name, job.ID); terr != nil {
		e.logf("workflow %s: tracking job registration: %v", wf.ID, terr)
	}
	return nil
}

// completeWorkflow publishes the flattened aggregate outputs of the whole
// pipeline onto the final run, then marks the workflow succeeded.
func (e *Engine) completeWorkflow(ctx context.Context, wf domain.Workflow, last domain.Job) error {
	if agg := e.aggregateOutputs(ctx, wf.ID); len(agg.Metrics) > 0 || len(agg.Parameters) > 0 || len(agg.Artifacts) > 0 {
		if terr := e.Tracking.UpdateJob(ctx, last.ID, agg); terr != nil {
			e.logf("workflow %s: publishing aggregate outputs: %v", wf.ID, terr)
		}
	}
	now := e.now()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateWorkflowStatus(ctx, tx, wf.ID, domain.WorkflowSucceeded, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "workflow.succeeded", "workflow", wf.ID, "engine", nil)
	})
	if err != nil {
		return err
	}
	if terr := e.Tracking.UpdateWorkflowStatus(ctx, wf.ID, domain.WorkflowSucceeded); terr != nil {
		e.logf("workflow %s: tracking status update: %v", wf.ID, terr)
	}
	return nil
}

// aggregateOutputs merges the stored results of every job in the workflow
// into one flat set, later jobs winning on key collisions.
func (e *Engine) aggregateOutputs(ctx context.Context, workflowID string) tracking.RunOutputs {
	var agg tracking.RunOutputs
	jobs, err := e.Repo.ListJobs(ctx, 0, 0, repo.JobFilter{WorkflowID: workflowID})
	if err != nil {
		e.logf("workflow %s: listing jobs for aggregation: %v", workflowID, err)
		return agg
	}
	for _, j := range jobs {
		res, err := e.Repo.GetJobResult(ctx, j.ID)
		if err == repo.ErrNotFound {
			continue
		}
		if err != nil {
			e.logf("workflow %s: reading result for job %s: %v", workflowID, j.ID, err)
			continue
		}
		for k, v := range res.Metrics {
			if agg.Metrics == nil {
				agg.Metrics = map[string]float64{}
			}
			agg.Metrics[k] = v
		}
		for k, v := range res.Parameters {
			if agg.Parameters == nil {
				agg.Parameters = map[string]string{}
			}
			agg.Parameters[k] = v
		}
		for k, v := range res.Artifacts {
			if agg.Artifacts == nil {
				agg.Artifacts = map[string]string{}
			}
			agg.Artifacts[k] = v
		}
	}
	return agg
}

func (e *Engine) failWorkflow(ctx context.Context, workflowID, reason string) {
	now := e.now()
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateWorkflowStatus(ctx, tx, workflowID, domain.WorkflowFailed, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "workflow.failed", "workflow", workflowID, "engine", events.EventPayload{
			"reason": reason,
		})
	})
	if err != nil {
		e.logf("workflow %s: recording failure: %v", workflowID, err)
		return
	}
	if terr := e.Tracking.UpdateWorkflowStatus(ctx, workflowID, domain.WorkflowFailed); terr != nil {
		e.logf("workflow %s: tracking status update: %v", workflowID, terr)
	}
}

// stopSiblings cancels the workflow's other in-flight jobs after one of
// them fails.
func (e *Engine) stopSiblings(ctx context.Context, workflowID, exceptJobID string) {
	jobs, err := e.Repo.ListJobs(ctx, 0, 0, repo.JobFilter{WorkflowID: workflowID})
	if err != nil {
		e.logf("workflow %s: listing siblings: %v", workflowID, err)
		return
	}
	for _, j := range jobs {
		if j.ID == exceptJobID || j.Status.Terminal() {
			continue
		}
		if _, err := e.CancelJob(ctx, j.ID); err != nil {
			e.logf("workflow %s: stopping job %s: %v", workflowID, j.ID, err)
		}
	}
}

// GetWorkflow returns the workflow with its jobs in submission order and
// the evaluation metrics, once present.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (WorkflowDetails, error) {
	wf, err := e.Repo.GetWorkflow(ctx, id)
	if err == repo.ErrNotFound {
		return WorkflowDetails{}, domain.NotFound("workflow", id)
	}
	if err != nil {
		return WorkflowDetails{}, err
	}
	jobs, err := e.Repo.ListJobs(ctx, 0, 0, repo.JobFilter{WorkflowID: id})
	if err != nil {
		return WorkflowDetails{}, err
	}
	details := WorkflowDetails{Workflow: wf, Jobs: jobs}
	for _, j := range jobs {
		res, err := e.Repo.GetJobResult(ctx, j.ID)
		if err == repo.ErrNotFound {
			continue
		}
		if err != nil {
			return WorkflowDetails{}, err
		}
		if details.Metrics == nil {
			details.Metrics = map[string]float64{}
		}
		for k, v := range res.Metrics {
			details.Metrics[k] = v
		}
		for k, v := range res.Parameters {
			if details.Parameters == nil {
				details.Parameters = map[string]string{}
			}
			details.Parameters[k] = v
		}
		if j.JobType == domain.JobTypeEvaluation {
			details.ArtifactsDownloadURL = e.resultsURL(j.ID)
		}
	}
	return details, nil
}

func (e *Engine) ListWorkflows(ctx context.Context, experimentID string, skip, limit int) ([]domain.Workflow, int, error) {
	wfs, err := e.Repo.ListWorkflows(ctx, experimentID, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Repo.CountWorkflows(ctx, experimentID)
	if err != nil {
		return nil, 0, err
	}
	return wfs, total, nil
}

// DeleteWorkflow removes a workflow and everything hanging off it. A
// non-terminal workflow is only deleted with force, which first stops its
// jobs and waits, up to the watchdog budget, for the remote backend to
// confirm.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string, force bool) error {
	wf, err := e.Repo.GetWorkflow(ctx, id)
	if err == repo.ErrNotFound {
		return domain.NotFound("workflow", id)
	}
	if err != nil {
		return err
	}
	if !wf.Status.Terminal() {
		if !force {
			return domain.Validation("workflow %s is %s; delete requires force", id, wf.Status)
		}
		if err := e.stopWorkflowJobs(ctx, id); err != nil {
			return err
		}
	}
	if terr := e.Tracking.DeleteWorkflow(ctx, id); terr != nil {
		if domain.KindOf(terr) != domain.KindNotFound {
			e.logf("workflow %s: tracking delete: %v", id, terr)
		}
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteWorkflow(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "workflow.deleted", "workflow", id, "engine", events.EventPayload{
			"force": force,
		})
	})
}

// stopWorkflowJobs stops every in-flight job and polls until the remote
// backend reports them terminal or the watchdog expires. Expiry does not
// abort the delete; the remote backend cleans up stragglers on its own.
func (e *Engine) stopWorkflowJobs(ctx context.Context, workflowID string) error {
	jobs, err := e.Repo.ListJobs(ctx, 0, 0, repo.JobFilter{WorkflowID: workflowID})
	if err != nil {
		return err
	}
	var pending []domain.Job
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if _, err := e.CancelJob(ctx, j.ID); err != nil {
			e.logf("workflow %s: stopping job %s: %v", workflowID, j.ID, err)
		}
		if j.SubmissionID != nil {
			pending = append(pending, j)
		}
	}
	deadline := e.Now().Add(e.deleteWatchdog())
	for len(pending) > 0 && e.Now().Before(deadline) {
		var still []domain.Job
		for _, j := range pending {
			details, err := e.Ray.Get(ctx, *j.SubmissionID)
			if err != nil {
				if domain.KindOf(err) == domain.KindNotFound {
					continue
				}
				still = append(still, j)
				continue
			}
			if !ray.NormalizeStatus(details.Status).Terminal() {
				still = append(still, j)
			}
		}
		pending = still
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if len(pending) > 0 {
		e.logf("workflow %s: %d jobs still stopping after watchdog", workflowID, len(pending))
	}
	return nil
}

func (e *Engine) deleteWatchdog() time.Duration {
	return config.DefaultDeleteWatchdog
}
