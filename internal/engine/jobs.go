package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lumigator/internal/config"
	"lumigator/internal/domain"
	"lumigator/internal/events"
	"lumigator/internal/jobdef"
	"lumigator/internal/ray"
	"lumigator/internal/repo"
)

// JobSpec is everything needed to create and submit one job.
type JobSpec struct {
	Request      jobdef.Request
	DatasetID    string
	WorkflowID   *string
	ExperimentID *string
}

// CreateJob creates a job row, builds its worker config and submits it to
// the remote backend. The remote submission id is the job UUID, so a retry
// of the same job can never double-submit.
//
// A job that fails to submit is marked failed immediately; the row is kept
// so the failure is visible and auditable.
func (e *Engine) CreateJob(ctx context.Context, spec JobSpec) (domain.Job, error) {
	def, err := e.Registry.Get(spec.Request.JobType)
	if err != nil {
		return domain.Job{}, err
	}

	dataset, err := e.Repo.GetDataset(ctx, spec.DatasetID)
	if err == repo.ErrNotFound {
		return domain.Job{}, domain.NotFound("dataset", spec.DatasetID)
	}
	if err != nil {
		return domain.Job{}, err
	}

	var secretValue string
	if spec.Request.SecretKeyName != "" {
		secretValue, err = e.Secrets.Read(ctx, spec.Request.SecretKeyName)
		if err != nil {
			return domain.Job{}, err
		}
	}

	jobID := uuid.New().String()
	storagePath := e.storagePath(jobID)
	cfgJSON, err := def.GenerateConfig(spec.Request, jobID, dataset.URI, storagePath)
	if err != nil {
		return domain.Job{}, err
	}

	now := e.now()
	job := domain.Job{
		ID:           jobID,
		WorkflowID:   spec.WorkflowID,
		ExperimentID: spec.ExperimentID,
		JobType:      spec.Request.JobType,
		Status:       domain.JobCreated,
		Name:         spec.Request.Name,
		Description:  fmt.Sprintf("%s job for %s", spec.Request.JobType, spec.Request.Name),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "job.created", "job", jobID, "engine", events.EventPayload{
			"job_type": string(job.JobType),
			"name":     job.Name,
		})
	})
	if err != nil {
		return domain.Job{}, err
	}

	env := map[string]string{}
	e.Config.WorkerEnv(env)
	if spec.Request.SecretKeyName != "" {
		env[strings.ToUpper(spec.Request.SecretKeyName)] = secretValue
	}
	sub := ray.Submission{
		SubmissionID: jobID,
		Entrypoint:   fmt.Sprintf("%s --config '%s'", def.Command(), string(cfgJSON)),
		RuntimeEnv: ray.RuntimeEnv{
			WorkingDir: def.WorkDir(),
			EnvVars:    env,
		},
		Metadata: map[string]string{"job_id": jobID},
	}
	if def.PipReqs() != "" {
		sub.RuntimeEnv.Pip = []string{"-r " + def.PipReqs()}
	}

	submissionID, submitErr := e.Ray.Submit(ctx, sub)
	if submitErr != nil {
		e.logf("job %s: submit failed: %v", jobID, submitErr)
		failNow := e.now()
		if txErr := e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.UpdateJobStatus(ctx, tx, jobID, domain.JobFailed, failNow); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "job.failed", "job", jobID, "engine", events.EventPayload{
				"reason": "submit failed",
			})
		}); txErr != nil {
			e.logf("job %s: recording submit failure: %v", jobID, txErr)
		}
		return domain.Job{}, domain.Upstream("ray", "job submission failed", submitErr)
	}

	pendingNow := e.now()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetJobSubmissionID(ctx, tx, jobID, submissionID, domain.JobPending, pendingNow); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "job.submitted", "job", jobID, "engine", events.EventPayload{
			"submission_id": submissionID,
		})
	})
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobPending
	job.SubmissionID = &submissionID
	job.UpdatedAt = pendingNow
	return job, nil
}

// GetJob returns the stored job, freshened with the live remote status when
// the job is still in flight. The live status is advisory only; persisting
// transitions is the reconciler's job.
func (e *Engine) GetJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Job{}, domain.NotFound("job", id)
	}
	if err != nil {
		return domain.Job{}, err
	}
	if !job.Status.Terminal() && job.SubmissionID != nil && e.Ray != nil && e.staleSince(job.UpdatedAt) {
		details, rerr := e.Ray.Get(ctx, *job.SubmissionID)
		if rerr == nil {
			job.Status = ray.NormalizeStatus(details.Status)
		}
	}
	return job, nil
}

// staleSince reports whether a row's last write predates the poll interval,
// so reads between reconciler cycles reuse the stored status.
func (e *Engine) staleSince(updatedAt string) bool {
	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return true
	}
	return e.Now().Sub(ts) > config.DefaultPollInterval
}

func (e *Engine) ListJobs(ctx context.Context, skip, limit int, filter repo.JobFilter) ([]domain.Job, int, error) {
	jobs, err := e.Repo.ListJobs(ctx, skip, limit, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Repo.CountJobs(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CancelJob stops a running submission. Cancelling a job that is already
// terminal is a no-op, not an error. A cancelled job is terminal and never
// revisited by the reconciler, so its workflow is advanced here.
func (e *Engine) CancelJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Job{}, domain.NotFound("job", id)
	}
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if job.SubmissionID != nil {
		if err := e.Ray.Stop(ctx, *job.SubmissionID); err != nil {
			if domain.KindOf(err) != domain.KindNotFound {
				return domain.Job{}, err
			}
		}
	}
	now := e.now()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateJobStatus(ctx, tx, id, domain.JobStopped, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "job.stopped", "job", id, "engine", events.EventPayload{
			"previous_status": string(job.Status),
		})
	})
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStopped
	job.UpdatedAt = now
	if aerr := e.AdvanceWorkflow(ctx, job); aerr != nil {
		e.logf("job %s: advancing workflow after cancel: %v", id, aerr)
	}
	return job, nil
}

// GetJobLogs prefers the live remote logs and falls back to the snapshot
// persisted at terminal time.
func (e *Engine) GetJobLogs(ctx context.Context, id string) (string, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err == repo.ErrNotFound {
		return "", domain.NotFound("job", id)
	}
	if err != nil {
		return "", err
	}
	if job.SubmissionID != nil && e.Ray != nil {
		logs, rerr := e.Ray.Logs(ctx, *job.SubmissionID)
		if rerr == nil {
			return logs, nil
		}
	}
	return job.Logs, nil
}

// GetJobResult returns the stored metrics and artifacts for a finished job.
func (e *Engine) GetJobResult(ctx context.Context, id string) (domain.JobResult, error) {
	res, err := e.Repo.GetJobResult(ctx, id)
	if err == repo.ErrNotFound {
		return domain.JobResult{}, domain.NotFound("job result", id)
	}
	return res, err
}

// JobResultDownloadURL is where the worker wrote the job's results
// document.
func (e *Engine) JobResultDownloadURL(ctx context.Context, id string) (string, error) {
	if _, err := e.Repo.GetJob(ctx, id); err != nil {
		if err == repo.ErrNotFound {
			return "", domain.NotFound("job", id)
		}
		return "", err
	}
	return e.resultsURL(id), nil
}
