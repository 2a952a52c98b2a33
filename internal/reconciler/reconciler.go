package reconciler

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"lumigator/internal/config"
	"lumigator/internal/domain"
	"lumigator/internal/engine"
	"lumigator/internal/events"
	"lumigator/internal/ray"
	"lumigator/internal/repo"
)

// Reconciler is the single loop that converges stored job states with the
// remote backend. It is the only writer of remote-observed transitions;
// the API layer merges live status into reads but never persists it.
type Reconciler struct {
	Engine          *engine.Engine
	Interval        time.Duration
	IterationBudget time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	Logger          *log.Logger

	// Sleep is swappable so tests do not wait out real backoff.
	Sleep func(ctx context.Context, d time.Duration)

	mu      sync.Mutex
	wfLocks map[string]*sync.Mutex
}

func New(e *engine.Engine) *Reconciler {
	return &Reconciler{
		Engine:          e,
		Interval:        config.DefaultPollInterval,
		IterationBudget: config.DefaultIterationBudget,
		MaxAttempts:     5,
		BackoffBase:     time.Second,
		BackoffCap:      20 * time.Second,
		Logger:          log.Default(),
		Sleep:           sleepCtx,
		wfLocks:         map[string]*sync.Mutex{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run polls until the context is cancelled. Errors inside an iteration are
// logged and never stop the loop.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one reconciliation pass over all in-flight jobs, bounded
// by the iteration budget.
func (r *Reconciler) RunOnce(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, r.IterationBudget)
	defer cancel()

	jobs, err := r.Engine.Repo.ListJobs(iterCtx, 0, 0, repo.JobFilter{
		Statuses: []domain.JobStatus{domain.JobPending, domain.JobRunning},
	})
	if err != nil {
		r.logf("reconciler: listing in-flight jobs: %v", err)
		return
	}
	for _, job := range jobs {
		if iterCtx.Err() != nil {
			return
		}
		r.reconcileJob(iterCtx, job)
	}
}

func (r *Reconciler) lockFor(workflowID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.wfLocks[workflowID]
	if !ok {
		m = &sync.Mutex{}
		r.wfLocks[workflowID] = m
	}
	return m
}

func (r *Reconciler) reconcileJob(ctx context.Context, job domain.Job) {
	if job.WorkflowID != nil {
		m := r.lockFor(*job.WorkflowID)
		m.Lock()
		defer m.Unlock()
	}
	if job.SubmissionID == nil {
		return
	}

	details, err := r.getWithRetry(ctx, *job.SubmissionID)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			// The remote backend lost the submission entirely.
			if r.finishJob(ctx, job, domain.JobFailed, "submission lost by remote backend") {
				job.Status = domain.JobFailed
				if aerr := r.Engine.AdvanceWorkflow(ctx, job); aerr != nil {
					r.logf("reconciler: advancing workflow for job %s: %v", job.ID, aerr)
				}
			}
			return
		}
		r.logf("reconciler: job %s unreachable this cycle: %v", job.ID, err)
		return
	}

	status := ray.NormalizeStatus(details.Status)
	if !status.Terminal() {
		if r.timedOut(ctx, job, details) {
			return
		}
		if status != job.Status {
			r.transition(ctx, job, status)
		}
		return
	}
	logs := r.fetchLogs(ctx, job, details)
	updated := r.finishJobWithLogs(ctx, job, status, logs)
	if updated {
		job.Status = status
		if err := r.Engine.AdvanceWorkflow(ctx, job); err != nil {
			r.logf("reconciler: advancing workflow for job %s: %v", job.ID, err)
		}
	}
}

// timedOut enforces the per-job wall-clock limit, measured from the remote
// start time when the backend reports one and from submission otherwise.
// A job past its budget is stopped remotely and failed locally.
func (r *Reconciler) timedOut(ctx context.Context, job domain.Job, details ray.JobDetails) bool {
	started, err := time.Parse(time.RFC3339, job.CreatedAt)
	if err != nil {
		return false
	}
	if details.StartTime > 0 {
		started = time.UnixMilli(details.StartTime).UTC()
	}
	timeout := r.Engine.Config.JobTimeout()
	if job.WorkflowID != nil {
		if wf, werr := r.Engine.Repo.GetWorkflow(ctx, *job.WorkflowID); werr == nil && wf.JobTimeoutSec > 0 {
			timeout = time.Duration(wf.JobTimeoutSec) * time.Second
		}
	}
	if r.Engine.Now().Sub(started) <= timeout {
		return false
	}
	if err := r.Engine.Ray.Stop(ctx, *job.SubmissionID); err != nil {
		if domain.KindOf(err) != domain.KindNotFound {
			r.logf("reconciler: stopping timed out job %s: %v", job.ID, err)
		}
	}
	updated := r.finishJob(ctx, job, domain.JobFailed, "job exceeded timeout")
	if updated {
		job.Status = domain.JobFailed
		if err := r.Engine.AdvanceWorkflow(ctx, job); err != nil {
			r.logf("reconciler: advancing workflow for job %s: %v", job.ID, err)
		}
	}
	return true
}

// getWithRetry polls the remote backend, backing off on upstream errors.
// The backoff doubles from the base up to the cap; after the attempt
// budget the job is left untouched until the next cycle.
func (r *Reconciler) getWithRetry(ctx context.Context, submissionID string) (ray.JobDetails, error) {
	delay := r.BackoffBase
	var lastErr error
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		if attempt > 0 {
			r.Sleep(ctx, delay)
			delay *= 2
			if delay > r.BackoffCap {
				delay = r.BackoffCap
			}
			if ctx.Err() != nil {
				return ray.JobDetails{}, ctx.Err()
			}
		}
		details, err := r.Engine.Ray.Get(ctx, submissionID)
		if err == nil {
			return details, nil
		}
		if domain.KindOf(err) == domain.KindNotFound {
			return ray.JobDetails{}, err
		}
		lastErr = err
	}
	return ray.JobDetails{}, lastErr
}

func (r *Reconciler) fetchLogs(ctx context.Context, job domain.Job, details ray.JobDetails) string {
	logs, err := r.Engine.Ray.Logs(ctx, *job.SubmissionID)
	if err != nil {
		r.logf("reconciler: logs for job %s: %v", job.ID, err)
		if details.Message != "" {
			return details.Message
		}
		return ""
	}
	return logs
}

// transition records a non-terminal move, e.g. pending to running. A row
// that reached a terminal state since listing is left alone.
func (r *Reconciler) transition(ctx context.Context, job domain.Job, status domain.JobStatus) {
	now := r.Engine.Now().UTC().Format(time.RFC3339)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.Engine.Repo.GetJobTx(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() || current.Status == status {
			return nil
		}
		if err := r.Engine.Repo.UpdateJobStatus(ctx, tx, job.ID, status, now); err != nil {
			return err
		}
		return r.Engine.Events.Append(ctx, tx, "job."+string(status), "job", job.ID, "reconciler", events.EventPayload{
			"previous_status": string(current.Status),
		})
	})
	if err != nil {
		r.logf("reconciler: job %s to %s: %v", job.ID, status, err)
	}
}

func (r *Reconciler) finishJob(ctx context.Context, job domain.Job, status domain.JobStatus, reason string) bool {
	return r.finishTerminal(ctx, job, status, "", reason)
}

func (r *Reconciler) finishJobWithLogs(ctx context.Context, job domain.Job, status domain.JobStatus, logs string) bool {
	return r.finishTerminal(ctx, job, status, logs, "")
}

// finishTerminal is the single place a job row crosses into a terminal
// state from the reconciler. The status write, log snapshot and audit
// event commit together; it reports whether this call did the move, so a
// repeated observation cannot advance the workflow twice.
func (r *Reconciler) finishTerminal(ctx context.Context, job domain.Job, status domain.JobStatus, logs, reason string) bool {
	now := r.Engine.Now().UTC().Format(time.RFC3339)
	moved := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.Engine.Repo.GetJobTx(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}
		if err := r.Engine.Repo.UpdateJobStatus(ctx, tx, job.ID, status, now); err != nil {
			return err
		}
		if logs != "" {
			if err := r.Engine.Repo.UpdateJobLogs(ctx, tx, job.ID, logs, now); err != nil {
				return err
			}
		}
		payload := events.EventPayload{"previous_status": string(current.Status)}
		if reason != "" {
			payload["reason"] = reason
		}
		if err := r.Engine.Events.Append(ctx, tx, "job."+string(status), "job", job.ID, "reconciler", payload); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		r.logf("reconciler: finishing job %s as %s: %v", job.ID, status, err)
		return false
	}
	return moved
}

func (r *Reconciler) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
