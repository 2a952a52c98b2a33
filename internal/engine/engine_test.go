package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lumigator/internal/config"
	"lumigator/internal/db"
	"lumigator/internal/domain"
	"lumigator/internal/engine"
	"lumigator/internal/jobdef"
	"lumigator/internal/migrate"
	"lumigator/internal/ray"
	"lumigator/internal/repo"
	"lumigator/internal/secrets"
	"lumigator/internal/tracking"
)

type fakeRay struct {
	mu        sync.Mutex
	subs      map[string]*ray.JobDetails
	submitted []ray.Submission
	stopped   []string
	submitErr error
}

func newFakeRay() *fakeRay {
	return &fakeRay{subs: map[string]*ray.JobDetails{}}
}

func (f *fakeRay) Submit(ctx context.Context, sub ray.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, sub)
	f.subs[sub.SubmissionID] = &ray.JobDetails{SubmissionID: sub.SubmissionID, Status: "PENDING"}
	return sub.SubmissionID, nil
}

func (f *fakeRay) Get(ctx context.Context, id string) (ray.JobDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.subs[id]
	if !ok {
		return ray.JobDetails{}, domain.NotFound("submission", id)
	}
	return *d, nil
}

func (f *fakeRay) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	if d, ok := f.subs[id]; ok {
		d.Status = "STOPPED"
	}
	return nil
}

func (f *fakeRay) Logs(ctx context.Context, id string) (string, error) {
	return "log line", nil
}

func (f *fakeRay) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.subs[id]; ok {
		d.Status = status
	}
}

type fakeTracking struct {
	mu        sync.Mutex
	seq       int
	outputs   map[string]tracking.RunOutputs
	statuses  map[string]domain.WorkflowStatus
	deleted   []string
	createErr error
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{
		outputs:  map[string]tracking.RunOutputs{},
		statuses: map[string]domain.WorkflowStatus{},
	}
}

func (f *fakeTracking) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeTracking) CreateExperiment(ctx context.Context, name, description, task, datasetID string, maxSamples int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.nextID("exp"), nil
}

func (f *fakeTracking) GetExperiment(ctx context.Context, id string) (tracking.Experiment, error) {
	return tracking.Experiment{ID: id}, nil
}

func (f *fakeTracking) ListExperiments(ctx context.Context, skip, limit int) ([]tracking.Experiment, error) {
	return nil, nil
}

func (f *fakeTracking) ExperimentsCount(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeTracking) DeleteExperiment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "experiment:"+id)
	return nil
}

func (f *fakeTracking) CreateWorkflow(ctx context.Context, experimentID, name, description, model, systemPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.nextID("wf"), nil
}

func (f *fakeTracking) UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[workflowID] = status
	return nil
}

func (f *fakeTracking) DeleteWorkflow(ctx context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "workflow:"+workflowID)
	return nil
}

func (f *fakeTracking) ListWorkflows(ctx context.Context, experimentID string) ([]tracking.Workflow, error) {
	return nil, nil
}

func (f *fakeTracking) CreateJob(ctx context.Context, experimentID, workflowID, name, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID("run"), nil
}

func (f *fakeTracking) UpdateJob(ctx context.Context, jobID string, outputs tracking.RunOutputs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[jobID] = outputs
	return nil
}

func (f *fakeTracking) GetJob(ctx context.Context, jobID string) (tracking.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[jobID]
	if !ok {
		return tracking.Run{}, domain.NotFound("tracking run", jobID)
	}
	return tracking.Run{JobID: jobID, Outputs: out}, nil
}

func (f *fakeTracking) DeleteJob(ctx context.Context, jobID string) error { return nil }

func (f *fakeTracking) ListJobs(ctx context.Context, workflowID string) ([]tracking.Run, error) {
	return nil, nil
}

type testEnv struct {
	Engine   *engine.Engine
	Ray      *fakeRay
	Tracking *fakeTracking
	Ctx      context.Context
	clock    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := secrets.New([]byte("0123456789abcdef0123456789abcdef"), repo.Repo{DB: conn})
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	fr := newFakeRay()
	ft := newFakeTracking()
	cfg := config.Default()
	eng := engine.New(conn, store, fr, ft, cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	eng.Now = func() time.Time { return *clock }
	return &testEnv{Engine: eng, Ray: fr, Tracking: ft, Ctx: context.Background(), clock: clock}
}

func (env *testEnv) dataset(t *testing.T) domain.Dataset {
	t.Helper()
	ds, err := env.Engine.RegisterDataset(env.Ctx, "articles.csv", "s3://bucket/articles.csv")
	if err != nil {
		t.Fatalf("register dataset: %v", err)
	}
	return ds
}

func (env *testEnv) experiment(t *testing.T, datasetID string) domain.Experiment {
	t.Helper()
	exp, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentSpec{
		Name:      "exp",
		Task:      "summarization",
		DatasetID: datasetID,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	return exp
}

func TestCreateJobSubmitsWithJobUUID(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)

	job, err := env.Engine.CreateJob(env.Ctx, engine.JobSpec{
		Request:   inferenceReq("run", "hf://facebook/bart-large-cnn", "hf"),
		DatasetID: ds.ID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("status %s", job.Status)
	}
	if job.SubmissionID == nil || *job.SubmissionID != job.ID {
		t.Fatal("submission id must equal job id")
	}
	if len(env.Ray.submitted) != 1 || env.Ray.submitted[0].SubmissionID != job.ID {
		t.Fatal("remote submission missing or wrong id")
	}
}

func TestCreateJobMissingDataset(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateJob(env.Ctx, engine.JobSpec{
		Request:   inferenceReq("run", "hf://m/x", "hf"),
		DatasetID: "nope",
	})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSubmitFailureMarksJobFailed(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	env.Ray.submitErr = fmt.Errorf("connection refused")

	_, err := env.Engine.CreateJob(env.Ctx, engine.JobSpec{
		Request:   inferenceReq("run", "hf://m/x", "hf"),
		DatasetID: ds.ID,
	})
	if domain.KindOf(err) != domain.KindUpstream {
		t.Fatalf("expected upstream, got %v", err)
	}
	jobs, _, err := env.Engine.ListJobs(env.Ctx, 0, 0, repo.JobFilter{})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list: %v %d", err, len(jobs))
	}
	if jobs[0].Status != domain.JobFailed {
		t.Fatalf("status %s", jobs[0].Status)
	}
	if jobs[0].SubmissionID != nil {
		t.Fatal("failed submit must leave submission id empty")
	}
}

func TestSubmissionIDSetOnce(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobSpec{
		Request:   inferenceReq("run", "hf://m/x", "hf"),
		DatasetID: ds.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.SetJobSubmissionID(env.Ctx, tx, job.ID, "other-id", domain.JobPending, now); err == nil {
		t.Fatal("expected error when overwriting submission id")
	}
	if err := env.Engine.Repo.SetJobSubmissionID(env.Ctx, tx, job.ID, job.ID, domain.JobPending, now); err != nil {
		t.Fatalf("same id must be idempotent: %v", err)
	}
}

func TestCancelJobIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobSpec{
		Request:   inferenceReq("run", "hf://m/x", "hf"),
		DatasetID: ds.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.CancelJob(env.Ctx, job.ID)
	if err != nil || got.Status != domain.JobStopped {
		t.Fatalf("cancel: %v %s", err, got.Status)
	}
	again, err := env.Engine.CancelJob(env.Ctx, job.ID)
	if err != nil || again.Status != domain.JobStopped {
		t.Fatalf("second cancel must be a no-op: %v %s", err, again.Status)
	}
	if len(env.Ray.stopped) != 1 {
		t.Fatalf("stop called %d times", len(env.Ray.stopped))
	}
}

func TestCancelJobFailsItsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	exp := env.experiment(t, ds.ID)

	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
		ExperimentID: exp.ID,
		Name:         "bart-run",
		Model:        "hf://facebook/bart-large-cnn",
		Provider:     "hf",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	jobs, _, err := env.Engine.ListJobs(env.Ctx, 0, 0, repo.JobFilter{WorkflowID: wf.ID})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("workflow jobs: %v %d", err, len(jobs))
	}
	if _, err := env.Engine.CancelJob(env.Ctx, jobs[0].ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	details, err := env.Engine.GetWorkflow(env.Ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if details.Status != domain.WorkflowFailed {
		t.Fatalf("workflow after cancel %s", details.Status)
	}
}

func TestCreateWorkflowStartsInference(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	exp := env.experiment(t, ds.ID)

	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
		ExperimentID: exp.ID,
		Name:         "bart-run",
		Model:        "hf://facebook/bart-large-cnn",
		Provider:     "hf",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if wf.Status != domain.WorkflowRunning {
		t.Fatalf("status %s", wf.Status)
	}
	if wf.SystemPrompt == "" {
		t.Fatal("summarization workflow must inherit the default prompt")
	}
	details, err := env.Engine.GetWorkflow(env.Ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(details.Jobs) != 1 || details.Jobs[0].JobType != domain.JobTypeInference {
		t.Fatalf("jobs %+v", details.Jobs)
	}
}

func TestTextGenerationRequiresPrompt(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	exp, err := env.Engine.CreateExperiment(env.Ctx, engine.ExperimentSpec{
		Name:      "gen",
		Task:      "text-generation",
		DatasetID: ds.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
		ExperimentID: exp.ID,
		Name:         "run",
		Model:        "oai://gpt-4o-mini",
		Provider:     "openai",
	})
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateWorkflowMissingSecret(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	exp := env.experiment(t, ds.ID)
	_, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
		ExperimentID:  exp.ID,
		Name:          "run",
		Model:         "oai://gpt-4o-mini",
		Provider:      "openai",
		SecretKeyName: "openai_api_key",
	})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteWorkflowRequiresForceWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	exp := env.experiment(t, ds.ID)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
		ExperimentID: exp.ID,
		Name:         "run",
		Model:        "hf://m/x",
		Provider:     "hf",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.DeleteWorkflow(env.Ctx, wf.ID, false)
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := env.Engine.DeleteWorkflow(env.Ctx, wf.ID, true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	_, err = env.Engine.GetWorkflow(env.Ctx, wf.ID)
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected workflow gone, got %v", err)
	}
	jobs, _, _ := env.Engine.ListJobs(env.Ctx, 0, 0, repo.JobFilter{WorkflowID: wf.ID})
	if len(jobs) != 0 {
		t.Fatal("jobs must cascade with the workflow")
	}
}

func TestDeleteExperimentCascades(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	exp := env.experiment(t, ds.ID)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
		ExperimentID: exp.ID,
		Name:         "run",
		Model:        "hf://m/x",
		Provider:     "hf",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteExperiment(env.Ctx, exp.ID); err != nil {
		t.Fatalf("delete experiment: %v", err)
	}
	if _, err := env.Engine.GetExperiment(env.Ctx, exp.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected experiment gone, got %v", err)
	}
	if _, err := env.Engine.GetWorkflow(env.Ctx, wf.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected workflow gone, got %v", err)
	}
}

func TestGetJobMergesLiveStatus(t *testing.T) {
	env := newTestEnv(t)
	ds := env.dataset(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobSpec{
		Request:   inferenceReq("run", "hf://m/x", "hf"),
		DatasetID: ds.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Ray.setStatus(job.ID, "RUNNING")

	// A freshly written row is served as stored.
	got, err := env.Engine.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobPending {
		t.Fatalf("fresh read status %s", got.Status)
	}

	// Once the row is stale the live status is merged in.
	*env.clock = env.clock.Add(10 * time.Second)
	got, err = env.Engine.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobRunning {
		t.Fatalf("live status %s", got.Status)
	}
	// The merge is advisory; the stored row stays pending until reconciled.
	stored, err := env.Engine.Repo.GetJob(env.Ctx, job.ID)
	if err != nil || stored.Status != domain.JobPending {
		t.Fatalf("stored status %s %v", stored.Status, err)
	}
}

func inferenceReq(name, model, provider string) jobdef.Request {
	return jobdef.Request{
		Name:     name,
		JobType:  domain.JobTypeInference,
		Model:    model,
		Provider: provider,
	}
}
