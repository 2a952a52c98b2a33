package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lumigator/internal/config"
	"lumigator/internal/db"
	"lumigator/internal/domain"
	"lumigator/internal/engine"
	"lumigator/internal/migrate"
	"lumigator/internal/ray"
	"lumigator/internal/repo"
	"lumigator/internal/secrets"
	"lumigator/internal/tracking"
)

type stubRay struct{}

func (stubRay) Submit(ctx context.Context, sub ray.Submission) (string, error) {
	return sub.SubmissionID, nil
}

func (stubRay) Get(ctx context.Context, id string) (ray.JobDetails, error) {
	return ray.JobDetails{SubmissionID: id, Status: "PENDING"}, nil
}

func (stubRay) Stop(ctx context.Context, id string) error { return nil }

func (stubRay) Logs(ctx context.Context, id string) (string, error) { return "", nil }

type stubTracking struct{}

func (stubTracking) CreateExperiment(ctx context.Context, name, description, task, datasetID string, maxSamples int) (string, error) {
	return "exp-1", nil
}

func (stubTracking) GetExperiment(ctx context.Context, id string) (tracking.Experiment, error) {
	return tracking.Experiment{ID: id}, nil
}

func (stubTracking) ListExperiments(ctx context.Context, skip, limit int) ([]tracking.Experiment, error) {
	return nil, nil
}

func (stubTracking) ExperimentsCount(ctx context.Context) (int, error) { return 0, nil }

func (stubTracking) DeleteExperiment(ctx context.Context, id string) error { return nil }

func (stubTracking) CreateWorkflow(ctx context.Context, experimentID, name, description, model, systemPrompt string) (string, error) {
	return "wf-1", nil
}

func (stubTracking) UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error {
	return nil
}

func (stubTracking) DeleteWorkflow(ctx context.Context, workflowID string) error { return nil }

func (stubTracking) ListWorkflows(ctx context.Context, experimentID string) ([]tracking.Workflow, error) {
	return nil, nil
}

func (stubTracking) CreateJob(ctx context.Context, experimentID, workflowID, name, jobID string) (string, error) {
	return "run-1", nil
}

func (stubTracking) UpdateJob(ctx context.Context, jobID string, outputs tracking.RunOutputs) error {
	return nil
}

func (stubTracking) GetJob(ctx context.Context, jobID string) (tracking.Run, error) {
	return tracking.Run{}, domain.NotFound("tracking run", jobID)
}

func (stubTracking) DeleteJob(ctx context.Context, jobID string) error { return nil }

func (stubTracking) ListJobs(ctx context.Context, workflowID string) ([]tracking.Run, error) {
	return nil, nil
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := secrets.New([]byte("0123456789abcdef0123456789abcdef"), repo.Repo{DB: conn})
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	e := engine.New(conn, store, stubRay{}, stubTracking{}, config.Default())
	handler, err := New(Config{
		Engine:         e,
		BasePath:       "/api/v1",
		Auth:           auth,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestDatasetLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/datasets", map[string]any{
		"filename": "articles.csv",
		"uri":      "s3://bucket/articles.csv",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register dataset: %d %s", res.StatusCode, string(data))
	}
	var ds domain.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		t.Fatalf("unmarshal dataset: %v", err)
	}
	if ds.ID == "" || ds.Filename != "articles.csv" {
		t.Fatalf("dataset %+v", ds)
	}

	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/datasets", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list datasets: %d %s", listRes.StatusCode, string(listData))
	}
	var listed []domain.Dataset
	if err := json.Unmarshal(listData, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one dataset, got %d", len(listed))
	}

	delRes, delData := doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/datasets/"+ds.ID, nil, nil)
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete dataset: %d %s", delRes.StatusCode, string(delData))
	}

	getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/datasets/"+ds.ID, nil, nil)
	if getRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d %s", getRes.StatusCode, string(getData))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(getData, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestValidationErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/experiments", map[string]any{
		"name":       "",
		"task":       "summarization",
		"dataset_id": "does-not-matter",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("error code %q: %s", envelope.Error.Code, string(data))
	}
}

func TestMissingJobReturnsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/jobs/2b6c7e18-0000-0000-0000-000000000000", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestSecretLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/api/v1/settings/secrets/openai_api_key"

	res, data := doJSON(t, client, http.MethodPut, url, map[string]any{
		"value":       "sk-test",
		"description": "openai key",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first upload: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, url, map[string]any{
		"value": "sk-rotated",
	}, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("second upload: %d %s", res.StatusCode, string(data))
	}

	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/settings/secrets", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list secrets: %d %s", listRes.StatusCode, string(listData))
	}
	var metas []domain.SecretMeta
	if err := json.Unmarshal(listData, &metas); err != nil {
		t.Fatalf("unmarshal secrets: %v", err)
	}
	if len(metas) != 1 || metas[0].Name != "openai_api_key" {
		t.Fatalf("secret list %+v", metas)
	}
	if bytes.Contains(listData, []byte("sk-")) {
		t.Fatal("secret list must never expose values")
	}

	delRes, delData := doJSON(t, client, http.MethodDelete, url, nil, nil)
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete secret: %d %s", delRes.StatusCode, string(delData))
	}
	delRes, delData = doJSON(t, client, http.MethodDelete, url, nil, nil)
	if delRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d %s", delRes.StatusCode, string(delData))
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	secret := "test-jwt-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open: %d", healthRes.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/datasets", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(data))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/datasets", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, string(data))
	}

	badToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "tester",
	}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/datasets", nil, map[string]string{
		"Authorization": "Bearer " + badToken,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad signature, got %d", res.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/datasets", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d", res.StatusCode)
	}
	if res.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("allow-origin %q", res.Header.Get("Access-Control-Allow-Origin"))
	}
	if res.Header.Get("Vary") != "Origin" {
		t.Fatalf("vary header %q", res.Header.Get("Vary"))
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("disallowed origin: %v", err)
	}
	res.Body.Close()
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin must not be echoed")
	}
}

func TestWorkflowCreationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	_, dsData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/datasets", map[string]any{
		"filename": "articles.csv",
		"uri":      "s3://bucket/articles.csv",
	}, nil)
	var ds domain.Dataset
	if err := json.Unmarshal(dsData, &ds); err != nil {
		t.Fatalf("unmarshal dataset: %v", err)
	}

	expRes, expData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/experiments", map[string]any{
		"name":       "bart eval",
		"task":       "summarization",
		"dataset_id": ds.ID,
	}, nil)
	if expRes.StatusCode != http.StatusCreated {
		t.Fatalf("create experiment: %d %s", expRes.StatusCode, string(expData))
	}
	var exp domain.Experiment
	if err := json.Unmarshal(expData, &exp); err != nil {
		t.Fatalf("unmarshal experiment: %v", err)
	}

	wfRes, wfData := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows", map[string]any{
		"experiment_id": exp.ID,
		"name":          "bart-run",
		"model":         "hf://facebook/bart-large-cnn",
		"provider":      "hf",
	}, nil)
	if wfRes.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow: %d %s", wfRes.StatusCode, string(wfData))
	}
	var wf domain.Workflow
	if err := json.Unmarshal(wfData, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if wf.Status != domain.WorkflowRunning {
		t.Fatalf("workflow status %s", wf.Status)
	}

	detRes, detData := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/workflows/"+wf.ID, nil, nil)
	if detRes.StatusCode != http.StatusOK {
		t.Fatalf("get workflow: %d %s", detRes.StatusCode, string(detData))
	}
	var details struct {
		domain.Workflow
		Jobs []domain.Job `json:"jobs"`
	}
	if err := json.Unmarshal(detData, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if len(details.Jobs) != 1 || details.Jobs[0].JobType != domain.JobTypeInference {
		t.Fatalf("jobs %+v", details.Jobs)
	}
}
