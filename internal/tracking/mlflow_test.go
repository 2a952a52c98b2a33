package tracking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lumigator/internal/domain"
	"lumigator/internal/tracking"
)

func TestCreateExperimentTagsMetadata(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2.0/mlflow/experiments/create" {
			t.Errorf("path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]string{"experiment_id": "7"})
	}))
	defer srv.Close()

	c := tracking.NewMLflow(srv.URL)
	id, err := c.CreateExperiment(context.Background(), "exp", "desc", "summarization", "ds-1", 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "7" {
		t.Fatalf("id %q", id)
	}
	if body["name"] != "exp" {
		t.Fatalf("name %v", body["name"])
	}
}

func TestCreateWorkflowIsParentRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/2.0/mlflow/runs/create" {
			t.Errorf("path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"run": map[string]any{"info": map[string]any{"run_id": "run-abc", "experiment_id": "7"}},
		})
	}))
	defer srv.Close()

	c := tracking.NewMLflow(srv.URL)
	id, err := c.CreateWorkflow(context.Background(), "7", "wf", "", "hf://m/x", "prompt")
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if id != "run-abc" {
		t.Fatalf("id %q", id)
	}
}

func TestGetJobSearchesByJobTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["filter"] != "tags.lumigator.job_id = 'job-9'" {
			t.Errorf("filter %v", req["filter"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"runs": []map[string]any{{
				"info": map[string]any{"run_id": "r1", "experiment_id": "7", "status": "FINISHED"},
				"data": map[string]any{
					"tags": []map[string]string{
						{"key": "lumigator.job_id", "value": "job-9"},
						{"key": "lumigator.workflow_id", "value": "wf-1"},
					},
					"metrics": []map[string]any{{"key": "rouge1", "value": 0.42}},
				},
			}},
		})
	}))
	defer srv.Close()

	c := tracking.NewMLflow(srv.URL)
	run, err := c.GetJob(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if run.JobID != "job-9" || run.WorkflowID != "wf-1" {
		t.Fatalf("run %+v", run)
	}
	if run.Outputs.Metrics["rouge1"] != 0.42 {
		t.Fatalf("metrics %v", run.Outputs.Metrics)
	}
}

func TestGetJobMissingRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"runs": []any{}})
	}))
	defer srv.Close()

	c := tracking.NewMLflow(srv.URL)
	_, err := c.GetJob(context.Background(), "missing")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBackendErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "INTERNAL_ERROR", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := tracking.NewMLflow(srv.URL)
	_, err := c.GetExperiment(context.Background(), "7")
	if domain.KindOf(err) != domain.KindUpstream {
		t.Fatalf("expected upstream, got %v", err)
	}
}

func TestNewClientRejectsUnknownBackend(t *testing.T) {
	_, err := tracking.NewClient("wandb", "http://x")
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
