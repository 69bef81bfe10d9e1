package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestFetchEventsSendsCursorAndLimit(t *testing.T) {
	t.Parallel()

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"seq":41,"type":"x"}],"next_seq":42}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", zap.NewNop())
	job := Job{ID: "job-1", Source: SourceLearning}
	page, err := client.FetchEvents(context.Background(), job, 40, 200)
	if err != nil {
		t.Fatalf("FetchEvents returned error: %v", err)
	}
	if gotQuery != "since_seq=40&limit=200" {
		t.Fatalf("unexpected query: %q", gotQuery)
	}
	if len(page.Events) != 1 || page.Events[0].Seq != 41 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.NextSeq == nil || *page.NextSeq != 42 {
		t.Fatalf("next_seq missing: %v", page.NextSeq)
	}
}

func TestFetchEventsFallsBackToSecondEndpoint(t *testing.T) {
	t.Parallel()

	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/prompt-learning/online/jobs/job-1/events" {
			http.Error(w, `{"error":"not here"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"seq":1,"type":"fallback"}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zap.NewNop())
	job := Job{ID: "job-1", Source: SourcePromptLearning, Kind: KindPromptEvolution}
	page, err := client.FetchEvents(context.Background(), job, 0, 0)
	if err != nil {
		t.Fatalf("FetchEvents returned error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected primary then fallback probe, got %v", paths)
	}
	if paths[0] != "/api/prompt-learning/online/jobs/job-1/events" ||
		paths[1] != "/api/learning/jobs/job-1/events" {
		t.Fatalf("probe order wrong: %v", paths)
	}
	if len(page.Events) != 1 || page.Events[0].Type != "fallback" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestFetchEventsReturnsLastErrorWhenAllFail(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zap.NewNop())
	job := Job{ID: "job-1", Source: SourcePromptLearning}
	_, err := client.FetchEvents(context.Background(), job, 0, 0)
	if err == nil {
		t.Fatalf("expected error when every endpoint fails")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError || apiErr.Message != "boom" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestFetchEventsCancelledContext(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, "", zap.NewNop())
	_, err := client.FetchEvents(ctx, Job{ID: "j", Source: SourceLearning}, 0, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchJobUsesSourceEndpoint(t *testing.T) {
	t.Parallel()

	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"job-9","status":"running","job_type":"eval"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zap.NewNop())
	job, raw, err := client.FetchJob(context.Background(), SourceEval, "job-9")
	if err != nil {
		t.Fatalf("FetchJob returned error: %v", err)
	}
	if gotPath != "/api/eval/jobs/job-9" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if job.Status != StatusRunning || job.Kind != KindEval {
		t.Fatalf("unexpected job: %+v", job)
	}
	if raw["job_id"] != "job-9" {
		t.Fatalf("raw payload not returned: %v", raw)
	}
}

func TestListJobsMergesSubsystemsAndSkipsFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/learning/jobs":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"jobs":[{"job_id":"sl-1","status":"running","job_type":"sft"}]}`))
		case "/api/prompt-learning/online/jobs":
			http.Error(w, "down", http.StatusBadGateway)
		case "/api/eval/jobs":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"job_id":"ev-1","status":"queued","job_type":"eval"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zap.NewNop())
	jobs, err := client.ListJobs(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListJobs returned error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d: %+v", len(jobs), jobs)
	}
	if jobs[0].ID != "sl-1" || jobs[1].ID != "ev-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestDetailPathPerSource(t *testing.T) {
	t.Parallel()

	cases := map[JobSource]string{
		SourceEval:           "/api/eval/jobs/j",
		SourceLearning:       "/api/learning/jobs/j",
		SourcePromptLearning: "/api/prompt-learning/online/jobs/j",
	}
	for source, want := range cases {
		if got := detailPathFor(source, "j"); got != want {
			t.Fatalf("detailPathFor(%q) = %q, want %q", source, got, want)
		}
	}
}
