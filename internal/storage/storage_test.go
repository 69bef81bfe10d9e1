package storage

import (
	"os"
	"path/filepath"
	"testing"

	"synthwatch-tui/internal/backend"
	"synthwatch-tui/internal/engine"
)

func TestSaveJobWritesBundleFiles(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	reward := 0.7
	job := backend.Job{
		ID:         "job-abc123456",
		Status:     backend.StatusSucceeded,
		Kind:       backend.KindPromptEvolution,
		BestReward: &reward,
	}
	events := []backend.Event{
		{Seq: 1, Type: "job.started", Data: map[string]any{}},
		{Seq: 2, Type: "gepa.candidate.evaluated", Data: map[string]any{"candidate_id": "c1"}},
	}
	candidates := []engine.Candidate{{ID: "c1", Reward: &reward}}

	summary, err := store.SaveJob(job, map[string]any{"job_id": job.ID}, events, candidates)
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if summary.JobID != job.ID || summary.Status != "succeeded" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.EventCount != 2 || summary.CandidateCount != 1 {
		t.Fatalf("summary counts wrong: %+v", summary)
	}

	for _, name := range []string{"summary.json", "job.json", "events.json", "candidates.json", "bundle.json"} {
		if _, err := os.Stat(filepath.Join(summary.Directory, name)); err != nil {
			t.Fatalf("missing bundle file %s: %v", name, err)
		}
	}
}

func TestSaveJobDefaultsEmptyID(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	summary, err := store.SaveJob(backend.Job{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if summary.JobID != "unknown" {
		t.Fatalf("expected placeholder job id, got %q", summary.JobID)
	}
}

func TestListReturnsNewestFirst(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	writeSummary := func(dir, jobID, savedAt string) {
		t.Helper()
		full := filepath.Join(store.JobsDir(), dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		blob := []byte(`{"job_id":"` + jobID + `","saved_at":"` + savedAt + `"}`)
		if err := os.WriteFile(filepath.Join(full, "summary.json"), blob, 0o644); err != nil {
			t.Fatalf("write summary: %v", err)
		}
	}

	writeSummary("a", "old", "2026-01-01T00:00:00Z")
	writeSummary("b", "new", "2026-02-01T00:00:00Z")
	writeSummary("c", "mid", "2026-01-15T00:00:00Z")

	summaries, err := store.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 2 || summaries[0].JobID != "new" || summaries[1].JobID != "mid" {
		t.Fatalf("unexpected ordering: %+v", summaries)
	}
	if summaries[0].Directory == "" {
		t.Fatalf("directory should be filled from the entry path")
	}
}

func TestListSkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	broken := filepath.Join(store.JobsDir(), "broken")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(broken, "summary.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.JobsDir(), "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	summaries, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("malformed entries should be skipped, got %+v", summaries)
	}
}

func TestLoadBundleRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	reward := 0.4
	job := backend.Job{ID: "job-1", Status: backend.StatusFailed, Kind: backend.KindEval}
	events := []backend.Event{{Seq: 5, Type: "job.failed", Data: map[string]any{"reason": "oom"}}}
	candidates := []engine.Candidate{{ID: "c1", Reward: &reward, Frontier: true}}

	summary, err := store.SaveJob(job, map[string]any{"job_id": "job-1"}, events, candidates)
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	bundle, err := store.LoadBundle(summary.Directory)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if bundle.Summary.JobID != "job-1" {
		t.Fatalf("unexpected summary: %+v", bundle.Summary)
	}
	if len(bundle.Events) != 1 || bundle.Events[0].Seq != 5 {
		t.Fatalf("events did not round-trip: %+v", bundle.Events)
	}
	if len(bundle.Candidates) != 1 || !bundle.Candidates[0].Frontier {
		t.Fatalf("candidates did not round-trip: %+v", bundle.Candidates)
	}
}

func TestLoadBundleFallsBackToPieces(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	summary, err := store.SaveJob(backend.Job{ID: "job-2", Status: backend.StatusSucceeded}, map[string]any{"job_id": "job-2"}, nil, nil)
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := os.Remove(filepath.Join(summary.Directory, "bundle.json")); err != nil {
		t.Fatalf("remove bundle: %v", err)
	}

	bundle, err := store.LoadBundle(filepath.Base(summary.Directory))
	if err != nil {
		t.Fatalf("LoadBundle without bundle.json: %v", err)
	}
	if bundle.Summary.JobID != "job-2" || bundle.Job["job_id"] != "job-2" {
		t.Fatalf("fallback load mismatch: %+v", bundle)
	}
}

func TestLoadBundleRequiresDirectory(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.LoadBundle("  "); err == nil {
		t.Fatalf("expected error for blank directory")
	}
}
