package backend

import (
	"testing"
)

func TestCoerceJobNormalizesStatusAndKind(t *testing.T) {
	t.Parallel()

	job := CoerceJob(map[string]any{
		"job_id":   "job-123",
		"status":   "Completed",
		"job_type": "prompt_learning_online",
		"metadata": map[string]any{"env": "banking77"},
		"meta":     map[string]any{"model": "gpt-4.1-nano"},
	})

	if job.ID != "job-123" {
		t.Fatalf("unexpected id: %q", job.ID)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("unexpected status: %q", job.Status)
	}
	if job.Kind != KindPromptEvolution {
		t.Fatalf("unexpected kind: %q", job.Kind)
	}
	if job.Source != SourcePromptLearning {
		t.Fatalf("unexpected source: %q", job.Source)
	}
	if job.Metadata["env"] != "banking77" || job.Metadata["model"] != "gpt-4.1-nano" {
		t.Fatalf("metadata not merged: %v", job.Metadata)
	}
}

func TestCoerceJobUnknownFallbacks(t *testing.T) {
	t.Parallel()

	job := CoerceJob(map[string]any{"id": "j1", "status": "weird", "type": "mystery"})
	if job.Status != StatusUnknown || job.Kind != KindUnknown {
		t.Fatalf("expected unknown status/kind, got %q/%q", job.Status, job.Kind)
	}
	if job.Source != SourceLearning {
		t.Fatalf("unknown kind should default to learning source, got %q", job.Source)
	}
}

func TestCoerceJobBestRewardPriority(t *testing.T) {
	t.Parallel()

	job := CoerceJob(map[string]any{"id": "j1", "best_reward": 0.42, "best_score": 0.9})
	if job.BestReward == nil || *job.BestReward != 0.42 {
		t.Fatalf("best_reward should win over best_score: %v", job.BestReward)
	}
}

func TestExtractBestArtifactIDPriorityOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{
			name: "snapshot wins over checkpoint",
			raw: map[string]any{
				"best_snapshot_id":   "snap-1",
				"best_checkpoint_id": "ckpt-1",
			},
			want: "snap-1",
		},
		{
			name: "checkpoint when snapshot absent",
			raw:  map[string]any{"best_checkpoint_id": "ckpt-1"},
			want: "ckpt-1",
		},
		{
			name: "nested metadata",
			raw: map[string]any{
				"metadata": map[string]any{"best_snapshot_id": "snap-meta"},
			},
			want: "snap-meta",
		},
		{
			name: "nested result",
			raw: map[string]any{
				"result": map[string]any{"best_snapshot_id": "snap-result"},
			},
			want: "snap-result",
		},
		{
			name: "nothing",
			raw:  map[string]any{"other": "x"},
			want: "",
		},
	}
	for _, tc := range cases {
		if got := ExtractBestArtifactID(tc.raw); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestEvalJobsSkipArtifactExtraction(t *testing.T) {
	t.Parallel()

	job := CoerceJob(map[string]any{
		"id":               "j1",
		"job_type":         "eval",
		"best_snapshot_id": "snap-1",
	})
	if job.BestArtifactID != "" {
		t.Fatalf("eval jobs must not carry a best artifact, got %q", job.BestArtifactID)
	}
}

func TestDecodeEventFieldFallbacks(t *testing.T) {
	t.Parallel()

	event := DecodeEvent(map[string]any{
		"sequence":   float64(17),
		"event_type": "gepa.candidate.scored",
		"payload":    map[string]any{"candidate_id": "c1"},
		"created_at": "2026-08-01T10:00:00Z",
	}, 3)

	if event.Seq != 17 {
		t.Fatalf("sequence fallback failed: %d", event.Seq)
	}
	if event.Type != "gepa.candidate.scored" {
		t.Fatalf("event_type fallback failed: %q", event.Type)
	}
	if event.Data["candidate_id"] != "c1" {
		t.Fatalf("payload fallback failed: %v", event.Data)
	}
	if event.Timestamp != "2026-08-01T10:00:00Z" {
		t.Fatalf("created_at fallback failed: %q", event.Timestamp)
	}
}

func TestDecodeEventIndexAndTypeDefaults(t *testing.T) {
	t.Parallel()

	event := DecodeEvent(map[string]any{"seq": "not-a-number"}, 5)
	if event.Seq != 5 {
		t.Fatalf("expected array-index fallback, got %d", event.Seq)
	}
	if event.Type != "event" {
		t.Fatalf("expected literal \"event\" type, got %q", event.Type)
	}
	if event.Data == nil {
		t.Fatalf("data must never be nil")
	}
}

func TestDecodeEventPageShapes(t *testing.T) {
	t.Parallel()

	bare := DecodeEventPage([]any{
		map[string]any{"seq": float64(1), "type": "a"},
		map[string]any{"seq": float64(2), "type": "b"},
	})
	if len(bare.Events) != 2 || bare.NextSeq != nil {
		t.Fatalf("bare array decode failed: %+v", bare)
	}

	wrapped := DecodeEventPage(map[string]any{
		"events":   []any{map[string]any{"seq": float64(7)}},
		"next_seq": float64(42),
	})
	if len(wrapped.Events) != 1 || wrapped.Events[0].Seq != 7 {
		t.Fatalf("wrapped decode failed: %+v", wrapped)
	}
	if wrapped.NextSeq == nil || *wrapped.NextSeq != 42 {
		t.Fatalf("next_seq not decoded: %v", wrapped.NextSeq)
	}

	missing := DecodeEventPage(map[string]any{"events": []any{}})
	if missing.NextSeq != nil {
		t.Fatalf("absent next_seq must stay nil")
	}
}
