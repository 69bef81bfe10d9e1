package backend

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// JobStatus is the normalized lifecycle state of a remote job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
	StatusUnknown   JobStatus = "unknown"
)

// JobKind tags what kind of workload the job runs.
type JobKind string

const (
	KindEval            JobKind = "eval"
	KindLearning        JobKind = "sl"
	KindPromptEvolution JobKind = "prompt-evolution"
	KindUnknown         JobKind = "unknown"
)

// JobSource identifies which backend subsystem owns the job, which in turn
// decides the endpoint family used for detail/event fetches.
type JobSource string

const (
	SourceEval           JobSource = "eval"
	SourceLearning       JobSource = "learning"
	SourcePromptLearning JobSource = "prompt_learning"
)

type Job struct {
	ID             string
	Status         JobStatus
	Kind           JobKind
	Source         JobSource
	Metadata       map[string]any
	CreatedAt      string
	StartedAt      string
	FinishedAt     string
	BestReward     *float64
	BestArtifactID string
	Error          string
}

// Event is a single entry in a job's event stream. Seq is the identity key:
// two events with the same sequence number are the same event.
type Event struct {
	Seq       int64
	Type      string
	Message   string
	Data      map[string]any
	Timestamp string
}

// EventPage is one page of the pull endpoint. NextSeq is the server's
// authoritative watermark and may be absent.
type EventPage struct {
	Events  []Event
	NextSeq *float64
}

func (j Job) Terminal() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// bestArtifactKeys is the priority order for locating a best-artifact
// identifier in a job detail payload. First non-empty match wins; the order
// is load-bearing, not incidental.
var bestArtifactKeys = [][]string{
	{"best_snapshot_id"},
	{"best_checkpoint_id"},
	{"best_artifact_id"},
	{"metadata", "best_snapshot_id"},
	{"result", "best_snapshot_id"},
}

// ExtractBestArtifactID probes the detail payload locations in fixed
// priority order and returns the first non-empty identifier.
func ExtractBestArtifactID(raw map[string]any) string {
	for _, path := range bestArtifactKeys {
		value, ok := nestedValue(raw, path...)
		if !ok {
			continue
		}
		if id := asString(value); strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// CoerceJob normalizes a loosely-shaped job detail payload into a Job.
// Missing fields degrade to zero values; nothing here errors.
func CoerceJob(raw map[string]any) Job {
	if raw == nil {
		raw = map[string]any{}
	}

	job := Job{
		ID:         firstString(raw, "job_id", "id"),
		Status:     NormalizeStatus(firstString(raw, "status", "state")),
		CreatedAt:  firstString(raw, "created_at", "created"),
		StartedAt:  firstString(raw, "started_at"),
		FinishedAt: firstString(raw, "finished_at", "completed_at"),
		Error:      firstString(raw, "error", "error_message"),
		Metadata:   map[string]any{},
	}

	job.Kind = NormalizeKind(firstString(raw, "job_type", "kind", "type"))
	job.Source = sourceFor(firstString(raw, "source"), job.Kind)

	for _, key := range []string{"metadata", "meta"} {
		if nested, ok := raw[key].(map[string]any); ok {
			for k, v := range nested {
				job.Metadata[k] = v
			}
		}
	}

	if reward, ok := asFloat(raw["best_reward"]); ok {
		job.BestReward = &reward
	} else if reward, ok := asFloat(raw["best_score"]); ok {
		job.BestReward = &reward
	}

	if job.Kind != KindEval {
		job.BestArtifactID = ExtractBestArtifactID(raw)
	}
	return job
}

func NormalizeStatus(raw string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending", "created":
		return StatusQueued
	case "running", "in_progress", "started":
		return StatusRunning
	case "succeeded", "completed", "success":
		return StatusSucceeded
	case "failed", "errored", "error":
		return StatusFailed
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusUnknown
	}
}

func NormalizeKind(raw string) JobKind {
	kind := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case kind == "":
		return KindUnknown
	case strings.Contains(kind, "eval"):
		return KindEval
	case strings.Contains(kind, "prompt"), strings.Contains(kind, "gepa"):
		return KindPromptEvolution
	case strings.Contains(kind, "sft"), strings.Contains(kind, "rl"),
		strings.Contains(kind, "learn"), kind == "sl":
		return KindLearning
	default:
		return KindUnknown
	}
}

func sourceFor(raw string, kind JobKind) JobSource {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(SourceEval):
		return SourceEval
	case string(SourceLearning):
		return SourceLearning
	case string(SourcePromptLearning), "prompt-learning":
		return SourcePromptLearning
	}
	switch kind {
	case KindEval:
		return SourceEval
	case KindPromptEvolution:
		return SourcePromptLearning
	default:
		return SourceLearning
	}
}

// DecodeEventPage accepts both response shapes the backend produces: a bare
// array of event objects, or {"events": [...], "next_seq": n}.
func DecodeEventPage(raw any) EventPage {
	page := EventPage{}
	items, ok := raw.([]any)
	if !ok {
		wrapper, isMap := raw.(map[string]any)
		if !isMap {
			return page
		}
		items, _ = wrapper["events"].([]any)
		if next, ok := asFloat(wrapper["next_seq"]); ok && !math.IsNaN(next) && !math.IsInf(next, 0) {
			page.NextSeq = &next
		}
	}
	page.Events = make([]Event, 0, len(items))
	for idx, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		page.Events = append(page.Events, DecodeEvent(entry, idx))
	}
	return page
}

// DecodeEvent normalizes a single event object. The sequence number falls
// back to the array index when every candidate field is unparsable.
func DecodeEvent(raw map[string]any, index int) Event {
	event := Event{
		Seq:       int64(index),
		Type:      "event",
		Message:   firstString(raw, "message"),
		Timestamp: firstString(raw, "timestamp", "created_at"),
	}
	for _, key := range []string{"seq", "sequence", "id"} {
		if seq, ok := asInt64(raw[key]); ok {
			event.Seq = seq
			break
		}
	}
	if kind := firstString(raw, "type", "event_type"); kind != "" {
		event.Type = kind
	}
	for _, key := range []string{"data", "payload"} {
		if data, ok := raw[key].(map[string]any); ok {
			event.Data = data
			break
		}
	}
	if event.Data == nil {
		event.Data = map[string]any{}
	}
	return event
}

func nestedValue(raw map[string]any, path ...string) (any, bool) {
	if len(path) == 0 || raw == nil {
		return nil, false
	}
	var current any = raw
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := node[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := asString(raw[key]); strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt64(value any) (int64, bool) {
	number, ok := asFloat(value)
	if !ok || math.IsNaN(number) || math.IsInf(number, 0) {
		return 0, false
	}
	return int64(number), true
}
