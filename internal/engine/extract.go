package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"synthwatch-tui/internal/backend"
)

// The reducer probes loosely-shaped event payloads through explicit,
// ordered extractor chains. The declared orders are load-bearing: first
// present value wins, so reordering changes behavior.

// frontierEventTypes are the event types that carry a full frontier
// membership list rather than a single candidate payload.
var frontierEventTypes = map[string]struct{}{
	"frontier_updated":      {},
	"gepa.frontier.updated": {},
}

// candidateContainerKeys is the priority order for locating an embedded
// candidate payload inside an event's data. When no container matches, the
// event data itself is probed.
var candidateContainerKeys = []string{"program_candidate", "candidate"}

// candidateIDKeys is the priority order for the candidate identifier.
var candidateIDKeys = []string{"candidate_id", "id", "name", "version_id"}

// rewardPaths is the priority order for the candidate reward.
var rewardPaths = [][]string{
	{"reward"},
	{"accuracy"},
	{"full_score"},
	{"minibatch_score"},
	{"score", "reward"},
	{"score", "accuracy"},
}

func isFrontierEvent(eventType string) bool {
	_, ok := frontierEventTypes[strings.TrimSpace(eventType)]
	return ok
}

// candidatePayload returns the map to probe for candidate fields, or nil
// when the event carries none.
func candidatePayload(event backend.Event) map[string]any {
	if event.Data == nil {
		return nil
	}
	for _, key := range candidateContainerKeys {
		if nested, ok := event.Data[key].(map[string]any); ok {
			return nested
		}
	}
	return event.Data
}

// candidateID extracts the identifier, or "" when the payload is not
// candidate-bearing.
func candidateID(payload map[string]any) string {
	for _, key := range candidateIDKeys {
		if id := payloadString(payload[key]); id != "" {
			return id
		}
	}
	return ""
}

// candidateReward probes the reward locations in priority order.
func candidateReward(payload map[string]any) *float64 {
	for _, path := range rewardPaths {
		var current any = payload
		found := true
		for _, key := range path {
			node, ok := current.(map[string]any)
			if !ok {
				found = false
				break
			}
			current, ok = node[key]
			if !ok {
				found = false
				break
			}
		}
		if !found {
			continue
		}
		if value, ok := payloadFloat(current); ok {
			reward := value
			return &reward
		}
	}
	return nil
}

func candidateBaseline(payload map[string]any) bool {
	for _, key := range []string{"is_baseline", "baseline"} {
		if flag, ok := payload[key].(bool); ok && flag {
			return true
		}
	}
	return false
}

func candidateCreatedAt(payload map[string]any) string {
	for _, key := range []string{"created_at", "timestamp"} {
		if value := payloadString(payload[key]); value != "" {
			return value
		}
	}
	return ""
}

// frontierMembers extracts the candidate ids named by a frontier event.
func frontierMembers(data map[string]any) []string {
	for _, key := range []string{"frontier", "frontier_ids", "candidates"} {
		items, ok := data[key].([]any)
		if !ok {
			continue
		}
		members := make([]string, 0, len(items))
		for _, item := range items {
			if id := payloadString(item); id != "" {
				members = append(members, id)
			}
		}
		return members
	}
	return nil
}

// frontierScores extracts the optional per-candidate score overrides of a
// frontier event.
func frontierScores(data map[string]any) map[string]float64 {
	scores, ok := data["scores"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(scores))
	for id, value := range scores {
		if score, ok := payloadFloat(value); ok {
			out[id] = score
		}
	}
	return out
}

func payloadString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func payloadFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
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
