package engine

import (
	"sort"

	"synthwatch-tui/internal/backend"
)

// Candidate is one entry in the derived registry: a named entity produced
// by the optimization process, with the best knowledge accumulated from
// every event that mentioned it.
type Candidate struct {
	ID            string
	Baseline      bool
	Reward        *float64
	Payload       map[string]any
	CreatedAt     string
	LastEventType string
	Frontier      bool
}

// CandidateRegistry folds events into candidates. Apply is idempotent:
// replaying a batch (which store trimming can let happen) leaves the
// registry unchanged, because every upsert rule is monotone — rewards never
// regress to nil, the baseline flag is sticky, payload merges are
// newest-wins, and the creation timestamp fills only once.
type CandidateRegistry struct {
	byID  map[string]*Candidate
	order []string
}

func NewCandidateRegistry() *CandidateRegistry {
	return &CandidateRegistry{byID: map[string]*Candidate{}}
}

func (r *CandidateRegistry) Len() int { return len(r.byID) }

func (r *CandidateRegistry) Get(id string) (Candidate, bool) {
	candidate, ok := r.byID[id]
	if !ok {
		return Candidate{}, false
	}
	return *candidate, true
}

// Reset drops every candidate. Called exactly when a new job is selected.
func (r *CandidateRegistry) Reset() {
	r.byID = map[string]*Candidate{}
	r.order = nil
}

// Candidates returns the registry sorted by reward descending, unrewarded
// candidates last, ties broken by first-seen order.
func (r *CandidateRegistry) Candidates() []Candidate {
	out := make([]Candidate, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		left, right := out[i].Reward, out[j].Reward
		switch {
		case left == nil:
			return false
		case right == nil:
			return true
		default:
			return *left > *right
		}
	})
	return out
}

// Apply folds a batch of newly merged events into the registry.
func (r *CandidateRegistry) Apply(events []backend.Event) {
	for _, event := range events {
		if isFrontierEvent(event.Type) {
			r.applyFrontier(event)
			continue
		}
		r.applyCandidate(event)
	}
}

// applyFrontier recomputes every candidate's frontier flag from the
// membership list — full replace, not incremental — and applies any
// explicit score overrides.
func (r *CandidateRegistry) applyFrontier(event backend.Event) {
	members := frontierMembers(event.Data)
	if members == nil {
		return
	}
	onFrontier := make(map[string]struct{}, len(members))
	for _, id := range members {
		onFrontier[id] = struct{}{}
		if _, known := r.byID[id]; !known {
			r.insert(&Candidate{
				ID:            id,
				Payload:       map[string]any{},
				LastEventType: event.Type,
			})
		}
	}
	for id, candidate := range r.byID {
		_, member := onFrontier[id]
		candidate.Frontier = member
	}
	for id, score := range frontierScores(event.Data) {
		if candidate, ok := r.byID[id]; ok {
			value := score
			candidate.Reward = &value
		}
	}
}

func (r *CandidateRegistry) applyCandidate(event backend.Event) {
	payload := candidatePayload(event)
	if payload == nil {
		return
	}
	id := candidateID(payload)
	if id == "" {
		// Not candidate-bearing; the event stays in the log untouched.
		return
	}

	incoming := Candidate{
		ID:            id,
		Baseline:      candidateBaseline(payload),
		Reward:        candidateReward(payload),
		CreatedAt:     candidateCreatedAt(payload),
		LastEventType: event.Type,
		Payload:       payload,
	}

	existing, known := r.byID[id]
	if !known {
		fresh := incoming
		fresh.Payload = make(map[string]any, len(payload))
		for k, v := range payload {
			fresh.Payload[k] = v
		}
		r.insert(&fresh)
		return
	}

	if incoming.Reward != nil {
		existing.Reward = incoming.Reward
	}
	for k, v := range payload {
		existing.Payload[k] = v
	}
	existing.Baseline = existing.Baseline || incoming.Baseline
	if existing.CreatedAt == "" {
		existing.CreatedAt = incoming.CreatedAt
	}
	existing.LastEventType = event.Type
}

func (r *CandidateRegistry) insert(candidate *Candidate) {
	r.byID[candidate.ID] = candidate
	r.order = append(r.order, candidate.ID)
}
