package engine

import (
	"math"
	"sort"

	"synthwatch-tui/internal/backend"
)

const DefaultEventHistory = 2000

// EventLog is the ordered, deduplicated event store for the currently
// observed job, together with its cursor: the watermark sequence number
// below which all events are known to be retrieved.
//
// Both the pull loop and the push stream merge through MergePage. Identity
// is the sequence number, so double delivery across the two channels is
// harmless: the merge is commutative and idempotent.
type EventLog struct {
	cursor  int64
	events  []backend.Event
	maxSize int
}

// MergeResult reports what one page merge changed.
type MergeResult struct {
	// Added holds the events that were not already present, in sequence
	// order.
	Added []backend.Event
	// Trimmed counts the oldest events dropped to stay within the history
	// cap.
	Trimmed int
	// CursorMoved is true when the watermark advanced.
	CursorMoved bool
}

func NewEventLog(maxSize int) *EventLog {
	if maxSize <= 0 {
		maxSize = DefaultEventHistory
	}
	return &EventLog{maxSize: maxSize}
}

func (l *EventLog) Cursor() int64 { return l.cursor }
func (l *EventLog) Len() int      { return len(l.events) }

// Events returns the retained events sorted by sequence number. The slice
// is the log's backing store; callers must not mutate it.
func (l *EventLog) Events() []backend.Event { return l.events }

// Reset clears the log and rewinds the cursor to 0. Called exactly when a
// new job is selected.
func (l *EventLog) Reset() {
	l.cursor = 0
	l.events = nil
}

// MergePage folds one page of events into the log.
//
// Incoming events already present (by sequence number) are dropped. The
// cursor advances to the highest of: its current value, the highest newly
// merged sequence, and the server watermark nextSeq when finite — the
// watermark is honored even when the page was empty after dedup, otherwise
// an exhausted window would be refetched forever.
func (l *EventLog) MergePage(events []backend.Event, nextSeq *float64) MergeResult {
	result := MergeResult{}
	before := l.cursor

	seen := make(map[int64]struct{}, len(l.events))
	for _, event := range l.events {
		seen[event.Seq] = struct{}{}
	}

	for _, event := range events {
		if _, dup := seen[event.Seq]; dup {
			continue
		}
		seen[event.Seq] = struct{}{}
		result.Added = append(result.Added, event)
		if event.Seq > l.cursor {
			l.cursor = event.Seq
		}
	}

	if len(result.Added) > 0 {
		sort.SliceStable(result.Added, func(i, j int) bool {
			return result.Added[i].Seq < result.Added[j].Seq
		})
		l.events = append(l.events, result.Added...)
		sort.SliceStable(l.events, func(i, j int) bool {
			return l.events[i].Seq < l.events[j].Seq
		})
		if len(l.events) > l.maxSize {
			result.Trimmed = len(l.events) - l.maxSize
			l.events = append([]backend.Event(nil), l.events[result.Trimmed:]...)
		}
	}

	if nextSeq != nil && !math.IsNaN(*nextSeq) && !math.IsInf(*nextSeq, 0) {
		if watermark := int64(*nextSeq); watermark > l.cursor {
			l.cursor = watermark
		}
	}

	result.CursorMoved = l.cursor != before
	return result
}

// AddedBelow counts how many of the added events sort strictly below the
// given sequence anchor.
func (r MergeResult) AddedBelow(anchor int64) int {
	count := 0
	for _, event := range r.Added {
		if event.Seq < anchor {
			count++
		}
	}
	return count
}
