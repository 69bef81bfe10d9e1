package engine

// Tokens holds the two generation counters that invalidate stale
// asynchronous results. The selection token covers job-detail and dependent
// fetches; the epoch token covers in-flight event work (pages, stream
// batches, poll ticks).
//
// Every async operation snapshots the relevant counter when it is
// dispatched and compares at completion; a mismatch means the user has
// moved on and the result is discarded silently. The snapshot-then-compare
// is mandatory at every network boundary, it is the substitute for request
// cancellation. Both counters only ever grow.
type Tokens struct {
	selection int64
	epoch     int64
}

func (t *Tokens) Selection() int64 { return t.selection }
func (t *Tokens) Epoch() int64     { return t.epoch }

// NextSelection starts a new job-selection generation. A new selection
// always implies a new event epoch as well.
func (t *Tokens) NextSelection() int64 {
	t.selection++
	t.epoch++
	return t.selection
}

// NextEpoch invalidates outstanding event work without abandoning the
// current selection (used when restarting the stream or poller).
func (t *Tokens) NextEpoch() int64 {
	t.epoch++
	return t.epoch
}

func (t *Tokens) SelectionCurrent(token int64) bool { return token == t.selection }
func (t *Tokens) EpochCurrent(token int64) bool     { return token == t.epoch }
