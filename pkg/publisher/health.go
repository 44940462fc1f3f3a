package publisher

import (
	"sync"
	"time"
)

// SyncHealth is the process-wide sync cursor: how far event application
// has progressed and how stale it is. It is observability state, not
// correctness state — consumers use it for staleness alarms and
// backpressure decisions.
type SyncHealth struct {
	mu           sync.Mutex
	lastSeq      uint64
	lastAdvanced time.Time
	lastError    string
	lastAction   string
	clock        func() time.Time
}

// SyncHealthStatus is a point-in-time snapshot of the cursor.
type SyncHealthStatus struct {
	LastAppliedEventSeq          uint64  `json:"last_applied_event_seq"`
	CursorLastAdvancedSecondsAgo float64 `json:"cursor_last_advanced_seconds_ago"`
	LastError                    string  `json:"last_error,omitempty"`
	LastAction                   string  `json:"last_action,omitempty"`
}

// NewSyncHealth creates a cursor starting at seq 0.
func NewSyncHealth() *SyncHealth {
	h := &SyncHealth{clock: time.Now}
	h.lastAdvanced = h.clock()
	return h
}

// WithClock overrides the clock for deterministic testing.
func (h *SyncHealth) WithClock(clock func() time.Time) *SyncHealth {
	h.clock = clock
	h.lastAdvanced = clock()
	return h
}

// Advance records progress. Every handled command advances the cursor
// and resets the staleness counter, whether accepted or rejected.
func (h *SyncHealth) Advance(seq uint64, action string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq > h.lastSeq {
		h.lastSeq = seq
	}
	h.lastAdvanced = h.clock()
	h.lastAction = action
	h.lastError = ""
}

// RecordError notes a failure on the cursor without losing progress.
func (h *SyncHealth) RecordError(action, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAdvanced = h.clock()
	h.lastAction = action
	h.lastError = message
}

// Snapshot returns the current cursor state.
func (h *SyncHealth) Snapshot() SyncHealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SyncHealthStatus{
		LastAppliedEventSeq:          h.lastSeq,
		CursorLastAdvancedSecondsAgo: h.clock().Sub(h.lastAdvanced).Seconds(),
		LastError:                    h.lastError,
		LastAction:                   h.lastAction,
	}
}
