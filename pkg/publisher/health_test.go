package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncHealthAdvance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewSyncHealth().WithClock(func() time.Time { return now })

	h.Advance(3, "apply credit.settled")
	now = now.Add(5 * time.Second)

	status := h.Snapshot()
	assert.Equal(t, uint64(3), status.LastAppliedEventSeq)
	assert.Equal(t, 5.0, status.CursorLastAdvancedSecondsAgo)
	assert.Equal(t, "apply credit.settled", status.LastAction)
	assert.Empty(t, status.LastError)
}

func TestSyncHealthSeqNeverRegresses(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewSyncHealth().WithClock(func() time.Time { return now })

	h.Advance(7, "apply credit.settled")
	h.Advance(3, "apply job.assigned")

	assert.Equal(t, uint64(7), h.Snapshot().LastAppliedEventSeq)
}

func TestSyncHealthRecordErrorKeepsProgress(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewSyncHealth().WithClock(func() time.Time { return now })

	h.Advance(4, "apply credit.settled")
	h.RecordError("append credit.settled", "sequence conflict")

	status := h.Snapshot()
	assert.Equal(t, uint64(4), status.LastAppliedEventSeq)
	assert.Equal(t, "append credit.settled", status.LastAction)
	assert.Equal(t, "sequence conflict", status.LastError)

	// The next successful apply clears the error.
	h.Advance(5, "apply credit.defaulted")
	assert.Empty(t, h.Snapshot().LastError)
}
