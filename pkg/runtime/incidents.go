package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traverse-labs/keel/pkg/fault"
)

// Incident records a rejected or anomalous command for operator review.
// Incidents are runtime-local working state, not log events: they carry
// no authority and are pruned on restart.
type Incident struct {
	ID      string
	Lane    Lane
	Command string
	Class   fault.Class
	Message string
	At      time.Time
}

// IncidentLog is an in-memory ring of recent incidents.
type IncidentLog struct {
	mu        sync.Mutex
	incidents []Incident
	capacity  int
}

const defaultIncidentCapacity = 512

func NewIncidentLog() *IncidentLog {
	return &IncidentLog{capacity: defaultIncidentCapacity}
}

// Record appends an incident, evicting the oldest past capacity.
func (l *IncidentLog) Record(lane Lane, command string, class fault.Class, message string, at time.Time) Incident {
	inc := Incident{
		ID:      uuid.NewString(),
		Lane:    lane,
		Command: command,
		Class:   class,
		Message: message,
		At:      at,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incidents = append(l.incidents, inc)
	if len(l.incidents) > l.capacity {
		l.incidents = l.incidents[len(l.incidents)-l.capacity:]
	}
	return inc
}

// Recent returns up to limit incidents, newest first.
func (l *IncidentLog) Recent(limit int) []Incident {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.incidents) {
		limit = len(l.incidents)
	}
	out := make([]Incident, 0, limit)
	for i := len(l.incidents) - 1; i >= len(l.incidents)-limit; i-- {
		out = append(out, l.incidents[i])
	}
	return out
}
