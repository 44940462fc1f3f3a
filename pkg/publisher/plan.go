// Package publisher fans committed events out to subscribers and plans
// the indexed queries consumers use to read materialized state. A query
// plan is a pure static mapping from query shape to table, predicate,
// ordering and required indexes; a plan whose indexes are absent is a
// startup-time configuration error, never a runtime fallback to a scan.
package publisher

import (
	"fmt"
	"sort"
)

// SubscriptionQuerySet is the closed set of supported query shapes.
// Adding a shape is a compile-time-checked change: Plan's type switch is
// exhaustive and rejects anything else.
type SubscriptionQuerySet interface {
	querySet()
}

// StreamEvents replays one stream from a sequence cursor.
type StreamEvents struct {
	StreamID string
	AfterSeq uint64
}

// PresenceByNode reads the presence rows of one node.
type PresenceByNode struct {
	NodeID string
}

// ProviderAssignmentsByStatus lists a provider's assignments filtered by
// lease status.
type ProviderAssignmentsByStatus struct {
	ProviderID string
	Status     string
}

// PendingBridgeOutbox lists outbox rows not yet relayed.
type PendingBridgeOutbox struct{}

func (StreamEvents) querySet()                {}
func (PresenceByNode) querySet()              {}
func (ProviderAssignmentsByStatus) querySet() {}
func (PendingBridgeOutbox) querySet()         {}

// QueryPlan is the access-pattern metadata for one query shape.
type QueryPlan struct {
	Table           string
	Predicate       string
	Ordering        string
	RequiredIndexes []string
}

// Index names required by the supported query shapes.
const (
	IndexStreamSeq           = "ux_sync_event_stream_seq"
	IndexPresenceNode        = "ix_presence_node"
	IndexAssignmentsStatus   = "ix_provider_assignments_status"
	IndexBridgeOutboxPending = "ix_bridge_outbox_pending"
)

// Plan maps a query shape to its static plan.
func Plan(query SubscriptionQuerySet) (QueryPlan, error) {
	switch q := query.(type) {
	case StreamEvents:
		return QueryPlan{
			Table:           "sync_events",
			Predicate:       fmt.Sprintf("stream_id = %q AND seq > %d", q.StreamID, q.AfterSeq),
			Ordering:        "seq ASC",
			RequiredIndexes: []string{IndexStreamSeq},
		}, nil
	case PresenceByNode:
		return QueryPlan{
			Table:           "presence",
			Predicate:       fmt.Sprintf("node_id = %q", q.NodeID),
			Ordering:        "updated_at DESC",
			RequiredIndexes: []string{IndexPresenceNode},
		}, nil
	case ProviderAssignmentsByStatus:
		return QueryPlan{
			Table:           "provider_assignments",
			Predicate:       fmt.Sprintf("provider_id = %q AND status = %q", q.ProviderID, q.Status),
			Ordering:        "updated_at DESC",
			RequiredIndexes: []string{IndexAssignmentsStatus},
		}, nil
	case PendingBridgeOutbox:
		return QueryPlan{
			Table:           "bridge_outbox",
			Predicate:       "relayed_at IS NULL",
			Ordering:        "enqueued_at ASC",
			RequiredIndexes: []string{IndexBridgeOutboxPending},
		}, nil
	default:
		return QueryPlan{}, fmt.Errorf("publisher: unsupported query shape %T", query)
	}
}

// MissingIndexes returns the plan's required indexes absent from the
// available set, sorted. A non-empty result must fail startup.
func MissingIndexes(plan QueryPlan, available []string) []string {
	present := make(map[string]bool, len(available))
	for _, name := range available {
		present[name] = true
	}
	var missing []string
	for _, name := range plan.RequiredIndexes {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// VerifyPlans is the startup health check: it plans every given shape
// and fails on the first one with missing indexes.
func VerifyPlans(available []string, queries ...SubscriptionQuerySet) error {
	for _, query := range queries {
		plan, err := Plan(query)
		if err != nil {
			return err
		}
		if missing := MissingIndexes(plan, available); len(missing) > 0 {
			return fmt.Errorf("publisher: plan for %T is missing indexes %v", query, missing)
		}
	}
	return nil
}
