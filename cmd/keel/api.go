package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/publisher"
	"github.com/traverse-labs/keel/pkg/runtime"
	"github.com/traverse-labs/keel/pkg/trust"
	"github.com/traverse-labs/keel/pkg/workers"
)

type apiServer struct {
	orch       *runtime.Orchestrator
	obs        observer
	creditView *projection.CreditProjector
	trustView  *trust.Projector
	registry   *workers.Registry
	outbox     *publisher.OutboxProjector
	pub        *publisher.Publisher
	health     *publisher.SyncHealth
	leases     *workers.RedisLeaseStore
	logger     *slog.Logger
}

// observer is the slice of the observability provider the API uses.
type observer interface {
	TrackCommand(ctx context.Context, lane, command string) (context.Context, func(rejected, reviewSelected bool))
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commands", s.handleCommand)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/incidents", s.handleIncidents)
	mux.HandleFunc("GET /v1/envelopes/{id}", s.handleEnvelope)
	mux.HandleFunc("GET /v1/reputation/{agent}", s.handleReputation)
	mux.HandleFunc("GET /v1/assignments/{id}", s.handleAssignment)
	mux.HandleFunc("GET /v1/outbox/pending", s.handleOutboxPending)
	return mux
}

// commandEnvelope is the wire shape of one submitted command.
type commandEnvelope struct {
	Name            string          `json:"name"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

func (s *apiServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var env commandEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, fault.Wrap(fault.Validation, err, "malformed request body: %v", err))
		return
	}

	cmd, err := runtime.DecodeCommand(env.Name, env.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, done := s.obs.TrackCommand(r.Context(), string(cmd.Lane()), cmd.Name())

	// Cross-node lease coordination for assignment claims.
	if s.leases != nil {
		if release, err := s.coordinateLease(ctx, cmd); err != nil {
			done(true, false)
			writeError(w, err)
			return
		} else if release != nil {
			defer release()
		}
	}

	resp := s.orch.Handle(ctx, runtime.Request{
		Command:         cmd,
		ProtocolVersion: env.ProtocolVersion,
		Token:           bearerToken(r),
	})
	done(resp.Status == runtime.StatusRejected, resp.ReviewSelected)

	status := http.StatusOK
	if resp.Status == runtime.StatusRejected {
		status = statusForClass(resp.Error.Class)
	}
	writeJSON(w, status, resp)
}

// coordinateLease mirrors assignment claims into redis so a second node
// rejects a taken lease without consulting this node's registry. The
// redis lease is advisory; the event log stays authoritative.
func (s *apiServer) coordinateLease(ctx context.Context, cmd runtime.Command) (func(), error) {
	switch c := cmd.(type) {
	case runtime.AssignJob:
		if err := s.leases.Acquire(ctx, c.ProviderID, c.AssignmentID); err != nil {
			return nil, fault.Wrap(fault.ResourceExhausted, err, "assignment %s is leased elsewhere", c.AssignmentID)
		}
	case runtime.HeartbeatJob:
		if err := s.leases.Heartbeat(ctx, c.ProviderID, c.AssignmentID); err != nil {
			s.logger.Warn("redis heartbeat failed", "assignment", c.AssignmentID, "error", err)
		}
	case runtime.CompleteJob:
		return func() {
			if err := s.leases.Release(ctx, c.ProviderID, c.AssignmentID); err != nil {
				s.logger.Warn("redis release failed", "assignment", c.AssignmentID, "error", err)
			}
		}, nil
	}
	return nil, nil
}

type healthResponse struct {
	Sync       publisher.SyncHealthStatus `json:"sync"`
	Projectors []projection.Status        `json:"projectors"`
	Dropped    uint64                     `json:"dropped_publishes"`
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Sync:       s.health.Snapshot(),
		Projectors: s.orch.Statuses(),
		Dropped:    s.pub.Dropped(),
	})
}

func (s *apiServer) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.orch.Incidents().Recent(limit))
}

func (s *apiServer) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	view, ok := s.creditView.Envelope(r.PathValue("id"))
	if !ok {
		writeError(w, fault.New(fault.Validation, "unknown envelope %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleReputation(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.trustView.Reputation(r.PathValue("agent"))
	if !ok {
		writeError(w, fault.New(fault.Validation, "unknown agent %s", r.PathValue("agent")))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *apiServer) handleAssignment(w http.ResponseWriter, r *http.Request) {
	lease, ok := s.registry.Lease(r.PathValue("id"))
	if !ok {
		writeError(w, fault.New(fault.Validation, "unknown assignment %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *apiServer) handleOutboxPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.outbox.Pending())
}

// sweepLoop periodically reclaims expired leases and records the expiry
// in the log through the normal command path.
func (s *apiServer) sweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, assignmentID := range s.registry.Sweep(now) {
				resp := s.orch.Handle(ctx, runtime.Request{
					Command: runtime.ExpireJob{AssignmentID: assignmentID},
				})
				if resp.Status == runtime.StatusRejected {
					s.logger.Warn("lease expiry not recorded",
						"assignment", assignmentID, "error", resp.Error.Message)
				}
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

func statusForClass(class fault.Class) int {
	switch class {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.Conflict:
		return http.StatusConflict
	case fault.Unauthorized:
		return http.StatusUnauthorized
	case fault.ResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForClass(fault.ClassOf(err)), runtime.Response{
		Status: runtime.StatusRejected,
		Error: &runtime.ResponseError{
			Class:   fault.ClassOf(err),
			Message: fault.MessageOf(err),
		},
	})
}
