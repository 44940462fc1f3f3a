package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/traverse-labs/keel/pkg/adjudication"
	"github.com/traverse-labs/keel/pkg/authority"
	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/eventlog"
	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/publisher"
	"github.com/traverse-labs/keel/pkg/sampling"
	"github.com/traverse-labs/keel/pkg/trust"
	"github.com/traverse-labs/keel/pkg/workers"
)

// appendAttempts bounds the optimistic-concurrency retry loop. Conflicts
// are the only locally retryable class; past the bound the failure is
// surfaced as Internal.
const appendAttempts = 3

// Orchestrator drives the command pipeline: authorize, validate, gate
// through the authority, commit, project, publish. One instance owns the
// write path for the whole runtime.
type Orchestrator struct {
	log       eventlog.Log
	pipeline  *projection.Pipeline
	authority *authority.Authority

	creditView *projection.CreditProjector
	trustView  *trust.Projector

	verifier  *TokenVerifier
	limiter   *LaneLimiter
	schemas   *SchemaSet
	evaluator *adjudication.Evaluator
	policy    sampling.Policy
	publisher *publisher.Publisher
	health    *publisher.SyncHealth
	incidents *IncidentLog

	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

// Options carries the orchestrator's collaborators. Log, Pipeline,
// Authority and the two views are required; the rest default to inert
// implementations so tests wire only what they exercise.
type Options struct {
	Log        eventlog.Log
	Pipeline   *projection.Pipeline
	Authority  *authority.Authority
	CreditView *projection.CreditProjector
	TrustView  *trust.Projector

	Verifier  *TokenVerifier
	Limiter   *LaneLimiter
	Evaluator *adjudication.Evaluator
	Policy    sampling.Policy
	Publisher *publisher.Publisher
	Health    *publisher.SyncHealth
	Incidents *IncidentLog
	Logger    *slog.Logger
}

// New assembles an orchestrator. Schema compilation happens here so a
// broken schema fails startup, not the first command.
func New(opts Options) (*Orchestrator, error) {
	if opts.Log == nil || opts.Pipeline == nil || opts.Authority == nil {
		return nil, fmt.Errorf("runtime: log, pipeline and authority are required")
	}
	if opts.CreditView == nil || opts.TrustView == nil {
		return nil, fmt.Errorf("runtime: credit and trust views are required")
	}
	schemas, err := CompileSchemas()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		log:        opts.Log,
		pipeline:   opts.Pipeline,
		authority:  opts.Authority,
		creditView: opts.CreditView,
		trustView:  opts.TrustView,
		verifier:   opts.Verifier,
		limiter:    opts.Limiter,
		schemas:    schemas,
		evaluator:  opts.Evaluator,
		policy:     opts.Policy,
		publisher:  opts.Publisher,
		health:     opts.Health,
		incidents:  opts.Incidents,
		logger:     opts.Logger,
		tracer:     otel.Tracer("keel/runtime"),
		clock:      time.Now,
	}
	if o.verifier == nil {
		o.verifier = NewTokenVerifier(nil, nil)
	}
	if o.limiter == nil {
		o.limiter = NewLaneLimiter(nil)
	}
	if o.incidents == nil {
		o.incidents = NewIncidentLog()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Incidents exposes the runtime incident log.
func (o *Orchestrator) Incidents() *IncidentLog { return o.incidents }

// Statuses reports per-projector application state.
func (o *Orchestrator) Statuses() []projection.Status { return o.pipeline.Statuses() }

// CatchUp replays the log into the projections from their checkpoints.
// Called once at startup before Handle accepts traffic.
func (o *Orchestrator) CatchUp(ctx context.Context) error {
	return o.pipeline.CatchUp(ctx, o.log)
}

// Handle runs one command through the full pipeline and returns its
// classified outcome. Rejections are recorded as incidents; accepted
// commits are projected and published before the response returns.
func (o *Orchestrator) Handle(ctx context.Context, req Request) Response {
	cmd := req.Command
	if cmd == nil {
		return rejected(fault.New(fault.Validation, "missing command"))
	}

	ctx, span := o.tracer.Start(ctx, "runtime.Handle", trace.WithAttributes(
		attribute.String("keel.lane", string(cmd.Lane())),
		attribute.String("keel.command", cmd.Name()),
	))
	defer span.End()

	resp := o.handle(ctx, req)
	span.SetAttributes(attribute.String("keel.status", string(resp.Status)))
	if resp.Status == StatusRejected {
		if o.health != nil {
			o.health.RecordError("reject "+cmd.Name(), resp.Error.Message)
		}
		inc := o.incidents.Record(cmd.Lane(), cmd.Name(), resp.Error.Class, resp.Error.Message, o.clock())
		o.logger.Warn("command rejected",
			"lane", cmd.Lane(), "command", cmd.Name(),
			"class", resp.Error.Class, "incident", inc.ID)
	}
	return resp
}

func (o *Orchestrator) handle(ctx context.Context, req Request) Response {
	cmd := req.Command
	if err := CheckProtocol(req.ProtocolVersion); err != nil {
		return rejected(err)
	}
	if err := o.verifier.Authorize(req.Token, cmd.Lane()); err != nil {
		return rejected(err)
	}
	if err := o.limiter.Allow(cmd.Lane()); err != nil {
		return rejected(err)
	}
	if err := o.schemas.Validate(cmd); err != nil {
		return rejected(err)
	}

	switch c := cmd.(type) {
	case OpenCreditIntent:
		return o.commitGuarded(ctx, credit.StreamID(c.Intent.EnvelopeID), func() (authority.Proposal, error) {
			return o.authority.OpenIntent(c.Intent)
		})
	case ExtendCreditOffer:
		return o.commitGuarded(ctx, credit.StreamID(c.Offer.EnvelopeID), func() (authority.Proposal, error) {
			return o.authority.ExtendOffer(c.Offer)
		})
	case EstablishCreditEnvelope:
		return o.commitGuarded(ctx, credit.StreamID(c.EnvelopeID), func() (authority.Proposal, error) {
			return o.authority.EstablishEnvelope(c.EnvelopeID)
		})
	case AuthorizeCreditSpend:
		return o.commitGuarded(ctx, credit.StreamID(c.Authorization.EnvelopeID), func() (authority.Proposal, error) {
			return o.authority.AuthorizeSpend(c.Authorization)
		})
	case SettleCredit:
		return o.settle(ctx, c.Receipt)
	case DeclareCreditDefault:
		return o.declareDefault(ctx, c.Notice)
	case RequestJob:
		return o.commitGuarded(ctx, workers.StreamID(c.AssignmentID), func() (authority.Proposal, error) {
			return o.authority.RequestJob(c.AssignmentID)
		})
	case AssignJob:
		return o.commitGuarded(ctx, workers.StreamID(c.AssignmentID), func() (authority.Proposal, error) {
			return o.authority.AssignJob(c.ProviderID, c.AssignmentID)
		})
	case HeartbeatJob:
		return o.commitGuarded(ctx, workers.StreamID(c.AssignmentID), func() (authority.Proposal, error) {
			return o.authority.HeartbeatJob(c.ProviderID, c.AssignmentID)
		})
	case CompleteJob:
		return o.commitGuarded(ctx, workers.StreamID(c.AssignmentID), func() (authority.Proposal, error) {
			return o.authority.CompleteJob(c.ProviderID, c.AssignmentID)
		})
	case ExpireJob:
		return o.commitGuarded(ctx, workers.StreamID(c.AssignmentID), func() (authority.Proposal, error) {
			return o.authority.ExpireJob(c.AssignmentID)
		})
	case AttestSkill:
		return o.commitGuarded(ctx, trust.StreamID(c.Attestation.AgentID), func() (authority.Proposal, error) {
			return o.authority.AttestSkill(c.Attestation)
		})
	case RevokeSkill:
		return o.commitGuarded(ctx, trust.StreamID(c.Attestation.AgentID), func() (authority.Proposal, error) {
			return o.authority.RevokeSkill(c.Attestation)
		})
	default:
		return rejected(fault.New(fault.Validation, "unknown command %T", cmd))
	}
}

// settle runs the settlement path: authority validation, then anomaly
// adjudication. A flagged settlement is rejected and the envelope is
// defaulted in the same guarded section, so the anomaly itself becomes a
// durable lifecycle outcome rather than a transient refusal.
func (o *Orchestrator) settle(ctx context.Context, receipt credit.SettlementReceipt) Response {
	streamID := credit.StreamID(receipt.EnvelopeID)
	release := o.authority.Guard(streamID)
	defer release()

	proposal, err := o.authority.Settle(receipt)
	if err != nil {
		return rejected(err)
	}

	if anomaly := o.adjudicate(credit.KindSettled, receipt.AmountMinor, receipt.Scope, receipt.EnvelopeID); anomaly != nil {
		notice := credit.DefaultNotice{
			NoticeID:   receipt.ReceiptID,
			EnvelopeID: receipt.EnvelopeID,
			Scope:      receipt.Scope,
			Reason:     fmt.Sprintf("adjudication rule %s: %s", anomaly.Rule, anomaly.Reason),
			DeclaredAt: o.clock(),
		}
		defaultProposal, derr := o.authority.Default(notice)
		if derr != nil {
			return rejected(derr)
		}
		if _, cerr := o.commit(ctx, defaultProposal); cerr != nil {
			return rejected(cerr)
		}
		return rejected(fault.New(fault.Validation,
			"settlement flagged by rule %s, envelope defaulted: %s", anomaly.Rule, anomaly.Reason))
	}

	// Risk is read before the commit: this settlement must not count
	// toward the trust standing that decides its own review.
	view, _ := o.creditView.Envelope(receipt.EnvelopeID)
	risk := riskForTier(o.trustView.Tier(view.AgentID))

	ev, err := o.commit(ctx, proposal)
	if err != nil {
		return rejected(err)
	}
	return accepted(ev.EventID, o.sampleForReview(ev, risk))
}

// declareDefault runs the explicit default path. Anomalies here do not
// block: the default is already the punitive outcome, so a flag only
// raises an incident for operator review.
func (o *Orchestrator) declareDefault(ctx context.Context, notice credit.DefaultNotice) Response {
	streamID := credit.StreamID(notice.EnvelopeID)
	release := o.authority.Guard(streamID)
	defer release()

	proposal, err := o.authority.Default(notice)
	if err != nil {
		return rejected(err)
	}

	anomaly := o.adjudicate(credit.KindDefaulted, 0, notice.Scope, notice.EnvelopeID)

	view, _ := o.creditView.Envelope(notice.EnvelopeID)
	risk := riskForTier(o.trustView.Tier(view.AgentID))

	ev, err := o.commit(ctx, proposal)
	if err != nil {
		return rejected(err)
	}
	if anomaly != nil {
		inc := o.incidents.Record(LaneAcCredit, "credit.declare_default",
			fault.Validation,
			fmt.Sprintf("default on envelope %s flagged by rule %s: %s", notice.EnvelopeID, anomaly.Rule, anomaly.Reason),
			o.clock())
		o.logger.Warn("anomalous default committed",
			"envelope", notice.EnvelopeID, "rule", anomaly.Rule, "incident", inc.ID)
	}
	return accepted(ev.EventID, o.sampleForReview(ev, risk))
}

// adjudicate evaluates the anomaly policy against the current projected
// state. A predicate failure is logged and treated as clean: policy
// evaluation must not take down the settlement path.
func (o *Orchestrator) adjudicate(kind string, amountMinor int64, scope, envelopeID string) *adjudication.Anomaly {
	if o.evaluator == nil {
		return nil
	}
	view, ok := o.creditView.Envelope(envelopeID)
	if !ok {
		return nil
	}
	rep, _ := o.trustView.Reputation(view.AgentID)
	anomaly, err := o.evaluator.Evaluate(adjudication.Input{
		Kind:        kind,
		AmountMinor: amountMinor,
		Scope:       scope,
		Envelope:    view,
		Reputation:  rep,
		Now:         o.clock(),
	})
	if err != nil {
		o.logger.Error("adjudication failed", "envelope", envelopeID, "error", err)
		return nil
	}
	return anomaly
}

// sampleForReview makes the deterministic review decision for one
// committed event. The key is the event's stream slot so replays of the
// same commit decide identically; risk was fixed at validation time,
// from the trust tier the outcome had not yet moved.
func (o *Orchestrator) sampleForReview(ev eventlog.Event, risk sampling.Risk) bool {
	if o.policy.Seed == "" {
		return false
	}
	key := fmt.Sprintf("%s/%d", ev.StreamID, ev.Seq)
	return o.policy.ShouldSample(key, risk)
}

// riskForTier maps trust standing to sampling risk: unproven agents get
// reviewed most.
func riskForTier(tier trust.Tier) sampling.Risk {
	switch tier {
	case trust.TierPlatinum:
		return sampling.RiskLow
	case trust.TierGold, trust.TierSilver:
		return sampling.RiskMedium
	default:
		return sampling.RiskHigh
	}
}

// commitGuarded wraps validate-then-commit in the per-stream exclusive
// section so the view a proposal was validated against cannot move
// before the append lands.
func (o *Orchestrator) commitGuarded(ctx context.Context, streamID string, propose func() (authority.Proposal, error)) Response {
	release := o.authority.Guard(streamID)
	defer release()

	proposal, err := propose()
	if err != nil {
		return rejected(err)
	}
	ev, err := o.commit(ctx, proposal)
	if err != nil {
		return rejected(err)
	}
	return accepted(ev.EventID, false)
}

// commit appends an accepted proposal, applies it to the projections and
// publishes it. Sequence conflicts are retried a bounded number of
// times; each retry re-reads the head, so a concurrent identical commit
// resolves idempotently inside AppendAt.
func (o *Orchestrator) commit(ctx context.Context, proposal authority.Proposal) (eventlog.Event, error) {
	payload, err := eventlog.EncodePayload(proposal.Record)
	if err != nil {
		return eventlog.Event{}, fault.Wrap(fault.Internal, err, "payload encoding failed: %v", err)
	}

	var ev eventlog.Event
	for attempt := 1; ; attempt++ {
		ev, err = o.log.Append(ctx, proposal.StreamID, proposal.Kind, payload)
		if err == nil {
			break
		}
		if !errors.Is(err, eventlog.ErrSequenceConflict) || attempt >= appendAttempts {
			if o.health != nil {
				o.health.RecordError("append "+proposal.Kind, err.Error())
			}
			if errors.Is(err, eventlog.ErrSequenceConflict) {
				return eventlog.Event{}, fault.Wrap(fault.Internal, err,
					"append to %s still conflicting after %d attempts", proposal.StreamID, appendAttempts)
			}
			return eventlog.Event{}, fault.Wrap(fault.Internal, err, "append to %s failed: %v", proposal.StreamID, err)
		}
		o.logger.Debug("append conflict, retrying",
			"stream", proposal.StreamID, "attempt", attempt)
	}

	if err := o.pipeline.Apply(ev); err != nil {
		// The event is durable; a projector fault degrades that view
		// only. Sync health records it, the commit stands.
		if o.health != nil {
			o.health.RecordError("apply "+ev.Kind, err.Error())
		}
		o.logger.Error("projection apply failed", "stream", ev.StreamID, "seq", ev.Seq, "error", err)
	} else if o.health != nil {
		o.health.Advance(ev.Seq, "apply "+ev.Kind)
	}

	if o.publisher != nil {
		o.publisher.Publish(ev)
	}
	return ev, nil
}
