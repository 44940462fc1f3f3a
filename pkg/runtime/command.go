// Package runtime is the orchestration layer: it receives lane-scoped
// commands, gates them through the authority, commits accepted
// transitions to the event log, feeds the projection pipeline and the
// publisher, and returns classified responses. The orchestrator is the
// sole component with write access to the log; everything below it holds
// read handles only.
package runtime

import (
	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/trust"
)

// Lane scopes commands to one protocol surface.
type Lane string

const (
	// LaneSaLifecycle carries service-agreement/job lifecycle commands.
	LaneSaLifecycle Lane = "sa_lifecycle"
	// LaneSklDiscoveryTrust carries skill discovery and trust commands.
	LaneSklDiscoveryTrust Lane = "skl_discovery_trust"
	// LaneAcCredit carries agent-credit lifecycle commands.
	LaneAcCredit Lane = "ac_credit"
)

// Command is the closed set of runtime commands. Dispatch over the
// concrete types is exhaustive at the orchestrator boundary, so adding a
// command is a compile-time-checked change.
type Command interface {
	Lane() Lane
	Name() string
}

// Credit lane commands.

type OpenCreditIntent struct {
	Intent credit.Intent `json:"intent"`
}

type ExtendCreditOffer struct {
	Offer credit.Offer `json:"offer"`
}

type EstablishCreditEnvelope struct {
	EnvelopeID string `json:"envelope_id"`
}

type AuthorizeCreditSpend struct {
	Authorization credit.SpendAuthorization `json:"authorization"`
}

type SettleCredit struct {
	Receipt credit.SettlementReceipt `json:"receipt"`
}

type DeclareCreditDefault struct {
	Notice credit.DefaultNotice `json:"notice"`
}

func (OpenCreditIntent) Lane() Lane        { return LaneAcCredit }
func (OpenCreditIntent) Name() string      { return "credit.open_intent" }
func (ExtendCreditOffer) Lane() Lane       { return LaneAcCredit }
func (ExtendCreditOffer) Name() string     { return "credit.extend_offer" }
func (EstablishCreditEnvelope) Lane() Lane { return LaneAcCredit }
func (EstablishCreditEnvelope) Name() string {
	return "credit.establish_envelope"
}
func (AuthorizeCreditSpend) Lane() Lane   { return LaneAcCredit }
func (AuthorizeCreditSpend) Name() string { return "credit.authorize_spend" }
func (SettleCredit) Lane() Lane           { return LaneAcCredit }
func (SettleCredit) Name() string         { return "credit.settle" }
func (DeclareCreditDefault) Lane() Lane   { return LaneAcCredit }
func (DeclareCreditDefault) Name() string { return "credit.declare_default" }

// Job lane commands.

type RequestJob struct {
	AssignmentID string `json:"assignment_id"`
}

type AssignJob struct {
	ProviderID   string `json:"provider_id"`
	AssignmentID string `json:"assignment_id"`
}

type HeartbeatJob struct {
	ProviderID   string `json:"provider_id"`
	AssignmentID string `json:"assignment_id"`
}

type CompleteJob struct {
	ProviderID   string `json:"provider_id"`
	AssignmentID string `json:"assignment_id"`
}

type ExpireJob struct {
	AssignmentID string `json:"assignment_id"`
}

func (RequestJob) Lane() Lane     { return LaneSaLifecycle }
func (RequestJob) Name() string   { return "job.request" }
func (AssignJob) Lane() Lane      { return LaneSaLifecycle }
func (AssignJob) Name() string    { return "job.assign" }
func (HeartbeatJob) Lane() Lane   { return LaneSaLifecycle }
func (HeartbeatJob) Name() string { return "job.heartbeat" }
func (CompleteJob) Lane() Lane    { return LaneSaLifecycle }
func (CompleteJob) Name() string  { return "job.complete" }
func (ExpireJob) Lane() Lane      { return LaneSaLifecycle }
func (ExpireJob) Name() string    { return "job.expire" }

// Trust lane commands.

type AttestSkill struct {
	Attestation trust.SkillAttestation `json:"attestation"`
}

type RevokeSkill struct {
	Attestation trust.SkillAttestation `json:"attestation"`
}

func (AttestSkill) Lane() Lane   { return LaneSklDiscoveryTrust }
func (AttestSkill) Name() string { return "skill.attest" }
func (RevokeSkill) Lane() Lane   { return LaneSklDiscoveryTrust }
func (RevokeSkill) Name() string { return "skill.revoke" }

// Request wraps a command with its transport-level envelope: protocol
// version and optional signed bearer token. The payload itself arrives
// already signature-verified; the token authorizes the caller's role on
// the lane.
type Request struct {
	Command         Command
	ProtocolVersion string
	Token           string
}

// Status of a handled command.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

// ResponseError carries the classified rejection reason.
type ResponseError struct {
	Class   fault.Class `json:"class"`
	Message string      `json:"message"`
}

// Response is the outcome of one handled command. Not persisted.
type Response struct {
	Status  Status `json:"status"`
	EventID string `json:"event_id,omitempty"`
	// ReviewSelected marks the action for human review per the
	// deterministic sampling policy.
	ReviewSelected bool           `json:"review_selected,omitempty"`
	Error          *ResponseError `json:"error,omitempty"`
}

func accepted(eventID string, review bool) Response {
	return Response{Status: StatusAccepted, EventID: eventID, ReviewSelected: review}
}

func rejected(err error) Response {
	return Response{
		Status: StatusRejected,
		Error: &ResponseError{
			Class:   fault.ClassOf(err),
			Message: fault.MessageOf(err),
		},
	}
}
