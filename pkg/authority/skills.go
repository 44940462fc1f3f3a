package authority

import (
	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/trust"
)

// AttestSkill validates a skill attestation on the discovery/trust lane.
func (a *Authority) AttestSkill(att trust.SkillAttestation) (Proposal, error) {
	if att.AgentID == "" || att.Skill == "" {
		return Proposal{}, fault.New(fault.Validation, "missing agent id or skill")
	}
	if att.AttestorID == "" {
		return Proposal{}, fault.New(fault.Validation, "missing attestor id")
	}
	if att.AttestorID == att.AgentID {
		return Proposal{}, fault.New(fault.Validation, "agent cannot attest its own skill")
	}
	if rep, ok := a.trustView.Reputation(att.AgentID); ok && rep.Skills[att.Skill] {
		return Proposal{}, fault.New(fault.Validation,
			"skill %s already attested for agent %s", att.Skill, att.AgentID)
	}
	att.AttestedAt = a.clock()
	return Proposal{
		StreamID: trust.StreamID(att.AgentID),
		Kind:     trust.KindSkillAttested,
		Record:   att,
	}, nil
}

// RevokeSkill validates removal of a previously attested skill.
func (a *Authority) RevokeSkill(att trust.SkillAttestation) (Proposal, error) {
	if att.AgentID == "" || att.Skill == "" {
		return Proposal{}, fault.New(fault.Validation, "missing agent id or skill")
	}
	rep, ok := a.trustView.Reputation(att.AgentID)
	if !ok || !rep.Skills[att.Skill] {
		return Proposal{}, fault.New(fault.Validation,
			"skill %s is not attested for agent %s", att.Skill, att.AgentID)
	}
	att.AttestedAt = a.clock()
	return Proposal{
		StreamID: trust.StreamID(att.AgentID),
		Kind:     trust.KindSkillRevoked,
		Record:   att,
	}, nil
}
