// Package trust maintains the reputation read model: per-agent settlement
// and default counts, attested skills, and the derived trust tier used
// for risk classification of review sampling and credit decisions.
package trust

import (
	"sync"
	"time"

	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/eventlog"
)

// Event kinds on the skill-discovery/trust lane.
const (
	KindSkillAttested = "skill.attested"
	KindSkillRevoked  = "skill.revoked"
)

// StreamID returns the event stream carrying one agent's skill and
// trust history.
func StreamID(agentID string) string {
	return "skill/" + agentID
}

// Tier represents derived trust levels.
type Tier string

const (
	TierPlatinum Tier = "PLATINUM" // score > 0.95
	TierGold     Tier = "GOLD"     // score > 0.85
	TierSilver   Tier = "SILVER"   // score > 0.70
	TierBronze   Tier = "BRONZE"   // score > 0.50
	TierNone     Tier = ""         // score <= 0.50 or no history
)

// TierForScore maps a reputation score to a tier.
func TierForScore(score float64) Tier {
	switch {
	case score > 0.95:
		return TierPlatinum
	case score > 0.85:
		return TierGold
	case score > 0.70:
		return TierSilver
	case score > 0.50:
		return TierBronze
	default:
		return TierNone
	}
}

// SkillAttestation records one attested skill for an agent.
type SkillAttestation struct {
	AgentID    string    `json:"agent_id"`
	Skill      string    `json:"skill"`
	AttestorID string    `json:"attestor_id"`
	AttestedAt time.Time `json:"attested_at"`
}

// outcomeHistory bounds the per-agent outcome timestamps kept for
// velocity checks.
const outcomeHistory = 64

// Reputation is the per-agent trust state.
type Reputation struct {
	AgentID     string          `json:"agent_id"`
	Settlements int             `json:"settlements"`
	Defaults    int             `json:"defaults"`
	Skills      map[string]bool `json:"skills"`
	// ScopeDefaults counts defaults per scope, for repeated-scope
	// anomaly detection.
	ScopeDefaults map[string]int `json:"scope_defaults,omitempty"`
	// Outcomes holds the most recent settlement/default timestamps in
	// apply order, for velocity checks.
	Outcomes  []time.Time `json:"outcomes,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Score returns the settlement ratio in [0, 1]. An agent with no credit
// history scores 0: trust is earned, not presumed.
func (r Reputation) Score() float64 {
	total := r.Settlements + r.Defaults
	if total == 0 {
		return 0
	}
	return float64(r.Settlements) / float64(total)
}

// Tier returns the derived trust tier.
func (r Reputation) Tier() Tier {
	return TierForScore(r.Score())
}

// Projector folds settlement, default and skill events into reputations.
type Projector struct {
	mu     sync.RWMutex
	agents map[string]Reputation
	// envelope id -> borrowing agent, learned from intent events so
	// settlement/default outcomes can be attributed.
	borrowers map[string]string
}

// NewProjector creates an empty trust view.
func NewProjector() *Projector {
	return &Projector{
		agents:    make(map[string]Reputation),
		borrowers: make(map[string]string),
	}
}

// Name implements projection.Projector.
func (p *Projector) Name() string { return "trust_view" }

// Apply folds one event into the reputation view.
func (p *Projector) Apply(ev eventlog.Event) error {
	switch ev.Kind {
	case credit.KindIntentOpened:
		intent, err := eventlog.DecodePayload[credit.Intent](ev.Payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.borrowers[intent.EnvelopeID] = intent.AgentID
		p.mu.Unlock()
		return nil

	case credit.KindSettled:
		receipt, err := eventlog.DecodePayload[credit.SettlementReceipt](ev.Payload)
		if err != nil {
			return err
		}
		p.recordOutcome(receipt.EnvelopeID, receipt.Scope, ev.CreatedAt, true)
		return nil

	case credit.KindDefaulted:
		notice, err := eventlog.DecodePayload[credit.DefaultNotice](ev.Payload)
		if err != nil {
			return err
		}
		p.recordOutcome(notice.EnvelopeID, notice.Scope, ev.CreatedAt, false)
		return nil

	case KindSkillAttested:
		att, err := eventlog.DecodePayload[SkillAttestation](ev.Payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		rep := p.reputation(att.AgentID)
		rep.Skills[att.Skill] = true
		rep.UpdatedAt = ev.CreatedAt
		p.agents[att.AgentID] = rep
		p.mu.Unlock()
		return nil

	case KindSkillRevoked:
		att, err := eventlog.DecodePayload[SkillAttestation](ev.Payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		rep := p.reputation(att.AgentID)
		delete(rep.Skills, att.Skill)
		rep.UpdatedAt = ev.CreatedAt
		p.agents[att.AgentID] = rep
		p.mu.Unlock()
		return nil
	}
	return nil
}

func (p *Projector) recordOutcome(envelopeID, scope string, at time.Time, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	agentID, ok := p.borrowers[envelopeID]
	if !ok {
		// Outcome for an envelope opened before this view's checkpoint;
		// attribution is lost until the next full replay.
		return
	}
	rep := p.reputation(agentID)
	if success {
		rep.Settlements++
	} else {
		rep.Defaults++
		rep.ScopeDefaults[scope]++
	}
	rep.Outcomes = append(rep.Outcomes, at)
	if len(rep.Outcomes) > outcomeHistory {
		rep.Outcomes = rep.Outcomes[len(rep.Outcomes)-outcomeHistory:]
	}
	rep.UpdatedAt = at
	p.agents[agentID] = rep
}

// reputation returns the stored reputation or a zero value ready to
// mutate. Caller holds the lock.
func (p *Projector) reputation(agentID string) Reputation {
	rep, ok := p.agents[agentID]
	if !ok {
		rep = Reputation{
			AgentID:       agentID,
			Skills:        make(map[string]bool),
			ScopeDefaults: make(map[string]int),
		}
	}
	return rep
}

// Reputation returns the current view of one agent. Maps are copied so
// callers never alias the projector's mutable state.
func (p *Projector) Reputation(agentID string) (Reputation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rep, ok := p.agents[agentID]
	if !ok {
		return Reputation{}, false
	}
	out := rep
	out.Skills = make(map[string]bool, len(rep.Skills))
	for k, v := range rep.Skills {
		out.Skills[k] = v
	}
	out.ScopeDefaults = make(map[string]int, len(rep.ScopeDefaults))
	for k, v := range rep.ScopeDefaults {
		out.ScopeDefaults[k] = v
	}
	out.Outcomes = append([]time.Time(nil), rep.Outcomes...)
	return out, true
}

// Tier returns the agent's current trust tier (TierNone if unknown).
func (p *Projector) Tier(agentID string) Tier {
	rep, ok := p.Reputation(agentID)
	if !ok {
		return TierNone
	}
	return rep.Tier()
}
