package trust

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/eventlog"
)

func trustEvent(t *testing.T, stream string, seq uint64, kind string, record any, at time.Time) eventlog.Event {
	t.Helper()
	payload, err := eventlog.EncodePayload(record)
	require.NoError(t, err)
	return eventlog.Event{
		EventID:   fmt.Sprintf("ev-%s-%d", stream, seq),
		StreamID:  stream,
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: at,
	}
}

func openedIntent(t *testing.T, p *Projector, envelopeID, agentID string, at time.Time) {
	t.Helper()
	require.NoError(t, p.Apply(trustEvent(t, credit.StreamID(envelopeID), 1, credit.KindIntentOpened,
		credit.Intent{EnvelopeID: envelopeID, AgentID: agentID, CounterpartyID: "cp-b"}, at)))
}

func TestProjectorAttributesOutcomesToBorrower(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewProjector()

	openedIntent(t, p, "env-1", "agent-a", at)
	openedIntent(t, p, "env-2", "agent-a", at)

	require.NoError(t, p.Apply(trustEvent(t, credit.StreamID("env-1"), 5, credit.KindSettled,
		credit.SettlementReceipt{EnvelopeID: "env-1", Scope: "inference/batch", AmountMinor: 400}, at)))
	require.NoError(t, p.Apply(trustEvent(t, credit.StreamID("env-2"), 5, credit.KindDefaulted,
		credit.DefaultNotice{EnvelopeID: "env-2", Scope: "inference/batch", Reason: "missed deadline"}, at)))

	rep, ok := p.Reputation("agent-a")
	require.True(t, ok)
	assert.Equal(t, 1, rep.Settlements)
	assert.Equal(t, 1, rep.Defaults)
	assert.Equal(t, 1, rep.ScopeDefaults["inference/batch"])
	assert.Len(t, rep.Outcomes, 2)
	assert.Equal(t, 0.5, rep.Score())
}

func TestProjectorDropsUnattributableOutcomes(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewProjector()

	// No intent seen for this envelope.
	require.NoError(t, p.Apply(trustEvent(t, credit.StreamID("env-x"), 5, credit.KindSettled,
		credit.SettlementReceipt{EnvelopeID: "env-x", Scope: "inference/batch", AmountMinor: 400}, at)))

	_, ok := p.Reputation("agent-a")
	assert.False(t, ok)
}

func TestProjectorSkillFold(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewProjector()

	att := SkillAttestation{AgentID: "agent-a", Skill: "code-review", AttestorID: "agent-b"}
	require.NoError(t, p.Apply(trustEvent(t, StreamID("agent-a"), 1, KindSkillAttested, att, at)))

	rep, ok := p.Reputation("agent-a")
	require.True(t, ok)
	assert.True(t, rep.Skills["code-review"])

	require.NoError(t, p.Apply(trustEvent(t, StreamID("agent-a"), 2, KindSkillRevoked, att, at)))
	rep, _ = p.Reputation("agent-a")
	assert.False(t, rep.Skills["code-review"])
}

func TestProjectorBoundsOutcomeHistory(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewProjector()

	for i := 0; i < outcomeHistory+10; i++ {
		env := fmt.Sprintf("env-%d", i)
		openedIntent(t, p, env, "agent-a", at)
		require.NoError(t, p.Apply(trustEvent(t, credit.StreamID(env), 5, credit.KindSettled,
			credit.SettlementReceipt{EnvelopeID: env, Scope: "inference/batch", AmountMinor: 1}, at.Add(time.Duration(i)*time.Second))))
	}

	rep, ok := p.Reputation("agent-a")
	require.True(t, ok)
	assert.Len(t, rep.Outcomes, outcomeHistory)
	assert.Equal(t, outcomeHistory+10, rep.Settlements)
	// Oldest entries were dropped.
	assert.Equal(t, at.Add(10*time.Second), rep.Outcomes[0])
}

func TestReputationCopiesAreIsolated(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewProjector()
	att := SkillAttestation{AgentID: "agent-a", Skill: "code-review", AttestorID: "agent-b"}
	require.NoError(t, p.Apply(trustEvent(t, StreamID("agent-a"), 1, KindSkillAttested, att, at)))

	rep, _ := p.Reputation("agent-a")
	rep.Skills["forged"] = true
	rep.ScopeDefaults["inference/batch"] = 99

	fresh, _ := p.Reputation("agent-a")
	assert.False(t, fresh.Skills["forged"])
	assert.Zero(t, fresh.ScopeDefaults["inference/batch"])
}

func TestTierForScore(t *testing.T) {
	assert.Equal(t, TierPlatinum, TierForScore(0.99))
	assert.Equal(t, TierGold, TierForScore(0.90))
	assert.Equal(t, TierSilver, TierForScore(0.80))
	assert.Equal(t, TierBronze, TierForScore(0.60))
	assert.Equal(t, TierNone, TierForScore(0.50))
	assert.Equal(t, TierNone, TierForScore(0))
}

func TestScore(t *testing.T) {
	assert.Zero(t, Reputation{}.Score())
	assert.Equal(t, 0.75, Reputation{Settlements: 3, Defaults: 1}.Score())
	assert.Equal(t, TierNone, Reputation{}.Tier())
}

func TestProjectorTierUnknownAgent(t *testing.T) {
	assert.Equal(t, TierNone, NewProjector().Tier("nobody"))
}
