package adjudication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/trust"
)

func TestCELPredicateFlagsMatchingInput(t *testing.T) {
	p, err := NewCELPredicate("big_settlement_low_trust", `kind == "credit.settled" && amount > 500 && score < 0.5`)
	require.NoError(t, err)

	in := Input{
		Kind:        "credit.settled",
		AmountMinor: 750,
		Reputation:  trust.Reputation{AgentID: "agent-a", Settlements: 1, Defaults: 3},
	}
	anomaly, err := p.Evaluate(in)
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "big_settlement_low_trust", anomaly.Rule)
	assert.Contains(t, anomaly.Reason, "big_settlement_low_trust matched")

	in.Reputation = trust.Reputation{AgentID: "agent-a", Settlements: 9, Defaults: 0}
	anomaly, err = p.Evaluate(in)
	require.NoError(t, err)
	assert.Nil(t, anomaly)
}

func TestCELPredicateSeesEnvelopeBalance(t *testing.T) {
	p, err := NewCELPredicate("drain", `amount == balance && amount > 0`)
	require.NoError(t, err)

	anomaly, err := p.Evaluate(Input{
		AmountMinor: 400,
		Envelope:    projection.EnvelopeView{BalanceMinor: 400},
	})
	require.NoError(t, err)
	assert.NotNil(t, anomaly)
}

func TestCELPredicateRejectsBadExpressions(t *testing.T) {
	_, err := NewCELPredicate("broken", `amount >`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not compile")

	_, err = NewCELPredicate("not_bool", `amount + 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")
}

func TestCELPredicateInEvaluator(t *testing.T) {
	p, err := NewCELPredicate("scope_repeat", `scope_defaults >= 2`)
	require.NoError(t, err)

	e := NewEvaluator(p)
	anomaly, err := e.Evaluate(Input{
		Kind:       "credit.defaulted",
		Scope:      "inference/batch",
		Reputation: trust.Reputation{ScopeDefaults: map[string]int{"inference/batch": 2}},
	})
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "scope_repeat", anomaly.Rule)
}
