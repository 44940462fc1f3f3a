package adjudication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traverse-labs/keel/pkg/trust"
)

func TestAmountThreshold(t *testing.T) {
	p := AmountThreshold{MaxMinor: 1000}

	anomaly, err := p.Evaluate(Input{Kind: "credit.settled", AmountMinor: 1000})
	require.NoError(t, err)
	assert.Nil(t, anomaly)

	anomaly, err = p.Evaluate(Input{Kind: "credit.settled", AmountMinor: 1001})
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "amount_threshold", anomaly.Rule)
	assert.Contains(t, anomaly.Reason, "exceeds threshold 1000")

	// A zero ceiling disarms the rule.
	anomaly, err = AmountThreshold{}.Evaluate(Input{AmountMinor: 1 << 40})
	require.NoError(t, err)
	assert.Nil(t, anomaly)
}

func TestRepeatedScopeDefault(t *testing.T) {
	p := RepeatedScopeDefault{MaxDefaults: 2}
	rep := trust.Reputation{
		AgentID:       "agent-a",
		ScopeDefaults: map[string]int{"inference/batch": 2},
	}

	// Only defaults are in scope.
	anomaly, err := p.Evaluate(Input{Kind: "credit.settled", Scope: "inference/batch", Reputation: rep})
	require.NoError(t, err)
	assert.Nil(t, anomaly)

	// Two priors on a different scope do not count.
	anomaly, err = p.Evaluate(Input{Kind: "credit.defaulted", Scope: "training/epoch", Reputation: rep})
	require.NoError(t, err)
	assert.Nil(t, anomaly)

	anomaly, err = p.Evaluate(Input{Kind: "credit.defaulted", Scope: "inference/batch", Reputation: rep})
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "repeated_scope_default", anomaly.Rule)
	assert.Contains(t, anomaly.Reason, "defaulted 3 times on scope inference/batch")
}

func TestVelocity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Velocity{MaxOutcomes: 3, Window: time.Hour}
	rep := trust.Reputation{
		AgentID: "agent-a",
		Outcomes: []time.Time{
			now.Add(-2 * time.Hour), // outside the window
			now.Add(-30 * time.Minute),
			now.Add(-10 * time.Minute),
		},
	}

	// Two recent outcomes plus this one stays at the cap.
	anomaly, err := p.Evaluate(Input{Kind: "credit.settled", Reputation: rep, Now: now})
	require.NoError(t, err)
	assert.Nil(t, anomaly)

	rep.Outcomes = append(rep.Outcomes, now.Add(-time.Minute))
	anomaly, err = p.Evaluate(Input{Kind: "credit.settled", Reputation: rep, Now: now})
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "velocity", anomaly.Rule)
	assert.Contains(t, anomaly.Reason, "4 outcomes within 1h0m0s")
}

func TestEvaluatorReportsFirstHit(t *testing.T) {
	e := NewEvaluator(
		AmountThreshold{MaxMinor: 100},
		RepeatedScopeDefault{MaxDefaults: 1},
	)

	in := Input{
		Kind:        "credit.defaulted",
		AmountMinor: 500,
		Scope:       "inference/batch",
		Reputation:  trust.Reputation{ScopeDefaults: map[string]int{"inference/batch": 1}},
	}
	anomaly, err := e.Evaluate(in)
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "amount_threshold", anomaly.Rule)

	in.AmountMinor = 50
	anomaly, err = e.Evaluate(in)
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "repeated_scope_default", anomaly.Rule)
}

func TestEvaluatorCleanInput(t *testing.T) {
	e := NewEvaluator(AmountThreshold{MaxMinor: 1000})
	anomaly, err := e.Evaluate(Input{Kind: "credit.settled", AmountMinor: 10})
	require.NoError(t, err)
	assert.Nil(t, anomaly)
}
