// Package adjudication evaluates settlement and default events against
// anomaly policy. It runs synchronously in the settlement/default path so
// a flagged anomaly can still block the transition. Every predicate is a
// deterministic, side-effect-free function of the projected state and the
// event under evaluation, so the policy set is independently testable.
package adjudication

import (
	"fmt"
	"time"

	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/trust"
)

// Input is the complete evidence a predicate may consult.
type Input struct {
	// Kind is the event under evaluation: credit.settled or
	// credit.defaulted.
	Kind        string
	AmountMinor int64
	Scope       string
	Envelope    projection.EnvelopeView
	Reputation  trust.Reputation
	Now         time.Time
}

// Anomaly is a flagged evaluation result.
type Anomaly struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

// Predicate is one anomaly rule.
type Predicate interface {
	Name() string
	// Evaluate returns a non-nil Anomaly when the input is anomalous.
	Evaluate(in Input) (*Anomaly, error)
}

// Evaluator runs an ordered predicate set and reports the first hit.
type Evaluator struct {
	predicates []Predicate
}

// NewEvaluator creates an evaluator over the given predicates, evaluated
// in order.
func NewEvaluator(predicates ...Predicate) *Evaluator {
	return &Evaluator{predicates: predicates}
}

// Evaluate runs all predicates and returns the first anomaly, or nil if
// the event is clean.
func (e *Evaluator) Evaluate(in Input) (*Anomaly, error) {
	for _, p := range e.predicates {
		anomaly, err := p.Evaluate(in)
		if err != nil {
			return nil, fmt.Errorf("adjudication: predicate %s failed: %w", p.Name(), err)
		}
		if anomaly != nil {
			return anomaly, nil
		}
	}
	return nil, nil
}

// AmountThreshold flags settlements or defaults above a ceiling.
type AmountThreshold struct {
	MaxMinor int64
}

func (p AmountThreshold) Name() string { return "amount_threshold" }

func (p AmountThreshold) Evaluate(in Input) (*Anomaly, error) {
	if p.MaxMinor > 0 && in.AmountMinor > p.MaxMinor {
		return &Anomaly{
			Rule:   p.Name(),
			Reason: fmt.Sprintf("amount %d exceeds threshold %d", in.AmountMinor, p.MaxMinor),
		}, nil
	}
	return nil, nil
}

// RepeatedScopeDefault flags an agent defaulting repeatedly against the
// same scope.
type RepeatedScopeDefault struct {
	MaxDefaults int
}

func (p RepeatedScopeDefault) Name() string { return "repeated_scope_default" }

func (p RepeatedScopeDefault) Evaluate(in Input) (*Anomaly, error) {
	if in.Kind != "credit.defaulted" || p.MaxDefaults <= 0 {
		return nil, nil
	}
	// Prior defaults on this scope plus the one under evaluation.
	if in.Reputation.ScopeDefaults[in.Scope]+1 > p.MaxDefaults {
		return &Anomaly{
			Rule: p.Name(),
			Reason: fmt.Sprintf("agent %s has defaulted %d times on scope %s",
				in.Reputation.AgentID, in.Reputation.ScopeDefaults[in.Scope]+1, in.Scope),
		}, nil
	}
	return nil, nil
}

// Velocity flags agents completing outcomes faster than plausible.
type Velocity struct {
	MaxOutcomes int
	Window      time.Duration
}

func (p Velocity) Name() string { return "velocity" }

func (p Velocity) Evaluate(in Input) (*Anomaly, error) {
	if p.MaxOutcomes <= 0 || p.Window <= 0 {
		return nil, nil
	}
	cutoff := in.Now.Add(-p.Window)
	recent := 0
	for _, at := range in.Reputation.Outcomes {
		if at.After(cutoff) {
			recent++
		}
	}
	// The event under evaluation counts toward the window.
	if recent+1 > p.MaxOutcomes {
		return &Anomaly{
			Rule: p.Name(),
			Reason: fmt.Sprintf("agent %s produced %d outcomes within %s",
				in.Reputation.AgentID, recent+1, p.Window),
		}, nil
	}
	return nil, nil
}
