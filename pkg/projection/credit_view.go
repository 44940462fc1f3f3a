package projection

import (
	"fmt"
	"sync"
	"time"

	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/eventlog"
)

// EnvelopeView is the materialized "current state" of one credit
// extension: lifecycle position, agreed terms and remaining balance.
// It is the authoritative read model the authority validates against.
type EnvelopeView struct {
	EnvelopeID     string
	State          credit.State
	AgentID        string
	CounterpartyID string
	IntentTerms    credit.Terms
	OfferTerms     credit.Terms
	BalanceMinor   int64
	Outstanding    *credit.SpendAuthorization
	SettledScope   string
	DefaultReason  string
	UpdatedAt      time.Time
}

// CreditProjector folds credit-lane events into envelope views.
type CreditProjector struct {
	mu        sync.RWMutex
	envelopes map[string]EnvelopeView
}

// NewCreditProjector creates an empty credit view.
func NewCreditProjector() *CreditProjector {
	return &CreditProjector{envelopes: make(map[string]EnvelopeView)}
}

// Name implements Projector.
func (c *CreditProjector) Name() string { return "credit_view" }

// Apply folds one event into the view. Unknown kinds are ignored so the
// projector can share a stream with other lanes. The fold trusts the log:
// transition legality was enforced by the authority before commit.
func (c *CreditProjector) Apply(ev eventlog.Event) error {
	switch ev.Kind {
	case credit.KindIntentOpened:
		intent, err := eventlog.DecodePayload[credit.Intent](ev.Payload)
		if err != nil {
			return err
		}
		c.put(EnvelopeView{
			EnvelopeID:     intent.EnvelopeID,
			State:          credit.StateRequested,
			AgentID:        intent.AgentID,
			CounterpartyID: intent.CounterpartyID,
			IntentTerms:    intent.Terms,
			UpdatedAt:      ev.CreatedAt,
		})
		return nil

	case credit.KindOfferExtended:
		offer, err := eventlog.DecodePayload[credit.Offer](ev.Payload)
		if err != nil {
			return err
		}
		return c.update(offer.EnvelopeID, ev.CreatedAt, func(view *EnvelopeView) {
			view.State = credit.StateOffered
			view.OfferTerms = offer.Terms
		})

	case credit.KindEnvelopeEstablished:
		id, err := envelopeID(ev)
		if err != nil {
			return err
		}
		return c.update(id, ev.CreatedAt, func(view *EnvelopeView) {
			view.State = credit.StateEnveloped
			view.BalanceMinor = view.OfferTerms.AmountMinor
		})

	case credit.KindSpendAuthorized:
		auth, err := eventlog.DecodePayload[credit.SpendAuthorization](ev.Payload)
		if err != nil {
			return err
		}
		return c.update(auth.EnvelopeID, ev.CreatedAt, func(view *EnvelopeView) {
			view.State = credit.StateSpendAuthorized
			view.BalanceMinor -= auth.AmountMinor
			authCopy := auth
			view.Outstanding = &authCopy
		})

	case credit.KindSettled:
		receipt, err := eventlog.DecodePayload[credit.SettlementReceipt](ev.Payload)
		if err != nil {
			return err
		}
		return c.update(receipt.EnvelopeID, ev.CreatedAt, func(view *EnvelopeView) {
			view.State = credit.StateSettled
			view.SettledScope = receipt.Scope
			view.Outstanding = nil
		})

	case credit.KindDefaulted:
		notice, err := eventlog.DecodePayload[credit.DefaultNotice](ev.Payload)
		if err != nil {
			return err
		}
		return c.update(notice.EnvelopeID, ev.CreatedAt, func(view *EnvelopeView) {
			view.State = credit.StateDefaulted
			view.DefaultReason = notice.Reason
			view.Outstanding = nil
		})
	}
	return nil
}

func (c *CreditProjector) put(view EnvelopeView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes[view.EnvelopeID] = view
}

func (c *CreditProjector) update(envelopeID string, at time.Time, mutate func(*EnvelopeView)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.envelopes[envelopeID]
	if !ok {
		return fmt.Errorf("credit view: unknown envelope %s", envelopeID)
	}
	mutate(&view)
	view.UpdatedAt = at
	c.envelopes[envelopeID] = view
	return nil
}

// Envelope returns the current view of one envelope.
func (c *CreditProjector) Envelope(envelopeID string) (EnvelopeView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view, ok := c.envelopes[envelopeID]
	return view, ok
}

// ActiveEnvelopeFor returns an Enveloped or SpendAuthorized envelope held
// by agentID against counterpartyID for the given scope, if one exists.
// Used to enforce the no-double-borrow rule.
func (c *CreditProjector) ActiveEnvelopeFor(agentID, counterpartyID, scope string) (EnvelopeView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, view := range c.envelopes {
		if view.AgentID != agentID || view.CounterpartyID != counterpartyID {
			continue
		}
		if view.IntentTerms.Scope != scope {
			continue
		}
		if view.State == credit.StateEnveloped || view.State == credit.StateSpendAuthorized {
			return view, true
		}
	}
	return EnvelopeView{}, false
}

func envelopeID(ev eventlog.Event) (string, error) {
	id, ok := ev.Payload["envelope_id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("credit view: event %s missing envelope_id", ev.EventID)
	}
	return id, nil
}
