// Package credit defines the credit-extension domain model: an agent opens
// an intent to borrow against future earnings, a counterparty extends an
// offer, matched terms become an envelope (the authoritative balance
// record), a spend authorization reserves balance against one scope, and a
// settlement receipt or a default notice terminates the envelope.
//
// The types here are pure data. Lifecycle rules live in pkg/authority and
// the materialized envelope view lives in pkg/projection.
package credit

import (
	"errors"
	"time"
)

// State is the lifecycle position of a single credit extension.
type State string

const (
	StateRequested       State = "REQUESTED"
	StateOffered         State = "OFFERED"
	StateEnveloped       State = "ENVELOPED"
	StateSpendAuthorized State = "SPEND_AUTHORIZED"
	StateSettled         State = "SETTLED"
	StateDefaulted       State = "DEFAULTED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateDefaulted
}

// Terms are the financial parameters both sides must agree on exactly.
// Amounts are minor units (integer math, no floats).
type Terms struct {
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Matches reports whether two term sets agree on amount, currency and
// scope. Expiry is deliberately excluded: each side carries its own
// validity window.
func (t Terms) Matches(other Terms) bool {
	return t.AmountMinor == other.AmountMinor &&
		t.Currency == other.Currency &&
		t.Scope == other.Scope
}

// Expired reports whether the terms' validity window has passed.
func (t Terms) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Intent is an agent's request for a credit extension.
type Intent struct {
	EnvelopeID     string    `json:"envelope_id"`
	AgentID        string    `json:"agent_id"`
	CounterpartyID string    `json:"counterparty_id"`
	Terms          Terms     `json:"terms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Offer is a counterparty's response to an intent.
type Offer struct {
	EnvelopeID string    `json:"envelope_id"`
	IssuerID   string    `json:"issuer_id"`
	Terms      Terms     `json:"terms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SpendAuthorization reserves envelope balance for one scope. At most one
// authorization is outstanding per envelope at a time.
type SpendAuthorization struct {
	AuthorizationID string    `json:"authorization_id"`
	EnvelopeID      string    `json:"envelope_id"`
	AmountMinor     int64     `json:"amount_minor"`
	Scope           string    `json:"scope"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// SettlementReceipt confirms successful completion of the financed work.
// Settlement is atomic: complete or not at all.
type SettlementReceipt struct {
	ReceiptID       string    `json:"receipt_id"`
	EnvelopeID      string    `json:"envelope_id"`
	AuthorizationID string    `json:"authorization_id"`
	Scope           string    `json:"scope"`
	AmountMinor     int64     `json:"amount_minor"`
	SettledAt       time.Time `json:"settled_at"`
}

// DefaultNotice records a failed credit extension, whether declared
// explicitly or raised by adjudication.
type DefaultNotice struct {
	NoticeID   string    `json:"notice_id"`
	EnvelopeID string    `json:"envelope_id"`
	Scope      string    `json:"scope"`
	Reason     string    `json:"reason"`
	DeclaredAt time.Time `json:"declared_at"`
}

// Validation errors for required fields.
var (
	ErrMissingEnvelopeID = errors.New("missing envelope id")
	ErrMissingAgentID    = errors.New("missing agent id")
	ErrMissingScope      = errors.New("missing scope")
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Validate checks required intent fields.
func (i Intent) Validate() error {
	if i.EnvelopeID == "" {
		return ErrMissingEnvelopeID
	}
	if i.AgentID == "" {
		return ErrMissingAgentID
	}
	return i.Terms.Validate()
}

// Validate checks required offer fields.
func (o Offer) Validate() error {
	if o.EnvelopeID == "" {
		return ErrMissingEnvelopeID
	}
	if o.IssuerID == "" {
		return ErrMissingAgentID
	}
	return o.Terms.Validate()
}

// Validate checks required term fields.
func (t Terms) Validate() error {
	if t.AmountMinor <= 0 {
		return ErrNonPositiveAmount
	}
	if t.Scope == "" {
		return ErrMissingScope
	}
	return nil
}

// Validate checks required authorization fields.
func (a SpendAuthorization) Validate() error {
	if a.EnvelopeID == "" {
		return ErrMissingEnvelopeID
	}
	if a.Scope == "" {
		return ErrMissingScope
	}
	if a.AmountMinor <= 0 {
		return ErrNonPositiveAmount
	}
	return nil
}

// Validate checks required receipt fields.
func (r SettlementReceipt) Validate() error {
	if r.EnvelopeID == "" {
		return ErrMissingEnvelopeID
	}
	if r.Scope == "" {
		return ErrMissingScope
	}
	return nil
}

// Validate checks required notice fields.
func (n DefaultNotice) Validate() error {
	if n.EnvelopeID == "" {
		return ErrMissingEnvelopeID
	}
	if n.Scope == "" {
		return ErrMissingScope
	}
	return nil
}
