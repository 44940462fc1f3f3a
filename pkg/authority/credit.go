package authority

import (
	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/fault"
)

// OpenIntent validates a new credit intent. The envelope identifier must
// be fresh: an intent is the birth of an envelope's stream.
func (a *Authority) OpenIntent(intent credit.Intent) (Proposal, error) {
	if err := intent.Validate(); err != nil {
		return Proposal{}, fault.Wrap(fault.Validation, err, "invalid intent: %v", err)
	}
	if _, exists := a.creditView.Envelope(intent.EnvelopeID); exists {
		return Proposal{}, fault.New(fault.Validation, "envelope %s already exists", intent.EnvelopeID)
	}
	return Proposal{
		StreamID: credit.StreamID(intent.EnvelopeID),
		Kind:     credit.KindIntentOpened,
		Record:   intent,
	}, nil
}

// ExtendOffer validates Requested -> Offered. The requesting agent must
// hold no active envelope against the same counterparty and scope: no
// double-borrowing against one unit of work.
func (a *Authority) ExtendOffer(offer credit.Offer) (Proposal, error) {
	if err := offer.Validate(); err != nil {
		return Proposal{}, fault.Wrap(fault.Validation, err, "invalid offer: %v", err)
	}
	view, ok := a.creditView.Envelope(offer.EnvelopeID)
	if !ok {
		return Proposal{}, fault.New(fault.Validation, "unknown envelope %s", offer.EnvelopeID)
	}
	if view.State != credit.StateRequested {
		return Proposal{}, invalidTransition(view.State, credit.StateOffered)
	}
	if active, found := a.creditView.ActiveEnvelopeFor(view.AgentID, view.CounterpartyID, view.IntentTerms.Scope); found {
		return Proposal{}, fault.New(fault.Validation,
			"agent %s already borrows against scope %s via envelope %s",
			view.AgentID, view.IntentTerms.Scope, active.EnvelopeID)
	}
	return Proposal{
		StreamID: credit.StreamID(offer.EnvelopeID),
		Kind:     credit.KindOfferExtended,
		Record:   offer,
	}, nil
}

// EstablishEnvelope validates Offered -> Enveloped. Offer terms must be
// unexpired and match the intent terms exactly; a mismatch is rejected,
// never clamped.
func (a *Authority) EstablishEnvelope(envelopeID string) (Proposal, error) {
	view, ok := a.creditView.Envelope(envelopeID)
	if !ok {
		return Proposal{}, fault.New(fault.Validation, "unknown envelope %s", envelopeID)
	}
	if view.State != credit.StateOffered {
		return Proposal{}, invalidTransition(view.State, credit.StateEnveloped)
	}
	if view.OfferTerms.Expired(a.clock()) {
		return Proposal{}, fault.New(fault.Validation, "offer on envelope %s has expired", envelopeID)
	}
	if !view.OfferTerms.Matches(view.IntentTerms) {
		return Proposal{}, fault.New(fault.Validation,
			"offer terms do not match intent terms on envelope %s", envelopeID)
	}
	return Proposal{
		StreamID: credit.StreamID(envelopeID),
		Kind:     credit.KindEnvelopeEstablished,
		Record:   map[string]any{"envelope_id": envelopeID},
	}, nil
}

// AuthorizeSpend validates Enveloped -> SpendAuthorized. The authorized
// amount is reserved immediately, so the balance check runs against the
// available (post-reservation) balance.
//
// When both conditions could apply, the outstanding-authorization check
// deliberately precedes the balance check: the single-outstanding
// invariant is structural and is evaluated before any arithmetic, so the
// rejection is deterministic regardless of the requested amount.
func (a *Authority) AuthorizeSpend(auth credit.SpendAuthorization) (Proposal, error) {
	if err := auth.Validate(); err != nil {
		return Proposal{}, fault.Wrap(fault.Validation, err, "invalid authorization: %v", err)
	}
	view, ok := a.creditView.Envelope(auth.EnvelopeID)
	if !ok {
		return Proposal{}, fault.New(fault.Validation, "unknown envelope %s", auth.EnvelopeID)
	}
	if view.Outstanding != nil {
		return Proposal{}, fault.New(fault.Validation,
			"envelope %s already has outstanding authorization %s",
			auth.EnvelopeID, view.Outstanding.AuthorizationID)
	}
	if view.State != credit.StateEnveloped {
		return Proposal{}, invalidTransition(view.State, credit.StateSpendAuthorized)
	}
	if auth.AmountMinor > view.BalanceMinor {
		return Proposal{}, fault.New(fault.Validation,
			"insufficient balance on envelope %s: requested %d, available %d",
			auth.EnvelopeID, auth.AmountMinor, view.BalanceMinor)
	}
	return Proposal{
		StreamID: credit.StreamID(auth.EnvelopeID),
		Kind:     credit.KindSpendAuthorized,
		Record:   auth,
	}, nil
}

// Settle validates SpendAuthorized -> Settled. The receipt must
// reference the outstanding authorization's scope, and the authorization
// must still be within its validity window at check time.
func (a *Authority) Settle(receipt credit.SettlementReceipt) (Proposal, error) {
	if err := receipt.Validate(); err != nil {
		return Proposal{}, fault.Wrap(fault.Validation, err, "invalid settlement receipt: %v", err)
	}
	view, ok := a.creditView.Envelope(receipt.EnvelopeID)
	if !ok {
		return Proposal{}, fault.New(fault.Validation, "unknown envelope %s", receipt.EnvelopeID)
	}
	if view.State != credit.StateSpendAuthorized || view.Outstanding == nil {
		return Proposal{}, invalidTransition(view.State, credit.StateSettled)
	}
	if receipt.Scope != view.Outstanding.Scope {
		return Proposal{}, fault.New(fault.Validation,
			"settlement scope %s does not match authorized scope %s",
			receipt.Scope, view.Outstanding.Scope)
	}
	if !view.Outstanding.ExpiresAt.IsZero() && a.clock().After(view.Outstanding.ExpiresAt) {
		return Proposal{}, fault.New(fault.Validation,
			"authorization %s on envelope %s has expired",
			view.Outstanding.AuthorizationID, receipt.EnvelopeID)
	}
	return Proposal{
		StreamID: credit.StreamID(receipt.EnvelopeID),
		Kind:     credit.KindSettled,
		Record:   receipt,
	}, nil
}

// Default validates SpendAuthorized -> Defaulted, whether declared by the
// counterparty or raised by adjudication. Terminal and irreversible.
func (a *Authority) Default(notice credit.DefaultNotice) (Proposal, error) {
	if err := notice.Validate(); err != nil {
		return Proposal{}, fault.Wrap(fault.Validation, err, "invalid default notice: %v", err)
	}
	view, ok := a.creditView.Envelope(notice.EnvelopeID)
	if !ok {
		return Proposal{}, fault.New(fault.Validation, "unknown envelope %s", notice.EnvelopeID)
	}
	if view.State != credit.StateSpendAuthorized {
		return Proposal{}, invalidTransition(view.State, credit.StateDefaulted)
	}
	return Proposal{
		StreamID: credit.StreamID(notice.EnvelopeID),
		Kind:     credit.KindDefaulted,
		Record:   notice,
	}, nil
}
