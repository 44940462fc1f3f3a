package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traverse-labs/keel/pkg/credit"
	"github.com/traverse-labs/keel/pkg/eventlog"
	"github.com/traverse-labs/keel/pkg/fault"
	"github.com/traverse-labs/keel/pkg/projection"
	"github.com/traverse-labs/keel/pkg/trust"
	"github.com/traverse-labs/keel/pkg/workers"
)

// testClock is a settable clock shared by the authority and its views.
type testClock struct {
	at time.Time
}

func newTestClock() *testClock {
	return &testClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.at }
func (c *testClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

type fixture struct {
	t          *testing.T
	auth       *Authority
	creditView *projection.CreditProjector
	trustView  *trust.Projector
	registry   *workers.Registry
	clock      *testClock
	seq        map[string]uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	creditView := projection.NewCreditProjector()
	trustView := trust.NewProjector()
	registry := workers.NewRegistry(workers.DefaultTTL).WithClock(clock.Now)
	return &fixture{
		t:          t,
		auth:       New(creditView, trustView, registry).WithClock(clock.Now),
		creditView: creditView,
		trustView:  trustView,
		registry:   registry,
		clock:      clock,
		seq:        make(map[string]uint64),
	}
}

// commit folds an accepted proposal into the views, standing in for the
// orchestrator's append-then-apply step.
func (f *fixture) commit(p Proposal) {
	f.t.Helper()
	payload, err := eventlog.EncodePayload(p.Record)
	require.NoError(f.t, err)
	f.seq[p.StreamID]++
	ev := eventlog.Event{
		EventID:   p.Kind,
		StreamID:  p.StreamID,
		Seq:       f.seq[p.StreamID],
		Kind:      p.Kind,
		Payload:   payload,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(f.t, f.creditView.Apply(ev))
	require.NoError(f.t, f.trustView.Apply(ev))
	require.NoError(f.t, f.registry.Apply(ev))
}

// mustCommit takes an authority call's return pair directly:
// f.mustCommit(f.auth.OpenIntent(...)).
func (f *fixture) mustCommit(p Proposal, err error) {
	f.t.Helper()
	require.NoError(f.t, err)
	f.commit(p)
}

func testTerms() credit.Terms {
	return credit.Terms{AmountMinor: 1000, Currency: "USD", Scope: "inference/batch"}
}

func (f *fixture) establish(envelopeID string) {
	f.t.Helper()
	f.mustCommit(f.auth.OpenIntent(credit.Intent{
		EnvelopeID: envelopeID, AgentID: "agent-a", CounterpartyID: "cp-b", Terms: testTerms(),
	}))
	f.mustCommit(f.auth.ExtendOffer(credit.Offer{
		EnvelopeID: envelopeID, IssuerID: "cp-b", Terms: testTerms(),
	}))
	f.mustCommit(f.auth.EstablishEnvelope(envelopeID))
}

func TestOpenIntentRejectsDuplicateEnvelope(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.OpenIntent(credit.Intent{
		EnvelopeID: "env-1", AgentID: "agent-a", CounterpartyID: "cp-b", Terms: testTerms(),
	}))

	_, err := f.auth.OpenIntent(credit.Intent{
		EnvelopeID: "env-1", AgentID: "agent-x", CounterpartyID: "cp-y", Terms: testTerms(),
	})
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.ClassOf(err))
}

func TestExtendOfferRequiresRequestedState(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")

	_, err := f.auth.ExtendOffer(credit.Offer{
		EnvelopeID: "env-1", IssuerID: "cp-b", Terms: testTerms(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")
}

func TestExtendOfferBlocksDoubleBorrow(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")

	// Same agent, counterparty and scope while env-1 is active.
	f.mustCommit(f.auth.OpenIntent(credit.Intent{
		EnvelopeID: "env-2", AgentID: "agent-a", CounterpartyID: "cp-b", Terms: testTerms(),
	}))
	_, err := f.auth.ExtendOffer(credit.Offer{
		EnvelopeID: "env-2", IssuerID: "cp-b", Terms: testTerms(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already borrows")

	// A different scope is fine.
	otherScope := testTerms()
	otherScope.Scope = "training/run"
	f.mustCommit(f.auth.OpenIntent(credit.Intent{
		EnvelopeID: "env-3", AgentID: "agent-a", CounterpartyID: "cp-b", Terms: otherScope,
	}))
	_, err = f.auth.ExtendOffer(credit.Offer{
		EnvelopeID: "env-3", IssuerID: "cp-b", Terms: otherScope,
	})
	require.NoError(t, err)
}

func TestEstablishEnvelopeRejectsTermMismatch(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.OpenIntent(credit.Intent{
		EnvelopeID: "env-1", AgentID: "agent-a", CounterpartyID: "cp-b", Terms: testTerms(),
	}))

	lowball := testTerms()
	lowball.AmountMinor = 700
	f.mustCommit(f.auth.ExtendOffer(credit.Offer{
		EnvelopeID: "env-1", IssuerID: "cp-b", Terms: lowball,
	}))

	// Mismatch is rejected, never clamped to the lower amount.
	_, err := f.auth.EstablishEnvelope("env-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")
}

func TestEstablishEnvelopeRejectsExpiredOffer(t *testing.T) {
	f := newFixture(t)
	f.mustCommit(f.auth.OpenIntent(credit.Intent{
		EnvelopeID: "env-1", AgentID: "agent-a", CounterpartyID: "cp-b", Terms: testTerms(),
	}))

	offerTerms := testTerms()
	offerTerms.ExpiresAt = f.clock.Now().Add(time.Hour)
	f.mustCommit(f.auth.ExtendOffer(credit.Offer{
		EnvelopeID: "env-1", IssuerID: "cp-b", Terms: offerTerms,
	}))

	// Validity is re-derived from the wall clock at check time.
	f.clock.Advance(2 * time.Hour)
	_, err := f.auth.EstablishEnvelope("env-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestAuthorizeSpendReservesBalance(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")

	f.mustCommit(f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-1", EnvelopeID: "env-1", AmountMinor: 600, Scope: "inference/batch",
	}))

	view, _ := f.creditView.Envelope("env-1")
	assert.Equal(t, int64(400), view.BalanceMinor)
	require.NotNil(t, view.Outstanding)
}

func TestAuthorizeSpendOutstandingPrecedesBalance(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")
	f.mustCommit(f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-1", EnvelopeID: "env-1", AmountMinor: 600, Scope: "inference/batch",
	}))

	// 500 also exceeds the remaining 400, but the rejection must name
	// the outstanding authorization, deterministically.
	_, err := f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-2", EnvelopeID: "env-1", AmountMinor: 500, Scope: "inference/batch",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outstanding authorization auth-1")
}

func TestAuthorizeSpendRejectsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")

	_, err := f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-1", EnvelopeID: "env-1", AmountMinor: 1100, Scope: "inference/batch",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Contains(t, err.Error(), "requested 1100, available 1000")
}

func TestSettleRejectsScopeMismatch(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")
	f.mustCommit(f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-1", EnvelopeID: "env-1", AmountMinor: 600, Scope: "inference/batch",
	}))

	_, err := f.auth.Settle(credit.SettlementReceipt{
		ReceiptID: "rcpt-1", EnvelopeID: "env-1", AuthorizationID: "auth-1",
		Scope: "training/run", AmountMinor: 600,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match authorized scope")
}

func TestSettleRejectsExpiredAuthorization(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")
	f.mustCommit(f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-1", EnvelopeID: "env-1", AmountMinor: 600,
		Scope: "inference/batch", ExpiresAt: f.clock.Now().Add(time.Minute),
	}))

	f.clock.Advance(2 * time.Minute)
	_, err := f.auth.Settle(credit.SettlementReceipt{
		ReceiptID: "rcpt-1", EnvelopeID: "env-1", AuthorizationID: "auth-1",
		Scope: "inference/batch", AmountMinor: 600,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestSettleThenTerminal(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")
	f.mustCommit(f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-1", EnvelopeID: "env-1", AmountMinor: 600, Scope: "inference/batch",
	}))
	f.mustCommit(f.auth.Settle(credit.SettlementReceipt{
		ReceiptID: "rcpt-1", EnvelopeID: "env-1", AuthorizationID: "auth-1",
		Scope: "inference/batch", AmountMinor: 600,
	}))

	// No transitions leave a terminal state.
	_, err := f.auth.AuthorizeSpend(credit.SpendAuthorization{
		AuthorizationID: "auth-2", EnvelopeID: "env-1", AmountMinor: 100, Scope: "inference/batch",
	})
	require.Error(t, err)
	_, err = f.auth.Default(credit.DefaultNotice{
		NoticeID: "not-1", EnvelopeID: "env-1", Scope: "inference/batch",
	})
	require.Error(t, err)
}

func TestDefaultRequiresSpendAuthorized(t *testing.T) {
	f := newFixture(t)
	f.establish("env-1")

	_, err := f.auth.Default(credit.DefaultNotice{
		NoticeID: "not-1", EnvelopeID: "env-1", Scope: "inference/batch",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")
}
