package credit

// Event kinds emitted on the credit lane. One stream per envelope
// (StreamID carries the envelope id), so the lifecycle of one credit
// extension is totally ordered.
const (
	KindIntentOpened        = "credit.intent_opened"
	KindOfferExtended       = "credit.offer_extended"
	KindEnvelopeEstablished = "credit.envelope_established"
	KindSpendAuthorized     = "credit.spend_authorized"
	KindSettled             = "credit.settled"
	KindDefaulted           = "credit.defaulted"
)

// StreamID returns the event stream carrying one envelope's lifecycle.
func StreamID(envelopeID string) string {
	return "credit/" + envelopeID
}
