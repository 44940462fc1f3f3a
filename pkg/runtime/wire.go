package runtime

import (
	"encoding/json"

	"github.com/traverse-labs/keel/pkg/fault"
)

// commandFactories maps wire command names to decoders. The map is the
// wire-side mirror of the closed command set.
var commandFactories = map[string]func(json.RawMessage) (Command, error){
	"credit.open_intent":        decodeInto[OpenCreditIntent](),
	"credit.extend_offer":       decodeInto[ExtendCreditOffer](),
	"credit.establish_envelope": decodeInto[EstablishCreditEnvelope](),
	"credit.authorize_spend":    decodeInto[AuthorizeCreditSpend](),
	"credit.settle":             decodeInto[SettleCredit](),
	"credit.declare_default":    decodeInto[DeclareCreditDefault](),
	"job.request":               decodeInto[RequestJob](),
	"job.assign":                decodeInto[AssignJob](),
	"job.heartbeat":             decodeInto[HeartbeatJob](),
	"job.complete":              decodeInto[CompleteJob](),
	"job.expire":                decodeInto[ExpireJob](),
	"skill.attest":              decodeInto[AttestSkill](),
	"skill.revoke":              decodeInto[RevokeSkill](),
}

func decodeInto[C Command]() func(json.RawMessage) (Command, error) {
	return func(raw json.RawMessage) (Command, error) {
		var cmd C
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fault.Wrap(fault.Validation, err, "malformed command payload: %v", err)
		}
		return cmd, nil
	}
}

// DecodeCommand decodes a wire command by name. Unknown names are
// rejected; the set is closed.
func DecodeCommand(name string, payload json.RawMessage) (Command, error) {
	factory, ok := commandFactories[name]
	if !ok {
		return nil, fault.New(fault.Validation, "unknown command %q", name)
	}
	return factory(payload)
}
