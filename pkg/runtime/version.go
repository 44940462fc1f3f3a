package runtime

import (
	"github.com/Masterminds/semver/v3"

	"github.com/traverse-labs/keel/pkg/fault"
)

// ProtocolVersion is the wire protocol this runtime speaks.
const ProtocolVersion = "1.2.0"

// supportedRange accepts any client on the same major line that does not
// claim features newer than this build.
var supportedRange = semver.MustParse(ProtocolVersion)

// CheckProtocol gates a request's declared protocol version. An empty
// version is allowed for same-process callers; remote peers declare one.
func CheckProtocol(version string) error {
	if version == "" {
		return nil
	}
	claimed, err := semver.NewVersion(version)
	if err != nil {
		return fault.Wrap(fault.Validation, err, "malformed protocol version %q", version)
	}
	if claimed.Major() != supportedRange.Major() {
		return fault.New(fault.Validation, "protocol %s incompatible with %s", version, ProtocolVersion)
	}
	if claimed.GreaterThan(supportedRange) {
		return fault.New(fault.Validation, "protocol %s newer than supported %s", version, ProtocolVersion)
	}
	return nil
}
