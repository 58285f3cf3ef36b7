package drop

import "github.com/opd-ai/drop/wire"

// version is this module's own semantic version, independent of
// wire.UpgradePath (the upgrade path both sides dial). A host embedding the
// engine needs both: the upgrade path determines interoperability with a peer
// engine; version identifies which build introduced a given bug fix or
// feature (spec section D's supplemented version() behavior).
const version = "0.1.0"

// Version reports the module's semantic version and the wire protocol
// version (the WebSocket upgrade path, e.g. "/drop/v6"), since a host needs both
// for compatibility checks before dialing a peer running a different
// build.
func Version() (semver, wireVersion string) {
	return version, wire.UpgradePath
}
