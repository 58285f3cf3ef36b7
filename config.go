package drop

import (
	"time"

	"github.com/opd-ai/drop/limits"
	"github.com/opd-ai/drop/transfer"
)

// Config tunes an Engine's storage location, network listener, transfer
// limits, and checksum-progress granularity, per the host-facing surface
// named in spec section 6. Built with sane defaults via DefaultConfig, the
// teacher's Options/NewOptions pattern, rather than functional options.
type Config struct {
	// StoragePath is the SQLite database file the Engine opens on Start.
	// ":memory:" runs with an ephemeral, process-local store.
	StoragePath string
	// ListenAddr is the address the Engine's WebSocket upgrade endpoint
	// binds to on Start. Empty disables listening: the Engine can still
	// dial out, but accepts no inbound connections.
	ListenAddr string
	// NonceStoreDir persists handshake replay-nonce state across restarts.
	// Empty uses a fresh temporary directory on each Start, so replay state
	// does not survive a restart.
	NonceStoreDir string

	DirDepthLimit     int
	TransferFileLimit int

	ChecksumEventsSizeThreshold int64
	ChecksumEventsGranularity   int64

	ConnectionRetries   int
	AutoRetryIntervalMs int64

	// MaxUploadsInFlight bounds concurrent sender-side path workers; excess
	// requests emit FileThrottled rather than starting immediately (spec
	// section 4.5).
	MaxUploadsInFlight int

	// AnalyticsSinks receive every event alongside the primary EventSink
	// passed to New, for host-side metrics/telemetry collection.
	AnalyticsSinks []transfer.EventSink
}

// DefaultConfig returns the Engine's stock tuning.
func DefaultConfig() Config {
	return Config{
		StoragePath:                 "drop.db",
		ListenAddr:                  "",
		DirDepthLimit:               limits.DefaultDirDepthLimit,
		TransferFileLimit:           limits.DefaultTransferFileLimit,
		ChecksumEventsSizeThreshold: limits.DefaultChecksumEventsSizeThreshold,
		ChecksumEventsGranularity:   limits.DefaultChecksumEventsGranularity,
		ConnectionRetries:           5,
		AutoRetryIntervalMs:         30_000,
		MaxUploadsInFlight:          4,
	}
}

func (c Config) autoRetryInterval() time.Duration {
	return time.Duration(c.AutoRetryIntervalMs) * time.Millisecond
}
