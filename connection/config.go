// Package connection implements one framed, authenticated, encrypted
// channel to a remote peer (spec section 4.4): WebSocket transport via
// gorilla/websocket, AuthProtocol's challenge-response carried in the
// upgrade handshake, a Noise IK tunnel layered on top for the binary frame
// stream, a producer/consumer mailbox pair for FIFO outbound ordering and
// in-order inbound dispatch, keepalive ping/pong, per-peer admission
// control, and an exponential-backoff reconnect state machine.
package connection

import (
	"time"

	"github.com/opd-ai/drop/limits"
)

// Config tunes keepalive, reconnection, and admission-control behavior for
// every Connection. The root Engine's Config (connection_retries,
// auto_retry_interval_ms, §6) is the host-facing source of these values;
// this Config is what actually gets threaded through to the connection
// package's types.
type Config struct {
	// PingInterval is how often a ping is sent on an idle connection.
	PingInterval time.Duration
	// PongTimeout is the read deadline renewed on every pong; breaching it
	// tears the connection down (spec section 5's "per-chunk inactivity =
	// 2*ping_interval -> reconnect" uses this same timeout).
	PongTimeout time.Duration
	// HandshakeTimeout bounds the AuthProtocol + Noise IK exchange.
	HandshakeTimeout time.Duration
	// ConnectionRetries is the number of attempts in one reconnect burst.
	ConnectionRetries int
	// AutoRetryInterval is how long a Connection sleeps between bursts
	// absent an explicit network_refresh() call.
	AutoRetryInterval time.Duration
	// RateLimitPerSecond and RateLimitBurst configure the per-peer leaky
	// bucket (golang.org/x/time/rate) admission control of spec 4.4.
	RateLimitPerSecond float64
	RateLimitBurst     int
	// MaxMessageSize bounds a single inbound WebSocket message.
	MaxMessageSize int64
	// OutboundQueueDepth bounds the producer mailbox; Send blocks once full,
	// applying natural backpressure to the caller rather than growing
	// unboundedly (unlike the host event Dispatcher, which must never
	// block the network path in the other direction).
	OutboundQueueDepth int
}

// DefaultConfig returns the engine's stock connection tuning.
func DefaultConfig() Config {
	return Config{
		PingInterval:       30 * time.Second,
		PongTimeout:        60 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		ConnectionRetries:  5,
		AutoRetryInterval:  30 * time.Second,
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
		MaxMessageSize:     int64(limits.MaxProcessingBuffer),
		OutboundQueueDepth: 256,
	}
}
