package authproto

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Header names used to carry the handshake across the WebSocket upgrade.
// The initiator sends ChallengeHeader on the upgrade request; the responder
// answers with both ChallengeHeader (its own, in the 101 response) and
// ProofHeader (proving it knows the shared secret derived from the
// initiator's public key). The initiator then sends its own ProofHeader as
// the very first text control message once the socket is open, since the
// HTTP upgrade response has no further round trip available to it.
const (
	ChallengeHeader = "X-Drop-Challenge"
	ProofHeader     = "X-Drop-Proof"
	PublicKeyHeader = "X-Drop-Public-Key"
)

// EncodeChallenge renders a Challenge as a single header value:
// "<unix-ts>.<base64url-nonce>".
func EncodeChallenge(c Challenge) string {
	return fmt.Sprintf("%d.%s", c.Timestamp, base64.RawURLEncoding.EncodeToString(c.Nonce[:]))
}

// DecodeChallenge parses a header value produced by EncodeChallenge.
func DecodeChallenge(value string) (Challenge, error) {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return Challenge{}, fmt.Errorf("%w: malformed challenge header", ErrAuthenticationFailed)
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: malformed challenge timestamp: %v", ErrAuthenticationFailed, err)
	}

	nonceBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(nonceBytes) != 32 {
		return Challenge{}, fmt.Errorf("%w: malformed challenge nonce", ErrAuthenticationFailed)
	}

	var c Challenge
	c.Timestamp = ts
	copy(c.Nonce[:], nonceBytes)
	return c, nil
}

// EncodeProof renders a Proof as a base64url header value.
func EncodeProof(p Proof) string {
	return base64.RawURLEncoding.EncodeToString(p[:])
}

// DecodeProof parses a header value produced by EncodeProof.
func DecodeProof(value string) (Proof, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) != 32 {
		return Proof{}, fmt.Errorf("%w: malformed proof header", ErrAuthenticationFailed)
	}
	var p Proof
	copy(p[:], raw)
	return p, nil
}

// EncodePublicKey renders a long-term public key as a base64url header value.
func EncodePublicKey(pub [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(pub[:])
}

// DecodePublicKey parses a header value produced by EncodePublicKey.
func DecodePublicKey(value string) ([32]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("%w: malformed public key header", ErrAuthenticationFailed)
	}
	var pub [32]byte
	copy(pub[:], raw)
	return pub, nil
}

// SetUpgradeRequestHeaders populates the headers an initiator attaches to
// its WebSocket upgrade request.
func SetUpgradeRequestHeaders(h http.Header, localPublic [32]byte, challenge Challenge) {
	h.Set(PublicKeyHeader, EncodePublicKey(localPublic))
	h.Set(ChallengeHeader, EncodeChallenge(challenge))
}

// SetUpgradeResponseHeaders populates the headers a responder attaches to
// its 101 Switching Protocols response.
func SetUpgradeResponseHeaders(h http.Header, localPublic [32]byte, challenge Challenge, proof Proof) {
	h.Set(PublicKeyHeader, EncodePublicKey(localPublic))
	h.Set(ChallengeHeader, EncodeChallenge(challenge))
	h.Set(ProofHeader, EncodeProof(proof))
}
