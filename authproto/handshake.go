// Package authproto implements the mutual challenge-response handshake that
// authenticates a peer before a Connection admits any transfer traffic. Both
// sides hold long-term X25519 identity keys; the handshake proves possession
// of the local private key without ever transmitting it, and is carried
// entirely in the headers of the WebSocket upgrade request and response.
package authproto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/drop/crypto"
	"github.com/sirupsen/logrus"
)

// MaxHandshakeAge and MaxHandshakeFutureDrift bound how stale or how far in
// the future a peer's challenge nonce timestamp may be before it is
// rejected. The noise package records a timestamp on its session tunnel
// handshake but does not check it; these bounds are the only freshness
// window enforced.
const (
	MaxHandshakeAge         = 5 * time.Minute
	MaxHandshakeFutureDrift = 1 * time.Minute
)

// ErrAuthenticationFailed is returned, wrapped with context, for every
// handshake failure: bad MAC, stale timestamp, or replayed nonce. Callers
// map it to the engine's AuthenticationFailed error kind.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Challenge is the value each side sends in its half of the handshake: a
// fresh nonce plus a freshness timestamp. It is carried in a WebSocket
// upgrade header (see Encode/Decode below).
type Challenge struct {
	Nonce     [32]byte
	Timestamp int64
}

// NewChallenge produces a fresh, random Challenge.
func NewChallenge() (Challenge, error) {
	var c Challenge
	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge nonce: %w", err)
	}
	c.Timestamp = time.Now().Unix()
	return c, nil
}

// Proof is the MAC a side returns to demonstrate possession of its
// long-term private key: HMAC-SHA256, keyed by the X25519 shared secret,
// over the concatenation of both sides' challenge nonces. Binding both
// nonces into the MAC prevents an attacker who only observes one direction
// of the exchange from replaying a proof back at its originator.
type Proof [32]byte

// ComputeProof derives the MAC a side sends after receiving the peer's
// challenge. localKey is this side's long-term key pair, peerPublic is the
// peer's long-term public key (supplied by KeyStore.on_pubkey), own is the
// challenge this side generated, and peerChallenge is the one just
// received.
func ComputeProof(localKey *crypto.KeyPair, peerPublic [32]byte, own, peerChallenge Challenge) (Proof, error) {
	shared, err := crypto.DeriveSharedSecret(peerPublic, localKey.Private)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: derive shared secret: %v", ErrAuthenticationFailed, err)
	}
	defer crypto.ZeroBytes(shared[:])

	mac := macOver(shared, own.Nonce, peerChallenge.Nonce)
	var p Proof
	copy(p[:], mac)
	return p, nil
}

// VerifyProof checks a peer-supplied Proof against the same inputs the peer
// used to compute it, from the verifier's point of view: ownChallenge is
// the challenge the verifier sent (which the peer folded into its proof as
// "peerChallenge"), and peerChallenge is the nonce the peer
// generated (which the peer folded in as "own").
func VerifyProof(localKey *crypto.KeyPair, peerPublic [32]byte, ownChallenge, peerChallenge Challenge, proof Proof) error {
	shared, err := crypto.DeriveSharedSecret(peerPublic, localKey.Private)
	if err != nil {
		return fmt.Errorf("%w: derive shared secret: %v", ErrAuthenticationFailed, err)
	}
	defer crypto.ZeroBytes(shared[:])

	expected := macOver(shared, peerChallenge.Nonce, ownChallenge.Nonce)
	if !hmac.Equal(expected, proof[:]) {
		return fmt.Errorf("%w: MAC mismatch", ErrAuthenticationFailed)
	}
	return nil
}

func macOver(shared [32]byte, first, second [32]byte) []byte {
	h := hmac.New(sha256.New, shared[:])
	h.Write(first[:])
	h.Write(second[:])
	return h.Sum(nil)
}

// ValidateFreshness rejects a challenge whose timestamp is too old or too
// far in the future, independent of nonce replay tracking.
func ValidateFreshness(c Challenge, now time.Time) error {
	age := now.Sub(time.Unix(c.Timestamp, 0))
	if age > MaxHandshakeAge {
		return fmt.Errorf("%w: handshake timestamp %s old, max %s", ErrAuthenticationFailed, age, MaxHandshakeAge)
	}
	if age < -MaxHandshakeFutureDrift {
		return fmt.Errorf("%w: handshake timestamp %s in the future, max drift %s", ErrAuthenticationFailed, -age, MaxHandshakeFutureDrift)
	}
	return nil
}

// Verifier runs the full receiving side of a handshake step: freshness
// check followed by replay check followed by MAC check, logging the
// specific failure reason while returning only the stable
// ErrAuthenticationFailed kind to the caller.
type Verifier struct {
	LocalKey *crypto.KeyPair
	Nonces   *NonceStore
}

// Verify authenticates an inbound Proof against a just-received peer
// Challenge and the challenge this side previously sent.
func (v *Verifier) Verify(peerPublic [32]byte, ownChallenge, peerChallenge Challenge, proof Proof) error {
	logger := logrus.WithFields(logrus.Fields{
		"package": "authproto",
		"peer":    base64.RawURLEncoding.EncodeToString(peerPublic[:8]),
	})

	if err := ValidateFreshness(peerChallenge, time.Now()); err != nil {
		logger.WithError(err).Warn("handshake challenge outside freshness window")
		return err
	}

	if v.Nonces != nil && !v.Nonces.CheckAndStore(peerChallenge.Nonce, peerChallenge.Timestamp) {
		logger.Warn("handshake nonce replay detected")
		return fmt.Errorf("%w: nonce replay", ErrAuthenticationFailed)
	}

	if err := VerifyProof(v.LocalKey, peerPublic, ownChallenge, peerChallenge, proof); err != nil {
		logger.WithError(err).Warn("handshake MAC verification failed")
		return err
	}

	return nil
}
