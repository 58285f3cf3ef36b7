// Package noise provides the Noise Protocol Framework handshake used to
// establish the encrypted session tunnel beneath a connection, once
// AuthProtocol has verified both peers' long-term identities.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/drop/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrInvalidMessage indicates received message is invalid for current state
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows peer's static key)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

// IKHandshake implements the Noise IK pattern for the post-auth session
// tunnel. IK fits this engine naturally: AuthProtocol has already told each
// side the peer's long-term public key (via KeyStore or the wire handshake
// itself), so the initiator always knows the responder's static key before
// the first message. It provides mutual authentication, forward secrecy,
// and key-compromise-impersonation resistance for the binary frame stream.
type IKHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
	nonce      [32]byte // random local handshake nonce; never sent or checked
	timestamp  int64    // unix timestamp for handshake freshness validation
}

// NewIKHandshake creates a new IK pattern handshake.
// staticPrivKey is our long-term private key (32 bytes).
// peerPubKey is peer's long-term public key (32 bytes, nil for responder).
// role determines if we initiate or respond to the handshake.
func NewIKHandshake(staticPrivKey, peerPubKey []byte, role HandshakeRole) (*IKHandshake, error) {
	if err := validateHandshakePattern("IK"); err != nil {
		return nil, fmt.Errorf("handshake pattern validation failed: %w", err)
	}

	if len(staticPrivKey) != 32 {
		return nil, fmt.Errorf("static private key must be 32 bytes, got %d", len(staticPrivKey))
	}

	if role == Initiator && (peerPubKey == nil || len(peerPubKey) != 32) {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %v", len(peerPubKey))
	}

	var privateKeyArray [32]byte
	copy(privateKeyArray[:], staticPrivKey)

	keyPair, err := crypto.FromSecretKey(privateKeyArray)
	if err != nil {
		crypto.ZeroBytes(privateKeyArray[:])
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])

	crypto.ZeroBytes(privateKeyArray[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	if role == Initiator && peerPubKey != nil {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerPubKey)
	}

	ik := &IKHandshake{
		role:      role,
		timestamp: time.Now().Unix(),
	}

	if _, err := rand.Read(ik.nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate handshake nonce: %w", err)
	}

	ik.state, err = noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return ik, nil
}

// WriteMessage processes the next handshake message.
// For initiator: creates the initial handshake message.
// For responder: processes received message and creates response.
// Returns the message to send to peer, completion status, and any error.
func (ik *IKHandshake) WriteMessage(payload, receivedMessage []byte) ([]byte, bool, error) {
	if ik.complete {
		return nil, false, ErrHandshakeComplete
	}

	if ik.role == Initiator {
		return ik.processInitiatorMessage(payload)
	}
	return ik.processResponderMessage(payload, receivedMessage)
}

// processInitiatorMessage writes the first message (-> e, es, s, ss).
func (ik *IKHandshake) processInitiatorMessage(payload []byte) ([]byte, bool, error) {
	message, sendCipher, recvCipher, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("initiator write failed: %w", err)
	}

	ik.sendCipher = sendCipher
	ik.recvCipher = recvCipher
	// ik.complete remains false - initiator must wait for responder's message

	return message, ik.complete, nil
}

// processResponderMessage reads the initiator's message then writes the
// response (<- e, ee, se).
func (ik *IKHandshake) processResponderMessage(payload, receivedMessage []byte) ([]byte, bool, error) {
	if receivedMessage == nil {
		return nil, false, fmt.Errorf("responder requires received message")
	}

	_, _, _, err := ik.state.ReadMessage(nil, receivedMessage)
	if err != nil {
		return nil, false, fmt.Errorf("responder read failed: %w", err)
	}

	message, writeSendCipher, writeRecvCipher, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("responder write failed: %w", err)
	}

	ik.sendCipher = writeSendCipher
	ik.recvCipher = writeRecvCipher
	ik.complete = true // IK responder completes after response

	return message, ik.complete, nil
}

// ReadMessage processes a received handshake message.
// Only used by initiator to process responder's response.
// Returns decrypted payload and completion status.
func (ik *IKHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if ik.complete {
		return nil, false, ErrHandshakeComplete
	}

	if ik.role != Initiator {
		return nil, false, fmt.Errorf("only initiator can read response messages")
	}

	payload, recvCipher, sendCipher, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("initiator read response failed: %w", err)
	}

	ik.recvCipher = recvCipher
	ik.sendCipher = sendCipher
	ik.complete = true
	return payload, ik.complete, nil
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// GetCipherStates returns the send and receive cipher states after successful
// handshake. The connection package uses these to encrypt/decrypt the binary
// frame stream for the lifetime of the session.
func (ik *IKHandshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !ik.complete {
		return nil, nil, ErrHandshakeNotComplete
	}

	if ik.sendCipher == nil || ik.recvCipher == nil {
		return nil, nil, fmt.Errorf("cipher states not available")
	}

	return ik.sendCipher, ik.recvCipher, nil
}

// GetRemoteStaticKey returns the peer's static public key after successful
// handshake, for cross-checking against the identity AuthProtocol already
// authenticated.
func (ik *IKHandshake) GetRemoteStaticKey() ([]byte, error) {
	if !ik.complete {
		return nil, ErrHandshakeNotComplete
	}

	remoteKey := ik.state.PeerStatic()
	if len(remoteKey) == 0 {
		return nil, fmt.Errorf("remote static key not available")
	}

	key := make([]byte, len(remoteKey))
	copy(key, remoteKey)
	return key, nil
}

// GetLocalStaticKey returns our static public key.
func (ik *IKHandshake) GetLocalStaticKey() []byte {
	localEphemeral := ik.state.LocalEphemeral()
	if len(localEphemeral.Public) > 0 {
		key := make([]byte, len(localEphemeral.Public))
		copy(key, localEphemeral.Public)
		return key
	}
	return nil
}

// GetNonce returns the random nonce generated for this handshake.
func (ik *IKHandshake) GetNonce() [32]byte {
	return ik.nonce
}

// GetTimestamp returns the handshake creation timestamp.
func (ik *IKHandshake) GetTimestamp() int64 {
	return ik.timestamp
}

// validateHandshakePattern validates that a handshake pattern is supported.
// Only IK is wired: every session tunnel handshake happens after
// AuthProtocol has already exchanged identities, so the initiator always
// knows the responder's static key and XX's extra round trip buys nothing.
func validateHandshakePattern(pattern string) error {
	supportedPatterns := map[string]bool{
		"IK": true,  // initiator always knows the responder's key by the time this runs
		"XX": false, // no scenario here lacks prior key knowledge
		"XK": false,
		"NK": false,
		"KK": false,
	}

	supported, exists := supportedPatterns[pattern]
	if !exists {
		return fmt.Errorf("unknown handshake pattern: %s", pattern)
	}

	if !supported {
		return fmt.Errorf("handshake pattern %s is not supported", pattern)
	}

	return nil
}
