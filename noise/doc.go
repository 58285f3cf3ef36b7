// Package noise provides the Noise Protocol Framework handshake used to
// establish the encrypted session tunnel for a connection, using the
// formally verified flynn/noise library with ChaCha20-Poly1305 encryption,
// SHA256 hashing, and Curve25519 key exchange.
//
// # IK Pattern
//
// The package implements the IK (Initiator with Knowledge) pattern. IK
// requires the initiator to already know the responder's static public
// key, which is always true here: by the time a session tunnel handshake
// runs, AuthProtocol has already authenticated both peers' long-term
// identities over the wire upgrade.
//
// Security properties:
//   - Mutual authentication: Both parties verify each other's identity
//   - Forward secrecy: Compromise of long-term keys doesn't expose past sessions
//   - Key Compromise Impersonation (KCI) resistance: Compromised key cannot be
//     used to impersonate others to the key owner
//   - Identity hiding: Initiator's identity protected from passive observers
//
// Message flow (one round trip, two messages):
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e, es, s, ss  (ephemeral, static)
//	                                       <- e, ee, se  (ephemeral)
//	[session established]
//
// Example usage:
//
//	// Initiator (knows peer's public key)
//	ik, err := noise.NewIKHandshake(myPrivKey, peerPubKey, noise.Initiator)
//	if err != nil {
//	    return err
//	}
//	msg, _, err := ik.WriteMessage(nil, nil)  // Create initial message
//	// Send msg to peer...
//	// Receive response...
//	payload, complete, err := ik.ReadMessage(response)
//	if complete {
//	    send, recv, _ := ik.GetCipherStates()
//	    // Use send/recv for encrypted communication
//	}
//
//	// Responder (doesn't need peer's key initially)
//	ik, err := noise.NewIKHandshake(myPrivKey, nil, noise.Responder)
//	payload, _, err := ik.WriteMessage(nil, receivedMsg)  // Process and respond
//	// Get peer's key after handshake
//	peerKey, _ := ik.GetRemoteStaticKey()
//
// # Security Considerations
//
// Replay Protection: Each IKHandshake generates a random 32-byte nonce,
// accessible via GetNonce(), that stays local and is never sent or checked.
// Replay checking happens in the authproto package, whose nonce store
// tracks the challenge nonces exchanged over the wire upgrade.
//
// Timestamp Validation: IKHandshake records a Unix timestamp, accessible via
// GetTimestamp(), and does not check it itself. Recommended limits:
//   - Maximum age: 5 minutes (authproto.MaxHandshakeAge)
//   - Maximum future drift: 1 minute (authproto.MaxHandshakeFutureDrift)
//
// Key Verification: After successful handshake, verify the peer's identity using
// GetRemoteStaticKey() against the identity AuthProtocol already authenticated.
//
// Secure Memory: Private key material is automatically wiped from memory using
// crypto.ZeroBytes() after key derivation to minimize exposure window.
//
// # Cipher Suite
//
// All handshakes use:
//   - DH: Curve25519 (X25519 key exchange)
//   - Cipher: ChaCha20-Poly1305 (AEAD encryption)
//   - Hash: SHA256 (key derivation and authentication)
//
// # Thread Safety
//
// IKHandshake has no internal locking, so an instance must not be used from
// more than one goroutine at a time; the handshake protocol processes its
// messages sequentially in any case.
//
// The resulting CipherStates from GetCipherStates() are NOT thread-safe;
// concurrent encrypt/decrypt operations require external synchronization.
//
// # Error Handling
//
// Common errors returned by handshake operations:
//   - ErrHandshakeNotComplete: Operation requires completed handshake
//   - ErrInvalidMessage: Received message is invalid for current state
//   - ErrHandshakeComplete: Handshake already finished, cannot process more messages
//
// # Integration with the connection package
//
// The connection package runs an IKHandshake immediately after AuthProtocol
// completes, then uses GetCipherStates() to encrypt and decrypt the binary
// frame stream for the lifetime of the session.
package noise
