// Package crypto implements the cryptographic primitives used by the
// engine's AuthProtocol and session layer: X25519 long-term identity
// keys, ECDH shared-secret derivation, and secure memory handling.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is a long-term X25519 identity key pair. The host supplies the
// private half through KeyStore.Privkey(); the public half is announced to
// peers and exchanged out of band.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair suitable for use as
// a peer's long-term identity key.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "crypto",
	})
	logger.Debug("generating new identity key pair")

	var privateKey [32]byte
	if _, err := rand.Read(privateKey[:]); err != nil {
		logger.WithError(err).Error("failed to read random entropy for key generation")
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	clamp(&privateKey)

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	logger.WithFields(logrus.Fields{
		"public_key_preview": fmt.Sprintf("%x", publicKey[:8]),
	}).Info("identity key pair generated")

	return &KeyPair{Public: publicKey, Private: privateKey}, nil
}

// FromSecretKey derives the public half of a key pair from a host-supplied
// private key, as returned by KeyStore.Privkey().
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	var privateKey [32]byte
	copy(privateKey[:], secretKey[:])
	clamp(&privateKey)

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	keyPair := &KeyPair{
		Public:  publicKey,
		Private: secretKey, // keep the original, unclamped key as supplied by the host
	}

	ZeroBytes(privateKey[:])

	return keyPair, nil
}

// clamp applies the standard X25519 private-key clamping in place.
func clamp(key *[32]byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
