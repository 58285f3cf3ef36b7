package crypto

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes an ECDH shared secret on Curve25519 between a
// local private key and a peer's public key. The result feeds the MAC key
// derivation used by the AuthProtocol handshake.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	var publicKeyCopy, privateKeyCopy [32]byte
	copy(publicKeyCopy[:], peerPublicKey[:])
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], publicKeyCopy[:])
	if err != nil {
		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("derive shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	return result, nil
}
