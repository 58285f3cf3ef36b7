package authproto

import (
	"testing"
	"time"

	"github.com/opd-ai/drop/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestHandshakeRoundTripSucceeds(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	aliceChallenge, err := NewChallenge()
	require.NoError(t, err)
	bobChallenge, err := NewChallenge()
	require.NoError(t, err)

	// Bob proves possession of his private key to Alice.
	bobProof, err := ComputeProof(bob, alice.Public, bobChallenge, aliceChallenge)
	require.NoError(t, err)

	err = VerifyProof(alice, bob.Public, aliceChallenge, bobChallenge, bobProof)
	assert.NoError(t, err)

	// Alice proves possession of her private key to Bob, symmetrically.
	aliceProof, err := ComputeProof(alice, bob.Public, aliceChallenge, bobChallenge)
	require.NoError(t, err)

	err = VerifyProof(bob, alice.Public, bobChallenge, aliceChallenge, aliceProof)
	assert.NoError(t, err)
}

func TestVerifyProofRejectsWrongKey(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	mallory := mustKeyPair(t)

	aliceChallenge, err := NewChallenge()
	require.NoError(t, err)
	bobChallenge, err := NewChallenge()
	require.NoError(t, err)

	bobProof, err := ComputeProof(bob, alice.Public, bobChallenge, aliceChallenge)
	require.NoError(t, err)

	err = VerifyProof(alice, mallory.Public, aliceChallenge, bobChallenge, bobProof)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestVerifyProofRejectsSwappedNonces(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	aliceChallenge, err := NewChallenge()
	require.NoError(t, err)
	bobChallenge, err := NewChallenge()
	require.NoError(t, err)

	bobProof, err := ComputeProof(bob, alice.Public, bobChallenge, aliceChallenge)
	require.NoError(t, err)

	// Verifying with the nonces in the wrong order must fail.
	err = VerifyProof(alice, bob.Public, bobChallenge, aliceChallenge, bobProof)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestValidateFreshnessRejectsStaleAndFutureTimestamps(t *testing.T) {
	now := time.Now()

	stale := Challenge{Timestamp: now.Add(-10 * time.Minute).Unix()}
	assert.ErrorIs(t, ValidateFreshness(stale, now), ErrAuthenticationFailed)

	future := Challenge{Timestamp: now.Add(10 * time.Minute).Unix()}
	assert.ErrorIs(t, ValidateFreshness(future, now), ErrAuthenticationFailed)

	fresh := Challenge{Timestamp: now.Unix()}
	assert.NoError(t, ValidateFreshness(fresh, now))
}

func TestVerifierRejectsReplayedNonce(t *testing.T) {
	dir := t.TempDir()
	store, err := NewNonceStore(dir)
	require.NoError(t, err)
	defer store.Close()

	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	aliceChallenge, err := NewChallenge()
	require.NoError(t, err)
	bobChallenge, err := NewChallenge()
	require.NoError(t, err)

	bobProof, err := ComputeProof(bob, alice.Public, bobChallenge, aliceChallenge)
	require.NoError(t, err)

	v := &Verifier{LocalKey: alice, Nonces: store}

	require.NoError(t, v.Verify(bob.Public, aliceChallenge, bobChallenge, bobProof))

	// Replaying the exact same challenge/proof must now fail.
	err = v.Verify(bob.Public, aliceChallenge, bobChallenge, bobProof)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestChallengeHeaderRoundTrip(t *testing.T) {
	c, err := NewChallenge()
	require.NoError(t, err)

	decoded, err := DecodeChallenge(EncodeChallenge(c))
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestDecodeChallengeRejectsMalformedInput(t *testing.T) {
	_, err := DecodeChallenge("not-a-challenge")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = DecodeChallenge("not-a-number.AAAA")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestProofAndPublicKeyHeaderRoundTrip(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)

	c1, err := NewChallenge()
	require.NoError(t, err)
	c2, err := NewChallenge()
	require.NoError(t, err)

	proof, err := ComputeProof(alice, bob.Public, c1, c2)
	require.NoError(t, err)

	decodedProof, err := DecodeProof(EncodeProof(proof))
	require.NoError(t, err)
	assert.Equal(t, proof, decodedProof)

	decodedKey, err := DecodePublicKey(EncodePublicKey(alice.Public))
	require.NoError(t, err)
	assert.Equal(t, alice.Public, decodedKey)
}
