package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairIsNonZeroAndDistinct(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.False(t, isZeroKey(a.Public))
	assert.False(t, isZeroKey(a.Private))
	assert.NotEqual(t, a.Public, b.Public)
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	require.Error(t, err)
}

func TestFromSecretKeyDerivesConsistentPublicKey(t *testing.T) {
	generated, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(generated.Private)
	require.NoError(t, err)

	assert.Equal(t, generated.Public, derived.Public)
	assert.Equal(t, generated.Private, derived.Private)
}

func TestDeriveSharedSecretIsSymmetric(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	fromAlice, err := DeriveSharedSecret(bob.Public, alice.Private)
	require.NoError(t, err)

	fromBob, err := DeriveSharedSecret(alice.Public, bob.Private)
	require.NoError(t, err)

	assert.Equal(t, fromAlice, fromBob)
}
