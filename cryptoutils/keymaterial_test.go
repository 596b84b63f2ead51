package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSymmetricKey_Deterministic(t *testing.T) {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err, "Failed to generate test secret")

	key1, iv1 := DeriveSymmetricKey(secret)
	key2, iv2 := DeriveSymmetricKey(secret)
	assert.Equal(t, key1, key2, "Same secret should derive the same key")
	assert.Equal(t, iv1, iv2, "Same secret should derive the same IV")

	// Key and IV streams must be independent: the IV must not be a prefix
	// of the key.
	assert.False(t, bytes.Equal(key1[:16], iv1[:]), "Key and IV must come from distinct contexts")

	var other [32]byte
	_, err = rand.Read(other[:])
	require.NoError(t, err, "Failed to generate second secret")
	key3, _ := DeriveSymmetricKey(other)
	assert.NotEqual(t, key1, key3, "Different secrets should derive different keys")
}

func TestEncryptFor_RoundTrip(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err, "Failed to generate recipient key")

	plaintext := []byte("email,phone||serialized-scoped-key-material")
	ephemeralPub, ciphertext, err := EncryptFor(&recipient.PublicKey, plaintext)
	require.NoError(t, err, "EncryptFor should succeed")
	assert.Len(t, ephemeralPub, CompressedPubkeyLen, "Ephemeral pubkey should be compressed")
	assert.Equal(t, len(plaintext), len(ciphertext), "CTR ciphertext should preserve length")
	assert.NotEqual(t, plaintext, ciphertext, "Ciphertext should differ from plaintext")

	recovered, err := DecryptWith(recipient, ephemeralPub, ciphertext)
	require.NoError(t, err, "DecryptWith should succeed")
	assert.Equal(t, plaintext, recovered, "Round trip should recover the plaintext")
}

func TestEncryptFor_FreshEphemeralPerCall(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	plaintext := []byte("same plaintext")
	eph1, ct1, err := EncryptFor(&recipient.PublicKey, plaintext)
	require.NoError(t, err)
	eph2, ct2, err := EncryptFor(&recipient.PublicKey, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, eph1, eph2, "Each encryption should use a fresh ephemeral key")
	assert.NotEqual(t, ct1, ct2, "Fresh ephemeral keys should yield distinct ciphertexts")
}

func TestDecryptWith_WrongKeyYieldsGarbage(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	plaintext := []byte("scoped key material")
	ephemeralPub, ciphertext, err := EncryptFor(&recipient.PublicKey, plaintext)
	require.NoError(t, err)

	// No authentication: decryption with the wrong key succeeds but does
	// not recover the plaintext. Callers must validate structurally.
	garbage, err := DecryptWith(other, ephemeralPub, ciphertext)
	require.NoError(t, err, "Unauthenticated decryption should not fail")
	assert.NotEqual(t, plaintext, garbage, "Wrong key must not recover the plaintext")
}

func TestEncryptBlobFor_RoundTrip(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	plaintext := []byte("framed blob payload")
	blob, err := EncryptBlobFor(&recipient.PublicKey, plaintext)
	require.NoError(t, err, "EncryptBlobFor should succeed")
	assert.Equal(t, CompressedPubkeyLen+len(plaintext), len(blob), "Blob should frame ephemeral key and ciphertext")

	recovered, err := DecryptBlobWith(recipient, blob)
	require.NoError(t, err, "DecryptBlobWith should succeed")
	assert.Equal(t, plaintext, recovered, "Blob round trip should recover the plaintext")

	_, err = DecryptBlobWith(recipient, blob[:16])
	assert.Error(t, err, "Truncated blob should be rejected")
}
