package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// Fixed KDF context labels. Key and IV derivation must never collide.
const (
	symmetricKeyContext = "ticket-aes-ctx-key"
	symmetricIVContext  = "ticket-aes-ctx-iv"
)

// CompressedPubkeyLen is the length of a serialized ephemeral public key
// as embedded in key blobs.
const CompressedPubkeyLen = 33

// DeriveSymmetricKey deterministically derives an AES-256 key and a CTR IV
// from a shared-secret hash. The two fixed context labels keep the key and
// IV streams independent.
func DeriveSymmetricKey(sharedSecretHash [32]byte) (key [32]byte, iv [16]byte) {
	keyReader := hkdf.New(sha256.New, sharedSecretHash[:], nil, []byte(symmetricKeyContext))
	if _, err := io.ReadFull(keyReader, key[:]); err != nil {
		panic(fmt.Sprintf("hkdf key derivation: %v", err))
	}
	ivReader := hkdf.New(sha256.New, sharedSecretHash[:], nil, []byte(symmetricIVContext))
	if _, err := io.ReadFull(ivReader, iv[:]); err != nil {
		panic(fmt.Sprintf("hkdf iv derivation: %v", err))
	}
	return key, iv
}

// sharedSecretHash computes SHA-256 over the x coordinate of the ECDH
// point between a private scalar and a public point.
func sharedSecretHash(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([32]byte, error) {
	if priv == nil || pub == nil || pub.X == nil {
		return [32]byte{}, errors.New("nil key material")
	}
	x, _ := pub.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil {
		return [32]byte{}, errors.New("ECDH produced point at infinity")
	}
	var xBytes [32]byte
	x.FillBytes(xBytes[:])
	return sha256.Sum256(xBytes[:]), nil
}

// EncryptFor encrypts plaintext so that only the holder of the private key
// matching pub can read it. A fresh ephemeral secp256k1 key is generated
// per call; the returned ephemeral public key (compressed, 33 bytes) must
// be transported alongside the ciphertext. The cipher is AES-256-CTR, so
// the ciphertext has the plaintext's length and carries no authentication
// tag; callers validate decrypted content structurally.
func EncryptFor(pub *ecdsa.PublicKey, plaintext []byte) (ephemeralPub []byte, ciphertext []byte, err error) {
	ephemeralKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	secret, err := sharedSecretHash(ephemeralKey, pub)
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err = applyCTR(secret, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return ethcrypto.CompressPubkey(&ephemeralKey.PublicKey), ciphertext, nil
}

// DecryptWith inverts EncryptFor using the recipient's private key and the
// transported ephemeral public key.
func DecryptWith(priv *ecdsa.PrivateKey, ephemeralPub []byte, ciphertext []byte) ([]byte, error) {
	pub, err := ethcrypto.DecompressPubkey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}

	secret, err := sharedSecretHash(priv, pub)
	if err != nil {
		return nil, err
	}
	return applyCTR(secret, ciphertext)
}

// EncryptBlobFor encrypts plaintext for pub and frames the result as
// [ephemeral pubkey (33 bytes)][ciphertext], the layout key blobs are
// stored in.
func EncryptBlobFor(pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeralPub, ciphertext, err := EncryptFor(pub, plaintext)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, len(ephemeralPub)+len(ciphertext))
	blob = append(blob, ephemeralPub...)
	return append(blob, ciphertext...), nil
}

// DecryptBlobWith unframes and decrypts a blob produced by EncryptBlobFor.
func DecryptBlobWith(priv *ecdsa.PrivateKey, blob []byte) ([]byte, error) {
	if len(blob) < CompressedPubkeyLen {
		return nil, errors.New("key blob too short")
	}
	return DecryptWith(priv, blob[:CompressedPubkeyLen], blob[CompressedPubkeyLen:])
}

// applyCTR runs the derived AES-CTR keystream over data. Encryption and
// decryption are the same operation.
func applyCTR(sharedSecret [32]byte, data []byte) ([]byte, error) {
	key, iv := DeriveSymmetricKey(sharedSecret)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(data))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, data)
	return out, nil
}
