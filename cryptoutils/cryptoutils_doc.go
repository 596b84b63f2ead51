// Package cryptoutils provides the key-material helpers shared by the
// ticket components: ECDH-based key wrapping and deterministic symmetric
// key derivation.
//
// # Key Wrapping
//
// EncryptFor/DecryptWith implement an integrated encryption scheme over
// secp256k1: a fresh ephemeral key pair per encryption, ECDH key
// agreement, HKDF-SHA256 derivation of an AES-256 key and CTR IV under two
// fixed context labels, and a length-preserving AES-CTR stream cipher.
// There is no authentication tag: decrypted content is validated
// structurally by callers, and ciphertext length stays equal to
// plaintext length.
//
// EncryptBlobFor/DecryptBlobWith add the storage framing used by ticket
// key records: the compressed ephemeral public key followed by the
// ciphertext.
//
// # Determinism
//
// DeriveSymmetricKey is a pure function of the shared-secret hash: the
// same secret always yields the same key and IV. Uniqueness comes from the
// per-encryption ephemeral key, never from the derivation.
package cryptoutils
