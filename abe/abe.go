// Package abe wraps ciphertext-policy attribute-based encryption for
// claim values and audience key material.
//
// A zone owner holds a MasterKey. Each claim value is encrypted under a
// policy naming the claim and its key version, so rotating a claim's
// version invalidates every previously issued key for it. Audiences
// receive a ScopedKey generated for the exact claim/version pairs a
// ticket shares; the scoped key decrypts those ciphertexts and nothing
// else.
package abe

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudflare/circl/abe/cpabe/tkn20"
)

// MasterKey is a zone's attribute-based encryption authority. It pairs
// the public encryption key with the system secret key used to generate
// scoped decryption keys.
type MasterKey struct {
	public tkn20.PublicKey
	secret tkn20.SystemSecretKey
}

// NewMasterKey generates a fresh ABE authority key pair.
func NewMasterKey() (*MasterKey, error) {
	public, secret, err := tkn20.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("abe: setup failed: %w", err)
	}
	return &MasterKey{public: public, secret: secret}, nil
}

// Encrypt encrypts plaintext under the single claim policy given as a
// "name_version" pair. Only scoped keys generated for that exact pair
// can decrypt the result.
func (m *MasterKey) Encrypt(plaintext []byte, policyString string) ([]byte, error) {
	name, version, err := splitPolicyString(policyString)
	if err != nil {
		return nil, err
	}

	var policy tkn20.Policy
	if err := policy.FromString(fmt.Sprintf("(%s: v%d)", name, version)); err != nil {
		return nil, fmt.Errorf("abe: invalid policy for %q: %w", policyString, err)
	}

	ciphertext, err := m.public.Encrypt(rand.Reader, policy, plaintext)
	if err != nil {
		return nil, fmt.Errorf("abe: encrypt failed: %w", err)
	}
	return ciphertext, nil
}

// CreateScopedKey generates a decryption key covering exactly the given
// "name_version" pairs. A later version of any named claim is not
// covered.
func (m *MasterKey) CreateScopedKey(policyStrings []string) (*ScopedKey, error) {
	if len(policyStrings) == 0 {
		return nil, fmt.Errorf("abe: scoped key requires at least one claim")
	}

	attributeList := make(map[string]string, len(policyStrings))
	for _, policyString := range policyStrings {
		name, version, err := splitPolicyString(policyString)
		if err != nil {
			return nil, err
		}
		attributeList[name] = fmt.Sprintf("v%d", version)
	}

	var attributes tkn20.Attributes
	attributes.FromMap(attributeList)

	key, err := m.secret.KeyGen(rand.Reader, attributes)
	if err != nil {
		return nil, fmt.Errorf("abe: key generation failed: %w", err)
	}
	return &ScopedKey{key: key}, nil
}

// MarshalBinary serializes the master key as two length-prefixed
// segments, public key first.
func (m *MasterKey) MarshalBinary() ([]byte, error) {
	publicBytes, err := m.public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("abe: marshal public key: %w", err)
	}
	secretBytes, err := m.secret.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("abe: marshal secret key: %w", err)
	}

	var buf bytes.Buffer
	for _, segment := range [][]byte{publicBytes, secretBytes} {
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(segment))); err != nil {
			return nil, err
		}
		buf.Write(segment)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores a master key serialized by MarshalBinary.
func (m *MasterKey) UnmarshalBinary(data []byte) error {
	publicBytes, rest, err := readSegment(data)
	if err != nil {
		return fmt.Errorf("abe: malformed master key: %w", err)
	}
	secretBytes, rest, err := readSegment(rest)
	if err != nil {
		return fmt.Errorf("abe: malformed master key: %w", err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("abe: malformed master key: %d trailing bytes", len(rest))
	}

	if err := m.public.UnmarshalBinary(publicBytes); err != nil {
		return fmt.Errorf("abe: unmarshal public key: %w", err)
	}
	if err := m.secret.UnmarshalBinary(secretBytes); err != nil {
		return fmt.Errorf("abe: unmarshal secret key: %w", err)
	}
	return nil
}

// ScopedKey decrypts claim ciphertexts for the claim/version pairs it
// was generated for.
type ScopedKey struct {
	key tkn20.AttributeKey
}

// Decrypt decrypts a claim ciphertext. It fails when the key's
// attributes do not satisfy the ciphertext's policy.
func (s *ScopedKey) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := s.key.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("abe: decryption failed (key does not cover claim): %w", err)
	}
	return plaintext, nil
}

// MarshalBinary serializes the scoped key.
func (s *ScopedKey) MarshalBinary() ([]byte, error) {
	data, err := s.key.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("abe: marshal scoped key: %w", err)
	}
	return data, nil
}

// UnmarshalBinary restores a scoped key serialized by MarshalBinary.
func (s *ScopedKey) UnmarshalBinary(data []byte) error {
	if err := s.key.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("abe: unmarshal scoped key: %w", err)
	}
	return nil
}

// splitPolicyString splits a "name_version" pair on its last
// underscore. Claim names may themselves contain underscores.
func splitPolicyString(policyString string) (string, uint32, error) {
	idx := strings.LastIndex(policyString, "_")
	if idx <= 0 || idx == len(policyString)-1 {
		return "", 0, fmt.Errorf("abe: malformed claim policy %q", policyString)
	}
	version, err := strconv.ParseUint(policyString[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("abe: malformed claim policy %q: %w", policyString, err)
	}
	return policyString[:idx], uint32(version), nil
}

func readSegment(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("short segment header")
	}
	length := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < length {
		return nil, nil, fmt.Errorf("segment truncated: want %d bytes, have %d", length, len(data))
	}
	return data[:length], data[length:], nil
}
