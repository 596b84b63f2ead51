package interfaces

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ZoneID is a 33-byte compressed secp256k1 public key addressing an
// identity's zone in the record store.
type ZoneID [33]byte

// ZoneIDFromPublicKey derives the zone address of a public key.
func ZoneIDFromPublicKey(pub *ecdsa.PublicKey) ZoneID {
	var id ZoneID
	copy(id[:], ethcrypto.CompressPubkey(pub))
	return id
}

// ZoneIDFromPrivateKey derives the zone address owned by a private key.
func ZoneIDFromPrivateKey(priv *ecdsa.PrivateKey) ZoneID {
	return ZoneIDFromPublicKey(&priv.PublicKey)
}

// NewZoneIDFromHex parses a 66-character hex string into a zone ID.
func NewZoneIDFromHex(source string) (ZoneID, error) {
	raw, err := hex.DecodeString(source)
	if err != nil {
		return ZoneID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	if len(raw) != 33 {
		return ZoneID{}, errors.New("invalid zone ID length: expected 33 bytes")
	}
	var id ZoneID
	copy(id[:], raw)
	return id, nil
}

// PublicKey decompresses the zone ID back into a secp256k1 public key.
func (id ZoneID) PublicKey() (*ecdsa.PublicKey, error) {
	return ethcrypto.DecompressPubkey(id[:])
}

// String returns the hex representation.
func (id ZoneID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two zone IDs.
func (id ZoneID) Equal(other ZoneID) bool {
	return bytes.Equal(id[:], other[:])
}

// MarshalText encodes the zone ID as hex, so JSON carries zone IDs as
// strings.
func (id ZoneID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex-encoded zone ID.
func (id *ZoneID) UnmarshalText(text []byte) error {
	parsed, err := NewZoneIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ClaimType indicates how a claim value is interpreted by consumers.
type ClaimType uint32

const (
	// ClaimTypeString for UTF-8 text values.
	ClaimTypeString ClaimType = iota + 1
	// ClaimTypeNumber for decimal-encoded numeric values.
	ClaimTypeNumber
	// ClaimTypeBinary for opaque byte values.
	ClaimTypeBinary
)

// String returns the type name.
func (ct ClaimType) String() string {
	switch ct {
	case ClaimTypeString:
		return "string"
	case ClaimTypeNumber:
		return "number"
	case ClaimTypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// ClaimTypeFromString parses a type name back into a ClaimType.
func ClaimTypeFromString(name string) (ClaimType, error) {
	switch name {
	case "string":
		return ClaimTypeString, nil
	case "number":
		return ClaimTypeNumber, nil
	case "binary":
		return ClaimTypeBinary, nil
	default:
		return 0, fmt.Errorf("unknown claim type: %s", name)
	}
}

// Claim is a single typed attribute owned by one identity. Only its
// ciphertext ever leaves the owner's process.
type Claim struct {
	// ID is unique among the claims of one identity.
	ID uint64 `json:"id"`

	// Name identifies the claim to relying parties ("email", "phone").
	Name string `json:"name"`

	// Type selects the value interpretation.
	Type ClaimType `json:"type"`

	// Version is bumped on every revocation-triggered rotation.
	Version uint32 `json:"version"`

	// Value is the plaintext claim value.
	Value []byte `json:"value"`
}

// PolicyString returns the ABE policy string binding this claim's current
// ciphertext: "<name>_<version>".
func (c Claim) PolicyString() string {
	return fmt.Sprintf("%s_%d", c.Name, c.Version)
}

// Label returns the record-store label the claim's ciphertext is stored
// under, derived from the claim id.
func (c Claim) Label() string {
	return IDLabel(c.ID)
}

// IDLabel encodes a random 64-bit identifier as a record label.
func IDLabel(id uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// ParseIDLabel recovers the 64-bit identifier from a record label.
func ParseIDLabel(label string) (uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(label)
	if err != nil {
		return 0, fmt.Errorf("invalid id label: %w", err)
	}
	if len(raw) != 8 {
		return 0, errors.New("invalid id label length")
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Ticket is a capability naming a grant of attribute-read access. It is
// immutable once issued; the grant itself lives in the issuer's zone under
// the ticket's label.
type Ticket struct {
	// Issuer is the zone the granted attributes live in.
	Issuer ZoneID `json:"issuer"`

	// Audience is the relying party the grant is wrapped for.
	Audience ZoneID `json:"audience"`

	// Rnd uniquely identifies the ticket among the issuer's tickets.
	Rnd uint64 `json:"rnd"`
}

// Label returns the record-store label the ticket's records are stored
// under in the issuer's zone.
func (t Ticket) Label() string {
	return IDLabel(t.Rnd)
}

// Equal compares two tickets field by field.
func (t Ticket) Equal(other Ticket) bool {
	return t.Issuer.Equal(other.Issuer) && t.Audience.Equal(other.Audience) && t.Rnd == other.Rnd
}

// String returns a short log-friendly form of the ticket.
func (t Ticket) String() string {
	return fmt.Sprintf("%s~%s", t.Issuer.String()[:8], t.Label())
}
