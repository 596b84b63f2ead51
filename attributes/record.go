package attributes

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Attribute record layout:
//
//	[version u32 BE][name len u16 BE][name bytes][abe ciphertext]
//
// The header is plaintext so the owner can reconstruct the record's
// policy string without decrypting it first.

const attributeHeaderMin = 4 + 2

// EncodeRecord frames a claim ciphertext with its version and
// name.
func EncodeRecord(version uint32, name string, ciphertext []byte) ([]byte, error) {
	if len(name) == 0 || len(name) > math.MaxUint16 {
		return nil, fmt.Errorf("invalid claim name length %d", len(name))
	}

	data := make([]byte, 0, attributeHeaderMin+len(name)+len(ciphertext))
	data = binary.BigEndian.AppendUint32(data, version)
	data = binary.BigEndian.AppendUint16(data, uint16(len(name)))
	data = append(data, name...)
	data = append(data, ciphertext...)
	return data, nil
}

// DecodeRecord splits an attribute record back into version,
// name, and ciphertext.
func DecodeRecord(data []byte) (uint32, string, []byte, error) {
	if len(data) < attributeHeaderMin {
		return 0, "", nil, fmt.Errorf("attribute record too short: %d bytes", len(data))
	}
	version := binary.BigEndian.Uint32(data[:4])
	nameLen := int(binary.BigEndian.Uint16(data[4:6]))
	if len(data) < attributeHeaderMin+nameLen {
		return 0, "", nil, fmt.Errorf("attribute record truncated: name needs %d bytes", nameLen)
	}
	name := string(data[attributeHeaderMin : attributeHeaderMin+nameLen])
	return version, name, data[attributeHeaderMin+nameLen:], nil
}
