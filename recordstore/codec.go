package recordstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// storedRecord is the persisted form of a record. Relative expirations
// are pinned to an absolute timestamp when the set is written.
type storedRecord struct {
	Kind    interfaces.RecordKind  `json:"kind"`
	Data    []byte                 `json:"data"`
	Expires time.Time              `json:"expires,omitempty"`
	Flags   interfaces.RecordFlags `json:"flags,omitempty"`
}

type storedRecordSet struct {
	Records []storedRecord `json:"records"`
}

// encodeRecordSet serializes a record set for persistence, converting
// each record's relative expiration into an absolute deadline. A zero
// Expires means the record never expires.
func encodeRecordSet(records interfaces.RecordSet, now time.Time) ([]byte, error) {
	stored := storedRecordSet{Records: make([]storedRecord, 0, len(records))}
	for _, r := range records {
		sr := storedRecord{
			Kind:  r.Kind,
			Data:  r.Data,
			Flags: r.Flags,
		}
		if r.Expires > 0 {
			sr.Expires = now.Add(r.Expires)
		}
		stored.Records = append(stored.Records, sr)
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record set: %w", err)
	}
	return data, nil
}

// decodeRecordSet deserializes a persisted record set and drops records
// whose deadline has passed. Returns ErrRecordNotFound when every
// record has expired.
func decodeRecordSet(data []byte, now time.Time) (interfaces.RecordSet, error) {
	var stored storedRecordSet
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode record set: %w", err)
	}

	records := make(interfaces.RecordSet, 0, len(stored.Records))
	for _, sr := range stored.Records {
		r := interfaces.Record{
			Kind:  sr.Kind,
			Data:  sr.Data,
			Flags: sr.Flags,
		}
		if !sr.Expires.IsZero() {
			remaining := sr.Expires.Sub(now)
			if remaining <= 0 {
				continue
			}
			r.Expires = remaining
		}
		records = append(records, r)
	}
	if len(records) == 0 {
		return nil, interfaces.ErrRecordNotFound
	}
	return records, nil
}

// encodeLabel maps an arbitrary label to a name safe for file paths,
// object keys, and Vault paths.
func encodeLabel(label string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(label))
}

// decodeLabel reverses encodeLabel.
func decodeLabel(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid label encoding %q: %w", encoded, err)
	}
	return string(raw), nil
}
