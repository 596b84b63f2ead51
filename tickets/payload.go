package tickets

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// DefaultTicketExpiration bounds how long an unconsumed grant stays
// resolvable.
const DefaultTicketExpiration = 30 * 24 * time.Hour

// rotationMapLabel returns the label the revocation state for a ticket
// is persisted under.
func rotationMapLabel(ticket interfaces.Ticket) string {
	return "rev-" + ticket.Label()
}

// scopeEntry names one shared claim inside a ticket's key payload.
type scopeEntry struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// keyPayload is the plaintext wrapped for the audience: which claims
// the ticket shares and the scoped ABE key that decrypts them.
type keyPayload struct {
	Scopes []scopeEntry `json:"scopes"`
	Key    []byte       `json:"key"`
}

func encodeKeyPayload(scopes []scopeEntry, key []byte) ([]byte, error) {
	sorted := make([]scopeEntry, len(scopes))
	copy(sorted, scopes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	data, err := json.Marshal(keyPayload{Scopes: sorted, Key: key})
	if err != nil {
		return nil, fmt.Errorf("failed to encode key payload: %w", err)
	}
	return data, nil
}

func decodeKeyPayload(data []byte) (*keyPayload, error) {
	var payload keyPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode key payload: %w", err)
	}
	if len(payload.Scopes) == 0 || len(payload.Key) == 0 {
		return nil, fmt.Errorf("key payload is incomplete")
	}
	return &payload, nil
}

// ticketRef is the issuer's private bookkeeping record for a ticket:
// the serialized ticket plus the ids and names of the claims it
// granted.
type ticketRef struct {
	Ticket interfaces.Ticket `json:"ticket"`
	IDs    []uint64          `json:"ids"`
	Names  []string          `json:"names"`
}

func encodeTicketRef(ref ticketRef) ([]byte, error) {
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket reference: %w", err)
	}
	return data, nil
}

func decodeTicketRef(data []byte) (*ticketRef, error) {
	var ref ticketRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("failed to decode ticket reference: %w", err)
	}
	return &ref, nil
}

// dedupIDs collapses duplicate claim ids, preserving first-seen order.
func dedupIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// idSetEqual compares two claim id lists as sets. Both sides are
// deduplicated first, so a list with repeats never matches a wider set
// of the same length.
func idSetEqual(a, b []uint64) bool {
	a, b = dedupIDs(a), dedupIDs(b)
	if len(a) != len(b) {
		return false
	}
	set := make(map[uint64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// rotationEntry records one claim rotation performed during
// revocation. Version is the claim's new version.
type rotationEntry struct {
	OldID   uint64 `json:"old_id"`
	NewID   uint64 `json:"new_id"`
	Name    string `json:"name"`
	Version uint32 `json:"version"`
}

type rotationMap struct {
	Entries []rotationEntry `json:"entries"`
}

func (m rotationMap) lookup(oldID uint64) (rotationEntry, bool) {
	for _, entry := range m.Entries {
		if entry.OldID == oldID {
			return entry, true
		}
	}
	return rotationEntry{}, false
}

func encodeRotationMap(m rotationMap) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rotation map: %w", err)
	}
	return data, nil
}

func decodeRotationMap(data []byte) (rotationMap, error) {
	var m rotationMap
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to decode rotation map: %w", err)
	}
	return m, nil
}
