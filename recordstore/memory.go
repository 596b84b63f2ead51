package recordstore

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"sync"
	"time"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// MemoryStore implements an in-process record store. It is the default
// backend for tests and single-process deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	zones map[interfaces.ZoneID]map[string][]byte
	log   *slog.Logger
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		zones: make(map[interfaces.ZoneID]map[string][]byte),
		log:   log,
	}
}

// Store replaces the record set under label in the owner's zone.
// Storing an empty set deletes the label.
func (s *MemoryStore) Store(ctx context.Context, owner *ecdsa.PrivateKey, label string, records interfaces.RecordSet) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(records) == 0 {
		delete(s.zones[zone], label)
		return nil
	}

	data, err := encodeRecordSet(records, time.Now())
	if err != nil {
		return err
	}

	labels, ok := s.zones[zone]
	if !ok {
		labels = make(map[string][]byte)
		s.zones[zone] = labels
	}
	labels[label] = data

	s.log.Debug("Stored record set",
		slog.String("zone", zone.String()[:8]),
		slog.String("label", label),
		slog.Int("records", len(records)))
	return nil
}

// Lookup retrieves the record set under label in the owner's zone.
func (s *MemoryStore) Lookup(ctx context.Context, owner *ecdsa.PrivateKey, label string) (interfaces.RecordSet, error) {
	zone := interfaces.ZoneIDFromPrivateKey(owner)

	s.mu.RLock()
	data, ok := s.zones[zone][label]
	s.mu.RUnlock()

	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return decodeRecordSet(data, time.Now())
}

// ZoneIterate calls fn for every label in the owner's zone. Labels
// whose records have all expired are skipped.
func (s *MemoryStore) ZoneIterate(ctx context.Context, owner *ecdsa.PrivateKey, fn func(label string, records interfaces.RecordSet) error) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)

	// Snapshot under the lock so fn may call back into the store.
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.zones[zone]))
	for label, data := range s.zones[zone] {
		snapshot[label] = data
	}
	s.mu.RUnlock()

	now := time.Now()
	for label, data := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := decodeRecordSet(data, now)
		if err == interfaces.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(label, records); err != nil {
			return err
		}
	}
	return nil
}

// Name returns a unique identifier for this store.
func (s *MemoryStore) Name() string {
	return "memory"
}

// LocationURI returns the URI that identifies this store.
func (s *MemoryStore) LocationURI() string {
	return "memory://"
}
