package recordstore

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"sync"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// LocalResolver serves cross-zone lookups straight from a record store
// for zones whose keys it holds. It is what a single-process deployment
// and the test suite use instead of a network resolver.
type LocalResolver struct {
	mu    sync.RWMutex
	store interfaces.RecordStore
	keys  map[interfaces.ZoneID]*ecdsa.PrivateKey
	log   *slog.Logger
}

// NewLocalResolver creates a resolver over the given record store.
func NewLocalResolver(store interfaces.RecordStore, log *slog.Logger) *LocalResolver {
	return &LocalResolver{
		store: store,
		keys:  make(map[interfaces.ZoneID]*ecdsa.PrivateKey),
		log:   log,
	}
}

// Register makes a zone resolvable.
func (r *LocalResolver) Register(owner *ecdsa.PrivateKey) {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	r.mu.Lock()
	r.keys[zone] = owner
	r.mu.Unlock()
	r.log.Debug("Registered zone with resolver", slog.String("zone", zone.String()[:8]))
}

// Resolve looks up records of the given kind under label in zone.
// Private records are never served.
func (r *LocalResolver) Resolve(ctx context.Context, zone interfaces.ZoneID, label string, kind interfaces.RecordKind) (interfaces.RecordSet, error) {
	r.mu.RLock()
	owner, ok := r.keys[zone]
	r.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}

	records, err := r.store.Lookup(ctx, owner, label)
	if err != nil {
		return nil, err
	}

	var out interfaces.RecordSet
	for _, record := range records {
		if record.Flags&interfaces.FlagPrivate != 0 {
			continue
		}
		if record.Kind != kind {
			continue
		}
		out = append(out, record)
	}
	if len(out) == 0 {
		return nil, interfaces.ErrRecordNotFound
	}
	return out, nil
}
