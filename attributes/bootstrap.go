package attributes

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"

	"github.com/idvault/ticket-service-backend/abe"
	"github.com/idvault/ticket-service-backend/interfaces"
)

// MasterKeyLabel is the zone's zero label, where per-identity key
// material lives.
const MasterKeyLabel = "+"

// Bootstrap manages per-identity ABE master keys in the record store.
type Bootstrap struct {
	records interfaces.RecordStore
	log     *slog.Logger
}

// NewBootstrap creates a bootstrap over the given record store.
func NewBootstrap(records interfaces.RecordStore, log *slog.Logger) *Bootstrap {
	return &Bootstrap{records: records, log: log}
}

// EnsureMasterKey returns the owner's ABE master key, creating and
// persisting a fresh one if none exists. With force set, a fresh key
// replaces any existing one, which orphans every ciphertext and scoped
// key derived from the old key. Records of other kinds stored under
// the zero label survive the rewrite.
func (b *Bootstrap) EnsureMasterKey(ctx context.Context, owner *ecdsa.PrivateKey, force bool) (*abe.MasterKey, error) {
	existing, err := b.records.Lookup(ctx, owner, MasterKeyLabel)
	if err != nil && !errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up master key: %w", err)
	}

	if record := existing.First(interfaces.KindMasterKey); record != nil && !force {
		masterKey := new(abe.MasterKey)
		if err := masterKey.UnmarshalBinary(record.Data); err != nil {
			return nil, fmt.Errorf("stored master key is corrupt: %w", err)
		}
		return masterKey, nil
	}

	masterKey, err := abe.NewMasterKey()
	if err != nil {
		return nil, err
	}
	serialized, err := masterKey.MarshalBinary()
	if err != nil {
		return nil, err
	}

	// Keep whatever else lives at the zero label.
	updated := make(interfaces.RecordSet, 0, len(existing)+1)
	for _, record := range existing {
		if record.Kind != interfaces.KindMasterKey {
			updated = append(updated, record)
		}
	}
	updated = append(updated, interfaces.Record{
		Kind:  interfaces.KindMasterKey,
		Data:  serialized,
		Flags: interfaces.FlagPrivate,
	})

	if err := b.records.Store(ctx, owner, MasterKeyLabel, updated); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}

	zone := interfaces.ZoneIDFromPrivateKey(owner)
	b.log.Info("Provisioned ABE master key",
		slog.String("zone", zone.String()[:8]),
		slog.Bool("forced", force))
	return masterKey, nil
}

// RestoreMasterKey replaces the owner's stored master key with a key
// recovered out of band, for example from recovery shares. Records of
// other kinds stored under the zero label survive the rewrite.
func (b *Bootstrap) RestoreMasterKey(ctx context.Context, owner *ecdsa.PrivateKey, masterKey *abe.MasterKey) error {
	serialized, err := masterKey.MarshalBinary()
	if err != nil {
		return err
	}

	existing, err := b.records.Lookup(ctx, owner, MasterKeyLabel)
	if err != nil && !errors.Is(err, interfaces.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up master key: %w", err)
	}

	updated := make(interfaces.RecordSet, 0, len(existing)+1)
	for _, record := range existing {
		if record.Kind != interfaces.KindMasterKey {
			updated = append(updated, record)
		}
	}
	updated = append(updated, interfaces.Record{
		Kind:  interfaces.KindMasterKey,
		Data:  serialized,
		Flags: interfaces.FlagPrivate,
	})

	if err := b.records.Store(ctx, owner, MasterKeyLabel, updated); err != nil {
		return fmt.Errorf("failed to persist master key: %w", err)
	}

	zone := interfaces.ZoneIDFromPrivateKey(owner)
	b.log.Info("Restored ABE master key", slog.String("zone", zone.String()[:8]))
	return nil
}
