package attributes

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// Manager implements attribute storage over a record store: claims go
// in encrypted, and only the zone owner or a scoped-key holder gets
// them back out.
type Manager struct {
	records   interfaces.RecordStore
	bootstrap *Bootstrap
	log       *slog.Logger
}

// NewManager creates an attribute manager.
func NewManager(records interfaces.RecordStore, bootstrap *Bootstrap, log *slog.Logger) *Manager {
	return &Manager{records: records, bootstrap: bootstrap, log: log}
}

// Store encrypts and persists a claim in the owner's zone, returning
// the claim with its assigned id and version. A zero claim id means
// "store by name": if a claim of the same name exists its id and
// version are reused, otherwise a fresh random id is assigned. Callers
// that set the id explicitly (rotation does) keep it. The expiration
// applies to the stored record.
func (m *Manager) Store(ctx context.Context, owner *ecdsa.PrivateKey, claim interfaces.Claim, expires time.Duration) (interfaces.Claim, error) {
	if claim.Name == "" {
		return claim, errors.New("claim name must not be empty")
	}

	masterKey, err := m.bootstrap.EnsureMasterKey(ctx, owner, false)
	if err != nil {
		return claim, err
	}

	if claim.ID == 0 {
		existingID, existingVersion, found, err := m.findByName(ctx, owner, claim.Name)
		if err != nil {
			return claim, err
		}
		if found {
			claim.ID = existingID
			if claim.Version == 0 {
				claim.Version = existingVersion
			}
		} else {
			claim.ID, err = randomID()
			if err != nil {
				return claim, err
			}
		}
	}
	if claim.Version == 0 {
		claim.Version = 1
	}

	plaintext, err := json.Marshal(claim)
	if err != nil {
		return claim, fmt.Errorf("failed to serialize claim: %w", err)
	}
	ciphertext, err := masterKey.Encrypt(plaintext, claim.PolicyString())
	if err != nil {
		return claim, err
	}
	data, err := EncodeRecord(claim.Version, claim.Name, ciphertext)
	if err != nil {
		return claim, err
	}

	record := interfaces.Record{
		Kind:    interfaces.KindAttribute,
		Data:    data,
		Expires: expires,
	}
	if err := m.records.Store(ctx, owner, claim.Label(), interfaces.RecordSet{record}); err != nil {
		return claim, fmt.Errorf("failed to store claim %q: %w", claim.Name, err)
	}

	m.log.Debug("Stored claim",
		slog.String("name", claim.Name),
		slog.String("label", claim.Label()),
		slog.Uint64("version", uint64(claim.Version)))
	return claim, nil
}

// Delete removes the claim with the given id from the owner's zone.
// Tickets referencing the claim keep their references; consumption of
// the deleted claim fails at resolve time.
func (m *Manager) Delete(ctx context.Context, owner *ecdsa.PrivateKey, id uint64) error {
	if err := m.records.Store(ctx, owner, interfaces.IDLabel(id), nil); err != nil {
		return fmt.Errorf("failed to delete claim: %w", err)
	}
	return nil
}

// List decrypts and returns every claim in the owner's zone. Records
// that fail to parse or decrypt are skipped so one corrupt record
// cannot hide the rest.
func (m *Manager) List(ctx context.Context, owner *ecdsa.PrivateKey) ([]interfaces.Claim, error) {
	masterKey, err := m.bootstrap.EnsureMasterKey(ctx, owner, false)
	if err != nil {
		return nil, err
	}

	var claims []interfaces.Claim
	err = m.records.ZoneIterate(ctx, owner, func(label string, records interfaces.RecordSet) error {
		record := records.First(interfaces.KindAttribute)
		if record == nil {
			return nil
		}

		version, name, ciphertext, err := DecodeRecord(record.Data)
		if err != nil {
			m.log.Warn("Skipping malformed attribute record",
				slog.String("label", label), "err", err)
			return nil
		}

		scopedKey, err := masterKey.CreateScopedKey([]string{fmt.Sprintf("%s_%d", name, version)})
		if err != nil {
			m.log.Warn("Skipping attribute record without derivable key",
				slog.String("label", label), "err", err)
			return nil
		}
		plaintext, err := scopedKey.Decrypt(ciphertext)
		if err != nil {
			m.log.Warn("Skipping undecryptable attribute record",
				slog.String("label", label), "err", err)
			return nil
		}

		var claim interfaces.Claim
		if err := json.Unmarshal(plaintext, &claim); err != nil {
			m.log.Warn("Skipping attribute record with malformed claim",
				slog.String("label", label), "err", err)
			return nil
		}
		claims = append(claims, claim)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	return claims, nil
}

// findByName scans the zone for a claim of the given name using only
// the plaintext record headers.
func (m *Manager) findByName(ctx context.Context, owner *ecdsa.PrivateKey, name string) (uint64, uint32, bool, error) {
	var (
		foundID      uint64
		foundVersion uint32
		found        bool
	)
	err := m.records.ZoneIterate(ctx, owner, func(label string, records interfaces.RecordSet) error {
		if found {
			return nil
		}
		record := records.First(interfaces.KindAttribute)
		if record == nil {
			return nil
		}
		version, recordName, _, err := DecodeRecord(record.Data)
		if err != nil || recordName != name {
			return nil
		}
		id, err := interfaces.ParseIDLabel(label)
		if err != nil {
			return nil
		}
		foundID, foundVersion, found = id, version, true
		return nil
	})
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to scan claims: %w", err)
	}
	return foundID, foundVersion, found, nil
}

// randomID draws a nonzero random 64-bit claim id.
func randomID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate id: %w", err)
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id, nil
		}
	}
}
