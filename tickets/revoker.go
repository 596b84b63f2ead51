package tickets

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/idvault/ticket-service-backend/abe"
	"github.com/idvault/ticket-service-backend/attributes"
	"github.com/idvault/ticket-service-backend/cryptoutils"
	"github.com/idvault/ticket-service-backend/interfaces"
)

// Revoker retracts issued tickets. Revocation is a four-phase state
// machine:
//
//  1. Collect the ticket's claim references and delete its label, which
//     kills the audience's ability to fetch the wrapped key.
//  2. Rotate every referenced claim: fresh id, version+1, re-encrypted
//     under the new policy string, old label deleted. Sequential, one
//     store round trip at a time.
//  3. Cascade: rewrite the issuer's surviving tickets that referenced a
//     rotated claim, pointing them at the new ids and re-wrapping their
//     scoped keys over the new policy strings so they stay readable.
//  4. Drop the persisted rotation state and the index entry.
//
// The rotation map is persisted between phases 2 and 3, so a crashed
// revocation resumes the cascade when Revoke is called again with the
// same ticket. There is no rollback; failures abort and leave the
// persisted state for the retry.
type Revoker struct {
	records   interfaces.RecordStore
	manager   *attributes.Manager
	bootstrap *attributes.Bootstrap
	index     interfaces.TicketIndex
	log       *slog.Logger
}

// NewRevoker creates a ticket revoker.
func NewRevoker(records interfaces.RecordStore, manager *attributes.Manager, bootstrap *attributes.Bootstrap, index interfaces.TicketIndex, log *slog.Logger) *Revoker {
	return &Revoker{
		records:   records,
		manager:   manager,
		bootstrap: bootstrap,
		index:     index,
		log:       log.With("component", "ticket-revoker"),
	}
}

// Revoke retracts a ticket and rotates every claim it could read.
// Revoking an unknown or already-revoked ticket is a no-op, except
// when persisted rotation state from an interrupted run exists, in
// which case the cascade is resumed.
func (r *Revoker) Revoke(ctx context.Context, issuer *ecdsa.PrivateKey, ticket interfaces.Ticket) error {
	issuerZone := interfaces.ZoneIDFromPrivateKey(issuer)
	if !ticket.Issuer.Equal(issuerZone) {
		return errors.New("ticket was not issued by this zone")
	}

	// Phase 1: collect references, then take the grant offline.
	records, err := r.records.Lookup(ctx, issuer, ticket.Label())
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return r.resumeIfInterrupted(ctx, issuer, ticket)
	}
	if err != nil {
		return fmt.Errorf("failed to look up ticket: %w", err)
	}

	refRecord := records.First(interfaces.KindTicketRef)
	if refRecord == nil {
		return interfaces.ErrTicketNotFound
	}
	ref, err := decodeTicketRef(refRecord.Data)
	if err != nil {
		return err
	}

	if err := r.records.Store(ctx, issuer, ticket.Label(), nil); err != nil {
		return fmt.Errorf("failed to delete ticket label: %w", err)
	}
	r.log.Info("Revoking ticket",
		slog.String("ticket", ticket.String()),
		slog.Int("claims", len(ref.IDs)))

	// Phase 2: rotate the referenced claims sequentially.
	rotation, err := r.rotateClaims(ctx, issuer, ref.IDs)
	if err != nil {
		return err
	}

	if len(rotation.Entries) > 0 {
		mapData, err := encodeRotationMap(rotation)
		if err != nil {
			return err
		}
		mapRecord := interfaces.Record{
			Kind:  interfaces.KindRotationMap,
			Data:  mapData,
			Flags: interfaces.FlagPrivate,
		}
		if err := r.records.Store(ctx, issuer, rotationMapLabel(ticket), interfaces.RecordSet{mapRecord}); err != nil {
			return fmt.Errorf("failed to persist rotation state: %w", err)
		}

		// Phase 3: cascade the new ids into surviving tickets.
		if err := r.cascade(ctx, issuer, rotation); err != nil {
			return err
		}
	}

	// Phase 4: clean up.
	if err := r.records.Store(ctx, issuer, rotationMapLabel(ticket), nil); err != nil {
		return fmt.Errorf("failed to drop rotation state: %w", err)
	}
	if err := r.index.DeleteTicket(ctx, ticket); err != nil {
		r.log.Warn("Failed to drop ticket from index", slog.String("ticket", ticket.String()), "err", err)
	}

	r.log.Info("Revocation complete", slog.String("ticket", ticket.String()))
	return nil
}

// resumeIfInterrupted finishes a revocation whose cascade was cut
// short: the ticket label is already gone but the rotation map is
// still persisted.
func (r *Revoker) resumeIfInterrupted(ctx context.Context, issuer *ecdsa.PrivateKey, ticket interfaces.Ticket) error {
	records, err := r.records.Lookup(ctx, issuer, rotationMapLabel(ticket))
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		// Nothing persisted: unknown or fully revoked. Either way the
		// grant is gone.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up rotation state: %w", err)
	}
	record := records.First(interfaces.KindRotationMap)
	if record == nil {
		return nil
	}
	rotation, err := decodeRotationMap(record.Data)
	if err != nil {
		return err
	}

	r.log.Info("Resuming interrupted revocation", slog.String("ticket", ticket.String()))
	if err := r.cascade(ctx, issuer, rotation); err != nil {
		return err
	}
	if err := r.records.Store(ctx, issuer, rotationMapLabel(ticket), nil); err != nil {
		return fmt.Errorf("failed to drop rotation state: %w", err)
	}
	if err := r.index.DeleteTicket(ctx, ticket); err != nil {
		r.log.Warn("Failed to drop ticket from index", slog.String("ticket", ticket.String()), "err", err)
	}
	return nil
}

// rotateClaims re-keys every claim the revoked ticket referenced:
// fresh id, bumped version, re-encrypted value, old record deleted.
// Claims that no longer exist or fail to decrypt are dropped from the
// rotation.
func (r *Revoker) rotateClaims(ctx context.Context, issuer *ecdsa.PrivateKey, ids []uint64) (rotationMap, error) {
	masterKey, err := r.bootstrap.EnsureMasterKey(ctx, issuer, false)
	if err != nil {
		return rotationMap{}, err
	}

	var rotation rotationMap
	for _, id := range ids {
		oldLabel := interfaces.IDLabel(id)
		records, err := r.records.Lookup(ctx, issuer, oldLabel)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			r.log.Debug("Skipping rotation of deleted claim", slog.Uint64("id", id))
			continue
		}
		if err != nil {
			return rotation, fmt.Errorf("failed to look up claim %d: %w", id, err)
		}
		record := records.First(interfaces.KindAttribute)
		if record == nil {
			continue
		}

		version, name, ciphertext, err := attributes.DecodeRecord(record.Data)
		if err != nil {
			r.log.Warn("Skipping rotation of malformed claim", slog.Uint64("id", id), "err", err)
			continue
		}
		scopedKey, err := masterKey.CreateScopedKey([]string{fmt.Sprintf("%s_%d", name, version)})
		if err != nil {
			return rotation, err
		}
		plaintext, err := scopedKey.Decrypt(ciphertext)
		if err != nil {
			r.log.Warn("Skipping rotation of undecryptable claim", slog.Uint64("id", id), "err", err)
			continue
		}
		var claim interfaces.Claim
		if err := json.Unmarshal(plaintext, &claim); err != nil {
			r.log.Warn("Skipping rotation of malformed claim payload", slog.Uint64("id", id), "err", err)
			continue
		}

		newID, err := randomRnd()
		if err != nil {
			return rotation, err
		}
		claim.ID = newID
		claim.Version = version + 1

		if _, err := r.manager.Store(ctx, issuer, claim, record.Expires); err != nil {
			return rotation, fmt.Errorf("failed to store rotated claim %q: %w", claim.Name, err)
		}
		if err := r.records.Store(ctx, issuer, oldLabel, nil); err != nil {
			return rotation, fmt.Errorf("failed to delete rotated claim %q: %w", claim.Name, err)
		}

		rotation.Entries = append(rotation.Entries, rotationEntry{
			OldID:   id,
			NewID:   newID,
			Name:    claim.Name,
			Version: claim.Version,
		})
		r.log.Debug("Rotated claim",
			slog.String("name", claim.Name),
			slog.Uint64("version", uint64(claim.Version)))
	}
	return rotation, nil
}

// affectedTicket is one surviving ticket touched by the cascade.
type affectedTicket struct {
	label   string
	ref     ticketRef
	expires time.Duration
}

// cascade rewrites every surviving ticket that referenced a rotated
// claim: references point at the new ids and the wrapped key is
// re-derived over the new policy strings, so the ticket's audience
// keeps access. One ticket is rewritten per store round trip.
func (r *Revoker) cascade(ctx context.Context, issuer *ecdsa.PrivateKey, rotation rotationMap) error {
	masterKey, err := r.bootstrap.EnsureMasterKey(ctx, issuer, false)
	if err != nil {
		return err
	}

	var affected []affectedTicket
	err = r.records.ZoneIterate(ctx, issuer, func(label string, records interfaces.RecordSet) error {
		record := records.First(interfaces.KindTicketRef)
		if record == nil {
			return nil
		}
		ref, err := decodeTicketRef(record.Data)
		if err != nil {
			r.log.Warn("Skipping malformed ticket reference during cascade",
				slog.String("label", label), "err", err)
			return nil
		}
		for _, id := range ref.IDs {
			if _, ok := rotation.lookup(id); ok {
				affected = append(affected, affectedTicket{label: label, ref: *ref, expires: record.Expires})
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan tickets for cascade: %w", err)
	}

	for _, entry := range affected {
		if err := r.rewriteTicket(ctx, issuer, masterKey, rotation, entry); err != nil {
			return err
		}
	}
	return nil
}

// rewriteTicket rebuilds one surviving ticket's reference list and
// wrapped key after a rotation.
func (r *Revoker) rewriteTicket(ctx context.Context, issuer *ecdsa.PrivateKey, masterKey *abe.MasterKey, rotation rotationMap, entry affectedTicket) error {
	var (
		newIDs        []uint64
		names         []string
		scopes        []scopeEntry
		policyStrings []string
	)
	for _, id := range entry.ref.IDs {
		name := ""
		version := uint32(0)
		if rotated, ok := rotation.lookup(id); ok {
			id, name, version = rotated.NewID, rotated.Name, rotated.Version
		} else {
			records, err := r.records.Lookup(ctx, issuer, interfaces.IDLabel(id))
			if errors.Is(err, interfaces.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to look up claim %d during cascade: %w", id, err)
			}
			record := records.First(interfaces.KindAttribute)
			if record == nil {
				continue
			}
			version, name, _, err = attributes.DecodeRecord(record.Data)
			if err != nil {
				continue
			}
		}
		newIDs = append(newIDs, id)
		names = append(names, name)
		scopes = append(scopes, scopeEntry{Name: name, Label: interfaces.IDLabel(id)})
		policyStrings = append(policyStrings, fmt.Sprintf("%s_%d", name, version))
	}

	if len(newIDs) == 0 {
		// Every claim the ticket shared is gone.
		r.log.Info("Dropping emptied ticket during cascade", slog.String("ticket", entry.ref.Ticket.String()))
		if err := r.records.Store(ctx, issuer, entry.label, nil); err != nil {
			return fmt.Errorf("failed to drop emptied ticket: %w", err)
		}
		if err := r.index.DeleteTicket(ctx, entry.ref.Ticket); err != nil {
			r.log.Warn("Failed to drop emptied ticket from index", "err", err)
		}
		return nil
	}

	scopedKey, err := masterKey.CreateScopedKey(policyStrings)
	if err != nil {
		return err
	}
	scopedKeyBytes, err := scopedKey.MarshalBinary()
	if err != nil {
		return err
	}
	payload, err := encodeKeyPayload(scopes, scopedKeyBytes)
	if err != nil {
		return err
	}
	audiencePub, err := entry.ref.Ticket.Audience.PublicKey()
	if err != nil {
		return fmt.Errorf("affected ticket has an invalid audience: %w", err)
	}
	blob, err := cryptoutils.EncryptBlobFor(audiencePub, payload)
	if err != nil {
		return err
	}

	newRef := entry.ref
	newRef.IDs = newIDs
	newRef.Names = names
	refData, err := encodeTicketRef(newRef)
	if err != nil {
		return err
	}

	set := interfaces.RecordSet{
		{Kind: interfaces.KindTicketKey, Data: blob, Expires: entry.expires},
		{Kind: interfaces.KindTicketRef, Data: refData, Expires: entry.expires, Flags: interfaces.FlagPrivate},
	}
	if err := r.records.Store(ctx, issuer, entry.label, set); err != nil {
		return fmt.Errorf("failed to rewrite ticket %s: %w", entry.ref.Ticket.String(), err)
	}

	r.log.Debug("Rewrote ticket after rotation",
		slog.String("ticket", entry.ref.Ticket.String()),
		slog.Int("claims", len(newIDs)))
	return nil
}
