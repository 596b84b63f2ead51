package tickets

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/idvault/ticket-service-backend/attributes"
	"github.com/idvault/ticket-service-backend/cryptoutils"
	"github.com/idvault/ticket-service-backend/interfaces"
)

// Issuer grants audiences read access to subsets of an identity's
// claims by minting tickets.
type Issuer struct {
	records    interfaces.RecordStore
	bootstrap  *attributes.Bootstrap
	index      interfaces.TicketIndex
	expiration time.Duration
	log        *slog.Logger
}

// NewIssuer creates a ticket issuer. A non-positive expiration falls
// back to DefaultTicketExpiration.
func NewIssuer(records interfaces.RecordStore, bootstrap *attributes.Bootstrap, index interfaces.TicketIndex, expiration time.Duration, log *slog.Logger) *Issuer {
	if expiration <= 0 {
		expiration = DefaultTicketExpiration
	}
	return &Issuer{
		records:    records,
		bootstrap:  bootstrap,
		index:      index,
		expiration: expiration,
		log:        log.With("component", "ticket-issuer"),
	}
}

// Issue grants the audience read access to the requested claims,
// identified by id. Duplicate ids are collapsed. Requested claims that
// no longer exist are dropped from the grant. When an identical grant
// for this audience already exists, the existing ticket is returned
// instead of minting a second one.
func (iss *Issuer) Issue(ctx context.Context, issuer *ecdsa.PrivateKey, audience interfaces.ZoneID, claimIDs []uint64) (interfaces.Ticket, error) {
	claimIDs = dedupIDs(claimIDs)

	masterKey, err := iss.bootstrap.EnsureMasterKey(ctx, issuer, false)
	if err != nil {
		return interfaces.Ticket{}, err
	}

	// Resolve the requested claims, dropping the ones that are gone.
	var (
		scopes        []scopeEntry
		policyStrings []string
		grantedIDs    []uint64
		grantedClaims []interfaces.Claim
	)
	for _, id := range claimIDs {
		label := interfaces.IDLabel(id)
		records, err := iss.records.Lookup(ctx, issuer, label)
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			iss.log.Warn("Dropping missing claim from grant", slog.Uint64("id", id))
			continue
		}
		if err != nil {
			return interfaces.Ticket{}, fmt.Errorf("failed to resolve claim %d: %w", id, err)
		}
		record := records.First(interfaces.KindAttribute)
		if record == nil {
			iss.log.Warn("Dropping non-attribute label from grant", slog.Uint64("id", id))
			continue
		}
		version, name, _, err := attributes.DecodeRecord(record.Data)
		if err != nil {
			iss.log.Warn("Dropping malformed claim from grant", slog.Uint64("id", id), "err", err)
			continue
		}

		scopes = append(scopes, scopeEntry{Name: name, Label: label})
		policyStrings = append(policyStrings, fmt.Sprintf("%s_%d", name, version))
		grantedIDs = append(grantedIDs, id)
		grantedClaims = append(grantedClaims, interfaces.Claim{ID: id, Name: name, Version: version})
	}
	if len(grantedIDs) == 0 {
		return interfaces.Ticket{}, errors.New("no requested claims exist, nothing to grant")
	}

	issuerZone := interfaces.ZoneIDFromPrivateKey(issuer)

	// An identical grant may already exist.
	existing, err := iss.findExisting(ctx, issuer, audience, grantedIDs)
	if err != nil {
		return interfaces.Ticket{}, err
	}
	if existing != nil {
		iss.log.Debug("Reusing existing ticket",
			slog.String("ticket", existing.String()),
			slog.String("audience", audience.String()[:8]))
		return *existing, nil
	}

	scopedKey, err := masterKey.CreateScopedKey(policyStrings)
	if err != nil {
		return interfaces.Ticket{}, err
	}
	scopedKeyBytes, err := scopedKey.MarshalBinary()
	if err != nil {
		return interfaces.Ticket{}, err
	}
	payload, err := encodeKeyPayload(scopes, scopedKeyBytes)
	if err != nil {
		return interfaces.Ticket{}, err
	}

	audiencePub, err := audience.PublicKey()
	if err != nil {
		return interfaces.Ticket{}, fmt.Errorf("invalid audience zone: %w", err)
	}
	blob, err := cryptoutils.EncryptBlobFor(audiencePub, payload)
	if err != nil {
		return interfaces.Ticket{}, err
	}

	rnd, err := randomRnd()
	if err != nil {
		return interfaces.Ticket{}, err
	}
	ticket := interfaces.Ticket{Issuer: issuerZone, Audience: audience, Rnd: rnd}

	names := make([]string, len(scopes))
	for i, scope := range scopes {
		names[i] = scope.Name
	}
	refData, err := encodeTicketRef(ticketRef{Ticket: ticket, IDs: grantedIDs, Names: names})
	if err != nil {
		return interfaces.Ticket{}, err
	}

	// Both records land in one atomic set write: the grant is either
	// fully visible or absent.
	set := interfaces.RecordSet{
		{Kind: interfaces.KindTicketKey, Data: blob, Expires: iss.expiration},
		{Kind: interfaces.KindTicketRef, Data: refData, Expires: iss.expiration, Flags: interfaces.FlagPrivate},
	}
	if err := iss.records.Store(ctx, issuer, ticket.Label(), set); err != nil {
		return interfaces.Ticket{}, fmt.Errorf("failed to store ticket: %w", err)
	}

	if err := iss.index.StoreTicket(ctx, ticket, grantedClaims); err != nil {
		iss.log.Warn("Failed to index issued ticket", slog.String("ticket", ticket.String()), "err", err)
	}

	iss.log.Info("Issued ticket",
		slog.String("ticket", ticket.String()),
		slog.String("audience", audience.String()[:8]),
		slog.Int("claims", len(grantedIDs)))
	return ticket, nil
}

// findExisting scans the issuer's zone for a ticket granting the same
// audience the same claim set.
func (iss *Issuer) findExisting(ctx context.Context, issuer *ecdsa.PrivateKey, audience interfaces.ZoneID, claimIDs []uint64) (*interfaces.Ticket, error) {
	var found *interfaces.Ticket
	err := iss.records.ZoneIterate(ctx, issuer, func(label string, records interfaces.RecordSet) error {
		if found != nil {
			return nil
		}
		record := records.First(interfaces.KindTicketRef)
		if record == nil {
			return nil
		}
		ref, err := decodeTicketRef(record.Data)
		if err != nil {
			iss.log.Warn("Skipping malformed ticket reference", slog.String("label", label), "err", err)
			return nil
		}
		if ref.Ticket.Audience.Equal(audience) && idSetEqual(ref.IDs, claimIDs) {
			found = &ref.Ticket
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan existing tickets: %w", err)
	}
	return found, nil
}

// randomRnd draws a nonzero random ticket identifier.
func randomRnd() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate ticket id: %w", err)
		}
		if rnd := binary.BigEndian.Uint64(buf[:]); rnd != 0 {
			return rnd, nil
		}
	}
}
