package ticketindex

import (
	"context"
	"sync"

	"github.com/idvault/ticket-service-backend/interfaces"
)

type indexEntry struct {
	Ticket interfaces.Ticket  `json:"ticket"`
	Claims []interfaces.Claim `json:"claims"`
}

// MemoryIndex implements an in-process ticket index.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries []indexEntry
}

// NewMemoryIndex creates an empty in-memory ticket index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// StoreTicket records a ticket and the claims it granted. Storing a
// known ticket replaces its claim list.
func (idx *MemoryIndex) StoreTicket(ctx context.Context, ticket interfaces.Ticket, claims []interfaces.Claim) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i := range idx.entries {
		if idx.entries[i].Ticket.Equal(ticket) {
			idx.entries[i].Claims = claims
			return nil
		}
	}
	idx.entries = append(idx.entries, indexEntry{Ticket: ticket, Claims: claims})
	return nil
}

// DeleteTicket removes a ticket. Unknown tickets are not an error.
func (idx *MemoryIndex) DeleteTicket(ctx context.Context, ticket interfaces.Ticket) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i := range idx.entries {
		if idx.entries[i].Ticket.Equal(ticket) {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// IterateTickets calls fn for every known ticket where zone is the
// issuer (asAudience false) or the audience (asAudience true), in
// insertion order, skipping the first offset matches.
func (idx *MemoryIndex) IterateTickets(ctx context.Context, zone interfaces.ZoneID, asAudience bool, offset uint64, fn func(interfaces.Ticket) error) error {
	idx.mu.RLock()
	matches := make([]interfaces.Ticket, 0, len(idx.entries))
	for _, entry := range idx.entries {
		owner := entry.Ticket.Issuer
		if asAudience {
			owner = entry.Ticket.Audience
		}
		if owner.Equal(zone) {
			matches = append(matches, entry.Ticket)
		}
	}
	idx.mu.RUnlock()

	for i, ticket := range matches {
		if uint64(i) < offset {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ticket); err != nil {
			return err
		}
	}
	return nil
}

// TicketAttributes returns the claims recorded for a ticket.
func (idx *MemoryIndex) TicketAttributes(ctx context.Context, ticket interfaces.Ticket) ([]interfaces.Claim, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, entry := range idx.entries {
		if entry.Ticket.Equal(ticket) {
			claims := make([]interfaces.Claim, len(entry.Claims))
			copy(claims, entry.Claims)
			return claims, nil
		}
	}
	return nil, interfaces.ErrTicketNotFound
}
