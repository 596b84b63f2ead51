package ticketindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// FileIndex implements a ticket index persisted as a JSON snapshot on
// the local file system. The whole index is loaded at open and the
// snapshot rewritten on every mutation.
type FileIndex struct {
	mu      sync.RWMutex
	path    string
	entries []indexEntry
}

// NewFileIndex opens or creates a ticket index at the given path.
func NewFileIndex(path string) (*FileIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	idx := &FileIndex{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket index: %w", err)
	}
	if err := json.Unmarshal(data, &idx.entries); err != nil {
		return nil, fmt.Errorf("failed to decode ticket index: %w", err)
	}
	return idx, nil
}

// persist rewrites the snapshot. Callers hold the write lock.
func (idx *FileIndex) persist() error {
	data, err := json.Marshal(idx.entries)
	if err != nil {
		return fmt.Errorf("failed to encode ticket index: %w", err)
	}

	tmpPath := idx.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write ticket index: %w", err)
	}
	if err := os.Rename(tmpPath, idx.path); err != nil {
		return fmt.Errorf("failed to commit ticket index: %w", err)
	}
	return nil
}

// StoreTicket records a ticket and the claims it granted. Storing a
// known ticket replaces its claim list.
func (idx *FileIndex) StoreTicket(ctx context.Context, ticket interfaces.Ticket, claims []interfaces.Claim) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	replaced := false
	for i := range idx.entries {
		if idx.entries[i].Ticket.Equal(ticket) {
			idx.entries[i].Claims = claims
			replaced = true
			break
		}
	}
	if !replaced {
		idx.entries = append(idx.entries, indexEntry{Ticket: ticket, Claims: claims})
	}
	return idx.persist()
}

// DeleteTicket removes a ticket. Unknown tickets are not an error.
func (idx *FileIndex) DeleteTicket(ctx context.Context, ticket interfaces.Ticket) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i := range idx.entries {
		if idx.entries[i].Ticket.Equal(ticket) {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			return idx.persist()
		}
	}
	return nil
}

// IterateTickets calls fn for every known ticket where zone is the
// issuer (asAudience false) or the audience (asAudience true), in
// insertion order, skipping the first offset matches.
func (idx *FileIndex) IterateTickets(ctx context.Context, zone interfaces.ZoneID, asAudience bool, offset uint64, fn func(interfaces.Ticket) error) error {
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
func (idx *FileIndex) TicketAttributes(ctx context.Context, ticket interfaces.Ticket) ([]interfaces.Claim, error) {
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
