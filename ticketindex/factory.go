package ticketindex

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// Factory creates ticket indexes from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new factory instance that can create ticket
// indexes.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// TicketIndexFor creates a ticket index from a location URI.
//
// Supported schemes:
//   - memory:// - In-process index, for tests and single-process setups
//   - file:// - JSON snapshot on the local filesystem
func (f *Factory) TicketIndexFor(loc interfaces.StoreLocation) (interfaces.TicketIndex, error) {
	switch strings.ToLower(loc.Scheme) {
	case "memory":
		return NewMemoryIndex(), nil
	case "file":
		path := loc.Path
		if loc.Host != "" {
			path = loc.Host + "/" + strings.TrimPrefix(path, "/")
		}
		if path == "" {
			return nil, fmt.Errorf("%w: empty path in file URI %q", interfaces.ErrInvalidLocationURI, loc.String())
		}
		f.log.Debug("Creating file ticket index", slog.String("path", path))
		return NewFileIndex(path)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q for ticket index", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}
