package interfaces

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// RecordKind identifies what a record stored under a label contains.
type RecordKind uint32

const (
	// KindAttribute is an ABE-encrypted claim:
	// [version u32 BE][name len u16 BE][name][ciphertext].
	KindAttribute RecordKind = iota + 1
	// KindMasterKey is a serialized per-identity ABE master key.
	KindMasterKey
	// KindTicketKey is an ECDH-wrapped scoped ABE key blob.
	KindTicketKey
	// KindTicketRef is a ticket's attribute-reference list.
	KindTicketRef
	// KindRotationMap is a persisted revocation old-id to new-id mapping.
	KindRotationMap
)

// String returns the kind name.
func (k RecordKind) String() string {
	switch k {
	case KindAttribute:
		return "attribute"
	case KindMasterKey:
		return "master-key"
	case KindTicketKey:
		return "ticket-key"
	case KindTicketRef:
		return "ticket-ref"
	case KindRotationMap:
		return "rotation-map"
	default:
		return "unknown"
	}
}

// RecordFlags carry visibility bits for a record.
type RecordFlags uint32

const (
	// FlagPrivate marks a record that must not be served to other zones
	// by a name resolver.
	FlagPrivate RecordFlags = 1 << iota
)

// Record is a single datum stored under a label in a zone.
type Record struct {
	Kind    RecordKind    `json:"kind"`
	Data    []byte        `json:"data"`
	Expires time.Duration `json:"expires"`
	Flags   RecordFlags   `json:"flags"`
}

// RecordSet is everything stored under one label. A record-set write
// replaces the previous set atomically; writing an empty set deletes the
// label.
type RecordSet []Record

// Filter returns the records of the given kind.
func (rs RecordSet) Filter(kind RecordKind) RecordSet {
	var out RecordSet
	for _, r := range rs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// First returns the first record of the given kind, or nil.
func (rs RecordSet) First(kind RecordKind) *Record {
	for i := range rs {
		if rs[i].Kind == kind {
			return &rs[i]
		}
	}
	return nil
}

var (
	// ErrRecordNotFound is returned when no record set is stored under the
	// requested label.
	ErrRecordNotFound = errors.New("record not found")

	// ErrStoreUnavailable is returned when a record store is not
	// accessible. This could be due to network issues, authentication
	// failures, or service outages.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrTicketNotFound is returned when a ticket is unknown to the index.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrAborted is returned when an operation was cut short by its guard
	// timer before completing.
	ErrAborted = errors.New("operation aborted")
)

// RecordStore provides label-addressed record-set storage inside an
// identity's zone. A single record-set write is atomic; sequences of
// writes are not transactional.
type RecordStore interface {
	// Store replaces the record set under label in the owner's zone.
	// Storing an empty set deletes the label.
	Store(ctx context.Context, owner *ecdsa.PrivateKey, label string, records RecordSet) error

	// Lookup retrieves the record set under label in the owner's zone.
	// Returns ErrRecordNotFound if nothing (unexpired) is stored there.
	Lookup(ctx context.Context, owner *ecdsa.PrivateKey, label string) (RecordSet, error)

	// ZoneIterate calls fn for every stored label in the owner's zone.
	// Returning an error from fn stops the iteration and propagates the
	// error; iteration order is unspecified.
	ZoneIterate(ctx context.Context, owner *ecdsa.PrivateKey, fn func(label string, records RecordSet) error) error

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this store.
	LocationURI() string
}

// NameResolver resolves records across zone boundaries, the way a relying
// party reads an issuer's zone. Implementations must not serve records
// flagged private.
type NameResolver interface {
	// Resolve looks up records of the given kind under label in zone.
	// Returns ErrRecordNotFound if nothing matches.
	Resolve(ctx context.Context, zone ZoneID, label string, kind RecordKind) (RecordSet, error)
}

// TicketIndex records which tickets exist per identity and audience. It is
// local bookkeeping: the authoritative grant always lives in the record
// store.
type TicketIndex interface {
	// StoreTicket records a ticket and the claims it granted.
	StoreTicket(ctx context.Context, ticket Ticket, claims []Claim) error

	// DeleteTicket removes a ticket. Unknown tickets are not an error.
	DeleteTicket(ctx context.Context, ticket Ticket) error

	// IterateTickets calls fn for every known ticket where zone is the
	// issuer (asAudience false) or the audience (asAudience true),
	// skipping the first offset entries.
	IterateTickets(ctx context.Context, zone ZoneID, asAudience bool, offset uint64, fn func(Ticket) error) error

	// TicketAttributes returns the claims recorded for a ticket.
	// Returns ErrTicketNotFound for unknown tickets.
	TicketAttributes(ctx context.Context, ticket Ticket) ([]Claim, error)
}

// StoreLocation represents a parsed storage location URI.
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
}

// NewStoreLocation creates a new storage location from a URI string with
// validation.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "memory", "file", "s3", "vault":
		// Valid scheme
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// RecordStoreFactory creates record stores from location URIs.
type RecordStoreFactory interface {
	// RecordStoreFor creates a store from a URI.
	// Supports memory://, file://, s3://, vault://
	RecordStoreFor(loc StoreLocation) (RecordStore, error)
}

// TicketIndexFactory creates ticket indexes from location URIs.
type TicketIndexFactory interface {
	// TicketIndexFor creates an index from a URI.
	// Supports memory://, file://
	TicketIndexFor(loc StoreLocation) (TicketIndex, error)
}
