// Package interfaces defines the core interfaces and types for the
// attribute-ticket service.
//
// This package provides the contracts between different components of the
// system without including implementation details. It separates the
// interface definitions from their implementations, allowing for:
//
//   - Clear separation of concerns
//   - Multiple implementations of the same interface
//   - Better testability through in-memory implementations
//   - Reduced coupling between components
//
// The package contains several key interfaces:
//
// # Storage Interfaces
//
//   - RecordStore: label-addressed record sets inside an identity's zone
//   - RecordStoreFactory: creates record stores from URI strings
//   - NameResolver: read-side record resolution across zone boundaries
//
// # Index Interfaces
//
//   - TicketIndex: local bookkeeping of issued and consumed tickets
//   - TicketIndexFactory: creates ticket indexes from URI strings
//
// # Type Definitions
//
// The package defines various types used throughout the system:
//
//   - ZoneID: a 33-byte compressed public key addressing an identity's zone
//   - Claim: a typed attribute owned by one identity
//   - Ticket: a capability naming an issuer, an audience and a random id
//   - Record/RecordSet: what is stored under a label in a zone
//
// # Error Types
//
// Standard errors returned by storage and resolution operations:
//
//   - ErrRecordNotFound: no record set stored under the requested label
//   - ErrStoreUnavailable: record store is not accessible
//   - ErrInvalidLocationURI: storage location URI is malformed
//   - ErrTicketNotFound: ticket is unknown to the index
//   - ErrAborted: operation was cut short by its guard timer
//
// # Usage Patterns
//
// Components should depend on interfaces rather than concrete
// implementations:
//
//	func NewIssuer(
//	    store interfaces.RecordStore,
//	    index interfaces.TicketIndex,
//	    log *slog.Logger,
//	) *Issuer {
//	    // ...
//	}
//
// This allows for better testability and flexibility in changing
// implementations.
package interfaces
