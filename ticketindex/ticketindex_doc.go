// Package ticketindex tracks issued and received tickets per zone.
//
// The index is local bookkeeping for enumeration and revocation
// planning. The authoritative grant always lives in the issuer's
// record store; losing the index loses convenience, not capability.
//
// Two implementations are provided: MemoryIndex for tests and
// single-process setups, and FileIndex which persists the index as a
// JSON snapshot rewritten on every mutation. Both are created through
// Factory from memory:// and file:// location URIs.
package ticketindex
