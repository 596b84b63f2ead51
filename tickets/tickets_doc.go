// Package tickets implements the capability-ticket lifecycle: issue,
// consume, revoke.
//
// A ticket names a grant of attribute-read access from an issuer zone
// to an audience zone. Issuing derives an ABE key scoped to exactly
// the shared claims, wraps it for the audience with an ephemeral ECDH
// key, and stores the grant under a random label in the issuer's zone.
// Consuming unwraps the key, resolves the referenced attribute records
// concurrently, and decrypts them. Revoking runs a four-phase state
// machine that rotates every claim the ticket could read and cascades
// the new ids into the issuer's surviving tickets, so those stay
// readable while the revoked audience's key goes dead.
//
// All three types operate one record-store request at a time; only the
// consumer's per-scope fan-out is concurrent, and it is bounded by a
// guard timer.
package tickets
