// Package attributes manages an identity's encrypted claims.
//
// Claim values never touch the record store in the clear. Each claim
// is JSON-serialized and ABE-encrypted under its "name_version" policy
// string, then stored as one record under a label derived from the
// claim's random 64-bit id. The record carries the version and name in
// a plaintext header so the owner can re-derive the matching scoped
// key when listing; the value itself only exists inside the
// ciphertext.
//
// Bootstrap manages the per-identity ABE master key, stored privately
// under the zone's zero label. EnsureMasterKey is idempotent and is
// called implicitly by every operation that needs the key.
package attributes
