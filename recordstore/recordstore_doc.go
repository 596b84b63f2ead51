// Package recordstore provides label-addressed record-set storage for
// identity zones, with backends for in-memory maps, the local file
// system, Amazon S3, and HashiCorp Vault.
//
// Every backend implements interfaces.RecordStore: a zone is addressed
// by the owner's key, a label maps to one record set, and writing a set
// replaces the previous one atomically. Writing an empty set deletes
// the label. Record expiration is converted to an absolute timestamp at
// store time and filtered out at read time, so a set whose records have
// all expired reads back as interfaces.ErrRecordNotFound.
//
// The package also provides two interfaces.NameResolver
// implementations for cross-zone reads: LocalResolver serves registered
// zones straight from a backend, and DNSResolver queries published
// record sets over DNS TXT lookups. Both refuse to serve records
// flagged private.
//
// Backends are created through Factory from location URIs:
//
//	factory := recordstore.NewFactory(logger)
//	loc, err := interfaces.NewStoreLocation("file:///var/lib/ticketd/records")
//	store, err := factory.RecordStoreFor(loc)
package recordstore
