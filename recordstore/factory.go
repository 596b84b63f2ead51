package recordstore

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// Factory creates record stores from location URIs.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new factory instance that can create record
// stores.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// RecordStoreFor creates a record store from a location URI.
//
// Supported schemes:
//   - memory:// - In-process map, for tests and single-process setups
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 secrets engine
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) RecordStoreFor(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	switch strings.ToLower(loc.Scheme) {
	case "memory":
		return NewMemoryStore(f.log), nil
	case "file":
		return f.createFileStore(loc)
	case "s3":
		return f.createS3Store(loc)
	case "vault":
		return f.createVaultStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// createFileStore creates a file system record store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (f *Factory) createFileStore(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	f.log.Debug("Creating file record store", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %q", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileStore(path, f.log)
}

// createS3Store creates an S3 or S3-compatible record store.
// URI format: s3://bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com&access_key=K&secret_key=S
func (f *Factory) createS3Store(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	f.log.Debug("Creating S3 record store", slog.String("bucket", loc.Host))

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(
		loc.Host,
		strings.TrimPrefix(loc.Path, "/"),
		region,
		loc.GetParam("endpoint"),
		loc.GetParam("access_key"),
		loc.GetParam("secret_key"),
		f.log,
	)
}

// createVaultStore creates a Vault record store.
// URI format: vault://host:8200/mount/data-path?token=T&scheme=https
func (f *Factory) createVaultStore(loc interfaces.StoreLocation) (interfaces.RecordStore, error) {
	f.log.Debug("Creating Vault record store", slog.String("host", loc.Host))

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI requires /mount/data-path", interfaces.ErrInvalidLocationURI)
	}

	scheme := loc.GetParam("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	return NewVaultStore(address, loc.GetParam("token"), parts[0], parts[1], f.log)
}
