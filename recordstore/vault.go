package recordstore

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/idvault/ticket-service-backend/interfaces"
)

// VaultStore implements a record store on HashiCorp Vault's KV v2
// secrets engine. Record sets live under
// <mount>/data/<dataPath>/<zone>/<label>, so private records benefit
// from Vault's access policies and audit log.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a new Vault record store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with read/write/list access to the data path
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "ticketd")
//   - log: Structured logger for operational insights
func NewVaultStore(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Store replaces the record set under label in the owner's zone.
// Storing an empty set deletes the secret and its version history.
func (s *VaultStore) Store(ctx context.Context, owner *ecdsa.PrivateKey, label string, records interfaces.RecordSet) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)

	if len(records) == 0 {
		path := s.secretPath("metadata", zone, label)
		if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
			return fmt.Errorf("%w: delete failed: %v", interfaces.ErrStoreUnavailable, err)
		}
		return nil
	}

	data, err := encodeRecordSet(records, time.Now())
	if err != nil {
		return err
	}

	path := s.secretPath("data", zone, label)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"records": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		s.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: write failed: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored record set in Vault",
		slog.String("path", path),
		slog.Int("records", len(records)))
	return nil
}

// Lookup retrieves the record set under label in the owner's zone.
func (s *VaultStore) Lookup(ctx context.Context, owner *ecdsa.PrivateKey, label string) (interfaces.RecordSet, error) {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	path := s.secretPath("data", zone, label)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: read failed: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrRecordNotFound
	}

	// KV v2 wraps the payload in a "data" map.
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	encoded, ok := inner["records"].(string)
	if !ok {
		return nil, fmt.Errorf("records key not found in Vault data at %s", path)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid record encoding in Vault data at %s: %w", path, err)
	}

	return decodeRecordSet(data, time.Now())
}

// ZoneIterate calls fn for every label in the owner's zone, listing
// the zone's metadata path.
func (s *VaultStore) ZoneIterate(ctx context.Context, owner *ecdsa.PrivateKey, fn func(label string, records interfaces.RecordSet) error) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	path := s.secretPath("metadata", zone, "")

	secret, err := s.client.Logical().ListWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: list failed: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		encoded, ok := key.(string)
		if !ok {
			continue
		}
		label, err := decodeLabel(encoded)
		if err != nil {
			s.log.Warn("Skipping unrecognized key in zone path",
				slog.String("key", encoded), "err", err)
			continue
		}

		records, err := s.Lookup(ctx, owner, label)
		if err == interfaces.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(label, records); err != nil {
			return err
		}
	}
	return nil
}

// Name returns a unique identifier for this store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

// secretPath builds a KV v2 API path. An empty label yields the zone's
// listing path.
func (s *VaultStore) secretPath(op string, zone interfaces.ZoneID, label string) string {
	if label == "" {
		return fmt.Sprintf("%s/%s/%s/%s", s.mountPath, op, s.dataPath, zone.String())
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", s.mountPath, op, s.dataPath, zone.String(), encodeLabel(label))
}
