package recordstore

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/idvault/ticket-service-backend/interfaces"
)

// FileStore implements a record store on the local file system. Each
// zone gets a directory named by its hex zone ID, and each label maps
// to one file holding the serialized record set.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a new file-backed record store rooted at the
// specified base directory, creating it if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Store replaces the record set under label in the owner's zone.
// Storing an empty set deletes the label's file.
func (s *FileStore) Store(ctx context.Context, owner *ecdsa.PrivateKey, label string, records interfaces.RecordSet) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	filePath := s.labelPath(zone, label)

	if len(records) == 0 {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete record set: %w", err)
		}
		return nil
	}

	data, err := encodeRecordSet(records, time.Now())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("failed to create zone directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial
	// record set.
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write record set: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("failed to commit record set: %w", err)
	}

	s.log.Debug("Stored record set",
		slog.String("path", filePath),
		slog.Int("records", len(records)))
	return nil
}

// Lookup retrieves the record set under label in the owner's zone.
// Returns ErrRecordNotFound if the file doesn't exist.
func (s *FileStore) Lookup(ctx context.Context, owner *ecdsa.PrivateKey, label string) (interfaces.RecordSet, error) {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	filePath := s.labelPath(zone, label)

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record set: %w", err)
	}

	return decodeRecordSet(data, time.Now())
}

// ZoneIterate calls fn for every label in the owner's zone.
func (s *FileStore) ZoneIterate(ctx context.Context, owner *ecdsa.PrivateKey, fn func(label string, records interfaces.RecordSet) error) error {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	zoneDir := filepath.Join(s.baseDir, zone.String())

	entries, err := os.ReadDir(zoneDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list zone directory: %w", err)
	}

	now := time.Now()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}

		label, err := decodeLabel(entry.Name())
		if err != nil {
			s.log.Warn("Skipping unrecognized file in zone directory",
				slog.String("name", entry.Name()), "err", err)
			continue
		}

		data, err := os.ReadFile(filepath.Join(zoneDir, entry.Name()))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read record set: %w", err)
		}

		records, err := decodeRecordSet(data, now)
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
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI that identifies this store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) labelPath(zone interfaces.ZoneID, label string) string {
	return filepath.Join(s.baseDir, zone.String(), encodeLabel(label))
}
