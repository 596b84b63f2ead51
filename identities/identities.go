// Package identities loads the identities a daemon operates, one
// hex-encoded secp256k1 private key per file in a directory. The file
// name is the identity's local name. Key creation stays external; this
// package only reads.
package identities

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/idvault/ticket-service-backend/interfaces"
)

// Identity is one loaded identity.
type Identity struct {
	// Name is the key file's base name.
	Name string

	// Key is the identity's private key.
	Key *ecdsa.PrivateKey

	// Zone is the identity's zone address.
	Zone interfaces.ZoneID
}

// Manager loads and caches identities from a key directory.
type Manager struct {
	mu  sync.RWMutex
	dir string
	ids map[string]Identity
	log *slog.Logger
}

// NewManager creates a manager over a key directory and loads it.
func NewManager(dir string, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		dir: dir,
		ids: make(map[string]Identity),
		log: log,
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload rescans the key directory. Files that fail to parse are
// skipped with a warning so one bad file cannot take the daemon down.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to read identity directory: %w", err)
	}

	loaded := make(map[string]Identity)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn("Skipping unreadable key file", slog.String("path", path), "err", err)
			continue
		}
		key, err := ethcrypto.HexToECDSA(strings.TrimSpace(string(raw)))
		if err != nil {
			m.log.Warn("Skipping malformed key file", slog.String("path", path), "err", err)
			continue
		}
		loaded[entry.Name()] = Identity{
			Name: entry.Name(),
			Key:  key,
			Zone: interfaces.ZoneIDFromPrivateKey(key),
		}
	}

	m.mu.Lock()
	m.ids = loaded
	m.mu.Unlock()

	m.log.Info("Loaded identities", slog.Int("count", len(loaded)), slog.String("dir", m.dir))
	return nil
}

// List returns all loaded identities.
func (m *Manager) List() []Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Identity, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, id)
	}
	return out
}

// Get returns the identity with the given name.
func (m *Manager) Get(name string) (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[name]
	return id, ok
}
