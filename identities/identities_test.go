package identities

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, dir, name string) string {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	encoded := hex.EncodeToString(ethcrypto.FromECDSA(key))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(encoded+"\n"), 0600))
	return encoded
}

func TestManager_LoadsKeyFiles(t *testing.T) {
	dir := t.TempDir()
	writeKeyFile(t, dir, "alice")
	writeKeyFile(t, dir, "bob")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken"), []byte("not hex"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("ignored"), 0600))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := NewManager(dir, log)
	require.NoError(t, err, "Manager should load despite bad files")

	assert.Len(t, manager.List(), 2, "Only parseable, visible key files count")

	alice, ok := manager.Get("alice")
	require.True(t, ok, "Named identity should be loadable")
	assert.Equal(t, "alice", alice.Name)
	assert.NotNil(t, alice.Key)
	assert.Len(t, alice.Zone.String(), 66, "Zone should be the hex compressed pubkey")

	_, ok = manager.Get("broken")
	assert.False(t, ok, "Malformed key files are skipped")
}

func TestManager_Reload(t *testing.T) {
	dir := t.TempDir()
	writeKeyFile(t, dir, "alice")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := NewManager(dir, log)
	require.NoError(t, err)
	require.Len(t, manager.List(), 1)

	writeKeyFile(t, dir, "carol")
	require.NoError(t, manager.Reload())
	assert.Len(t, manager.List(), 2, "Reload should pick up new key files")

	_, ok := manager.Get("carol")
	assert.True(t, ok)
}

func TestManager_MissingDirectory(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewManager(filepath.Join(t.TempDir(), "nope"), log)
	assert.Error(t, err, "A missing identity directory should fail loudly")
}
