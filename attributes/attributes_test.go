package attributes

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idvault/ticket-service-backend/abe"
	"github.com/idvault/ticket-service-backend/interfaces"
	"github.com/idvault/ticket-service-backend/recordstore"
)

func testManager(t *testing.T) (*Manager, *Bootstrap, interfaces.RecordStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := recordstore.NewMemoryStore(log)
	bootstrap := NewBootstrap(store, log)
	return NewManager(store, bootstrap, log), bootstrap, store
}

func TestBootstrap_EnsureMasterKeyIdempotent(t *testing.T) {
	_, bootstrap, store := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	first, err := bootstrap.EnsureMasterKey(ctx, owner, false)
	require.NoError(t, err, "First call should provision a key")

	second, err := bootstrap.EnsureMasterKey(ctx, owner, false)
	require.NoError(t, err, "Second call should load the stored key")

	// Same authority: a ciphertext from the first is readable with a
	// scoped key from the second.
	ciphertext, err := first.Encrypt([]byte("v"), "email_1")
	require.NoError(t, err)
	scopedKey, err := second.CreateScopedKey([]string{"email_1"})
	require.NoError(t, err)
	_, err = scopedKey.Decrypt(ciphertext)
	assert.NoError(t, err, "Both calls must return the same authority")

	records, err := store.Lookup(ctx, owner, MasterKeyLabel)
	require.NoError(t, err)
	record := records.First(interfaces.KindMasterKey)
	require.NotNil(t, record, "Master key record should exist at the zero label")
	assert.Equal(t, interfaces.FlagPrivate, record.Flags, "Master key must be private")
}

func TestBootstrap_ForceReplacesKey(t *testing.T) {
	_, bootstrap, _ := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	first, err := bootstrap.EnsureMasterKey(ctx, owner, false)
	require.NoError(t, err)
	ciphertext, err := first.Encrypt([]byte("v"), "email_1")
	require.NoError(t, err)

	replaced, err := bootstrap.EnsureMasterKey(ctx, owner, true)
	require.NoError(t, err, "Forced call should provision a fresh key")

	scopedKey, err := replaced.CreateScopedKey([]string{"email_1"})
	require.NoError(t, err)
	_, err = scopedKey.Decrypt(ciphertext)
	assert.Error(t, err, "Fresh authority must not decrypt old ciphertexts")
}

func TestBootstrap_PreservesUnrelatedZeroLabelRecords(t *testing.T) {
	_, bootstrap, store := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	unrelated := interfaces.Record{Kind: interfaces.KindRotationMap, Data: []byte("x"), Flags: interfaces.FlagPrivate}
	require.NoError(t, store.Store(ctx, owner, MasterKeyLabel, interfaces.RecordSet{unrelated}))

	_, err = bootstrap.EnsureMasterKey(ctx, owner, false)
	require.NoError(t, err)

	records, err := store.Lookup(ctx, owner, MasterKeyLabel)
	require.NoError(t, err)
	assert.NotNil(t, records.First(interfaces.KindRotationMap), "Unrelated zero-label records must survive")
	assert.NotNil(t, records.First(interfaces.KindMasterKey))
}

func TestManager_StoreAssignsIDAndVersion(t *testing.T) {
	manager, _, store := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	claim := interfaces.Claim{Name: "email", Type: interfaces.ClaimTypeString, Value: []byte("alice@example.com")}
	stored, err := manager.Store(ctx, owner, claim, 0)
	require.NoError(t, err, "Store should succeed")
	assert.NotZero(t, stored.ID, "A fresh claim should get a random id")
	assert.Equal(t, uint32(1), stored.Version, "A fresh claim starts at version 1")

	records, err := store.Lookup(ctx, owner, stored.Label())
	require.NoError(t, err, "The claim record should live at the id label")
	record := records.First(interfaces.KindAttribute)
	require.NotNil(t, record)
	assert.NotContains(t, string(record.Data), "alice@example.com", "Claim value must not be stored in the clear")
}

func TestManager_StoreReusesIDByName(t *testing.T) {
	manager, _, _ := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	first, err := manager.Store(ctx, owner, interfaces.Claim{Name: "email", Type: interfaces.ClaimTypeString, Value: []byte("old@example.com")}, 0)
	require.NoError(t, err)

	second, err := manager.Store(ctx, owner, interfaces.Claim{Name: "email", Type: interfaces.ClaimTypeString, Value: []byte("new@example.com")}, 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "Storing by name should reuse the existing id")
	assert.Equal(t, first.Version, second.Version, "Storing by name should keep the version")

	claims, err := manager.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, claims, 1, "Update should replace, not duplicate")
	assert.Equal(t, []byte("new@example.com"), claims[0].Value)
}

func TestManager_ListRoundTrip(t *testing.T) {
	manager, _, _ := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	want := map[string][]byte{
		"email": []byte("alice@example.com"),
		"phone": []byte("555-0100"),
	}
	for name, value := range want {
		_, err := manager.Store(ctx, owner, interfaces.Claim{Name: name, Type: interfaces.ClaimTypeString, Value: value}, 0)
		require.NoError(t, err)
	}

	claims, err := manager.List(ctx, owner)
	require.NoError(t, err, "List should succeed")
	require.Len(t, claims, len(want))
	for _, claim := range claims {
		assert.Equal(t, want[claim.Name], claim.Value, "Claim %s should round trip byte for byte", claim.Name)
		assert.Equal(t, interfaces.ClaimTypeString, claim.Type)
	}
}

func TestManager_ListSkipsCorruptRecords(t *testing.T) {
	manager, _, store := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	_, err = manager.Store(ctx, owner, interfaces.Claim{Name: "email", Type: interfaces.ClaimTypeString, Value: []byte("v")}, 0)
	require.NoError(t, err)

	corrupt := interfaces.Record{Kind: interfaces.KindAttribute, Data: []byte{0, 1}}
	require.NoError(t, store.Store(ctx, owner, interfaces.IDLabel(12345), interfaces.RecordSet{corrupt}))

	claims, err := manager.List(ctx, owner)
	require.NoError(t, err, "A corrupt record must not fail the listing")
	require.Len(t, claims, 1, "Only the valid claim should be returned")
	assert.Equal(t, "email", claims[0].Name)
}

func TestManager_Delete(t *testing.T) {
	manager, _, _ := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	stored, err := manager.Store(ctx, owner, interfaces.Claim{Name: "email", Type: interfaces.ClaimTypeString, Value: []byte("v")}, 0)
	require.NoError(t, err)

	require.NoError(t, manager.Delete(ctx, owner, stored.ID), "Delete should succeed")

	claims, err := manager.List(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, claims, "Deleted claim should not be listed")

	assert.NoError(t, manager.Delete(ctx, owner, stored.ID), "Deleting twice is not an error")
}

func TestManager_StoreHonorsExpiration(t *testing.T) {
	manager, _, _ := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	_, err = manager.Store(ctx, owner, interfaces.Claim{Name: "ephemeral", Type: interfaces.ClaimTypeString, Value: []byte("v")}, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	claims, err := manager.List(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, claims, "Expired claim should not be listed")
}

func TestBootstrap_RestoreMasterKeyFromShares(t *testing.T) {
	manager, bootstrap, _ := testManager(t)
	ctx := context.Background()
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	original, err := bootstrap.EnsureMasterKey(ctx, owner, false)
	require.NoError(t, err)
	_, err = manager.Store(ctx, owner, interfaces.Claim{
		Name:  "email",
		Type:  interfaces.ClaimTypeString,
		Value: []byte("alice@example.com"),
	}, 0)
	require.NoError(t, err)

	shares, err := abe.SplitMasterKey(original, 5, 3)
	require.NoError(t, err)

	// Wipe the stored key, then recover it from a share quorum.
	_, err = bootstrap.EnsureMasterKey(ctx, owner, true)
	require.NoError(t, err)

	recovered, err := abe.CombineMasterKey([][]byte{shares[4], shares[1], shares[2]})
	require.NoError(t, err)
	require.NoError(t, bootstrap.RestoreMasterKey(ctx, owner, recovered))

	claims, err := manager.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, claims, 1, "Recovered key should read pre-split ciphertexts")
	assert.Equal(t, []byte("alice@example.com"), claims[0].Value)
}
