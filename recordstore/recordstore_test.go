package recordstore

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idvault/ticket-service-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStores(t *testing.T) map[string]interfaces.RecordStore {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err, "Failed to create file store")

	return map[string]interfaces.RecordStore{
		"memory": NewMemoryStore(testLogger()),
		"file":   fileStore,
	}
}

func TestRecordStore_StoreLookup(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner, err := ethcrypto.GenerateKey()
			require.NoError(t, err)

			records := interfaces.RecordSet{
				{Kind: interfaces.KindAttribute, Data: []byte("ciphertext")},
				{Kind: interfaces.KindTicketRef, Data: []byte("refs"), Flags: interfaces.FlagPrivate},
			}
			require.NoError(t, store.Store(ctx, owner, "some-label", records), "Store should succeed")

			got, err := store.Lookup(ctx, owner, "some-label")
			require.NoError(t, err, "Lookup should succeed")
			require.Len(t, got, 2, "Both records should come back")
			assert.Equal(t, []byte("ciphertext"), got.First(interfaces.KindAttribute).Data)
			assert.Equal(t, interfaces.FlagPrivate, got.First(interfaces.KindTicketRef).Flags)

			_, err = store.Lookup(ctx, owner, "missing")
			assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "Missing label should report not found")
		})
	}
}

func TestRecordStore_EmptySetDeletes(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner, err := ethcrypto.GenerateKey()
			require.NoError(t, err)

			records := interfaces.RecordSet{{Kind: interfaces.KindAttribute, Data: []byte("v")}}
			require.NoError(t, store.Store(ctx, owner, "label", records))

			require.NoError(t, store.Store(ctx, owner, "label", nil), "Deleting via empty set should succeed")
			_, err = store.Lookup(ctx, owner, "label")
			assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "Deleted label should report not found")

			// Deleting an absent label is not an error.
			assert.NoError(t, store.Store(ctx, owner, "never-stored", interfaces.RecordSet{}))
		})
	}
}

func TestRecordStore_ReplaceIsAtomicSet(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner, err := ethcrypto.GenerateKey()
			require.NoError(t, err)

			first := interfaces.RecordSet{
				{Kind: interfaces.KindAttribute, Data: []byte("one")},
				{Kind: interfaces.KindTicketRef, Data: []byte("two")},
			}
			require.NoError(t, store.Store(ctx, owner, "label", first))

			second := interfaces.RecordSet{{Kind: interfaces.KindAttribute, Data: []byte("three")}}
			require.NoError(t, store.Store(ctx, owner, "label", second))

			got, err := store.Lookup(ctx, owner, "label")
			require.NoError(t, err)
			require.Len(t, got, 1, "Replacement should drop records absent from the new set")
			assert.Equal(t, []byte("three"), got[0].Data)
		})
	}
}

func TestRecordStore_ZonesAreIsolated(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alice, err := ethcrypto.GenerateKey()
			require.NoError(t, err)
			bob, err := ethcrypto.GenerateKey()
			require.NoError(t, err)

			records := interfaces.RecordSet{{Kind: interfaces.KindAttribute, Data: []byte("alice-data")}}
			require.NoError(t, store.Store(ctx, alice, "label", records))

			_, err = store.Lookup(ctx, bob, "label")
			assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "One zone's records must not leak into another")
		})
	}
}

func TestRecordStore_ZoneIterate(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner, err := ethcrypto.GenerateKey()
			require.NoError(t, err)

			labels := []string{"a", "b", interfaces.IDLabel(42)}
			for _, label := range labels {
				records := interfaces.RecordSet{{Kind: interfaces.KindAttribute, Data: []byte(label)}}
				require.NoError(t, store.Store(ctx, owner, label, records))
			}

			seen := make(map[string][]byte)
			err = store.ZoneIterate(ctx, owner, func(label string, records interfaces.RecordSet) error {
				seen[label] = records[0].Data
				return nil
			})
			require.NoError(t, err, "Iteration should succeed")
			require.Len(t, seen, len(labels), "Every label should be visited once")
			for _, label := range labels {
				assert.Equal(t, []byte(label), seen[label])
			}
		})
	}
}

func TestRecordStore_ExpiredRecordsFiltered(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner, err := ethcrypto.GenerateKey()
			require.NoError(t, err)

			records := interfaces.RecordSet{
				{Kind: interfaces.KindAttribute, Data: []byte("stale"), Expires: time.Nanosecond},
				{Kind: interfaces.KindTicketRef, Data: []byte("fresh"), Expires: time.Hour},
			}
			require.NoError(t, store.Store(ctx, owner, "label", records))
			time.Sleep(5 * time.Millisecond)

			got, err := store.Lookup(ctx, owner, "label")
			require.NoError(t, err)
			require.Len(t, got, 1, "Expired record should be filtered out")
			assert.Equal(t, interfaces.KindTicketRef, got[0].Kind)
			assert.Greater(t, got[0].Expires, time.Duration(0), "Remaining lifetime should be positive")

			// A fully expired set reads back as not found, and iteration
			// skips it.
			onlyStale := interfaces.RecordSet{{Kind: interfaces.KindAttribute, Data: []byte("x"), Expires: time.Nanosecond}}
			require.NoError(t, store.Store(ctx, owner, "all-stale", onlyStale))
			time.Sleep(5 * time.Millisecond)

			_, err = store.Lookup(ctx, owner, "all-stale")
			assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

			err = store.ZoneIterate(ctx, owner, func(label string, _ interfaces.RecordSet) error {
				assert.NotEqual(t, "all-stale", label, "Iteration must skip fully expired labels")
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestFactory_SchemeDispatch(t *testing.T) {
	factory := NewFactory(testLogger())

	loc, err := interfaces.NewStoreLocation("memory://")
	require.NoError(t, err)
	store, err := factory.RecordStoreFor(loc)
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Name())

	loc, err = interfaces.NewStoreLocation("file://" + t.TempDir())
	require.NoError(t, err)
	store, err = factory.RecordStoreFor(loc)
	require.NoError(t, err)
	assert.Contains(t, store.Name(), "file-")

	_, err = interfaces.NewStoreLocation("ftp://somewhere")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI, "Unknown schemes should be rejected at parse time")

	loc, err = interfaces.NewStoreLocation("vault://vault.example.com:8200/secret")
	require.NoError(t, err)
	_, err = factory.RecordStoreFor(loc)
	assert.Error(t, err, "Vault URI without a data path should be rejected")
}

func TestLocalResolver_FiltersPrivateRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testLogger())
	resolver := NewLocalResolver(store, testLogger())

	issuer, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	resolver.Register(issuer)
	zone := interfaces.ZoneIDFromPrivateKey(issuer)

	records := interfaces.RecordSet{
		{Kind: interfaces.KindTicketKey, Data: []byte("wrapped-key")},
		{Kind: interfaces.KindTicketRef, Data: []byte("refs"), Flags: interfaces.FlagPrivate},
	}
	require.NoError(t, store.Store(ctx, issuer, "ticket-label", records))

	got, err := resolver.Resolve(ctx, zone, "ticket-label", interfaces.KindTicketKey)
	require.NoError(t, err, "Public record should resolve")
	require.Len(t, got, 1)
	assert.Equal(t, []byte("wrapped-key"), got[0].Data)

	_, err = resolver.Resolve(ctx, zone, "ticket-label", interfaces.KindTicketRef)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "Private records must not resolve across zones")

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, interfaces.ZoneIDFromPrivateKey(other), "ticket-label", interfaces.KindTicketKey)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "Unregistered zones should report not found")
}

func TestDNSNameEncoding_RoundTrip(t *testing.T) {
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	zone := interfaces.ZoneIDFromPrivateKey(owner)

	name := dnsZoneName(zone)
	assert.LessOrEqual(t, len(name), 63, "it must fit in a single DNS label")
	assert.Equal(t, name, dnsZoneName(zone), "Encoding should be deterministic")

	label := interfaces.IDLabel(7)
	encoded := dnsLabelName(label)
	raw, err := dnsNameEncoding.DecodeString(strings.ToUpper(encoded))
	require.NoError(t, err)
	assert.Equal(t, label, string(raw))
}

func TestDNSResolver_ResolvesPublishedZone(t *testing.T) {
	log := testLogger()
	store := NewMemoryStore(log)
	owner, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	zone := interfaces.ZoneIDFromPrivateKey(owner)

	big := make([]byte, 600)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, store.Store(context.Background(), owner, "grant", interfaces.RecordSet{
		{Kind: interfaces.KindTicketKey, Data: []byte("wrapped-key-bytes")},
		{Kind: interfaces.KindAttribute, Data: []byte("secret"), Flags: interfaces.FlagPrivate},
	}))
	require.NoError(t, store.Store(context.Background(), owner, "bulky", interfaces.RecordSet{
		{Kind: interfaces.KindTicketKey, Data: big},
	}))

	publisher := NewZonePublisher(store, "zones.test.", log)
	publisher.Register(owner)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- publisher.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	resolver := NewDNSResolver(conn.LocalAddr().String(), "zones.test.", log)

	got, err := resolver.Resolve(context.Background(), zone, "grant", interfaces.KindTicketKey)
	require.NoError(t, err, "Published public record should resolve over the wire")
	require.Len(t, got, 1)
	assert.Equal(t, []byte("wrapped-key-bytes"), got[0].Data)

	// Private records never cross the wire, even when asked for by kind.
	_, err = resolver.Resolve(context.Background(), zone, "grant", interfaces.KindAttribute)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	// Payloads above the TXT string limit come back from joined chunks.
	got, err = resolver.Resolve(context.Background(), zone, "bulky", interfaces.KindTicketKey)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, big, got[0].Data)

	_, err = resolver.Resolve(context.Background(), zone, "missing", interfaces.KindTicketKey)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "Unknown label should map NXDOMAIN to not-found")

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), interfaces.ZoneIDFromPrivateKey(other), "grant", interfaces.KindTicketKey)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "Unregistered zone should map NXDOMAIN to not-found")
}
