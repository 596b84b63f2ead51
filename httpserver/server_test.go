package httpserver

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idvault/ticket-service-backend/attributes"
	"github.com/idvault/ticket-service-backend/identities"
	"github.com/idvault/ticket-service-backend/recordstore"
	"github.com/idvault/ticket-service-backend/ticketindex"
	"github.com/idvault/ticket-service-backend/tickets"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	for _, name := range []string{"alice", "bob"} {
		key, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		raw := hex.EncodeToString(ethcrypto.FromECDSA(key))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(raw+"\n"), 0o600))
	}

	ids, err := identities.NewManager(dir, testLog)
	require.NoError(t, err)

	store := recordstore.NewMemoryStore(testLog)
	resolver := recordstore.NewLocalResolver(store, testLog)
	for _, id := range ids.List() {
		resolver.Register(id.Key)
	}
	index := ticketindex.NewMemoryIndex()

	bootstrap := attributes.NewBootstrap(store, testLog)
	attrs := attributes.NewManager(store, bootstrap, testLog)
	issuer := tickets.NewIssuer(store, bootstrap, index, tickets.DefaultTicketExpiration, testLog)
	consumer := tickets.NewConsumer(resolver, index, tickets.DefaultConsumeTimeout, testLog)
	revoker := tickets.NewRevoker(store, attrs, bootstrap, index, testLog)

	handler := NewHandler(ids, attrs, issuer, consumer, revoker, index, testLog)
	srv, err := New(&HTTPServerConfig{
		ListenAddr:   "127.0.0.1:0",
		Log:          testLog,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, handler)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/drain")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/undrain")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListIdentities(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/identities")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ids []identityInfo
	decodeJSON(t, resp, &ids)
	require.Len(t, ids, 2)
	names := []string{ids[0].Name, ids[1].Name}
	assert.Contains(t, names, "alice")
	assert.Contains(t, names, "bob")
	assert.Len(t, ids[0].Zone, 66, "zone should be hex encoded")
}

func TestUnknownIdentity(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/mallory/attributes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAttributeLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/alice/attributes", attributeWire{
		Name:  "email",
		Type:  "string",
		Value: []byte("alice@example.com"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored attributeWire
	decodeJSON(t, resp, &stored)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, uint32(1), stored.Version)

	resp, err := http.Get(ts.URL + "/api/alice/attributes")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []attributeWire
	decodeJSON(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "email", listed[0].Name)
	assert.Equal(t, []byte("alice@example.com"), listed[0].Value)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/alice/attributes/"+stored.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/alice/attributes")
	require.NoError(t, err)
	listed = nil
	decodeJSON(t, resp, &listed)
	assert.Empty(t, listed)
}

func TestStoreAttributeRejectsBadType(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/alice/attributes", attributeWire{
		Name:  "email",
		Type:  "blob",
		Value: []byte("x"),
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTicketLifecycleOverAPI(t *testing.T) {
	ts := newTestServer(t)

	// Alice stores a claim.
	resp := postJSON(t, ts.URL+"/api/alice/attributes", attributeWire{
		Name:  "phone",
		Type:  "string",
		Value: []byte("+1 555 0100"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claim attributeWire
	decodeJSON(t, resp, &claim)

	// Bob's zone is the audience.
	resp2, err := http.Get(ts.URL + "/api/identities")
	require.NoError(t, err)
	var ids []identityInfo
	decodeJSON(t, resp2, &ids)
	var bobZone string
	for _, id := range ids {
		if id.Name == "bob" {
			bobZone = id.Zone
		}
	}
	require.NotEmpty(t, bobZone)

	// Alice issues a ticket for bob.
	resp = postJSON(t, ts.URL+"/api/alice/tickets", issueRequest{
		Audience: bobZone,
		ClaimIDs: []string{claim.ID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ticket ticketWire
	decodeJSON(t, resp, &ticket)
	assert.NotEmpty(t, ticket.Rnd)

	// The ticket shows up in alice's issued list.
	resp2, err = http.Get(ts.URL + "/api/alice/tickets")
	require.NoError(t, err)
	var issued []ticketWire
	decodeJSON(t, resp2, &issued)
	require.Len(t, issued, 1)
	assert.Equal(t, ticket.Rnd, issued[0].Rnd)

	// Bob consumes the ticket and reads the claim.
	resp = postJSON(t, ts.URL+"/api/bob/tickets/consume", consumeRequest{Ticket: ticket})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var consumed consumeResponse
	decodeJSON(t, resp, &consumed)
	assert.False(t, consumed.Aborted)
	require.Len(t, consumed.Claims, 1)
	assert.Equal(t, "phone", consumed.Claims[0].Name)
	assert.Equal(t, []byte("+1 555 0100"), consumed.Claims[0].Value)

	// After the ticket is consumed, bob's received list has it.
	resp2, err = http.Get(ts.URL + "/api/bob/tickets?role=audience")
	require.NoError(t, err)
	var received []ticketWire
	decodeJSON(t, resp2, &received)
	require.Len(t, received, 1)

	// Alice revokes; bob's next consume fails.
	resp = postJSON(t, ts.URL+"/api/alice/tickets/revoke", consumeRequest{Ticket: ticket})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/bob/tickets/consume", consumeRequest{Ticket: ticket})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConsumeUnknownTicket(t *testing.T) {
	ts := newTestServer(t)

	resp2, err := http.Get(ts.URL + "/api/identities")
	require.NoError(t, err)
	var ids []identityInfo
	decodeJSON(t, resp2, &ids)

	resp := postJSON(t, ts.URL+"/api/bob/tickets/consume", consumeRequest{Ticket: ticketWire{
		Issuer:   ids[0].Zone,
		Audience: ids[1].Zone,
		Rnd:      "12345",
	}})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIssueRejectsMalformedAudience(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/alice/tickets", issueRequest{
		Audience: "not-hex",
		ClaimIDs: []string{"1"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
