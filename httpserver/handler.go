package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/idvault/ticket-service-backend/attributes"
	"github.com/idvault/ticket-service-backend/identities"
	"github.com/idvault/ticket-service-backend/interfaces"
	"github.com/idvault/ticket-service-backend/tickets"
)

// Handler exposes the attribute and ticket operations as a JSON API.
// Every route is scoped to a local identity named in the URL; the
// identity's key stays inside the daemon.
type Handler struct {
	ids      *identities.Manager
	attrs    *attributes.Manager
	issuer   *tickets.Issuer
	consumer *tickets.Consumer
	revoker  *tickets.Revoker
	index    interfaces.TicketIndex
	log      *slog.Logger
}

// NewHandler creates an API handler.
func NewHandler(ids *identities.Manager, attrs *attributes.Manager, issuer *tickets.Issuer, consumer *tickets.Consumer, revoker *tickets.Revoker, index interfaces.TicketIndex, log *slog.Logger) *Handler {
	return &Handler{
		ids:      ids,
		attrs:    attrs,
		issuer:   issuer,
		consumer: consumer,
		revoker:  revoker,
		index:    index,
		log:      log.With("component", "api-handler"),
	}
}

// Wire types. Claim ids and ticket rnds are 64-bit and travel as
// decimal strings to survive JSON number precision.

type identityInfo struct {
	Name string `json:"name"`
	Zone string `json:"zone"`
}

type attributeWire struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version uint32 `json:"version,omitempty"`
	Value   []byte `json:"value"`

	// ExpiresSeconds bounds the stored record's lifetime; zero means no
	// expiration.
	ExpiresSeconds int64 `json:"expires_seconds,omitempty"`
}

type ticketWire struct {
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
	Rnd      string `json:"rnd"`
}

type issueRequest struct {
	Audience string   `json:"audience"`
	ClaimIDs []string `json:"claim_ids"`
}

type consumeRequest struct {
	Ticket ticketWire `json:"ticket"`
}

type consumeResponse struct {
	Claims  []attributeWire `json:"claims"`
	Aborted bool            `json:"aborted"`
}

func ticketToWire(ticket interfaces.Ticket) ticketWire {
	return ticketWire{
		Issuer:   ticket.Issuer.String(),
		Audience: ticket.Audience.String(),
		Rnd:      strconv.FormatUint(ticket.Rnd, 10),
	}
}

func ticketFromWire(wire ticketWire) (interfaces.Ticket, error) {
	issuer, err := interfaces.NewZoneIDFromHex(wire.Issuer)
	if err != nil {
		return interfaces.Ticket{}, err
	}
	audience, err := interfaces.NewZoneIDFromHex(wire.Audience)
	if err != nil {
		return interfaces.Ticket{}, err
	}
	rnd, err := strconv.ParseUint(wire.Rnd, 10, 64)
	if err != nil {
		return interfaces.Ticket{}, err
	}
	return interfaces.Ticket{Issuer: issuer, Audience: audience, Rnd: rnd}, nil
}

func claimToWire(claim interfaces.Claim) attributeWire {
	return attributeWire{
		ID:      strconv.FormatUint(claim.ID, 10),
		Name:    claim.Name,
		Type:    claim.Type.String(),
		Version: claim.Version,
		Value:   claim.Value,
	}
}

// HandleListIdentities returns the daemon's loaded identities.
func (h *Handler) HandleListIdentities(w http.ResponseWriter, r *http.Request) {
	ids := h.ids.List()
	out := make([]identityInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, identityInfo{Name: id.Name, Zone: id.Zone.String()})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleListAttributes returns the identity's decrypted claims.
func (h *Handler) HandleListAttributes(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityFor(w, r)
	if !ok {
		return
	}

	claims, err := h.attrs.List(r.Context(), identity.Key)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	out := make([]attributeWire, 0, len(claims))
	for _, claim := range claims {
		out = append(out, claimToWire(claim))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleStoreAttribute stores or updates a claim.
func (h *Handler) HandleStoreAttribute(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityFor(w, r)
	if !ok {
		return
	}

	var req attributeWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	claimType, err := interfaces.ClaimTypeFromString(req.Type)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	claim := interfaces.Claim{Name: req.Name, Type: claimType, Value: req.Value}
	if req.ID != "" {
		claim.ID, err = strconv.ParseUint(req.ID, 10, 64)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}

	stored, err := h.attrs.Store(r.Context(), identity.Key, claim, time.Duration(req.ExpiresSeconds)*time.Second)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, claimToWire(stored))
}

// HandleDeleteAttribute deletes the claim named by id.
func (h *Handler) HandleDeleteAttribute(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityFor(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.attrs.Delete(r.Context(), identity.Key, id); err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleIssueTicket grants an audience access to a set of claims.
func (h *Handler) HandleIssueTicket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityFor(w, r)
	if !ok {
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	audience, err := interfaces.NewZoneIDFromHex(req.Audience)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	claimIDs := make([]uint64, 0, len(req.ClaimIDs))
	for _, raw := range req.ClaimIDs {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		claimIDs = append(claimIDs, id)
	}

	ticket, err := h.issuer.Issue(r.Context(), identity.Key, audience, claimIDs)
	if err != nil {
		h.writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ticketToWire(ticket))
}

// HandleListTickets enumerates tickets from the local index. The
// "role" query parameter selects issued (default) or received
// tickets.
func (h *Handler) HandleListTickets(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityFor(w, r)
	if !ok {
		return
	}
	asAudience := r.URL.Query().Get("role") == "audience"

	var out []ticketWire
	err := h.index.IterateTickets(r.Context(), identity.Zone, asAudience, 0, func(ticket interfaces.Ticket) error {
		out = append(out, ticketToWire(ticket))
		return nil
	})
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if out == nil {
		out = []ticketWire{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleConsumeTicket redeems a ticket as the named identity.
func (h *Handler) HandleConsumeTicket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityFor(w, r)
	if !ok {
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ticket, err := ticketFromWire(req.Ticket)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := h.consumer.Consume(r.Context(), identity.Key, ticket)
	if errors.Is(err, interfaces.ErrTicketNotFound) {
		h.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	resp := consumeResponse{Aborted: result.Aborted, Claims: make([]attributeWire, 0, len(result.Claims))}
	for _, claim := range result.Claims {
		resp.Claims = append(resp.Claims, claimToWire(claim))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleRevokeTicket retracts a ticket issued by the named identity.
func (h *Handler) HandleRevokeTicket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityFor(w, r)
	if !ok {
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	ticket, err := ticketFromWire(req.Ticket)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if err := h.revoker.Revoke(r.Context(), identity.Key, ticket); err != nil {
		h.writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) identityFor(w http.ResponseWriter, r *http.Request) (identities.Identity, bool) {
	name := chi.URLParam(r, "identity")
	identity, ok := h.ids.Get(name)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, errors.New("unknown identity: "+name))
		return identities.Identity{}, false
	}
	return identity, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	requestID := uuid.Must(uuid.NewRandom()).String()
	h.log.Warn("Request failed",
		slog.String("request_id", requestID),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		"err", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "request_id": requestID})
}
