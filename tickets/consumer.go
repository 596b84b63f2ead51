package tickets

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/idvault/ticket-service-backend/abe"
	"github.com/idvault/ticket-service-backend/attributes"
	"github.com/idvault/ticket-service-backend/cryptoutils"
	"github.com/idvault/ticket-service-backend/interfaces"
)

// DefaultConsumeTimeout bounds the attribute fan-out of a single
// consume call.
const DefaultConsumeTimeout = 3 * time.Minute

// ConsumeResult is the outcome of redeeming a ticket. Aborted is set
// when the guard timer cut the fan-out short; Claims then holds
// whatever landed before the cut, possibly nothing.
type ConsumeResult struct {
	Claims  []interfaces.Claim
	Aborted bool
}

// Consumer redeems tickets on behalf of an audience.
type Consumer struct {
	resolver interfaces.NameResolver
	index    interfaces.TicketIndex
	timeout  time.Duration
	log      *slog.Logger
}

// NewConsumer creates a ticket consumer. A non-positive timeout falls
// back to DefaultConsumeTimeout.
func NewConsumer(resolver interfaces.NameResolver, index interfaces.TicketIndex, timeout time.Duration, log *slog.Logger) *Consumer {
	if timeout <= 0 {
		timeout = DefaultConsumeTimeout
	}
	return &Consumer{
		resolver: resolver,
		index:    index,
		timeout:  timeout,
		log:      log.With("component", "ticket-consumer"),
	}
}

// Consume redeems a ticket: it resolves the wrapped key from the
// issuer's zone, unwraps it with the audience's private key, and
// fetches and decrypts every shared claim concurrently. Claims that
// fail to resolve or decrypt are skipped. The whole fan-out is bounded
// by the guard timer; when it fires, the partial result is returned
// with Aborted set.
func (c *Consumer) Consume(ctx context.Context, audience *ecdsa.PrivateKey, ticket interfaces.Ticket) (*ConsumeResult, error) {
	records, err := c.resolver.Resolve(ctx, ticket.Issuer, ticket.Label(), interfaces.KindTicketKey)
	if err != nil {
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no grant at the ticket label", interfaces.ErrTicketNotFound)
		}
		return nil, fmt.Errorf("failed to resolve ticket key: %w", err)
	}
	record := records.First(interfaces.KindTicketKey)
	if record == nil {
		return nil, interfaces.ErrTicketNotFound
	}

	payloadBytes, err := cryptoutils.DecryptBlobWith(audience, record.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap ticket key: %w", err)
	}
	// Unauthenticated unwrap: a wrong audience key yields garbage here,
	// not an error above.
	payload, err := decodeKeyPayload(payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("ticket is not wrapped for this audience: %w", err)
	}

	scopedKey := new(abe.ScopedKey)
	if err := scopedKey.UnmarshalBinary(payload.Key); err != nil {
		return nil, fmt.Errorf("ticket carries an unusable key: %w", err)
	}

	fanCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make(chan *interfaces.Claim, len(payload.Scopes))
	var wg sync.WaitGroup
	for _, scope := range payload.Scopes {
		wg.Add(1)
		go func(scope scopeEntry) {
			defer wg.Done()
			claim := c.fetchClaim(fanCtx, ticket.Issuer, scope, scopedKey)
			if claim != nil {
				results <- claim
			}
		}(scope)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	result := &ConsumeResult{}
	collect := func() {
		for {
			select {
			case claim := <-results:
				result.Claims = append(result.Claims, *claim)
			default:
				return
			}
		}
	}

	select {
	case <-done:
		collect()
	case <-fanCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("consume cancelled: %w", err)
		}
		collect()
		result.Aborted = true
		c.log.Warn("Consume fan-out aborted by guard timer",
			slog.String("ticket", ticket.String()),
			slog.Int("landed", len(result.Claims)),
			slog.Int("requested", len(payload.Scopes)))
	}

	// Aborted or not, whatever landed is recorded.
	if err := c.index.StoreTicket(ctx, ticket, result.Claims); err != nil {
		c.log.Warn("Failed to index consumed ticket", slog.String("ticket", ticket.String()), "err", err)
	}

	c.log.Debug("Consumed ticket",
		slog.String("ticket", ticket.String()),
		slog.Int("claims", len(result.Claims)))
	return result, nil
}

// fetchClaim resolves and decrypts one shared claim. Failures are
// logged and swallowed so one dead claim cannot sink the rest.
func (c *Consumer) fetchClaim(ctx context.Context, issuer interfaces.ZoneID, scope scopeEntry, scopedKey *abe.ScopedKey) *interfaces.Claim {
	records, err := c.resolver.Resolve(ctx, issuer, scope.Label, interfaces.KindAttribute)
	if err != nil {
		c.log.Warn("Failed to resolve shared claim",
			slog.String("name", scope.Name), "err", err)
		return nil
	}
	record := records.First(interfaces.KindAttribute)
	if record == nil {
		return nil
	}

	_, _, ciphertext, err := attributes.DecodeRecord(record.Data)
	if err != nil {
		c.log.Warn("Malformed shared claim record",
			slog.String("name", scope.Name), "err", err)
		return nil
	}
	plaintext, err := scopedKey.Decrypt(ciphertext)
	if err != nil {
		c.log.Warn("Scoped key does not cover shared claim",
			slog.String("name", scope.Name), "err", err)
		return nil
	}

	var claim interfaces.Claim
	if err := json.Unmarshal(plaintext, &claim); err != nil {
		c.log.Warn("Shared claim payload is malformed",
			slog.String("name", scope.Name), "err", err)
		return nil
	}
	return &claim
}
