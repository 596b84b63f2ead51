package recordstore

import (
	"context"
	"crypto/ecdsa"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/idvault/ticket-service-backend/interfaces"
	"github.com/miekg/dns"
)

// Zone record sets travel over DNS as TXT records at
// <label>.<zone>.<suffix>, base64-encoded and chunked to the TXT
// string limit. Zone IDs and labels are base32-encoded to fit DNS
// name syntax.

const txtChunkSize = 255

var dnsNameEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// dnsZoneName encodes a zone ID as a single DNS label.
func dnsZoneName(zone interfaces.ZoneID) string {
	return strings.ToLower(dnsNameEncoding.EncodeToString(zone[:]))
}

// dnsLabelName encodes a record label as a single DNS label.
func dnsLabelName(label string) string {
	return strings.ToLower(dnsNameEncoding.EncodeToString([]byte(label)))
}

// DNSResolver resolves records from remote zones published over DNS.
// It is how a relying party reads an issuer's zone without sharing a
// record store with it.
type DNSResolver struct {
	server string
	suffix string
	client *dns.Client
	log    *slog.Logger
}

// NewDNSResolver creates a resolver querying the given DNS server for
// names under suffix (e.g. "zones.example.org.").
func NewDNSResolver(server, suffix string, log *slog.Logger) *DNSResolver {
	return &DNSResolver{
		server: server,
		suffix: dns.Fqdn(suffix),
		client: &dns.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Resolve looks up records of the given kind under label in zone via a
// TXT query. Private records are filtered by the publishing side and
// again here.
func (r *DNSResolver) Resolve(ctx context.Context, zone interfaces.ZoneID, label string, kind interfaces.RecordKind) (interfaces.RecordSet, error) {
	name := fmt.Sprintf("%s.%s.%s", dnsLabelName(label), dnsZoneName(zone), r.suffix)

	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: name, Qtype: dns.TypeTXT, Qclass: dns.ClassINET}}

	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("%w: DNS query failed: %v", interfaces.ErrStoreUnavailable, err)
	}
	if in.Rcode == dns.RcodeNameError {
		return nil, interfaces.ErrRecordNotFound
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: DNS query returned %s", interfaces.ErrStoreUnavailable, dns.RcodeToString[in.Rcode])
	}

	var encoded strings.Builder
	for _, answer := range in.Answer {
		if txt, ok := answer.(*dns.TXT); ok {
			encoded.WriteString(strings.Join(txt.Txt, ""))
		}
	}
	if encoded.Len() == 0 {
		return nil, interfaces.ErrRecordNotFound
	}

	data, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("invalid record encoding in TXT answer: %w", err)
	}

	records, err := decodeRecordSet(data, time.Now())
	if err != nil {
		return nil, err
	}

	var out interfaces.RecordSet
	for _, record := range records {
		if record.Flags&interfaces.FlagPrivate != 0 {
			continue
		}
		if record.Kind != kind {
			continue
		}
		out = append(out, record)
	}
	if len(out) == 0 {
		return nil, interfaces.ErrRecordNotFound
	}
	return out, nil
}

// ZonePublisher serves a record store's public records over DNS so
// DNSResolver instances in other processes can read them. Private
// records are never answered.
type ZonePublisher struct {
	mu     sync.RWMutex
	store  interfaces.RecordStore
	keys   map[string]*ecdsa.PrivateKey
	suffix string
	log    *slog.Logger
}

// NewZonePublisher creates a publisher answering TXT queries under
// suffix for registered zones.
func NewZonePublisher(store interfaces.RecordStore, suffix string, log *slog.Logger) *ZonePublisher {
	return &ZonePublisher{
		store:  store,
		keys:   make(map[string]*ecdsa.PrivateKey),
		suffix: dns.Fqdn(suffix),
		log:    log,
	}
}

// Register makes a zone's public records answerable.
func (p *ZonePublisher) Register(owner *ecdsa.PrivateKey) {
	zone := interfaces.ZoneIDFromPrivateKey(owner)
	p.mu.Lock()
	p.keys[dnsZoneName(zone)] = owner
	p.mu.Unlock()
}

// ListenAndServe runs a DNS server on addr until ctx is cancelled.
func (p *ZonePublisher) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return p.Serve(ctx, conn)
}

// Serve answers queries on an existing UDP socket until ctx is
// cancelled.
func (p *ZonePublisher) Serve(ctx context.Context, conn net.PacketConn) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(p.suffix, p.handleQuery)

	server := &dns.Server{PacketConn: conn, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ActivateAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.ShutdownContext(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (p *ZonePublisher) handleQuery(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)

	for _, question := range req.Question {
		if question.Qtype != dns.TypeTXT {
			continue
		}
		answer, found := p.answerFor(question.Name)
		if !found {
			resp.Rcode = dns.RcodeNameError
			continue
		}
		resp.Answer = append(resp.Answer, answer)
	}

	if err := w.WriteMsg(resp); err != nil {
		p.log.Warn("Failed to write DNS response", "err", err)
	}
}

// answerFor resolves <label>.<zone>.<suffix> against the record store,
// keeping only public records.
func (p *ZonePublisher) answerFor(name string) (dns.RR, bool) {
	rest, ok := cutSuffixFold(name, "."+p.suffix)
	if !ok {
		rest, ok = cutSuffixFold(name, "."+strings.TrimSuffix(p.suffix, "."))
		if !ok {
			return nil, false
		}
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 2 {
		return nil, false
	}

	p.mu.RLock()
	owner, ok := p.keys[strings.ToLower(parts[1])]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}

	labelRaw, err := dnsNameEncoding.DecodeString(strings.ToUpper(parts[0]))
	if err != nil {
		return nil, false
	}

	records, err := p.store.Lookup(context.Background(), owner, string(labelRaw))
	if err != nil {
		return nil, false
	}

	var public interfaces.RecordSet
	for _, record := range records {
		if record.Flags&interfaces.FlagPrivate == 0 {
			public = append(public, record)
		}
	}
	if len(public) == 0 {
		return nil, false
	}

	data, err := encodeRecordSet(public, time.Now())
	if err != nil {
		p.log.Error("Failed to encode record set for DNS answer", "err", err)
		return nil, false
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	var chunks []string
	for len(encoded) > txtChunkSize {
		chunks = append(chunks, encoded[:txtChunkSize])
		encoded = encoded[txtChunkSize:]
	}
	chunks = append(chunks, encoded)

	return &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
		Txt: chunks,
	}, true
}

func cutSuffixFold(s, suffix string) (string, bool) {
	if len(s) < len(suffix) || !strings.EqualFold(s[len(s)-len(suffix):], suffix) {
		return s, false
	}
	return s[:len(s)-len(suffix)], true
}
