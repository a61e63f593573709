// Package resolver performs upstream DNS resolution on behalf of the
// local DNS server and the AssignedIpsEvent control-packet path,
// caching answers for CacheTTL and coalescing concurrent lookups of the
// same name into a single upstream round trip.
package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// CacheTTL is how long a resolved answer is served from cache before a
// fresh upstream lookup is required.
const CacheTTL = 30 * time.Second

// QueryTimeout bounds a single upstream round trip, independent of the
// ctx deadline a caller supplies — shorter than the transport handshake
// timeout so the control plane never blocks on DNS.
const QueryTimeout = 5 * time.Second

type entry struct {
	ips     []netip.Addr
	expires time.Time
}

// call tracks one in-flight resolution so concurrent Resolve callers for
// the same name share its result instead of issuing duplicate queries.
type call struct {
	wg  sync.WaitGroup
	ips []netip.Addr
	err error
}

// Resolver resolves A/AAAA records against a configurable upstream
// nameserver list.
type Resolver struct {
	client *dns.Client

	mu          sync.Mutex
	nameservers []string
	cache       map[string]entry
	inflight    map[string]*call
}

// New creates a Resolver querying nameservers (each a "host:port" string)
// in order, trying the next on timeout or error.
func New(nameservers []string) *Resolver {
	return &Resolver{
		client:      &dns.Client{Timeout: QueryTimeout},
		nameservers: append([]string(nil), nameservers...),
		cache:       make(map[string]entry),
		inflight:    make(map[string]*call),
	}
}

// SetNameservers atomically replaces the upstream list. Driven by the
// I/O driver's periodic nameserver re-evaluation tick.
func (r *Resolver) SetNameservers(servers []string) {
	r.mu.Lock()
	r.nameservers = append([]string(nil), servers...)
	r.mu.Unlock()
}

func (r *Resolver) servers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nameservers
}

// Resolve returns domain's A and AAAA addresses, serving a fresh cache
// entry if one exists and coalescing concurrent lookups of the same
// name into one upstream round trip.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]netip.Addr, error) {
	key := dns.Fqdn(domain)

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expires) {
		ips := e.ips
		r.mu.Unlock()
		return ips, nil
	}
	if c, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		c.wg.Wait()
		return c.ips, c.err
	}
	c := &call{}
	c.wg.Add(1)
	r.inflight[key] = c
	r.mu.Unlock()

	ips, err := r.resolveUncached(ctx, key)
	c.ips, c.err = ips, err
	c.wg.Done()

	r.mu.Lock()
	delete(r.inflight, key)
	if err == nil {
		r.cache[key] = entry{ips: ips, expires: time.Now().Add(CacheTTL)}
	}
	r.mu.Unlock()

	return ips, err
}

func (r *Resolver) resolveUncached(ctx context.Context, fqdn string) ([]netip.Addr, error) {
	servers := r.servers()
	if len(servers) == 0 {
		return nil, fmt.Errorf("resolver: no nameservers configured")
	}

	var ips []netip.Addr
	for _, qtype := range [...]uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)

		for _, ns := range servers {
			resp, _, err := r.client.ExchangeContext(ctx, msg, ns)
			if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
				continue
			}
			ips = append(ips, answersToAddrs(resp.Answer)...)
			break
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no records found for %s", fqdn)
	}
	return ips, nil
}

func answersToAddrs(rrs []dns.RR) []netip.Addr {
	var ips []netip.Addr
	for _, rr := range rrs {
		switch rec := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				ips = append(ips, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				ips = append(ips, a)
			}
		}
	}
	return ips
}
