package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startFakeUpstream runs a minimal miekg/dns server on loopback UDP that
// always answers with a single fixed A record, and counts how many
// queries it actually received (to assert caching/coalescing behavior).
func startFakeUpstream(t *testing.T, answer string) (addr string, queries *int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	var count int32
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		atomic.AddInt32(&count, 1)
		msg := new(dns.Msg)
		msg.SetReply(r)
		if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeA {
			rr, err := dns.NewRR(r.Question[0].Name + " 60 IN A " + answer)
			if err == nil {
				msg.Answer = append(msg.Answer, rr)
			}
		}
		_ = w.WriteMsg(msg)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String(), &count
}

func TestResolveReturnsUpstreamAddress(t *testing.T) {
	addr, _ := startFakeUpstream(t, "93.184.216.34")
	r := New([]string{addr})

	ips, err := r.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	found := false
	for _, ip := range ips {
		if ip.String() == "93.184.216.34" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 93.184.216.34 among %v", ips)
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	addr, queries := startFakeUpstream(t, "93.184.216.34")
	r := New([]string{addr})

	if _, err := r.Resolve(context.Background(), "example.com"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "example.com"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	// One query per question type (A, AAAA) on the first call; the second
	// call must be served entirely from cache.
	if got := atomic.LoadInt32(queries); got != 2 {
		t.Fatalf("expected exactly 2 upstream queries (cache hit on repeat), got %d", got)
	}
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	addr, queries := startFakeUpstream(t, "93.184.216.34")
	r := New([]string{addr})

	const n = 8
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := r.Resolve(context.Background(), "example.com")
			done <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Resolve: %v", err)
		}
	}

	if got := atomic.LoadInt32(queries); got != 2 {
		t.Fatalf("expected concurrent callers to coalesce into 2 upstream queries, got %d", got)
	}
}

func TestResolveNoNameserversFails(t *testing.T) {
	r := New(nil)
	if _, err := r.Resolve(context.Background(), "example.com"); err == nil {
		t.Fatalf("expected an error with no nameservers configured")
	}
}

func TestSetNameserversSwapsUpstream(t *testing.T) {
	badAddr := "127.0.0.1:1" // nothing listens here
	goodAddr, _ := startFakeUpstream(t, "203.0.113.5")

	r := New([]string{badAddr})
	r.client.Timeout = 200 * time.Millisecond

	r.SetNameservers([]string{goodAddr})
	ips, err := r.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Resolve after SetNameservers: %v", err)
	}
	if len(ips) == 0 {
		t.Fatalf("expected at least one address after swapping to a working nameserver")
	}
}
