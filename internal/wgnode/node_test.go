package wgnode

import (
	"net/netip"
	"testing"
	"time"

	"github.com/edgestitch/gateway/internal/core"
)

func instantAt(sec int64) core.Instant {
	return core.Instant(time.Unix(sec, 0))
}

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	n := New()
	client, _ := core.NewClientId("11111111-1111-1111-1111-111111111111")
	remote := netip.MustParseAddrPort("203.0.113.5:51820")
	secret := []byte("a shared preshared secret, 32+ bytes long!!")

	if err := n.UpsertConnection(client, remote, secret, core.Instant{}); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	payload := []byte("hello gateway")
	tx, err := n.Encapsulate(client, payload)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if tx.Dst != remote {
		t.Fatalf("expected transmit dst %v, got %v", remote, tx.Dst)
	}

	gotClient, gotPlain, err := n.Decapsulate(netip.AddrPort{}, remote, tx.Payload, core.Instant{})
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if gotClient != client {
		t.Fatalf("expected decapsulated client %v, got %v", client, gotClient)
	}
	if string(gotPlain) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, gotPlain)
	}
}

func TestDecapsulateUnknownClientFails(t *testing.T) {
	n := New()
	raw := make([]byte, sessionHeaderLen+nonceLen+16)
	_, _, err := n.Decapsulate(netip.AddrPort{}, netip.AddrPort{}, raw, core.Instant{})
	if err != ErrUnknownClient {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
}

func TestDecapsulateShortCiphertextFails(t *testing.T) {
	n := New()
	_, _, err := n.Decapsulate(netip.AddrPort{}, netip.AddrPort{}, []byte{1, 2, 3}, core.Instant{})
	if err != ErrShortCiphertext {
		t.Fatalf("expected ErrShortCiphertext, got %v", err)
	}
}

func TestDecapsulateTamperedCiphertextFailsAuth(t *testing.T) {
	n := New()
	client, _ := core.NewClientId("11111111-1111-1111-1111-111111111111")
	remote := netip.MustParseAddrPort("203.0.113.5:51820")
	secret := []byte("a shared preshared secret, 32+ bytes long!!")
	if err := n.UpsertConnection(client, remote, secret, core.Instant{}); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	tx, err := n.Encapsulate(client, []byte("hello"))
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	tx.Payload[len(tx.Payload)-1] ^= 0xFF

	_, _, err = n.Decapsulate(netip.AddrPort{}, remote, tx.Payload, core.Instant{})
	if err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRemoveConnectionDropsSession(t *testing.T) {
	n := New()
	client, _ := core.NewClientId("11111111-1111-1111-1111-111111111111")
	secret := []byte("a shared preshared secret, 32+ bytes long!!")
	_ = n.UpsertConnection(client, netip.MustParseAddrPort("203.0.113.5:51820"), secret, core.Instant{})

	if !n.HasConnection(client) {
		t.Fatalf("expected connection to exist after upsert")
	}
	n.RemoveConnection(client)
	if n.HasConnection(client) {
		t.Fatalf("expected connection to be gone after RemoveConnection")
	}
}

func TestEventAndTransmitQueuesAreFIFO(t *testing.T) {
	n := New()
	client, _ := core.NewClientId("11111111-1111-1111-1111-111111111111")

	n.QueueEvent(ConnectionEvent{Client: client, Closed: true})
	n.QueueEvent(ConnectionEvent{Client: client, Closed: false})

	ev1, ok := n.PollEvent()
	if !ok || !ev1.Closed {
		t.Fatalf("expected first event Closed=true")
	}
	ev2, ok := n.PollEvent()
	if !ok || ev2.Closed {
		t.Fatalf("expected second event Closed=false")
	}
	if _, ok := n.PollEvent(); ok {
		t.Fatalf("expected event queue to be drained")
	}

	n.QueueTransmit(Transmit{Payload: []byte("a")})
	n.QueueTransmit(Transmit{Payload: []byte("b")})
	t1, ok := n.PollTransmit()
	if !ok || string(t1.Payload) != "a" {
		t.Fatalf("expected first transmit payload 'a'")
	}
}

func TestExpireIdleQueuesConnectionFailedForStaleSessions(t *testing.T) {
	n := New()
	client, _ := core.NewClientId("11111111-1111-1111-1111-111111111111")
	remote := netip.MustParseAddrPort("203.0.113.5:51820")
	secret := []byte("a shared preshared secret, 32+ bytes long!!")
	now := instantAt(0)

	if err := n.UpsertConnection(client, remote, secret, now); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	n.ExpireIdle(now.Add(sessionIdleTimeout - time.Second))
	if !n.HasConnection(client) {
		t.Fatalf("expected session to survive before sessionIdleTimeout elapses")
	}
	if _, ok := n.PollEvent(); ok {
		t.Fatalf("expected no event before the session goes idle")
	}

	n.ExpireIdle(now.Add(sessionIdleTimeout + time.Second))
	if n.HasConnection(client) {
		t.Fatalf("expected session to be removed once idle past sessionIdleTimeout")
	}
	ev, ok := n.PollEvent()
	if !ok {
		t.Fatalf("expected a ConnectionFailed event once the session goes idle")
	}
	if ev.Client != client || ev.Closed {
		t.Fatalf("expected ConnectionFailed for %v, got %+v", client, ev)
	}
}

func TestExpireIdleRefreshedByDecapsulate(t *testing.T) {
	n := New()
	client, _ := core.NewClientId("11111111-1111-1111-1111-111111111111")
	remote := netip.MustParseAddrPort("203.0.113.5:51820")
	secret := []byte("a shared preshared secret, 32+ bytes long!!")
	now := instantAt(0)

	if err := n.UpsertConnection(client, remote, secret, now); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	tx, err := n.Encapsulate(client, []byte("hello"))
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	justBeforeIdle := now.Add(sessionIdleTimeout - time.Second)
	if _, _, err := n.Decapsulate(netip.AddrPort{}, remote, tx.Payload, justBeforeIdle); err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}

	n.ExpireIdle(justBeforeIdle.Add(sessionIdleTimeout - time.Second))
	if !n.HasConnection(client) {
		t.Fatalf("expected recent Decapsulate to have refreshed liveness")
	}
}
