package gatewaystate

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/resource"
)

func instantAt(sec int64) core.Instant { return core.Instant(time.Unix(sec, 0)) }
func utcAt(sec int64) core.Timestamp   { return core.Timestamp(time.Unix(sec, 0).UTC()) }

func newTestState(t *testing.T) *GatewayState {
	t.Helper()
	g := New(Config{
		ProxyV4: netip.MustParsePrefix("100.96.0.0/11"),
		ProxyV6: netip.MustParsePrefix("fd00:2021:1111:8000::/107"),
	})
	g.UpdateTunDevice(netip.MustParseAddr("100.64.0.1"), netip.MustParseAddr("fd00::1"))
	g.UpdateRelays([]RelayInfo{{Addr: netip.MustParseAddrPort("198.51.100.1:3478")}})
	return g
}

func testClientID(t *testing.T) core.ClientId {
	t.Helper()
	id, err := core.NewClientId("11111111-1111-1111-1111-111111111111")
	if err != nil {
		t.Fatalf("NewClientId: %v", err)
	}
	return id
}

func testResourceID(t *testing.T) core.ResourceId {
	t.Helper()
	id, err := core.NewResourceId("22222222-2222-2222-2222-222222222222")
	if err != nil {
		t.Fatalf("NewResourceId: %v", err)
	}
	return id
}

func authorizeTestFlow(t *testing.T, g *GatewayState) (core.ClientId, core.ResourceId) {
	t.Helper()
	client := testClientID(t)
	resID := testResourceID(t)
	res := resource.NewCidr(resID, netip.MustParsePrefix("8.8.8.0/24"), resource.Filters{
		{Proto: resource.ProtoUDP, Ports: resource.PortRange{Start: 53, End: 53}},
	}, core.Timestamp{})

	err := g.AuthorizeFlow(client, netip.MustParseAddrPort("203.0.113.9:51820"),
		[]byte("a shared preshared secret, 32+ bytes long!!"),
		netip.MustParseAddr("100.64.0.2"), netip.MustParseAddr("fd00::2"),
		resID, res, instantAt(0))
	if err != nil {
		t.Fatalf("AuthorizeFlow: %v", err)
	}
	return client, resID
}

func TestAuthorizeFlowRequiresTunDevice(t *testing.T) {
	g := New(Config{ProxyV4: netip.MustParsePrefix("100.96.0.0/11"), ProxyV6: netip.MustParsePrefix("fd00:2021:1111:8000::/107")})
	g.UpdateRelays([]RelayInfo{{Addr: netip.MustParseAddrPort("198.51.100.1:3478")}})

	client := testClientID(t)
	resID := testResourceID(t)
	res := resource.NewInternet(resID, core.Timestamp{})
	err := g.AuthorizeFlow(client, netip.MustParseAddrPort("203.0.113.9:51820"), []byte("secret"),
		netip.MustParseAddr("100.64.0.2"), netip.MustParseAddr("fd00::2"), resID, res, instantAt(0))
	if err != ErrTunNotConfigured {
		t.Fatalf("expected ErrTunNotConfigured, got %v", err)
	}
}

func TestAuthorizeFlowRequiresRelays(t *testing.T) {
	g := New(Config{ProxyV4: netip.MustParsePrefix("100.96.0.0/11"), ProxyV6: netip.MustParsePrefix("fd00:2021:1111:8000::/107")})
	g.UpdateTunDevice(netip.MustParseAddr("100.64.0.1"), netip.MustParseAddr("fd00::1"))

	client := testClientID(t)
	resID := testResourceID(t)
	res := resource.NewInternet(resID, core.Timestamp{})
	err := g.AuthorizeFlow(client, netip.MustParseAddrPort("203.0.113.9:51820"), []byte("secret"),
		netip.MustParseAddr("100.64.0.2"), netip.MustParseAddr("fd00::2"), resID, res, instantAt(0))
	if err != ErrNoTurnServers {
		t.Fatalf("expected ErrNoTurnServers, got %v", err)
	}
}

func TestAuthorizeFlowRegistersPeer(t *testing.T) {
	g := newTestState(t)
	client, _ := authorizeTestFlow(t, g)

	if g.PeerCount() != 1 {
		t.Fatalf("expected one connected peer, got %d", g.PeerCount())
	}
	if !g.node.HasConnection(client) {
		t.Fatalf("expected a transport session for the authorized client")
	}
}

func TestAllowAccessUnknownClientFails(t *testing.T) {
	g := newTestState(t)
	resID := testResourceID(t)
	res := resource.NewInternet(resID, core.Timestamp{})
	if err := g.AllowAccess(testClientID(t), res); err != ErrUnknownClient {
		t.Fatalf("expected ErrUnknownClient, got %v", err)
	}
}

func TestRemoveAccessGarbageCollectsEmptiedPeer(t *testing.T) {
	g := newTestState(t)
	client, resID := authorizeTestFlow(t, g)

	if err := g.RemoveAccess(client, resID); err != nil {
		t.Fatalf("RemoveAccess: %v", err)
	}
	if g.PeerCount() != 0 {
		t.Fatalf("expected peer to be garbage collected, got %d peers", g.PeerCount())
	}
	if g.node.HasConnection(client) {
		t.Fatalf("expected transport session to be torn down with the peer")
	}
}

func TestRetainAuthorizationsGarbageCollectsWhenEmpty(t *testing.T) {
	g := newTestState(t)
	client, _ := authorizeTestFlow(t, g)

	if err := g.RetainAuthorizations(client, map[core.ResourceId]struct{}{}); err != nil {
		t.Fatalf("RetainAuthorizations: %v", err)
	}
	if g.PeerCount() != 0 {
		t.Fatalf("expected peer to be garbage collected after retaining nothing")
	}
}

func buildUDPv4(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16) []byte {
	t.Helper()
	const ihl = 20
	const udpLen = 8
	raw := make([]byte, ihl+udpLen)
	raw[0] = 0x45
	binary.BigEndian.PutUint16(raw[2:], uint16(ihl+udpLen))
	raw[8] = 64
	raw[9] = 17
	s4 := src.As4()
	d4 := dst.As4()
	copy(raw[12:16], s4[:])
	copy(raw[16:20], d4[:])
	binary.BigEndian.PutUint16(raw[ihl:], srcPort)
	binary.BigEndian.PutUint16(raw[ihl+2:], dstPort)
	binary.BigEndian.PutUint16(raw[ihl+4:], uint16(udpLen))
	raw[10], raw[11] = 0, 0
	var sum uint32
	for i := 0; i < 20; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(raw[i:]))
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	binary.BigEndian.PutUint16(raw[10:], ^uint16(sum))
	return raw
}

func TestHandleNetworkInputAuthorizedTrafficReachesTun(t *testing.T) {
	g := newTestState(t)
	client, _ := authorizeTestFlow(t, g)

	inner := buildUDPv4(t, netip.MustParseAddr("100.64.0.2"), netip.MustParseAddr("8.8.8.8"), 1234, 53)
	tx, err := g.node.Encapsulate(client, inner)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	result, err := g.HandleNetworkInput(netip.AddrPort{}, netip.MustParseAddrPort("203.0.113.9:51820"), tx.Payload, instantAt(0))
	if err != nil {
		t.Fatalf("HandleNetworkInput: %v", err)
	}
	if result.Control {
		t.Fatalf("did not expect a control-packet disposition")
	}
	if len(result.ToTun) == 0 {
		t.Fatalf("expected an authorized packet to reach the tun")
	}
}

func TestHandleNetworkInputFilteredTrafficQueuesTransmitNotTun(t *testing.T) {
	g := newTestState(t)
	client, _ := authorizeTestFlow(t, g)

	// Port 9999 isn't in the authorized resource's filter.
	inner := buildUDPv4(t, netip.MustParseAddr("100.64.0.2"), netip.MustParseAddr("8.8.8.8"), 1234, 9999)
	tx, err := g.node.Encapsulate(client, inner)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}

	result, err := g.HandleNetworkInput(netip.AddrPort{}, netip.MustParseAddrPort("203.0.113.9:51820"), tx.Payload, instantAt(0))
	if err != nil {
		t.Fatalf("HandleNetworkInput: %v", err)
	}
	if result.ToTun != nil {
		t.Fatalf("did not expect a filtered packet to reach the tun")
	}
	if _, ok := g.PollTransmit(); !ok {
		t.Fatalf("expected a buffered ICMP-filtered transmit")
	}
}

func TestHandleTunInputRoutesToRegisteredPeer(t *testing.T) {
	g := newTestState(t)
	client, _ := authorizeTestFlow(t, g)

	// Traffic from the resolved resource back to the client's tunnel IP.
	raw := buildUDPv4(t, netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("100.64.0.2"), 53, 1234)
	tx, ok := g.HandleTunInput(raw, instantAt(0))
	if !ok {
		t.Fatalf("expected HandleTunInput to produce a transmit for a registered client")
	}

	gotClient, _, err := g.node.Decapsulate(netip.AddrPort{}, netip.MustParseAddrPort("203.0.113.9:51820"), tx.Payload, instantAt(0))
	if err != nil {
		t.Fatalf("Decapsulate produced transmit: %v", err)
	}
	if gotClient != client {
		t.Fatalf("expected transmit addressed to %v, got %v", client, gotClient)
	}
}

func TestHandleTunInputUnregisteredDestinationDropped(t *testing.T) {
	g := newTestState(t)
	raw := buildUDPv4(t, netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("100.64.0.99"), 53, 1234)
	if _, ok := g.HandleTunInput(raw, instantAt(0)); ok {
		t.Fatalf("did not expect a transmit for an unregistered destination")
	}
}

func TestHandleDomainResolvedSuccessSetsUpNatAndRepliesActive(t *testing.T) {
	g := newTestState(t)
	client := testClientID(t)
	resID := testResourceID(t)
	dnsRes := resource.NewDns(resID, "example.com", resource.Filters{}, core.Timestamp{})

	if err := g.AuthorizeFlow(client, netip.MustParseAddrPort("203.0.113.9:51820"),
		[]byte("a shared preshared secret, 32+ bytes long!!"),
		netip.MustParseAddr("100.64.0.2"), netip.MustParseAddr("fd00::2"),
		resID, dnsRes, instantAt(0)); err != nil {
		t.Fatalf("AuthorizeFlow: %v", err)
	}

	g.HandleDomainResolved(client, resID, "example.com",
		[]netip.Addr{netip.MustParseAddr("93.184.216.34")},
		[]netip.Addr{netip.MustParseAddr("100.96.0.5")}, nil)

	tx, ok := g.PollTransmit()
	if !ok {
		t.Fatalf("expected a DomainStatus transmit")
	}
	_, payload, err := g.node.Decapsulate(netip.AddrPort{}, netip.MustParseAddrPort("203.0.113.9:51820"), tx.Payload, instantAt(0))
	if err != nil {
		t.Fatalf("Decapsulate DomainStatus reply: %v", err)
	}
	if !isControlFrame(payload) {
		t.Fatalf("expected a control frame reply")
	}
}

func TestHandleTimeoutExpiresResourcesAndGCsPeer(t *testing.T) {
	g := newTestState(t)
	client := testClientID(t)
	resID := testResourceID(t)
	res := resource.NewCidr(resID, netip.MustParsePrefix("8.8.8.0/24"), resource.Filters{}, utcAt(100))

	if err := g.AuthorizeFlow(client, netip.MustParseAddrPort("203.0.113.9:51820"),
		[]byte("a shared preshared secret, 32+ bytes long!!"),
		netip.MustParseAddr("100.64.0.2"), netip.MustParseAddr("fd00::2"),
		resID, res, instantAt(0)); err != nil {
		t.Fatalf("AuthorizeFlow: %v", err)
	}

	g.HandleTimeout(instantAt(0), utcAt(50))
	if g.PeerCount() != 1 {
		t.Fatalf("did not expect expiry before expires_at")
	}

	// Cadence guard: calling again before a full interval elapses must not re-run the sweep.
	g.HandleTimeout(instantAt(0).Add(500*time.Millisecond), utcAt(150))
	if g.PeerCount() != 1 {
		t.Fatalf("expected the expiry sweep to be skipped before the next tick")
	}

	g.HandleTimeout(instantAt(0).Add(2*time.Second), utcAt(150))
	if g.PeerCount() != 0 {
		t.Fatalf("expected the emptied peer to be garbage collected after the sweep runs")
	}
}
