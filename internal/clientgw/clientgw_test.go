package clientgw

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

func buildUDPv4(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16) []byte {
	t.Helper()
	const ihl = 20
	const udpLen = 8
	raw := make([]byte, ihl+udpLen)
	raw[0] = 0x45
	binary.BigEndian.PutUint16(raw[2:], uint16(ihl+udpLen))
	raw[8] = 64
	raw[9] = 17 // UDP
	s4 := src.As4()
	d4 := dst.As4()
	copy(raw[12:16], s4[:])
	copy(raw[16:20], d4[:])
	binary.BigEndian.PutUint16(raw[ihl:], srcPort)
	binary.BigEndian.PutUint16(raw[ihl+2:], dstPort)
	binary.BigEndian.PutUint16(raw[ihl+4:], uint16(udpLen))
	fixIPv4Checksum(raw)
	return raw
}

func fixIPv4Checksum(raw []byte) {
	raw[10], raw[11] = 0, 0
	var sum uint32
	for i := 0; i < 20; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(raw[i:]))
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	binary.BigEndian.PutUint16(raw[10:], ^uint16(sum))
}

func newTestClient() (*ClientOnGateway, core.ResourceId) {
	clientID, _ := core.NewClientId("11111111-1111-1111-1111-111111111111")
	resID, _ := core.NewResourceId("22222222-2222-2222-2222-222222222222")
	c := New(Config{
		ID:          clientID,
		TunIPv4:     netip.MustParseAddr("100.64.0.2"),
		TunIPv6:     netip.MustParseAddr("fd00::2"),
		GatewayIPv4: netip.MustParseAddr("100.64.0.1"),
		GatewayIPv6: netip.MustParseAddr("fd00::1"),
		ProxyV4:     netip.MustParsePrefix("100.96.0.0/11"),
		ProxyV6:     netip.MustParsePrefix("fd00:2021:1111:8000::/107"),
	})
	return c, resID
}

func TestTranslateOutboundSourceSpoofDropped(t *testing.T) {
	c, _ := newTestClient()
	raw := buildUDPv4(t, netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("8.8.8.8"), 1234, 53)
	res := c.TranslateOutbound(raw, instantAt(0))
	if res.Action != ActionDrop {
		t.Fatalf("expected ActionDrop for spoofed source, got %v", res.Action)
	}
}

func TestTranslateOutboundUnauthorizedDestinationFiltered(t *testing.T) {
	c, _ := newTestClient()
	raw := buildUDPv4(t, c.tunIPv4, netip.MustParseAddr("8.8.8.8"), 1234, 53)
	res := c.TranslateOutbound(raw, instantAt(0))
	if res.Action != ActionFiltered {
		t.Fatalf("expected ActionFiltered for unauthorized destination, got %v", res.Action)
	}
	if len(res.Packet) == 0 {
		t.Fatalf("expected a non-empty ICMP reply packet")
	}
}

func TestTranslateOutboundAuthorizedCidrAllowed(t *testing.T) {
	c, resID := newTestClient()
	net := netip.MustParsePrefix("8.8.8.0/24")
	c.AddResource(resource.NewCidr(resID, net, resource.Filters{
		{Proto: resource.ProtoUDP, Ports: resource.PortRange{Start: 53, End: 53}},
	}, core.Timestamp{}))

	raw := buildUDPv4(t, c.tunIPv4, netip.MustParseAddr("8.8.8.8"), 1234, 53)
	res := c.TranslateOutbound(raw, instantAt(0))
	if res.Action != ActionSend {
		t.Fatalf("expected ActionSend for authorized CIDR+port, got %v", res.Action)
	}
}

func TestTranslateOutboundAuthorizedCidrWrongPortFiltered(t *testing.T) {
	c, resID := newTestClient()
	net := netip.MustParsePrefix("8.8.8.0/24")
	c.AddResource(resource.NewCidr(resID, net, resource.Filters{
		{Proto: resource.ProtoUDP, Ports: resource.PortRange{Start: 53, End: 53}},
	}, core.Timestamp{}))

	raw := buildUDPv4(t, c.tunIPv4, netip.MustParseAddr("8.8.8.8"), 1234, 9999)
	res := c.TranslateOutbound(raw, instantAt(0))
	if res.Action != ActionFiltered {
		t.Fatalf("expected ActionFiltered for disallowed port, got %v", res.Action)
	}
}

func TestSetupNatAndOutboundInboundRoundTrip(t *testing.T) {
	c, resID := newTestClient()
	c.AddResource(resource.NewDns(resID, "example.com", resource.Filters{}, core.Timestamp{}))

	proxyIP := netip.MustParseAddr("100.96.0.5")
	resolvedIP := netip.MustParseAddr("93.184.216.34")
	if err := c.SetupNat("example.com", resID, []netip.Addr{resolvedIP}, []netip.Addr{proxyIP}); err != nil {
		t.Fatalf("SetupNat: %v", err)
	}

	out := buildUDPv4(t, c.tunIPv4, proxyIP, 5000, 443)
	outRes := c.TranslateOutbound(out, instantAt(0))
	if outRes.Action != ActionSend {
		t.Fatalf("expected ActionSend after NAT translation, got %v", outRes.Action)
	}
	h, err := parseTestHeader(outRes.Packet)
	if err != nil {
		t.Fatalf("parse translated outbound packet: %v", err)
	}
	if h.dst != resolvedIP {
		t.Fatalf("expected outbound dst rewritten to resolved IP %v, got %v", resolvedIP, h.dst)
	}
	if h.src != c.gatewayIPv4 {
		t.Fatalf("expected outbound src rewritten to gateway IP, got %v", h.src)
	}

	// Simulate the resolved server replying to (gatewayIP, h.srcPort).
	in := buildUDPv4(t, resolvedIP, c.gatewayIPv4, 443, h.srcPort)
	inRes := c.TranslateInbound(in, instantAt(1))
	if !inRes.Forward {
		t.Fatalf("expected inbound reply to be forwarded")
	}
	inH, err := parseTestHeader(inRes.Packet)
	if err != nil {
		t.Fatalf("parse translated inbound packet: %v", err)
	}
	if inH.src != proxyIP {
		t.Fatalf("expected inbound src rewritten to proxy IP %v, got %v", proxyIP, inH.src)
	}
	if inH.dst != c.tunIPv4 {
		t.Fatalf("expected inbound dst rewritten to client tunnel IP, got %v", inH.dst)
	}
	if inH.dstPort != 5000 {
		t.Fatalf("expected inbound dst port restored to 5000, got %d", inH.dstPort)
	}
}

func TestExpireResourcesRemovesExpired(t *testing.T) {
	c, resID := newTestClient()
	c.AddResource(resource.NewCidr(resID, netip.MustParsePrefix("8.8.8.0/24"), resource.Filters{}, utcAt(100)))

	expired := c.ExpireResources(utcAt(50))
	if len(expired) != 0 {
		t.Fatalf("did not expect expiry before expires_at")
	}
	expired = c.ExpireResources(utcAt(150))
	if len(expired) != 1 || expired[0] != resID {
		t.Fatalf("expected resource %v to expire, got %v", resID, expired)
	}
	if !c.IsEmptied() {
		t.Fatalf("expected client to be emptied after its only resource expired")
	}
}

func TestRecalculateFiltersOverlappingCidrsAreAdditive(t *testing.T) {
	c, _ := newTestClient()
	outerID, _ := core.NewResourceId("33333333-3333-3333-3333-333333333333")
	innerID, _ := core.NewResourceId("44444444-4444-4444-4444-444444444444")

	c.AddResource(resource.NewCidr(outerID, netip.MustParsePrefix("8.0.0.0/8"), resource.Filters{
		{Proto: resource.ProtoTCP, Ports: resource.PortRange{Start: 443, End: 443}},
	}, core.Timestamp{}))
	c.AddResource(resource.NewCidr(innerID, netip.MustParsePrefix("8.8.8.0/24"), resource.Filters{
		{Proto: resource.ProtoUDP, Ports: resource.PortRange{Start: 53, End: 53}},
	}, core.Timestamp{}))

	engine, ok := c.cidrIndex.Lookup(netip.MustParseAddr("8.8.8.8"))
	if !ok {
		t.Fatalf("expected a matching engine for 8.8.8.8")
	}
	if !engine.AllowUDP(53) {
		t.Fatalf("expected the inner resource's UDP/53 filter to apply")
	}
	if !engine.AllowTCP(443) {
		t.Fatalf("expected the outer resource's TCP/443 filter to still apply (additive, not shadowed)")
	}
	if engine.AllowTCP(8080) {
		t.Fatalf("did not expect TCP/8080 to be allowed")
	}
}

// parseTestHeader is a tiny local stand-in so this test file doesn't need
// to import the ippacket package just to read back four fields.
type testHeader struct {
	src, dst       netip.Addr
	srcPort, dstPort uint16
}

func parseTestHeader(raw []byte) (testHeader, error) {
	src, _ := netip.AddrFromSlice(raw[12:16])
	dst, _ := netip.AddrFromSlice(raw[16:20])
	return testHeader{
		src:     src,
		dst:     dst,
		srcPort: binary.BigEndian.Uint16(raw[20:22]),
		dstPort: binary.BigEndian.Uint16(raw[22:24]),
	}, nil
}
