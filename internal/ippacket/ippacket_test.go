package ippacket

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

// buildUDPv4 constructs a minimal, checksum-correct IPv4/UDP packet with
// an empty payload.
func buildUDPv4(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16) []byte {
	t.Helper()
	const ihl = 20
	const udpLen = 8
	raw := make([]byte, ihl+udpLen)
	raw[0] = 0x45 // version 4, IHL 5
	totalLen := ihl + udpLen
	binary.BigEndian.PutUint16(raw[2:], uint16(totalLen))
	raw[8] = 64 // TTL
	raw[9] = ProtoUDP
	s4 := src.As4()
	d4 := dst.As4()
	copy(raw[12:16], s4[:])
	copy(raw[16:20], d4[:])

	binary.BigEndian.PutUint16(raw[ihl:], srcPort)
	binary.BigEndian.PutUint16(raw[ihl+2:], dstPort)
	binary.BigEndian.PutUint16(raw[ihl+4:], uint16(udpLen))
	// leave UDP checksum 0 (disabled) to sidestep pseudo-header computation

	// IPv4 header checksum.
	raw[10], raw[11] = 0, 0
	sum := ipv4HeaderSum(raw[:ihl])
	binary.BigEndian.PutUint16(raw[10:], sum)
	return raw
}

func ipv4HeaderSum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

func TestParseV4UDP(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := buildUDPv4(t, src, dst, 1234, 53)

	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Src != src || h.Dst != dst {
		t.Fatalf("expected src/dst %v/%v, got %v/%v", src, dst, h.Src, h.Dst)
	}
	if h.SrcPort != 1234 || h.DstPort != 53 {
		t.Fatalf("expected ports 1234/53, got %d/%d", h.SrcPort, h.DstPort)
	}
}

func TestRewriteSrcPreservesIPv4ChecksumValidity(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := buildUDPv4(t, src, dst, 1234, 53)

	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	newSrc := netip.MustParseAddr("192.168.1.1")
	RewriteSrc(raw, h, newSrc)

	if ipv4HeaderSum(raw[:20]) != 0 {
		t.Fatalf("expected IPv4 header checksum to remain valid after rewrite")
	}

	h2, err := Parse(raw)
	if err != nil {
		t.Fatalf("re-parse after rewrite: %v", err)
	}
	if h2.Src != newSrc {
		t.Fatalf("expected rewritten src %v, got %v", newSrc, h2.Src)
	}
}

func TestRewritePortUpdatesField(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	raw := buildUDPv4(t, src, dst, 1234, 53)
	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	RewritePort(raw, h, true, 9999)

	h2, err := Parse(raw)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if h2.SrcPort != 9999 {
		t.Fatalf("expected src port 9999, got %d", h2.SrcPort)
	}
}

func TestParseTooShortFails(t *testing.T) {
	if _, err := Parse([]byte{0x45}); err == nil {
		t.Fatalf("expected error for too-short packet")
	}
}

// buildICMPv4Unreachable constructs an IPv4 destination-unreachable
// message (as a router might send back) whose payload embeds a UDP
// packet's IP header plus its first 8 bytes (exactly a port pair).
func buildICMPv4Unreachable(t *testing.T, routerSrc, routerDst netip.Addr, embedded []byte) []byte {
	t.Helper()
	const ihl = 20
	icmp := make([]byte, 8+len(embedded))
	icmp[0] = 3 // destination unreachable
	icmp[1] = 1 // host unreachable
	copy(icmp[8:], embedded)
	binary.BigEndian.PutUint16(icmp[2:], InternetChecksum(icmp))

	raw := make([]byte, ihl+len(icmp))
	raw[0] = 0x45
	binary.BigEndian.PutUint16(raw[2:], uint16(len(raw)))
	raw[8] = 64
	raw[9] = ProtoICMP
	s4 := routerSrc.As4()
	d4 := routerDst.As4()
	copy(raw[12:16], s4[:])
	copy(raw[16:20], d4[:])
	copy(raw[ihl:], icmp)

	raw[10], raw[11] = 0, 0
	sum := ipv4HeaderSum(raw[:ihl])
	binary.BigEndian.PutUint16(raw[10:], sum)
	return raw
}

func TestIsICMPErrorDetectsDestUnreachable(t *testing.T) {
	embedded := buildUDPv4(t, netip.MustParseAddr("100.64.0.1"), netip.MustParseAddr("93.184.216.34"), 51820, 53)
	raw := buildICMPv4Unreachable(t, netip.MustParseAddr("203.0.113.1"), netip.MustParseAddr("198.51.100.1"), embedded)

	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !h.IsICMPError() {
		t.Fatalf("expected destination-unreachable to be classified as an ICMP error")
	}
}

func TestParseEmbeddedAndRewrite(t *testing.T) {
	gatewaySrc := netip.MustParseAddr("198.51.100.1")
	resolvedDst := netip.MustParseAddr("93.184.216.34")
	embedded := buildUDPv4(t, gatewaySrc, resolvedDst, 40000, 53)
	raw := buildICMPv4Unreachable(t, netip.MustParseAddr("203.0.113.1"), gatewaySrc, embedded)

	h, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	emb, err := ParseEmbedded(raw, h)
	if err != nil {
		t.Fatalf("ParseEmbedded: %v", err)
	}
	if emb.Src != gatewaySrc || emb.Dst != resolvedDst || emb.SrcPort != 40000 {
		t.Fatalf("unexpected embedded header: %+v", emb)
	}

	off := h.ICMPEmbeddedOffset()
	clientTun := netip.MustParseAddr("100.64.0.2")
	proxyIP := netip.MustParseAddr("100.96.0.5")
	RewriteEmbeddedAddr(raw, off, emb, true, clientTun)
	RewriteEmbeddedAddr(raw, off, emb, false, proxyIP)
	RewriteEmbeddedPort(raw, off, emb, 51820)

	emb2, err := ParseEmbedded(raw, h)
	if err != nil {
		t.Fatalf("re-parse embedded: %v", err)
	}
	if emb2.Src != clientTun || emb2.Dst != proxyIP || emb2.SrcPort != 51820 {
		t.Fatalf("expected rewritten embedded src/dst/port %v/%v/51820, got %v/%v/%d",
			clientTun, proxyIP, emb2.Src, emb2.Dst, emb2.SrcPort)
	}

	RecomputeICMPChecksum(raw, h, proxyIP, clientTun)
	icmp := raw[h.l4Offset:]
	if InternetChecksum(icmp) != 0 {
		t.Fatalf("expected valid ICMP checksum after RecomputeICMPChecksum")
	}
}
