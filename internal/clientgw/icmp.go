package clientgw

import (
	"encoding/binary"
	"net/netip"

	"github.com/edgestitch/gateway/internal/ippacket"
)

// Truncate embedded original datagrams to a conservative number of bytes
// (standard practice is "IP header + first 8 bytes", we keep a little
// more headroom for IPv6 extension-free headers).
const icmpEmbedMax = 68

const (
	icmpv4DestUnreachable   = 3
	icmpv4AdminProhibited   = 13
	icmpv4HostUnreachable   = 1
	icmpv6DestUnreachable   = 1
	icmpv6AdminProhibited   = 1
	icmpv6AddrUnreachable   = 3
)

func truncate(raw []byte) []byte {
	if len(raw) <= icmpEmbedMax {
		return raw
	}
	return raw[:icmpEmbedMax]
}

// buildICMPUnreachable constructs a complete IP+ICMP(v4/v6) "destination
// unreachable" reply addressed from gatewaySrc to clientDst, embedding as
// much of the original offending datagram as fits, for use as a Filtered
// or DestinationUnreachable outbound disposition.
func buildICMPUnreachable(isV6 bool, code uint8, gatewaySrc, clientDst netip.Addr, origRaw []byte) []byte {
	embed := truncate(origRaw)
	if isV6 {
		return buildICMPv6Unreachable(code, gatewaySrc, clientDst, embed)
	}
	return buildICMPv4Unreachable(code, gatewaySrc, clientDst, embed)
}

func buildICMPv4Unreachable(code uint8, src, dst netip.Addr, embed []byte) []byte {
	icmp := make([]byte, 8+len(embed))
	icmp[0] = icmpv4DestUnreachable
	icmp[1] = code
	copy(icmp[8:], embed)
	ck := ippacket.InternetChecksum(icmp)
	binary.BigEndian.PutUint16(icmp[2:], ck)

	ipHdr := ippacket.BuildIPv4Header(src, dst, ippacket.ProtoICMP, len(icmp))
	return append(ipHdr, icmp...)
}

func buildICMPv6Unreachable(code uint8, src, dst netip.Addr, embed []byte) []byte {
	icmp := make([]byte, 8+len(embed))
	icmp[0] = icmpv6DestUnreachable
	icmp[1] = code
	copy(icmp[8:], embed)
	ck := ippacket.ICMPv6PseudoChecksum(src, dst, icmp)
	binary.BigEndian.PutUint16(icmp[2:], ck)

	ipHdr := ippacket.BuildIPv6Header(src, dst, ippacket.ProtoICMPv6, len(icmp))
	return append(ipHdr, icmp...)
}

// adminProhibitedCode/unreachableCode pick the right code per family for
// "Filtered" and "DestinationUnreachable" dispositions respectively.
func adminProhibitedCode(isV6 bool) uint8 {
	if isV6 {
		return icmpv6AdminProhibited
	}
	return icmpv4AdminProhibited
}

func unreachableCode(isV6 bool) uint8 {
	if isV6 {
		return icmpv6AddrUnreachable
	}
	return icmpv4HostUnreachable
}
