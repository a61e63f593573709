// Package ippacket provides the minimal raw-IP-packet parsing and
// in-place rewriting primitives the gateway's translation path needs:
// reading the header fields that drive filtering/NAT decisions, and
// rewriting addresses/ports with correctly updated checksums. Packets
// here are bare IP packets (no Ethernet framing) as delivered by a TUN
// device.
package ippacket

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/edgestitch/gateway/internal/resource"
)

// Protocol numbers this package understands.
const (
	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

var (
	ErrTooShort     = errors.New("ippacket: packet too short")
	ErrUnsupported  = errors.New("ippacket: unsupported protocol")
	ErrBadVersion   = errors.New("ippacket: unrecognised IP version")
)

// Header is the subset of a parsed IP packet the gateway's policy and
// NAT logic needs to make a decision. ports are zero and icmp fields are
// meaningless unless Proto selects them.
type Header struct {
	IsV6    bool
	Src     netip.Addr
	Dst     netip.Addr
	Proto   resource.Proto
	RawProto uint8
	SrcPort uint16
	DstPort uint16
	ICMPType uint8
	ICMPCode uint8
	ICMPID   uint16

	ihl        int // IPv4 header length in bytes; 0 for v6
	l4Offset   int
}

// Parse reads a raw IP packet into a Header. raw is not copied or
// retained.
func Parse(raw []byte) (Header, error) {
	if len(raw) < 1 {
		return Header{}, ErrTooShort
	}
	version := raw[0] >> 4
	switch version {
	case 4:
		return parseV4(raw)
	case 6:
		return parseV6(raw)
	default:
		return Header{}, ErrBadVersion
	}
}

func parseV4(raw []byte) (Header, error) {
	if len(raw) < 20 {
		return Header{}, ErrTooShort
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < 20 || len(raw) < ihl {
		return Header{}, ErrTooShort
	}
	src, _ := netip.AddrFromSlice(raw[12:16])
	dst, _ := netip.AddrFromSlice(raw[16:20])
	h := Header{
		IsV6:     false,
		Src:      src,
		Dst:      dst,
		RawProto: raw[9],
		ihl:      ihl,
		l4Offset: ihl,
	}
	h.Proto = protoFromRaw(h.RawProto)
	if err := parseL4(raw, &h); err != nil {
		return Header{}, err
	}
	return h, nil
}

func parseV6(raw []byte) (Header, error) {
	if len(raw) < 40 {
		return Header{}, ErrTooShort
	}
	src, _ := netip.AddrFromSlice(raw[8:24])
	dst, _ := netip.AddrFromSlice(raw[24:40])
	h := Header{
		IsV6:     true,
		Src:      src,
		Dst:      dst,
		RawProto: raw[6],
		l4Offset: 40,
	}
	h.Proto = protoFromRaw(h.RawProto)
	if err := parseL4(raw, &h); err != nil {
		return Header{}, err
	}
	return h, nil
}

func protoFromRaw(p uint8) resource.Proto {
	switch p {
	case ProtoTCP:
		return resource.ProtoTCP
	case ProtoUDP:
		return resource.ProtoUDP
	case ProtoICMP, ProtoICMPv6:
		return resource.ProtoICMP
	default:
		return resource.Proto(-1)
	}
}

func parseL4(raw []byte, h *Header) error {
	off := h.l4Offset
	switch h.RawProto {
	case ProtoTCP, ProtoUDP:
		if len(raw) < off+4 {
			return ErrTooShort
		}
		h.SrcPort = binary.BigEndian.Uint16(raw[off:])
		h.DstPort = binary.BigEndian.Uint16(raw[off+2:])
	case ProtoICMP:
		if len(raw) < off+8 {
			return ErrTooShort
		}
		h.ICMPType = raw[off]
		h.ICMPCode = raw[off+1]
		h.ICMPID = binary.BigEndian.Uint16(raw[off+4:])
	case ProtoICMPv6:
		if len(raw) < off+8 {
			return ErrTooShort
		}
		h.ICMPType = raw[off]
		h.ICMPCode = raw[off+1]
		h.ICMPID = binary.BigEndian.Uint16(raw[off+4:])
	default:
		return ErrUnsupported
	}
	return nil
}

// checksumFold folds a 32-bit accumulator to a 16-bit one's complement
// value (RFC 1071).
func checksumFold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// checksumUpdate16 incrementally updates a one's complement checksum
// when a single 16-bit field changes from oldVal to newVal (RFC 1624).
func checksumUpdate16(oldCk, oldVal, newVal uint16) uint16 {
	sum := uint32(^oldCk) + uint32(^oldVal) + uint32(newVal)
	return ^checksumFold(sum)
}

func update32(ck uint16, oldB, newB [4]byte) uint16 {
	ck = checksumUpdate16(ck, binary.BigEndian.Uint16(oldB[0:2]), binary.BigEndian.Uint16(newB[0:2]))
	ck = checksumUpdate16(ck, binary.BigEndian.Uint16(oldB[2:4]), binary.BigEndian.Uint16(newB[2:4]))
	return ck
}

func update128(ck uint16, oldB, newB [16]byte) uint16 {
	for i := 0; i < 16; i += 2 {
		ck = checksumUpdate16(ck, binary.BigEndian.Uint16(oldB[i:i+2]), binary.BigEndian.Uint16(newB[i:i+2]))
	}
	return ck
}

// l4ChecksumOffset returns the absolute offset of the TCP/UDP checksum
// field, or -1 if the protocol has none (ICMP recomputes fully instead).
func l4ChecksumOffset(h Header) int {
	switch h.RawProto {
	case ProtoTCP:
		return h.l4Offset + 16
	case ProtoUDP:
		return h.l4Offset + 6
	default:
		return -1
	}
}

// RewriteSrc overwrites the packet's source address in place, updating
// the IPv4 header checksum (v4 only) and the transport checksum.
func RewriteSrc(raw []byte, h Header, newSrc netip.Addr) {
	if h.IsV6 {
		oldB := h.Src.As16()
		newB := newSrc.As16()
		copy(raw[8:24], newB[:])
		adjustTransportChecksum128(raw, h, oldB, newB)
		return
	}
	oldB := h.Src.As4()
	newB := newSrc.As4()
	copy(raw[12:16], newB[:])
	adjustIPv4HeaderChecksum(raw, oldB, newB)
	adjustTransportChecksum32(raw, h, oldB, newB)
}

// RewriteDst overwrites the packet's destination address in place,
// updating checksums the same way as RewriteSrc.
func RewriteDst(raw []byte, h Header, newDst netip.Addr) {
	if h.IsV6 {
		oldB := h.Dst.As16()
		newB := newDst.As16()
		copy(raw[24:40], newB[:])
		adjustTransportChecksum128(raw, h, oldB, newB)
		return
	}
	oldB := h.Dst.As4()
	newB := newDst.As4()
	copy(raw[16:20], newB[:])
	adjustIPv4HeaderChecksum(raw, oldB, newB)
	adjustTransportChecksum32(raw, h, oldB, newB)
}

func adjustIPv4HeaderChecksum(raw []byte, oldB, newB [4]byte) {
	ckOff := 10
	ck := binary.BigEndian.Uint16(raw[ckOff:])
	ck = update32(ck, oldB, newB)
	binary.BigEndian.PutUint16(raw[ckOff:], ck)
}

func adjustTransportChecksum32(raw []byte, h Header, oldB, newB [4]byte) {
	off := l4ChecksumOffset(h)
	if off < 0 || off+2 > len(raw) {
		return
	}
	ck := binary.BigEndian.Uint16(raw[off:])
	if h.RawProto == ProtoUDP && ck == 0 {
		return // UDP checksum disabled
	}
	ck = update32(ck, oldB, newB)
	binary.BigEndian.PutUint16(raw[off:], ck)
}

func adjustTransportChecksum128(raw []byte, h Header, oldB, newB [16]byte) {
	off := l4ChecksumOffset(h)
	if off < 0 || off+2 > len(raw) {
		return
	}
	ck := binary.BigEndian.Uint16(raw[off:])
	if h.RawProto == ProtoUDP && ck == 0 {
		return
	}
	ck = update128(ck, oldB, newB)
	binary.BigEndian.PutUint16(raw[off:], ck)
}

// InternetChecksum computes the RFC 1071 one's complement checksum over
// an arbitrary byte slice (used for ICMP messages and pseudo-headers).
func InternetChecksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return ^checksumFold(sum)
}

// BuildIPv4Header returns a 20-byte IPv4 header (no options) for a
// payload of payloadLen bytes, with a correct header checksum.
func BuildIPv4Header(src, dst netip.Addr, proto uint8, payloadLen int) []byte {
	hdr := make([]byte, 20)
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:], uint16(20+payloadLen))
	hdr[8] = 64 // TTL
	hdr[9] = proto
	s4 := src.As4()
	d4 := dst.As4()
	copy(hdr[12:16], s4[:])
	copy(hdr[16:20], d4[:])
	ck := InternetChecksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:], ck)
	return hdr
}

// BuildIPv6Header returns a 40-byte IPv6 header for a payload of
// payloadLen bytes.
func BuildIPv6Header(src, dst netip.Addr, nextHeader uint8, payloadLen int) []byte {
	hdr := make([]byte, 40)
	hdr[0] = 0x60
	binary.BigEndian.PutUint16(hdr[4:], uint16(payloadLen))
	hdr[6] = nextHeader
	hdr[7] = 64 // hop limit
	s16 := src.As16()
	d16 := dst.As16()
	copy(hdr[8:24], s16[:])
	copy(hdr[24:40], d16[:])
	return hdr
}

// ICMPv6PseudoChecksum computes the upper-layer checksum for an ICMPv6
// message given the enclosing IPv6 src/dst.
func ICMPv6PseudoChecksum(src, dst netip.Addr, icmp []byte) uint16 {
	var pseudo []byte
	s16 := src.As16()
	d16 := dst.As16()
	pseudo = append(pseudo, s16[:]...)
	pseudo = append(pseudo, d16[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(icmp)))
	pseudo = append(pseudo, lenBuf[:]...)
	pseudo = append(pseudo, 0, 0, 0, ProtoICMPv6)
	pseudo = append(pseudo, icmp...)
	return InternetChecksum(pseudo)
}

// RewritePort overwrites either the source or destination transport
// port in place, updating the transport checksum incrementally.
func RewritePort(raw []byte, h Header, source bool, newPort uint16) {
	off := h.l4Offset
	if !source {
		off += 2
	}
	if off+2 > len(raw) {
		return
	}
	old := binary.BigEndian.Uint16(raw[off:])
	binary.BigEndian.PutUint16(raw[off:], newPort)

	ckOff := l4ChecksumOffset(h)
	if ckOff < 0 || ckOff+2 > len(raw) {
		return
	}
	ck := binary.BigEndian.Uint16(raw[ckOff:])
	if h.RawProto == ProtoUDP && ck == 0 {
		return
	}
	ck = checksumUpdate16(ck, old, newPort)
	binary.BigEndian.PutUint16(raw[ckOff:], ck)
}

// ICMP types that carry the offending original datagram in their
// payload, as opposed to e.g. an echo request/reply.
const (
	icmpv4DestUnreachable = 3
	icmpv4TimeExceeded    = 11
	icmpv6DestUnreachable = 1
	icmpv6TimeExceeded    = 3
)

// IsICMPError reports whether h is an ICMP destination-unreachable or
// time-exceeded message, whose payload embeds the packet that triggered
// it.
func (h Header) IsICMPError() bool {
	if h.Proto != resource.ProtoICMP {
		return false
	}
	if h.IsV6 {
		return h.ICMPType == icmpv6DestUnreachable || h.ICMPType == icmpv6TimeExceeded
	}
	return h.ICMPType == icmpv4DestUnreachable || h.ICMPType == icmpv4TimeExceeded
}

// ICMPEmbeddedOffset returns the offset within raw where the packet
// embedded in an ICMP error's payload begins, following h's own 8-byte
// ICMP header.
func (h Header) ICMPEmbeddedOffset() int { return h.l4Offset + 8 }

// ParseEmbedded parses the offending original packet embedded in an
// ICMP error's payload. Per RFC 792/4443, routers only echo back the
// embedded packet's own header plus its first 8 payload bytes, which is
// exactly enough for Parse to read ports or an ICMP id.
func ParseEmbedded(raw []byte, h Header) (Header, error) {
	off := h.ICMPEmbeddedOffset()
	if off > len(raw) {
		return Header{}, ErrTooShort
	}
	return Parse(raw[off:])
}

// RewriteEmbeddedAddr rewrites the source or destination address of the
// packet embedded at offset off inside raw, matching embedded.IsV6.
func RewriteEmbeddedAddr(raw []byte, off int, embedded Header, source bool, newAddr netip.Addr) {
	if embedded.IsV6 {
		start := off + 24
		if source {
			start = off + 8
		}
		b := newAddr.As16()
		copy(raw[start:start+16], b[:])
		return
	}
	start := off + 16
	if source {
		start = off + 12
	}
	b := newAddr.As4()
	copy(raw[start:start+4], b[:])
}

// RewriteEmbeddedPort rewrites the source port (TCP/UDP) or ICMP
// identifier of the packet embedded at offset off inside raw.
func RewriteEmbeddedPort(raw []byte, off int, embedded Header, newPort uint16) {
	switch embedded.RawProto {
	case ProtoTCP, ProtoUDP:
		at := off + embedded.l4Offset
		if at+2 > len(raw) {
			return
		}
		binary.BigEndian.PutUint16(raw[at:], newPort)
	case ProtoICMP, ProtoICMPv6:
		at := off + embedded.l4Offset + 4
		if at+2 > len(raw) {
			return
		}
		binary.BigEndian.PutUint16(raw[at:], newPort)
	}
}

// RecomputeICMPChecksum recomputes the checksum of the ICMP/ICMPv6
// message starting at h's transport offset, after its embedded payload
// has been rewritten in place. src/dst are the message's final (post-
// rewrite) outer addresses, needed for the ICMPv6 pseudo-header.
func RecomputeICMPChecksum(raw []byte, h Header, src, dst netip.Addr) {
	icmp := raw[h.l4Offset:]
	binary.BigEndian.PutUint16(icmp[2:], 0)
	var ck uint16
	if h.IsV6 {
		ck = ICMPv6PseudoChecksum(src, dst, icmp)
	} else {
		ck = InternetChecksum(icmp)
	}
	binary.BigEndian.PutUint16(icmp[2:], ck)
}
