// Package nattable implements the per-flow, per-client NAT table that maps
// a client's traffic to a wildcard DNS-resource proxy IP onto the
// gateway's actually-resolved address, so one proxy IP can represent many
// concurrent connections and return traffic routes back to the right
// client.
//
// The table is sans-IO: every operation takes the current time as a
// parameter rather than reading a clock, and ports/ids are assigned
// deterministically so behaviour is reproducible in tests.
package nattable

import (
	"net/netip"
	"sync"
	"time"

	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/resource"
)

// Per-protocol idle timeout, applied in handle_timeout.
const (
	ttlTCP  = 2 * time.Hour
	ttlUDP  = 60 * time.Second
	ttlICMP = 30 * time.Second
)

const numShards = 64

// insideKey identifies a flow from the client's perspective: its own
// protocol/port (or ICMP id) paired with the real resolved destination.
type insideKey struct {
	proto   resource.Proto
	port    uint16
	dstAddr netip.Addr
}

// outsideKey identifies the same flow from the resolved-IP's perspective:
// the outside port/id the gateway assigned, paired with the real address
// that's allowed to use it.
type outsideKey struct {
	proto   resource.Proto
	port    uint16
	srcAddr netip.Addr
}

// entry is one NAT session, addressable from both directions.
type entry struct {
	proto       resource.Proto
	insidePort  uint16 // original client port / ICMP id
	outsidePort uint16
	dstAddr     netip.Addr
	lastUsed    core.Instant
}

func ttlFor(p resource.Proto) time.Duration {
	switch p {
	case resource.ProtoTCP:
		return ttlTCP
	case resource.ProtoUDP:
		return ttlUDP
	case resource.ProtoICMP:
		return ttlICMP
	default:
		return ttlUDP
	}
}

func shardIndex(h uint32) uint32 { return h & (numShards - 1) }

func fnv1a(b []byte) uint32 {
	h := uint32(2166136261)
	for _, c := range b {
		h = (h ^ uint32(c)) * 16777619
	}
	return h
}

func hashInside(k insideKey) uint32 {
	var buf [2 + 2 + 16]byte
	buf[0] = byte(k.proto)
	buf[1] = byte(k.port >> 8)
	buf[2] = byte(k.port)
	a := k.dstAddr.As16()
	copy(buf[3:], a[:])
	return fnv1a(buf[:])
}

func hashOutside(k outsideKey) uint32 {
	var buf [2 + 2 + 16]byte
	buf[0] = byte(k.proto)
	buf[1] = byte(k.port >> 8)
	buf[2] = byte(k.port)
	a := k.srcAddr.As16()
	copy(buf[3:], a[:])
	return fnv1a(buf[:])
}

type shard struct {
	mu      sync.Mutex
	inside  map[insideKey]*entry
	outside map[outsideKey]*entry
}

// Table is the sharded, sans-IO NAT table described above.
type Table struct {
	shards [numShards]shard

	// Per-protocol next-port hint for the outside-port allocator, one
	// table-wide map shared by every shard and guarded by portHintMu.
	// Only used to pick the next candidate after a collision; the
	// candidate is checked against the inside key's shard.
	portHintMu sync.Mutex
	portHint   map[resource.Proto]uint16
}

// New creates an empty NAT table.
func New() *Table {
	t := &Table{portHint: map[resource.Proto]uint16{
		resource.ProtoTCP:  49152,
		resource.ProtoUDP:  49152,
		resource.ProtoICMP: 1,
	}}
	for i := range t.shards {
		t.shards[i].inside = make(map[insideKey]*entry)
		t.shards[i].outside = make(map[outsideKey]*entry)
	}
	return t
}

func (t *Table) shardForInside(k insideKey) *shard  { return &t.shards[shardIndex(hashInside(k))] }
func (t *Table) shardForOutside(k outsideKey) *shard { return &t.shards[shardIndex(hashOutside(k))] }

// nextPort returns the next candidate outside port for proto, cycling
// within the ephemeral range (or id space for ICMP).
func (t *Table) nextPort(proto resource.Proto) uint16 {
	t.portHintMu.Lock()
	defer t.portHintMu.Unlock()
	p := t.portHint[proto]
	if proto == resource.ProtoICMP {
		if p == 0 || p >= 0xFFFF {
			p = 1
		}
	} else {
		if p == 0 || p >= 0xFFFF {
			p = 49152
		}
	}
	t.portHint[proto] = p + 1
	return p
}

// TranslateOutgoing maps an outbound packet (identified by its own
// protocol, source port or ICMP id, and the real resolved destination) to
// an outside source port, creating a session if none exists. The
// returned port is stable across calls sharing the same inside key.
func (t *Table) TranslateOutgoing(proto resource.Proto, insidePort uint16, resolvedIP netip.Addr, now core.Instant) (outsidePort uint16, realDst netip.Addr) {
	ik := insideKey{proto: proto, port: insidePort, dstAddr: resolvedIP}
	s := t.shardForInside(ik)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.inside[ik]; ok {
		e.lastUsed = now
		return e.outsidePort, resolvedIP
	}

	e := &entry{proto: proto, insidePort: insidePort, dstAddr: resolvedIP, lastUsed: now}

	// Prefer the identity mapping (keeps logs/debugging simple); fall
	// back to scanning the per-protocol pool on collision.
	candidate := insidePort
	for tries := 0; tries < 0x10000; tries++ {
		ok := t.tryReserveOutside(s, outsideKey{proto: proto, port: candidate, srcAddr: resolvedIP}, e)
		if ok {
			e.outsidePort = candidate
			s.inside[ik] = e
			return candidate, resolvedIP
		}
		candidate = t.nextPort(proto)
	}
	// Pool exhausted; this should not happen in practice given the
	// per-(proto,resolvedIP) scoping, but return the identity mapping
	// rather than panic.
	e.outsidePort = insidePort
	s.inside[ik] = e
	return insidePort, resolvedIP
}

func (t *Table) tryReserveOutside(s *shard, ok outsideKey, e *entry) bool {
	if _, exists := s.outside[ok]; exists {
		return false
	}
	s.outside[ok] = e
	return true
}

// IncomingResult is the disposition of TranslateIncoming.
type IncomingResult int

const (
	// ResultOk: a live session matched; the returned inside port is
	// the client's original port (or ICMP id) to rewrite back to.
	ResultOk IncomingResult = iota
	// ResultNoSession: no NAT session matched this flow at all — the
	// caller should treat this as direct CIDR/Internet traffic.
	ResultNoSession
	// ResultExpired: a session existed but its TTL had already elapsed
	// before this lookup (a handle_timeout pass hadn't reaped it yet).
	ResultExpired
)

// TranslateIncoming looks up the reverse NAT session for an inbound
// packet addressed to outsidePort and originating from srcAddr (the
// resolved real IP). now is used only to detect sessions that are
// logically expired but not yet evicted.
func (t *Table) TranslateIncoming(proto resource.Proto, outsidePort uint16, srcAddr netip.Addr, now core.Instant) (insidePort uint16, result IncomingResult) {
	ok := outsideKey{proto: proto, port: outsidePort, srcAddr: srcAddr}
	s := t.shardForOutside(ok)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.outside[ok]
	if !exists {
		return 0, ResultNoSession
	}
	if now.Sub(e.lastUsed) > ttlFor(proto) {
		return 0, ResultExpired
	}
	return e.insidePort, ResultOk
}

// IcmpPrototype carries what TranslateIncomingICMPError found about the
// flow an inbound ICMP error refers to, so the caller can restore the
// embedded offending packet to the client's own view of it.
type IcmpPrototype struct {
	// EmbeddedProto is the protocol of the packet embedded in the ICMP
	// error, echoed back for the caller's convenience.
	EmbeddedProto resource.Proto
	// EmbeddedInsidePort is the client's original port (or ICMP id) for
	// that embedded packet, to be written back in place of the outside
	// port/id the gateway had assigned it.
	EmbeddedInsidePort uint16
}

// TranslateIncomingICMPError looks up the NAT session belonging to the
// packet embedded in an inbound ICMP error, rather than to the ICMP
// error itself. embeddedProto/embeddedSrcPort/embeddedDstAddr describe
// that embedded packet exactly as the gateway originally sent it:
// embeddedSrcPort is the outside port TranslateOutgoing assigned it, and
// embeddedDstAddr is the resolved real address it was addressed to.
func (t *Table) TranslateIncomingICMPError(embeddedProto resource.Proto, embeddedSrcPort uint16, embeddedDstAddr netip.Addr, now core.Instant) (IcmpPrototype, IncomingResult) {
	insidePort, result := t.TranslateIncoming(embeddedProto, embeddedSrcPort, embeddedDstAddr, now)
	if result != ResultOk {
		return IcmpPrototype{}, result
	}
	return IcmpPrototype{EmbeddedProto: embeddedProto, EmbeddedInsidePort: insidePort}, ResultOk
}

// HasEntryForInside reports whether a session exists keyed by the
// given inside tuple.
func (t *Table) HasEntryForInside(proto resource.Proto, insidePort uint16, resolvedIP netip.Addr) bool {
	ik := insideKey{proto: proto, port: insidePort, dstAddr: resolvedIP}
	s := t.shardForInside(ik)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inside[ik]
	return ok
}

// HasAnyEntryFor reports whether at least one live session currently
// translates traffic toward resolvedIP, regardless of protocol or
// port. Used by setup_nat to avoid clobbering a live flow when a
// domain's resolved address set changes.
func (t *Table) HasAnyEntryFor(resolvedIP netip.Addr) bool {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for ik := range s.inside {
			if ik.dstAddr == resolvedIP {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
	}
	return false
}

// HandleTimeout evicts every session whose idle time exceeds its
// protocol's TTL. Must be called periodically by the owner (typically
// on the same cadence as resource-expiry checks).
func (t *Table) HandleTimeout(now core.Instant) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for ik, e := range s.inside {
			if now.Sub(e.lastUsed) > ttlFor(e.proto) {
				delete(s.inside, ik)
				delete(s.outside, outsideKey{proto: e.proto, port: e.outsidePort, srcAddr: e.dstAddr})
			}
		}
		s.mu.Unlock()
	}
}
