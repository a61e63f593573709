// Package filterengine compiles one or more layer-4 filter sets into a
// single decision function over (protocol, port).
package filterengine

import (
	"sort"

	"github.com/edgestitch/gateway/internal/resource"
)

// interval is a half-open-free, inclusive [start, end] port range.
type interval struct{ start, end uint16 }

// Engine is a compiled, immutable index over one or more Filters sets.
// Compilation rule: if any input set is empty the result is allow-all;
// otherwise the result is the union of every non-empty set.
type Engine struct {
	allowAll bool
	tcp      []interval // sorted, disjoint
	udp      []interval // sorted, disjoint
	icmp     bool
}

// AllowAll returns the sentinel engine that allows every packet.
func AllowAll() *Engine { return &Engine{allowAll: true} }

// Compile builds an Engine from any number of Filters sets, per the
// union rule above.
func Compile(sets ...resource.Filters) *Engine {
	for _, s := range sets {
		if s.IsAllowAll() {
			return AllowAll()
		}
	}

	e := &Engine{}
	var tcp, udp []interval
	for _, set := range sets {
		for _, f := range set {
			switch f.Proto {
			case resource.ProtoTCP:
				tcp = append(tcp, interval{f.Ports.Start, f.Ports.End})
			case resource.ProtoUDP:
				udp = append(udp, interval{f.Ports.Start, f.Ports.End})
			case resource.ProtoICMP:
				e.icmp = true
			}
		}
	}
	e.tcp = mergeIntervals(tcp)
	e.udp = mergeIntervals(udp)
	return e
}

func mergeIntervals(in []interval) []interval {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].start < in[j].start })
	out := make([]interval, 0, len(in))
	cur := in[0]
	for _, iv := range in[1:] {
		if iv.start <= cur.end+1 || iv.start <= cur.end {
			if iv.end > cur.end {
				cur.end = iv.end
			}
			continue
		}
		out = append(out, cur)
		cur = iv
	}
	out = append(out, cur)
	return out
}

func containsPort(ivs []interval, port uint16) bool {
	// ivs is sorted and disjoint; binary search the last interval whose
	// start <= port, then check containment.
	i := sort.Search(len(ivs), func(i int) bool { return ivs[i].start > port })
	if i == 0 {
		return false
	}
	return ivs[i-1].end >= port
}

// AllowTCP reports whether a TCP packet to dstPort passes this engine.
func (e *Engine) AllowTCP(dstPort uint16) bool {
	if e == nil || e.allowAll {
		return true
	}
	return containsPort(e.tcp, dstPort)
}

// AllowUDP reports whether a UDP packet to dstPort passes this engine.
func (e *Engine) AllowUDP(dstPort uint16) bool {
	if e == nil || e.allowAll {
		return true
	}
	return containsPort(e.udp, dstPort)
}

// AllowICMP reports whether an ICMP packet passes this engine.
func (e *Engine) AllowICMP() bool {
	if e == nil || e.allowAll {
		return true
	}
	return e.icmp
}

// Allow is the generic entry point: given a protocol and a destination
// port (ignored for ICMP), report allow/deny. Unsupported protocols
// always deny — the caller is expected to drop, not forward, a packet
// whose protocol the filter engine doesn't recognise even if it matched
// a CIDR.
func (e *Engine) Allow(proto resource.Proto, dstPort uint16) bool {
	switch proto {
	case resource.ProtoTCP:
		return e.AllowTCP(dstPort)
	case resource.ProtoUDP:
		return e.AllowUDP(dstPort)
	case resource.ProtoICMP:
		return e.AllowICMP()
	default:
		return false
	}
}

// IsAllowAll reports whether this engine is the allow-all sentinel.
func (e *Engine) IsAllowAll() bool { return e == nil || e.allowAll }
