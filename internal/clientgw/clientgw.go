// Package clientgw implements ClientOnGateway: the per-client resource
// set, the permanent DNS→real-IP translation table, the CIDR-keyed
// filter index, and the inbound/outbound packet transforms that enforce
// "only from my tunnel IPs" and "only to an authorized resource".
package clientgw

import (
	"fmt"
	"net/netip"

	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/filterengine"
	"github.com/edgestitch/gateway/internal/ippacket"
	"github.com/edgestitch/gateway/internal/nattable"
	"github.com/edgestitch/gateway/internal/resource"
)

// translationState is a single permanent_translations entry: which
// resource owns the proxy IP and what it currently resolves to.
type translationState struct {
	ResourceID core.ResourceId
	ResolvedIP netip.Addr
}

// OutboundAction is the disposition of TranslateOutbound.
type OutboundAction int

const (
	ActionSend OutboundAction = iota
	ActionDestinationUnreachable
	ActionFiltered
	ActionDrop // source-IP spoofing or other unconditional drop, no reply
)

// OutboundResult carries the disposition and, for the two ICMP-bearing
// dispositions, the fully-built reply packet to encapsulate back to the
// client.
type OutboundResult struct {
	Action OutboundAction
	Packet []byte // the (possibly rewritten) forward packet, or an ICMP reply
}

// ClientOnGateway holds one client's authorized resources, its NAT
// table and CIDR filter index, and enforces every packet crossing the
// tunnel in either direction against them.
type ClientOnGateway struct {
	id core.ClientId

	tunIPv4 netip.Addr
	tunIPv6 netip.Addr

	gatewayIPv4 netip.Addr
	gatewayIPv6 netip.Addr

	proxyV4 netip.Prefix
	proxyV6 netip.Prefix

	resources map[core.ResourceId]*resource.Resource

	permanentTranslations map[netip.Addr]translationState
	resolvedToProxy       map[netip.Addr]netip.Addr

	nat       *nattable.Table
	cidrIndex *CidrIndex

	internetResourceEnabled bool

	counters *core.Counters
}

// Config bundles the fixed, per-client addressing a ClientOnGateway is
// constructed with.
type Config struct {
	ID          core.ClientId
	TunIPv4     netip.Addr
	TunIPv6     netip.Addr
	GatewayIPv4 netip.Addr
	GatewayIPv6 netip.Addr
	ProxyV4     netip.Prefix
	ProxyV6     netip.Prefix
	Counters    *core.Counters
}

// New constructs an empty ClientOnGateway.
func New(cfg Config) *ClientOnGateway {
	c := &ClientOnGateway{
		id:                    cfg.ID,
		tunIPv4:               cfg.TunIPv4,
		tunIPv6:               cfg.TunIPv6,
		gatewayIPv4:           cfg.GatewayIPv4,
		gatewayIPv6:           cfg.GatewayIPv6,
		proxyV4:               cfg.ProxyV4,
		proxyV6:               cfg.ProxyV6,
		resources:             make(map[core.ResourceId]*resource.Resource),
		permanentTranslations: make(map[netip.Addr]translationState),
		resolvedToProxy:       make(map[netip.Addr]netip.Addr),
		nat:                   nattable.New(),
		cidrIndex:             NewCidrIndex(),
		counters:              cfg.Counters,
	}
	if c.counters == nil {
		c.counters = &core.Counters{}
	}
	return c
}

// ID returns the owning client's id.
func (c *ClientOnGateway) ID() core.ClientId { return c.id }

// IsEmptied reports whether this client has no authorized resources
// left and may be garbage-collected by the owning GatewayState.
func (c *ClientOnGateway) IsEmptied() bool { return len(c.resources) == 0 }

// Resource returns the authorized resource registered under id, if
// any. Used by the in-band control-packet handler to validate an
// AssignedIpsEvent against the client's actual authorizations before
// dispatching a DNS resolution.
func (c *ClientOnGateway) Resource(id core.ResourceId) (*resource.Resource, bool) {
	r, ok := c.resources[id]
	return r, ok
}

// TunIPs returns the client's v4 and v6 tunnel addresses.
func (c *ClientOnGateway) TunIPs() (v4, v6 netip.Addr) { return c.tunIPv4, c.tunIPv6 }

// AddResource authorizes a new resource for this client.
func (c *ClientOnGateway) AddResource(r *resource.Resource) {
	c.resources[r.ID] = r
	c.recalculateFilters()
}

// UpdateResource replaces the filters (and expiry) of an already
// authorized resource. The kind and identity of the resource do not
// change.
func (c *ClientOnGateway) UpdateResource(id core.ResourceId, filters resource.Filters, expiresAt core.Timestamp) error {
	r, ok := c.resources[id]
	if !ok {
		return fmt.Errorf("clientgw: unknown resource %s", id)
	}
	r.Filters = filters
	r.ExpiresAt = expiresAt
	c.recalculateFilters()
	return nil
}

// RemoveResource revokes a resource's authorization.
func (c *ClientOnGateway) RemoveResource(id core.ResourceId) {
	delete(c.resources, id)
	c.recalculateFilters()
}

// UpdateResourceExpiry changes only the expiry of an authorized
// resource.
func (c *ClientOnGateway) UpdateResourceExpiry(id core.ResourceId, expiresAt core.Timestamp) {
	if r, ok := c.resources[id]; ok {
		r.ExpiresAt = expiresAt
	}
}

// RetainAuthorizations drops every resource whose id is not in keep.
func (c *ClientOnGateway) RetainAuthorizations(keep map[core.ResourceId]struct{}) {
	changed := false
	for id := range c.resources {
		if _, ok := keep[id]; !ok {
			delete(c.resources, id)
			changed = true
		}
	}
	if changed {
		c.recalculateFilters()
	}
}

// ExpireResources removes every resource whose expires_at has passed as
// of nowUtc, returning the ids removed so the caller can emit events.
func (c *ClientOnGateway) ExpireResources(nowUtc core.Timestamp) []core.ResourceId {
	var expired []core.ResourceId
	for id, r := range c.resources {
		if !r.IsAllowed(nowUtc) {
			expired = append(expired, id)
			delete(c.resources, id)
		}
	}
	if len(expired) > 0 {
		c.recalculateFilters()
	}
	return expired
}

// HandleTimeout evicts idle NAT sessions. Should be called on the same
// cadence as ExpireResources.
func (c *ClientOnGateway) HandleTimeout(now core.Instant) {
	c.nat.HandleTimeout(now)
}

// SetupNat populates permanent_translations for a resolved DNS-resource
// domain. The i-th proxy IP is paired with resolved IP i modulo the
// number of resolved IPs of its own family, falling back to the other
// family when its own has none. A proxy IP whose current resolved IP
// still has a NAT session keeps its existing mapping.
func (c *ClientOnGateway) SetupNat(domain string, resourceID core.ResourceId, resolvedIPs, proxyIPs []netip.Addr) error {
	r, ok := c.resources[resourceID]
	if !ok || r.Kind != resource.KindDns {
		return fmt.Errorf("clientgw: resource %s is not a DNS resource", resourceID)
	}
	if !isSubdomain(domain, r.Dns.Address) {
		return fmt.Errorf("clientgw: %q is not a subdomain of %q", domain, r.Dns.Address)
	}
	if len(proxyIPs) == 0 {
		return fmt.Errorf("clientgw: no proxy IPs supplied")
	}

	v4Resolved := filterFamily(resolvedIPs, true)
	v6Resolved := filterFamily(resolvedIPs, false)

	for i, proxyIP := range proxyIPs {
		var resolved netip.Addr
		wantV4 := proxyIP.Is4() || proxyIP.Is4In6()
		switch {
		case wantV4 && len(v4Resolved) > 0:
			resolved = v4Resolved[i%len(v4Resolved)]
		case !wantV4 && len(v6Resolved) > 0:
			resolved = v6Resolved[i%len(v6Resolved)]
		case len(v4Resolved) > 0:
			resolved = v4Resolved[i%len(v4Resolved)]
		case len(v6Resolved) > 0:
			resolved = v6Resolved[i%len(v6Resolved)]
		default:
			continue
		}

		if existing, ok := c.permanentTranslations[proxyIP]; ok {
			if c.nat.HasAnyEntryFor(existing.ResolvedIP) {
				continue // keep the live flow's mapping intact
			}
		}

		c.permanentTranslations[proxyIP] = translationState{ResourceID: resourceID, ResolvedIP: resolved}
		c.resolvedToProxy[resolved] = proxyIP
	}

	if r.Dns.Domains == nil {
		r.Dns.Domains = make(map[string]map[netip.Addr]struct{})
	}
	set := r.Dns.Domains[domain]
	if set == nil {
		set = make(map[netip.Addr]struct{})
		r.Dns.Domains[domain] = set
	}
	for _, ip := range resolvedIPs {
		set[ip] = struct{}{}
	}

	c.recalculateFilters()
	return nil
}

func filterFamily(ips []netip.Addr, v4 bool) []netip.Addr {
	var out []netip.Addr
	for _, ip := range ips {
		if (ip.Is4() || ip.Is4In6()) == v4 {
			out = append(out, ip)
		}
	}
	return out
}

// isSubdomain reports whether domain is address itself or a subdomain
// of it (address may be a bare name or a "*.example.com" pattern).
func isSubdomain(domain, address string) bool {
	pattern := address
	if len(pattern) > 2 && pattern[0] == '*' && pattern[1] == '.' {
		pattern = pattern[2:]
	}
	if domain == pattern {
		return true
	}
	if len(domain) > len(pattern)+1 && domain[len(domain)-len(pattern)-1:] == "."+pattern {
		return true
	}
	return false
}

// recalculateFilters rebuilds the CIDR-keyed filter index and the
// internet-resource-enabled cache from scratch. Invoked on every
// resource or translation-table change.
func (c *ClientOnGateway) recalculateFilters() {
	idx := NewCidrIndex()
	c.internetResourceEnabled = false

	var cidrResources []*resource.Resource
	for _, r := range c.resources {
		switch r.Kind {
		case resource.KindCidr:
			cidrResources = append(cidrResources, r)
		case resource.KindInternet:
			c.internetResourceEnabled = true
		}
	}

	for _, r := range cidrResources {
		var union resource.Filters
		allowAll := false
		for _, other := range cidrResources {
			if !containsPrefix(other.Network, r.Network) {
				continue
			}
			if other.Filters.IsAllowAll() {
				allowAll = true
			}
			union = append(union, other.Filters...)
		}
		var engine *filterengine.Engine
		if allowAll {
			engine = filterengine.AllowAll()
		} else {
			engine = filterengine.Compile(union)
		}
		idx.Install(r.Network, engine)
	}

	for proxyIP, ts := range c.permanentTranslations {
		r, ok := c.resources[ts.ResourceID]
		if !ok {
			continue
		}
		bits := 32
		if !(proxyIP.Is4() || proxyIP.Is4In6()) {
			bits = 128
		}
		idx.Install(netip.PrefixFrom(proxyIP, bits), filterengine.Compile(r.Filters))
	}

	c.cidrIndex = idx
}

func containsPrefix(outer, inner netip.Prefix) bool {
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}

func (c *ClientOnGateway) isProxyIP(addr netip.Addr) bool {
	if addr.Is4() || addr.Is4In6() {
		return c.proxyV4.IsValid() && c.proxyV4.Contains(addr)
	}
	return c.proxyV6.IsValid() && c.proxyV6.Contains(addr)
}

func (c *ClientOnGateway) tunnelIP(v4 bool) netip.Addr {
	if v4 {
		return c.tunIPv4
	}
	return c.tunIPv6
}

func (c *ClientOnGateway) gatewayIP(v4 bool) netip.Addr {
	if v4 {
		return c.gatewayIPv4
	}
	return c.gatewayIPv6
}

// TranslateOutbound enforces and translates a packet the client sent
// into the tunnel, bound for the TUN device or an onward NAT rewrite.
func (c *ClientOnGateway) TranslateOutbound(raw []byte, now core.Instant) OutboundResult {
	h, err := ippacket.Parse(raw)
	if err != nil {
		c.counters.DroppedUnparseable.Add(1)
		return OutboundResult{Action: ActionDrop}
	}
	isV4 := !h.IsV6

	if h.Src != c.tunnelIP(isV4) {
		return OutboundResult{Action: ActionDrop}
	}

	if h.Dst == c.gatewayIP(isV4) {
		return OutboundResult{Action: ActionSend, Packet: raw}
	}

	engine, matched := c.cidrIndex.Lookup(h.Dst)
	if !matched {
		if c.internetResourceEnabled && !c.isProxyIP(h.Dst) {
			engine = filterengine.AllowAll()
		} else {
			reply := buildICMPUnreachable(h.IsV6, adminProhibitedCode(h.IsV6), c.gatewayIP(isV4), h.Src, raw)
			c.counters.FilteredOutbound.Add(1)
			return OutboundResult{Action: ActionFiltered, Packet: reply}
		}
	}
	port := h.DstPort
	if h.Proto == resource.ProtoICMP {
		port = 0
	}
	if !engine.Allow(h.Proto, port) {
		reply := buildICMPUnreachable(h.IsV6, adminProhibitedCode(h.IsV6), c.gatewayIP(isV4), h.Src, raw)
		c.counters.FilteredOutbound.Add(1)
		return OutboundResult{Action: ActionFiltered, Packet: reply}
	}

	if c.isProxyIP(h.Dst) {
		ts, ok := c.permanentTranslations[h.Dst]
		if !ok {
			reply := buildICMPUnreachable(h.IsV6, unreachableCode(h.IsV6), c.gatewayIP(isV4), h.Src, raw)
			return OutboundResult{Action: ActionDestinationUnreachable, Packet: reply}
		}
		if (ts.ResolvedIP.Is4() || ts.ResolvedIP.Is4In6()) != isV4 {
			reply := buildICMPUnreachable(h.IsV6, unreachableCode(h.IsV6), c.gatewayIP(isV4), h.Src, raw)
			return OutboundResult{Action: ActionDestinationUnreachable, Packet: reply}
		}

		insidePort := h.SrcPort
		if h.Proto == resource.ProtoICMP {
			insidePort = h.ICMPID
		}
		outsidePort, realDst := c.nat.TranslateOutgoing(h.Proto, insidePort, ts.ResolvedIP, now)

		ippacket.RewriteDst(raw, h, realDst)
		h.Dst = realDst
		ippacket.RewriteSrc(raw, h, c.gatewayIP(isV4))
		h.Src = c.gatewayIP(isV4)
		if h.Proto != resource.ProtoICMP {
			ippacket.RewritePort(raw, h, true, outsidePort)
		}
		return OutboundResult{Action: ActionSend, Packet: raw}
	}

	return OutboundResult{Action: ActionSend, Packet: raw}
}

// InboundResult carries the disposition of TranslateInbound.
type InboundResult struct {
	Forward bool
	Packet  []byte
}

// TranslateInbound enforces and translates a packet that arrived on the
// TUN device, bound for delivery to this client over the tunnel.
func (c *ClientOnGateway) TranslateInbound(raw []byte, now core.Instant) InboundResult {
	h, err := ippacket.Parse(raw)
	if err != nil {
		c.counters.DroppedUnparseable.Add(1)
		return InboundResult{}
	}
	isV4 := !h.IsV6

	if h.Src == c.gatewayIP(isV4) {
		return InboundResult{Forward: true, Packet: raw}
	}

	if h.IsICMPError() {
		return c.translateInboundICMPError(raw, h, isV4, now)
	}

	outsidePort := h.DstPort
	if h.Proto == resource.ProtoICMP {
		outsidePort = h.ICMPID
	}
	insidePort, result := c.nat.TranslateIncoming(h.Proto, outsidePort, h.Src, now)

	switch result {
	case nattable.ResultExpired:
		c.counters.ExpiredNatSession.Add(1)
		return InboundResult{}
	case nattable.ResultOk:
		proxyIP, ok := c.resolvedToProxy[h.Src]
		if !ok {
			c.counters.NoNatSession.Add(1)
			return InboundResult{}
		}
		if h.Proto != resource.ProtoICMP {
			if engine, matched := c.cidrIndex.Lookup(proxyIP); !matched || !engine.Allow(h.Proto, h.SrcPort) {
				c.counters.FilteredInbound.Add(1)
				return InboundResult{}
			}
		}
		ippacket.RewriteSrc(raw, h, proxyIP)
		h.Src = proxyIP
		ippacket.RewriteDst(raw, h, c.tunnelIP(isV4))
		h.Dst = c.tunnelIP(isV4)
		if h.Proto != resource.ProtoICMP {
			ippacket.RewritePort(raw, h, false, insidePort)
		}
		return InboundResult{Forward: true, Packet: raw}
	default: // ResultNoSession — direct CIDR/Internet traffic
		if h.Dst != c.tunnelIP(isV4) {
			return InboundResult{}
		}
	}

	if h.Proto == resource.ProtoICMP {
		return InboundResult{Forward: true, Packet: raw}
	}

	engine, matched := c.cidrIndex.Lookup(h.Src)
	if !matched {
		if c.internetResourceEnabled && !c.isProxyIP(h.Src) {
			return InboundResult{Forward: true, Packet: raw}
		}
		c.counters.FilteredInbound.Add(1)
		return InboundResult{}
	}
	if !engine.Allow(h.Proto, h.SrcPort) {
		c.counters.FilteredInbound.Add(1)
		return InboundResult{}
	}
	return InboundResult{Forward: true, Packet: raw}
}

// translateInboundICMPError handles an inbound ICMP destination-
// unreachable/time-exceeded message that refers to a flow this gateway
// NATed on a client's behalf. The error itself is keyed as plain ICMP
// from whatever router or host generated it, so the matching NAT
// session has to be found from the embedded offending packet instead —
// it carries the outside port/address TranslateOutgoing assigned the
// original flow. Once found, both the outer error and the embedded
// packet are rewritten back to the client's own view of that flow
// before the error is delivered over the tunnel.
func (c *ClientOnGateway) translateInboundICMPError(raw []byte, h ippacket.Header, isV4 bool, now core.Instant) InboundResult {
	embedded, err := ippacket.ParseEmbedded(raw, h)
	if err != nil {
		c.counters.DroppedUnparseable.Add(1)
		return InboundResult{}
	}

	embeddedPort := embedded.SrcPort
	if embedded.Proto == resource.ProtoICMP {
		embeddedPort = embedded.ICMPID
	}

	prototype, result := c.nat.TranslateIncomingICMPError(embedded.Proto, embeddedPort, embedded.Dst, now)
	switch result {
	case nattable.ResultExpired:
		c.counters.ExpiredNatSession.Add(1)
		return InboundResult{}
	case nattable.ResultOk:
	default: // ResultNoSession
		c.counters.NoNatSession.Add(1)
		return InboundResult{}
	}

	proxyIP, ok := c.resolvedToProxy[embedded.Dst]
	if !ok {
		c.counters.NoNatSession.Add(1)
		return InboundResult{}
	}

	off := h.ICMPEmbeddedOffset()
	ippacket.RewriteEmbeddedAddr(raw, off, embedded, false, proxyIP)
	ippacket.RewriteEmbeddedAddr(raw, off, embedded, true, c.tunnelIP(isV4))
	ippacket.RewriteEmbeddedPort(raw, off, embedded, prototype.EmbeddedInsidePort)

	tunnelIP := c.tunnelIP(isV4)
	ippacket.RecomputeICMPChecksum(raw, h, proxyIP, tunnelIP)
	ippacket.RewriteSrc(raw, h, proxyIP)
	h.Src = proxyIP
	ippacket.RewriteDst(raw, h, tunnelIP)
	h.Dst = tunnelIP

	return InboundResult{Forward: true, Packet: raw}
}
