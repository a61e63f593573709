// Package gatewaystate implements GatewayState: the component that owns
// the transport Node, the PeerStore, the gateway's own tunnel IpConfig,
// and the buffered event/transmit FIFOs the driver drains each poll. It
// routes packets between the TUN device, the Node, and each client's
// ClientOnGateway, and applies every control-plane operation coming
// from the signaling channel.
package gatewaystate

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/edgestitch/gateway/internal/clientgw"
	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/ippacket"
	"github.com/edgestitch/gateway/internal/peerstore"
	"github.com/edgestitch/gateway/internal/resource"
	"github.com/edgestitch/gateway/internal/wgnode"
)

// ExpireResourcesInterval is the cadence of the resource-expiry /
// idle-peer-GC sweep run from HandleTimeout.
const ExpireResourcesInterval = 1 * time.Second

var (
	// ErrNoTurnServers is returned by AuthorizeFlow when no relay is
	// currently known; the caller must re-connect to signaling to
	// receive a fresh relay set.
	ErrNoTurnServers = errors.New("gatewaystate: no turn servers configured")
	// ErrTunNotConfigured is returned by AuthorizeFlow/AllowAccess
	// before UpdateTunDevice has been called at least once.
	ErrTunNotConfigured = errors.New("gatewaystate: gateway tun device not configured")
	// ErrUnknownClient is returned by operations that require an
	// already-connected client.
	ErrUnknownClient = errors.New("gatewaystate: unknown client")
	// ErrUnknownResource is returned when a resource id does not name
	// an authorization held by the named client.
	ErrUnknownResource = errors.New("gatewaystate: unknown resource")
)

// RelayInfo is one STUN/TURN relay advertised by the control plane.
type RelayInfo struct {
	ID   core.RelayId
	Addr netip.AddrPort
}

// EventKind tags the variant of a buffered outbound Event.
type EventKind int

const (
	EventAddedIceCandidates EventKind = iota
	EventRemovedIceCandidates
	EventResolveDns
)

// Event is something GatewayState wants the EventLoop to relay to
// signaling or to a DNS resolution worker.
type Event struct {
	Kind       EventKind
	Client     core.ClientId
	Candidates []string     // opaque wire candidate strings, AddedIceCandidates/RemovedIceCandidates
	ResourceID core.ResourceId
	Domain     string       // EventResolveDns
	ProxyIPs   []netip.Addr // EventResolveDns: proxy IPs to zip against resolved addresses once known
}

// GatewayState is the sans-IO hub described in the package doc.
type GatewayState struct {
	node  *wgnode.Node
	peers *peerstore.Store

	ipConfig       core.IpConfig
	proxyV4        netip.Prefix
	proxyV6        netip.Prefix
	relays         []RelayInfo
	nextExpiryTick core.Instant

	events    []Event
	transmits []wgnode.Transmit

	counters *core.Counters
}

// Config bundles the fixed addressing GatewayState is constructed with.
type Config struct {
	ProxyV4  netip.Prefix
	ProxyV6  netip.Prefix
	Counters *core.Counters
}

// New constructs an empty GatewayState with no connected peers and no
// gateway tun device configured yet.
func New(cfg Config) *GatewayState {
	counters := cfg.Counters
	if counters == nil {
		counters = &core.Counters{}
	}
	return &GatewayState{
		node:     wgnode.New(),
		peers:    peerstore.New(),
		proxyV4:  cfg.ProxyV4,
		proxyV6:  cfg.ProxyV6,
		counters: counters,
	}
}

// UpdateTunDevice sets (or changes) the gateway's own tunnel addresses.
// Every client connection created afterward uses these as the gateway
// side of the CIDR-bypass check in ClientOnGateway.TranslateOutbound.
func (g *GatewayState) UpdateTunDevice(v4, v6 netip.Addr) {
	g.ipConfig = core.IpConfig{V4: v4, V6: v6}
}

// UpdateRelays replaces the relay set AuthorizeFlow checks. An empty
// slice models "no relays currently available".
func (g *GatewayState) UpdateRelays(relays []RelayInfo) {
	g.relays = relays
}

// AuthorizeFlow creates (or re-upserts) the encrypted session and the
// ClientOnGateway for client, and grants the named resource. The first
// authorization for a client makes it appear in the PeerStore.
// resourceID and res.ID must name the same resource; AuthorizeFlow
// returns an error without changing any state if they differ.
func (g *GatewayState) AuthorizeFlow(
	client core.ClientId,
	remote netip.AddrPort,
	presharedSecret []byte,
	clientTunIPv4, clientTunIPv6 netip.Addr,
	resourceID core.ResourceId,
	res *resource.Resource,
	now core.Instant,
) error {
	if !g.ipConfig.IsValid() {
		return ErrTunNotConfigured
	}
	if len(g.relays) == 0 {
		return ErrNoTurnServers
	}
	if res.ID != resourceID {
		return fmt.Errorf("[Gateway] authorize_flow %s: resource id %v does not match granted resource %v", client, resourceID, res.ID)
	}

	if err := g.node.UpsertConnection(client, remote, presharedSecret, now); err != nil {
		return fmt.Errorf("[Gateway] authorize_flow %s: %w", client, err)
	}

	peer, ok := g.peers.Get(client)
	if !ok {
		peer = clientgw.New(clientgw.Config{
			ID:          client,
			TunIPv4:     clientTunIPv4,
			TunIPv6:     clientTunIPv6,
			GatewayIPv4: g.ipConfig.V4,
			GatewayIPv6: g.ipConfig.V6,
			ProxyV4:     g.proxyV4,
			ProxyV6:     g.proxyV6,
			Counters:    g.counters,
		})
		g.peers.Insert(peer, clientTunIPv4, clientTunIPv6)
	}
	peer.AddResource(res)
	return nil
}

// AllowAccess grants an additional resource to an already-connected
// client. This is the legacy control message; per the open question in
// the design notes, DNS resolution failures on this path are ignored
// rather than reported (no failure response exists for it).
func (g *GatewayState) AllowAccess(client core.ClientId, res *resource.Resource) error {
	if !g.ipConfig.IsValid() {
		return ErrTunNotConfigured
	}
	peer, ok := g.peers.Get(client)
	if !ok {
		return ErrUnknownClient
	}
	peer.AddResource(res)
	return nil
}

// UpdateAccessAuthorizationExpiry changes only a resource's expiry.
func (g *GatewayState) UpdateAccessAuthorizationExpiry(client core.ClientId, resourceID core.ResourceId, expiresAt core.Timestamp) error {
	peer, ok := g.peers.Get(client)
	if !ok {
		return ErrUnknownClient
	}
	peer.UpdateResourceExpiry(resourceID, expiresAt)
	return nil
}

// UpdateResource replaces a resource's filters (and expiry).
func (g *GatewayState) UpdateResource(client core.ClientId, resourceID core.ResourceId, filters resource.Filters, expiresAt core.Timestamp) error {
	peer, ok := g.peers.Get(client)
	if !ok {
		return ErrUnknownClient
	}
	if err := peer.UpdateResource(resourceID, filters, expiresAt); err != nil {
		return fmt.Errorf("[Gateway] update_resource: %w", err)
	}
	return nil
}

// RemoveAccess revokes a single resource authorization, garbage
// collecting the client entirely if it becomes emptied.
func (g *GatewayState) RemoveAccess(client core.ClientId, resourceID core.ResourceId) error {
	peer, ok := g.peers.Get(client)
	if !ok {
		return ErrUnknownClient
	}
	peer.RemoveResource(resourceID)
	g.gcIfEmptied(peer)
	return nil
}

// RetainAuthorizations keeps only the named resources for client,
// garbage collecting it if that empties its resource set.
func (g *GatewayState) RetainAuthorizations(client core.ClientId, keep map[core.ResourceId]struct{}) error {
	peer, ok := g.peers.Get(client)
	if !ok {
		return ErrUnknownClient
	}
	peer.RetainAuthorizations(keep)
	g.gcIfEmptied(peer)
	return nil
}

// AddIceCandidate registers a candidate for client's transport session.
func (g *GatewayState) AddIceCandidate(client core.ClientId, id string, addr netip.AddrPort) error {
	return g.node.AddIceCandidate(client, id, addr)
}

// RemoveIceCandidate invalidates a previously registered candidate.
func (g *GatewayState) RemoveIceCandidate(client core.ClientId, id string) error {
	return g.node.RemoveIceCandidate(client, id)
}

// CleanupConnection tears down a client's transport session and
// removes it from the peer store unconditionally.
func (g *GatewayState) CleanupConnection(client core.ClientId) {
	g.node.RemoveConnection(client)
	peer, ok := g.peers.Get(client)
	if !ok {
		return
	}
	v4, v6 := peer.TunIPs()
	g.peers.Remove(client, v4, v6)
}

func (g *GatewayState) gcIfEmptied(peer *clientgw.ClientOnGateway) {
	if !peer.IsEmptied() {
		return
	}
	g.node.RemoveConnection(peer.ID())
	v4, v6 := peer.TunIPs()
	g.peers.Remove(peer.ID(), v4, v6)
}

// HandleTunInput processes a packet that arrived on the TUN device,
// destined for one of the gateway's connected clients.
func (g *GatewayState) HandleTunInput(raw []byte, now core.Instant) (wgnode.Transmit, bool) {
	h, err := ippacket.Parse(raw)
	if err != nil {
		g.counters.DroppedUnparseable.Add(1)
		return wgnode.Transmit{}, false
	}
	peer, ok := g.peers.PeerByIP(h.Dst)
	if !ok {
		core.Log.Debugf("Gateway", "dropping tun packet for unregistered destination %s", h.Dst)
		return wgnode.Transmit{}, false // unregistered destination: logged and dropped, not fatal
	}

	result := peer.TranslateInbound(raw, now)
	if !result.Forward {
		return wgnode.Transmit{}, false
	}
	tx, err := g.node.Encapsulate(peer.ID(), result.Packet)
	if err != nil {
		return wgnode.Transmit{}, false
	}
	return tx, true
}

// NetworkInputResult is the disposition of HandleNetworkInput.
type NetworkInputResult struct {
	ToTun   []byte // non-nil: deliver this packet to the TUN device
	Control bool   // true: the input was a control packet and fully handled in place (no ToTun)
}

// HandleNetworkInput decapsulates an inbound UDP datagram and either
// dispatches an in-band control packet, or runs translate_outbound and
// returns the packet to forward to the TUN device. Filtered/
// DestinationUnreachable ICMP replies are re-encapsulated and buffered
// as transmits rather than returned here.
func (g *GatewayState) HandleNetworkInput(local, from netip.AddrPort, raw []byte, now core.Instant) (NetworkInputResult, error) {
	client, inner, err := g.node.Decapsulate(local, from, raw, now)
	if err != nil {
		return NetworkInputResult{}, fmt.Errorf("[Gateway] decapsulate from %s: %w", from, err)
	}

	peer, ok := g.peers.Get(client)
	if !ok {
		return NetworkInputResult{}, fmt.Errorf("[Gateway] network input for unknown connection %s", client)
	}

	if isControlFrame(inner) {
		g.handleControlFrame(peer, inner)
		return NetworkInputResult{Control: true}, nil
	}

	result := peer.TranslateOutbound(inner, now)
	switch result.Action {
	case clientgw.ActionSend:
		return NetworkInputResult{ToTun: result.Packet}, nil
	case clientgw.ActionFiltered, clientgw.ActionDestinationUnreachable:
		tx, err := g.node.Encapsulate(client, result.Packet)
		if err == nil {
			g.transmits = append(g.transmits, tx)
		}
		return NetworkInputResult{}, nil
	default: // ActionDrop
		return NetworkInputResult{}, nil
	}
}

// HandleDomainResolved applies the outcome of an asynchronous DNS
// resolution triggered by an AssignedIpsEvent, and always produces
// exactly one DomainStatus control reply.
func (g *GatewayState) HandleDomainResolved(client core.ClientId, resourceID core.ResourceId, domain string, resolvedIPs, proxyIPs []netip.Addr, resolveErr error) {
	peer, ok := g.peers.Get(client)
	active := false

	if ok && resolveErr == nil {
		if err := peer.SetupNat(domain, resourceID, resolvedIPs, proxyIPs); err == nil {
			active = true
		}
	}

	frame := buildDomainStatusFrame(resourceID, domain, active)
	tx, err := g.node.Encapsulate(client, frame)
	if err != nil {
		return
	}
	g.transmits = append(g.transmits, tx)
}

// HandleTimeout advances connection bookkeeping and, on the
// ExpireResourcesInterval cadence, sweeps resource expiry and idle NAT
// sessions across every peer, garbage-collecting any that empty out.
func (g *GatewayState) HandleTimeout(now core.Instant, utcNow core.Timestamp) {
	g.node.ExpireIdle(now)
	for {
		ev, ok := g.node.PollEvent()
		if !ok {
			break
		}
		if ev.Closed || ev.Reason != nil {
			g.CleanupConnection(ev.Client)
		}
	}

	if !g.nextExpiryTick.IsZero() && now.Before(g.nextExpiryTick) {
		return
	}
	g.nextExpiryTick = now.Add(ExpireResourcesInterval)

	var emptied []*clientgw.ClientOnGateway
	g.peers.Each(func(peer *clientgw.ClientOnGateway) {
		peer.ExpireResources(utcNow)
		peer.HandleTimeout(now)
		if peer.IsEmptied() {
			emptied = append(emptied, peer)
		}
	})
	for _, peer := range emptied {
		g.gcIfEmptied(peer)
	}
}

// PollTimeout reports the next instant HandleTimeout should be driven
// at, for a caller that schedules its own timer.
func (g *GatewayState) PollTimeout() core.Instant { return g.nextExpiryTick }

// PollTransmit drains GatewayState's own buffered transmits first, then
// falls back to the Node's.
func (g *GatewayState) PollTransmit() (wgnode.Transmit, bool) {
	if len(g.transmits) > 0 {
		t := g.transmits[0]
		g.transmits = g.transmits[1:]
		return t, true
	}
	return g.node.PollTransmit()
}

// PollEvent drains the next buffered outbound Event, if any.
func (g *GatewayState) PollEvent() (Event, bool) {
	if len(g.events) == 0 {
		return Event{}, false
	}
	ev := g.events[0]
	g.events = g.events[1:]
	return ev, true
}

func (g *GatewayState) queueEvent(ev Event) { g.events = append(g.events, ev) }

// PeerCount reports the number of currently connected clients.
func (g *GatewayState) PeerCount() int { return g.peers.Len() }
