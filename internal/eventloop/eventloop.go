// Package eventloop wires the sans-IO gatewaystate, the I/O driver, and
// the signaling channel together. It owns the one goroutine that ever
// touches GatewayState: every tunnel packet, timer tick, and
// control-plane message is serialized through Run's loop.
package eventloop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/dnsserver"
	"github.com/edgestitch/gateway/internal/driver"
	"github.com/edgestitch/gateway/internal/gatewaystate"
	"github.com/edgestitch/gateway/internal/resolver"
	"github.com/edgestitch/gateway/internal/signaling"
	"github.com/edgestitch/gateway/internal/tundev"
)

// tunReconfig is the outcome of re-creating the TUN device with a new
// address set, completed on its own goroutine and drained by Run like
// any other bounded task.
type tunReconfig struct {
	addrs tundev.AddressSet
	err   error
}

// pendingDomain is a ResolveDns request awaiting an upstream answer,
// correlated back to the client/resource that asked for it.
type pendingDomain struct {
	client     core.ClientId
	resourceID core.ResourceId
	domain     string
	proxyIPs   []netip.Addr
}

// EventLoop drains GatewayState's buffered output, the I/O driver's
// input, and the signaling channel's inbound queue in a single loop.
type EventLoop struct {
	gw  *gatewaystate.GatewayState
	drv *driver.Driver
	sig *signaling.Client
	dns *dnsserver.Server

	localDNSPort int
	tunName      string
	tunMTU       int

	reconfigCh chan tunReconfig
	pending    map[string]pendingDomain
	nextReqID  atomic.Uint64
}

// Config bundles the collaborators an EventLoop is constructed with.
type Config struct {
	GatewayState *gatewaystate.GatewayState
	Driver       *driver.Driver
	Signaling    *signaling.Client
	DNSServer    *dnsserver.Server
	LocalDNSPort int
	TunName      string
	TunMTU       int
}

// New constructs an EventLoop over already-configured collaborators.
func New(cfg Config) *EventLoop {
	return &EventLoop{
		gw:           cfg.GatewayState,
		drv:          cfg.Driver,
		sig:          cfg.Signaling,
		dns:          cfg.DNSServer,
		localDNSPort: cfg.LocalDNSPort,
		tunName:      cfg.TunName,
		tunMTU:       cfg.TunMTU,
		reconfigCh:   make(chan tunReconfig, 1),
		pending:      make(map[string]pendingDomain),
	}
}

// Run drives the loop until ctx is cancelled or a fatal error occurs
// (per the error-handling design, only a dead UDP socket thread
// propagates out; every other failure is logged and absorbed).
func (e *EventLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := e.drv.FlushEgress(); err != nil {
			core.Log.Debugf("EventLoop", "flush egress: %v", err)
		}
		e.drainTransmits()
		e.drainEvents()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-e.sig.Inbound():
			if !ok {
				return nil
			}
			e.handleInbound(msg)
			continue
		case rc := <-e.reconfigCh:
			e.handleTunReconfig(rc)
			continue
		default:
		}

		in, err := e.drv.Poll(ctx)
		if err != nil {
			return fmt.Errorf("[EventLoop] poll: %w", err)
		}
		e.handleDriverInput(in)
	}
}

func (e *EventLoop) drainTransmits() {
	for {
		tx, ok := e.gw.PollTransmit()
		if !ok {
			return
		}
		e.drv.QueueTransmit(tx)
	}
}

func (e *EventLoop) drainEvents() {
	for {
		ev, ok := e.gw.PollEvent()
		if !ok {
			return
		}
		switch ev.Kind {
		case gatewaystate.EventAddedIceCandidates:
			e.sendOrLog(signaling.Outbound{
				Kind: signaling.OutboundBroadcastIceCandidates,
				Payload: signaling.BroadcastIceCandidatesPayload{
					Client:     ev.Client.String(),
					Candidates: ev.Candidates,
				},
			})
		case gatewaystate.EventRemovedIceCandidates:
			e.sendOrLog(signaling.Outbound{
				Kind: signaling.OutboundBroadcastInvalidatedIceCandidates,
				Payload: signaling.BroadcastIceCandidatesPayload{
					Client:     ev.Client.String(),
					Candidates: ev.Candidates,
				},
			})
		case gatewaystate.EventResolveDns:
			e.submitDomainResolution(ev)
		}
	}
}

func (e *EventLoop) sendOrLog(msg signaling.Outbound) {
	if err := e.sig.Send(msg); err != nil {
		core.Log.Debugf("EventLoop", "send %s: %v", msg.Kind, err)
	}
}

func (e *EventLoop) submitDomainResolution(ev gatewaystate.Event) {
	reqID := strconv.FormatUint(e.nextReqID.Add(1), 10)
	e.pending[reqID] = pendingDomain{
		client:     ev.Client,
		resourceID: ev.ResourceID,
		domain:     ev.Domain,
		proxyIPs:   ev.ProxyIPs,
	}
	if !e.drv.SubmitDNSTask(driver.DNSTask{Token: reqID, Domain: ev.Domain}) {
		delete(e.pending, reqID)
		core.Log.Warnf("EventLoop", "dns task set full, dropping resolution of %s", ev.Domain)
		e.gw.HandleDomainResolved(ev.Client, ev.ResourceID, ev.Domain, nil, ev.ProxyIPs, fmt.Errorf("dns task set full"))
	}
}

func (e *EventLoop) handleDriverInput(in driver.Input) {
	now := core.Now()
	switch in.Kind {
	case driver.InputNetwork:
		result, err := e.gw.HandleNetworkInput(in.Local, in.From, in.Packet, now)
		if err != nil {
			core.Log.Debugf("EventLoop", "network input: %v", err)
			return
		}
		if result.ToTun != nil {
			if err := e.drv.WriteTun(result.ToTun); err != nil {
				core.Log.Debugf("EventLoop", "write tun: %v", err)
			}
		}
	case driver.InputDevice:
		for _, pkt := range in.Packets {
			if tx, ok := e.gw.HandleTunInput(pkt, now); ok {
				e.drv.QueueTransmit(tx)
			}
		}
	case driver.InputDNSQuery:
		e.handleLocalDNSQuery(in.DNSQuery)
	case driver.InputDNSResponse:
		e.handleDNSResponse(in.DNSResult)
	case driver.InputTimeout:
		e.gw.HandleTimeout(in.Now, core.UtcNow())
		if next := e.gw.PollTimeout(); !next.IsZero() {
			e.drv.ResetTimeout(next)
		}
	}
}

// handleLocalDNSQuery forwards one query that arrived on the local DNS
// listener to the bounded resolution task set, carrying the query's
// Reply callback so the answer can be written directly back once it
// completes — this path never touches GatewayState.
func (e *EventLoop) handleLocalDNSQuery(q dnsserver.Query) {
	msg := new(dns.Msg)
	if err := msg.Unpack(q.Raw); err != nil || len(msg.Question) == 0 {
		core.Log.Debugf("EventLoop", "malformed dns query: %v", err)
		return
	}
	domain := msg.Question[0].Name

	if !e.drv.SubmitDNSTask(driver.DNSTask{Domain: domain, Reply: q.Reply, Query: msg}) {
		core.Log.Warnf("EventLoop", "dns task set full, dropping local query for %s", domain)
		e.replyServFail(q, msg)
	}
}

func (e *EventLoop) replyServFail(q dnsserver.Query, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	packed, err := resp.Pack()
	if err != nil {
		return
	}
	if err := q.Reply(packed); err != nil {
		core.Log.Debugf("EventLoop", "reply servfail: %v", err)
	}
}

func (e *EventLoop) handleDNSResponse(res driver.DNSTaskResult) {
	if res.Reply != nil {
		e.replyLocalDNSQuery(res)
		return
	}

	pending, ok := e.pending[res.Token]
	if !ok {
		return
	}
	delete(e.pending, res.Token)
	e.gw.HandleDomainResolved(pending.client, pending.resourceID, pending.domain, res.IPs, pending.proxyIPs, res.Err)
}

func (e *EventLoop) replyLocalDNSQuery(res driver.DNSTaskResult) {
	resp := new(dns.Msg)
	if res.Err != nil {
		resp.SetRcode(res.Query, dns.RcodeNameError)
	} else {
		resp.SetReply(res.Query)
		resp.Answer = answersFor(res.Query.Question[0], res.IPs)
	}
	packed, err := resp.Pack()
	if err != nil {
		core.Log.Debugf("EventLoop", "pack dns response: %v", err)
		return
	}
	if err := res.Reply(packed); err != nil {
		core.Log.Debugf("EventLoop", "reply dns query: %v", err)
	}
}

// answersTTL matches the resolver's own cache lifetime so a client never
// caches a local-DNS-server answer longer than it stays valid upstream.
const answersTTL = uint32(resolver.CacheTTL / time.Second)

func answersFor(q dns.Question, ips []netip.Addr) []dns.RR {
	var rrs []dns.RR
	for _, ip := range ips {
		hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: answersTTL}
		if ip.Is4() && q.Qtype == dns.TypeA {
			hdr.Rrtype = dns.TypeA
			rrs = append(rrs, &dns.A{Hdr: hdr, A: ip.AsSlice()})
		} else if ip.Is6() && q.Qtype == dns.TypeAAAA {
			hdr.Rrtype = dns.TypeAAAA
			rrs = append(rrs, &dns.AAAA{Hdr: hdr, AAAA: ip.AsSlice()})
		}
	}
	return rrs
}

// ReconfigureTun re-creates the TUN device on a separate goroutine and,
// once the kernel assigns its addresses, rebinds the local DNS server
// to them. Completion is drained by Run on its next iteration.
func (e *EventLoop) ReconfigureTun(name string, mtu int, v4, v6 netip.Addr) {
	go func() {
		dev, err := tundev.Open(name, mtu)
		if err != nil {
			e.reconfigCh <- tunReconfig{err: fmt.Errorf("[EventLoop] reconfigure tun: %w", err)}
			return
		}
		e.drv.BindTun(dev)
		e.reconfigCh <- tunReconfig{addrs: tundev.AddressSet{V4: v4, V6: v6}}
	}()
}

func (e *EventLoop) handleTunReconfig(rc tunReconfig) {
	if rc.err != nil {
		core.Log.Warnf("EventLoop", "%v", rc.err)
		return
	}
	e.gw.UpdateTunDevice(rc.addrs.V4, rc.addrs.V6)
	if e.dns == nil {
		return
	}
	if err := e.dns.Bind(rc.addrs.Addrs(), e.localDNSPort); err != nil {
		core.Log.Warnf("EventLoop", "rebind local dns server: %v", err)
	}
}

func (e *EventLoop) handleInbound(msg signaling.Inbound) {
	switch msg.Kind {
	case signaling.InboundInit:
		e.handleInit(msg)
	case signaling.InboundAuthorizeFlow, signaling.InboundRequestConnection:
		e.handleAuthorizeFlow(msg)
	case signaling.InboundAllowAccess:
		e.handleAllowAccess(msg)
	case signaling.InboundIceCandidates:
		e.handleIceCandidates(msg)
	case signaling.InboundInvalidateIceCandidates:
		e.handleInvalidateIceCandidates(msg)
	case signaling.InboundRejectAccess:
		e.handleRejectAccess(msg)
	case signaling.InboundRelaysPresence:
		e.handleRelaysPresence(msg)
	case signaling.InboundResourceUpdated:
		e.handleResourceUpdated(msg)
	case signaling.InboundAccessAuthorizationExpiryUpdated:
		e.handleExpiryUpdated(msg)
	default:
		core.Log.Debugf("EventLoop", "unknown inbound message kind %q", msg.Kind)
	}
}

func (e *EventLoop) decodeRelays(wire []signaling.RelayWire) []gatewaystate.RelayInfo {
	relays := make([]gatewaystate.RelayInfo, 0, len(wire))
	for _, r := range wire {
		id, err := core.NewRelayId(r.ID)
		if err != nil {
			core.Log.Debugf("EventLoop", "relay id %q: %v", r.ID, err)
			continue
		}
		addr, err := netip.ParseAddrPort(r.Addr)
		if err != nil {
			core.Log.Debugf("EventLoop", "relay addr %q: %v", r.Addr, err)
			continue
		}
		relays = append(relays, gatewaystate.RelayInfo{ID: id, Addr: addr})
	}
	return relays
}

func (e *EventLoop) handleInit(msg signaling.Inbound) {
	var p signaling.InitPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		core.Log.Warnf("EventLoop", "init: %v", err)
		return
	}
	cfg := p.Interface.Decode()
	if cfg.IsValid() {
		e.ReconfigureTun(e.tunName, e.tunMTU, cfg.V4, cfg.V6)
	}
	e.gw.UpdateRelays(e.decodeRelays(p.Relays))

	// Authorizations bundled into Init describe resources already
	// granted by the control plane for clients that have not yet
	// re-established their transport session on this (just-reset)
	// gateway instance; AllowAccess legitimately fails here with
	// ErrUnknownClient until the matching AuthorizeFlow arrives, at
	// which point the same resource is granted as part of that call.
	for _, auth := range p.Authorizations {
		client, err := core.NewClientId(auth.Client)
		if err != nil {
			continue
		}
		res, err := auth.Resource.Decode()
		if err != nil {
			core.Log.Warnf("EventLoop", "init authorization: %v", err)
			continue
		}
		if err := e.gw.AllowAccess(client, res); err != nil {
			core.Log.Debugf("EventLoop", "init authorization for %s pending reconnection: %v", client, err)
		}
	}
}

func (e *EventLoop) handleAuthorizeFlow(msg signaling.Inbound) {
	var p signaling.AuthorizeFlowPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		core.Log.Warnf("EventLoop", "authorize_flow: %v", err)
		return
	}
	client, err := core.NewClientId(p.Client)
	if err != nil {
		core.Log.Warnf("EventLoop", "authorize_flow client: %v", err)
		return
	}
	remote, err := netip.ParseAddrPort(p.ClientRemote)
	if err != nil {
		core.Log.Warnf("EventLoop", "authorize_flow remote: %v", err)
		return
	}
	res, err := p.Resource.Decode()
	if err != nil {
		core.Log.Warnf("EventLoop", "authorize_flow resource: %v", err)
		return
	}
	clientV4, _ := netip.ParseAddr(p.ClientTunIPv4)
	clientV6, _ := netip.ParseAddr(p.ClientTunIPv6)

	if err := e.gw.AuthorizeFlow(client, remote, p.PresharedSecret, clientV4, clientV6, res.ID, res, core.Now()); err != nil {
		core.Log.Warnf("EventLoop", "authorize_flow %s: %v", client, err)
		return
	}
	e.sendOrLog(signaling.Outbound{
		Kind:    signaling.OutboundFlowAuthorized,
		Payload: signaling.FlowAuthorizedPayload{Client: client.String()},
	})
	e.sendOrLog(signaling.Outbound{
		Kind:    signaling.OutboundConnectionReady,
		Payload: signaling.ConnectionReadyPayload{Client: client.String()},
	})
}

func (e *EventLoop) handleAllowAccess(msg signaling.Inbound) {
	var p signaling.AllowAccessPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		core.Log.Warnf("EventLoop", "allow_access: %v", err)
		return
	}
	client, err := core.NewClientId(p.Client)
	if err != nil {
		return
	}
	res, err := p.Resource.Decode()
	if err != nil {
		core.Log.Warnf("EventLoop", "allow_access resource: %v", err)
		return
	}
	if err := e.gw.AllowAccess(client, res); err != nil {
		core.Log.Debugf("EventLoop", "allow_access %s: %v", client, err)
	}
}

func (e *EventLoop) handleIceCandidates(msg signaling.Inbound) {
	var p signaling.IceCandidatesPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return
	}
	client, err := core.NewClientId(p.Client)
	if err != nil {
		return
	}
	for i, c := range p.Candidates {
		addr, err := candidateAddr(c)
		if err != nil {
			continue
		}
		if err := e.gw.AddIceCandidate(client, candidateID(p.Client, i), addr); err != nil {
			core.Log.Debugf("EventLoop", "add ice candidate: %v", err)
		}
	}
}

func (e *EventLoop) handleInvalidateIceCandidates(msg signaling.Inbound) {
	var p signaling.IceCandidatesPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return
	}
	client, err := core.NewClientId(p.Client)
	if err != nil {
		return
	}
	for i := range p.Candidates {
		if err := e.gw.RemoveIceCandidate(client, candidateID(p.Client, i)); err != nil {
			core.Log.Debugf("EventLoop", "remove ice candidate: %v", err)
		}
	}
}

func (e *EventLoop) handleRejectAccess(msg signaling.Inbound) {
	var p signaling.RejectAccessPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return
	}
	client, err := core.NewClientId(p.Client)
	if err != nil {
		return
	}
	resourceID, err := core.NewResourceId(p.ResourceID)
	if err != nil {
		return
	}
	if err := e.gw.RemoveAccess(client, resourceID); err != nil {
		core.Log.Debugf("EventLoop", "reject_access %s/%s: %v", client, resourceID, err)
	}
}

func (e *EventLoop) handleRelaysPresence(msg signaling.Inbound) {
	var p signaling.RelaysPresencePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return
	}
	e.gw.UpdateRelays(e.decodeRelays(p.Relays))
}

func (e *EventLoop) handleResourceUpdated(msg signaling.Inbound) {
	var p signaling.ResourceUpdatedPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return
	}
	client, err := core.NewClientId(p.Client)
	if err != nil {
		return
	}
	resourceID, err := core.NewResourceId(p.Resource.ID)
	if err != nil {
		return
	}
	res, err := p.Resource.Decode()
	if err != nil {
		core.Log.Warnf("EventLoop", "resource_updated resource: %v", err)
		return
	}
	if err := e.gw.UpdateResource(client, resourceID, res.Filters, res.ExpiresAt); err != nil {
		core.Log.Debugf("EventLoop", "resource_updated %s/%s: %v", client, resourceID, err)
	}
}

func (e *EventLoop) handleExpiryUpdated(msg signaling.Inbound) {
	var p signaling.AccessAuthorizationExpiryUpdatedPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return
	}
	client, err := core.NewClientId(p.Client)
	if err != nil {
		return
	}
	resourceID, err := core.NewResourceId(p.ResourceID)
	if err != nil {
		return
	}
	if err := e.gw.UpdateAccessAuthorizationExpiry(client, resourceID, signaling.UnixTimestamp(p.ExpiresAt)); err != nil {
		core.Log.Debugf("EventLoop", "expiry_updated %s/%s: %v", client, resourceID, err)
	}
}

func candidateID(client string, idx int) string {
	return client + "#" + strconv.Itoa(idx)
}

func candidateAddr(candidate string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(candidate)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("[EventLoop] candidate %q: %w", candidate, err)
	}
	return addr, nil
}

func unmarshalPayload(msg signaling.Inbound, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("[EventLoop] decode %s payload: %w", msg.Kind, err)
	}
	return nil
}
