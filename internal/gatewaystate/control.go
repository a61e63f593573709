package gatewaystate

import (
	"encoding/json"
	"net/netip"

	"github.com/edgestitch/gateway/internal/clientgw"
	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/resource"
)

// In-band control packets are tunnelled inside the encrypted transport
// alongside ordinary IP packets. Ordinary packets always begin with an
// IP version nibble (0x4 or 0x6); a control frame begins with a byte
// that can never be a valid IP version, which is enough to distinguish
// the two without a real protocol-number-tagged IP header.
const controlMagic byte = 0xC0

type controlEventCode uint8

const (
	controlEventAssignedIps  controlEventCode = 1
	controlEventDomainStatus controlEventCode = 2
)

type assignedIpsPayload struct {
	ResourceID string   `json:"resource_id"`
	Domain     string   `json:"domain"`
	ProxyIPs   []string `json:"proxy_ips"`
}

type domainStatusPayload struct {
	ResourceID string `json:"resource_id"`
	Domain     string `json:"domain"`
	Active     bool   `json:"active"`
}

func isControlFrame(raw []byte) bool {
	return len(raw) >= 2 && raw[0] == controlMagic
}

func buildDomainStatusFrame(resourceID core.ResourceId, domain string, active bool) []byte {
	payload, _ := json.Marshal(domainStatusPayload{
		ResourceID: resourceID.String(),
		Domain:     domain,
		Active:     active,
	})
	frame := make([]byte, 2, 2+len(payload))
	frame[0] = controlMagic
	frame[1] = byte(controlEventDomainStatus)
	return append(frame, payload...)
}

// handleControlFrame dispatches one decoded in-band control packet
// from peer. Unknown event codes are logged and ignored.
func (g *GatewayState) handleControlFrame(peer *clientgw.ClientOnGateway, raw []byte) {
	if len(raw) < 2 {
		return
	}
	switch controlEventCode(raw[1]) {
	case controlEventAssignedIps:
		g.handleAssignedIps(peer, raw[2:])
	default:
		// Unknown event code: logged and ignored per spec.
		core.Log.Debugf("Gateway", "ignoring control frame with unknown event code %d from %s", raw[1], peer.ID())
	}
}

// handleAssignedIps implements the AssignedIpsEvent path: if the named
// resource is not an authorized DNS resource for this client, answer
// Inactive immediately; otherwise buffer a ResolveDns event for the
// host to perform DNS resolution asynchronously.
func (g *GatewayState) handleAssignedIps(peer *clientgw.ClientOnGateway, payload []byte) {
	var p assignedIpsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	resourceID, err := core.NewResourceId(p.ResourceID)
	if err != nil {
		return
	}

	res, ok := peer.Resource(resourceID)
	if !ok || res.Kind != resource.KindDns {
		frame := buildDomainStatusFrame(resourceID, p.Domain, false)
		if tx, err := g.node.Encapsulate(peer.ID(), frame); err == nil {
			g.transmits = append(g.transmits, tx)
		}
		return
	}

	var proxyIPs []netip.Addr
	for _, s := range p.ProxyIPs {
		if addr, err := netip.ParseAddr(s); err == nil {
			proxyIPs = append(proxyIPs, addr)
		}
	}

	g.queueEvent(Event{
		Kind:       EventResolveDns,
		Client:     peer.ID(),
		ResourceID: resourceID,
		Domain:     p.Domain,
		ProxyIPs:   proxyIPs,
	})
}
