// Package signaling defines the JSON wire messages exchanged with the
// control plane over a persistent channel, and a client that keeps that
// channel open and reconnects on failure.
package signaling

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/resource"
)

// InboundKind tags the variant of a message received from the control
// plane.
type InboundKind string

const (
	InboundInit                             InboundKind = "init"
	InboundAuthorizeFlow                    InboundKind = "authorize_flow"
	InboundAllowAccess                      InboundKind = "allow_access"
	InboundRequestConnection                InboundKind = "request_connection"
	InboundIceCandidates                    InboundKind = "ice_candidates"
	InboundInvalidateIceCandidates          InboundKind = "invalidate_ice_candidates"
	InboundRejectAccess                     InboundKind = "reject_access"
	InboundRelaysPresence                   InboundKind = "relays_presence"
	InboundResourceUpdated                  InboundKind = "resource_updated"
	InboundAccessAuthorizationExpiryUpdated InboundKind = "access_authorization_expiry_updated"
)

// Inbound is one envelope received over the channel. Payload is decoded
// against Kind by the event loop, not by this package, so adding a new
// message never requires touching the transport.
type Inbound struct {
	Kind    InboundKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// InitPayload brings the initial interface config, relay set, and
// pre-existing authorizations on channel (re)connect.
type InitPayload struct {
	Interface      IpConfigWire        `json:"interface"`
	Relays         []RelayWire         `json:"relays"`
	Authorizations []AuthorizationWire `json:"authorizations"`
}

// IpConfigWire is the wire form of core.IpConfig.
type IpConfigWire struct {
	V4 string `json:"v4,omitempty"`
	V6 string `json:"v6,omitempty"`
}

func (w IpConfigWire) Decode() core.IpConfig {
	var cfg core.IpConfig
	if a, err := netip.ParseAddr(w.V4); err == nil {
		cfg.V4 = a
	}
	if a, err := netip.ParseAddr(w.V6); err == nil {
		cfg.V6 = a
	}
	return cfg
}

// RelayWire is one STUN/TURN relay as advertised by signaling.
type RelayWire struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// AuthorizationWire is one (client, resource) authorization bundled
// into Init.
type AuthorizationWire struct {
	Client        string       `json:"client"`
	ClientTunIPv4 string       `json:"client_tun_ipv4"`
	ClientTunIPv6 string       `json:"client_tun_ipv6"`
	Resource      ResourceWire `json:"resource"`
}

// ResourceWire is the wire form of a resource.Resource.
type ResourceWire struct {
	ID        string       `json:"id"`
	Kind      string       `json:"kind"` // "cidr" | "dns" | "internet"
	Network   string       `json:"network,omitempty"`
	Domain    string       `json:"domain,omitempty"`
	Filters   []FilterWire `json:"filters,omitempty"`
	ExpiresAt int64        `json:"expires_at,omitempty"` // unix seconds, 0 = never
}

// FilterWire is the wire form of a resource.Filter.
type FilterWire struct {
	Proto string `json:"proto"` // "tcp" | "udp" | "icmp"
	Start uint16 `json:"start,omitempty"`
	End   uint16 `json:"end,omitempty"`
}

// UnixTimestamp converts a wire unix-seconds value to core.Timestamp,
// treating 0 as "never expires" (the zero Timestamp).
func UnixTimestamp(sec int64) core.Timestamp {
	if sec == 0 {
		return core.Timestamp{}
	}
	return core.Timestamp(time.Unix(sec, 0).UTC())
}

// Decode builds the resource.Resource w describes, parsing whichever
// fields its Kind actually uses.
func (w ResourceWire) Decode() (*resource.Resource, error) {
	id, err := core.NewResourceId(w.ID)
	if err != nil {
		return nil, fmt.Errorf("[Signaling] resource id %q: %w", w.ID, err)
	}
	expiresAt := UnixTimestamp(w.ExpiresAt)
	filters := make(resource.Filters, len(w.Filters))
	for i, f := range w.Filters {
		filters[i] = f.Decode()
	}

	switch w.Kind {
	case "cidr":
		network, err := netip.ParsePrefix(w.Network)
		if err != nil {
			return nil, fmt.Errorf("[Signaling] resource %s network %q: %w", id, w.Network, err)
		}
		return resource.NewCidr(id, network, filters, expiresAt), nil
	case "dns":
		return resource.NewDns(id, w.Domain, filters, expiresAt), nil
	case "internet":
		return resource.NewInternet(id, expiresAt), nil
	default:
		return nil, fmt.Errorf("[Signaling] resource %s: unknown kind %q", id, w.Kind)
	}
}

func (f FilterWire) Decode() resource.Filter {
	var proto resource.Proto
	switch f.Proto {
	case "tcp":
		proto = resource.ProtoTCP
	case "udp":
		proto = resource.ProtoUDP
	case "icmp":
		proto = resource.ProtoICMP
	}
	return resource.Filter{Proto: proto, Ports: resource.PortRange{Start: f.Start, End: f.End}}
}

// AuthorizeFlowPayload requests a new client connection and grants it
// one resource.
type AuthorizeFlowPayload struct {
	Client          string       `json:"client"`
	ClientRemote    string       `json:"client_remote"`
	PresharedSecret []byte       `json:"preshared_secret"`
	ClientTunIPv4   string       `json:"client_tun_ipv4"`
	ClientTunIPv6   string       `json:"client_tun_ipv6"`
	Resource        ResourceWire `json:"resource"`
}

// RequestConnectionPayload is the legacy predecessor of AuthorizeFlow:
// same fields, handled identically.
type RequestConnectionPayload = AuthorizeFlowPayload

// AllowAccessPayload grants an additional resource to an already
// connected client (legacy message).
type AllowAccessPayload struct {
	Client   string       `json:"client"`
	Resource ResourceWire `json:"resource"`
}

// IceCandidatesPayload carries opaque ICE candidate strings for client.
type IceCandidatesPayload struct {
	Client     string   `json:"client"`
	Candidates []string `json:"candidates"`
}

// RejectAccessPayload revokes a single resource authorization.
type RejectAccessPayload struct {
	Client     string `json:"client"`
	ResourceID string `json:"resource_id"`
}

// RelaysPresencePayload replaces the globally known relay set.
type RelaysPresencePayload struct {
	Relays []RelayWire `json:"relays"`
}

// ResourceUpdatedPayload replaces a resource's filters/expiry in place.
type ResourceUpdatedPayload struct {
	Client   string       `json:"client"`
	Resource ResourceWire `json:"resource"`
}

// AccessAuthorizationExpiryUpdatedPayload changes only a resource's
// expiry.
type AccessAuthorizationExpiryUpdatedPayload struct {
	Client     string `json:"client"`
	ResourceID string `json:"resource_id"`
	ExpiresAt  int64  `json:"expires_at"`
}

// OutboundKind tags the variant of a message sent to the control plane.
type OutboundKind string

const (
	OutboundBroadcastIceCandidates            OutboundKind = "broadcast_ice_candidates"
	OutboundBroadcastInvalidatedIceCandidates OutboundKind = "broadcast_invalidated_ice_candidates"
	OutboundFlowAuthorized                    OutboundKind = "flow_authorized"
	OutboundConnectionReady                   OutboundKind = "connection_ready"
)

// Outbound is one envelope sent over the channel.
type Outbound struct {
	Kind    OutboundKind `json:"kind"`
	Payload any          `json:"payload"`
}

// BroadcastIceCandidatesPayload relays candidates gathered for client to
// every other participant in its session.
type BroadcastIceCandidatesPayload struct {
	Client     string   `json:"client"`
	Candidates []string `json:"candidates"`
}

// FlowAuthorizedPayload acknowledges a successful AuthorizeFlow.
type FlowAuthorizedPayload struct {
	Client string `json:"client"`
}

// ConnectionReadyPayload announces the gateway side of a client's
// connection has completed its transport handshake.
type ConnectionReadyPayload struct {
	Client string `json:"client"`
}
