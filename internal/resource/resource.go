// Package resource implements the tagged Resource variant and the
// ordered Filters sequence a client is authorized to reach through the
// gateway.
package resource

import (
	"net/netip"

	"github.com/edgestitch/gateway/internal/core"
)

// Kind tags which variant a Resource is. Changing a resource's kind at
// runtime is a violation; nothing checks for it:
// ClientOnGateway.AddResource replaces whatever is registered under the
// same id, whatever its kind.
type Kind int

const (
	KindCidr Kind = iota
	KindDns
	KindInternet
)

func (k Kind) String() string {
	switch k {
	case KindCidr:
		return "cidr"
	case KindDns:
		return "dns"
	case KindInternet:
		return "internet"
	default:
		return "unknown"
	}
}

// Proto is a layer-4 protocol a Filter matches against.
type Proto int

const (
	ProtoTCP Proto = iota
	ProtoUDP
	ProtoICMP
)

// PortRange is an inclusive [Start, End] port interval.
type PortRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether port falls within the range.
func (r PortRange) Contains(port uint16) bool { return port >= r.Start && port <= r.End }

// Filter is one entry of a Filters sequence: a TCP or UDP port range, or
// a bare ICMP allowance.
type Filter struct {
	Proto Proto
	Ports PortRange // ignored when Proto == ProtoICMP
}

// Filters is an ordered sequence of Filter. An empty sequence means
// allow-all; a non-empty sequence is an allow-list (§3).
type Filters []Filter

// IsAllowAll reports whether this filter set is the empty allow-all
// sentinel.
func (f Filters) IsAllowAll() bool { return len(f) == 0 }

// Dns holds the lazily-populated domain → resolved-IPs map of a DNS
// resource. Address is the wildcard pattern (e.g. "*.example.com" or a
// bare "example.com") clients resolve subdomains of.
type Dns struct {
	Address string
	Domains map[string]map[netip.Addr]struct{}
}

// Resource is a tagged union of the three things a client can be
// authorized to reach through the gateway: a CIDR block, a DNS name (with
// its resolved addresses filled in lazily), or the catch-all Internet
// resource. Exactly one of Network/Dns is meaningful, selected by Kind.
type Resource struct {
	ID        core.ResourceId
	Kind      Kind
	ExpiresAt core.Timestamp // zero means "never expires"

	// KindCidr
	Network netip.Prefix
	// KindCidr / KindDns
	Filters Filters
	// KindDns
	Dns Dns
}

// IsAllowed reports whether the resource is still authorized at nowUtc.
// A zero ExpiresAt never expires; otherwise the resource is removed the
// instant nowUtc reaches ExpiresAt, not strictly after it.
func (r *Resource) IsAllowed(nowUtc core.Timestamp) bool {
	if r.ExpiresAt.IsZero() {
		return true
	}
	return nowUtc.Before(r.ExpiresAt)
}

// NewCidr constructs a KindCidr resource.
func NewCidr(id core.ResourceId, network netip.Prefix, filters Filters, expiresAt core.Timestamp) *Resource {
	return &Resource{ID: id, Kind: KindCidr, Network: network, Filters: filters, ExpiresAt: expiresAt}
}

// NewDns constructs a KindDns resource. The domains map starts empty and
// is populated lazily by ClientOnGateway.SetupNat as the client resolves
// subdomains of address.
func NewDns(id core.ResourceId, address string, filters Filters, expiresAt core.Timestamp) *Resource {
	return &Resource{
		ID:        id,
		Kind:      KindDns,
		Filters:   filters,
		ExpiresAt: expiresAt,
		Dns: Dns{
			Address: address,
			Domains: make(map[string]map[netip.Addr]struct{}),
		},
	}
}

// NewInternet constructs a KindInternet resource. It semantically
// matches 0.0.0.0/0 and ::/0 with an always-empty (allow-all) filter set.
func NewInternet(id core.ResourceId, expiresAt core.Timestamp) *Resource {
	return &Resource{ID: id, Kind: KindInternet, ExpiresAt: expiresAt}
}
