// Package core holds the ambient plumbing shared by every gateway package:
// opaque identifiers, clocks, logging, configuration, the event bus and the
// classified error taxonomy.
package core

import (
	"github.com/google/uuid"
)

// ClientId identifies a remote endpoint tunneling through this gateway.
type ClientId uuid.UUID

// GatewayId identifies this gateway instance to the control plane.
type GatewayId uuid.UUID

// ResourceId identifies a policy object a client may be authorized against.
type ResourceId uuid.UUID

// RelayId identifies a STUN/TURN relay advertised by the control plane.
type RelayId uuid.UUID

// NewClientId parses a 128-bit client identifier from its wire form.
func NewClientId(s string) (ClientId, error) {
	id, err := uuid.Parse(s)
	return ClientId(id), err
}

// NewResourceId parses a 128-bit resource identifier from its wire form.
func NewResourceId(s string) (ResourceId, error) {
	id, err := uuid.Parse(s)
	return ResourceId(id), err
}

// NewRelayId parses a 128-bit relay identifier from its wire form.
func NewRelayId(s string) (RelayId, error) {
	id, err := uuid.Parse(s)
	return RelayId(id), err
}

func (c ClientId) String() string   { return uuid.UUID(c).String() }
func (g GatewayId) String() string  { return uuid.UUID(g).String() }
func (r ResourceId) String() string { return uuid.UUID(r).String() }
func (r RelayId) String() string    { return uuid.UUID(r).String() }

// IsZero reports whether the id is the all-zero nil UUID.
func (c ClientId) IsZero() bool   { return uuid.UUID(c) == uuid.Nil }
func (r ResourceId) IsZero() bool { return uuid.UUID(r) == uuid.Nil }
