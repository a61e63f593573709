// Package peerstore holds the set of clients currently connected to one
// gateway: a primary map keyed by client id, and a secondary index from
// each client's tunnel IPs back to its id, so an inbound TUN packet can
// be routed to the right ClientOnGateway without a linear scan.
package peerstore

import (
	"net/netip"

	"github.com/edgestitch/gateway/internal/clientgw"
	"github.com/edgestitch/gateway/internal/core"
)

// Store is the gateway-wide peer registry.
type Store struct {
	byID map[core.ClientId]*clientgw.ClientOnGateway
	byIP map[netip.Addr]core.ClientId
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID: make(map[core.ClientId]*clientgw.ClientOnGateway),
		byIP: make(map[netip.Addr]core.ClientId),
	}
}

// Insert adds or replaces the client, indexing it under both of its
// tunnel IPs.
func (s *Store) Insert(c *clientgw.ClientOnGateway, tunIPv4, tunIPv6 netip.Addr) {
	s.byID[c.ID()] = c
	if tunIPv4.IsValid() {
		s.byIP[tunIPv4] = c.ID()
	}
	if tunIPv6.IsValid() {
		s.byIP[tunIPv6] = c.ID()
	}
}

// Get returns the client registered under id, if any.
func (s *Store) Get(id core.ClientId) (*clientgw.ClientOnGateway, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// PeerByIP resolves a tunnel IP to its owning client, the lookup an
// inbound TUN packet uses to find the client it is addressed to.
func (s *Store) PeerByIP(ip netip.Addr) (*clientgw.ClientOnGateway, bool) {
	id, ok := s.byIP[ip]
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// Remove drops a client and both of its IP index entries.
func (s *Store) Remove(id core.ClientId, tunIPv4, tunIPv6 netip.Addr) {
	delete(s.byID, id)
	if tunIPv4.IsValid() {
		if existing, ok := s.byIP[tunIPv4]; ok && existing == id {
			delete(s.byIP, tunIPv4)
		}
	}
	if tunIPv6.IsValid() {
		if existing, ok := s.byIP[tunIPv6]; ok && existing == id {
			delete(s.byIP, tunIPv6)
		}
	}
}

// Len reports the number of registered clients.
func (s *Store) Len() int { return len(s.byID) }

// Retain keeps only the clients for which keep returns true, removing
// every other client and its IP index entries, and returns the ids it
// removed.
func (s *Store) Retain(keep func(*clientgw.ClientOnGateway) bool) []core.ClientId {
	var removed []core.ClientId
	for id, c := range s.byID {
		if keep(c) {
			continue
		}
		removed = append(removed, id)
		delete(s.byID, id)
	}
	if len(removed) == 0 {
		return nil
	}
	removedSet := make(map[core.ClientId]struct{}, len(removed))
	for _, id := range removed {
		removedSet[id] = struct{}{}
	}
	for ip, id := range s.byIP {
		if _, ok := removedSet[id]; ok {
			delete(s.byIP, ip)
		}
	}
	return removed
}

// Each calls fn for every registered client, in unspecified order.
func (s *Store) Each(fn func(*clientgw.ClientOnGateway)) {
	for _, c := range s.byID {
		fn(c)
	}
}
