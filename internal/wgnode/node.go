// Package wgnode is the gateway's boundary collaborator standing in for
// the out-of-scope encrypted transport: a real gateway speaks WireGuard
// framed in UDP with ICE-driven path selection; this package gives the
// sans-IO core a concrete, testable seam to call through without
// pulling in a full WireGuard/ICE stack.
//
// Each client gets one session, keyed by ClientId, holding a
// ChaCha20-Poly1305 AEAD derived via HKDF from a pre-shared secret (the
// handshake itself — Noise over ICE candidate pairs — is the piece this
// package deliberately does not implement).
package wgnode

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/edgestitch/gateway/internal/core"
)

var (
	// ErrUnknownClient is returned when no session has been upserted
	// yet for the client an operation names.
	ErrUnknownClient = errors.New("wgnode: unknown client")
	// ErrShortCiphertext is returned when an inbound datagram is too
	// short to contain a session header and an AEAD tag.
	ErrShortCiphertext = errors.New("wgnode: ciphertext too short")
	// ErrAuthFailed is returned when AEAD verification fails.
	ErrAuthFailed = errors.New("wgnode: authentication failed")

	// errSessionIdle is the ConnectionEvent.Reason ExpireIdle attaches
	// to a ConnectionFailed event.
	errSessionIdle = errors.New("wgnode: session idle past sessionIdleTimeout")
)

const (
	sessionHeaderLen = 16 // client-id prefix used to route inbound datagrams to a session
	nonceLen         = chacha20poly1305.NonceSize

	// sessionIdleTimeout is how long a session may go without a
	// successfully decapsulated datagram before ExpireIdle treats the
	// transport as failed. A real WireGuard/ICE stack would derive this
	// from handshake/keepalive timers; this stand-in only has inbound
	// traffic to go by.
	sessionIdleTimeout = 3 * time.Minute
)

// Transmit is an encrypted datagram the driver must send over a UDP
// socket.
type Transmit struct {
	Src     netip.AddrPort // local socket to send from, zero value = default
	Dst     netip.AddrPort
	Payload []byte
}

// ConnectionEvent is a change in session liveness the GatewayState must
// react to by removing (or keeping) the associated peer.
type ConnectionEvent struct {
	Client core.ClientId
	Closed bool // true: ConnectionClosed; false: ConnectionFailed
	Reason error
}

// session is one client's encrypted channel state.
type session struct {
	client     core.ClientId
	aead       cipherAEAD
	remote     netip.AddrPort
	candidates map[string]netip.AddrPort // ICE candidate pool, by opaque id
	relays     []netip.AddrPort
	lastSeen   core.Instant
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}

// Node owns every client session and the FIFO buffers the sans-IO core
// drains each poll: connection-liveness events and encrypted transmits
// produced as a side effect of a control-plane operation (rather than
// directly returned to the caller).
type Node struct {
	mu       sync.Mutex
	sessions map[core.ClientId]*session
	events   []ConnectionEvent
	transmit []Transmit
	counter  uint64
}

// New constructs an empty Node.
func New() *Node {
	return &Node{sessions: make(map[core.ClientId]*session)}
}

func clientIDBytes(c core.ClientId) [16]byte { return [16]byte(c) }

func clientIDFromBytes(b []byte) core.ClientId {
	var a [16]byte
	copy(a[:], b)
	return core.ClientId(a)
}

// UpsertConnection creates or replaces the session for client, deriving
// a fresh AEAD key from presharedSecret via HKDF-SHA256 (salted with
// the client id, so two clients sharing a secret never share a key).
// now seeds the session's liveness clock so a freshly authorized client
// isn't immediately eligible for ExpireIdle.
func (n *Node) UpsertConnection(client core.ClientId, remote netip.AddrPort, presharedSecret []byte, now core.Instant) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	idBytes := clientIDBytes(client)
	kdf := hkdf.New(sha256.New, presharedSecret, idBytes[:], []byte("edgestitch-gateway-session"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("[Node] derive session key for %s: %w", client, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("[Node] construct AEAD for %s: %w", client, err)
	}

	n.sessions[client] = &session{
		client:     client,
		aead:       aead,
		lastSeen:   now,
		remote:     remote,
		candidates: make(map[string]netip.AddrPort),
	}
	return nil
}

// RemoveConnection tears down a client's session, e.g. on
// cleanup_connection or remove_access emptying the client's resources.
func (n *Node) RemoveConnection(client core.ClientId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, client)
}

// HasConnection reports whether a session exists for client.
func (n *Node) HasConnection(client core.ClientId) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[client]
	return ok
}

// AddIceCandidate records a candidate address for client under id,
// replacing any previous candidate registered under the same id.
func (n *Node) AddIceCandidate(client core.ClientId, id string, addr netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[client]
	if !ok {
		return ErrUnknownClient
	}
	s.candidates[id] = addr
	return nil
}

// RemoveIceCandidate invalidates a previously added candidate.
func (n *Node) RemoveIceCandidate(client core.ClientId, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[client]
	if !ok {
		return ErrUnknownClient
	}
	delete(s.candidates, id)
	return nil
}

// UpdateRelays replaces the STUN/TURN relay set offered to client for
// path selection. An empty set means no relays are currently available
// (see the NoTurnServers failure contract in GatewayState).
func (n *Node) UpdateRelays(client core.ClientId, relays []netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[client]
	if !ok {
		return ErrUnknownClient
	}
	s.relays = relays
	return nil
}

// Encapsulate seals payload for client and returns the Transmit the
// driver must hand to the UDP socket.
func (n *Node) Encapsulate(client core.ClientId, payload []byte) (Transmit, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[client]
	if !ok {
		return Transmit{}, ErrUnknownClient
	}

	n.counter++
	nonce := make([]byte, nonceLen)
	binary.BigEndian.PutUint64(nonce[nonceLen-8:], n.counter)

	idBytes := clientIDBytes(client)
	sealed := make([]byte, 0, sessionHeaderLen+nonceLen+len(payload)+s.aead.Overhead())
	sealed = append(sealed, idBytes[:]...)
	sealed = append(sealed, nonce...)
	sealed = s.aead.Seal(sealed, nonce, payload, idBytes[:])

	return Transmit{Dst: s.remote, Payload: sealed}, nil
}

// Decapsulate opens an inbound datagram, returning the originating
// client id and the decrypted IP packet. from/local are recorded so
// the caller can update the session's observed remote address (ICE
// path migration), which this simplified Node applies eagerly. now
// refreshes the session's liveness clock for ExpireIdle.
func (n *Node) Decapsulate(local, from netip.AddrPort, raw []byte, now core.Instant) (core.ClientId, []byte, error) {
	if len(raw) < sessionHeaderLen+nonceLen {
		return core.ClientId{}, nil, ErrShortCiphertext
	}
	idBytes := raw[:sessionHeaderLen]
	client := clientIDFromBytes(idBytes)

	n.mu.Lock()
	s, ok := n.sessions[client]
	n.mu.Unlock()
	if !ok {
		return core.ClientId{}, nil, ErrUnknownClient
	}

	nonce := raw[sessionHeaderLen : sessionHeaderLen+nonceLen]
	ciphertext := raw[sessionHeaderLen+nonceLen:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, idBytes)
	if err != nil {
		return core.ClientId{}, nil, ErrAuthFailed
	}

	n.mu.Lock()
	s.remote = from
	s.lastSeen = now
	n.mu.Unlock()
	return client, plain, nil
}

// ExpireIdle removes every session that hasn't decapsulated a datagram
// within sessionIdleTimeout of now, queuing a ConnectionFailed event for
// each so GatewayState.HandleTimeout removes the matching peer. This is
// the only production path that ever produces such an event — a real
// WireGuard/ICE stack would instead detect a dead path directly and
// call QueueEvent itself.
func (n *Node) ExpireIdle(now core.Instant) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for client, s := range n.sessions {
		if now.Sub(s.lastSeen) <= sessionIdleTimeout {
			continue
		}
		delete(n.sessions, client)
		n.events = append(n.events, ConnectionEvent{Client: client, Closed: false, Reason: errSessionIdle})
	}
}

// QueueEvent buffers a connection-liveness event for the next
// PollEvent. No gateway code path calls it; ExpireIdle appends its
// events directly.
func (n *Node) QueueEvent(ev ConnectionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// PollEvent drains the next buffered connection event, if any.
func (n *Node) PollEvent() (ConnectionEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return ConnectionEvent{}, false
	}
	ev := n.events[0]
	n.events = n.events[1:]
	return ev, true
}

// PollTransmit drains the next transmit buffered by QueueTransmit, if
// any.
func (n *Node) PollTransmit() (Transmit, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.transmit) == 0 {
		return Transmit{}, false
	}
	t := n.transmit[0]
	n.transmit = n.transmit[1:]
	return t, true
}

// QueueTransmit buffers an out-of-band transmit for the next
// PollTransmit. GatewayState keeps its own control replies (such as
// the one HandleDomainResolved produces) in its own buffer, not here.
func (n *Node) QueueTransmit(t Transmit) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transmit = append(n.transmit, t)
}
