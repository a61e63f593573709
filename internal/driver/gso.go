package driver

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/edgestitch/gateway/internal/wgnode"
)

// gsoQueue batches outbound datagrams so FlushEgress submits them in as
// few WriteBatch syscalls as possible. It is a simplified stand-in for
// true generic segmentation offload: it coalesces syscalls via
// x/net/ipv4 and x/net/ipv6's batch writers, not wire datagrams
// themselves into a single oversized one (that requires the raw
// UDP_SEGMENT socket option, out of scope here).
type gsoQueue struct {
	v4 []ipv4.Message
	v6 []ipv6.Message
}

func newGSOQueue() *gsoQueue { return &gsoQueue{} }

// Push appends tx to the batch matching its destination's address
// family.
func (q *gsoQueue) Push(tx wgnode.Transmit) {
	addr := net.UDPAddrFromAddrPort(tx.Dst)
	if tx.Dst.Addr().Is4() || tx.Dst.Addr().Is4In6() {
		q.v4 = append(q.v4, ipv4.Message{Buffers: [][]byte{tx.Payload}, Addr: addr})
	} else {
		q.v6 = append(q.v6, ipv6.Message{Buffers: [][]byte{tx.Payload}, Addr: addr})
	}
}

// Len reports the number of datagrams currently queued.
func (q *gsoQueue) Len() int { return len(q.v4) + len(q.v6) }

// Clear discards every queued datagram without sending it, used by
// Driver.Reset.
func (q *gsoQueue) Clear() {
	q.v4 = q.v4[:0]
	q.v6 = q.v6[:0]
}

// Flush submits every queued datagram to the matching conn via a single
// WriteBatch call per address family, then clears the queue. A nil conn
// for a family that has no queued datagrams is fine; one with queued
// datagrams and a nil conn is an error.
func (q *gsoQueue) Flush(c4 *ipv4.PacketConn, c6 *ipv6.PacketConn) error {
	if len(q.v4) > 0 {
		if c4 == nil {
			return fmt.Errorf("[Driver] %d queued v4 datagrams with no v4 socket bound", len(q.v4))
		}
		if _, err := c4.WriteBatch(q.v4, 0); err != nil {
			return fmt.Errorf("[Driver] write batch v4: %w", err)
		}
	}
	if len(q.v6) > 0 {
		if c6 == nil {
			return fmt.Errorf("[Driver] %d queued v6 datagrams with no v6 socket bound", len(q.v6))
		}
		if _, err := c6.WriteBatch(q.v6, 0); err != nil {
			return fmt.Errorf("[Driver] write batch v6: %w", err)
		}
	}
	q.Clear()
	return nil
}
