// Package dnsserver runs the local UDP and TCP DNS listeners the
// gateway binds on each of its tunnel IPs (port 53535, per
// core.LocalDNSPort). It only shuttles raw query bytes in and reply
// bytes back out — resolution itself belongs to the I/O driver's
// bounded DNS task set and the resolver package, keeping this package a
// thin boundary collaborator rather than a resolver in its own right.
package dnsserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
)

// Query is one inbound DNS message along with a Reply callback that
// sends the answer back to whichever client and transport (UDP or TCP)
// it arrived on. Reply must be called at most once.
type Query struct {
	Raw   []byte
	Reply func(resp []byte) error
}

// Server listens for DNS queries on UDP and TCP across one or more
// bound addresses and funnels them onto a single Queries channel.
type Server struct {
	queries chan Query

	mu       sync.Mutex
	udpConns []*net.UDPConn
	tcpLns   []net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// New creates a Server with no bound listeners yet.
func New() *Server {
	return &Server{queries: make(chan Query, 256)}
}

// Queries returns the channel the I/O driver polls for inbound DNS
// queries (UdpDnsQuery / TcpDnsQuery in the driver's poll order).
func (s *Server) Queries() <-chan Query { return s.queries }

// Bind starts UDP and TCP listeners on addr:port for each of addrs.
// Call again after a TUN reconfiguration changes the gateway's tunnel
// addresses; existing listeners are left running, so callers should
// Close before rebinding to a changed address set.
func (s *Server) Bind(addrs []netip.Addr, port int) error {
	for _, addr := range addrs {
		udpAddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(port)))
		conn, err := net.ListenUDP(udpNetwork(addr), udpAddr)
		if err != nil {
			s.Close()
			return fmt.Errorf("[DNS] listen udp %s: %w", udpAddr, err)
		}

		ln, err := net.Listen(tcpNetwork(addr), fmt.Sprintf("%s:%d", addr, port))
		if err != nil {
			conn.Close()
			s.Close()
			return fmt.Errorf("[DNS] listen tcp %s:%d: %w", addr, port, err)
		}

		s.mu.Lock()
		s.closed = false
		s.udpConns = append(s.udpConns, conn)
		s.tcpLns = append(s.tcpLns, ln)
		s.mu.Unlock()

		s.wg.Add(2)
		go s.udpLoop(conn)
		go s.tcpLoop(ln)
	}
	return nil
}

func udpNetwork(a netip.Addr) string {
	if a.Is4() {
		return "udp4"
	}
	return "udp6"
}

func tcpNetwork(a netip.Addr) string {
	if a.Is4() {
		return "tcp4"
	}
	return "tcp6"
}

// Close shuts down every bound listener. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.udpConns
	lns := s.tcpLns
	s.udpConns = nil
	s.tcpLns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, l := range lns {
		l.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) udpLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		s.queries <- Query{
			Raw: raw,
			Reply: func(resp []byte) error {
				_, err := conn.WriteToUDPAddrPort(resp, from)
				return err
			},
		}
	}
}

func (s *Server) tcpLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveTCPConn(conn)
	}
}

// serveTCPConn implements the DNS-over-TCP 2-byte length prefix framing
// (RFC 1035 §4.2.2), one query-then-reply per connection round trip,
// looping until the client closes it.
func (s *Server) serveTCPConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		raw := make([]byte, n)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return
		}

		done := make(chan error, 1)
		s.queries <- Query{
			Raw: raw,
			Reply: func(resp []byte) error {
				var out [2]byte
				binary.BigEndian.PutUint16(out[:], uint16(len(resp)))
				if _, err := conn.Write(out[:]); err != nil {
					done <- err
					return err
				}
				_, err := conn.Write(resp)
				done <- err
				return err
			},
		}
		if err := <-done; err != nil {
			return
		}
	}
}
