package dnsserver

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestUDPQueryRoundTrip(t *testing.T) {
	s := New()
	if err := s.Bind([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, 0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	addr := s.udpConns[0].LocalAddr().(*net.UDPAddr)
	client, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("a query")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case q := <-s.Queries():
		if string(q.Raw) != "a query" {
			t.Fatalf("got query %q", q.Raw)
		}
		if err := q.Reply([]byte("an answer")); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for query")
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read reply: %v", err)
	}
	if string(buf[:n]) != "an answer" {
		t.Fatalf("got reply %q", buf[:n])
	}
}

func TestTCPQueryRoundTrip(t *testing.T) {
	s := New()
	if err := s.Bind([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, 0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	addr := s.tcpLns[0].Addr().(*net.TCPAddr)
	conn, err := net.DialTCP("tcp4", nil, addr)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	payload := []byte("a tcp query")
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	select {
	case q := <-s.Queries():
		if string(q.Raw) != "a tcp query" {
			t.Fatalf("got query %q", q.Raw)
		}
		if err := q.Reply([]byte("a tcp answer")); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for query")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var gotLen [2]byte
	if _, err := readFull(conn, gotLen[:]); err != nil {
		t.Fatalf("read reply length: %v", err)
	}
	n := binary.BigEndian.Uint16(gotLen[:])
	resp := make([]byte, n)
	if _, err := readFull(conn, resp); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(resp) != "a tcp answer" {
		t.Fatalf("got reply %q", resp)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New()
	if err := s.Bind([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, 0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
