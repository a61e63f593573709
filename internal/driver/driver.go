// Package driver implements the single-threaded cooperative scheduler
// that adapts the sans-IO gatewaystate core to real UDP sockets, a TUN
// device, the local DNS server, and a bounded concurrent DNS resolution
// task set. Every blocking source runs on its own goroutine funnelling
// results onto a channel; Poll itself never blocks more than one
// select, preserving the single-consumer ownership of core state that
// the rest of the system relies on.
package driver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/semaphore"

	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/dnsserver"
	"github.com/edgestitch/gateway/internal/resolver"
	"github.com/edgestitch/gateway/internal/tundev"
	"github.com/edgestitch/gateway/internal/wgnode"
)

// MaxDNSTasks bounds the number of concurrent outbound DNS resolutions;
// submissions beyond this are rejected rather than queued.
const MaxDNSTasks = 1000

// NameserverTick is how often the driver re-evaluates the system
// nameserver list and pushes it into the resolver.
const NameserverTick = 60 * time.Second

// MaxDatagramSize bounds inbound UDP datagrams; larger ones are
// dropped rather than handed to the core.
const MaxDatagramSize = 1500

// TunBatchDefault/TunBatchConstrained are the batch sizes used for
// TUN reads depending on platform constraints.
const (
	TunBatchDefault     = 100
	TunBatchConstrained = 25
)

// NameserverSource supplies the current system nameserver list, queried
// on each NameserverTick.
type NameserverSource interface {
	Nameservers() []string
}

// InputKind tags the variant of one Poll result.
type InputKind int

const (
	InputNone InputKind = iota
	InputNetwork
	InputDevice
	InputDNSQuery
	InputDNSResponse
	InputTimeout
)

// Input is one event Poll hands back to the event loop, in the fixed
// priority order documented on Driver.Poll.
type Input struct {
	Kind InputKind

	// InputNetwork
	Local, From netip.AddrPort
	Packet      []byte

	// InputDevice
	Packets [][]byte

	// InputDNSQuery
	DNSQuery dnsserver.Query

	// InputDNSResponse
	DNSResult DNSTaskResult

	// InputTimeout
	Now core.Instant
}

// DNSTask is one outbound resolution request. Token is an opaque
// correlation value the caller attaches (e.g. a client+resource+domain
// composite) and gets back unchanged on DNSTaskResult. Reply, if set,
// is the originating local DNS server query's reply callback — the
// result is answered directly to the client rather than routed through
// the caller's Token correlation.
type DNSTask struct {
	Token  string
	Domain string
	Reply  func(resp []byte) error
	Query  *dns.Msg
}

// DNSTaskResult is the outcome of a previously submitted DNSTask.
type DNSTaskResult struct {
	Token  string
	Domain string
	IPs    []netip.Addr
	Err    error
	Reply  func(resp []byte) error
	Query  *dns.Msg
}

type networkDatagram struct {
	local, from netip.AddrPort
	payload     []byte
}

// Driver owns every real I/O resource: UDP sockets, the TUN device, the
// local DNS server, and the resolver's bounded task set.
type Driver struct {
	udp4Conn *net.UDPConn
	udp6Conn *net.UDPConn
	udp4     *ipv4.PacketConn
	udp6     *ipv6.PacketConn

	tun *tundev.Device
	dns *dnsserver.Server

	resolver         *resolver.Resolver
	nameserverSource NameserverSource
	nameserverTicker *time.Ticker

	gso *gsoQueue

	dnsSem     *semaphore.Weighted
	dnsResults chan DNSTaskResult

	networkCh chan networkDatagram
	deviceCh  chan [][]byte

	timer         *time.Timer
	timerSet      bool
	timerDeadline core.Instant

	counters *core.Counters

	tunBatchSize int
}

// Config bundles the collaborators a Driver is constructed with.
type Config struct {
	Resolver         *resolver.Resolver
	NameserverSource NameserverSource
	Counters         *core.Counters
	Constrained      bool // true on platforms that can't sustain large TUN batches
}

// New constructs a Driver with no sockets bound yet; call BindUDP,
// BindTun, and BindDNS before Poll can report real input.
func New(cfg Config) *Driver {
	counters := cfg.Counters
	if counters == nil {
		counters = &core.Counters{}
	}
	batch := TunBatchDefault
	if cfg.Constrained {
		batch = TunBatchConstrained
	}
	d := &Driver{
		resolver:         cfg.Resolver,
		nameserverSource: cfg.NameserverSource,
		nameserverTicker: time.NewTicker(NameserverTick),
		gso:              newGSOQueue(),
		dnsSem:           semaphore.NewWeighted(MaxDNSTasks),
		dnsResults:       make(chan DNSTaskResult, MaxDNSTasks),
		networkCh:        make(chan networkDatagram, 256),
		deviceCh:         make(chan [][]byte, 64),
		timer:            time.NewTimer(time.Hour),
		counters:         counters,
		tunBatchSize:     batch,
	}
	if !d.timer.Stop() {
		<-d.timer.C
	}
	return d
}

// BindUDP opens the UDP sockets used for the encrypted transport on
// local4/local6 (either may be the zero value to skip that family).
func (d *Driver) BindUDP(local4, local6 netip.AddrPort) error {
	if local4.IsValid() {
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(local4))
		if err != nil {
			return fmt.Errorf("[Driver] bind udp4 %s: %w", local4, err)
		}
		d.udp4Conn = conn
		d.udp4 = ipv4.NewPacketConn(conn)
		go d.udpReadLoop(conn, true)
	}
	if local6.IsValid() {
		conn, err := net.ListenUDP("udp6", net.UDPAddrFromAddrPort(local6))
		if err != nil {
			return fmt.Errorf("[Driver] bind udp6 %s: %w", local6, err)
		}
		d.udp6Conn = conn
		d.udp6 = ipv6.NewPacketConn(conn)
		go d.udpReadLoop(conn, false)
	}
	return nil
}

// BindTun attaches the TUN device Poll reads Device input from.
func (d *Driver) BindTun(dev *tundev.Device) {
	d.tun = dev
	go d.tunReadLoop(dev)
}

// BindDNS attaches the local DNS server Poll reads query input from.
func (d *Driver) BindDNS(srv *dnsserver.Server) {
	d.dns = srv
}

func (d *Driver) udpReadLoop(conn *net.UDPConn, isV4 bool) {
	buf := make([]byte, MaxDatagramSize+1)
	local, _ := netip.ParseAddrPort(conn.LocalAddr().String())
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		if n > MaxDatagramSize {
			d.counters.DroppedOversized.Add(1)
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		d.networkCh <- networkDatagram{local: local, from: from, payload: payload}
	}
}

func (d *Driver) tunReadLoop(dev *tundev.Device) {
	bufs := make([][]byte, d.tunBatchSize)
	sizes := make([]int, d.tunBatchSize)
	for i := range bufs {
		bufs[i] = make([]byte, MaxDatagramSize)
	}
	for {
		n, err := dev.ReadBatch(bufs, sizes, 0)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		batch := make([][]byte, n)
		for i := 0; i < n; i++ {
			batch[i] = append([]byte(nil), bufs[i][:sizes[i]]...)
		}
		d.deviceCh <- batch
	}
}

// QueueTransmit appends tx to the egress batch, flushed on the next
// FlushEgress call (driven by Poll at the top of its priority order).
func (d *Driver) QueueTransmit(tx wgnode.Transmit) {
	d.gso.Push(tx)
}

// FlushEgress submits every queued datagram in as few syscalls as
// possible. Returns true if anything was actually sent.
func (d *Driver) FlushEgress() (bool, error) {
	if d.gso.Len() == 0 {
		return false, nil
	}
	if err := d.gso.Flush(d.udp4, d.udp6); err != nil {
		return false, err
	}
	return true, nil
}

// WriteTun writes one reassembled packet to the TUN device.
func (d *Driver) WriteTun(packet []byte) error {
	if d.tun == nil {
		return fmt.Errorf("[Driver] write to tun: no device bound")
	}
	if _, err := d.tun.WriteBatch([][]byte{packet}, 0); err != nil {
		return fmt.Errorf("[Driver] write tun: %w", err)
	}
	return nil
}

// SubmitDNSTask starts an asynchronous resolution of task.Domain if the
// bounded task set has capacity, returning false (and counting the
// rejection) if it is full.
func (d *Driver) SubmitDNSTask(task DNSTask) bool {
	if !d.dnsSem.TryAcquire(1) {
		d.counters.DnsTasksRejected.Add(1)
		return false
	}
	go func() {
		defer d.dnsSem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), resolver.QueryTimeout)
		defer cancel()
		ips, err := d.resolver.Resolve(ctx, task.Domain)
		d.dnsResults <- DNSTaskResult{
			Token: task.Token, Domain: task.Domain, IPs: ips, Err: err,
			Reply: task.Reply, Query: task.Query,
		}
	}()
	return true
}

// ResetTimeout replaces the single timer slot's deadline iff it
// differs from the current one; a no-op otherwise.
func (d *Driver) ResetTimeout(deadline core.Instant) {
	if d.timerSet && time.Time(deadline).Equal(time.Time(d.timerDeadline)) {
		return
	}
	if d.timerSet && !d.timer.Stop() {
		select {
		case <-d.timer.C:
		default:
		}
	}
	d.timerDeadline = deadline
	d.timerSet = true
	d.timer.Reset(time.Until(time.Time(deadline)))
}

// Poll returns the next input in priority order: egress is flushed
// first (handled by the caller via FlushEgress before calling Poll, per
// the event loop's drive loop), then the nameserver re-evaluation tick,
// then network input, then TUN input, then local DNS server queries,
// then completed DNS resolutions, then the timer.
func (d *Driver) Poll(ctx context.Context) (Input, error) {
	select {
	case <-d.nameserverTicker.C:
		if d.nameserverSource != nil && d.resolver != nil {
			d.resolver.SetNameservers(d.nameserverSource.Nameservers())
		}
		return d.Poll(ctx)
	default:
	}

	select {
	case dg := <-d.networkCh:
		return Input{Kind: InputNetwork, Local: dg.local, From: dg.from, Packet: dg.payload}, nil
	default:
	}

	select {
	case batch := <-d.deviceCh:
		return Input{Kind: InputDevice, Packets: batch}, nil
	default:
	}

	var queryCh <-chan dnsserver.Query
	if d.dns != nil {
		queryCh = d.dns.Queries()

		select {
		case q := <-queryCh:
			return Input{Kind: InputDNSQuery, DNSQuery: q}, nil
		default:
		}
	}

	select {
	case r := <-d.dnsResults:
		return Input{Kind: InputDNSResponse, DNSResult: r}, nil
	default:
	}

	select {
	case <-ctx.Done():
		return Input{}, ctx.Err()
	case <-d.nameserverTicker.C:
		if d.nameserverSource != nil && d.resolver != nil {
			d.resolver.SetNameservers(d.nameserverSource.Nameservers())
		}
		return d.Poll(ctx)
	case dg := <-d.networkCh:
		return Input{Kind: InputNetwork, Local: dg.local, From: dg.from, Packet: dg.payload}, nil
	case batch := <-d.deviceCh:
		return Input{Kind: InputDevice, Packets: batch}, nil
	case q := <-queryCh:
		return Input{Kind: InputDNSQuery, DNSQuery: q}, nil
	case r := <-d.dnsResults:
		return Input{Kind: InputDNSResponse, DNSResult: r}, nil
	case <-d.timer.C:
		d.timerSet = false
		return Input{Kind: InputTimeout, Now: core.Now()}, nil
	}
}

// Reset re-creates the UDP sockets on the given addresses, clears the
// GSO queue, and re-evaluates nameservers immediately. The DNS task set
// and TUN device are left alone: in-flight resolutions are allowed to
// complete, and TUN reconfiguration is driven separately.
func (d *Driver) Reset(local4, local6 netip.AddrPort) error {
	if d.udp4Conn != nil {
		d.udp4Conn.Close()
		d.udp4Conn, d.udp4 = nil, nil
	}
	if d.udp6Conn != nil {
		d.udp6Conn.Close()
		d.udp6Conn, d.udp6 = nil, nil
	}
	d.gso.Clear()
	if err := d.BindUDP(local4, local6); err != nil {
		return err
	}
	if d.nameserverSource != nil && d.resolver != nil {
		d.resolver.SetNameservers(d.nameserverSource.Nameservers())
	}
	return nil
}

// Close tears down every bound resource.
func (d *Driver) Close() error {
	d.nameserverTicker.Stop()
	if d.udp4Conn != nil {
		d.udp4Conn.Close()
	}
	if d.udp6Conn != nil {
		d.udp6Conn.Close()
	}
	if d.tun != nil {
		d.tun.Close()
	}
	if d.dns != nil {
		d.dns.Close()
	}
	return nil
}
