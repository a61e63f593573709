// Package tundev wraps golang.zx2c4.com/wireguard/tun's platform-neutral
// TUN device so the I/O driver can batch-read and batch-write packets
// without depending on the underlying platform's device creation
// mechanism directly (kernel control sockets on Darwin, Wintun on
// Windows, the netlink TUN ioctl on Linux).
package tundev

import (
	"fmt"
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/edgestitch/gateway/internal/core"
)

// Device is the gateway's tunnel interface: a batched packet source/sink
// plus the addressing assigned to it.
type Device struct {
	dev  tun.Device
	name string
	mtu  int
}

// Open creates (or attaches to) a TUN interface named name with the
// given MTU, returning the device with the name and MTU the kernel
// actually assigned (which can differ from what was requested).
func Open(name string, mtu int) (*Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("[TUN] create %s: %w", name, err)
	}

	actualName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("[TUN] read interface name: %w", err)
	}
	actualMTU, err := dev.MTU()
	if err != nil {
		actualMTU = mtu
	}

	core.Log.Infof("Driver", "tun device %s up (mtu=%d)", actualName, actualMTU)
	return &Device{dev: dev, name: actualName, mtu: actualMTU}, nil
}

// Name returns the kernel-assigned interface name.
func (d *Device) Name() string { return d.name }

// MTU returns the kernel-assigned MTU.
func (d *Device) MTU() int { return d.mtu }

// BatchSize is the largest number of packets ReadBatch/WriteBatch can
// usefully move in one syscall on this platform (1 where batching isn't
// supported).
func (d *Device) BatchSize() int { return d.dev.BatchSize() }

// ReadBatch reads up to len(bufs) packets into bufs, recording each
// packet's length in sizes. offset is the leading header room each
// buffer must reserve (the underlying device may prepend a virtio-net
// header). Returns the number of packets read.
func (d *Device) ReadBatch(bufs [][]byte, sizes []int, offset int) (int, error) {
	n, err := d.dev.Read(bufs, sizes, offset)
	if err != nil {
		return 0, fmt.Errorf("[TUN] read: %w", err)
	}
	return n, nil
}

// WriteBatch writes the packets in bufs (each already including offset
// bytes of header room) to the device.
func (d *Device) WriteBatch(bufs [][]byte, offset int) (int, error) {
	n, err := d.dev.Write(bufs, offset)
	if err != nil {
		return 0, fmt.Errorf("[TUN] write: %w", err)
	}
	return n, nil
}

// Events returns the device's up/down/MTU-change notification channel.
func (d *Device) Events() <-chan tun.Event { return d.dev.Events() }

// Close tears down the TUN device.
func (d *Device) Close() error {
	if err := d.dev.Close(); err != nil {
		return fmt.Errorf("[TUN] close: %w", err)
	}
	return nil
}

// AddressSet is the two tunnel addresses (v4/v6) assigned to an
// interface, reported to the gateway state and to the local DNS server
// bind logic after a reconfiguration task completes.
type AddressSet struct {
	V4 netip.Addr
	V6 netip.Addr
}

// Addrs returns the non-zero addresses in a, in family order (v4 then
// v6), for callers that want to iterate without caring which families
// are actually configured.
func (a AddressSet) Addrs() []netip.Addr {
	var out []netip.Addr
	if a.V4.IsValid() {
		out = append(out, a.V4)
	}
	if a.V6.IsValid() {
		out = append(out, a.V6)
	}
	return out
}
