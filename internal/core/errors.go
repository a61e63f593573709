package core

import (
	"fmt"
	"sync/atomic"
)

// Kind classifies an error into a fixed taxonomy. Callers switch on
// Kind, never on error text.
type Kind int

const (
	// KindTransientIO covers host/network unreachable, address not
	// available, permission denied at send time. Logged at DEBUG (or
	// once at INFO for permission-denied), packet dropped, counted.
	KindTransientIO Kind = iota
	// KindTranslation covers unparseable headers or a family mismatch
	// not covered by policy. Logged at DEBUG, dropped silently, counted.
	KindTranslation
	// KindPolicy covers a non-client source IP, a non-authorized
	// destination, or a filter denial.
	KindPolicy
	// KindProtocol covers NoTurnServers, duplicate/unknown ClientId,
	// missing tun config during allow_access, DNS resolution failure.
	KindProtocol
	// KindFatal covers unrecoverable I/O failures (e.g. the UDP socket
	// thread dying) that must propagate out of the event loop.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindTranslation:
		return "translation"
	case KindPolicy:
		return "policy"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError is a typed error carrying a Kind alongside the usual
// wrapped cause, so callers can recover locally without parsing text.
type ClassifiedError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewError builds a ClassifiedError.
func NewError(kind Kind, op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}

// Counters tracks the telemetry-relevant drop/error counts produced by
// the packet path. All fields are accessed atomically so the sans-IO
// core can be driven from a single goroutine while tests and a future
// exporter read it concurrently.
type Counters struct {
	ExpiredNatSession  atomic.Int64
	NoNatSession       atomic.Int64
	FilteredOutbound   atomic.Int64
	FilteredInbound    atomic.Int64
	DroppedUnparseable atomic.Int64
	DroppedOversized   atomic.Int64
	DnsTasksRejected   atomic.Int64
}

// Snapshot is a point-in-time copy of Counters for assertions in tests.
type Snapshot struct {
	ExpiredNatSession  int64
	NoNatSession       int64
	FilteredOutbound   int64
	FilteredInbound    int64
	DroppedUnparseable int64
	DroppedOversized   int64
	DnsTasksRejected   int64
}

// Snapshot reads all counters without resetting them.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ExpiredNatSession:  c.ExpiredNatSession.Load(),
		NoNatSession:       c.NoNatSession.Load(),
		FilteredOutbound:   c.FilteredOutbound.Load(),
		FilteredInbound:    c.FilteredInbound.Load(),
		DroppedUnparseable: c.DroppedUnparseable.Load(),
		DroppedOversized:   c.DroppedOversized.Load(),
		DnsTasksRejected:   c.DnsTasksRejected.Load(),
	}
}
