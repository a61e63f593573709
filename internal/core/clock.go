package core

import "time"

// Instant is a point on the steady (monotonic) clock. It drives NAT TTL
// eviction, timers and everything except authorization expiry. Callers
// obtain one from a steady source (time.Now() on the driver side, or a
// fake clock in tests) and thread it through every sans-IO call.
type Instant time.Time

// Timestamp is a point on the UTC wall clock. It is only ever compared
// against Resource.ExpiresAt. Keeping it a distinct type from Instant
// prevents the two clocks from being accidentally swapped at a call site.
type Timestamp time.Time

// Before reports whether i happened before o.
func (i Instant) Before(o Instant) bool { return time.Time(i).Before(time.Time(o)) }

// Sub returns the duration elapsed from o to i.
func (i Instant) Sub(o Instant) time.Duration { return time.Time(i).Sub(time.Time(o)) }

// Add returns the instant d later than i.
func (i Instant) Add(d time.Duration) Instant { return Instant(time.Time(i).Add(d)) }

// IsZero reports the zero value of Instant.
func (i Instant) IsZero() bool { return time.Time(i).IsZero() }

// After reports whether t happened after the deadline.
func (t Timestamp) After(deadline Timestamp) bool { return time.Time(t).After(time.Time(deadline)) }

// Before reports whether t happened before the deadline.
func (t Timestamp) Before(deadline Timestamp) bool { return time.Time(t).Before(time.Time(deadline)) }

// IsZero reports the zero value of Timestamp (used to mean "never expires").
func (t Timestamp) IsZero() bool { return time.Time(t).IsZero() }

// Now returns the current Instant. Only the I/O driver should call this;
// the sans-IO core always receives its "now" as a parameter.
func Now() Instant { return Instant(time.Now()) }

// UtcNow returns the current Timestamp. Only the I/O driver should call
// this; the sans-IO core always receives its "now" as a parameter.
func UtcNow() Timestamp { return Timestamp(time.Now().UTC()) }
