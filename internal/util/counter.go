// Package util contains internal helpers shared by the cache packages.
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is a reasonable default for most modern CPUs.
// std has runtime/internal/sys.CacheLineSize but it's unexported.
const CacheLineSize = 64

// Counter is an atomic int64 padded to exactly one cache line, so counters
// bumped by different goroutines never share a line.
type Counter struct {
	v atomic.Int64
	_ [CacheLineSize - 8]byte // 8 = size of int64
}

// Inc adds one and returns the new value.
func (c *Counter) Inc() int64 { return c.v.Add(1) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// Counters groups the per-function hit/miss/nocache tallies.
type Counters struct {
	Hits    Counter
	Misses  Counter
	NoCache Counter
}

// Compile-time size check (must be exactly one cache line).
var _ [CacheLineSize - int(unsafe.Sizeof(Counter{}))]byte
