// Package stackerr implements the stack-error bookkeeping of spec §4.G: a
// mapping (stack id) -> ((stack line, flags) -> count), plus a fallback
// tally for error-frame shapes that don't match the expected two-word
// layout.
//
// The counter bundle's mutex discipline is grounded on
// jacobsa/gcloud/syncutil.InvariantMutex (a teacher dependency), the same way
// runZeroInc-sockstats/pkg/exporter/exporter.go guards its Prometheus
// counter collection with a mutex around snapshot reads — checked
// invariants catch a mutation slipping in without the lock held, which a
// plain sync.Mutex would silently tolerate.
package stackerr

import (
	"github.com/jacobsa/gcloud/syncutil"
)

// Key identifies one (stack line, flags) bucket within a stack's counters.
type Key struct {
	Line  uint16
	Flags uint8
}

// Counters is the stack-error counter bundle (spec §3 "Stack-error
// counter"). Indexed first by stack id (the header's 4-bit stack
// field, 0-15), then by (line, flags).
type Counters struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	byStack map[uint8]map[Key]uint64
	// GUARDED_BY(mu)
	nonErrorFrameHeaders map[uint32]uint64
}

// New returns an empty Counters bundle.
func New() *Counters {
	c := &Counters{
		byStack:              make(map[uint8]map[Key]uint64),
		nonErrorFrameHeaders: make(map[uint32]uint64),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// checkInvariants is run by InvariantMutex around every Lock/Unlock pair
// in race-checking builds. The only invariant worth enforcing here is that
// the maps are never nil, since every exported method assumes so.
func (c *Counters) checkInvariants() {
	if c.byStack == nil || c.nonErrorFrameHeaders == nil {
		panic("stackerr.Counters: nil map invariant violated")
	}
}

// RecordError increments the counter for (stackID, line, flags).
func (c *Counters) RecordError(stackID uint8, line uint16, flags uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.byStack[stackID]
	if !ok {
		m = make(map[Key]uint64)
		c.byStack[stackID] = m
	}
	m[Key{Line: line, Flags: flags}]++
}

// RecordUnrecognised tallies an error-frame-typed header whose payload
// didn't match the expected two-word shape.
func (c *Counters) RecordUnrecognised(header uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonErrorFrameHeaders[header]++
}

// Snapshot returns a deep copy of the counters, safe to read without
// holding the lock (spec §3 "read concurrently via snapshot copies").
type Snapshot struct {
	ByStack              map[uint8]map[Key]uint64
	NonErrorFrameHeaders map[uint32]uint64
}

func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Snapshot{
		ByStack:              make(map[uint8]map[Key]uint64, len(c.byStack)),
		NonErrorFrameHeaders: make(map[uint32]uint64, len(c.nonErrorFrameHeaders)),
	}
	for stack, m := range c.byStack {
		cp := make(map[Key]uint64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out.ByStack[stack] = cp
	}
	for h, v := range c.nonErrorFrameHeaders {
		out.NonErrorFrameHeaders[h] = v
	}
	return out
}

// Total sums every counter in the bundle, used by the readout worker's
// "stack-error snapshot" plugin to detect whether counters changed since
// the last iteration (spec §4.H).
func (s Snapshot) Total() uint64 {
	var total uint64
	for _, m := range s.ByStack {
		for _, v := range m {
			total += v
		}
	}
	for _, v := range s.NonErrorFrameHeaders {
		total += v
	}
	return total
}
