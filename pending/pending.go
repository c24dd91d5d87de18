// Package pending implements the single-slot pending-response cell from
// spec §3 ("Pending response") and §5 ("Pending-super / pending-stack
// cells — exclusive locks... any pending-cell access also signals the
// associated condition variable").
//
// The teacher (jacobsa/fuse) keeps a map from fuse "unique" request ID to a
// cancel function (connection.go: cancelFuncs) guarded by a plain
// sync.Mutex, because FUSE can have arbitrarily many requests in flight at
// once. The wire protocol here permits at most one pending super and one
// pending stack response at a time (spec §3), so the map collapses to a
// single slot per category; the condition-variable wait that the teacher
// gets for free from goroutine-per-request becomes explicit here.
package pending

import (
	"context"
	"sync"

	"github.com/vmelink/vmlc/vmlcerr"
)

// Result is what resolves a pending cell: either a destination buffer was
// filled successfully, or an error classifies why not.
type Result struct {
	Buf []byte
	Err error
}

// Cell is a single-slot pending-response holder for one response category
// (super or stack). At most one caller may hold it at a time (spec §8
// invariant 5).
type Cell struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
	ref     uint32
	resultC chan Result
}

// New constructs an idle Cell.
func New() *Cell {
	c := &Cell{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until the cell is idle, then marks it pending for the
// given reference number and returns a channel that will receive exactly
// one Result. ctx cancellation aborts the wait for the slot itself (not
// the eventual response).
func (c *Cell) Acquire(ctx context.Context, ref uint32) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for c.pending {
		if ctx.Err() != nil {
			// Pass on a Resolve wake-up this waiter may have consumed.
			c.cond.Signal()
			return nil, ctx.Err()
		}
		c.cond.Wait()
	}

	c.pending = true
	c.ref = ref
	c.resultC = make(chan Result, 1)
	return c.resultC, nil
}

// Reference returns the reference number the cell is currently waiting
// for, and whether a wait is in fact pending.
func (c *Cell) Reference() (ref uint32, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref, c.pending
}

// Resolve delivers res to whoever is waiting (if anyone) and frees the
// slot. Resolving an idle cell is a silent no-op, mirroring the reader's
// "no stack response pending: log and still consume" policy (spec §4.C) —
// that logging happens at the call site, not here.
func (c *Cell) Resolve(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pending {
		return
	}

	c.resultC <- res
	close(c.resultC)
	c.pending = false
	c.cond.Signal()
}

// ResolveDisconnected resolves the cell (if pending) with IsDisconnected,
// used during connection teardown (spec §4.C exit condition).
func (c *Cell) ResolveDisconnected(cause error) {
	err := vmlcerr.Wrap(vmlcerr.IsDisconnected, cause)
	if cause == nil {
		err = &vmlcerr.Error{Kind: vmlcerr.IsDisconnected}
	}
	c.Resolve(Result{Err: err})
}
