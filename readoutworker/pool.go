// Package readoutworker implements the data-pipe worker of spec §4.H: it
// owns the data pipe, fills buffers from the transport, applies a framing
// fix-up so every buffer handed downstream holds only whole frames, and
// routes each buffer to the listfile writer and (non-blocking) to a snoop
// consumer.
//
// Grounded on the teacher's DefaultMessageProvider
// (buffer/message_provider.go): a free-list of reusable buffers handed
// around by identity. Spec §5 calls for two queues — empty and filled —
// rather than the teacher's single free-list, since here a second thread
// (the listfile writer) drains completed buffers while the worker keeps
// filling new ones; both queues are modeled as buffered channels, which
// give the "head-locking" queue discipline spec §5 describes for free.
package readoutworker

import "context"

// Pool is the empty-buffer queue of the readout buffer pool (spec §3
// "Readout buffer pool"). The filled queue is the Worker's writer queue,
// which carries copies of the filled region rather than the pool buffers
// themselves.
type Pool struct {
	empty chan []byte
	bufSize int
}

// NewPool allocates n buffers of bufSize bytes and seeds the empty queue
// with all of them.
func NewPool(n, bufSize int) *Pool {
	p := &Pool{empty: make(chan []byte, n), bufSize: bufSize}
	for i := 0; i < n; i++ {
		p.empty <- make([]byte, bufSize)
	}
	return p
}

// BufferSize returns the fixed capacity of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// GetEmpty blocks until a buffer is available or ctx is cancelled.
func (p *Pool) GetEmpty(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.empty:
		return b[:cap(b)], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PutEmpty returns a buffer to the empty queue once the writer and snoop
// consumers are both done with it.
func (p *Pool) PutEmpty(b []byte) {
	select {
	case p.empty <- b[:0]:
	default:
		// Pool is already full (can happen if a caller returns a buffer it
		// didn't get from this pool, or double-returns one); drop it
		// rather than block or panic.
	}
}
