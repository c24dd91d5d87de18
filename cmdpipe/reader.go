// Package cmdpipe implements the command-pipe reader of spec §4.C: a
// single long-running task that demultiplexes the command pipe's 32-bit
// word stream into three response streams (super-command mirrors, stack
// results, stack-error notifications) and dispatches each to the matching
// pending-response cell or counter bundle.
//
// Grounded on the teacher's Connection.ReadOp (connection.go): one
// goroutine owns the pipe and is the only reader of it, exactly as
// ReadOp documents "This function delivers ops in exactly the order they
// are received... It must not be called multiple times concurrently."
// Here the single-fuse-op-per-read loop is generalized into a drain/fill
// loop over a growable word buffer, since command-pipe frames can arrive
// split across an arbitrary number of transport reads.
package cmdpipe

import (
	"context"
	"encoding/binary"
	"log"
	"sync"

	"github.com/vmelink/vmlc/frame"
	"github.com/vmelink/vmlc/internal/wordbuf"
	"github.com/vmelink/vmlc/pending"
	"github.com/vmelink/vmlc/stackerr"
	"github.com/vmelink/vmlc/transport"
	"github.com/vmelink/vmlc/vmlcerr"
)

// minReadWords is the minimum free capacity the fill phase ensures before
// issuing a USB read (spec §4.C "growing if below a minimum").
const minReadWords = 256

// Counters tallies the reader's per-pipe statistics (spec §3 "pipe
// counters: reads, timeouts, byte count, various error tallies").
type Counters struct {
	mu sync.Mutex

	Reads                 uint64
	BytesRead             uint64
	Timeouts              uint64
	InvalidHeader         uint64
	WordsSkipped          uint64
	MalformedChainDropped uint64
	ShortSuperFrame       uint64
	SuperFormatError      uint64
	SuperRefMismatches    uint64
	StackFormatError      uint64
	StackRefMismatches    uint64
	NoStackPending        uint64
	NoSuperPending        uint64
	SystemEventOnCmdPipe  uint64
	LostPackets           uint64
}

func (c *Counters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c
	cp.mu = sync.Mutex{}
	return cp
}

// Reader is the command-pipe demultiplexer (spec §4.C).
type Reader struct {
	t           transport.Transport
	superCell   *pending.Cell
	stackCell   *pending.Cell
	stackErrors *stackerr.Counters
	logger      *log.Logger

	counters Counters

	buf     *wordbuf.Buffer
	scratch []byte

	quit chan struct{}
	done chan struct{}
}

// New builds a Reader over t, dispatching matched responses into
// superCell/stackCell and stack-error frames into stackErrors.
func New(t transport.Transport, superCell, stackCell *pending.Cell, stackErrors *stackerr.Counters, logger *log.Logger) *Reader {
	return &Reader{
		t:           t,
		superCell:   superCell,
		stackCell:   stackCell,
		stackErrors: stackErrors,
		logger:      logger,
		buf:         wordbuf.New(minReadWords * 4),
		scratch:     make([]byte, 64*1024),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Counters returns a snapshot of the pipe's counters.
func (r *Reader) Counters() Counters { return r.counters.Snapshot() }

// Stop requests the reader loop to exit and resolve any pending cells
// with IsDisconnected (spec §4.C "Exit condition"). It does not block;
// call Wait to block until the loop has actually exited.
func (r *Reader) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
}

// Wait blocks until the reader loop has exited.
func (r *Reader) Wait() { <-r.done }

func (r *Reader) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// Run drives the drain/fill loop until ctx is cancelled, Stop is called,
// or a ConnectionError transport failure occurs (spec §4.C steps 1-3).
func (r *Reader) Run(ctx context.Context) {
	defer close(r.done)

	var disconnectCause error
	for {
		select {
		case <-r.quit:
			r.resolveAllDisconnected(disconnectCause)
			return
		case <-ctx.Done():
			r.resolveAllDisconnected(ctx.Err())
			return
		default:
		}

		r.drain()

		if err := r.fill(ctx); err != nil {
			if vmlcerr.Is(err, vmlcerr.ConnectionError) {
				disconnectCause = err
				r.resolveAllDisconnected(err)
				return
			}
			if vmlcerr.Is(err, vmlcerr.Timeout) || vmlcerr.Is(err, vmlcerr.SocketReadTimeout) {
				r.counters.mu.Lock()
				r.counters.Timeouts++
				r.counters.mu.Unlock()
				continue
			}
			r.logf("cmdpipe: read error: %v", err)
		}
	}
}

func (r *Reader) resolveAllDisconnected(cause error) {
	r.superCell.ResolveDisconnected(cause)
	r.stackCell.ResolveDisconnected(cause)
}

// drain processes every complete logical frame currently buffered,
// stopping when what remains is either empty or an incomplete frame
// (spec §4.C step 1).
func (r *Reader) drain() {
	for r.buf.Len() > 0 {
		if !frame.IsKnownHeader(r.buf.At(0)) {
			r.counters.mu.Lock()
			r.counters.InvalidHeader++
			r.counters.WordsSkipped++
			r.counters.mu.Unlock()
			r.buf.Consume(1)
			continue
		}

		res, needMore, malformed := r.walkChain()
		if needMore {
			return
		}
		if malformed {
			r.logf("cmdpipe: dropping malformed prefix at header 0x%08x", r.buf.At(0))
			r.counters.mu.Lock()
			r.counters.MalformedChainDropped++
			r.counters.mu.Unlock()
			r.buf.Consume(1)
			continue
		}

		r.dispatch(res)
		r.buf.Consume(res.consumed)
	}
}

// chainResult is the outcome of walking a (possibly continuation-chained)
// logical frame starting at the head of the buffer.
type chainResult struct {
	consumed int
	head     frame.Info
	payload  []uint32
}

// walkChain extracts the full logical frame at the head of the buffer,
// following its Continue-flagged continuation chain (spec §4.C "Extract
// length; walk continuation chain; each continuation header must itself
// be a known header").
func (r *Reader) walkChain() (res chainResult, needMore, malformed bool) {
	n := r.buf.Len()
	head := frame.Decode(r.buf.At(0))

	offset := 1
	segLen := int(head.Length)
	if offset+segLen > n {
		return chainResult{}, true, false
	}

	var payload []uint32
	for i := 0; i < segLen; i++ {
		payload = append(payload, r.buf.At(offset+i))
	}
	offset += segLen

	cur := head
	for cur.Continue() {
		if offset >= n {
			return chainResult{}, true, false
		}
		nextWord := r.buf.At(offset)
		if !frame.IsKnownHeader(nextWord) {
			return chainResult{}, false, true
		}
		next := frame.Decode(nextWord)
		if !frame.SameLogicalCategory(head.Type, next.Type) {
			return chainResult{}, false, true
		}

		offset++
		segLen = int(next.Length)
		if offset+segLen > n {
			return chainResult{}, true, false
		}
		for i := 0; i < segLen; i++ {
			payload = append(payload, r.buf.At(offset+i))
		}
		offset += segLen
		cur = next
	}

	return chainResult{consumed: offset, head: head, payload: payload}, false, false
}

// dispatch routes one fully-assembled logical frame to its destination
// (spec §4.C step 1, dispatch-by-type).
func (r *Reader) dispatch(res chainResult) {
	switch res.head.Type {
	case frame.StackError:
		r.dispatchStackError(res)
	case frame.SuperFrame, frame.SuperContinuation:
		r.dispatchSuper(res)
	case frame.StackFrame, frame.StackContinuation:
		r.dispatchStack(res)
	case frame.SystemEvent:
		r.counters.mu.Lock()
		r.counters.SystemEventOnCmdPipe++
		r.counters.mu.Unlock()
	default:
		r.counters.mu.Lock()
		r.counters.WordsSkipped++
		r.counters.mu.Unlock()
	}
}

func (r *Reader) dispatchStackError(res chainResult) {
	if len(res.payload) == 1 {
		line := uint16(res.payload[0] & 0xFFFF)
		r.stackErrors.RecordError(res.head.Stack, line, uint8(res.head.Flags))
		return
	}
	r.stackErrors.RecordUnrecognised(encodeHeader(res.head))
}

// referenceWordCmd is the SuperCommandType whose low 16 bits carry the
// reference number the command pipe mirrors back (grounded on
// original_source/src/mesytec-mvlc/mvlc_constants.h super_commands::ReferenceWord).
const referenceWordCmd = 0x0101

func (r *Reader) dispatchSuper(res chainResult) {
	if len(res.payload) == 0 {
		r.counters.mu.Lock()
		r.counters.ShortSuperFrame++
		r.counters.mu.Unlock()
		return
	}

	cmd := uint16(res.payload[0] >> 16)
	if cmd != referenceWordCmd {
		r.counters.mu.Lock()
		r.counters.SuperFormatError++
		r.counters.mu.Unlock()
		return
	}
	observedRef := uint32(uint16(res.payload[0]))

	wantRef, pending_ := r.superCell.Reference()
	if !pending_ {
		r.logf("cmdpipe: super response with no pending request (ref=%d)", observedRef)
		r.counters.mu.Lock()
		r.counters.NoSuperPending++
		r.counters.mu.Unlock()
		return
	}
	if uint32(uint16(wantRef)) != observedRef {
		r.counters.mu.Lock()
		r.counters.SuperRefMismatches++
		r.counters.mu.Unlock()
		r.superCell.Resolve(pending.Result{Err: vmlcerr.New(vmlcerr.SuperReferenceMismatch,
			"observed ref %d, wanted %d", observedRef, uint16(wantRef))})
		return
	}
	r.superCell.Resolve(pending.Result{Buf: wordsToBytes(res.payload)})
}

func (r *Reader) dispatchStack(res chainResult) {
	if len(res.payload) == 0 {
		r.counters.mu.Lock()
		r.counters.StackFormatError++
		r.counters.mu.Unlock()
		return
	}
	observedRef := res.payload[0]

	wantRef, pending_ := r.stackCell.Reference()
	if !pending_ {
		r.logf("cmdpipe: stack response with no pending request (ref=%d)", observedRef)
		r.counters.mu.Lock()
		r.counters.NoStackPending++
		r.counters.mu.Unlock()
		return
	}
	if wantRef != observedRef {
		r.counters.mu.Lock()
		r.counters.StackRefMismatches++
		r.counters.mu.Unlock()
		r.stackCell.Resolve(pending.Result{Err: vmlcerr.New(vmlcerr.StackReferenceMismatch,
			"observed ref %d, wanted %d", observedRef, wantRef)})
		return
	}
	r.stackCell.Resolve(pending.Result{Buf: wordsToBytes(res.payload)})
}

// fill reads more words from the transport into the buffer (spec §4.C
// step 2).
func (r *Reader) fill(ctx context.Context) error {
	if pr, ok := transport.AsPacketReader(r.t); ok && r.t.ConnectionType() == transport.ETH {
		return r.fillETH(ctx, pr)
	}
	return r.fillUSB(ctx)
}

func (r *Reader) fillUSB(ctx context.Context) error {
	r.buf.EnsureFree(minReadWords)
	n, err := r.t.Read(ctx, transport.Command, r.scratch)
	if n > 0 {
		r.appendBytes(r.scratch[:n])
		r.counters.mu.Lock()
		r.counters.Reads++
		r.counters.BytesRead += uint64(n)
		r.counters.mu.Unlock()
	}
	return err
}

func (r *Reader) fillETH(ctx context.Context, pr transport.PacketReader) error {
	res := pr.ReadPacket(ctx, transport.Command, r.scratch)
	if res.Err != nil {
		return res.Err
	}

	payload := res.Payload
	if res.NextHeaderPointer != transport.NoHeaderPointerPresent {
		skip := int(res.NextHeaderPointer) * 4
		if skip <= len(payload) {
			payload = payload[skip:]
		}
	}

	r.appendBytes(payload)
	r.counters.mu.Lock()
	r.counters.Reads++
	r.counters.BytesRead += uint64(len(payload))
	r.counters.mu.Unlock()

	if res.LostPackets > 0 {
		r.logf("cmdpipe: lost %d packet(s) on command pipe", res.LostPackets)
		r.counters.mu.Lock()
		r.counters.LostPackets += uint64(res.LostPackets)
		r.counters.mu.Unlock()
	}
	return nil
}

// appendBytes decodes whole little-endian words from b into the buffer,
// holding back any trailing partial word for the next read.
func (r *Reader) appendBytes(b []byte) {
	n := len(b) / 4
	if n == 0 {
		return
	}
	r.buf.EnsureFree(n)
	dst := r.buf.TailSlice(n)
	for i := 0; i < n; i++ {
		dst[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	r.buf.CommitAppend(n)
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func encodeHeader(i frame.Info) uint32 {
	return frame.Encode(i.Type, i.Flags, i.Stack, i.CtrlID, i.Length)
}
