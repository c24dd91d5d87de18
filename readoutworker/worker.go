package readoutworker

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/vmelink/vmlc/frame"
	"github.com/vmelink/vmlc/transport"
	"github.com/vmelink/vmlc/vmlcerr"
)

// State enumerates the readout worker's lifecycle (spec §4.H "States of
// the worker: {Idle, Starting, Running, Paused, Stopping}").
type State int

const (
	Idle State = iota
	Starting
	Running
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	default:
		return "State(?)"
	}
}

// WriteHandle is the contract a listfile recorder implements (spec §1
// "Listfile recording... adapters over the core"; the worker's only
// obligation is "hands buffers to... the listfile writer", §4.H).
type WriteHandle interface {
	WriteBuffer(buf []byte) error
}

// Snoop receives a best-effort copy of each filled buffer for downstream
// analysis (typically package readout). TryDeliver must not block; a
// refusal is counted and the buffer is simply not delivered (spec §4.H
// "Dropped snoops are counted but never block the writer").
type Snoop interface {
	TryDeliver(buf []byte) bool
}

// StopSequence lets a caller inject a vendor-specific shutdown command
// (spec §5 "an optional 'MCST DAQ stop' command sequence") run before
// triggers are disabled. A nil StopSequence is skipped.
type StopSequence func(ctx context.Context) error

// TriggerDisabler disables autonomous trigger processing (spec §6
// "daq_mode... writing 1 enables autonomous trigger processing"; the
// worker needs only the inverse of that one call at shutdown). Satisfied
// by *vmlc.Connection.
type TriggerDisabler interface {
	DisableAutonomousTriggers(ctx context.Context) error
}

// Config configures a Worker.
type Config struct {
	// NumBuffers and BufferBytes size the readout buffer pool (spec §3
	// "Readout buffer pool").
	NumBuffers  int
	BufferBytes int

	// ReadTimeout bounds each individual transport read; the worker
	// tolerates the resulting per-read timeout and simply tries again
	// (mirrors the command-pipe reader's tolerance of transport read
	// timeouts, spec §5).
	ReadTimeout time.Duration

	// IdleDrainTimeout is how long shutdown waits for the data pipe to go
	// quiet before declaring it idle (spec §4.H "reads any buffered data
	// until idle for one read-timeout cycle").
	IdleDrainTimeout time.Duration

	// CtrlID stamps every system event this worker synthesizes.
	CtrlID uint8

	// RunDuration, if non-zero, ends the run automatically (spec §4.H
	// "end-of-run" plugin); zero means run until Stop is called.
	RunDuration time.Duration

	Clock  timeutil.Clock
	Logger *log.Logger

	StopSequence    StopSequence
	TriggerDisabler TriggerDisabler
}

func (c *Config) setDefaults() {
	if c.NumBuffers == 0 {
		c.NumBuffers = 4
	}
	if c.BufferBytes == 0 {
		c.BufferBytes = 1 << 20
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.IdleDrainTimeout == 0 {
		c.IdleDrainTimeout = c.ReadTimeout
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock()
	}
}

// Worker drives the data pipe (spec §4.H): fills buffers, applies the
// framing fix-up, and routes each one to the listfile writer and a snoop
// consumer.
type Worker struct {
	t      transport.Transport
	pool   *Pool
	writer WriteHandle
	snoop  Snoop
	cfg    Config
	plugins []Plugin

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	carry []byte // trailing partial-frame bytes held over from the last fill

	droppedSnoops  uint64
	buffersRouted  uint64
	bytesRouted    uint64

	writerQueue chan []byte
	writerDone  chan struct{}

	runDone chan struct{}
}

// New builds a Worker over t's Data pipe, handing completed buffers to
// writer and snoop.
func New(t transport.Transport, writer WriteHandle, snoop Snoop, cfg Config, plugins ...Plugin) *Worker {
	cfg.setDefaults()
	w := &Worker{
		t:           t,
		pool:        NewPool(cfg.NumBuffers, cfg.BufferBytes),
		writer:      writer,
		snoop:       snoop,
		cfg:         cfg,
		plugins:     plugins,
		writerQueue: make(chan []byte, cfg.NumBuffers),
		writerDone:  make(chan struct{}),
		runDone:     make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Counters snapshots the routing statistics (spec §4.H "Route").
type Counters struct {
	DroppedSnoops uint64
	BuffersRouted uint64
	BytesRouted   uint64
}

func (w *Worker) Counters() Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Counters{
		DroppedSnoops: w.droppedSnoops,
		BuffersRouted: w.buffersRouted,
		BytesRouted:   w.bytesRouted,
	}
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.cfg.Logger != nil {
		w.cfg.Logger.Printf(format, args...)
	}
}

// Pause blocks the fill loop after its current iteration, leaving the
// transport untouched (spec §4.H "start()/stop()/pause()/resume()").
func (w *Worker) Pause() { w.setState(Paused) }

// Resume releases a paused worker.
func (w *Worker) Resume() { w.setState(Running) }

// Stop requests the shutdown sequence (spec §5 "signal quit → join
// threads → close handles"). It does not block; call Wait for that.
func (w *Worker) Stop() { w.setState(Stopping) }

// Wait blocks until Run has completed its shutdown sequence.
func (w *Worker) Wait() { <-w.runDone }

// waitWhilePaused blocks while the worker is Paused, waking on any state
// change.
func (w *Worker) waitWhilePaused() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.state == Paused {
		w.cond.Wait()
	}
}

// Run drives the worker for its entire lifetime: fill/route loop, plugin
// ticks, and the termination sequence (spec §4.H, §5).
func (w *Worker) Run(ctx context.Context) {
	defer close(w.runDone)

	w.setState(Starting)
	go w.writerLoop()
	w.setState(Running)

	if w.cfg.RunDuration > 0 {
		w.plugins = append(w.plugins, NewEndOfRunPlugin(w.cfg.RunDuration))
	}

	for {
		w.waitWhilePaused()
		if w.State() == Stopping {
			break
		}
		select {
		case <-ctx.Done():
			w.setState(Stopping)
			continue
		default:
		}

		if w.fillOnce(ctx) {
			w.setState(Stopping)
		}
		if w.runPlugins() {
			w.setState(Stopping)
		}
	}

	w.shutdown(ctx)
}

// fillOnce performs one iteration of the fill/route responsibility (spec
// §4.H "Fill" and "Route"). It returns true if the transport reported a
// fatal connection error the caller should treat as a stop request.
func (w *Worker) fillOnce(ctx context.Context) (fatal bool) {
	buf, err := w.pool.GetEmpty(ctx)
	if err != nil {
		return true
	}

	n := copy(buf, w.carry)

	readCtx, cancel := context.WithTimeout(ctx, w.cfg.ReadTimeout)
	got, rerr := w.t.Read(readCtx, transport.Data, buf[n:])
	cancel()
	n += got

	if rerr != nil {
		// w.carry is left in place for the next fill.
		w.pool.PutEmpty(buf)
		if vmlcerr.Is(rerr, vmlcerr.Timeout) || vmlcerr.Is(rerr, vmlcerr.SocketReadTimeout) {
			return false
		}
		if vmlcerr.Is(rerr, vmlcerr.ConnectionError) {
			w.logf("readoutworker: fatal transport error: %v", rerr)
			return true
		}
		w.logf("readoutworker: read error: %v", rerr)
		return false
	}
	w.carry = nil
	if n == 0 {
		w.pool.PutEmpty(buf)
		return false
	}

	complete, trailing := w.frameBoundary(buf[:n])
	if len(trailing) > 0 {
		w.carry = append(w.carry, trailing...)
	}
	if len(complete) == 0 {
		w.pool.PutEmpty(buf)
		return false
	}

	w.route(complete)
	w.pool.PutEmpty(buf)
	return false
}

// frameBoundary splits data at the last complete frame boundary (USB) so
// that every buffer handed downstream contains only whole frames (spec
// §4.H "split the buffer at the last complete frame boundary (USB) or
// last complete datagram boundary (ETH)"). ETH datagrams are always read
// whole by transport.Read, so an ETH buffer is returned whole with no
// trailing bytes. The USB walk stops at the first word that is not a
// known frame header, and everything from that word on is returned as
// trailing bytes.
func (w *Worker) frameBoundary(data []byte) (complete, trailing []byte) {
	if w.t.ConnectionType() == transport.ETH {
		return data, nil
	}

	words := len(data) / 4
	lastGood := 0
	pos := 0
	for pos < words {
		end, ok := w.walkOneChain(data, pos, words)
		if !ok {
			break
		}
		lastGood = end
		pos = end
	}

	return data[:lastGood*4], data[lastGood*4:]
}

// walkOneChain walks a single (possibly Continue-chained) logical frame
// starting at word offset pos, returning the word offset just past it.
// ok is false if the frame isn't fully present in [0,words) yet, or if
// pos doesn't start with a known header at all.
func (w *Worker) walkOneChain(data []byte, pos, words int) (end int, ok bool) {
	hdr := binary.LittleEndian.Uint32(data[pos*4:])
	if !frame.IsKnownHeader(hdr) {
		return 0, false
	}
	info := frame.Decode(hdr)
	cursor := pos + 1 + int(info.Length)
	if cursor > words {
		return 0, false
	}

	for info.Continue() {
		if cursor >= words {
			return 0, false
		}
		chdr := binary.LittleEndian.Uint32(data[cursor*4:])
		if !frame.IsKnownHeader(chdr) {
			return 0, false
		}
		info = frame.Decode(chdr)
		cursor = cursor + 1 + int(info.Length)
		if cursor > words {
			return 0, false
		}
	}

	return cursor, true
}

// route hands a complete buffer to the listfile writer (queued; blocks this
// loop while the writer queue is full) and makes a best-effort
// non-blocking delivery to the snoop consumer (spec §4.H "Route").
func (w *Worker) route(buf []byte) {
	// buf is a view into a pool buffer the caller returns immediately
	// after this call, so both downstream consumers get their own copy
	// (spec §5 "buffers are handed around by identity... never shared").
	w.writerQueue <- append([]byte(nil), buf...)

	w.mu.Lock()
	w.buffersRouted++
	w.bytesRouted += uint64(len(buf))
	w.mu.Unlock()

	if w.snoop != nil {
		if !w.snoop.TryDeliver(append([]byte(nil), buf...)) {
			w.mu.Lock()
			w.droppedSnoops++
			w.mu.Unlock()
		}
	}
}

// runPlugins ticks every configured plugin once (spec §4.H "Periodic
// plugins") and returns true if any plugin requested a stop.
func (w *Worker) runPlugins() (stop bool) {
	now := w.cfg.Clock.Now()
	for _, p := range w.plugins {
		event, want := p.Tick(now)
		if event != nil {
			w.writerQueue <- event
		}
		if want {
			stop = true
		}
	}
	return stop
}

// shutdown runs the termination sequence (spec §5 "disconnect() ordering"
// applied to the worker: "an optional 'MCST DAQ stop' command sequence,
// disables triggers, reads any buffered data until idle for one
// read-timeout cycle, writes the final EndOfFile system event, and joins
// the writer and snoop threads").
func (w *Worker) shutdown(ctx context.Context) {
	if w.cfg.StopSequence != nil {
		if err := w.cfg.StopSequence(ctx); err != nil {
			w.logf("readoutworker: DAQ stop sequence failed: %v", err)
		}
	}
	if w.cfg.TriggerDisabler != nil {
		if err := w.cfg.TriggerDisabler.DisableAutonomousTriggers(ctx); err != nil {
			w.logf("readoutworker: disabling triggers failed: %v", err)
		}
	}

	w.drainUntilIdle(ctx)

	eof := encodeSystemEvent(frame.EndOfFile, w.cfg.CtrlID, nil)
	w.writerQueue <- eof

	close(w.writerQueue)
	<-w.writerDone
}

// drainUntilIdle keeps reading the data pipe until a single read times
// out, meaning the controller has stopped sending (spec "reads any
// buffered data until idle for one read-timeout cycle").
func (w *Worker) drainUntilIdle(ctx context.Context) {
	buf := make([]byte, w.pool.BufferSize())
	for {
		readCtx, cancel := context.WithTimeout(ctx, w.cfg.IdleDrainTimeout)
		n, err := w.t.Read(readCtx, transport.Data, buf)
		cancel()
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
		complete, trailing := w.frameBoundary(buf[:n])
		w.carry = append(w.carry, trailing...)
		if len(complete) > 0 {
			w.route(append([]byte(nil), complete...))
		}
	}
}

// writerLoop drains the writer queue into the listfile WriteHandle until
// the queue is closed (spec §5 "one listfile writer thread (optional
// consumer)").
func (w *Worker) writerLoop() {
	defer close(w.writerDone)
	if w.writer == nil {
		for range w.writerQueue {
		}
		return
	}
	for buf := range w.writerQueue {
		if err := w.writer.WriteBuffer(buf); err != nil {
			w.logf("readoutworker: listfile write failed: %v", err)
		}
	}
}
