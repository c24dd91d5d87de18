// Package throttle implements the ETH throttle controller of spec §4.F: an
// independent task that periodically measures the data socket's OS
// receive-buffer fill level and sends back-pressure "delay" packets to the
// controller, preventing packet loss at the OS level.
//
// Grounded on original_source/src/mesytec-mvlc/mvlc_impl_eth.cc
// (mvlc_eth_throttler): the exponential delay curve (throttle_exponential),
// the exponential-smoothing counter update (calc_avg_delay, Smoothing=0.75)
// and the "only send when the value changes" policy are ported verbatim in
// spirit. The original's Linux path reads buffer fill via NETLINK_SOCK_DIAG
// filtered by destination port and inode; that requires a raw AF_NETLINK
// socket with no precedent anywhere in the retrieved pack, so this port
// takes the original's own documented non-Linux fallback instead: an
// FIONREAD ioctl on the data socket's fd (mvlc_impl_eth.cc's "Windows
// version uses WSAIoctl() with FIONREAD"), obtained via
// github.com/higebu/netfd the same way runZeroInc-sockstats reaches into a
// net.Conn for socket introspection. This is a deliberate simplification,
// recorded in DESIGN.md, not a guess at unspecified behavior: the spec
// itself says "other platforms use whatever equivalent ioctl is available".
package throttle

import (
	"context"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/higebu/netfd"
	"github.com/jacobsa/gcloud/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/vmelink/vmlc/transport"
	"github.com/vmelink/vmlc/vmlcerr"
)

// steps is the number of exponential steps across the throttle range (spec
// §4.F step 2, original_source EthThrottleSteps=16).
const steps = 16

// smoothing is the exponential-smoothing factor for the rolling average
// counter (original_source calc_avg_delay, Smoothing=0.75).
const smoothing = 0.75

// ethDelayCommand is SuperCommandType::EthDelay shifted into the high 16
// bits of the single-word delay datagram (spec §6 "bits[31:16] = 0x0207"),
// matching original_source mvlc_constants.h / send_delay_command.
const ethDelayCommand uint32 = 0x0207 << 16

// StopDelay is the sentinel delay value that stops the controller's
// outgoing data stream entirely (spec §4.F step 3).
const StopDelay uint16 = 0xFFFF

// BufferObserver measures the OS receive-buffer fill level for the data
// pipe socket (spec §4.F step 1). The concrete implementation is
// OS-specific; tests substitute a fake.
type BufferObserver interface {
	Fill() (used, capacity int, err error)
}

// SocketObserver is the Unix BufferObserver: FIONREAD for bytes currently
// queued, SO_RCVBUF for the configured capacity, both read directly off the
// data socket's file descriptor.
type SocketObserver struct {
	fd int
}

// NewSocketObserver wraps the file descriptor underlying conn (typically
// ethtransport.Transport.DataConn()) using github.com/higebu/netfd, the
// same technique runZeroInc-sockstats uses to pull a raw fd out of a
// net.Conn for kernel-state introspection.
func NewSocketObserver(conn net.Conn) *SocketObserver {
	return &SocketObserver{fd: netfd.GetFdFromConn(conn)}
}

// Fill implements BufferObserver using FIONREAD and SO_RCVBUF ioctls.
func (s *SocketObserver) Fill() (used, capacity int, err error) {
	used, err = unix.IoctlGetInt(s.fd, unix.FIONREAD)
	if err != nil {
		return 0, 0, vmlcerr.Wrap(vmlcerr.ConnectionError, err)
	}
	capacity, err = unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0, 0, vmlcerr.Wrap(vmlcerr.ConnectionError, err)
	}
	return used, capacity, nil
}

// Config parameterizes the throttle curve and tick rate (spec §4.F; all
// defaults per ConnectionConfig).
type Config struct {
	QueryInterval time.Duration
	Threshold     float64
	Range         float64
	Clock         timeutil.Clock
}

func (c Config) clock() timeutil.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return timeutil.RealClock()
}

// ComputeDelay implements the exponential throttle curve (spec §4.F step 2,
// §8 scenario 5): below threshold, no delay; above it, an exponential curve
// with 'steps' increments spanning 'rng', clamped to 65535.
func ComputeDelay(fill, threshold, rng float64) uint16 {
	if fill < threshold || rng <= 0 {
		return 0
	}
	increment := rng / steps
	// The small bias keeps a fill that sits exactly on a step boundary
	// (e.g. 0.725 with threshold 0.5 and range 0.45) from rounding down to
	// the step below it.
	n := math.Floor((fill-threshold)/increment + 1e-9)
	if n < 0 {
		n = 0
	}
	if n > steps {
		n = steps
	}
	delay := math.Pow(2, n)
	if delay > float64(StopDelay) {
		return StopDelay
	}
	return uint16(delay)
}

// Stats is the throttle counter bundle (spec §3 "ETH throttle counters").
// Mutex discipline grounded on jacobsa/gcloud/syncutil.InvariantMutex, the same
// teacher dependency stackerr.Counters uses.
type Stats struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	current, max     uint16
	average          float64
	bufUsed, bufCap  int
	lastSent         uint16
	haveSent         bool
}

func newStats() *Stats {
	s := &Stats{}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants is run by InvariantMutex around every Lock/Unlock pair in
// race-checking builds: the running max can never fall behind the most
// recently observed current value.
func (s *Stats) checkInvariants() {
	if s.current > s.max {
		panic("throttle.Stats: current exceeds max invariant violated")
	}
}

// Snapshot is a point-in-time copy of Stats, safe to read without holding
// the lock.
type Snapshot struct {
	Current        uint16
	Max            uint16
	Average        float64
	BufferUsed     int
	BufferCapacity int
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Current:        s.current,
		Max:            s.max,
		Average:        s.average,
		BufferUsed:     s.bufUsed,
		BufferCapacity: s.bufCap,
	}
}

func (s *Stats) update(delay uint16, used, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = delay
	if delay > s.max {
		s.max = delay
	}
	s.average = smoothing*float64(delay) + (1-smoothing)*s.average
	s.bufUsed = used
	s.bufCap = capacity
}

// Controller is the ETH throttle task (spec §4.F, §5 "one ETH throttle
// thread (ETH-only)"). It observes but never mutates any other core state
// and is correct if it misses a cycle.
type Controller struct {
	obs    BufferObserver
	t      transport.Transport
	cfg    Config
	stats  *Stats
	logger *log.Logger

	mu       sync.Mutex
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// New builds a Controller that samples obs and writes delay packets to t's
// Delay pipe.
func New(obs BufferObserver, t transport.Transport, cfg Config, logger *log.Logger) *Controller {
	if cfg.QueryInterval == 0 {
		cfg.QueryInterval = time.Millisecond
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Range == 0 {
		cfg.Range = 0.45
	}
	return &Controller{
		obs:    obs,
		t:      t,
		cfg:    cfg,
		stats:  newStats(),
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Stats returns a snapshot of the rolling counters.
func (c *Controller) Stats() Snapshot { return c.stats.Snapshot() }

// Stop requests the controller's loop to exit. Does not block.
func (c *Controller) Stop() { c.quitOnce.Do(func() { close(c.quit) }) }

// Wait blocks until the loop has exited.
func (c *Controller) Wait() { <-c.done }

func (c *Controller) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// clockPollInterval bounds how often Run checks whether the next tick's
// deadline has passed against cfg.clock(). It is short relative to any
// realistic QueryInterval so the tick rate still tracks QueryInterval
// closely against the real clock, while staying short enough that a test
// driving cfg.Clock with timeutil.SimulatedClock sees ticks shortly after
// advancing simulated time rather than waiting out QueryInterval in
// wall-clock time.
const clockPollInterval = 200 * time.Microsecond

// Run drives the sample/compute/send loop until ctx is cancelled or Stop is
// called (spec §4.F "every queryDelay milliseconds..."), timed against
// cfg.clock() rather than the wall clock directly so it is deterministically
// testable with timeutil.SimulatedClock.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	clock := c.cfg.clock()
	next := clock.Now().Add(c.cfg.QueryInterval)

	poll := time.NewTicker(clockPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case <-poll.C:
			now := clock.Now()
			if !now.Before(next) {
				c.tick(ctx)
				next = now.Add(c.cfg.QueryInterval)
			}
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	used, capacity, err := c.obs.Fill()
	if err != nil {
		c.logf("throttle: buffer observation failed: %v", err)
		return
	}

	fill := 0.0
	if capacity > 0 {
		fill = float64(used) / float64(capacity)
	}
	delay := ComputeDelay(fill, c.cfg.Threshold, c.cfg.Range)
	c.stats.update(delay, used, capacity)

	c.stats.mu.Lock()
	changed := !c.stats.haveSent || delay != c.stats.lastSent
	if changed {
		c.stats.lastSent = delay
		c.stats.haveSent = true
	}
	c.stats.mu.Unlock()

	if !changed {
		return
	}
	if err := c.send(ctx, delay); err != nil {
		c.logf("throttle: sending delay=%d failed: %v", delay, err)
	}
}

func (c *Controller) send(ctx context.Context, delay uint16) error {
	word := ethDelayCommand | uint32(delay)
	buf := []byte{
		byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24),
	}
	_, err := c.t.Write(ctx, transport.Delay, buf)
	return err
}
