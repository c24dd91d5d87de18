package vmlc

import (
	"context"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmelink/vmlc/metrics"
	"github.com/vmelink/vmlc/readoutworker"
	"github.com/vmelink/vmlc/throttle"
)

// udpDataConn is satisfied by *ethtransport.Transport without importing
// that package here — the root package stays transport-agnostic (spec §1
// "out of scope" collaborators), the same way the teacher's Connection
// never imports a concrete FileSystem implementation.
type udpDataConn interface {
	DataConn() *net.UDPConn
}

// startThrottle launches the ETH throttle controller of spec §4.F if t is
// an ETH transport exposing its data socket; USB connections have nothing
// to throttle (spec §4.F "ETH-only"), so Connect silently skips this for
// USB without treating it as an error.
func (c *Connection) startThrottle(ctx context.Context) {
	dc, ok := c.t.(udpDataConn)
	if !ok {
		return
	}

	obs := throttle.NewSocketObserver(dc.DataConn())
	c.throttleCtrl = throttle.New(obs, c.t, throttle.Config{
		QueryInterval: c.cfg.ThrottleTickInterval,
		Threshold:     c.cfg.ThrottleThreshold,
		Range:         c.cfg.ThrottleRange,
		Clock:         c.cfg.Clock,
	}, c.cfg.DebugLogger)

	go c.throttleCtrl.Run(ctx)
}

// ThrottleStats returns the ETH throttle controller's rolling counters.
// ok is false on a USB connection, which has no throttle controller.
func (c *Connection) ThrottleStats() (snap throttle.Snapshot, ok bool) {
	if c.throttleCtrl == nil {
		return throttle.Snapshot{}, false
	}
	return c.throttleCtrl.Stats(), true
}

// StartReadoutWorker builds and runs a readoutworker.Worker over this
// connection's data pipe (spec §4.H, §5 "the core creates... one readout
// worker thread"). The worker disables autonomous triggers as part of its
// shutdown sequence via c (spec §5 disconnect ordering) and automatically
// reports stack-error counts through a StackErrorPlugin, on top of
// whatever plugins the caller supplies.
func (c *Connection) StartReadoutWorker(ctx context.Context, writer readoutworker.WriteHandle, snoop readoutworker.Snoop, cfg readoutworker.Config, plugins ...readoutworker.Plugin) *readoutworker.Worker {
	if cfg.TriggerDisabler == nil {
		cfg.TriggerDisabler = c
	}
	if cfg.Logger == nil {
		cfg.Logger = c.cfg.DebugLogger
	}
	if cfg.Clock == nil {
		cfg.Clock = c.cfg.Clock
	}

	all := append([]readoutworker.Plugin{
		readoutworker.NewStackErrorPlugin(cfg.CtrlID, c.stackErrors),
		readoutworker.NewTimetickPlugin(cfg.CtrlID),
	}, plugins...)

	w := readoutworker.New(c.t, writer, snoop, cfg, all...)
	go w.Run(ctx)
	return w
}

// Metrics builds a Prometheus collector exporting this connection's
// command-pipe, stack-error and (if ETH) throttle counters (spec §1
// "adapters over the core"; pack enrichment, see SPEC_FULL.md DOMAIN
// STACK).
func (c *Connection) Metrics(constLabels prometheus.Labels) *metrics.Collector {
	var th metrics.ThrottleSource
	if c.throttleCtrl != nil {
		th = c.throttleCtrl
	}
	return metrics.New(c.reader, c.stackErrors, th, constLabels)
}
