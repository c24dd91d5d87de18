// Package metrics exports cmdpipe, stackerr and throttle counters as
// Prometheus metrics.
//
// Grounded on runZeroInc-sockstats/pkg/exporter/exporter.go's
// TCPInfoCollector: a prometheus.Collector that pulls live values from its
// sources at scrape time (Collect), rather than an imperatively-updated set
// of registered gauges going stale between scrapes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmelink/vmlc/cmdpipe"
	"github.com/vmelink/vmlc/stackerr"
	"github.com/vmelink/vmlc/throttle"
)

// CmdPipeSource is satisfied by *cmdpipe.Reader.
type CmdPipeSource interface {
	Counters() cmdpipe.Counters
}

// ThrottleSource is satisfied by *throttle.Controller.
type ThrottleSource interface {
	Stats() throttle.Snapshot
}

// descSet holds every *prometheus.Desc this package can emit, built once
// per Collector so constLabels gets baked into each one (the way
// NewTCPInfoCollector's addMetrics binds constLabels at construction time).
type descSet struct {
	reads, bytesRead, timeouts, invalidHeader, wordsSkipped, malformedChain    *prometheus.Desc
	superFormatError, superRefMismatch, stackFormatError, stackRefMismatch    *prometheus.Desc
	noStackPending, noSuperPending, lostPackets                               *prometheus.Desc
	stackErrors, unrecognisedErrorFrames                                      *prometheus.Desc
	throttleCurrent, throttleMax, throttleAverage, throttleBufferFill         *prometheus.Desc
}

func newDescSet(constLabels prometheus.Labels) descSet {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, labels, constLabels)
	}
	return descSet{
		reads:             d("vmlc_cmdpipe_reads_total", "Command-pipe transport reads performed."),
		bytesRead:         d("vmlc_cmdpipe_bytes_read_total", "Bytes read from the command pipe."),
		timeouts:          d("vmlc_cmdpipe_timeouts_total", "Command-pipe reads that timed out."),
		invalidHeader:     d("vmlc_cmdpipe_invalid_header_total", "Words skipped while resynchronizing after an unrecognised header."),
		wordsSkipped:      d("vmlc_cmdpipe_words_skipped_total", "Words discarded while resynchronizing."),
		malformedChain:    d("vmlc_cmdpipe_malformed_chain_dropped_total", "Continuation chains dropped as malformed."),
		superFormatError:  d("vmlc_cmdpipe_super_format_error_total", "Super-frame format errors observed."),
		superRefMismatch:  d("vmlc_cmdpipe_super_reference_mismatch_total", "Super responses with a mismatched reference word."),
		stackFormatError:  d("vmlc_cmdpipe_stack_format_error_total", "Stack-frame format errors observed."),
		stackRefMismatch:  d("vmlc_cmdpipe_stack_reference_mismatch_total", "Stack responses with a mismatched reference word."),
		noStackPending:    d("vmlc_cmdpipe_no_stack_pending_total", "Stack responses received with nothing pending."),
		noSuperPending:    d("vmlc_cmdpipe_no_super_pending_total", "Super responses received with nothing pending."),
		lostPackets:       d("vmlc_cmdpipe_lost_packets_total", "ETH packet-number gaps detected on the command pipe."),

		stackErrors: d("vmlc_stack_errors_total",
			"Stack-error frames observed, by stack, line and flags.", "stack", "line", "flags"),
		unrecognisedErrorFrames: d("vmlc_stack_errors_unrecognised_total",
			"Error-typed frames that didn't match the expected two-word shape, by header.", "header"),

		throttleCurrent:      d("vmlc_eth_throttle_delay_current", "Most recently computed ETH throttle delay."),
		throttleMax:          d("vmlc_eth_throttle_delay_max", "Largest ETH throttle delay computed so far."),
		throttleAverage:      d("vmlc_eth_throttle_delay_average", "Exponentially smoothed ETH throttle delay."),
		throttleBufferFill:   d("vmlc_eth_throttle_buffer_fill_ratio", "OS receive-buffer fill ratio last observed by the throttle controller."),
	}
}

// Collector exports the counter bundles of a single vmlc connection. Any of
// the three sources may be nil, in which case the metrics it would have
// contributed are simply omitted.
type Collector struct {
	pipe     CmdPipeSource
	errs     *stackerr.Counters
	throttle ThrottleSource

	desc descSet
}

// New builds a Collector. constLabels is attached to every metric this
// collector emits (e.g. {"controller": "vme0"}), the way
// NewTCPInfoCollector's constLabels parameter scopes metrics to one process.
func New(pipe CmdPipeSource, errs *stackerr.Counters, th ThrottleSource, constLabels prometheus.Labels) *Collector {
	return &Collector{pipe: pipe, errs: errs, throttle: th, desc: newDescSet(constLabels)}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	if c.pipe != nil {
		for _, d := range []*prometheus.Desc{
			c.desc.reads, c.desc.bytesRead, c.desc.timeouts, c.desc.invalidHeader, c.desc.wordsSkipped,
			c.desc.malformedChain, c.desc.superFormatError, c.desc.superRefMismatch, c.desc.stackFormatError,
			c.desc.stackRefMismatch, c.desc.noStackPending, c.desc.noSuperPending, c.desc.lostPackets,
		} {
			descs <- d
		}
	}
	if c.errs != nil {
		descs <- c.desc.stackErrors
		descs <- c.desc.unrecognisedErrorFrames
	}
	if c.throttle != nil {
		descs <- c.desc.throttleCurrent
		descs <- c.desc.throttleMax
		descs <- c.desc.throttleAverage
		descs <- c.desc.throttleBufferFill
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pipe != nil {
		c.collectPipe(ch)
	}
	if c.errs != nil {
		c.collectErrs(ch)
	}
	if c.throttle != nil {
		c.collectThrottle(ch)
	}
}

func (c *Collector) collectPipe(ch chan<- prometheus.Metric) {
	snap := c.pipe.Counters()
	emit := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	emit(c.desc.reads, snap.Reads)
	emit(c.desc.bytesRead, snap.BytesRead)
	emit(c.desc.timeouts, snap.Timeouts)
	emit(c.desc.invalidHeader, snap.InvalidHeader)
	emit(c.desc.wordsSkipped, snap.WordsSkipped)
	emit(c.desc.malformedChain, snap.MalformedChainDropped)
	emit(c.desc.superFormatError, snap.SuperFormatError)
	emit(c.desc.superRefMismatch, snap.SuperRefMismatches)
	emit(c.desc.stackFormatError, snap.StackFormatError)
	emit(c.desc.stackRefMismatch, snap.StackRefMismatches)
	emit(c.desc.noStackPending, snap.NoStackPending)
	emit(c.desc.noSuperPending, snap.NoSuperPending)
	emit(c.desc.lostPackets, snap.LostPackets)
}

func (c *Collector) collectErrs(ch chan<- prometheus.Metric) {
	snap := c.errs.Snapshot()
	for stackID, m := range snap.ByStack {
		for key, count := range m {
			ch <- prometheus.MustNewConstMetric(c.desc.stackErrors, prometheus.CounterValue,
				float64(count), stackLabel(stackID), lineLabel(key.Line), flagsLabel(key.Flags))
		}
	}
	for header, count := range snap.NonErrorFrameHeaders {
		ch <- prometheus.MustNewConstMetric(c.desc.unrecognisedErrorFrames, prometheus.CounterValue,
			float64(count), headerLabel(header))
	}
}

func (c *Collector) collectThrottle(ch chan<- prometheus.Metric) {
	snap := c.throttle.Stats()
	ch <- prometheus.MustNewConstMetric(c.desc.throttleCurrent, prometheus.GaugeValue, float64(snap.Current))
	ch <- prometheus.MustNewConstMetric(c.desc.throttleMax, prometheus.GaugeValue, float64(snap.Max))
	ch <- prometheus.MustNewConstMetric(c.desc.throttleAverage, prometheus.GaugeValue, snap.Average)
	fill := 0.0
	if snap.BufferCapacity > 0 {
		fill = float64(snap.BufferUsed) / float64(snap.BufferCapacity)
	}
	ch <- prometheus.MustNewConstMetric(c.desc.throttleBufferFill, prometheus.GaugeValue, fill)
}
