package readoutworker

import (
	"encoding/binary"
	"time"

	"github.com/vmelink/vmlc/frame"
	"github.com/vmelink/vmlc/stackerr"
)

// Plugin is a periodic hook the worker runs once per fill iteration (spec
// §4.H "Periodic plugins"). A non-nil event is a fully framed SystemEvent
// buffer (header word plus payload, little-endian) to route alongside the
// data it just read. stop requests the worker begin its shutdown sequence
// (used by the end-of-run plugin).
type Plugin interface {
	Tick(now time.Time) (event []byte, stop bool)
}

func encodeSystemEvent(subType frame.SubType, ctrlID uint8, payload []uint32) []byte {
	header := frame.EncodeSystemEvent(subType, ctrlID, false, uint16(len(payload)))
	out := make([]byte, (len(payload)+1)*4)
	binary.LittleEndian.PutUint32(out, header)
	for i, w := range payload {
		binary.LittleEndian.PutUint32(out[(i+1)*4:], w)
	}
	return out
}

// TimetickPlugin emits a UnixTimetick system event once per second (spec
// §4.H "timetick (emit a UnixTimetick system-event section once per
// second)").
type TimetickPlugin struct {
	ctrlID uint8
	last   time.Time
}

// NewTimetickPlugin builds a plugin stamping events with ctrlID.
func NewTimetickPlugin(ctrlID uint8) *TimetickPlugin {
	return &TimetickPlugin{ctrlID: ctrlID}
}

func (p *TimetickPlugin) Tick(now time.Time) ([]byte, bool) {
	if !p.last.IsZero() && now.Sub(p.last) < time.Second {
		return nil, false
	}
	p.last = now
	return encodeSystemEvent(frame.UnixTimetick, p.ctrlID, []uint32{uint32(now.Unix())}), false
}

// StackErrorPlugin emits a StackErrors system event whenever the
// stack-error counters have changed since the last tick (spec §4.H
// "stack-error snapshot (emit a StackErrors section when counters
// changed)"). The payload is a flat list of (stackID<<24|line<<8|flags,
// count) word pairs, one pair per non-zero bucket; this encoding is not
// pinned by the wire protocol the core speaks to the controller (that
// protocol never carries a StackErrors *section*, only a per-line
// StackError command-pipe frame — this system event is this module's own
// listfile bookkeeping) so it is documented here rather than in spec.md.
type StackErrorPlugin struct {
	ctrlID   uint8
	counters *stackerr.Counters
	lastSeen uint64
}

// NewStackErrorPlugin builds a plugin snapshotting counters.
func NewStackErrorPlugin(ctrlID uint8, counters *stackerr.Counters) *StackErrorPlugin {
	return &StackErrorPlugin{ctrlID: ctrlID, counters: counters}
}

func (p *StackErrorPlugin) Tick(now time.Time) ([]byte, bool) {
	snap := p.counters.Snapshot()
	total := snap.Total()
	if total == p.lastSeen {
		return nil, false
	}
	p.lastSeen = total

	var payload []uint32
	for stackID, m := range snap.ByStack {
		for k, count := range m {
			payload = append(payload,
				uint32(stackID)<<24|uint32(k.Line)<<8|uint32(k.Flags),
				uint32(count))
		}
	}
	if len(payload) == 0 {
		return nil, false
	}
	return encodeSystemEvent(frame.StackErrors, p.ctrlID, payload), false
}

// EndOfRunPlugin requests shutdown once a configured duration has elapsed
// since the worker's first Tick call (spec §4.H "end-of-run (terminate
// when a requested duration has elapsed)").
type EndOfRunPlugin struct {
	duration time.Duration
	started  time.Time
}

// NewEndOfRunPlugin arms a plugin that requests a stop once duration has
// elapsed from the first Tick call. A zero duration means "run forever"
// (the plugin never requests a stop).
func NewEndOfRunPlugin(duration time.Duration) *EndOfRunPlugin {
	return &EndOfRunPlugin{duration: duration}
}

func (p *EndOfRunPlugin) Tick(now time.Time) ([]byte, bool) {
	if p.duration <= 0 {
		return nil, false
	}
	if p.started.IsZero() {
		// Anchor the deadline off the first observed clock reading, not
		// construction time, so an injected timeutil.SimulatedClock
		// drives this deterministically in tests.
		p.started = now
		return nil, false
	}
	return nil, now.Sub(p.started) >= p.duration
}
