// Package readout implements the resumable readout parser of spec §4.E: a
// pure state machine that consumes a sequence of input buffers (USB) or
// datagrams (ETH) and reassembles per-event, per-module readout records.
//
// Per DESIGN NOTES "Coroutine-like control flow", this is deliberately not
// implemented with goroutines/channels pretending to be coroutines: every
// local variable that must survive a "not enough data yet, come back
// later" return is a field of Parser. Grounded on
// original_source/src/mesytec-mvlc/mvlc_readout_parser.cc — only the
// "version 2" reassembly loop is ported (see DESIGN.md); the original's
// "version 3" variant is documented there as broken for the non-flush
// case and is intentionally not carried over.
package readout

import (
	"sync"

	"github.com/vmelink/vmlc/frame"
	"github.com/vmelink/vmlc/internal/wordbuf"
	"github.com/vmelink/vmlc/vmlcerr"
)

// Callbacks is the event/group/system-event callback surface (spec §6).
// Slices passed to these methods are views into the Parser's internal
// work buffer and are invalid after the callback returns.
type Callbacks interface {
	BeginEvent(eventIndex int)
	GroupPrefix(eventIndex, groupIndex int, words []uint32)
	GroupDynamic(eventIndex, groupIndex int, words []uint32)
	GroupSuffix(eventIndex, groupIndex int, words []uint32)
	EndEvent(eventIndex int)
	SystemEvent(words []uint32)
}

type phase int

const (
	phasePrefix phase = iota
	phaseDynamic
	phaseSuffix
)

// mode distinguishes the three things the parser can be resuming mid-way
// through: nothing, an event, or a passthrough system event.
type mode int

const (
	modeIdle mode = iota
	modeEvent
	modeSystemEvent
)

// frameCounter tracks how many payload words remain unconsumed in the
// physical frame segment currently open (spec §3 "curStackFrame and
// curBlockFrame remaining-word counters").
type frameCounter struct {
	info      frame.Info
	wordsLeft int
	open      bool
}

type span struct {
	offset, size int
}

type groupSpans struct {
	prefix, dynamic, suffix span
}

// Counters tallies the parser's error/skip statistics (spec §8, §4.E
// edge policies), snapshot-read the same way stackerr.Counters is.
type Counters struct {
	mu sync.Mutex

	WordsSkipped        uint64
	EmptyStackFrame      uint64
	EthPacketLoss        uint64
	UsbBufferLoss        uint64
	StackIndexOutOfRange uint64
	ByErrorKind          map[vmlcerr.Kind]uint64
}

func newCounters() *Counters {
	return &Counters{ByErrorKind: make(map[vmlcerr.Kind]uint64)}
}

func (c *Counters) recordError(k vmlcerr.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ByErrorKind[k]++
}

// Snapshot returns a copy of the counters safe to read concurrently.
func (c *Counters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := Counters{
		WordsSkipped:         c.WordsSkipped,
		EmptyStackFrame:      c.EmptyStackFrame,
		EthPacketLoss:        c.EthPacketLoss,
		UsbBufferLoss:        c.UsbBufferLoss,
		StackIndexOutOfRange: c.StackIndexOutOfRange,
		ByErrorKind:          make(map[vmlcerr.Kind]uint64, len(c.ByErrorKind)),
	}
	for k, v := range c.ByErrorKind {
		cp.ByErrorKind[k] = v
	}
	return cp
}

// Parser is the resumable readout state machine (spec §3 "Readout parser
// state").
type Parser struct {
	structures *Structures
	cb         Callbacks
	counters   *Counters

	mode       mode
	eventIndex int
	groupIndex int
	ph         phase

	curStackFrame frameCounter
	curBlockFrame frameCounter

	sysFrame frameCounter

	work  *wordbuf.Buffer
	spans []groupSpans // per-group spans for the event currently in progress

	havePacketNumber bool
	lastPacketNumber uint16

	haveBufferNumber bool
	lastBufferNumber uint32
}

// NewParser builds a Parser over the given per-stack structures, invoking
// cb for each completed event/system-event.
func NewParser(structures *Structures, cb Callbacks) *Parser {
	return &Parser{
		structures: structures,
		cb:         cb,
		counters:   newCounters(),
		work:       wordbuf.New(1024),
	}
}

// Counters returns the parser's error/skip tallies.
func (p *Parser) Counters() Counters { return p.counters.Snapshot() }

// errNeedMoreData is a sentinel used internally to mean "stop here, the
// caller should feed more words later and we'll resume exactly where we
// left off". It is never returned to callers of Feed.
var errNeedMoreData = vmlcerr.New(vmlcerr.ParseResultMax, "need more data")

// clearEventState abandons whatever event/system-event is in progress
// without invoking any callback, per spec "on loss, clear event state".
func (p *Parser) clearEventState() {
	p.mode = modeIdle
	p.curStackFrame = frameCounter{}
	p.curBlockFrame = frameCounter{}
	p.sysFrame = frameCounter{}
	p.work.Reset()
	p.spans = nil
}

// noteEthPacket updates packet-loss bookkeeping for an ETH datagram and
// clears in-progress event state across a detected gap (spec §4.E, §8
// scenario 4). Packet numbers are a 12-bit field that wraps.
func (p *Parser) noteEthPacket(channel uint8, packetNumber uint16) {
	if !p.havePacketNumber {
		p.havePacketNumber = true
		p.lastPacketNumber = packetNumber
		return
	}

	const width = 4096
	lost := (int(packetNumber) - int(p.lastPacketNumber) - 1 + width) % width
	p.lastPacketNumber = packetNumber
	if lost > 0 {
		p.counters.mu.Lock()
		p.counters.EthPacketLoss += uint64(lost)
		p.counters.mu.Unlock()
		p.clearEventState()
	}
}

// noteUsbBuffer is the USB analogue of noteEthPacket using a simple
// monotonic buffer sequence number rather than a per-channel packet
// number.
func (p *Parser) noteUsbBuffer(bufferNumber uint32) {
	if !p.haveBufferNumber {
		p.haveBufferNumber = true
		p.lastBufferNumber = bufferNumber
		return
	}

	lost := bufferNumber - p.lastBufferNumber - 1
	p.lastBufferNumber = bufferNumber
	if lost > 0 && lost < 1<<31 {
		p.counters.mu.Lock()
		p.counters.UsbBufferLoss += uint64(lost)
		p.counters.mu.Unlock()
		p.clearEventState()
	}
}

// FeedETHPacket parses one ETH datagram's payload (spec §4.E "ETH: track
// packet_number per buffer... parse the packet, starting the walk at
// nextHeaderPointer if no event is currently in progress").
func (p *Parser) FeedETHPacket(channel uint8, packetNumber uint16, nextHeaderPointer uint16, payload []uint32) error {
	p.noteEthPacket(channel, packetNumber)

	start := 0
	if p.mode == modeIdle && nextHeaderPointer != 0xFFF && int(nextHeaderPointer) < len(payload) {
		start = int(nextHeaderPointer)
	}
	return p.feed(payload[start:])
}

// FeedUSBBuffer parses one USB read buffer (spec §4.E "USB: track buffer
// sequence number"). USB buffers may begin with a SystemEvent frame,
// which the generic feed loop already handles since it checks for
// SystemEvent headers whenever no event is in progress.
func (p *Parser) FeedUSBBuffer(bufferNumber uint32, buf []uint32) error {
	p.noteUsbBuffer(bufferNumber)
	return p.feed(buf)
}

// feed is the per-frame parser (spec §4.E "Per-frame parser"), operating
// over a view of the words just received. It resumes whatever mode/phase
// it was left in and stops (without error) when the input is exhausted
// mid-frame.
func (p *Parser) feed(words []uint32) error {
	i := 0
	stall := 0
	// A single step may advance internal phase/group state without
	// consuming any words (e.g. a zero-length prefix moving straight to
	// the dynamic phase). That is legitimate forward progress, bounded by
	// the number of phases/groups in play, not a stall — so zero-word
	// steps are tolerated up to a generous bound before being treated as
	// a genuine parser bug rather than exhausted input.
	for {
		n, err := p.step(words[i:])
		i += n

		if err == errNeedMoreData {
			return nil
		}
		if err != nil {
			if verr, ok := err.(*vmlcerr.Error); ok {
				p.counters.recordError(verr.Kind)
			}
			p.clearEventState()
			return err
		}

		if n == 0 {
			stall++
			if stall > 10000 {
				err := vmlcerr.New(vmlcerr.ParseResultMax, "parser made no progress")
				p.clearEventState()
				return err
			}
		} else {
			stall = 0
		}

		if i >= len(words) {
			// No more words available. If the current mode can still
			// make progress without new input (a pending phase/group
			// transition), loop once more; step() itself reports
			// errNeedMoreData when it actually needs a word it doesn't
			// have. mode == modeIdle with no words left simply means
			// "done for now".
			if p.mode == modeIdle {
				return nil
			}
		}
	}
}

// step advances the state machine using as much of words as it needs,
// returning how many words it consumed.
func (p *Parser) step(words []uint32) (int, error) {
	if len(words) == 0 && p.mode == modeIdle {
		return 0, errNeedMoreData
	}
	switch p.mode {
	case modeIdle:
		return p.stepIdle(words)
	case modeSystemEvent:
		return p.stepSystemEvent(words)
	case modeEvent:
		return p.stepEvent(words)
	}
	return 0, vmlcerr.New(vmlcerr.ParseResultMax, "unreachable parser mode")
}

// stepIdle scans for the next frame to act on when no event is open.
func (p *Parser) stepIdle(words []uint32) (int, error) {
	hdr := frame.Decode(words[0])

	switch hdr.Type {
	case frame.SystemEvent:
		p.sysFrame = frameCounter{info: hdr, wordsLeft: int(hdr.Length), open: true}
		p.work.Reset()
		p.work.AppendWords([]uint32{words[0]})
		p.mode = modeSystemEvent
		return 1, nil

	case frame.StackFrame:
		stackID := hdr.Stack
		if stackID == 0 || int(stackID) > MaxStacks {
			p.counters.mu.Lock()
			p.counters.StackIndexOutOfRange++
			p.counters.mu.Unlock()
			return 1, vmlcerr.New(vmlcerr.StackIndexOutOfRange, "stack id %d out of range", stackID)
		}

		groups := p.structures.Get(stackID)
		if hdr.Length == 0 {
			if len(groups) == 0 {
				// Empty stack frame with no groups is valid (spec edge
				// policy): nothing to emit, no event to open.
				return 1, nil
			}
			p.counters.mu.Lock()
			p.counters.EmptyStackFrame++
			p.counters.mu.Unlock()
			return 1, nil
		}

		p.eventIndex = int(stackID) - 1
		p.groupIndex = 0
		p.ph = phasePrefix
		p.curStackFrame = frameCounter{info: hdr, wordsLeft: int(hdr.Length), open: true}
		p.curBlockFrame = frameCounter{}
		p.work.Reset()
		p.spans = make([]groupSpans, len(groups))
		p.mode = modeEvent

		if err := p.skipDisabledGroups(groups); err != nil {
			return 1, err
		}
		return 1, nil

	default:
		p.counters.mu.Lock()
		p.counters.WordsSkipped++
		p.counters.mu.Unlock()
		return 1, nil
	}
}

// stepSystemEvent accumulates a (possibly continuation-chained) system
// event frame and emits it via the callback once complete (spec
// "SystemEvent passthrough").
func (p *Parser) stepSystemEvent(words []uint32) (int, error) {
	if p.sysFrame.wordsLeft > 0 {
		n := p.sysFrame.wordsLeft
		if n > len(words) {
			n = len(words)
		}
		p.work.AppendWords(words[:n])
		p.sysFrame.wordsLeft -= n
		if p.sysFrame.wordsLeft > 0 {
			return n, errNeedMoreData
		}
		if !p.sysFrame.info.Continue() {
			p.emitSystemEvent()
			return n, nil
		}
		// Need the next continuation header.
		return n, errNeedMoreData
	}

	// We've consumed a full segment and the prior one had Continue set;
	// the next word must be another SystemEvent header.
	if len(words) == 0 {
		return 0, errNeedMoreData
	}
	hdr := frame.Decode(words[0])
	if hdr.Type != frame.SystemEvent {
		p.emitSystemEvent()
		return 0, vmlcerr.New(vmlcerr.UnexpectedEndOfBuffer, "expected SystemEvent continuation")
	}
	p.work.AppendWords([]uint32{words[0]})
	p.sysFrame = frameCounter{info: hdr, wordsLeft: int(hdr.Length), open: true}
	return 1, nil
}

func (p *Parser) emitSystemEvent() {
	words := append([]uint32(nil), p.work.Words()...)
	p.clearEventState()
	if p.cb != nil {
		p.cb.SystemEvent(words)
	}
}

// skipDisabledGroups advances groupIndex/phase past any leading groups
// whose shape is the all-zero "disabled module" marker (spec edge
// policy), and finalizes the event if that exhausts the group list.
func (p *Parser) skipDisabledGroups(groups StackStructure) error {
	for p.groupIndex < len(groups) && groups[p.groupIndex].IsDisabled() {
		p.groupIndex++
		p.ph = phasePrefix
	}
	if p.groupIndex >= len(groups) {
		return p.finishEventIfFrameDone()
	}
	return nil
}

// stepEvent drives the prefix/dynamic/suffix phases of the group
// currently open (spec "For each group in the event's structure").
func (p *Parser) stepEvent(words []uint32) (int, error) {
	groups := p.structures.Get(uint8(p.eventIndex + 1))

	if p.groupIndex >= len(groups) {
		return 0, p.finishEventIfFrameDone()
	}

	g := groups[p.groupIndex]

	switch p.ph {
	case phasePrefix:
		return p.copyPhaseWords(words, int(g.PrefixLen), groupPartPrefix, groups)

	case phaseDynamic:
		if !g.HasDynamic {
			p.ph = phaseSuffix
			return 0, nil
		}
		return p.stepDynamic(words, groups)

	case phaseSuffix:
		return p.copyPhaseWords(words, int(g.SuffixLen), groupPartSuffix, groups)
	}

	return 0, vmlcerr.New(vmlcerr.ParseResultMax, "unreachable phase")
}

type groupPart int

const (
	groupPartPrefix groupPart = iota
	groupPartSuffix
)

// copyPhaseWords copies up to 'want' words for the prefix/suffix phase of
// the current group from the outer stack frame, handling outer-frame
// continuation when the frame ends mid-group (spec "If the outer stack
// frame ends mid-group...").
func (p *Parser) copyPhaseWords(words []uint32, want int, part groupPart, groups StackStructure) (int, error) {
	alreadyHave := p.phasePartLen(part)
	remaining := want - alreadyHave

	if remaining == 0 {
		return p.advancePastPhase(part, groups)
	}

	if p.curStackFrame.wordsLeft == 0 {
		return p.continueOuterFrame(words)
	}

	n := remaining
	if n > len(words) {
		n = len(words)
	}
	if n > p.curStackFrame.wordsLeft {
		n = p.curStackFrame.wordsLeft
	}
	if n == 0 {
		return 0, errNeedMoreData
	}

	off := p.work.Len()
	p.work.AppendWords(words[:n])
	p.curStackFrame.wordsLeft -= n
	p.addPhaseSpan(part, off, n)

	if remaining-n > 0 {
		return n, errNeedMoreData
	}

	adv, err := p.advancePastPhase(part, groups)
	return n + adv, err
}

// continueOuterFrame is reached when the outer stack frame's current
// physical segment is exhausted but the group still wants more words. The
// frame's Continue flag must be set; the next word must be a matching
// StackContinuation.
func (p *Parser) continueOuterFrame(words []uint32) (int, error) {
	if !p.curStackFrame.info.Continue() {
		return 0, vmlcerr.New(vmlcerr.UnexpectedEndOfBuffer, "outer stack frame ended without Continue and group incomplete")
	}
	if len(words) == 0 {
		return 0, errNeedMoreData
	}

	hdr := frame.Decode(words[0])
	if hdr.Type != frame.StackContinuation {
		return 0, vmlcerr.New(vmlcerr.NotAStackContinuation, "expected StackContinuation, got %v", hdr.Type)
	}
	if int(hdr.Stack) != p.eventIndex+1 {
		return 0, vmlcerr.New(vmlcerr.StackIndexChanged, "continuation stack id %d != event stack %d", hdr.Stack, p.eventIndex+1)
	}

	p.curStackFrame = frameCounter{info: hdr, wordsLeft: int(hdr.Length), open: true}
	return 1, nil
}

// advancePastPhase moves to the next phase/group once the current phase's
// word count target has been fully copied.
func (p *Parser) advancePastPhase(part groupPart, groups StackStructure) (int, error) {
	switch part {
	case groupPartPrefix:
		p.ph = phaseDynamic
	case groupPartSuffix:
		p.finishGroup(groups)
	}
	return 0, nil
}

// finishGroup records that the current group is complete and advances to
// the next one, or finalizes the event.
func (p *Parser) finishGroup(groups StackStructure) {
	p.groupIndex++
	p.ph = phasePrefix
	for p.groupIndex < len(groups) && groups[p.groupIndex].IsDisabled() {
		p.groupIndex++
	}
}

// finishEventIfFrameDone is invoked once every group has been fully
// parsed; it expects the outer stack frame to have no Continue flag set
// (no more data belongs to this event) and emits the event's callbacks.
func (p *Parser) finishEventIfFrameDone() error {
	if p.curStackFrame.info.Continue() {
		return vmlcerr.New(vmlcerr.UnexpectedEndOfBuffer, "stack frame continues after all groups parsed")
	}
	p.emitEvent()
	return nil
}

func (p *Parser) emitEvent() {
	if p.cb == nil {
		p.clearEventState()
		return
	}

	eventIndex := p.eventIndex
	work := p.work.Words()
	spans := p.spans

	p.cb.BeginEvent(eventIndex)
	for gi, s := range spans {
		if s.prefix.size > 0 {
			p.cb.GroupPrefix(eventIndex, gi, work[s.prefix.offset:s.prefix.offset+s.prefix.size])
		}
		if s.dynamic.size > 0 {
			p.cb.GroupDynamic(eventIndex, gi, work[s.dynamic.offset:s.dynamic.offset+s.dynamic.size])
		}
		if s.suffix.size > 0 {
			p.cb.GroupSuffix(eventIndex, gi, work[s.suffix.offset:s.suffix.offset+s.suffix.size])
		}
	}
	p.cb.EndEvent(eventIndex)

	p.clearEventState()
}

// stepDynamic drives the dynamic (block-read) phase of the current group,
// spanning however many Continue-chained BlockRead frames it takes (spec
// "Dynamic phase").
func (p *Parser) stepDynamic(words []uint32, groups StackStructure) (int, error) {
	if !p.curBlockFrame.open {
		if p.curStackFrame.wordsLeft == 0 {
			n, err := p.continueOuterFrame(words)
			return n, err
		}
		if len(words) == 0 {
			return 0, errNeedMoreData
		}
		hdr := frame.Decode(words[0])
		if hdr.Type != frame.BlockRead {
			return 0, vmlcerr.New(vmlcerr.NotABlockFrame, "expected BlockRead, got %v", hdr.Type)
		}
		p.curBlockFrame = frameCounter{info: hdr, wordsLeft: int(hdr.Length), open: true}
		p.curStackFrame.wordsLeft--
		return 1, nil
	}

	if p.curBlockFrame.wordsLeft == 0 {
		if !p.curBlockFrame.info.Continue() {
			p.curBlockFrame.open = false
			p.ph = phaseSuffix
			return 0, nil
		}
		if p.curStackFrame.wordsLeft == 0 {
			return p.continueOuterFrame(words)
		}
		if len(words) == 0 {
			return 0, errNeedMoreData
		}
		hdr := frame.Decode(words[0])
		if hdr.Type != frame.BlockRead {
			return 0, vmlcerr.New(vmlcerr.NotABlockFrame, "expected BlockRead continuation, got %v", hdr.Type)
		}
		p.curBlockFrame = frameCounter{info: hdr, wordsLeft: int(hdr.Length), open: true}
		p.curStackFrame.wordsLeft--
		return 1, nil
	}

	n := p.curBlockFrame.wordsLeft
	if n > len(words) {
		n = len(words)
	}
	if n > p.curStackFrame.wordsLeft {
		n = p.curStackFrame.wordsLeft
	}
	if n == 0 {
		return 0, errNeedMoreData
	}

	off := p.work.Len()
	p.work.AppendWords(words[:n])
	p.curBlockFrame.wordsLeft -= n
	p.curStackFrame.wordsLeft -= n
	p.addPhaseSpan(groupPartDynamic, off, n)

	return n, nil
}

const groupPartDynamic = groupPart(2)

// phasePartLen/addPhaseSpan maintain the running (offset, size) span for
// whichever phase of the current group is being copied, merging
// appended chunks into one contiguous span per part per group.
func (p *Parser) phasePartLen(part groupPart) int {
	s := p.curGroupSpan(part)
	return s.size
}

func (p *Parser) curGroupSpan(part groupPart) span {
	sp := &p.spans[p.groupIndex]
	switch part {
	case groupPartPrefix:
		return sp.prefix
	case groupPartDynamic:
		return sp.dynamic
	default:
		return sp.suffix
	}
}

func (p *Parser) addPhaseSpan(part groupPart, off, n int) {
	sp := &p.spans[p.groupIndex]
	var target *span
	switch part {
	case groupPartPrefix:
		target = &sp.prefix
	case groupPartDynamic:
		target = &sp.dynamic
	default:
		target = &sp.suffix
	}
	if target.size == 0 {
		target.offset = off
	}
	target.size += n
}
