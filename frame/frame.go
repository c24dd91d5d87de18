// Package frame implements the 32-bit framing header codec (spec §4.A):
// encode/decode/classify for the wire protocol shared by the USB and ETH
// transports.
//
// Bit layout for non-system frames (MSB to LSB):
//
//	TTTT TTTT CEEE SSSS IIIL LLLL LLLL LLLL
//	Type[31:24] Flags[23:20] Stack[19:16] CtrlId[15:13] Length[12:0]
//
// Bit layout for SystemEvent frames:
//
//	TTTT TTTT CIII SSSS SSSL LLLL LLLL LLLL
//	Type[31:24] Continue[23] CtrlId[22:20] SubType[19:13] Length[12:0]
package frame

import "fmt"

// Type is the 8-bit frame type code occupying the top byte of a header word.
type Type uint8

const (
	SuperFrame        Type = 0xF1
	SuperContinuation Type = 0xF2
	StackFrame        Type = 0xF3
	BlockRead         Type = 0xF5
	StackError        Type = 0xF7
	StackContinuation Type = 0xF9
	SystemEvent       Type = 0xFA
)

// Flag bits for non-system frames, packed into bits [23:20].
type Flags uint8

const (
	FlagTimeout Flags = 1 << iota
	FlagBusError
	FlagSyntaxError
	FlagContinue
)

const (
	typeShift  = 24
	typeMask   = 0xFF
	flagsShift = 20
	flagsMask  = 0xF
	stackShift = 16
	stackMask  = 0xF
	ctrlShift  = 13
	ctrlMask   = 0x7
	lengthMask = 0x1FFF

	sysContinueShift = 23
	sysCtrlShift     = 20
	sysCtrlMask      = 0x7
	sysSubtypeShift  = 13
	sysSubtypeMask   = 0x7F
)

// SystemEvent subtypes (§3), values from mvlc_constants.h's system_event
// namespace.
type SubType uint8

const (
	MVMEConfig       SubType = 0x10
	UnixTimetick     SubType = 0x11
	Pause            SubType = 0x12
	Resume           SubType = 0x13
	MVLCCrateConfig  SubType = 0x14
	StackErrors      SubType = 0x15
	// UserReservedStart/UserReservedEnd bound the user-reserved subtype range.
	UserReservedStart SubType = 0x20
	UserReservedEnd   SubType = 0x2F
	EndOfFile         SubType = 0x77
)

// Info is the decoded form of a single header word.
type Info struct {
	Type    Type
	Flags   Flags
	Stack   uint8
	CtrlID  uint8
	Length  uint16
	SubType SubType // valid only when Type == SystemEvent
}

// Continue reports whether the frame's Continue flag is set. For
// SystemEvent frames, the continue bit occupies a different position;
// Decode already normalizes it into Flags&FlagContinue for both frame
// families so callers never need to special-case this.
func (i Info) Continue() bool { return i.Flags&FlagContinue != 0 }

// knownTypes is the closed set of type codes a reader accepts.
var knownTypes = map[Type]bool{
	SuperFrame:        true,
	SuperContinuation: true,
	StackFrame:        true,
	StackContinuation: true,
	BlockRead:         true,
	StackError:        true,
	SystemEvent:       true,
}

// IsKnownHeader reports whether the top byte of w names one of the seven
// known frame types (spec §4.A).
func IsKnownHeader(w uint32) bool {
	t := Type((w >> typeShift) & typeMask)
	return knownTypes[t]
}

// TypeOf extracts the type code without fully decoding the header.
func TypeOf(w uint32) Type {
	return Type((w >> typeShift) & typeMask)
}

// Encode packs a non-system frame header.
func Encode(t Type, flags Flags, stack uint8, ctrlID uint8, length uint16) uint32 {
	return uint32(t)<<typeShift |
		uint32(flags&flagsMask)<<flagsShift |
		uint32(stack&stackMask)<<stackShift |
		uint32(ctrlID&ctrlMask)<<ctrlShift |
		uint32(length&lengthMask)
}

// EncodeSystemEvent packs a SystemEvent header.
func EncodeSystemEvent(subType SubType, ctrlID uint8, continueBit bool, length uint16) uint32 {
	w := uint32(SystemEvent)<<typeShift |
		uint32(ctrlID&sysCtrlMask)<<sysCtrlShift |
		uint32(subType&sysSubtypeMask)<<sysSubtypeShift |
		uint32(length&lengthMask)
	if continueBit {
		w |= 1 << sysContinueShift
	}
	return w
}

// Decode fully decodes a header word, dispatching to the SystemEvent layout
// when the type byte names it.
func Decode(w uint32) Info {
	t := Type((w >> typeShift) & typeMask)
	if t == SystemEvent {
		info := Info{
			Type:    t,
			CtrlID:  uint8((w >> sysCtrlShift) & sysCtrlMask),
			SubType: SubType((w >> sysSubtypeShift) & sysSubtypeMask),
			Length:  uint16(w & lengthMask),
		}
		if (w>>sysContinueShift)&1 != 0 {
			info.Flags = FlagContinue
		}
		return info
	}

	return Info{
		Type:   t,
		Flags:  Flags((w >> flagsShift) & flagsMask),
		Stack:  uint8((w >> stackShift) & stackMask),
		CtrlID: uint8((w >> ctrlShift) & ctrlMask),
		Length: uint16(w & lengthMask),
	}
}

// sameLogicalCategory reports whether cont is a valid continuation frame
// type for a logical frame whose leading type is lead (spec "Continuation
// rule").
func sameLogicalCategory(lead, cont Type) bool {
	switch lead {
	case SuperFrame, SuperContinuation:
		return cont == SuperContinuation
	case StackFrame, StackContinuation:
		return cont == StackContinuation
	default:
		return false
	}
}

// ErrNotContinuation is the error for a word following a Continue-flagged
// frame that is not a valid continuation of the same logical category.
var ErrNotContinuation = fmt.Errorf("frame: next header is not a valid continuation")

// SameLogicalCategory exports sameLogicalCategory for callers outside the
// package (e.g. cmdpipe) that need to validate continuation chains word by
// word as they arrive, rather than all at once.
func SameLogicalCategory(lead, cont Type) bool { return sameLogicalCategory(lead, cont) }
