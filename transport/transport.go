// Package transport defines the contract the core consumes from a USB or
// ETH backend (spec §4.B, §1 "out of scope" collaborators). Concrete
// backends — FTDI D3XX glue, raw UDP sockets — live outside this package;
// the core is generic over which one is wired in.
package transport

import (
	"context"

	"github.com/vmelink/vmlc/vmlcerr"
)

// Pipe identifies one of the controller's logical endpoints.
type Pipe int

const (
	Command Pipe = iota
	Data
	// Delay is ETH-only and write-only (spec §1, §6).
	Delay
)

func (p Pipe) String() string {
	switch p {
	case Command:
		return "Command"
	case Data:
		return "Data"
	case Delay:
		return "Delay"
	default:
		return "Pipe(?)"
	}
}

// ConnectionType names which physical transport a Transport implements.
type ConnectionType int

const (
	USB ConnectionType = iota
	ETH
)

func (c ConnectionType) String() string {
	if c == USB {
		return "USB"
	}
	return "ETH"
}

// PacketReadResult is the result of an ETH-only ReadPacket call (spec
// §4.B, §3 "ETH packet envelope"). Payload is a view into buf starting
// right after the two envelope headers.
type PacketReadResult struct {
	Header0           uint32
	Header1           uint32
	PacketChannel     uint8
	PacketNumber      uint16
	CtrlID            uint8
	DataWordCount     uint16
	Timestamp         uint32
	NextHeaderPointer uint16 // word offset from start of Payload, or NoHeaderPointerPresent
	Payload           []byte
	LostPackets       int
	Err               error
}

// NoHeaderPointerPresent is the sentinel HeaderPointer value meaning "no
// frame starts inside this packet" (spec §3).
const NoHeaderPointerPresent = 0xFFF

// Transport is the capability set the core requires of a backend. Not
// every backend implements ReadPacket; callers type-assert against
// PacketReader when ConnectionType() reports ETH, per DESIGN NOTES "model
// as a sum type... guarded by a variant match, not up-casting".
type Transport interface {
	// Write writes bytes to pipe, returning the number of bytes actually
	// transferred. Atomic up to the MTU for datagram transports.
	Write(ctx context.Context, pipe Pipe, data []byte) (transferred int, err error)

	// Read reads into buf from pipe. May return short reads; USB may
	// return any number of bytes, ETH returns a single datagram's worth.
	Read(ctx context.Context, pipe Pipe, buf []byte) (transferred int, err error)

	ConnectionType() ConnectionType

	// Close releases the underlying OS resources.
	Close() error
}

// PacketReader is the additional capability ETH backends provide,
// preserving individual datagram boundaries (spec §4.B).
type PacketReader interface {
	ReadPacket(ctx context.Context, pipe Pipe, buf []byte) PacketReadResult
}

// AsPacketReader returns t's PacketReader capability, if any.
func AsPacketReader(t Transport) (PacketReader, bool) {
	pr, ok := t.(PacketReader)
	return pr, ok
}

// ErrShortRead classifies a ShortRead condition (spec §8: fewer than 8
// bytes in a UDP datagram carrying the envelope headers).
func ErrShortRead(n int) error {
	return vmlcerr.New(vmlcerr.ShortRead, "datagram carried %d bytes, need at least 8", n)
}
