package transport

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
)

// Fake is an in-memory Transport used by tests throughout the module. It
// models each pipe as an independent queue of pre-supplied reads and a
// record of everything written to it — the same role the teacher's
// in-process bazilfuse/minimalFS fixtures play in mount_test.go, just for
// a byte-oriented transport instead of a mounted file system.
type Fake struct {
	mu       sync.Mutex
	connType ConnectionType
	reads    map[Pipe][][]byte // queued chunks returned one per Read call
	writes   map[Pipe][][]byte // everything ever written, in order
	closed   bool
}

// NewFake builds a Fake transport reporting connType from ConnectionType().
func NewFake(connType ConnectionType) *Fake {
	return &Fake{
		connType: connType,
		reads:    make(map[Pipe][][]byte),
		writes:   make(map[Pipe][][]byte),
	}
}

// QueueRead appends a chunk of bytes to be returned by the next Read (or
// ReadPacket, for ETH) call on pipe.
func (f *Fake) QueueRead(pipe Pipe, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.reads[pipe] = append(f.reads[pipe], cp)
}

// QueueWords is a convenience wrapper around QueueRead for little-endian
// 32-bit words, the unit the wire protocol actually speaks in.
func (f *Fake) QueueWords(pipe Pipe, words ...uint32) {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	f.QueueRead(pipe, buf)
}

func (f *Fake) Write(_ context.Context, pipe Pipe, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	cp := append([]byte(nil), data...)
	f.writes[pipe] = append(f.writes[pipe], cp)
	return len(data), nil
}

func (f *Fake) Read(_ context.Context, pipe Pipe, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.EOF
	}
	q := f.reads[pipe]
	if len(q) == 0 {
		return 0, io.EOF
	}
	chunk := q[0]
	f.reads[pipe] = q[1:]
	n := copy(buf, chunk)
	return n, nil
}

// ReadPacket treats each queued chunk as a full datagram, decoding the
// two envelope headers the way a real ETH backend would (spec §3).
func (f *Fake) ReadPacket(_ context.Context, pipe Pipe, buf []byte) PacketReadResult {
	f.mu.Lock()
	q := f.reads[pipe]
	closed := f.closed
	var chunk []byte
	if len(q) > 0 {
		chunk = q[0]
		f.reads[pipe] = q[1:]
	}
	f.mu.Unlock()

	if closed || chunk == nil {
		return PacketReadResult{Err: io.EOF}
	}
	if len(chunk) < 8 {
		return PacketReadResult{Err: ErrShortRead(len(chunk))}
	}

	h0 := binary.LittleEndian.Uint32(chunk[0:4])
	h1 := binary.LittleEndian.Uint32(chunk[4:8])
	payload := chunk[8:]
	n := copy(buf, payload)

	return PacketReadResult{
		Header0:           h0,
		Header1:           h1,
		PacketChannel:     uint8((h0 >> 28) & 0x3),
		PacketNumber:      uint16((h0 >> 16) & 0xFFF),
		CtrlID:            uint8((h0 >> 13) & 0x7),
		DataWordCount:     uint16(h0 & 0x1FFF),
		Timestamp:         (h1 >> 12) & 0xFFFFF,
		NextHeaderPointer: uint16(h1 & 0xFFF),
		Payload:           buf[:n],
	}
}

func (f *Fake) ConnectionType() ConnectionType { return f.connType }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Written returns a copy of everything written to pipe, in order.
func (f *Fake) Written(pipe Pipe) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes[pipe]))
	copy(out, f.writes[pipe])
	return out
}

var _ Transport = (*Fake)(nil)
var _ PacketReader = (*Fake)(nil)
