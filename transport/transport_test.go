package transport

import (
	"context"
	"io"
	"testing"

	"github.com/vmelink/vmlc/vmlcerr"
)

func TestPipeString(t *testing.T) {
	cases := map[Pipe]string{Command: "Command", Data: "Data", Delay: "Delay", Pipe(99): "Pipe(?)"}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Pipe(%d).String() = %q, want %q", p, got, want)
		}
	}
}

func TestConnectionTypeString(t *testing.T) {
	if got := USB.String(); got != "USB" {
		t.Errorf("USB.String() = %q, want USB", got)
	}
	if got := ETH.String(); got != "ETH" {
		t.Errorf("ETH.String() = %q, want ETH", got)
	}
}

func TestErrShortRead(t *testing.T) {
	err := ErrShortRead(4)
	if !vmlcerr.Is(err, vmlcerr.ShortRead) {
		t.Errorf("ErrShortRead kind = %v, want ShortRead", err)
	}
}

func TestAsPacketReaderRecognizesFakeButNotPlainTransport(t *testing.T) {
	fake := NewFake(ETH)
	if _, ok := AsPacketReader(fake); !ok {
		t.Error("AsPacketReader(fake) = false, want true (Fake implements ReadPacket)")
	}

	var plain Transport = plainTransport{}
	if _, ok := AsPacketReader(plain); ok {
		t.Error("AsPacketReader(plainTransport) = true, want false")
	}
}

// plainTransport implements Transport but not PacketReader.
type plainTransport struct{}

func (plainTransport) Write(context.Context, Pipe, []byte) (int, error) { return 0, nil }
func (plainTransport) Read(context.Context, Pipe, []byte) (int, error)  { return 0, io.EOF }
func (plainTransport) ConnectionType() ConnectionType                   { return USB }
func (plainTransport) Close() error                                     { return nil }

func TestFakeReadReturnsQueuedChunksInOrderThenEOF(t *testing.T) {
	fake := NewFake(USB)
	fake.QueueRead(Command, []byte{1, 2, 3})
	fake.QueueRead(Command, []byte{4, 5})

	buf := make([]byte, 8)
	n, err := fake.Read(context.Background(), Command, buf)
	if err != nil || n != 3 || buf[0] != 1 {
		t.Fatalf("first Read = (%d, %v), want (3, nil) with data [1 2 3]", n, err)
	}

	n, err = fake.Read(context.Background(), Command, buf)
	if err != nil || n != 2 || buf[0] != 4 {
		t.Fatalf("second Read = (%d, %v), want (2, nil) with data [4 5]", n, err)
	}

	if _, err := fake.Read(context.Background(), Command, buf); err != io.EOF {
		t.Fatalf("Read on empty queue = %v, want io.EOF", err)
	}
}

func TestFakeWriteRecordsAndRejectsAfterClose(t *testing.T) {
	fake := NewFake(USB)
	if _, err := fake.Write(context.Background(), Command, []byte{9, 9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := fake.Written(Command); len(got) != 1 || got[0][0] != 9 {
		t.Fatalf("Written(Command) = %v, want one chunk [9 9]", got)
	}

	fake.Close()
	if _, err := fake.Write(context.Background(), Command, []byte{1}); err != io.ErrClosedPipe {
		t.Fatalf("Write after Close = %v, want io.ErrClosedPipe", err)
	}
}

func TestFakeReadPacketDecodesEnvelopeAndSkipsShortDatagrams(t *testing.T) {
	fake := NewFake(ETH)

	// header0: packetChannel=1<<28, packetNumber=5<<16, ctrlID=0, dataWordCount=2
	header0 := uint32(1)<<28 | uint32(5)<<16 | 2
	// header1: timestamp in bits[31:12], NextHeaderPointer=0xFFF (none present)
	header1 := uint32(0x1234)<<12 | NoHeaderPointerPresent
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	chunk := make([]byte, 8+len(payload))
	putLE32(chunk[0:4], header0)
	putLE32(chunk[4:8], header1)
	copy(chunk[8:], payload)
	fake.QueueRead(Data, chunk)

	buf := make([]byte, 64)
	res := fake.ReadPacket(context.Background(), Data, buf)
	if res.Err != nil {
		t.Fatalf("ReadPacket: %v", res.Err)
	}
	if res.PacketChannel != 1 || res.PacketNumber != 5 || res.DataWordCount != 2 {
		t.Errorf("decoded header0 fields = %+v, want channel=1 number=5 words=2", res)
	}
	if res.NextHeaderPointer != NoHeaderPointerPresent {
		t.Errorf("NextHeaderPointer = %d, want %d", res.NextHeaderPointer, NoHeaderPointerPresent)
	}
	if string(res.Payload) != string(payload) {
		t.Errorf("Payload = %v, want %v", res.Payload, payload)
	}

	fake.QueueRead(Data, []byte{1, 2, 3})
	res = fake.ReadPacket(context.Background(), Data, buf)
	if !vmlcerr.Is(res.Err, vmlcerr.ShortRead) {
		t.Errorf("short datagram error = %v, want ShortRead", res.Err)
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
