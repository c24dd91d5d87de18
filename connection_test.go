package vmlc

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/vmelink/vmlc/frame"
	"github.com/vmelink/vmlc/transport"
	"github.com/vmelink/vmlc/vmlcerr"
)

// waitForWrite blocks until pipe has at least n writes recorded on fake, or
// fails the test after a second.
func waitForWrite(t *testing.T, fake *transport.Fake, pipe transport.Pipe, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w := fake.Written(pipe); len(w) >= n {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d write(s) on pipe %v", n, pipe)
	return nil
}

// mirrorSuperWrite takes the ReferenceWord of one super-command write
// (bytes 4:8, right after the frame header word; spec §4.D "ReferenceWord...
// prepended on every attempt") and queues a command-pipe super response
// echoing it back.
func mirrorSuperWrite(fake *transport.Fake, write []byte) {
	refWord := binary.LittleEndian.Uint32(write[4:8])
	header := frame.Encode(frame.SuperFrame, 0, 0, 0, 1)
	fake.QueueWords(transport.Command, header, refWord)
}

func TestConnectEnableAutonomousTriggersRoundTrip(t *testing.T) {
	fake := transport.NewFake(transport.USB)
	c, err := Connect(fake, ConnectionConfig{SuperTimeout: time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.EnableAutonomousTriggers(context.Background()) }()

	writes := waitForWrite(t, fake, transport.Command, 1)
	mirrorSuperWrite(fake, writes[0])

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("EnableAutonomousTriggers: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EnableAutonomousTriggers to return")
	}

	// regDAQMode write, value 1 (spec §6 "writing 1 enables autonomous
	// trigger processing"). The value word follows the header, the
	// ReferenceWord and the WriteLocal command word.
	payload := writes[0][12:16]
	if got := binary.LittleEndian.Uint32(payload); got != 1 {
		t.Errorf("daq_mode write value = %d, want 1", got)
	}
}

func TestSuperTransactionRetriesAfterTimeoutThenSucceeds(t *testing.T) {
	fake := transport.NewFake(transport.USB)
	var clock timeutil.SimulatedClock
	clock.SetTime(time.Unix(0, 0))

	superTimeout := 50 * time.Millisecond
	c, err := Connect(fake, ConnectionConfig{SuperTimeout: superTimeout, Clock: &clock})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.DisableAutonomousTriggers(context.Background()) }()

	// Let the first attempt time out unanswered: advancing the simulated
	// clock past SuperTimeout fires the timeout on the next poll tick
	// instead of requiring a real wall-clock sleep of superTimeout.
	waitForWrite(t, fake, transport.Command, 1)
	clock.AdvanceTime(superTimeout + time.Millisecond)

	writes := waitForWrite(t, fake, transport.Command, 2)
	mirrorSuperWrite(fake, writes[1])

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DisableAutonomousTriggers: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried transaction to succeed")
	}
}

func TestCloseResolvesInFlightTransactionDisconnected(t *testing.T) {
	fake := transport.NewFake(transport.USB)
	c, err := Connect(fake, ConnectionConfig{SuperTimeout: 5 * time.Second, StackRetryLimit: 0})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.EnableAutonomousTriggers(context.Background()) }()

	waitForWrite(t, fake, transport.Command, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !vmlcerr.Is(err, vmlcerr.IsDisconnected) {
			t.Errorf("EnableAutonomousTriggers error = %v, want IsDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for in-flight transaction to unblock on Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fake := transport.NewFake(transport.USB)
	c, err := Connect(fake, ConnectionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPipeCountersReflectActivity(t *testing.T) {
	fake := transport.NewFake(transport.USB)
	c, err := Connect(fake, ConnectionConfig{SuperTimeout: time.Second})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.EnableAutonomousTriggers(context.Background()) }()

	writes := waitForWrite(t, fake, transport.Command, 1)
	mirrorSuperWrite(fake, writes[0])
	<-done

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.PipeCounters().Reads > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("PipeCounters().Reads never became nonzero")
}
