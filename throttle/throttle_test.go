package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/vmelink/vmlc/transport"
)

func TestComputeDelayScenario5(t *testing.T) {
	// spec §8 scenario 5: threshold=0.5, range=0.45.
	cases := []struct {
		fill float64
		want uint16
	}{
		{0.40, 0},
		{0.50, 1},
		{0.725, 256},
		{0.95, 65535},
	}
	for _, c := range cases {
		got := ComputeDelay(c.fill, 0.5, 0.45)
		if got != c.want {
			t.Errorf("ComputeDelay(%v, 0.5, 0.45) = %d, want %d", c.fill, got, c.want)
		}
	}
}

func TestComputeDelayBelowThreshold(t *testing.T) {
	if got := ComputeDelay(0.1, 0.5, 0.45); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestStatsUpdateTracksMaxAndAverage(t *testing.T) {
	s := newStats()
	s.update(10, 1, 100)
	s.update(4, 2, 100)

	snap := s.Snapshot()
	if snap.Current != 4 {
		t.Errorf("Current = %d, want 4", snap.Current)
	}
	if snap.Max != 10 {
		t.Errorf("Max = %d, want 10", snap.Max)
	}
	wantAvg := smoothing*4 + (1-smoothing)*(smoothing*10)
	if diff := snap.Average - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Average = %v, want %v", snap.Average, wantAvg)
	}
	if snap.BufferUsed != 2 || snap.BufferCapacity != 100 {
		t.Errorf("unexpected buffer fields: %+v", snap)
	}
}

// fakeObserver reports a fixed used/capacity pair, or an error if set.
type fakeObserver struct {
	used, capacity int
	err            error
}

func (f *fakeObserver) Fill() (int, int, error) { return f.used, f.capacity, f.err }

func TestTickSendsOnlyWhenDelayChanges(t *testing.T) {
	obs := &fakeObserver{used: 90, capacity: 100} // fill=0.9 -> above threshold
	tr := transport.NewFake(transport.ETH)

	c := New(obs, tr, Config{Threshold: 0.5, Range: 0.45}, nil)

	ctx := context.Background()
	c.tick(ctx)
	first := c.Stats().Current
	if first == 0 {
		t.Fatalf("expected a nonzero delay once fill exceeds threshold")
	}

	c.tick(ctx)
	second := c.Stats().Current
	if second != first {
		t.Fatalf("delay changed across identical ticks: %d -> %d", first, second)
	}
	if sends := len(tr.Written(transport.Delay)); sends != 1 {
		t.Fatalf("delay sent %d times across two identical ticks, want 1", sends)
	}
}

func TestRunStopsOnStop(t *testing.T) {
	obs := &fakeObserver{used: 1, capacity: 100}
	tr := transport.NewFake(transport.ETH)
	c := New(obs, tr, Config{QueryInterval: time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()

	c.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestRunTicksOnlyAfterSimulatedClockAdvancesPastQueryInterval(t *testing.T) {
	obs := &fakeObserver{used: 90, capacity: 100} // fill=0.9 -> above threshold, always sends
	tr := transport.NewFake(transport.ETH)

	var clock timeutil.SimulatedClock
	clock.SetTime(time.Unix(0, 0))

	c := New(obs, tr, Config{QueryInterval: time.Hour, Clock: &clock}, nil)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	defer func() {
		c.Stop()
		<-done
	}()

	// With QueryInterval an hour long, no real wall-clock wait could ever
	// observe a tick in a unit test; advancing the simulated clock past it
	// must be what triggers one.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(tr.Written(transport.Delay)) > 0 {
			t.Fatal("a delay packet was sent before the simulated clock advanced")
		}
		time.Sleep(time.Millisecond)
	}

	clock.AdvanceTime(2 * time.Hour)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(tr.Written(transport.Delay)) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no delay packet was sent after advancing the simulated clock past QueryInterval")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	obs := &fakeObserver{used: 1, capacity: 100}
	tr := transport.NewFake(transport.ETH)
	c := New(obs, tr, Config{QueryInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancel")
	}
}
