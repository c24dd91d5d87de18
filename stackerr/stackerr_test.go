package stackerr

import "testing"

func TestRecordErrorAndSnapshot(t *testing.T) {
	c := New()

	c.RecordError(1, 42, 0x2)
	c.RecordError(1, 42, 0x2)
	c.RecordError(1, 7, 0x0)
	c.RecordError(3, 42, 0x2)
	c.RecordUnrecognised(0xDEADBEEF)

	snap := c.Snapshot()

	if got := snap.ByStack[1][Key{Line: 42, Flags: 0x2}]; got != 2 {
		t.Errorf("stack 1 (42, 0x2) = %d, want 2", got)
	}
	if got := snap.ByStack[1][Key{Line: 7, Flags: 0}]; got != 1 {
		t.Errorf("stack 1 (7, 0) = %d, want 1", got)
	}
	if got := snap.ByStack[3][Key{Line: 42, Flags: 0x2}]; got != 1 {
		t.Errorf("stack 3 (42, 0x2) = %d, want 1", got)
	}
	if got := snap.NonErrorFrameHeaders[0xDEADBEEF]; got != 1 {
		t.Errorf("unrecognised header count = %d, want 1", got)
	}

	if total := snap.Total(); total != 5 {
		t.Errorf("Total() = %d, want 5", total)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := New()
	c.RecordError(1, 1, 0)

	snap := c.Snapshot()
	snap.ByStack[1][Key{Line: 1, Flags: 0}] = 99

	fresh := c.Snapshot()
	if got := fresh.ByStack[1][Key{Line: 1, Flags: 0}]; got != 1 {
		t.Errorf("mutating a snapshot affected live counters: got %d, want 1", got)
	}
}
