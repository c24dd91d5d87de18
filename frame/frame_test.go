package frame

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		typ    Type
		flags  Flags
		stack  uint8
		ctrl   uint8
		length uint16
	}{
		{"super-plain", SuperFrame, 0, 0, 0, 0},
		{"stack-continue", StackFrame, FlagContinue, 3, 5, 181},
		{"block-max-length", BlockRead, FlagBusError | FlagContinue, 0xF, 0x7, 0x1FFF},
		{"stack-error", StackError, FlagSyntaxError, 2, 1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := Encode(tc.typ, tc.flags, tc.stack, tc.ctrl, tc.length)
			info := Decode(w)

			if info.Type != tc.typ {
				t.Errorf("Type = %v, want %v", info.Type, tc.typ)
			}
			if info.Flags != tc.flags {
				t.Errorf("Flags = %v, want %v", info.Flags, tc.flags)
			}
			if info.Stack != tc.stack&0xF {
				t.Errorf("Stack = %v, want %v", info.Stack, tc.stack&0xF)
			}
			if info.CtrlID != tc.ctrl&0x7 {
				t.Errorf("CtrlID = %v, want %v", info.CtrlID, tc.ctrl&0x7)
			}
			if info.Length != tc.length&0x1FFF {
				t.Errorf("Length = %v, want %v", info.Length, tc.length&0x1FFF)
			}
		})
	}
}

func TestIsKnownHeader(t *testing.T) {
	for typ := range knownTypes {
		w := Encode(typ, 0, 0, 0, 0)
		if !IsKnownHeader(w) {
			t.Errorf("IsKnownHeader(0x%08x) = false, want true for type %v", w, typ)
		}
	}

	unknown := uint32(0xAB) << typeShift
	if IsKnownHeader(unknown) {
		t.Errorf("IsKnownHeader(0x%08x) = true, want false", unknown)
	}
}

func TestSystemEventRoundTrip(t *testing.T) {
	w := EncodeSystemEvent(UnixTimetick, 4, true, 2)
	info := Decode(w)

	if info.Type != SystemEvent {
		t.Fatalf("Type = %v, want SystemEvent", info.Type)
	}
	if info.SubType != UnixTimetick {
		t.Errorf("SubType = %v, want UnixTimetick", info.SubType)
	}
	if info.CtrlID != 4 {
		t.Errorf("CtrlID = %v, want 4", info.CtrlID)
	}
	if !info.Continue() {
		t.Errorf("Continue() = false, want true")
	}
	if info.Length != 2 {
		t.Errorf("Length = %v, want 2", info.Length)
	}
}

func TestSteppingLandsOnNextHeader(t *testing.T) {
	// Design invariant from spec §4.A: reading length then stepping
	// length+1 words lands on the next header word for a single frame.
	words := []uint32{
		Encode(StackFrame, 0, 1, 0, 3),
		0x11111111,
		0x22222222,
		0x33333333,
		Encode(SystemEvent, 0, 0, 0, 0), // next header
	}

	info := Decode(words[0])
	next := 1 + int(info.Length)
	if words[next] != words[4] {
		t.Fatalf("stepping length+1 words landed on %#x, want next header %#x", words[next], words[4])
	}
}

func TestSameLogicalCategory(t *testing.T) {
	cases := []struct {
		lead, cont Type
		want       bool
	}{
		{SuperFrame, SuperContinuation, true},
		{StackFrame, StackContinuation, true},
		{StackContinuation, StackContinuation, true},
		{SuperFrame, StackContinuation, false},
		{StackFrame, SuperContinuation, false},
		{StackError, StackContinuation, false},
	}

	for _, tc := range cases {
		if got := SameLogicalCategory(tc.lead, tc.cont); got != tc.want {
			t.Errorf("SameLogicalCategory(%v, %v) = %v, want %v", tc.lead, tc.cont, got, tc.want)
		}
	}
}
