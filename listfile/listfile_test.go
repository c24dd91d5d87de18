package listfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteBufferAccumulatesOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run0001.mvlclst")

	f, err := Create(path, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.WriteBuffer([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := f.WriteBuffer([]byte{5, 6}); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if got, want := f.Offset(), int64(6); got != want {
		t.Fatalf("Offset() = %d, want %d", got, want)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	if len(data) != len(want) {
		t.Fatalf("file contents len = %d, want %d", len(data), len(want))
	}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("file contents differ at byte %d: got %d, want %d", i, data[i], want[i])
		}
	}
}

func TestCloseTruncatesPreallocatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run0002.mvlclst")

	f, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.WriteBuffer([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 2 {
		t.Fatalf("file size = %d, want 2 (preallocated tail should be truncated away)", info.Size())
	}
}
