// Package listfile implements a minimal WriteHandle over a plain file,
// the simplest concrete collaborator for readoutworker.Worker's "hands
// buffers to... the listfile writer" responsibility. It deliberately does
// not implement the ZIP/LZ4 container format real listfiles are normally
// packaged in; that packaging is out of scope here.
package listfile

import (
	"os"
	"sync"

	"github.com/detailyang/go-fallocate"

	"github.com/vmelink/vmlc/vmlcerr"
)

// File is a sequential, append-only recording of readout buffers. It
// satisfies readoutworker.WriteHandle.
type File struct {
	mu       sync.Mutex
	f        *os.File
	offset   int64
	prealloc int64
}

// Create opens path for writing, truncating any existing content, and
// preallocates prealloc bytes of backing disk space with
// github.com/detailyang/go-fallocate before any data is written — the same
// "size the file before streaming into it" precaution
// os.OpenFile(...O_CREATE...)/f.Truncate(n) callers in the teacher's own
// memfs test fixtures take by calling f.Truncate up front, just done at the
// filesystem-block level instead of only extending the logical length. A
// prealloc of zero skips the fallocate call entirely (grow-as-you-write).
func Create(path string, prealloc int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, vmlcerr.Wrap(vmlcerr.ConnectionError, err)
	}

	if prealloc > 0 {
		if err := fallocate.Fallocate(f, 0, prealloc); err != nil {
			f.Close()
			os.Remove(path)
			return nil, vmlcerr.Wrap(vmlcerr.ConnectionError, err)
		}
	}

	return &File{f: f, prealloc: prealloc}, nil
}

// WriteBuffer appends buf to the file. Safe for concurrent use, though the
// readout worker only ever calls it from its single writer goroutine.
func (lf *File) WriteBuffer(buf []byte) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	n, err := lf.f.Write(buf)
	lf.offset += int64(n)
	if err != nil {
		return vmlcerr.Wrap(vmlcerr.ConnectionError, err)
	}
	return nil
}

// Offset reports how many bytes have been written so far.
func (lf *File) Offset() int64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.offset
}

// Close truncates away any unwritten preallocated tail (if the file was
// preallocated larger than what was actually written) and closes the
// underlying file.
func (lf *File) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.prealloc > lf.offset {
		if err := lf.f.Truncate(lf.offset); err != nil {
			lf.f.Close()
			return vmlcerr.Wrap(vmlcerr.ConnectionError, err)
		}
	}
	if err := lf.f.Close(); err != nil {
		return vmlcerr.Wrap(vmlcerr.ConnectionError, err)
	}
	return nil
}
