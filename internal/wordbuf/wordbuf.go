// Package wordbuf implements the growable linear word buffer described in
// spec §4.C ("a growable ring-like buffer of words (linear with (start,
// used) cursors; compacted on demand)"). It is adapted from the teacher's
// internal/buffer.InMessage, which provides the same
// Init(io.Reader)/Consume(n) shape for a single FUSE message; here the
// buffer must survive across many reads and compact in place, since a
// command-pipe frame can arrive split across an arbitrary number of
// transport reads.
package wordbuf

const minGrow = 256 // words

// Buffer is a growable []uint32 with (start, used) cursors over a backing
// array, compacted in place rather than reallocated on every read.
type Buffer struct {
	data  []uint32
	start int
	used  int
}

// New returns an empty Buffer with the given initial word capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]uint32, capacity)}
}

// Len returns the number of unread words currently buffered.
func (b *Buffer) Len() int { return b.used }

// At returns the i'th unread word (0-indexed from the current head).
func (b *Buffer) At(i int) uint32 { return b.data[b.start+i] }

// Words returns a view over the unread portion of the buffer. The slice
// is invalidated by the next call to EnsureFree, AppendWords, Compact,
// Consume, or Reset.
func (b *Buffer) Words() []uint32 { return b.data[b.start : b.start+b.used] }

// Consume drops the first n unread words.
func (b *Buffer) Consume(n int) {
	if n > b.used {
		n = b.used
	}
	b.start += n
	b.used -= n
	if b.used == 0 {
		b.start = 0
	}
}

// Reset discards all buffered words (spec: "reset" between complete
// events).
func (b *Buffer) Reset() {
	b.start = 0
	b.used = 0
}

// Compact slides the unread region down to offset zero, reclaiming space
// consumed off the front. Called "on demand" per spec, typically just
// before growing or appending.
func (b *Buffer) Compact() {
	if b.start == 0 {
		return
	}
	copy(b.data, b.data[b.start:b.start+b.used])
	b.start = 0
}

// FreeTail returns how many words of backing-array space follow the
// unread region without needing to grow or compact.
func (b *Buffer) FreeTail() int {
	return len(b.data) - (b.start + b.used)
}

// EnsureFree guarantees at least n words of contiguous free space after
// the unread region, compacting and/or growing the backing array as
// needed.
func (b *Buffer) EnsureFree(n int) {
	if b.FreeTail() >= n {
		return
	}

	b.Compact()
	if b.FreeTail() >= n {
		return
	}

	need := b.used + n
	grown := len(b.data) * 2
	if grown < need {
		grown = need
	}
	if grown-len(b.data) < minGrow {
		grown = len(b.data) + minGrow
	}

	newData := make([]uint32, grown)
	copy(newData, b.data[b.start:b.start+b.used])
	b.data = newData
	b.start = 0
}

// AppendWords copies words onto the tail of the unread region, growing as
// necessary.
func (b *Buffer) AppendWords(words []uint32) {
	b.EnsureFree(len(words))
	copy(b.data[b.start+b.used:], words)
	b.used += len(words)
}

// TailSlice returns a mutable slice of exactly n free words after the
// unread region, growing as necessary, for a caller (e.g. a transport
// Read) to fill in directly.
func (b *Buffer) TailSlice(n int) []uint32 {
	b.EnsureFree(n)
	return b.data[b.start+b.used : b.start+b.used+n]
}

// CommitAppend records that n words were just written into the slice
// previously returned by TailSlice.
func (b *Buffer) CommitAppend(n int) { b.used += n }
