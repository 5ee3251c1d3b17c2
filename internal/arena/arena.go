// Package arena provides the per-compilation bump allocator. Every byte-shaped
// buffer a compile produces (code buffer, mapping tables, scratch lists) comes
// out of one Arena owned by that compile, and the whole region is reclaimed in
// a single Release call when the compile finishes.
package arena

import (
	"fmt"
	"sync/atomic"
)

// DefaultChunkSize is the initial chunk allocation for a fresh arena. Most
// methods fit in a single chunk; larger methods grow by doubling.
const DefaultChunkSize = 16 * 1024

var (
	acquireCount atomic.Int64
	releaseCount atomic.Int64
)

// AcquireCount reports how many arenas have been created process-wide.
func AcquireCount() int64 { return acquireCount.Load() }

// ReleaseCount reports how many arenas have been released process-wide.
// A balanced pipeline keeps AcquireCount()-ReleaseCount() at zero between
// compiles.
func ReleaseCount() int64 { return releaseCount.Load() }

// Arena is a bump allocator scoped to a single compilation. It is not safe
// for concurrent use; each compile owns exactly one and never shares it.
type Arena struct {
	chunks   [][]byte
	cur      []byte
	off      int
	total    int
	released bool
}

// New creates an arena with the given initial chunk size. A size of zero
// selects DefaultChunkSize.
func New(size int) *Arena {
	if size <= 0 {
		size = DefaultChunkSize
	}
	acquireCount.Add(1)
	a := &Arena{cur: make([]byte, size)}
	a.chunks = append(a.chunks, a.cur)
	return a
}

// Alloc returns a zeroed byte slice of length n carved out of the arena.
// The slice must not be retained past Release.
func (a *Arena) Alloc(n int) []byte {
	if a.released {
		panic("arena: alloc after release")
	}
	if n < 0 {
		panic(fmt.Sprintf("arena: negative allocation %d", n))
	}
	// Keep word alignment for the next allocation.
	aligned := (n + 7) &^ 7
	if a.off+aligned > len(a.cur) {
		next := len(a.cur) * 2
		for next < aligned {
			next *= 2
		}
		a.cur = make([]byte, next)
		a.chunks = append(a.chunks, a.cur)
		a.off = 0
	}
	out := a.cur[a.off : a.off+n : a.off+n]
	a.off += aligned
	a.total += aligned
	return out
}

// Grow extends buf (which must have been returned by Alloc, or be nil) to
// length n, copying existing contents. Growth allocates fresh arena space;
// the old region is abandoned until Release.
func (a *Arena) Grow(buf []byte, n int) []byte {
	if n <= cap(buf) {
		return buf[:n]
	}
	out := a.Alloc(n)
	copy(out, buf)
	return out
}

// Used reports the total bytes handed out so far, including alignment
// padding. Useful for compile statistics.
func (a *Arena) Used() int { return a.total }

// Release drops every allocation at once. Releasing twice is a bug in the
// pipeline's resource discipline and panics.
func (a *Arena) Release() {
	if a.released {
		panic("arena: double release")
	}
	a.released = true
	a.chunks = nil
	a.cur = nil
	a.off = 0
	releaseCount.Add(1)
}

// Released reports whether Release has been called.
func (a *Arena) Released() bool { return a.released }
