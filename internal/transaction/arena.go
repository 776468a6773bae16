// Package transaction implements spec.md §4.6: a per-request bundle of
// the parsed Request, a default-populated Response, and a bump
// allocator whose slabs are freed in bulk when the transaction ends.
package transaction

import (
	"unsafe"

	"github.com/behrlich/go-httpring/internal/refbuf"
)

const arenaSlabBytes = 4096

// Arena is a bump allocator drawing its backing storage from a
// refbuf.Pool, grounded on queue.Runner's "pre-allocated per-tag
// command structs" comment and r.ioCmds[tag] reuse pattern
// (runner.go): generalized from one reused struct per tag into a
// per-request arena that's released in bulk instead of reused in
// place, since a transaction's response shape varies request to
// request.
type Arena struct {
	pool  *refbuf.Pool
	slabs []refbuf.RefSlice
	cur   refbuf.RefSlice
	off   int
}

// NewArena creates an arena drawing slabs from pool.
func NewArena(pool *refbuf.Pool) *Arena {
	return &Arena{pool: pool}
}

// Alloc returns n zero-value bytes of arena-owned storage, valid until
// Release.
func (a *Arena) Alloc(n int) []byte {
	if a.cur.Len()-a.off < n {
		size := arenaSlabBytes
		if n > size {
			size = n
		}
		a.cur = a.pool.Get(size)
		a.slabs = append(a.slabs, a.cur)
		a.off = 0
	}
	b := a.cur.Bytes()[a.off : a.off+n]
	a.off += n
	return b
}

// CopyBytes copies src into arena-owned storage.
func (a *Arena) CopyBytes(src []byte) []byte {
	b := a.Alloc(len(src))
	copy(b, src)
	return b
}

// CopyString copies s into arena-owned storage and returns a string
// header over it, avoiding the extra heap copy a plain string(b)
// conversion would make — the same unsafe.Pointer-for-a-fixed-address
// trick the teacher uses in pointerFromMmap (runner.go), applied here
// to a bump-allocated byte range instead of an mmap'd one.
func (a *Arena) CopyString(s string) string {
	if len(s) == 0 {
		return ""
	}
	b := a.CopyBytes([]byte(s))
	return unsafe.String(&b[0], len(b))
}

// Release drops every slab this arena allocated, making them eligible
// for pool reuse once their refcount reaches zero.
func (a *Arena) Release() {
	for _, s := range a.slabs {
		s.Drop()
	}
	a.slabs = nil
	a.cur = refbuf.RefSlice{}
	a.off = 0
}
