package pool

import (
	"errors"

	"github.com/google/btree"
)

const (
	// PageSize is the commit granularity of the arena.
	PageSize = 4096
	// HeaderSize is the arena space reserved ahead of every buffer's data.
	HeaderSize = 64
)

var (
	// ErrInvalidSize reports a request whose aligned size overflows.
	ErrInvalidSize = errors.New("pool: invalid transaction size")
	// ErrNoAsyncSpace reports exhaustion of the async half of the pool.
	ErrNoAsyncSpace = errors.New("pool: no async space left")
	// ErrNoSpace reports that no free buffer can satisfy the request.
	ErrNoSpace = errors.New("pool: no address space")
	// ErrDestroyed reports allocation after the mapping was torn down.
	ErrDestroyed = errors.New("pool: mapping torn down")
)

// Buffer is one variable-size region of the arena. DebugID, Transaction and
// TargetNode are opaque attachments owned by the transaction engine.
type Buffer struct {
	DebugID     uint64
	Transaction any
	TargetNode  any

	pool          *Pool
	off           uint64 // header start within the arena
	dataSize      uint64
	offsetsSize   uint64
	freeSize      uint64 // ordering key while in the free map
	free          bool
	allowUserFree bool
	async         bool

	prev, next *Buffer
}

// IsFree reports whether the buffer is on the free map.
func (b *Buffer) IsFree() bool { return b.free }

// IsAsync reports whether the buffer carries a oneway transaction.
func (b *Buffer) IsAsync() bool { return b.async }

// AllowUserFree reports whether CmdFreeBuffer may release the buffer.
func (b *Buffer) AllowUserFree() bool { return b.allowUserFree }

// SetAllowUserFree toggles user-initiated release.
func (b *Buffer) SetAllowUserFree(v bool) { b.allowUserFree = v }

// DataSize returns the payload size.
func (b *Buffer) DataSize() uint64 { return b.dataSize }

// OffsetsSize returns the offsets array size in bytes.
func (b *Buffer) OffsetsSize() uint64 { return b.offsetsSize }

// UserAddress returns the address of the buffer data in the endpoint's
// mapped view.
func (b *Buffer) UserAddress() uint64 {
	return b.pool.userOffset + b.off + HeaderSize
}

func (b *Buffer) dataOff() uint64 { return b.off + HeaderSize }

// DataBytes returns the payload region.
func (b *Buffer) DataBytes() []byte {
	off := b.dataOff()
	return b.pool.arena[off : off+b.dataSize]
}

// OffsetsBytes returns the offsets array region, which follows the payload at
// the next word boundary.
func (b *Buffer) OffsetsBytes() []byte {
	off := b.dataOff() + align(b.dataSize)
	return b.pool.arena[off : off+b.offsetsSize]
}

func align(n uint64) uint64 {
	return (n + 7) &^ uint64(7)
}

func pageFloor(n uint64) uint64 { return n &^ uint64(PageSize-1) }
func pageCeil(n uint64) uint64  { return (n + PageSize - 1) &^ uint64(PageSize-1) }

// startPage and endPage bound the pages touched by a buffer header, used
// when deciding whether a merged-away header frees a page.
func (b *Buffer) startPage() uint64 { return pageFloor(b.off) }
func (b *Buffer) endPage() uint64   { return pageFloor(b.off + HeaderSize - 1) }

// Pool is one endpoint's buffer pool.
type Pool struct {
	arena      []byte
	size       uint64
	userOffset uint64

	pages     []bool
	mapped    int
	freeAsync uint64

	freeTree  *btree.BTreeG[*Buffer] // free buffers by (size, address)
	allocTree *btree.BTreeG[*Buffer] // allocated buffers by address
	head      *Buffer                // address-ordered list

	destroyed bool
}

// New reserves an arena of the given size and initializes it as one free
// buffer spanning the whole mapping. userOffset translates arena offsets
// into the addresses handed to the endpoint's user side. size must be a
// positive multiple of PageSize.
func New(size, userOffset uint64) (*Pool, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, ErrInvalidSize
	}
	arena, err := reserveArena(size)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		arena:      arena,
		size:       size,
		userOffset: userOffset,
		pages:      make([]bool, size/PageSize),
		freeAsync:  size / 2,
		freeTree: btree.NewG(8, func(a, b *Buffer) bool {
			if a.freeSize != b.freeSize {
				return a.freeSize < b.freeSize
			}
			return a.off < b.off
		}),
		allocTree: btree.NewG(8, func(a, b *Buffer) bool {
			return a.off < b.off
		}),
	}

	first := &Buffer{pool: p, free: true}
	p.head = first
	p.mapPages(0, PageSize)
	p.insertFree(first)
	return p, nil
}

// Size returns the arena size.
func (p *Pool) Size() uint64 { return p.size }

// UserOffset returns the arena-to-user address translation constant.
func (p *Pool) UserOffset() uint64 { return p.userOffset }

// FreeAsyncSpace returns the remaining budget for oneway transactions.
func (p *Pool) FreeAsyncSpace() uint64 { return p.freeAsync }

// MappedPages returns the number of committed pages.
func (p *Pool) MappedPages() int { return p.mapped }

// View returns the endpoint's view of the arena. Callers must treat it as
// read-only; the broker is the only writer.
func (p *Pool) View() []byte { return p.arena }

// bufferSize returns the usable data span of b, bounded by the next buffer's
// header or the end of the arena.
func (p *Pool) bufferSize(b *Buffer) uint64 {
	if b.next == nil {
		return p.size - b.dataOff()
	}
	return b.next.off - b.dataOff()
}

func (p *Pool) insertFree(b *Buffer) {
	b.freeSize = p.bufferSize(b)
	p.freeTree.ReplaceOrInsert(b)
}

func (p *Pool) mapPages(start, end uint64) {
	for addr := start; addr < end; addr += PageSize {
		idx := addr / PageSize
		if !p.pages[idx] {
			p.pages[idx] = true
			p.mapped++
		}
	}
}

func (p *Pool) unmapPages(start, end uint64) {
	if end <= start {
		return
	}
	for addr := start; addr < end; addr += PageSize {
		idx := addr / PageSize
		if p.pages[idx] {
			p.pages[idx] = false
			p.mapped--
		}
	}
	if !p.destroyed {
		decommit(p.arena[start:end])
	}
}

// Alloc carves a buffer for a payload of dataSize bytes plus an offsets array
// of offsetsSize bytes. Selection is best-fit by size, ties broken by lowest
// address. Oneway allocations draw down the async budget.
func (p *Pool) Alloc(dataSize, offsetsSize uint64, isAsync bool) (*Buffer, error) {
	if p.destroyed {
		return nil, ErrDestroyed
	}

	size := align(dataSize) + align(offsetsSize)
	if size < dataSize || size < offsetsSize {
		return nil, ErrInvalidSize
	}
	if isAsync && p.freeAsync < size+HeaderSize {
		return nil, ErrNoAsyncSpace
	}

	var chosen *Buffer
	p.freeTree.AscendGreaterOrEqual(&Buffer{freeSize: size}, func(b *Buffer) bool {
		chosen = b
		return false
	})
	if chosen == nil {
		return nil, ErrNoSpace
	}
	chosenSize := chosen.freeSize
	exact := chosenSize == size

	// Commit the pages the allocation spans, stopping short of the page
	// already committed under the next buffer's header.
	hasPage := pageFloor(chosen.dataOff() + chosenSize)
	newSize := chosenSize
	if !exact {
		if size+HeaderSize+4 >= chosenSize {
			newSize = size // no room for another buffer in the tail
		} else {
			newSize = size + HeaderSize
		}
	}
	endPage := pageCeil(chosen.dataOff() + newSize)
	if endPage > hasPage {
		endPage = hasPage
	}
	p.mapPages(pageCeil(chosen.dataOff()), endPage)

	p.freeTree.Delete(chosen)
	chosen.free = false
	p.allocTree.ReplaceOrInsert(chosen)

	if !exact && size+HeaderSize+4 < chosenSize {
		remainder := &Buffer{
			pool: p,
			off:  chosen.dataOff() + size,
			free: true,
			prev: chosen,
			next: chosen.next,
		}
		if chosen.next != nil {
			chosen.next.prev = remainder
		}
		chosen.next = remainder
		p.insertFree(remainder)
	}

	chosen.dataSize = dataSize
	chosen.offsetsSize = offsetsSize
	chosen.async = isAsync
	chosen.allowUserFree = false
	chosen.Transaction = nil
	chosen.TargetNode = nil
	if isAsync {
		p.freeAsync -= size + HeaderSize
	}
	return chosen, nil
}

// removeFreeNeighbor unlinks a free buffer that is being merged away and
// decommits any page covered only by its header.
func (p *Pool) removeFreeNeighbor(b *Buffer) {
	prev := b.prev
	freePageStart := true
	freePageEnd := true

	if prev.endPage() == b.startPage() {
		freePageStart = false
		if prev.endPage() == b.endPage() {
			freePageEnd = false
		}
	}
	if b.next != nil {
		if b.next.startPage() == b.endPage() {
			freePageEnd = false
			if b.next.startPage() == b.startPage() {
				freePageStart = false
			}
		}
	}

	prev.next = b.next
	if b.next != nil {
		b.next.prev = prev
	}
	b.prev, b.next = nil, nil

	if freePageStart || freePageEnd {
		start := b.endPage()
		if freePageStart {
			start = b.startPage()
		}
		end := b.startPage()
		if freePageEnd {
			end = b.endPage()
		}
		p.unmapPages(start, end+PageSize)
	}
}

// Free returns a buffer to the pool, decommitting the pages it covered
// exclusively and coalescing with free neighbors on both sides.
func (p *Pool) Free(b *Buffer) {
	size := align(b.dataSize) + align(b.offsetsSize)
	bufferSize := p.bufferSize(b)

	if b.async {
		p.freeAsync += size + HeaderSize
	}

	p.unmapPages(pageCeil(b.dataOff()), pageFloor(b.dataOff()+bufferSize))
	p.allocTree.Delete(b)
	b.free = true
	b.Transaction = nil
	b.TargetNode = nil
	b.allowUserFree = false

	if b.next != nil && b.next.free {
		next := b.next
		p.freeTree.Delete(next)
		p.removeFreeNeighbor(next)
	}
	if b.prev != nil && b.prev.free {
		prev := b.prev
		p.freeTree.Delete(prev)
		p.removeFreeNeighbor(b)
		b = prev
	}
	p.insertFree(b)
}

// Lookup resolves a user address back to its allocated buffer.
func (p *Pool) Lookup(userAddr uint64) *Buffer {
	if userAddr < p.userOffset+HeaderSize {
		return nil
	}
	off := userAddr - p.userOffset - HeaderSize
	if got, ok := p.allocTree.Get(&Buffer{off: off}); ok {
		return got
	}
	return nil
}

// AllocatedBuffers returns the live allocations in address order.
func (p *Pool) AllocatedBuffers() []*Buffer {
	out := make([]*Buffer, 0, p.allocTree.Len())
	p.allocTree.Ascend(func(b *Buffer) bool {
		out = append(out, b)
		return true
	})
	return out
}

// FreeBuffers returns the free-map entries in (size, address) order.
func (p *Pool) FreeBuffers() []*Buffer {
	out := make([]*Buffer, 0, p.freeTree.Len())
	p.freeTree.Ascend(func(b *Buffer) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Buffers returns every buffer in address order, free and allocated alike.
func (p *Pool) Buffers() []*Buffer {
	var out []*Buffer
	for b := p.head; b != nil; b = b.next {
		out = append(out, b)
	}
	return out
}

// Destroy releases the arena. All buffers must have been freed; subsequent
// allocations fail with ErrDestroyed.
func (p *Pool) Destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	arena := p.arena
	p.arena = nil
	return releaseArena(arena)
}

// Destroyed reports whether the mapping has been torn down.
func (p *Pool) Destroyed() bool { return p.destroyed }
