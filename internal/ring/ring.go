// Package ring implements a power-of-two circular byte buffer with a moving
// read head.
//
// The buffer stores a contiguous run of logical bytes ("the prefix") starting
// at a physical read position that advances modularly as data is drained.
// Logical offset i lives at physical index (readStart + i) mod allocLength.
// Because allocLength is always a power of two, the modulo is a bitmask.
//
// Growing the buffer linearizes it: the resize copy lays the old physical
// contents out starting at index 0 of the new allocation, so readStart resets
// to zero there and nowhere else. Everything beyond the prefix — bytes parked
// out of order by the receive buffer above — survives the copy because the
// whole old allocation is carried over, not just the prefix.
package ring

import "errors"

var (
	ErrAllocation  = errors.New("ring: allocation failed")
	ErrInvalidSize = errors.New("ring: invalid size")
)

// Allocator provides the byte regions backing a Buffer. Allocate returns a
// zeroed slice of exactly n bytes, or nil if the allocation cannot be
// satisfied. Free releases a region previously returned by Allocate.
type Allocator interface {
	Allocate(n uint32) []byte
	Free(b []byte)
}

// HeapAllocator allocates from the Go heap. Free is a no-op; the garbage
// collector reclaims released regions.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(n uint32) []byte { return make([]byte, n) }
func (HeapAllocator) Free([]byte)              {}

// Buffer is a circular byte store. allocLength and virtualLength are powers
// of two, allocLength <= virtualLength, readStart < allocLength and
// prefixLength <= allocLength at all times.
//
// Buffer is not safe for concurrent use; callers serialize access.
type Buffer struct {
	buf           []byte
	readStart     uint32
	allocLength   uint32
	prefixLength  uint32
	virtualLength uint32
	alloc         Allocator
}

// IsPow2 reports whether n is a positive power of two.
func IsPow2(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// NextPow2 returns the smallest power of two >= n, starting from the power
// of two "from". from must itself be a power of two.
func NextPow2(from, n uint32) uint32 {
	p := from
	for p < n {
		p += p
	}
	return p
}

// WrapSplit expresses the logical range [start, start+length) of a buffer of
// size allocLength as one or two physical segments. len2 is zero when the
// range does not cross the end of the buffer; callers skip the second copy
// in that case.
func WrapSplit(start, length, allocLength uint32) (off1, len1, off2, len2 uint32) {
	off1 = start
	len1 = length
	if space := allocLength - start; length > space {
		len1 = space
		len2 = length - space
	}
	return off1, len1, 0, len2
}

// New allocates a Buffer with the given initial and maximum capacities, both
// powers of two with alloc <= virtual. The backing region is zeroed.
func New(alloc, virtual uint32, a Allocator) (*Buffer, error) {
	if !IsPow2(alloc) || !IsPow2(virtual) || alloc > virtual {
		return nil, ErrInvalidSize
	}
	buf := a.Allocate(alloc)
	if buf == nil {
		return nil, ErrAllocation
	}
	return &Buffer{
		buf:           buf,
		allocLength:   alloc,
		virtualLength: virtual,
		alloc:         a,
	}, nil
}

// Uninitialize releases the backing region. Safe to call more than once.
func (b *Buffer) Uninitialize() {
	if b.buf != nil {
		b.alloc.Free(b.buf)
		b.buf = nil
	}
}

// index maps a logical offset to its physical position. allocLength is a
// power of two, so the mask is equivalent to mod.
func (b *Buffer) index(offset uint32) uint32 {
	return (b.readStart + offset) & (b.allocLength - 1)
}

// PrefixLength returns the length of the contiguous readable run.
func (b *Buffer) PrefixLength() uint32 { return b.prefixLength }

// AllocLength returns the current physical capacity.
func (b *Buffer) AllocLength() uint32 { return b.allocLength }

// VirtualLength returns the upper bound on AllocLength.
func (b *Buffer) VirtualLength() uint32 { return b.virtualLength }

// ReadStart returns the physical index of logical offset zero.
func (b *Buffer) ReadStart() uint32 { return b.readStart }

// GrowVirtual raises the capacity ceiling. The new ceiling must be a power
// of two no smaller than the current one.
func (b *Buffer) GrowVirtual(newVirtual uint32) error {
	if !IsPow2(newVirtual) || newVirtual < b.virtualLength {
		return ErrInvalidSize
	}
	b.virtualLength = newVirtual
	return nil
}

// WriteByte stores one byte at logical offset and installs the caller's new
// prefix length. The caller decides the prefix after consulting its own gap
// accounting; the ring stays purely mechanical.
func (b *Buffer) WriteByte(offset uint32, by byte, newPrefixLength uint32) {
	b.buf[b.index(offset)] = by
	b.prefixLength = newPrefixLength
}

// ReadByte returns the byte at logical offset. offset must be below
// PrefixLength.
func (b *Buffer) ReadByte(offset uint32) byte {
	return b.buf[b.index(offset)]
}

// WriteRange appends src at the end of the contiguous prefix, doubling the
// allocation first if it does not fit. Returns true when at least one byte
// was written. The caller guarantees prefixLength+len(src) fits within
// VirtualLength.
func (b *Buffer) WriteRange(src []byte) (bool, error) {
	length := uint32(len(src))
	needed := b.prefixLength + length

	if needed > b.allocLength {
		newAlloc := b.allocLength
		for newAlloc < needed {
			newAlloc += newAlloc // stays a power of two
		}
		if newAlloc > b.virtualLength {
			return false, ErrInvalidSize
		}
		if err := b.Resize(newAlloc); err != nil {
			return false, err
		}
	}

	start := b.index(b.prefixLength)
	off1, len1, off2, len2 := WrapSplit(start, length, b.allocLength)
	copy(b.buf[off1:off1+len1], src[:len1])
	if len2 > 0 {
		copy(b.buf[off2:off2+len2], src[len1:])
	}

	b.prefixLength = needed
	return length > 0, nil
}

// WriteAt places src at logical offset with one or two copies, then installs
// the caller's new prefix length. Like WriteByte, the ring does not second-
// guess the prefix: the caller owns the gap accounting that justifies it.
// offset+len(src) must fit within AllocLength.
func (b *Buffer) WriteAt(offset uint32, src []byte, newPrefixLength uint32) {
	start := b.index(offset)
	off1, len1, off2, len2 := WrapSplit(start, uint32(len(src)), b.allocLength)
	copy(b.buf[off1:off1+len1], src[:len1])
	if len2 > 0 {
		copy(b.buf[off2:off2+len2], src[len1:])
	}
	b.prefixLength = newPrefixLength
}

// ReadRange copies the first len(dst) bytes of the contiguous prefix into
// dst. len(dst) must not exceed PrefixLength.
func (b *Buffer) ReadRange(dst []byte) error {
	length := uint32(len(dst))
	if length > b.prefixLength {
		return ErrInvalidSize
	}
	off1, len1, off2, len2 := WrapSplit(b.readStart, length, b.allocLength)
	copy(dst[:len1], b.buf[off1:off1+len1])
	if len2 > 0 {
		copy(dst[len1:], b.buf[off2:off2+len2])
	}
	return nil
}

// Drain releases n bytes from the front of the prefix. The read head always
// advances modularly, even when the prefix empties — resetting it would break
// the physical positions of bytes already parked beyond the prefix.
func (b *Buffer) Drain(n uint32) error {
	if n > b.prefixLength {
		return ErrInvalidSize
	}
	b.readStart = b.index(n)
	b.prefixLength -= n
	return nil
}

// Resize grows the allocation to newAlloc, a power of two in
// (AllocLength, VirtualLength]. The old contents are linearized into the new
// region — old physical [readStart, allocLength) lands at index 0, then
// [0, readStart) follows — so readStart resets to zero. The prefix length is
// unchanged. On allocation failure the old buffer is retained untouched.
func (b *Buffer) Resize(newAlloc uint32) error {
	if !IsPow2(newAlloc) || newAlloc <= b.allocLength || newAlloc > b.virtualLength {
		return ErrInvalidSize
	}
	newBuf := b.alloc.Allocate(newAlloc)
	if newBuf == nil {
		return ErrAllocation
	}

	headLen := b.allocLength - b.readStart
	copy(newBuf[:headLen], b.buf[b.readStart:])
	if b.readStart > 0 {
		copy(newBuf[headLen:b.allocLength], b.buf[:b.readStart])
	}

	b.alloc.Free(b.buf)
	b.buf = newBuf
	b.readStart = 0
	b.allocLength = newAlloc
	return nil
}

// Internal exposes the backing slice and its geometry for zero-copy reads.
// The slice aliases live storage: it is valid only until the next Resize.
func (b *Buffer) Internal() (buf []byte, readStart, allocLength uint32) {
	return b.buf, b.readStart, b.allocLength
}

// LinearizeTo copies the buffer contents into dst in logical order, zeroing
// any remainder of dst beyond the current allocation. Together with
// SyncAfterResize this lets a caller that manages its own allocations grow
// the ring: linearize into a fresh region, then hand the region over.
func (b *Buffer) LinearizeTo(dst []byte) {
	destLen := uint32(len(dst))
	copyLen := min(b.allocLength, destLen)

	off1, len1, off2, len2 := WrapSplit(b.readStart, copyLen, b.allocLength)
	copy(dst[:len1], b.buf[off1:off1+len1])
	if len2 > 0 {
		copy(dst[len1:copyLen], b.buf[off2:off2+len2])
	}
	if destLen > b.allocLength {
		clear(dst[b.allocLength:])
	}
}

// SyncAfterResize adopts newBuf as the backing region after the caller has
// linearized into it via LinearizeTo. The old region is released. newAlloc
// must be a power of two in [AllocLength, VirtualLength] and equal to
// len(newBuf). The prefix length is unchanged and readStart is zero, matching
// the linearized layout.
func (b *Buffer) SyncAfterResize(newBuf []byte, newAlloc uint32) error {
	if !IsPow2(newAlloc) || newAlloc < b.allocLength || newAlloc > b.virtualLength ||
		uint32(len(newBuf)) != newAlloc {
		return ErrInvalidSize
	}
	b.alloc.Free(b.buf)
	b.buf = newBuf
	b.readStart = 0
	b.allocLength = newAlloc
	return nil
}
