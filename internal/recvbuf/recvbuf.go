// Package recvbuf reassembles an out-of-order byte stream into a contiguous,
// zero-copy-readable prefix.
//
// A Buffer accepts byte ranges at absolute stream offsets, in any order and
// with arbitrary overlap, and tracks the holes still missing. The contiguous
// prefix is exposed to the consumer as one or two spans borrowed straight
// from the underlying ring storage; the consumer later drains what it has
// consumed, releasing space and advancing the stream base. Writes are
// admitted against a caller-supplied flow-control quota counting only bytes
// not seen before.
//
// The storage underneath is a power-of-two ring (internal/ring) that grows by
// doubling up to a fixed virtual limit, linearizing its contents on each
// grow. Growth never moves the logical stream origin.
package recvbuf

import (
	"errors"
	"fmt"
	"slices"

	"github.com/quartzlab/recvring/internal/ring"
)

var (
	// ErrExceedsVirtual rejects a write ending past the virtual length.
	// The caller must GrowVirtual first or drop the stream.
	ErrExceedsVirtual = errors.New("recvbuf: write exceeds virtual length")

	// ErrFlowControl rejects a write whose unseen bytes exceed the quota.
	// WriteResult.NeededSize reports what the write would have cost.
	ErrFlowControl = errors.New("recvbuf: write exceeds flow-control quota")

	// ErrAllocation reports a failed grow. Buffer state is unchanged.
	ErrAllocation = errors.New("recvbuf: allocation failed")

	// ErrUnavailable is transient: no readable data, or a previous read is
	// still checked out.
	ErrUnavailable = errors.New("recvbuf: unavailable")

	// ErrPrecondition reports a caller bug: drain beyond the checked-out
	// run, or an invalid size.
	ErrPrecondition = errors.New("recvbuf: precondition violated")
)

// Mode constrains the read/drain sequencing of a Buffer.
type Mode int

const (
	// ModeSingle allows one outstanding read returning exactly one
	// contiguous span. The ring grows as needed to unwrap the prefix.
	ModeSingle Mode = iota

	// ModeCircular allows one outstanding read which may return two spans,
	// the halves on either side of the ring's wrap point.
	ModeCircular

	// ModeMultiple allows several outstanding reads over disjoint runs of
	// the prefix; drains apply oldest-first.
	ModeMultiple
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeCircular:
		return "circular"
	case ModeMultiple:
		return "multiple"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Range is a half-open byte range [Lo, Hi) of absolute stream offsets.
type Range struct {
	Lo, Hi uint64
}

// WriteResult reports the outcome of a Write.
type WriteResult struct {
	// QuotaConsumed is the number of previously unseen bytes the write
	// admitted. Zero for fully duplicate ranges.
	QuotaConsumed uint32

	// Ready is true when the write extended the contiguous prefix.
	Ready bool

	// NeededSize is set on ErrFlowControl, ErrExceedsVirtual and
	// ErrAllocation: the minimum capacity that would have admitted the write.
	NeededSize uint32
}

// Buffer is a stream receive buffer. It exclusively owns its ring; spans
// returned by Read borrow the ring's storage and pin it against relocation
// until drained.
//
// Buffer is not safe for concurrent use; callers serialize access.
type Buffer struct {
	ring  *ring.Buffer
	alloc ring.Allocator
	mode  Mode

	// baseOffset is the absolute stream offset of ring-logical zero. It
	// only ever advances, and only through Drain.
	baseOffset uint64

	// gaps are the missing ranges beyond the contiguous prefix: sorted,
	// disjoint, never empty or adjacent, all within
	// [baseOffset+prefix, writtenHighWater).
	gaps []Range

	// writtenHighWater is the highest stream offset any write has reached.
	writtenHighWater uint64

	// readPendingLength counts bytes checked out to the consumer and not
	// yet drained. While nonzero the ring must not relocate.
	readPendingLength uint32

	// readPendingOffset is the stream offset of the oldest outstanding
	// read.
	readPendingOffset uint64
}

// New creates a Buffer with heap-backed storage. initialAlloc and
// virtualAlloc must be powers of two with initialAlloc <= virtualAlloc.
func New(initialAlloc, virtualAlloc uint32, mode Mode) (*Buffer, error) {
	return NewWithAllocator(initialAlloc, virtualAlloc, mode, ring.HeapAllocator{})
}

// NewWithAllocator creates a Buffer backed by the given allocator.
func NewWithAllocator(initialAlloc, virtualAlloc uint32, mode Mode, a ring.Allocator) (*Buffer, error) {
	r, err := ring.New(initialAlloc, virtualAlloc, a)
	if err != nil {
		if errors.Is(err, ring.ErrAllocation) {
			return nil, ErrAllocation
		}
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return &Buffer{ring: r, alloc: a, mode: mode}, nil
}

// Uninitialize releases the backing storage. The caller must have drained
// any outstanding read first. Safe to call more than once.
func (b *Buffer) Uninitialize() {
	b.ring.Uninitialize()
}

// BaseOffset returns the absolute stream offset of the first undrained byte.
func (b *Buffer) BaseOffset() uint64 { return b.baseOffset }

// PrefixLength returns the length of the contiguous readable run.
func (b *Buffer) PrefixLength() uint32 { return b.ring.PrefixLength() }

// WrittenHighWater returns the highest stream offset any write has reached.
func (b *Buffer) WrittenHighWater() uint64 { return b.writtenHighWater }

// PendingLength returns the bytes currently checked out to the consumer.
func (b *Buffer) PendingLength() uint32 { return b.readPendingLength }

// PendingOffset returns the stream offset of the oldest outstanding read.
// Meaningful only while PendingLength is nonzero.
func (b *Buffer) PendingOffset() uint64 { return b.readPendingOffset }

// Mode returns the read/drain sequencing mode.
func (b *Buffer) Mode() Mode { return b.mode }

// VirtualLength returns the capacity ceiling.
func (b *Buffer) VirtualLength() uint32 { return b.ring.VirtualLength() }

// AllocLength returns the current physical capacity.
func (b *Buffer) AllocLength() uint32 { return b.ring.AllocLength() }

// Gaps returns a copy of the missing ranges beyond the contiguous prefix.
func (b *Buffer) Gaps() []Range {
	if len(b.gaps) == 0 {
		return nil
	}
	out := make([]Range, len(b.gaps))
	copy(out, b.gaps)
	return out
}

// GrowVirtual raises the capacity ceiling to newVirtual, a power of two no
// smaller than the current ceiling. Supports late discovery of flow-control
// limits.
func (b *Buffer) GrowVirtual(newVirtual uint32) error {
	if err := b.ring.GrowVirtual(newVirtual); err != nil {
		return fmt.Errorf("%w: grow virtual to %d", ErrPrecondition, newVirtual)
	}
	return nil
}

// contiguousEnd returns the absolute offset one past the contiguous prefix:
// the first gap's start, or the written high water when there are no gaps.
func (b *Buffer) contiguousEnd() uint64 {
	if len(b.gaps) > 0 {
		return b.gaps[0].Lo
	}
	return b.writtenHighWater
}

// unseenBytes counts the bytes of [lo, hi) not covered by any previous
// write: the overlap with current gaps plus anything above the high water.
func (b *Buffer) unseenBytes(lo, hi uint64) uint64 {
	var n uint64
	for _, g := range b.gaps {
		if g.Hi <= lo {
			continue
		}
		if g.Lo >= hi {
			break
		}
		n += min(hi, g.Hi) - max(lo, g.Lo)
	}
	if hi > b.writtenHighWater {
		n += hi - max(lo, b.writtenHighWater)
	}
	return n
}

// Write absorbs p at absolute stream offset. quota bounds the previously
// unseen bytes the write may admit. On success the result reports the quota
// actually consumed and whether the contiguous prefix grew. Rejected writes
// leave the buffer untouched.
func (b *Buffer) Write(offset uint64, p []byte, quota uint32) (WriteResult, error) {
	var res WriteResult

	if len(p) == 0 {
		return res, nil
	}

	// Entirely below the drained base: already consumed, nothing to do.
	end := offset + uint64(len(p))
	if end <= b.baseOffset {
		return res, nil
	}

	// Clip the leading already-drained bytes.
	if offset < b.baseOffset {
		p = p[b.baseOffset-offset:]
		offset = b.baseOffset
	}

	rel := offset - b.baseOffset
	relEnd := rel + uint64(len(p))

	unseen := b.unseenBytes(offset, end)
	if unseen > uint64(quota) {
		res.NeededSize = saturate32(relEnd)
		return res, ErrFlowControl
	}
	if relEnd > uint64(b.ring.VirtualLength()) {
		res.NeededSize = saturate32(relEnd)
		return res, ErrExceedsVirtual
	}

	// Grow to fit. Spans handed out by Read alias the ring storage, so the
	// ring cannot relocate while a read is outstanding; a write that needs
	// more room than the current allocation is refused until the consumer
	// drains.
	if relEnd > uint64(b.ring.AllocLength()) {
		if b.readPendingLength > 0 {
			res.NeededSize = uint32(relEnd)
			return res, ErrAllocation
		}
		if err := b.grow(uint32(relEnd)); err != nil {
			res.NeededSize = uint32(relEnd)
			return res, err
		}
	}

	// A write landing past the high water opens a gap over the skipped
	// region. The insert coalesces with a trailing gap that already ends
	// at the high water.
	if offset > b.writtenHighWater {
		b.insertGap(Range{Lo: b.writtenHighWater, Hi: offset})
	}
	if end > b.writtenHighWater {
		b.writtenHighWater = end
	}
	b.subtractGaps(offset, end)

	oldPrefix := b.ring.PrefixLength()
	newPrefix := uint32(b.contiguousEnd() - b.baseOffset)
	b.ring.WriteAt(uint32(rel), p, newPrefix)

	res.QuotaConsumed = uint32(unseen)
	res.Ready = newPrefix > oldPrefix
	return res, nil
}

// grow doubles the ring allocation until needed fits, using the external
// resize protocol: linearize into a fresh region from our allocator, then
// hand the region to the ring. The old region is only released once the new
// one exists, so a failed allocation leaves everything in place.
func (b *Buffer) grow(needed uint32) error {
	newAlloc := ring.NextPow2(b.ring.AllocLength(), needed)
	newBuf := b.alloc.Allocate(newAlloc)
	if newBuf == nil {
		return ErrAllocation
	}
	b.ring.LinearizeTo(newBuf)
	if err := b.ring.SyncAfterResize(newBuf, newAlloc); err != nil {
		b.alloc.Free(newBuf)
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return nil
}

// insertGap adds r to the gap list, coalescing with neighbors that touch it.
func (b *Buffer) insertGap(r Range) {
	if r.Lo >= r.Hi {
		return
	}
	// Gaps are created in ascending order (always at the high water), so
	// the only possible neighbor is the last one.
	if n := len(b.gaps); n > 0 && b.gaps[n-1].Hi >= r.Lo {
		if b.gaps[n-1].Hi < r.Hi {
			b.gaps[n-1].Hi = r.Hi
		}
		return
	}
	b.gaps = append(b.gaps, r)
}

// subtractGaps removes [lo, hi) from every gap it overlaps, splitting a gap
// that strictly contains the range. Edits happen in place so the common cases
// (fill the first gap, shrink one edge) stay allocation-free.
func (b *Buffer) subtractGaps(lo, hi uint64) {
	i := 0
	for i < len(b.gaps) {
		g := b.gaps[i]
		if g.Hi <= lo {
			i++
			continue
		}
		if g.Lo >= hi {
			break
		}
		switch {
		case g.Lo < lo && g.Hi > hi:
			// The write punched a hole in the middle of one gap.
			b.gaps[i].Hi = lo
			b.gaps = slices.Insert(b.gaps, i+1, Range{Lo: hi, Hi: g.Hi})
			return
		case g.Lo < lo:
			b.gaps[i].Hi = lo
			i++
		case g.Hi > hi:
			b.gaps[i].Lo = hi
			i++
		default:
			b.gaps = slices.Delete(b.gaps, i, i+1)
		}
	}
}

// Read checks out the readable run and returns its stream offset together
// with one or two spans borrowing the ring's storage. The spans stay valid
// until the corresponding bytes are drained.
//
// In ModeSingle the result is always a single span; a wrapped prefix forces
// a grow first (ErrUnavailable if the ring is already at its virtual
// length). In ModeSingle and ModeCircular a second read before the drain
// completes returns ErrUnavailable. In ModeMultiple each read checks out the
// portion of the prefix beyond what is already outstanding, and drains apply
// oldest-first.
func (b *Buffer) Read() (offset uint64, spans [][]byte, err error) {
	prefix := b.ring.PrefixLength()

	switch b.mode {
	case ModeSingle, ModeCircular:
		if prefix == 0 || b.readPendingLength > 0 {
			return 0, nil, ErrUnavailable
		}
		if b.mode == ModeSingle {
			if err := b.unwrapForSingle(prefix); err != nil {
				return 0, nil, err
			}
		}
		spans = b.spansAt(0, prefix)
		b.readPendingLength = prefix
		b.readPendingOffset = b.baseOffset
		return b.baseOffset, spans, nil

	case ModeMultiple:
		if prefix <= b.readPendingLength {
			return 0, nil, ErrUnavailable
		}
		start := b.readPendingLength
		length := prefix - start
		spans = b.spansAt(start, length)
		offset = b.baseOffset + uint64(start)
		if b.readPendingLength == 0 {
			b.readPendingOffset = b.baseOffset
		}
		b.readPendingLength = prefix
		return offset, spans, nil

	default:
		return 0, nil, fmt.Errorf("%w: unknown mode %v", ErrPrecondition, b.mode)
	}
}

// unwrapForSingle grows the ring when the prefix straddles the wrap point,
// so the read can hand out one contiguous span. Growth linearizes.
func (b *Buffer) unwrapForSingle(prefix uint32) error {
	_, readStart, allocLength := b.ring.Internal()
	if readStart+prefix <= allocLength {
		return nil
	}
	if allocLength >= b.ring.VirtualLength() {
		return ErrUnavailable
	}
	if err := b.grow(allocLength * 2); err != nil {
		return err
	}
	return nil
}

// spansAt returns the one or two spans covering logical [start, start+length).
func (b *Buffer) spansAt(start, length uint32) [][]byte {
	buf, readStart, allocLength := b.ring.Internal()
	phys := (readStart + start) & (allocLength - 1)
	off1, len1, off2, len2 := ring.WrapSplit(phys, length, allocLength)
	if len2 == 0 {
		return [][]byte{buf[off1 : off1+len1]}
	}
	return [][]byte{buf[off1 : off1+len1], buf[off2 : off2+len2]}
}

// ReadInto copies up to len(dst) bytes of the contiguous prefix into dst
// without checking anything out: the copy-mode alternative to Read for
// consumers that prefer owning their bytes over borrowing spans. Returns the
// stream offset of the copied run and its length. The copied bytes remain in
// the buffer until drained. ErrUnavailable when there is nothing readable or
// a span read is outstanding.
func (b *Buffer) ReadInto(dst []byte) (offset uint64, n uint32, err error) {
	prefix := b.ring.PrefixLength()
	if prefix == 0 || b.readPendingLength > 0 {
		return 0, 0, ErrUnavailable
	}
	n = min(uint32(len(dst)), prefix)
	if err := b.ring.ReadRange(dst[:n]); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return b.baseOffset, n, nil
}

// Drain releases n bytes from the front of the stream, advancing the base.
// While a read is outstanding, n is bounded by the checked-out run; a partial
// drain keeps the remainder checked out, and once the run reaches zero
// another read may begin. With no read outstanding — a consumer that copies
// via ReadInto rather than borrowing spans — n is bounded by the
// contiguous prefix. Draining beyond the bound is a caller bug.
func (b *Buffer) Drain(n uint32) error {
	limit := b.readPendingLength
	if limit == 0 {
		limit = b.ring.PrefixLength()
	}
	if n > limit {
		return fmt.Errorf("%w: drain %d exceeds %d", ErrPrecondition, n, limit)
	}
	if err := b.ring.Drain(n); err != nil {
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	b.baseOffset += uint64(n)
	if b.readPendingLength > 0 {
		b.readPendingLength -= n
		b.readPendingOffset = b.baseOffset
	}
	return nil
}

func saturate32(v uint64) uint32 {
	if v > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(v)
}
