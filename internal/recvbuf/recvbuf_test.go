package recvbuf

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/quartzlab/recvring/internal/ring"
)

func mustNew(t *testing.T, alloc, virtual uint32, mode Mode) *Buffer {
	t.Helper()
	b, err := New(alloc, virtual, mode)
	if err != nil {
		t.Fatalf("New(%d, %d, %v): %v", alloc, virtual, mode, err)
	}
	return b
}

func mustWrite(t *testing.T, b *Buffer, offset uint64, p []byte) WriteResult {
	t.Helper()
	res, err := b.Write(offset, p, ^uint32(0))
	if err != nil {
		t.Fatalf("Write(%d, %d bytes): %v", offset, len(p), err)
	}
	return res
}

func joined(spans [][]byte) []byte {
	var out []byte
	for _, s := range spans {
		out = append(out, s...)
	}
	return out
}

func TestInOrderSmallWrites(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	mustWrite(t, b, 0, []byte("ABCD"))
	mustWrite(t, b, 4, []byte("EFGH"))
	res := mustWrite(t, b, 8, []byte("IJKL"))
	if !res.Ready {
		t.Fatal("third write did not report ready")
	}

	offset, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 {
		t.Fatalf("offset = %d, want 0", offset)
	}
	if len(spans) != 1 || !bytes.Equal(spans[0], []byte("ABCDEFGHIJKL")) {
		t.Fatalf("spans = %d x %q", len(spans), joined(spans))
	}
	if b.PrefixLength() != 12 {
		t.Fatalf("prefix = %d, want 12", b.PrefixLength())
	}

	if err := b.Drain(12); err != nil {
		t.Fatal(err)
	}
	if b.BaseOffset() != 12 || b.PrefixLength() != 0 {
		t.Fatalf("after drain: base=%d prefix=%d", b.BaseOffset(), b.PrefixLength())
	}
	if b.ring.ReadStart() != 12 || b.AllocLength() != 16 {
		t.Fatalf("ring: readStart=%d alloc=%d", b.ring.ReadStart(), b.AllocLength())
	}
}

func TestWrapAfterDrain(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	mustWrite(t, b, 0, []byte("ABCDEFGHIJKL"))
	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}
	if err := b.Drain(12); err != nil {
		t.Fatal(err)
	}

	mustWrite(t, b, 12, []byte("MNOPQRST"))

	buf, _, _ := b.ring.Internal()
	if !bytes.Equal(buf[12:16], []byte("MNOP")) || !bytes.Equal(buf[0:4], []byte("QRST")) {
		t.Fatalf("physical layout: %q / %q", buf[12:16], buf[0:4])
	}

	offset, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if offset != 12 {
		t.Fatalf("offset = %d, want 12", offset)
	}
	if len(spans) != 2 {
		t.Fatalf("span count = %d, want 2", len(spans))
	}
	if !bytes.Equal(joined(spans), []byte("MNOPQRST")) {
		t.Fatalf("spans join to %q", joined(spans))
	}
}

func TestOutOfOrderFill(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	res := mustWrite(t, b, 8, []byte("XXXX"))
	if res.Ready {
		t.Fatal("write beyond a hole reported ready")
	}
	if b.PrefixLength() != 0 {
		t.Fatalf("prefix = %d, want 0", b.PrefixLength())
	}
	gaps := b.Gaps()
	if len(gaps) != 1 || gaps[0] != (Range{Lo: 0, Hi: 8}) {
		t.Fatalf("gaps = %v, want [{0 8}]", gaps)
	}

	res = mustWrite(t, b, 0, []byte("YYYYYYYY"))
	if !res.Ready {
		t.Fatal("hole-filling write did not report ready")
	}
	if len(b.Gaps()) != 0 {
		t.Fatalf("gaps = %v, want none", b.Gaps())
	}
	if b.PrefixLength() != 12 {
		t.Fatalf("prefix = %d, want 12", b.PrefixLength())
	}

	_, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(joined(spans), []byte("YYYYYYYYXXXX")) {
		t.Fatalf("spans join to %q", joined(spans))
	}
}

func TestGrowthUnderWrap(t *testing.T) {
	b := mustNew(t, 8, 32, ModeCircular)

	mustWrite(t, b, 0, []byte("abcdef"))
	// Copy-mode consume: drain without checking out spans.
	if err := b.Drain(4); err != nil {
		t.Fatal(err)
	}
	if b.ring.ReadStart() != 4 || b.PrefixLength() != 2 {
		t.Fatalf("ring: readStart=%d prefix=%d", b.ring.ReadStart(), b.PrefixLength())
	}

	mustWrite(t, b, 6, []byte("0123456789"))
	if b.AllocLength() != 16 {
		t.Fatalf("alloc = %d, want 16", b.AllocLength())
	}
	if b.ring.ReadStart() != 0 {
		t.Fatalf("readStart = %d after grow, want 0", b.ring.ReadStart())
	}
	if b.PrefixLength() != 12 {
		t.Fatalf("prefix = %d, want 12", b.PrefixLength())
	}

	_, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 1 || !bytes.Equal(spans[0], []byte("ef0123456789")) {
		t.Fatalf("spans = %d x %q", len(spans), joined(spans))
	}
}

func TestQuotaRefusal(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	res, err := b.Write(0, bytes.Repeat([]byte("z"), 100), 50)
	if !errors.Is(err, ErrFlowControl) {
		t.Fatalf("expected ErrFlowControl, got %v", err)
	}
	if res.NeededSize != 100 {
		t.Fatalf("NeededSize = %d, want 100", res.NeededSize)
	}
	if b.PrefixLength() != 0 || b.WrittenHighWater() != 0 || len(b.Gaps()) != 0 {
		t.Fatal("rejected write mutated state")
	}
}

func TestExceedsVirtual(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	res, err := b.Write(0, bytes.Repeat([]byte("z"), 100), 1000)
	if !errors.Is(err, ErrExceedsVirtual) {
		t.Fatalf("expected ErrExceedsVirtual, got %v", err)
	}
	if res.NeededSize != 100 {
		t.Fatalf("NeededSize = %d, want 100", res.NeededSize)
	}

	// Raising the ceiling admits the same write.
	if err := b.GrowVirtual(128); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, b, 0, bytes.Repeat([]byte("z"), 100))
	if b.PrefixLength() != 100 {
		t.Fatalf("prefix = %d, want 100", b.PrefixLength())
	}
}

func TestSingleModeRefusesSecondRead(t *testing.T) {
	b := mustNew(t, 16, 64, ModeSingle)

	mustWrite(t, b, 0, []byte("ABCDEFGH"))

	_, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 1 {
		t.Fatalf("span count = %d, want 1", len(spans))
	}

	if _, _, err := b.Read(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second read: expected ErrUnavailable, got %v", err)
	}

	if err := b.Drain(8); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Read(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("read on empty: expected ErrUnavailable, got %v", err)
	}
}

func TestSingleModeUnwrapsByGrowing(t *testing.T) {
	b := mustNew(t, 16, 64, ModeSingle)

	mustWrite(t, b, 0, bytes.Repeat([]byte("a"), 12))
	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}
	if err := b.Drain(12); err != nil {
		t.Fatal(err)
	}

	// Wraps physically: 4 bytes at the end, 4 at the front.
	mustWrite(t, b, 12, []byte("MNOPQRST"))

	_, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 1 {
		t.Fatalf("span count = %d, want 1 after unwrap", len(spans))
	}
	if !bytes.Equal(spans[0], []byte("MNOPQRST")) {
		t.Fatalf("span = %q", spans[0])
	}
	if b.AllocLength() != 32 {
		t.Fatalf("alloc = %d, want 32 after unwrap grow", b.AllocLength())
	}
}

func TestSingleModeUnwrapAtVirtualLimit(t *testing.T) {
	b := mustNew(t, 16, 16, ModeSingle)

	mustWrite(t, b, 0, bytes.Repeat([]byte("a"), 12))
	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}
	if err := b.Drain(12); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, b, 12, []byte("MNOPQRST"))

	if _, _, err := b.Read(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable at virtual limit, got %v", err)
	}
}

func TestMultipleModeDisjointReads(t *testing.T) {
	b := mustNew(t, 32, 64, ModeMultiple)

	mustWrite(t, b, 0, []byte("first---"))
	offset, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 || !bytes.Equal(joined(spans), []byte("first---")) {
		t.Fatalf("first read: offset=%d data=%q", offset, joined(spans))
	}

	mustWrite(t, b, 8, []byte("second--"))
	offset, spans, err = b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if offset != 8 || !bytes.Equal(joined(spans), []byte("second--")) {
		t.Fatalf("second read: offset=%d data=%q", offset, joined(spans))
	}

	// Nothing new checked in: nothing to check out.
	if _, _, err := b.Read(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	// Drains apply oldest-first across both outstanding reads.
	if err := b.Drain(8); err != nil {
		t.Fatal(err)
	}
	if b.BaseOffset() != 8 || b.PendingLength() != 8 {
		t.Fatalf("after first drain: base=%d pending=%d", b.BaseOffset(), b.PendingLength())
	}
	if err := b.Drain(8); err != nil {
		t.Fatal(err)
	}
	if b.PendingLength() != 0 {
		t.Fatalf("pending = %d, want 0", b.PendingLength())
	}
}

func TestGrowWhileReadPending(t *testing.T) {
	b := mustNew(t, 8, 32, ModeCircular)

	mustWrite(t, b, 0, []byte("abcdef"))
	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}

	// Needs alloc 16 while spans are checked out: the ring cannot
	// relocate under the borrower.
	res, err := b.Write(6, bytes.Repeat([]byte("x"), 10), ^uint32(0))
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected ErrAllocation, got %v", err)
	}
	if res.NeededSize != 16 {
		t.Fatalf("NeededSize = %d, want 16", res.NeededSize)
	}

	// A write that fits inside the current allocation is fine meanwhile.
	mustWrite(t, b, 6, []byte("gh"))

	if err := b.Drain(6); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, b, 8, bytes.Repeat([]byte("x"), 10))
	if b.AllocLength() != 16 {
		t.Fatalf("alloc = %d, want 16", b.AllocLength())
	}
}

func TestDuplicateWriteConsumesNoQuota(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	res := mustWrite(t, b, 0, []byte("ABCDEFGH"))
	if res.QuotaConsumed != 8 {
		t.Fatalf("first write consumed %d, want 8", res.QuotaConsumed)
	}

	res, err := b.Write(0, []byte("ABCDEFGH"), 0)
	if err != nil {
		t.Fatalf("duplicate write with zero quota: %v", err)
	}
	if res.QuotaConsumed != 0 {
		t.Fatalf("duplicate write consumed %d, want 0", res.QuotaConsumed)
	}
	if res.Ready {
		t.Fatal("duplicate write reported ready")
	}

	// Partial overlap: only the fresh tail counts.
	res = mustWrite(t, b, 4, []byte("EFGHIJKL"))
	if res.QuotaConsumed != 4 {
		t.Fatalf("overlap write consumed %d, want 4", res.QuotaConsumed)
	}
}

func TestWriteBelowBaseIsClipped(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	mustWrite(t, b, 0, []byte("ABCDEFGH"))
	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}
	if err := b.Drain(8); err != nil {
		t.Fatal(err)
	}

	// Entirely drained: no-op.
	res := mustWrite(t, b, 0, []byte("ABCDEFGH"))
	if res.QuotaConsumed != 0 || res.Ready {
		t.Fatalf("stale write: %+v", res)
	}

	// Straddles the base: the live tail lands.
	res = mustWrite(t, b, 4, []byte("EFGHIJKL"))
	if res.QuotaConsumed != 4 || !res.Ready {
		t.Fatalf("straddling write: %+v", res)
	}
	_, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(joined(spans), []byte("IJKL")) {
		t.Fatalf("read %q, want \"IJKL\"", joined(spans))
	}
}

func TestGapSplitAndCoalesce(t *testing.T) {
	b := mustNew(t, 64, 64, ModeCircular)

	// One big hole [0, 24), then punch the middle out.
	mustWrite(t, b, 24, []byte("tail"))
	mustWrite(t, b, 8, []byte("mid-8-16"))
	gaps := b.Gaps()
	if len(gaps) != 2 || gaps[0] != (Range{0, 8}) || gaps[1] != (Range{16, 24}) {
		t.Fatalf("gaps = %v, want [{0 8} {16 24}]", gaps)
	}

	// Fill the left gap: prefix runs to the next hole.
	res := mustWrite(t, b, 0, []byte("head-0-8"))
	if !res.Ready || b.PrefixLength() != 16 {
		t.Fatalf("ready=%v prefix=%d, want true/16", res.Ready, b.PrefixLength())
	}

	// Fill the right gap: prefix runs to the high water.
	res = mustWrite(t, b, 16, []byte("mid16-24"))
	if !res.Ready || b.PrefixLength() != 28 || len(b.Gaps()) != 0 {
		t.Fatalf("ready=%v prefix=%d gaps=%v", res.Ready, b.PrefixLength(), b.Gaps())
	}
}

func TestSeparateGapsClearedByOneWrite(t *testing.T) {
	b := mustNew(t, 64, 64, ModeCircular)

	mustWrite(t, b, 8, []byte("aaaa"))  // gap [0,8)
	mustWrite(t, b, 16, []byte("bbbb")) // gap [12,16) touches nothing; [0,8) stays
	gaps := b.Gaps()
	if len(gaps) != 2 || gaps[0] != (Range{0, 8}) || gaps[1] != (Range{12, 16}) {
		t.Fatalf("gaps = %v", gaps)
	}

	// New write far past the high water extends from it; the fresh gap
	// [20, 32) is separate from [12, 16).
	mustWrite(t, b, 32, []byte("cccc"))
	gaps = b.Gaps()
	if len(gaps) != 3 || gaps[2] != (Range{20, 32}) {
		t.Fatalf("gaps = %v", gaps)
	}

	// Writing [16, 20) merges nothing but removes no gap; writing the
	// whole [12, 32) clears the two right gaps at once.
	mustWrite(t, b, 12, bytes.Repeat([]byte("d"), 20))
	gaps = b.Gaps()
	if len(gaps) != 1 || gaps[0] != (Range{0, 8}) {
		t.Fatalf("gaps = %v, want [{0 8}]", gaps)
	}
}

func TestDrainPreconditions(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	mustWrite(t, b, 0, []byte("ABCD"))
	if err := b.Drain(5); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("overdrain without read: %v", err)
	}

	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}
	if err := b.Drain(5); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("overdrain past pending: %v", err)
	}
	if err := b.Drain(2); err != nil {
		t.Fatal(err)
	}
	if b.PendingLength() != 2 || b.BaseOffset() != 2 {
		t.Fatalf("pending=%d base=%d", b.PendingLength(), b.BaseOffset())
	}
}

func TestPartialDrainKeepsRemainderCheckedOut(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)

	mustWrite(t, b, 0, []byte("ABCDEFGH"))
	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}
	if err := b.Drain(3); err != nil {
		t.Fatal(err)
	}
	if b.PendingOffset() != 3 || b.PendingLength() != 5 {
		t.Fatalf("pending offset=%d length=%d, want 3/5", b.PendingOffset(), b.PendingLength())
	}
	if _, _, err := b.Read(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("read with remainder checked out: %v", err)
	}
	if err := b.Drain(5); err != nil {
		t.Fatal(err)
	}

	mustWrite(t, b, 8, []byte("IJ"))
	if _, _, err := b.Read(); err != nil {
		t.Fatal(err)
	}
}

type failAllocator struct {
	remaining int
}

func (f *failAllocator) Allocate(n uint32) []byte {
	if f.remaining <= 0 {
		return nil
	}
	f.remaining--
	return make([]byte, n)
}

func (f *failAllocator) Free([]byte) {}

func TestGrowAllocationFailurePreservesState(t *testing.T) {
	b, err := NewWithAllocator(8, 64, ModeCircular, &failAllocator{remaining: 1})
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, b, 0, []byte("abcdef"))

	res, werr := b.Write(6, bytes.Repeat([]byte("x"), 10), ^uint32(0))
	if !errors.Is(werr, ErrAllocation) {
		t.Fatalf("expected ErrAllocation, got %v", werr)
	}
	if res.NeededSize != 16 {
		t.Fatalf("NeededSize = %d, want 16", res.NeededSize)
	}
	if b.PrefixLength() != 6 || b.AllocLength() != 8 || b.WrittenHighWater() != 6 {
		t.Fatalf("state changed: prefix=%d alloc=%d whw=%d",
			b.PrefixLength(), b.AllocLength(), b.WrittenHighWater())
	}
	_, spans, err := b.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(joined(spans), []byte("abcdef")) {
		t.Fatalf("data corrupted: %q", joined(spans))
	}
}

// TestByteIdentityRandomized replays a random out-of-order write/read/drain
// schedule against a reference byte sequence: whatever becomes readable must
// match the bytes written at those stream offsets, and the base offset and
// gap accounting must stay coherent throughout.
func TestByteIdentityRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	const total = 8192
	reference := make([]byte, total)
	rng.Read(reference)

	b := mustNew(t, 16, 16384, ModeCircular)

	// Cut [0, total) into random chunks and shuffle them.
	type chunk struct{ lo, hi uint64 }
	var chunks []chunk
	for lo := uint64(0); lo < total; {
		hi := lo + uint64(1+rng.Intn(200))
		if hi > total {
			hi = total
		}
		chunks = append(chunks, chunk{lo, hi})
		lo = hi
	}
	rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })

	var drained []byte
	prevBase := uint64(0)
	for _, c := range chunks {
		if _, err := b.Write(c.lo, reference[c.lo:c.hi], ^uint32(0)); err != nil {
			t.Fatalf("Write(%d, %d): %v", c.lo, c.hi-c.lo, err)
		}

		if b.BaseOffset() < prevBase {
			t.Fatal("base offset went backwards")
		}
		prevBase = b.BaseOffset()

		// Prefix end must equal the first gap (or the high water).
		end := b.BaseOffset() + uint64(b.PrefixLength())
		if gaps := b.Gaps(); len(gaps) > 0 {
			if end != gaps[0].Lo {
				t.Fatalf("prefix end %d != first gap %d", end, gaps[0].Lo)
			}
		} else if end != b.WrittenHighWater() {
			t.Fatalf("prefix end %d != high water %d", end, b.WrittenHighWater())
		}

		// Occasionally consume part of the readable run.
		if rng.Intn(3) == 0 && b.PrefixLength() > 0 {
			base, spans, err := b.Read()
			if err != nil {
				t.Fatal(err)
			}
			if base != uint64(len(drained)) {
				t.Fatalf("read offset %d, want %d", base, len(drained))
			}
			data := joined(spans)
			n := 1 + rng.Intn(len(data))
			drained = append(drained, data[:n]...)
			if err := b.Drain(uint32(n)); err != nil {
				t.Fatal(err)
			}
			// Release the remainder of the checked-out run too, so the
			// next write is free to grow the ring.
			if rem := b.PendingLength(); rem > 0 {
				drained = append(drained, data[n:]...)
				if err := b.Drain(rem); err != nil {
					t.Fatal(err)
				}
			}
		}
	}

	// Drain the tail.
	for b.PrefixLength() > 0 {
		_, spans, err := b.Read()
		if err != nil {
			t.Fatal(err)
		}
		data := joined(spans)
		drained = append(drained, data...)
		if err := b.Drain(uint32(len(data))); err != nil {
			t.Fatal(err)
		}
	}

	if len(drained) != total {
		t.Fatalf("drained %d bytes, want %d", len(drained), total)
	}
	if !bytes.Equal(drained, reference) {
		t.Fatal("drained bytes differ from the written stream")
	}
}

// TestIdempotentOverlappingWrite writes the same range twice and checks that
// everything except the quota consumption matches the single-write state.
func TestIdempotentOverlappingWrite(t *testing.T) {
	once := mustNew(t, 16, 64, ModeCircular)
	twice := mustNew(t, 16, 64, ModeCircular)

	payload := []byte("IDEMPOTENT-RANGE")
	mustWrite(t, once, 4, payload)
	mustWrite(t, twice, 4, payload)
	res := mustWrite(t, twice, 4, payload)
	if res.QuotaConsumed != 0 {
		t.Fatalf("second identical write consumed %d", res.QuotaConsumed)
	}

	if once.PrefixLength() != twice.PrefixLength() ||
		once.WrittenHighWater() != twice.WrittenHighWater() ||
		len(once.Gaps()) != len(twice.Gaps()) {
		t.Fatal("double-write state diverged from single-write state")
	}
	for i := uint32(0); i < 20; i++ {
		if once.ring.ReadByte(i) != twice.ring.ReadByte(i) {
			t.Fatalf("byte %d diverged", i)
		}
	}
}

func TestZeroLengthWrite(t *testing.T) {
	b := mustNew(t, 16, 64, ModeCircular)
	res, err := b.Write(0, nil, 0)
	if err != nil || res.Ready || res.QuotaConsumed != 0 {
		t.Fatalf("zero-length write: res=%+v err=%v", res, err)
	}
}

func TestModeString(t *testing.T) {
	if ModeSingle.String() != "single" || ModeCircular.String() != "circular" ||
		ModeMultiple.String() != "multiple" {
		t.Fatal("mode names")
	}
}

var _ ring.Allocator = (*failAllocator)(nil)
