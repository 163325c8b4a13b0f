package bench

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/quartzlab/recvring/internal/recvbuf"
)

// ModePoint is the result for one (mode, buffer size) pair.
type ModePoint struct {
	Mode      recvbuf.Mode
	BufSize   uint32
	Millis    float64
	OpsPerSec float64
}

func opsPerSec(iterations int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(iterations) / secs
}

// WriteReadDrain runs sequential write + read + drain cycles against one
// buffer: each iteration fills to ~75% capacity in 16-byte chunks (small
// TLS-record-sized writes), reads everything back and drains it. The
// repeated full drains walk the read head around the ring, so circular mode
// pays wrap-split reads. The buffer starts at its virtual length, so single
// mode cannot unwrap by growing: its read of a wrapped prefix is refused and
// the prefix is copied out instead.
func WriteReadDrain(mode recvbuf.Mode, bufSize uint32, iterations int) (ModePoint, error) {
	p := ModePoint{Mode: mode, BufSize: bufSize}

	buf, err := recvbuf.New(bufSize, bufSize, mode)
	if err != nil {
		return p, err
	}
	defer buf.Uninitialize()

	const writeChunk = 16
	data := bytes.Repeat([]byte{0xAB}, writeChunk)
	scratch := make([]byte, bufSize)

	start := time.Now()

	offset := uint64(0)
	for iter := 0; iter < iterations; iter++ {
		target := bufSize * 3 / 4
		written := uint32(0)
		for written+writeChunk <= target {
			if _, err := buf.Write(offset, data, bufSize); err != nil {
				return p, fmt.Errorf("write at %d: %w", offset, err)
			}
			offset += writeChunk
			written += writeChunk
		}

		if err := readAndDrainAll(buf, scratch); err != nil {
			return p, err
		}
	}

	elapsed := time.Since(start)
	p.Millis = float64(elapsed.Nanoseconds()) / 1e6
	p.OpsPerSec = opsPerSec(iterations, elapsed)
	return p, nil
}

// Resize measures growth under load: fill a fresh buffer to ~50%, drain a
// quarter and write it back so the read head sits mid-ring, then raise the
// virtual length and write past the old capacity — the grow (and its
// linearization copy) happens inside Write. Single and circular modes pay
// for the same copy from different starting layouts.
func Resize(mode recvbuf.Mode, bufSize uint32, iterations int) (ModePoint, error) {
	p := ModePoint{Mode: mode, BufSize: bufSize}

	const writeChunk = 64
	data := bytes.Repeat([]byte{0xCD}, writeChunk)
	scratch := make([]byte, 2*bufSize)

	start := time.Now()

	for iter := 0; iter < iterations; iter++ {
		buf, err := recvbuf.New(bufSize, bufSize, mode)
		if err != nil {
			return p, err
		}

		off := uint64(0)
		target := bufSize / 2
		written := uint32(0)
		for written+writeChunk <= target {
			if _, err := buf.Write(off, data, bufSize); err != nil {
				buf.Uninitialize()
				return p, fmt.Errorf("write at %d: %w", off, err)
			}
			off += writeChunk
			written += writeChunk
		}

		// Drain half of what was written so the read head is mid-ring.
		drainAmt := written / 2
		if err := buf.Drain(drainAmt); err != nil {
			buf.Uninitialize()
			return p, fmt.Errorf("drain %d: %w", drainAmt, err)
		}

		// Refill the drained amount to shift the head further.
		wrote2 := uint32(0)
		for wrote2+writeChunk <= drainAmt {
			if _, err := buf.Write(off, data, bufSize); err != nil {
				buf.Uninitialize()
				return p, fmt.Errorf("write at %d: %w", off, err)
			}
			off += writeChunk
			wrote2 += writeChunk
		}

		// Raise the ceiling and write up to the old capacity again; the
		// doubling grow happens inside Write.
		if err := buf.GrowVirtual(bufSize * 2); err != nil {
			buf.Uninitialize()
			return p, fmt.Errorf("grow virtual: %w", err)
		}
		wrote3 := uint32(0)
		for wrote3+writeChunk <= bufSize {
			if _, err := buf.Write(off, data, bufSize*2); err != nil {
				buf.Uninitialize()
				return p, fmt.Errorf("write at %d: %w", off, err)
			}
			off += writeChunk
			wrote3 += writeChunk
		}

		if err := readAndDrainAll(buf, scratch); err != nil {
			buf.Uninitialize()
			return p, err
		}
		buf.Uninitialize()
	}

	elapsed := time.Since(start)
	p.Millis = float64(elapsed.Nanoseconds()) / 1e6
	p.OpsPerSec = opsPerSec(iterations, elapsed)
	return p, nil
}

// RunModes compares single and circular modes across cfg.ModeSizes: the
// write/read/drain cycle benchmark, then the resize benchmark at a tenth of
// the iterations.
func RunModes(cfg Config, out io.Writer) error {
	modes := []recvbuf.Mode{recvbuf.ModeSingle, recvbuf.ModeCircular}

	fmt.Fprintf(out, "recvbuf mode benchmark — %d iterations per (mode, size) pair\n", cfg.Iterations)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "--- Write/Read/Drain (75% fill per iteration) ---")
	fmt.Fprintf(out, "%-10s %8s %10s %12s\n", "Mode", "BufSize", "Time(ms)", "Ops/sec")
	fmt.Fprintf(out, "%-10s %8s %10s %12s\n", "--------", "-------", "--------", "----------")
	for _, mode := range modes {
		for _, size := range cfg.ModeSizes {
			p, err := WriteReadDrain(mode, size, cfg.Iterations)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-10s %8d %10.2f %12.0f\n", p.Mode, p.BufSize, p.Millis, p.OpsPerSec)
		}
	}

	resizeIters := cfg.Iterations / 10
	if resizeIters < 10 {
		resizeIters = 10
	}

	fmt.Fprintf(out, "\n--- Resize (grow 2x, %d iterations) ---\n", resizeIters)
	fmt.Fprintf(out, "%-10s %8s %10s %12s\n", "Mode", "BufSize", "Time(ms)", "Ops/sec")
	fmt.Fprintf(out, "%-10s %8s %10s %12s\n", "--------", "-------", "--------", "----------")
	for _, mode := range modes {
		for _, size := range cfg.ModeSizes {
			p, err := Resize(mode, size, resizeIters)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-10s %8d %10.2f %12.0f\n", p.Mode, p.BufSize, p.Millis, p.OpsPerSec)
		}
	}

	fmt.Fprintln(out, "\nDone.")
	return nil
}
