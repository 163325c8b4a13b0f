// Package bench measures receive-buffer throughput under two arrival
// patterns — sequential and out-of-order — across a sweep of chunk sizes,
// and optionally emits the results as gnuplot data blocks.
package bench

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quartzlab/recvring/internal/recvbuf"
)

// xorshift64 is a tiny deterministic PRNG for the out-of-order shuffle, so
// runs with the same seed exercise the same arrival order.
type xorshift64 struct {
	state uint64
}

func newXorshift64() *xorshift64 {
	return &xorshift64{state: 0x123456789ABCDEF0}
}

func (x *xorshift64) next() uint64 {
	v := x.state
	v ^= v << 13
	v ^= v >> 7
	v ^= v << 17
	x.state = v
	return v
}

// shuffle permutes arr in place (Fisher-Yates).
func (x *xorshift64) shuffle(arr []uint32) {
	for i := len(arr) - 1; i > 0; i-- {
		j := int(x.next() % uint64(i+1))
		arr[i], arr[j] = arr[j], arr[i]
	}
}

// fillPattern writes the canonical content for a chunk at the given stream
// offset: byte i is (offset+i) mod 256. Verification only needs the offset.
func fillPattern(buf []byte, offset uint64) {
	for i := range buf {
		buf[i] = byte(offset + uint64(i))
	}
}

// Point is the result for one (scenario, chunk size) pair.
type Point struct {
	ChunkSize uint32
	WriteMBps float64
	ReadMBps  float64
}

func throughputMBps(totalBytes uint64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(totalBytes) / (1024 * 1024) / secs
}

// Sequential fills the buffer front to back in chunkSize pieces, then reads
// and drains it whole, once per iteration.
func Sequential(iterations int, chunkSize, allocLength uint32) (Point, error) {
	r := Point{ChunkSize: chunkSize}
	data := make([]byte, chunkSize)
	nChunks := allocLength / chunkSize
	totalBytes := uint64(nChunks) * uint64(chunkSize) * uint64(iterations)
	scratch := make([]byte, allocLength)
	var writeNs, readNs time.Duration

	for iter := 0; iter < iterations; iter++ {
		buf, err := recvbuf.New(allocLength, allocLength, recvbuf.ModeCircular)
		if err != nil {
			return r, err
		}

		t0 := time.Now()
		for i := uint32(0); i < nChunks; i++ {
			off := uint64(i) * uint64(chunkSize)
			fillPattern(data, off)
			if _, err := buf.Write(off, data, allocLength); err != nil {
				buf.Uninitialize()
				return r, fmt.Errorf("write at %d: %w", off, err)
			}
		}
		t1 := time.Now()

		if err := readAndDrainAll(buf, scratch); err != nil {
			buf.Uninitialize()
			return r, err
		}
		t2 := time.Now()

		writeNs += t1.Sub(t0)
		readNs += t2.Sub(t1)

		buf.Uninitialize()
	}

	r.WriteMBps = throughputMBps(totalBytes, writeNs)
	r.ReadMBps = throughputMBps(totalBytes, readNs)
	return r, nil
}

// OutOfOrder writes the same chunks in a shuffled order, then reads and
// drains. The shuffle order is deterministic across the whole run.
func OutOfOrder(iterations int, chunkSize, allocLength uint32) (Point, error) {
	r := Point{ChunkSize: chunkSize}
	data := make([]byte, chunkSize)
	nChunks := allocLength / chunkSize
	totalBytes := uint64(nChunks) * uint64(chunkSize) * uint64(iterations)
	var writeNs, readNs time.Duration

	order := make([]uint32, nChunks)
	for i := range order {
		order[i] = uint32(i)
	}
	rng := newXorshift64()
	scratch := make([]byte, allocLength)

	for iter := 0; iter < iterations; iter++ {
		buf, err := recvbuf.New(allocLength, allocLength, recvbuf.ModeCircular)
		if err != nil {
			return r, err
		}
		rng.shuffle(order)

		t0 := time.Now()
		for _, idx := range order {
			off := uint64(idx) * uint64(chunkSize)
			fillPattern(data, off)
			if _, err := buf.Write(off, data, allocLength); err != nil {
				buf.Uninitialize()
				return r, fmt.Errorf("write at %d: %w", off, err)
			}
		}
		t1 := time.Now()

		if err := readAndDrainAll(buf, scratch); err != nil {
			buf.Uninitialize()
			return r, err
		}
		t2 := time.Now()

		writeNs += t1.Sub(t0)
		readNs += t2.Sub(t1)

		buf.Uninitialize()
	}

	r.WriteMBps = throughputMBps(totalBytes, writeNs)
	r.ReadMBps = throughputMBps(totalBytes, readNs)
	return r, nil
}

// readAndDrainAll consumes the whole contiguous prefix. A single-span read
// refuses a wrapped prefix once the ring is at its virtual length; scratch
// covers that case by copying out instead, the same fallback the transport
// receiver uses.
func readAndDrainAll(buf *recvbuf.Buffer, scratch []byte) error {
	_, spans, err := buf.Read()
	if err == nil {
		var total uint32
		for _, s := range spans {
			total += uint32(len(s))
		}
		return buf.Drain(total)
	}
	if !errors.Is(err, recvbuf.ErrUnavailable) {
		return fmt.Errorf("read: %w", err)
	}
	for buf.PrefixLength() > 0 {
		_, n, err := buf.ReadInto(scratch)
		if err != nil {
			return fmt.Errorf("copy read: %w", err)
		}
		if err := buf.Drain(n); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
	return nil
}

// Run executes both scenarios across cfg.Sizes, printing a table to out and
// emitting gnuplot data when configured.
func Run(cfg Config, out io.Writer) error {
	rule := "═══════════════════════════════════════════════════════════════"
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "  recvbuf benchmark  (%s, %d iterations)\n", cfg.Label, cfg.Iterations)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out)

	seq := make([]Point, 0, len(cfg.Sizes))
	fmt.Fprintln(out, "  Sequential writes + reads")
	fmt.Fprintf(out, "  %-10s %12s %12s\n", "ChunkSize", "Write MB/s", "Read MB/s")
	fmt.Fprintln(out, "  ──────────────────────────────────────")
	for _, size := range cfg.Sizes {
		p, err := Sequential(cfg.Iterations, size, cfg.AllocLength)
		if err != nil {
			return err
		}
		seq = append(seq, p)
		fmt.Fprintf(out, "  %-10d %12.2f %12.2f\n", p.ChunkSize, p.WriteMBps, p.ReadMBps)
	}

	fmt.Fprintln(out)

	ooo := make([]Point, 0, len(cfg.Sizes))
	fmt.Fprintln(out, "  Out-of-order writes + reads")
	fmt.Fprintf(out, "  %-10s %12s %12s\n", "ChunkSize", "Write MB/s", "Read MB/s")
	fmt.Fprintln(out, "  ──────────────────────────────────────")
	for _, size := range cfg.Sizes {
		p, err := OutOfOrder(cfg.Iterations, size, cfg.AllocLength)
		if err != nil {
			return err
		}
		ooo = append(ooo, p)
		fmt.Fprintf(out, "  %-10d %12.2f %12.2f\n", p.ChunkSize, p.WriteMBps, p.ReadMBps)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, rule)

	if cfg.Gnuplot != "" {
		if err := WriteGnuplot(cfg.Gnuplot, cfg.Label, seq, ooo); err != nil {
			return err
		}
		fmt.Fprintf(out, "Gnuplot data → %s (%s)\n", cfg.Gnuplot, cfg.Label)
	}
	return nil
}
