package recvbuf

import (
	"math/rand"
	"testing"
)

const benchAlloc = 65536

func benchChunks(b *testing.B, chunkSize uint32, shuffle bool) {
	nChunks := benchAlloc / chunkSize
	order := make([]uint32, nChunks)
	for i := range order {
		order[i] = uint32(i)
	}
	if shuffle {
		rand.New(rand.NewSource(1)).Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	data := make([]byte, chunkSize)

	b.SetBytes(int64(benchAlloc))
	b.ResetTimer()
	for range b.N {
		buf, err := New(benchAlloc, benchAlloc, ModeCircular)
		if err != nil {
			b.Fatal(err)
		}
		for _, idx := range order {
			off := uint64(idx) * uint64(chunkSize)
			if _, err := buf.Write(off, data, benchAlloc); err != nil {
				b.Fatal(err)
			}
		}
		_, spans, err := buf.Read()
		if err != nil {
			b.Fatal(err)
		}
		var total uint32
		for _, s := range spans {
			total += uint32(len(s))
		}
		if err := buf.Drain(total); err != nil {
			b.Fatal(err)
		}
		buf.Uninitialize()
	}
}

func BenchmarkSequential64(b *testing.B) { benchChunks(b, 64, false) }
func BenchmarkSequential16(b *testing.B) { benchChunks(b, 16, false) }
func BenchmarkOutOfOrder64(b *testing.B) { benchChunks(b, 64, true) }
func BenchmarkOutOfOrder16(b *testing.B) { benchChunks(b, 16, true) }

func BenchmarkGrowFromSmall(b *testing.B) {
	data := make([]byte, 1024)
	b.SetBytes(benchAlloc)
	b.ResetTimer()
	for range b.N {
		buf, err := New(16, benchAlloc, ModeCircular)
		if err != nil {
			b.Fatal(err)
		}
		for off := uint64(0); off < benchAlloc; off += 1024 {
			if _, err := buf.Write(off, data, benchAlloc); err != nil {
				b.Fatal(err)
			}
		}
		buf.Uninitialize()
	}
}
