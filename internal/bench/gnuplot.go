package bench

import (
	"fmt"
	"os"
)

// WriteGnuplot appends the run's data to path as gnuplot blocks separated by
// double blank lines (gnuplot "index" syntax). A fresh file gets a header.
// Running twice with different labels produces four indexable blocks:
//
//	index 0: first label, sequential
//	index 1: first label, out-of-order
//	index 2: second label, sequential
//	index 3: second label, out-of-order
func WriteGnuplot(path, label string, seq, ooo []Point) error {
	existing, err := os.ReadFile(path)
	appendMode := err == nil && len(existing) > 0

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("open gnuplot file: %w", err)
	}
	defer f.Close()

	if !appendMode {
		fmt.Fprintf(f, "# Columns: ChunkSize  WriteMBps  ReadMBps\n")
		fmt.Fprintf(f, "# index 0,2: sequential   index 1,3: ooo\n\n")
	} else {
		fmt.Fprintf(f, "\n\n")
	}

	fmt.Fprintf(f, "# %s sequential\n", label)
	for _, p := range seq {
		fmt.Fprintf(f, "%d\t%.2f\t%.2f\n", p.ChunkSize, p.WriteMBps, p.ReadMBps)
	}

	fmt.Fprintf(f, "\n\n# %s ooo\n", label)
	for _, p := range ooo {
		fmt.Fprintf(f, "%d\t%.2f\t%.2f\n", p.ChunkSize, p.WriteMBps, p.ReadMBps)
	}

	return nil
}
