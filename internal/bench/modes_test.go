package bench

import (
	"bytes"
	"strings"
	"testing"

	"github.com/quartzlab/recvring/internal/recvbuf"
)

func TestWriteReadDrainBothModes(t *testing.T) {
	for _, mode := range []recvbuf.Mode{recvbuf.ModeSingle, recvbuf.ModeCircular} {
		p, err := WriteReadDrain(mode, 256, 8)
		if err != nil {
			t.Fatalf("%v: %v", mode, err)
		}
		if p.Mode != mode || p.BufSize != 256 {
			t.Fatalf("point labeled %v/%d", p.Mode, p.BufSize)
		}
		if p.OpsPerSec <= 0 {
			t.Fatalf("%v: ops/sec not positive: %+v", mode, p)
		}
	}
}

func TestResizeBothModes(t *testing.T) {
	for _, mode := range []recvbuf.Mode{recvbuf.ModeSingle, recvbuf.ModeCircular} {
		p, err := Resize(mode, 256, 8)
		if err != nil {
			t.Fatalf("%v: %v", mode, err)
		}
		if p.OpsPerSec <= 0 {
			t.Fatalf("%v: ops/sec not positive: %+v", mode, p)
		}
	}
}

func TestResizeSmallestSize(t *testing.T) {
	// 64-byte buffers never reach the 50%-fill threshold with 64-byte
	// chunks; the scenario must still complete.
	if _, err := Resize(recvbuf.ModeCircular, 64, 4); err != nil {
		t.Fatal(err)
	}
}

func TestRunModesPrintsTables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Iterations = 4
	cfg.ModeSizes = []uint32{64, 256}

	var out bytes.Buffer
	if err := RunModes(cfg, &out); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	for _, want := range []string{"Write/Read/Drain", "Resize (grow 2x", "single", "circular", "Ops/sec"} {
		if !strings.Contains(s, want) {
			t.Fatalf("output missing %q:\n%s", want, s)
		}
	}
}
