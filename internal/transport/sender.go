package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/quartzlab/recvring/internal/wire"
)

const (
	// DefaultChunkSize is the stream bytes carried per datagram frame.
	DefaultChunkSize = 1024

	// DefaultShuffleWindow is how many frames are batched and reordered
	// when out-of-order sending is enabled.
	DefaultShuffleWindow = 32

	// heartbeatInterval paces keepalive heartbeats while the sender is
	// stalled on the flow-control window.
	heartbeatInterval = 5 * time.Second

	// maxRateBurst caps the token-bucket burst for paced sends.
	maxRateBurst = 256 * 1024
)

// SenderConfig configures a Sender. Zero values pick defaults.
type SenderConfig struct {
	Host    string
	Port    int
	Passkey []byte

	ChunkSize int // bytes per frame, at most wire.MaxFramePayload

	// Shuffle reorders frames within ShuffleWindow-sized batches before
	// sending, exercising the receiver's reassembly path.
	Shuffle       bool
	ShuffleWindow int
	Seed          int64 // shuffle seed; 0 picks the current time

	// RateBytesPerSec paces the payload bytes put on the wire.
	// 0 means unlimited.
	RateBytesPerSec int64
}

// SenderStats counts the sender's side of a transfer.
type SenderStats struct {
	FramesSent   uint64
	BytesSent    uint64
	WindowStalls uint64
	LastRTT      time.Duration
}

func (s SenderStats) String() string {
	return fmt.Sprintf("frames=%d sent=%dB stalls=%d rtt=%v",
		s.FramesSent, s.BytesSent, s.WindowStalls, s.LastRTT)
}

// Sender streams the contents of a reader to a receiver, one chunk per
// datagram frame, honoring the receiver's advertised flow-control window.
// Frames are fire-and-forget: nothing is retransmitted.
type Sender struct {
	cfg     SenderConfig
	limiter *rate.Limiter
	rng     *rand.Rand

	sendLimit atomic.Uint64 // highest stream offset the receiver allows
	window    chan struct{} // pulsed on every window update
	finAck    chan uint64
	hbSent    atomic.Int64 // UnixNano of last heartbeat sent

	stats SenderStats
}

// NewSender creates a Sender with defaults applied.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > wire.MaxFramePayload {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ShuffleWindow <= 0 {
		cfg.ShuffleWindow = DefaultShuffleWindow
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	s := &Sender{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		window: make(chan struct{}, 1),
		finAck: make(chan uint64, 1),
	}
	if cfg.RateBytesPerSec > 0 {
		burst := int(cfg.RateBytesPerSec)
		if burst > maxRateBurst {
			burst = maxRateBurst
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateBytesPerSec), burst)
	}
	return s
}

// Stats returns the transfer counters. Valid after Run returns.
func (s *Sender) Stats() SenderStats {
	return s.stats
}

// Run dials the receiver and streams everything from input, then announces
// the final offset and waits for the receiver to confirm full delivery.
func (s *Sender) Run(ctx context.Context, input io.Reader) error {
	conn, err := Dial(ctx, s.cfg.Host, s.cfg.Port, s.cfg.Passkey)
	if err != nil {
		return err
	}
	defer conn.Close()

	go s.readControl(conn)

	offset := uint64(0)
	batch := make([]*wire.StreamFrame, 0, s.cfg.ShuffleWindow)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		// Reserve window room for the whole batch before any reordering:
		// a shuffled frame past the limit must not block the earlier
		// frames that would open it.
		last := batch[len(batch)-1]
		if err := s.waitWindow(ctx, conn, last.Offset+uint64(len(last.Payload))); err != nil {
			return err
		}
		if s.cfg.Shuffle {
			s.rng.Shuffle(len(batch), func(i, j int) {
				batch[i], batch[j] = batch[j], batch[i]
			})
		}
		for _, f := range batch {
			if err := s.sendFrame(ctx, conn, f); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}

	for {
		chunk := make([]byte, s.cfg.ChunkSize)
		n, err := io.ReadFull(input, chunk)
		if n > 0 {
			batch = append(batch, &wire.StreamFrame{Offset: offset, Payload: chunk[:n]})
			offset += uint64(n)
			if len(batch) == s.cfg.ShuffleWindow {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if err := conn.WriteControl(&wire.Fin{FinalOffset: offset}); err != nil {
		return fmt.Errorf("write fin: %w", err)
	}

	// Wait for the receiver to confirm it delivered the whole stream.
	select {
	case final := <-s.finAck:
		if final != offset {
			return fmt.Errorf("receiver acknowledged %d bytes, sent %d", final, offset)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitWindow blocks until the receiver's advertised limit covers end.
func (s *Sender) waitWindow(ctx context.Context, conn *Conn, end uint64) error {
	for end > s.sendLimit.Load() {
		s.stats.WindowStalls++
		select {
		case <-s.window:
		case <-time.After(heartbeatInterval):
			// Keep the connection alive and measure the stall.
			s.hbSent.Store(time.Now().UnixNano())
			if err := conn.WriteControl(&wire.Heartbeat{
				TimestampMs: time.Now().UnixMilli(),
			}); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sendFrame waits for rate tokens, then sends. Window room has already been
// reserved batch-wide.
func (s *Sender) sendFrame(ctx context.Context, conn *Conn, f *wire.StreamFrame) error {
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, len(f.Payload)); err != nil {
			return err
		}
	}

	if err := conn.SendFrame(f); err != nil {
		return fmt.Errorf("send frame at %d: %w", f.Offset, err)
	}
	s.stats.FramesSent++
	s.stats.BytesSent += uint64(len(f.Payload))
	return nil
}

// readControl consumes the receiver's control messages: window updates open
// the send window, a fin confirms full delivery.
func (s *Sender) readControl(conn *Conn) {
	for {
		msg, err := conn.ReadControl()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.WindowUpdate:
			if m.MaxOffset > s.sendLimit.Load() {
				s.sendLimit.Store(m.MaxOffset)
				select {
				case s.window <- struct{}{}:
				default:
				}
			}
		case *wire.Fin:
			select {
			case s.finAck <- m.FinalOffset:
			default:
			}
		case *wire.Heartbeat:
			if sent := s.hbSent.Load(); sent > 0 {
				s.stats.LastRTT = time.Since(time.Unix(0, sent))
			}
		default:
			log.Printf("sender: unexpected control message: %T", msg)
		}
	}
}
