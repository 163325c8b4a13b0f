package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/quartzlab/recvring/internal/coalesce"
	"github.com/quartzlab/recvring/internal/recvbuf"
	"github.com/quartzlab/recvring/internal/wire"
)

const (
	// DefaultInitialAlloc is the receive buffer's starting capacity.
	DefaultInitialAlloc = 4096

	// DefaultWindow is the flow-control window: the receive buffer's
	// virtual length and the credit advertised to the sender.
	DefaultWindow = 1 << 20
)

// ReceiverConfig configures a Receiver. Zero values pick defaults.
type ReceiverConfig struct {
	Port         int    // UDP port to listen on (0 = random)
	Passkey      []byte // shared auth passkey
	Mode         recvbuf.Mode
	InitialAlloc uint32    // power of two
	Window       uint32    // power of two; virtual length and credit
	Output       io.Writer // reassembled stream destination (nil = discard)
}

// ReceiverStats counts what the wire actually delivered, as opposed to what
// the stream needed: duplicates, reordering and flow-control drops are all
// visible here and invisible in the output.
type ReceiverStats struct {
	FramesReceived    uint64
	BytesReceived     uint64
	BytesDelivered    uint64
	DuplicateBytes    uint64
	OutOfOrderFrames  uint64
	FlowControlDrops  uint64
	ProtocolErrors    uint64
	WindowUpdatesSent uint64
}

func (s ReceiverStats) String() string {
	return fmt.Sprintf("frames=%d received=%dB delivered=%dB dup=%dB ooo=%d fc_drops=%d proto_errs=%d win_updates=%d",
		s.FramesReceived, s.BytesReceived, s.BytesDelivered, s.DuplicateBytes,
		s.OutOfOrderFrames, s.FlowControlDrops, s.ProtocolErrors, s.WindowUpdatesSent)
}

// Receiver accepts one sender connection and reassembles its stream into
// Output. Create with NewReceiver, then call Run.
type Receiver struct {
	cfg ReceiverConfig

	// Ready is closed once the listener is bound and Port is valid.
	Ready chan struct{}

	port  int
	stats ReceiverStats
}

// NewReceiver creates a Receiver with defaults applied.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.InitialAlloc == 0 {
		cfg.InitialAlloc = DefaultInitialAlloc
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	return &Receiver{
		cfg:   cfg,
		Ready: make(chan struct{}),
	}
}

// Port returns the bound UDP port. Valid after Ready is closed.
func (r *Receiver) Port() int {
	return r.port
}

// Stats returns the transfer counters. Valid after Run returns.
func (r *Receiver) Stats() ReceiverStats {
	return r.stats
}

// Run listens, accepts a single sender, and reassembles its stream until the
// sender's Fin is fully delivered or ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	ln, err := Listen(r.cfg.Port, r.cfg.Passkey)
	if err != nil {
		return err
	}
	defer ln.Close()

	r.port = ln.Port()
	close(r.Ready)

	conn, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return r.serve(ctx, conn)
}

type frameEvent struct {
	frame *wire.StreamFrame
	err   error
}

type controlEvent struct {
	msg any
	err error
}

// session bundles the per-connection reassembly state.
type session struct {
	cfg    ReceiverConfig
	conn   *Conn
	buf    *recvbuf.Buffer
	coal   *coalesce.Coalescer
	credit uint32
	stats  *ReceiverStats

	finSeen   bool
	finOffset uint64
}

func (r *Receiver) serve(ctx context.Context, conn *Conn) error {
	buf, err := recvbuf.New(r.cfg.InitialAlloc, r.cfg.Window, r.cfg.Mode)
	if err != nil {
		return fmt.Errorf("create receive buffer: %w", err)
	}
	defer buf.Uninitialize()

	s := &session{
		cfg:    r.cfg,
		conn:   conn,
		buf:    buf,
		coal:   coalesce.New(),
		credit: r.cfg.Window,
		stats:  &r.stats,
	}
	defer s.coal.Stop()

	// Advertise the initial window before any frame can arrive.
	if err := conn.WriteControl(&wire.WindowUpdate{MaxOffset: uint64(r.cfg.Window)}); err != nil {
		return fmt.Errorf("write initial window: %w", err)
	}
	s.stats.WindowUpdatesSent++

	frames := make(chan frameEvent, 64)
	go func() {
		for {
			f, err := conn.ReceiveFrame(ctx)
			frames <- frameEvent{frame: f, err: err}
			if err != nil {
				return
			}
		}
	}()

	control := make(chan controlEvent, 8)
	go func() {
		for {
			msg, err := conn.ReadControl()
			control <- controlEvent{msg: msg, err: err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return ctx.Err()

		case ev := <-frames:
			if ev.err != nil {
				s.flush()
				if s.done() {
					return nil
				}
				return fmt.Errorf("receive frame: %w", ev.err)
			}
			if err := s.handleFrame(ev.frame); err != nil {
				return err
			}
			if s.done() {
				if err := s.finish(); err != nil {
					return err
				}
				return r.awaitClose(ctx, frames, control)
			}

		case ev := <-control:
			if ev.err != nil {
				s.flush()
				if s.done() {
					return nil
				}
				return fmt.Errorf("read control: %w", ev.err)
			}
			if err := s.handleControl(ev.msg); err != nil {
				return err
			}
			if s.done() {
				if err := s.finish(); err != nil {
					return err
				}
				return r.awaitClose(ctx, frames, control)
			}

		case <-s.coal.Timer():
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
}

// awaitClose lingers until the sender closes the connection (or a timeout),
// so the fin acknowledgment is not torn down in flight with it.
func (r *Receiver) awaitClose(ctx context.Context, frames chan frameEvent, control chan controlEvent) error {
	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-frames:
			if ev.err != nil {
				return nil
			}
		case ev := <-control:
			if ev.err != nil {
				return nil
			}
		case <-timer.C:
			return nil
		}
	}
}

// done reports whether the whole stream has been reassembled and drained.
func (s *session) done() bool {
	return s.finSeen && s.buf.BaseOffset() >= s.finOffset
}

// finish flushes the tail of the delivery batch and acknowledges the fin.
func (s *session) finish() error {
	if err := s.flush(); err != nil {
		return err
	}
	if err := s.conn.WriteControl(&wire.Fin{FinalOffset: s.finOffset}); err != nil {
		return fmt.Errorf("write fin ack: %w", err)
	}
	return nil
}

func (s *session) handleControl(msg any) error {
	switch m := msg.(type) {
	case *wire.Fin:
		s.finSeen = true
		s.finOffset = m.FinalOffset
	case *wire.Heartbeat:
		// Echo so the sender can measure round trips and keep the
		// connection alive through window stalls.
		if err := s.conn.WriteControl(m); err != nil {
			return fmt.Errorf("echo heartbeat: %w", err)
		}
	default:
		log.Printf("receiver: unexpected control message: %T", msg)
		s.stats.ProtocolErrors++
	}
	return nil
}

func (s *session) handleFrame(f *wire.StreamFrame) error {
	s.stats.FramesReceived++
	s.stats.BytesReceived += uint64(len(f.Payload))

	res, err := s.buf.Write(f.Offset, f.Payload, s.credit)
	switch {
	case errors.Is(err, recvbuf.ErrFlowControl), errors.Is(err, recvbuf.ErrAllocation):
		// The sender outran our credit. Datagrams are lossy anyway;
		// dropping the frame is within the contract.
		s.stats.FlowControlDrops++
		return nil
	case errors.Is(err, recvbuf.ErrExceedsVirtual):
		log.Printf("receiver: frame [%d, %d) beyond advertised window",
			f.Offset, f.Offset+uint64(len(f.Payload)))
		s.stats.ProtocolErrors++
		return nil
	case err != nil:
		return fmt.Errorf("buffer write at %d: %w", f.Offset, err)
	}

	s.credit -= res.QuotaConsumed
	s.stats.DuplicateBytes += uint64(len(f.Payload)) - uint64(res.QuotaConsumed)
	if !res.Ready && res.QuotaConsumed > 0 {
		s.stats.OutOfOrderFrames++
	}

	if res.Ready {
		return s.deliver()
	}
	return nil
}

// deliver moves the whole contiguous prefix into the delivery batch and
// releases it, then re-opens the flow-control window by what was drained.
func (s *session) deliver() error {
	var drained uint32

	for {
		_, spans, err := s.buf.Read()
		if err != nil {
			if !errors.Is(err, recvbuf.ErrUnavailable) {
				return fmt.Errorf("buffer read: %w", err)
			}
			// A single-span read can refuse a wrapped prefix once the
			// ring has hit its virtual length; fall back to copying.
			if s.buf.PrefixLength() > 0 && s.buf.PendingLength() == 0 {
				if err := s.deliverByCopy(&drained); err != nil {
					return err
				}
			}
			break
		}

		var n uint32
		for _, span := range spans {
			if s.coal.Add(span) {
				if err := s.flush(); err != nil {
					return err
				}
			}
			n += uint32(len(span))
		}
		if err := s.buf.Drain(n); err != nil {
			return fmt.Errorf("buffer drain: %w", err)
		}
		drained += n
	}

	if drained > 0 {
		s.credit += drained
		if err := s.conn.WriteControl(&wire.WindowUpdate{
			MaxOffset: s.buf.BaseOffset() + uint64(s.cfg.Window),
		}); err != nil {
			return fmt.Errorf("write window update: %w", err)
		}
		s.stats.WindowUpdatesSent++
	}
	return nil
}

func (s *session) deliverByCopy(drained *uint32) error {
	scratch := make([]byte, 32*1024)
	for s.buf.PrefixLength() > 0 {
		_, n, err := s.buf.ReadInto(scratch)
		if err != nil {
			return fmt.Errorf("buffer copy read: %w", err)
		}
		if s.coal.Add(scratch[:n]) {
			if err := s.flush(); err != nil {
				return err
			}
		}
		if err := s.buf.Drain(n); err != nil {
			return fmt.Errorf("buffer drain: %w", err)
		}
		*drained += n
	}
	return nil
}

// flush pushes the delivery batch to the output.
func (s *session) flush() error {
	data := s.coal.Flush()
	if data == nil {
		return nil
	}
	if _, err := s.cfg.Output.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	s.stats.BytesDelivered += uint64(len(data))
	return nil
}
