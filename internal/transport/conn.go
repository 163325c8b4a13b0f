// Package transport carries stream ranges between a sender and a receiver
// over QUIC. Control messages (auth, flow-control window updates, stream
// fin) ride an ordered stream; the stream data itself rides unreliable
// datagrams, one frame per datagram, so ranges may arrive out of order or
// duplicated — exactly the arrival pattern the receive buffer reassembles.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quartzlab/recvring/internal/wire"
)

// Conn is an authenticated connection between a sender and a receiver.
type Conn struct {
	QConn   *quic.Conn
	Control *quic.Stream

	tr      *quic.Transport // keep alive to prevent GC of underlying UDP socket
	sendBuf []byte          // reused datagram encode buffer (sender side only)
}

// WriteControl writes a framed message to the control stream.
func (c *Conn) WriteControl(msg any) error {
	return wire.WriteMessage(c.Control, msg)
}

// ReadControl reads a framed message from the control stream.
func (c *Conn) ReadControl() (any, error) {
	return wire.ReadMessage(c.Control)
}

// SendFrame sends a stream frame as a single datagram. Only one goroutine
// may send frames on a Conn; the encode buffer is reused across calls.
func (c *Conn) SendFrame(f *wire.StreamFrame) error {
	var err error
	c.sendBuf, err = wire.EncodeFrame(c.sendBuf[:0], f)
	if err != nil {
		return err
	}
	return c.QConn.SendDatagram(c.sendBuf)
}

// ReceiveFrame blocks for the next datagram and decodes it as a stream
// frame. The frame payload aliases the datagram buffer.
func (c *Conn) ReceiveFrame(ctx context.Context) (*wire.StreamFrame, error) {
	dgram, err := c.QConn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, err
	}
	return wire.DecodeFrame(dgram)
}

// Close closes the control stream and the underlying QUIC connection.
func (c *Conn) Close() error {
	if c.Control != nil {
		c.Control.CancelRead(0)
		c.Control.Close()
	}
	if c.QConn != nil {
		c.QConn.CloseWithError(0, "closed")
	}
	if c.tr != nil {
		return c.tr.Close()
	}
	return nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		InitialPacketSize: 1200,
		EnableDatagrams:   true,
	}
}

func checkDatagramSupport(qconn *quic.Conn) error {
	ds := qconn.ConnectionState().SupportsDatagrams
	if !ds.Remote || !ds.Local {
		return fmt.Errorf("peer does not support QUIC datagrams")
	}
	return nil
}
