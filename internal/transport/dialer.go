package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/quic-go/quic-go"

	"github.com/quartzlab/recvring/internal/auth"
	"github.com/quartzlab/recvring/internal/wire"
)

// Dial connects to a receiver's QUIC listener, authenticates with the
// passkey, and returns a Conn with the control stream ready for use.
func Dial(ctx context.Context, host string, port int, passkey []byte) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}

	// Use a fresh UDP socket for the sender
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, ClientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	conn, err := performAuth(ctx, qconn, passkey)
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		tr.Close()
		return nil, err
	}

	conn.tr = tr
	return conn, nil
}

func performAuth(ctx context.Context, qconn *quic.Conn, passkey []byte) (*Conn, error) {
	if err := checkDatagramSupport(qconn); err != nil {
		return nil, err
	}

	// Open control stream
	controlStream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	// Compute auth token from TLS exporter material
	connState := qconn.ConnectionState()
	material, err := connState.TLS.ExportKeyingMaterial(auth.ExporterLabel, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}

	token := auth.ComputeToken(passkey, material)

	// Send auth request
	if err := wire.WriteMessage(controlStream, &wire.AuthRequest{
		Token: token,
	}); err != nil {
		return nil, fmt.Errorf("write auth request: %w", err)
	}

	// Read auth response
	msg, err := wire.ReadMessage(controlStream)
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}

	resp, ok := msg.(*wire.AuthResponse)
	if !ok {
		return nil, fmt.Errorf("expected AuthResponse, got %T", msg)
	}

	if resp.Status != wire.AuthOK {
		return nil, fmt.Errorf("authentication rejected: status %d", resp.Status)
	}

	return &Conn{QConn: qconn, Control: controlStream}, nil
}
