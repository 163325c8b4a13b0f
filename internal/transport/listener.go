package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/quartzlab/recvring/internal/auth"
	"github.com/quartzlab/recvring/internal/wire"
)

// Listener wraps a QUIC listener for the receiver side.
type Listener struct {
	tr      *quic.Transport
	ln      *quic.Listener
	port    int
	passkey []byte
}

// Listen creates a QUIC listener on a random UDP port (or the specified
// port). The receiver uses this to accept sender connections.
func Listen(port int, passkey []byte) (*Listener, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	return ListenWithCert(port, passkey, cert)
}

// ListenWithCert creates a QUIC listener using the provided TLS certificate.
func ListenWithCert(port int, passkey []byte, cert tls.Certificate) (*Listener, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	udpConn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	localPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	return &Listener{
		tr:      tr,
		ln:      ln,
		port:    localPort,
		passkey: passkey,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *Listener) Port() int {
	return l.port
}

// Accept waits for and authenticates a new sender connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	conn, err := l.authenticate(ctx, qconn)
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		return nil, err
	}

	return conn, nil
}

func (l *Listener) authenticate(ctx context.Context, qconn *quic.Conn) (*Conn, error) {
	if err := checkDatagramSupport(qconn); err != nil {
		return nil, err
	}

	// Accept control stream (opened by sender)
	controlStream, err := qconn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept control stream: %w", err)
	}

	// Read auth request
	msg, err := wire.ReadMessage(controlStream)
	if err != nil {
		return nil, fmt.Errorf("read auth request: %w", err)
	}

	authReq, ok := msg.(*wire.AuthRequest)
	if !ok {
		return nil, fmt.Errorf("expected AuthRequest, got %T", msg)
	}

	// Verify HMAC token
	connState := qconn.ConnectionState()
	material, err := connState.TLS.ExportKeyingMaterial(auth.ExporterLabel, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}

	if !auth.VerifyToken(l.passkey, material, authReq.Token) {
		// Send rejection
		wire.WriteMessage(controlStream, &wire.AuthResponse{
			Status: wire.AuthFailed,
		})
		return nil, fmt.Errorf("authentication failed: invalid passkey")
	}

	// Send success
	if err := wire.WriteMessage(controlStream, &wire.AuthResponse{
		Status: wire.AuthOK,
	}); err != nil {
		return nil, fmt.Errorf("write auth response: %w", err)
	}

	return &Conn{QConn: qconn, Control: controlStream}, nil
}

// Close shuts down the listener and underlying transport.
func (l *Listener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
