package smtpengine

import (
	"context"
	"crypto/tls"
	"net"
)

// Transport is the wire-level abstraction the session drives: connect,
// exchange raw bytes, upgrade to TLS in place, and disconnect. The surface
// is raw bytes rather than net/textproto lines because the session parses
// replies itself through ResponseParser.
type Transport interface {
	// Connect opens the underlying network connection. network is the
	// dial network ("tcp", "tcp4", "tcp6").
	Connect(ctx context.Context, network, addr string) error

	// Write sends raw bytes, e.g. an SMTP command line.
	Write(p []byte) (int, error)

	// Read blocks for at least one byte of server data, e.g. as scanned by
	// ResponseParser.Feed.
	Read(p []byte) (int, error)

	// StartTLS upgrades the connection to TLS in place using cfg. A
	// non-nil error must make it possible to distinguish a handshake
	// failure from every other transport error; callers wrap this return
	// in a *SMTPError with KindTLS.
	StartTLS(cfg *tls.Config) error

	// LocalAddr reports the local endpoint's address, or "" before
	// Connect. Used to build the EHLO greeting's bracketed address.
	LocalAddr() string

	// Close tears down the connection.
	Close() error
}

// netTransport is the concrete Transport backing production sessions: a
// net.Conn, upgradeable to *tls.Conn via StartTLS.
type netTransport struct {
	conn net.Conn
}

// NewNetTransport returns a Transport with no connection yet established;
// call Connect before using it.
func NewNetTransport() Transport {
	return &netTransport{}
}

func (t *netTransport) Connect(ctx context.Context, network, addr string) error {
	if network == "" {
		network = "tcp"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *netTransport) LocalAddr() string {
	if t.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(t.conn.LocalAddr().String())
	if err != nil {
		return t.conn.LocalAddr().String()
	}
	return host
}

func (t *netTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *netTransport) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *netTransport) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Client(t.conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	t.conn = tlsConn
	return nil
}

func (t *netTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// TLSConfig builds the baseline client TLS configuration used for both
// ConnectSecure and StartTLS. Curve preferences per Cloudflare's "So you
// want to expose Go on the Internet".
func TLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
	}
}
