package irc

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/dalnet/twitchrelay/internal/config"
)

// DialFunc opens a connection to the upstream server
type DialFunc func(ctx context.Context) (net.Conn, error)

// NewDialer builds the upstream dialer: plain TCP, optionally through a SOCKS5
// proxy, optionally wrapped in TLS.
func NewDialer(u config.Upstream) (DialFunc, error) {
	direct := &net.Dialer{Timeout: u.DialTimeout}

	var d proxy.Dialer = direct
	if u.SocksProxy != "" {
		socks, err := proxy.SOCKS5("tcp", u.SocksProxy, nil, direct)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid socks proxy %q", u.SocksProxy)
		}
		d = socks
	}

	addr := u.Addr()
	return func(ctx context.Context) (net.Conn, error) {
		// dial_timeout covers the TLS handshake as well as the connect
		if u.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, u.DialTimeout)
			defer cancel()
		}

		var conn net.Conn
		var err error
		if cd, ok := d.(proxy.ContextDialer); ok {
			conn, err = cd.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = d.Dial("tcp", addr)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to connect to %s", addr)
		}

		if !u.TLS {
			return conn, nil
		}

		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         u.Server,
			InsecureSkipVerify: u.TLSInsecure,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "tls handshake with %s", addr)
		}
		return tlsConn, nil
	}, nil
}
