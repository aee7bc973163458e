package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
)

// DirectConnector dials the destination without any proxy.
type DirectConnector struct {
	dialer *net.Dialer
}

// NewDirectConnector creates a connector that bypasses all proxies.
func NewDirectConnector() *DirectConnector {
	return &DirectConnector{dialer: &net.Dialer{}}
}

// Connect dials the destination directly. A TLS session is layered on
// top when the destination requires a secure endpoint; in that case the
// completed handshake is the connected confirmation.
func (d *DirectConnector) Connect(ctx context.Context, req *ConnectRequest) (net.Conn, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	addr := req.Address()
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("direct dial to %s: %w", addr, err))
		}
		return nil, NewConnectionError(ErrCodeDialFailed, fmt.Errorf("direct dial to %s: %w", addr, err))
	}

	if !req.Secure {
		return conn, nil
	}

	return upgradeTargetTLS(ctx, conn, req)
}

// upgradeTargetTLS layers the final-hop TLS session over an established
// socket, defaulting the server name to the destination host when not
// overridden. IP literals are never used as server names.
func upgradeTargetTLS(ctx context.Context, conn net.Conn, req *ConnectRequest) (net.Conn, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if req.TLSConfig != nil {
		tlsCfg = req.TLSConfig.Clone()
	}
	if tlsCfg.ServerName == "" && net.ParseIP(req.Host) == nil {
		tlsCfg.ServerName = req.Host
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			logger.Warn("Failed to arm TLS deadline: %v", err)
		}
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing connection: %v", closeErr)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("TLS to %s: %w", req.Address(), err))
		}
		return nil, NewTLSError(ErrCodeTargetTLSFailed, fmt.Errorf("target %s: %w", req.Address(), err))
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		logger.Warn("Failed to clear TLS deadline: %v", err)
	}

	return tlsConn, nil
}
