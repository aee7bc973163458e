package agent

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/codefionn/proxyweg/proxyweg-lib/events"
	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
)

// ConnectRequest describes one connection attempt toward a destination.
// It lives for the duration of a single Connect call.
type ConnectRequest struct {
	// Host and Port identify the destination.
	Host string
	Port uint16

	// Secure is set when the destination itself requires a TLS session
	// on the final hop.
	Secure bool

	// Upgrade marks protocol-upgrade requests (e.g. WebSocket), which
	// must be tunneled even through plain HTTP proxy directives.
	Upgrade bool

	// Header holds static extra headers for the CONNECT request.
	Header http.Header

	// HeaderFunc, when set, produces fresh headers per call and takes
	// precedence over Header entries with the same name.
	HeaderFunc func() http.Header

	// KeepAlive controls the default Proxy-Connection header.
	KeepAlive bool

	// Timeout bounds the whole connect attempt when positive.
	Timeout time.Duration

	// TLSConfig overrides TLS options for the final hop to the
	// destination.
	TLSConfig *tls.Config
}

// Address returns the destination in host:port form, bracket-escaping
// IPv6 literals.
func (r *ConnectRequest) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// validate fails fast before any socket work when the destination is
// unusable.
func (r *ConnectRequest) validate() error {
	if r.Host == "" {
		return NewConnectionError(ErrCodeInvalidTarget, fmt.Errorf("destination host is empty"))
	}
	if r.Port == 0 {
		return NewConnectionError(ErrCodeInvalidTarget, fmt.Errorf("destination port is zero"))
	}
	return nil
}

// Connector is the capability shared by all proxy backends: produce an
// open socket toward the request's destination, or fail.
type Connector interface {
	Connect(ctx context.Context, req *ConnectRequest) (net.Conn, error)
}

// TunnelConfig carries the tunnel connector's options beyond the
// endpoint itself.
type TunnelConfig struct {
	// ALPN protocols offered on a TLS proxy leg. Defaults to http/1.1.
	ALPN []string

	// ProxyTLS overrides TLS options for the proxy leg.
	ProxyTLS *tls.Config

	// Recorder receives tunnel-established events. Defaults to the
	// dummy recorder.
	Recorder events.Recorder
}

// TunnelConnector establishes CONNECT tunnels through a single HTTP(S)
// proxy endpoint.
type TunnelConnector struct {
	endpoint *Endpoint
	alpn     []string
	proxyTLS *tls.Config
	recorder events.Recorder
	dialer   *net.Dialer
}

// NewTunnelConnector creates a connector for the given http or https
// proxy endpoint.
func NewTunnelConnector(endpoint *Endpoint, cfg TunnelConfig) (*TunnelConnector, error) {
	switch endpoint.Scheme {
	case SchemeHTTP, SchemeHTTPS:
	default:
		return nil, NewEndpointError(ErrCodeUnknownScheme,
			fmt.Errorf("tunnel connector requires an http or https endpoint, got %q", endpoint.Scheme))
	}

	alpn := cfg.ALPN
	if len(alpn) == 0 {
		alpn = []string{"http/1.1"}
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.NewDummyRecorder()
	}

	return &TunnelConnector{
		endpoint: endpoint,
		alpn:     alpn,
		proxyTLS: cfg.ProxyTLS,
		recorder: recorder,
		dialer:   &net.Dialer{},
	}, nil
}

// DialProxy opens a raw socket to the proxy endpoint itself, TLS-wrapped
// when the endpoint scheme is secure. The proxy hostname is the default
// TLS server name; IP literals are never used as server names.
func (t *TunnelConnector) DialProxy(ctx context.Context) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.endpoint.Address())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("dial %s: %w", t.endpoint.Address(), err))
		}
		return nil, NewProxyChainError(ErrCodeProxyDialFailed, fmt.Errorf("proxy server %s: %w", t.endpoint.Address(), err))
	}

	if !t.endpoint.IsSecure() {
		return conn, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.proxyTLS != nil {
		tlsCfg = t.proxyTLS.Clone()
	}
	if tlsCfg.ServerName == "" && net.ParseIP(t.endpoint.Host) == nil {
		tlsCfg.ServerName = t.endpoint.Host
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = t.alpn
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("TLS to proxy %s: %w", t.endpoint.Address(), err))
		}
		return nil, NewTLSError(ErrCodeProxyTLSFailed, fmt.Errorf("proxy %s: %w", t.endpoint.Address(), err))
	}

	return tlsConn, nil
}

// Connect issues a CONNECT request for the destination through the
// proxy endpoint. On a 200 response it returns the open tunnel,
// TLS-upgraded when the destination requires it. On any other status the
// proxy socket is destroyed immediately and a replay-only synthetic
// socket carrying the response's excess bytes is returned with a nil
// error, so the calling HTTP layer can surface the proxy's refusal
// without any risk of leaking data to the proxy.
func (t *TunnelConnector) Connect(ctx context.Context, req *ConnectRequest) (net.Conn, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	conn, err := t.DialProxy(ctx)
	if err != nil {
		return nil, err
	}

	// The deadline doubles as the tunnel-establishment timer: any
	// write or read past it fails the attempt and the socket is
	// destroyed below.
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			logger.Warn("Failed to arm connect deadline: %v", err)
		}
	}

	target := req.Address()
	if err := t.writeConnect(conn, target, req); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, err
	}

	resp, err := ReadTunnelResponse(conn)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("awaiting tunnel response from %s", t.endpoint.Address()))
		}
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		logger.Debug("Proxy %s refused CONNECT to %s: %s", t.endpoint.Address(), target, resp.Status)
		// Destroy the real socket before anything else so no pending
		// bytes (credentials included) can ever reach the proxy.
		local, remote := conn.LocalAddr(), conn.RemoteAddr()
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing refused proxy connection: %v", closeErr)
		}
		return newReplayConn(resp.ExcessBytes, local, remote), nil
	}

	// Tunnel is open; disarm the establishment timer.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		logger.Warn("Failed to clear connect deadline: %v", err)
	}

	if err := t.recorder.TunnelEstablished(ctx, t.endpoint.Address(), target, resp.StatusCode); err != nil {
		logger.Error("Failed to record tunnel event: %v", err)
	}

	var tunnel net.Conn = conn
	if len(resp.ExcessBytes) > 0 {
		// Bytes that arrived behind the header belong to the next
		// layer; keep them readable ahead of the socket.
		tunnel = &bufferConn{Conn: conn, buf: resp.ExcessBytes}
	}

	if !req.Secure {
		logger.Debug("CONNECT tunnel established via proxy %s to %s", t.endpoint.Address(), target)
		return tunnel, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if req.TLSConfig != nil {
		tlsCfg = req.TLSConfig.Clone()
	}
	if tlsCfg.ServerName == "" && net.ParseIP(req.Host) == nil {
		tlsCfg.ServerName = req.Host
	}

	tlsConn := tls.Client(tunnel, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("Error closing tunnel connection: %v", closeErr)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("TLS to %s through proxy: %w", target, err))
		}
		return nil, NewTLSError(ErrCodeTargetTLSFailed, fmt.Errorf("target %s: %w", target, err))
	}

	logger.Debug("TLS tunnel established via proxy %s to %s", t.endpoint.Address(), target)
	return tlsConn, nil
}

// writeConnect sends the literal CONNECT request line, the header block
// and the terminating blank line.
func (t *TunnelConnector) writeConnect(conn net.Conn, target string, req *ConnectRequest) error {
	header := make(http.Header, len(req.Header)+4)
	for name, values := range req.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	if req.HeaderFunc != nil {
		for name, values := range req.HeaderFunc() {
			header.Del(name)
			for _, value := range values {
				header.Add(name, value)
			}
		}
	}

	if t.endpoint.Username != nil && t.endpoint.Password != nil {
		auth := *t.endpoint.Username + ":" + *t.endpoint.Password
		header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))
	} else if t.endpoint.Username != nil {
		logger.Warn("Proxy username provided without password for %s", t.endpoint.Address())
	}

	header.Set("Host", target)
	if header.Get("Proxy-Connection") == "" {
		if req.KeepAlive {
			header.Set("Proxy-Connection", "Keep-Alive")
		} else {
			header.Set("Proxy-Connection", "close")
		}
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n", target); err != nil {
		return connectWriteError(t.endpoint.Address(), err)
	}
	if err := header.Write(conn); err != nil {
		return connectWriteError(t.endpoint.Address(), err)
	}
	if _, err := fmt.Fprintf(conn, "\r\n"); err != nil {
		return connectWriteError(t.endpoint.Address(), err)
	}
	return nil
}

func connectWriteError(proxyAddr string, err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return NewConnectionError(ErrCodeConnectionTimeout, fmt.Errorf("writing CONNECT to %s: %w", proxyAddr, err))
	}
	return NewProxyChainError(ErrCodeConnectWriteFailed, fmt.Errorf("sending to proxy %s: %w", proxyAddr, err))
}

// bufferConn keeps already-read bytes ahead of the underlying socket so
// nothing read past the header terminator is lost or duplicated.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}
