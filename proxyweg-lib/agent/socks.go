package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// SOCKSConnector dials destinations through a SOCKS proxy. SOCKS5 is
// spoken through golang.org/x/net/proxy; SOCKS4 and SOCKS4a, which that
// package does not implement, are delegated to h12.io/socks.
type SOCKSConnector struct {
	endpoint *Endpoint
	dialer   *net.Dialer
}

// NewSOCKSConnector creates a connector for the given socks4, socks4a,
// socks5 or socks5h proxy endpoint.
func NewSOCKSConnector(endpoint *Endpoint) (*SOCKSConnector, error) {
	switch endpoint.Scheme {
	case SchemeSocks4, SchemeSocks4a, SchemeSocks5, SchemeSocks5h:
	default:
		return nil, NewEndpointError(ErrCodeUnknownScheme,
			fmt.Errorf("SOCKS connector requires a socks endpoint, got %q", endpoint.Scheme))
	}
	return &SOCKSConnector{endpoint: endpoint, dialer: &net.Dialer{}}, nil
}

// Connect opens a socket to the destination through the SOCKS proxy,
// layering the final-hop TLS session when the destination requires it.
func (s *SOCKSConnector) Connect(ctx context.Context, req *ConnectRequest) (net.Conn, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var conn net.Conn
	var err error
	switch s.endpoint.Scheme {
	case SchemeSocks5, SchemeSocks5h:
		conn, err = s.dialSocks5(ctx, req.Address())
	default:
		conn, err = s.dialSocks4(ctx, req.Address())
	}
	if err != nil {
		return nil, err
	}

	if !req.Secure {
		return conn, nil
	}
	return upgradeTargetTLS(ctx, conn, req)
}

// dialSocks5 connects through golang.org/x/net/proxy, probing for its
// context-aware dialer before falling back to a plain Dial guarded by
// context cancellation.
func (s *SOCKSConnector) dialSocks5(ctx context.Context, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if s.endpoint.Username != nil {
		auth = &proxy.Auth{User: *s.endpoint.Username}
		if s.endpoint.Password != nil {
			auth.Password = *s.endpoint.Password
		}
	}

	socksDialer, err := proxy.SOCKS5("tcp", s.endpoint.Address(), auth, s.dialer)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKSDialerFailed, fmt.Errorf("proxy %s: %w", s.endpoint.Address(), err))
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		type contextDialer interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		}

		var conn net.Conn
		var err error
		if ctxDialer, ok := socksDialer.(contextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, "tcp", target)
		} else {
			conn, err = socksDialer.Dial("tcp", target)
		}
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, NewProxyChainError(ErrCodeSOCKSConnectFailed,
				fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, s.endpoint.Address(), res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewConnectionError(ErrCodeConnectionTimeout,
				fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, s.endpoint.Address(), ctx.Err()))
		}
		return nil, NewProxyChainError(ErrCodeSOCKSConnectFailed,
			fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, s.endpoint.Address(), ctx.Err()))
	}
}

// dialSocks4 connects through h12.io/socks, which wants the proxy as a
// URI with an embedded handshake timeout.
func (s *SOCKSConnector) dialSocks4(ctx context.Context, target string) (net.Conn, error) {
	uri := fmt.Sprintf("%s://%s", s.endpoint.Scheme, s.endpoint.Address())
	if deadline, ok := ctx.Deadline(); ok {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return nil, NewConnectionError(ErrCodeConnectionTimeout,
				fmt.Errorf("target %s via %s proxy %s: %w", target, s.endpoint.Scheme, s.endpoint.Address(), ctx.Err()))
		}
		uri = fmt.Sprintf("%s?timeout=%s", uri, timeout.Round(time.Millisecond))
	}

	dial := socks.Dial(uri)

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := dial("tcp", target)
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, NewProxyChainError(ErrCodeSOCKSConnectFailed,
				fmt.Errorf("target %s via %s proxy %s: %w", target, s.endpoint.Scheme, s.endpoint.Address(), res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewConnectionError(ErrCodeConnectionTimeout,
				fmt.Errorf("target %s via %s proxy %s: %w", target, s.endpoint.Scheme, s.endpoint.Address(), ctx.Err()))
		}
		return nil, NewProxyChainError(ErrCodeSOCKSConnectFailed,
			fmt.Errorf("target %s via %s proxy %s: %w", target, s.endpoint.Scheme, s.endpoint.Address(), ctx.Err()))
	}
}
