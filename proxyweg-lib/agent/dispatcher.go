package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/codefionn/proxyweg/proxyweg-lib/events"
	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
	"github.com/codefionn/proxyweg/proxyweg-lib/pac"
)

// DispatcherConfig carries the dispatcher's options beyond the resolver
// cache itself.
type DispatcherConfig struct {
	// FallbackDirect guarantees a DIRECT entry at the end of every
	// chain that lacks one.
	FallbackDirect bool

	// Bypass short-circuits matching hosts to a direct connection
	// without consulting the resolver. May be nil.
	Bypass *BypassMatcher

	// Recorder receives per-attempt observability events. Defaults to
	// the dummy recorder.
	Recorder events.Recorder

	// ALPN and ProxyTLS are handed to tunnel connectors created for
	// PROXY/HTTP/HTTPS directives.
	ALPN     []string
	ProxyTLS *tls.Config
}

// backendFactory builds a connector for one concrete directive.
type backendFactory func(d Directive) (Connector, error)

// Dispatcher resolves a proxy chain per connection attempt through a
// cached PAC resolver and tries each directive in order until a backend
// produces a socket.
type Dispatcher struct {
	cache    *pac.Cache
	cfg      DispatcherConfig
	recorder events.Recorder
	direct   *DirectConnector
	backends map[DirectiveType]backendFactory
}

// NewDispatcher creates a dispatcher over the given resolver cache.
func NewDispatcher(cache *pac.Cache, cfg DispatcherConfig) *Dispatcher {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.NewDummyRecorder()
	}

	d := &Dispatcher{
		cache:    cache,
		cfg:      cfg,
		recorder: recorder,
		direct:   NewDirectConnector(),
	}

	// Behavior varies by directive tag, not by subtype: each tag maps
	// to a connector built for the directive's target.
	d.backends = map[DirectiveType]backendFactory{
		DirectiveDirect: func(Directive) (Connector, error) { return d.direct, nil },
		DirectiveProxy:  d.tunnelBackend(SchemeHTTP),
		DirectiveHTTP:   d.tunnelBackend(SchemeHTTP),
		DirectiveHTTPS:  d.tunnelBackend(SchemeHTTPS),
		DirectiveSocks:  d.socksBackend(SchemeSocks5),
		DirectiveSocks5: d.socksBackend(SchemeSocks5),
		DirectiveSocks4: d.socksBackend(SchemeSocks4),
	}

	return d
}

// tunnelBackend builds proxy connectors for PROXY/HTTP/HTTPS directives.
func (d *Dispatcher) tunnelBackend(scheme EndpointScheme) backendFactory {
	return func(directive Directive) (Connector, error) {
		endpoint, err := directiveEndpoint(scheme, directive)
		if err != nil {
			return nil, err
		}
		tunnel, err := NewTunnelConnector(endpoint, TunnelConfig{
			ALPN:     d.cfg.ALPN,
			ProxyTLS: d.cfg.ProxyTLS,
			Recorder: d.recorder,
		})
		if err != nil {
			return nil, err
		}
		return &httpProxyConnector{tunnel: tunnel}, nil
	}
}

// socksBackend builds SOCKS connectors for SOCKS/SOCKS4/SOCKS5
// directives.
func (d *Dispatcher) socksBackend(scheme EndpointScheme) backendFactory {
	return func(directive Directive) (Connector, error) {
		endpoint, err := directiveEndpoint(scheme, directive)
		if err != nil {
			return nil, err
		}
		return NewSOCKSConnector(endpoint)
	}
}

// directiveEndpoint parses a directive's host:port target into an
// endpoint of the given scheme.
func directiveEndpoint(scheme EndpointScheme, directive Directive) (*Endpoint, error) {
	if directive.Address == "" {
		return nil, NewEndpointError(ErrCodeInvalidEndpoint,
			fmt.Errorf("directive %q is missing a target", directive))
	}
	return ParseEndpoint(string(scheme) + "://" + directive.Address)
}

// httpProxyConnector chooses between the CONNECT tunnel and a plain
// socket to the proxy. The tunnel path is taken whenever the target
// needs a secure endpoint or the request is a protocol upgrade; the
// proxy scheme and the tunnel's TLS requirement are independent. Plain
// HTTP requests get a socket to the proxy itself and speak
// absolute-form HTTP on it.
type httpProxyConnector struct {
	tunnel *TunnelConnector
}

func (c *httpProxyConnector) Connect(ctx context.Context, req *ConnectRequest) (net.Conn, error) {
	if req.Secure || req.Upgrade {
		return c.tunnel.Connect(ctx, req)
	}

	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	return c.tunnel.DialProxy(ctx)
}

// canonicalTargetURL builds the URL handed to the resolver: scheme from
// the secure flag, bracket-escaped IPv6 host, explicit port unless it
// is the scheme's default.
func canonicalTargetURL(req *ConnectRequest) string {
	scheme, defaultPort := "http", uint16(80)
	if req.Secure {
		scheme, defaultPort = "https", uint16(443)
	}

	host := req.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	if req.Port == defaultPort {
		return fmt.Sprintf("%s://%s/", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d/", scheme, host, req.Port)
}

// Connect evaluates the cached resolver for the target and attempts the
// resulting directive chain strictly in order, falling back on failure.
// The first backend to produce a socket wins; if every directive fails
// the aggregate error enumerates each attempted directive in order.
func (d *Dispatcher) Connect(ctx context.Context, req *ConnectRequest) (net.Conn, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var chain Chain
	if d.cfg.Bypass.Match(req.Host) {
		logger.Debug("Host %s matches bypass list, connecting directly", req.Host)
		chain = Chain{{Type: DirectiveDirect}}
	} else {
		resolver, err := d.cache.Resolver(ctx)
		if err != nil {
			return nil, NewProxyChainError(ErrCodeResolverLoadFailed, err)
		}

		targetURL := canonicalTargetURL(req)
		result, err := resolver.Resolve(ctx, targetURL)
		if err != nil {
			return nil, NewProxyChainError(ErrCodeResolverEvalFailed, fmt.Errorf("resolving %s: %w", targetURL, err))
		}

		chain = ParseChain(result, d.cfg.FallbackDirect)
		logger.Debug("Resolved %s to chain %v", targetURL, chain)
	}

	target := req.Address()
	attempted := make([]string, 0, len(chain))

	// The chain encodes a preference order; attempts are strictly
	// sequential, never concurrent.
	for _, directive := range chain {
		attempted = append(attempted, directive.String())

		conn, err := d.attempt(ctx, directive, req)
		if err != nil {
			logger.Debug("Directive %q failed for %s: %v", directive, target, err)
			if recErr := d.recorder.ProxyFailed(ctx, directive.String(), target, err); recErr != nil {
				logger.Error("Failed to record proxy failure: %v", recErr)
			}
			continue
		}

		if recErr := d.recorder.ProxySelected(ctx, directive.String(), target); recErr != nil {
			logger.Error("Failed to record proxy selection: %v", recErr)
		}
		logger.Debug("Directive %q selected for %s", directive, target)
		return conn, nil
	}

	return nil, NewProxyChainError(ErrCodeAllProxiesExhausted,
		fmt.Errorf("attempted directives: %s", strings.Join(attempted, "; ")))
}

// attempt runs one directive through its backend.
func (d *Dispatcher) attempt(ctx context.Context, directive Directive, req *ConnectRequest) (net.Conn, error) {
	factory, ok := d.backends[directive.Type]
	if !ok {
		return nil, NewProxyChainError(ErrCodeBackendUnavailable,
			fmt.Errorf("no backend for directive type %q", directive.Type))
	}

	connector, err := factory(directive)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeBackendUnavailable, err)
	}

	conn, err := connector.Connect(ctx, req)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
