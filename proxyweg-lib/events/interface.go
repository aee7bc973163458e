package events

import (
	"context"
	"time"
)

// Recorder receives observability events emitted while establishing
// proxied connections. Implementations must be safe for concurrent use.
// Recording failures are logged by callers and never fail a connect.
type Recorder interface {
	// TunnelEstablished records a successfully opened CONNECT tunnel.
	TunnelEstablished(ctx context.Context, proxyAddr, target string, statusCode int) error

	// ProxySelected records the directive that produced a working socket.
	ProxySelected(ctx context.Context, directive, target string) error

	// ProxyFailed records a directive whose backend failed to connect.
	ProxyFailed(ctx context.Context, directive, target string, failure error) error

	// ResolverReloaded records a PAC script recompile with its content hash.
	ResolverReloaded(ctx context.Context, source, contentHash string) error

	// Close cleans up resources
	Close() error
}

// Event is a recorded observability event, used by the memory recorder
// and the SQL backends.
type Event struct {
	Kind       string
	Directive  string
	Target     string
	Detail     string
	OccurredAt time.Time
}

// Event kinds
const (
	KindTunnelEstablished = "tunnel_established"
	KindProxySelected     = "proxy_selected"
	KindProxyFailed       = "proxy_failed"
	KindResolverReloaded  = "resolver_reloaded"
)
