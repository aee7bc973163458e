// Package agent establishes transport sockets to destination hosts
// through zero or more intermediary proxies, selected statically from a
// fixed proxy URI or dynamically through a PAC script evaluated per
// request.
package agent

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/codefionn/proxyweg/proxyweg-lib/events"
	"github.com/codefionn/proxyweg/proxyweg-lib/pac"
)

// Options configures a proxy agent.
type Options struct {
	// Proxy is the endpoint URI. An empty string means direct
	// connections only.
	Proxy string

	// Engine compiles PAC scripts; required for pac+ endpoints.
	Engine pac.Engine

	// Fetcher overrides the PAC script fetcher derived from the
	// endpoint's source URI.
	Fetcher pac.Fetcher

	// FetchTimeout bounds each PAC fetch. Defaults to 30s.
	FetchTimeout time.Duration

	// Recorder receives observability events. Defaults to the dummy
	// recorder.
	Recorder events.Recorder

	// FallbackDirect appends a DIRECT entry to PAC chains lacking one.
	FallbackDirect bool

	// Bypass lists hosts/domains that always connect directly.
	Bypass []string

	// ALPN protocols offered on TLS proxy legs. Defaults to http/1.1.
	ALPN []string

	// ProxyTLS overrides TLS options for the proxy leg.
	ProxyTLS *tls.Config
}

// New builds a Connector for the configured proxy endpoint: a direct
// connector for an empty URI, a tunnel connector for http/https, a
// SOCKS connector for socks schemes, and a PAC dispatcher for pac+
// sources.
func New(opts Options) (Connector, error) {
	if opts.Proxy == "" {
		return NewDirectConnector(), nil
	}

	endpoint, err := ParseEndpoint(opts.Proxy)
	if err != nil {
		return nil, err
	}

	recorder := opts.Recorder
	if recorder == nil {
		recorder = events.NewDummyRecorder()
	}

	if endpoint.IsPAC() {
		if opts.Engine == nil {
			return nil, NewEndpointError(ErrCodeMissingEngine,
				fmt.Errorf("endpoint %s needs a PAC engine", endpoint))
		}

		fetcher := opts.Fetcher
		if fetcher == nil {
			timeout := opts.FetchTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			fetcher, err = pac.NewFetcher(endpoint.PACSource, timeout)
			if err != nil {
				return nil, NewEndpointError(ErrCodeInvalidEndpoint, err)
			}
		}

		cache := pac.NewCache(fetcher, opts.Engine, recorder)
		return NewDispatcher(cache, DispatcherConfig{
			FallbackDirect: opts.FallbackDirect,
			Bypass:         NewBypassMatcher(opts.Bypass),
			Recorder:       recorder,
			ALPN:           opts.ALPN,
			ProxyTLS:       opts.ProxyTLS,
		}), nil
	}

	switch endpoint.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return NewTunnelConnector(endpoint, TunnelConfig{
			ALPN:     opts.ALPN,
			ProxyTLS: opts.ProxyTLS,
			Recorder: recorder,
		})
	default:
		return NewSOCKSConnector(endpoint)
	}
}
