package agent

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// EndpointScheme identifies the wire protocol spoken to a proxy endpoint.
type EndpointScheme string

// Supported proxy endpoint schemes
const (
	SchemeHTTP    EndpointScheme = "http"
	SchemeHTTPS   EndpointScheme = "https"
	SchemeSocks4  EndpointScheme = "socks4"
	SchemeSocks4a EndpointScheme = "socks4a"
	SchemeSocks5  EndpointScheme = "socks5"
	SchemeSocks5h EndpointScheme = "socks5h"
)

// pacSchemePrefix marks endpoints whose location is a PAC script source
// rather than a proxy server ("pac+http", "pac+file", ...).
const pacSchemePrefix = "pac+"

// pacSources lists the transports a PAC script may be fetched over.
var pacSources = map[string]struct{}{
	"http":  {},
	"https": {},
	"file":  {},
	"ftp":   {},
	"data":  {},
}

// Endpoint is an immutable, parsed proxy endpoint.
type Endpoint struct {
	Scheme   EndpointScheme
	Host     string
	Port     uint16
	Username *string
	Password *string

	// PACSource is the script location for pac+ endpoints, with the
	// pac+ prefix stripped (e.g. "http://wpad/proxy.pac").
	PACSource string
}

// defaultPort returns the conventional port for a proxy scheme.
func defaultPort(scheme EndpointScheme) uint16 {
	switch scheme {
	case SchemeHTTP:
		return 80
	case SchemeHTTPS:
		return 443
	case SchemeSocks4, SchemeSocks4a, SchemeSocks5, SchemeSocks5h:
		return 1080
	default:
		return 0
	}
}

// ParseEndpoint parses a proxy endpoint URI. Supported schemes are http,
// https, socks4, socks4a, socks5, socks5h and pac+{http,https,file,ftp,data}.
// Bracketed IPv6 host literals and userinfo credentials are supported.
func ParseEndpoint(raw string) (*Endpoint, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, NewEndpointError(ErrCodeInvalidEndpoint, fmt.Errorf("empty endpoint URI"))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, NewEndpointError(ErrCodeInvalidEndpoint, err)
	}

	scheme := strings.ToLower(u.Scheme)

	if strings.HasPrefix(scheme, pacSchemePrefix) {
		source := strings.TrimPrefix(scheme, pacSchemePrefix)
		if _, ok := pacSources[source]; !ok {
			return nil, NewEndpointError(ErrCodeUnknownScheme, fmt.Errorf("unsupported PAC source %q", source))
		}
		return &Endpoint{
			Scheme:    EndpointScheme(scheme),
			PACSource: strings.TrimPrefix(raw, pacSchemePrefix),
		}, nil
	}

	switch EndpointScheme(scheme) {
	case SchemeHTTP, SchemeHTTPS, SchemeSocks4, SchemeSocks4a, SchemeSocks5, SchemeSocks5h:
	default:
		return nil, NewEndpointError(ErrCodeUnknownScheme, fmt.Errorf("scheme %q", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return nil, NewEndpointError(ErrCodeInvalidEndpoint, fmt.Errorf("missing host in %q", raw))
	}

	port := defaultPort(EndpointScheme(scheme))
	if p := u.Port(); p != "" {
		parsed, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, NewEndpointError(ErrCodeInvalidEndpoint, fmt.Errorf("invalid port %q: %w", p, err))
		}
		port = uint16(parsed)
	}

	ep := &Endpoint{
		Scheme: EndpointScheme(scheme),
		Host:   host,
		Port:   port,
	}

	if u.User != nil {
		username := u.User.Username()
		ep.Username = &username
		if password, ok := u.User.Password(); ok {
			ep.Password = &password
		}
	}

	return ep, nil
}

// IsPAC reports whether the endpoint designates a PAC script source.
func (e *Endpoint) IsPAC() bool {
	return strings.HasPrefix(string(e.Scheme), pacSchemePrefix)
}

// IsSecure reports whether the proxy leg itself requires TLS.
func (e *Endpoint) IsSecure() bool {
	return e.Scheme == SchemeHTTPS
}

// Address returns the host:port form of the endpoint, bracket-escaping
// IPv6 literals.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// String renders the endpoint for logging, masking any password.
func (e *Endpoint) String() string {
	if e.IsPAC() {
		return string(e.Scheme) + "://" + e.PACSource
	}
	if e.Username != nil {
		return fmt.Sprintf("%s://%s@%s", e.Scheme, *e.Username, e.Address())
	}
	return fmt.Sprintf("%s://%s", e.Scheme, e.Address())
}
