package agent

import (
	"strings"

	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
)

// DirectiveType is the leading keyword of one PAC directive token.
type DirectiveType string

// PAC directive types
const (
	DirectiveDirect DirectiveType = "DIRECT"
	DirectiveProxy  DirectiveType = "PROXY"
	DirectiveHTTP   DirectiveType = "HTTP"
	DirectiveHTTPS  DirectiveType = "HTTPS"
	DirectiveSocks  DirectiveType = "SOCKS"
	DirectiveSocks4 DirectiveType = "SOCKS4"
	DirectiveSocks5 DirectiveType = "SOCKS5"
)

// knownDirectives guards chain parsing against junk tokens.
var knownDirectives = map[DirectiveType]struct{}{
	DirectiveDirect: {},
	DirectiveProxy:  {},
	DirectiveHTTP:   {},
	DirectiveHTTPS:  {},
	DirectiveSocks:  {},
	DirectiveSocks4: {},
	DirectiveSocks5: {},
}

// Directive is one `TYPE [host:port]` instruction from a PAC result.
type Directive struct {
	Type    DirectiveType
	Address string
}

// String renders the directive in its PAC form.
func (d Directive) String() string {
	if d.Address == "" {
		return string(d.Type)
	}
	return string(d.Type) + " " + d.Address
}

// Chain is the ordered list of directives from one resolver invocation;
// the first entry is the most preferred.
type Chain []Directive

// ParseChain splits a PAC resolver result on ';' into trimmed directive
// tokens. An empty or blank result normalizes to a single DIRECT. When
// fallbackDirect is set and no token is DIRECT, a DIRECT entry is
// appended so a dead proxy never strands the request.
func ParseChain(result string, fallbackDirect bool) Chain {
	result = strings.TrimSpace(result)
	if result == "" {
		return Chain{{Type: DirectiveDirect}}
	}

	var chain Chain
	hasDirect := false
	for _, token := range strings.Split(result, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		fields := strings.Fields(token)
		directiveType := DirectiveType(strings.ToUpper(fields[0]))
		if _, known := knownDirectives[directiveType]; !known {
			logger.Warn("Skipping unknown PAC directive %q", token)
			continue
		}

		directive := Directive{Type: directiveType}
		if len(fields) > 1 {
			directive.Address = fields[1]
		}
		if directiveType == DirectiveDirect {
			directive.Address = ""
			hasDirect = true
		}
		chain = append(chain, directive)
	}

	if len(chain) == 0 {
		return Chain{{Type: DirectiveDirect}}
	}
	if fallbackDirect && !hasDirect {
		chain = append(chain, Directive{Type: DirectiveDirect})
	}
	return chain
}
