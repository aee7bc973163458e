package agent

import (
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// BypassMatcher decides which destination hosts skip proxy resolution
// entirely and connect directly. Patterns are exact hostnames or
// domains that also match their subdomains. Matching runs over an
// Aho-Corasick trie so large bypass lists stay cheap per connection.
type BypassMatcher struct {
	trie       *ahocorasick.Trie
	domainList []string
}

// NewBypassMatcher builds a matcher from hostname/domain patterns.
// Returns nil for an empty list; a nil matcher matches nothing.
func NewBypassMatcher(patterns []string) *BypassMatcher {
	var domains []string
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		p = strings.TrimPrefix(p, "*.")
		p = strings.TrimPrefix(p, ".")
		if p == "" {
			continue
		}
		domains = append(domains, p)
	}
	if len(domains) == 0 {
		return nil
	}

	return &BypassMatcher{
		trie:       ahocorasick.NewTrieBuilder().AddStrings(domains).Build(),
		domainList: domains,
	}
}

// Match returns true if the host equals a bypass pattern or is a
// subdomain of one.
func (m *BypassMatcher) Match(host string) bool {
	if m == nil || m.trie == nil {
		return false
	}

	host = strings.ToLower(host)
	matches := m.trie.MatchString(host)
	for _, match := range matches {
		domain := m.domainList[match.Pattern()]

		if host == domain {
			return true
		}
		// Valid subdomain match: host ends with ".domain"
		if strings.HasSuffix(host, domain) && len(host) > len(domain) && host[len(host)-len(domain)-1] == '.' {
			return true
		}
	}
	return false
}
