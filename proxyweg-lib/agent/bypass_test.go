package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBypassMatcher(t *testing.T) {
	matcher := NewBypassMatcher([]string{
		"localhost",
		"example.com",
		"*.corp.internal",
		".suffix.test",
	})

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"example.com", true},
		{"www.example.com", true},
		{"deep.sub.example.com", true},
		{"EXAMPLE.COM", true},
		{"notexample.com", false},
		{"example.com.evil.net", false},
		{"corp.internal", true},
		{"git.corp.internal", true},
		{"suffix.test", true},
		{"api.suffix.test", true},
		{"other.test", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, matcher.Match(tt.host), "host %q", tt.host)
	}
}

func TestBypassMatcherEmpty(t *testing.T) {
	assert.Nil(t, NewBypassMatcher(nil))
	assert.Nil(t, NewBypassMatcher([]string{"", "  "}))

	// A nil matcher matches nothing instead of panicking.
	var matcher *BypassMatcher
	assert.False(t, matcher.Match("example.com"))
}
