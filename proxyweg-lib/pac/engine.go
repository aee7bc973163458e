package pac

import (
	"context"
	"errors"
)

// Resolver is a compiled PAC resolution function: given a canonical
// target URL it returns the raw directive string (e.g.
// "PROXY a:8080; DIRECT").
type Resolver interface {
	Resolve(ctx context.Context, targetURL string) (string, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, targetURL string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, targetURL string) (string, error) {
	return f(ctx, targetURL)
}

// Engine compiles PAC script text into an invocable Resolver. The
// scripting semantics live entirely behind this boundary; this package
// only caches and invokes the compiled output.
type Engine interface {
	Compile(ctx context.Context, script string) (Resolver, error)
}

// EngineFunc adapts a plain function to the Engine interface.
type EngineFunc func(ctx context.Context, script string) (Resolver, error)

func (f EngineFunc) Compile(ctx context.Context, script string) (Resolver, error) {
	return f(ctx, script)
}

// ErrNotModified may be returned by Fetcher implementations that can
// only signal "content unchanged" as an error-like condition. The cache
// treats it as success whenever a compiled resolver already exists.
var ErrNotModified = errors.New("pac: content not modified")
