package pac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/proxyweg/proxyweg-lib/events"
	"github.com/codefionn/proxyweg/proxyweg-lib/logger"
)

// pendingLoad memoizes one in-flight load so concurrent callers share a
// single fetch/compile instead of racing.
type pendingLoad struct {
	done     chan struct{}
	resolver Resolver
	err      error
}

// Cache owns the compiled PAC resolver for one script source. It
// refetches on every Resolver call but recompiles only when the content
// hash of the fetched bytes changes; a "not modified" fetch outcome
// reuses the cached resolver without touching the engine.
type Cache struct {
	fetcher  Fetcher
	engine   Engine
	recorder events.Recorder

	mu       sync.Mutex
	hash     string
	resolver Resolver
	script   *Script
	pending  *pendingLoad
}

// NewCache creates a resolver cache over the given fetcher and engine.
// The recorder may be nil.
func NewCache(fetcher Fetcher, engine Engine, recorder events.Recorder) *Cache {
	if recorder == nil {
		recorder = events.NewDummyRecorder()
	}
	return &Cache{
		fetcher:  fetcher,
		engine:   engine,
		recorder: recorder,
	}
}

// Resolver returns the current compiled resolver, loading or reloading
// the script as needed. Concurrent callers during an in-flight load all
// observe that load's result; no duplicate fetch or compile work is
// ever started.
func (c *Cache) Resolver(ctx context.Context) (Resolver, error) {
	c.mu.Lock()
	if p := c.pending; p != nil {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.resolver, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := &pendingLoad{done: make(chan struct{})}
	c.pending = p
	c.mu.Unlock()

	resolver, err := c.load(ctx)

	p.resolver, p.err = resolver, err
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	close(p.done)

	return resolver, err
}

// load runs one fetch/compile cycle.
func (c *Cache) load(ctx context.Context) (Resolver, error) {
	c.mu.Lock()
	prevScript := c.script
	cached := c.resolver
	cachedHash := c.hash
	c.mu.Unlock()

	script, err := c.fetcher.Fetch(ctx, prevScript)
	if err != nil {
		// Some fetchers can only signal "unchanged" as an error-like
		// condition; with a usable cached resolver that is a success.
		if cached != nil && errors.Is(err, ErrNotModified) {
			logger.Debug("PAC fetch reported not modified, reusing cached resolver")
			return cached, nil
		}
		return nil, fmt.Errorf("fetching PAC script: %w", err)
	}

	if script.NotModified {
		if cached == nil {
			return nil, fmt.Errorf("PAC fetch reported not modified but no resolver is cached")
		}
		logger.Debug("PAC script unchanged at source, reusing cached resolver")
		return cached, nil
	}

	sum := sha256.Sum256(script.Body)
	hash := hex.EncodeToString(sum[:])

	if cached != nil && hash == cachedHash {
		// Same bytes, same compiled function. Only the snapshot with
		// its fresh validators is replaced.
		logger.Debug("PAC content hash unchanged (%.12s), skipping recompile", hash)
		c.mu.Lock()
		c.script = script
		c.mu.Unlock()
		return cached, nil
	}

	resolver, err := c.engine.Compile(ctx, string(script.Body))
	if err != nil {
		return nil, fmt.Errorf("compiling PAC script: %w", err)
	}

	c.mu.Lock()
	c.hash = hash
	c.resolver = resolver
	c.script = script
	c.mu.Unlock()

	logger.Info("Compiled PAC resolver from %s (hash %.12s)", script.Source, hash)
	if recErr := c.recorder.ResolverReloaded(ctx, script.Source, hash); recErr != nil {
		logger.Error("Failed to record resolver reload: %v", recErr)
	}

	return resolver, nil
}

// Hash returns the content hash of the currently cached script, empty
// when nothing is cached yet.
func (c *Cache) Hash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash
}
