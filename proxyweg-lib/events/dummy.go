package events

import "context"

// DummyRecorder discards every event. It is used when observability is
// disabled so callers never need a nil check.
type DummyRecorder struct{}

// NewDummyRecorder creates a no-op recorder
func NewDummyRecorder() *DummyRecorder {
	return &DummyRecorder{}
}

func (d *DummyRecorder) TunnelEstablished(ctx context.Context, proxyAddr, target string, statusCode int) error {
	return nil
}

func (d *DummyRecorder) ProxySelected(ctx context.Context, directive, target string) error {
	return nil
}

func (d *DummyRecorder) ProxyFailed(ctx context.Context, directive, target string, failure error) error {
	return nil
}

func (d *DummyRecorder) ResolverReloaded(ctx context.Context, source, contentHash string) error {
	return nil
}

func (d *DummyRecorder) Close() error {
	return nil
}
