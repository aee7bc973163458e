package events

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryRecorder keeps events in memory. Intended for tests and for the
// CLI's one-shot route report.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryRecorder creates an in-memory recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (m *MemoryRecorder) record(kind, directive, target, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		Kind:       kind,
		Directive:  directive,
		Target:     target,
		Detail:     detail,
		OccurredAt: time.Now(),
	})
}

func (m *MemoryRecorder) TunnelEstablished(ctx context.Context, proxyAddr, target string, statusCode int) error {
	m.record(KindTunnelEstablished, proxyAddr, target, strconv.Itoa(statusCode))
	return nil
}

func (m *MemoryRecorder) ProxySelected(ctx context.Context, directive, target string) error {
	m.record(KindProxySelected, directive, target, "")
	return nil
}

func (m *MemoryRecorder) ProxyFailed(ctx context.Context, directive, target string, failure error) error {
	detail := ""
	if failure != nil {
		detail = failure.Error()
	}
	m.record(KindProxyFailed, directive, target, detail)
	return nil
}

func (m *MemoryRecorder) ResolverReloaded(ctx context.Context, source, contentHash string) error {
	m.record(KindResolverReloaded, source, "", contentHash)
	return nil
}

func (m *MemoryRecorder) Close() error {
	return nil
}

// Events returns a copy of all recorded events in order.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfKind returns recorded events filtered by kind, in order.
func (m *MemoryRecorder) EventsOfKind(kind string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
