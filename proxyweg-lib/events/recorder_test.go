package events

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorderOrder(t *testing.T) {
	recorder := NewMemoryRecorder()
	ctx := context.Background()

	require.NoError(t, recorder.ProxyFailed(ctx, "SOCKS5 a:1080", "dest:443", fmt.Errorf("refused")))
	require.NoError(t, recorder.ProxyFailed(ctx, "HTTPS b:443", "dest:443", fmt.Errorf("refused")))
	require.NoError(t, recorder.ProxySelected(ctx, "DIRECT", "dest:443"))
	require.NoError(t, recorder.TunnelEstablished(ctx, "proxy:8080", "dest:443", 200))
	require.NoError(t, recorder.ResolverReloaded(ctx, "http://wpad/proxy.pac", "abc123"))

	all := recorder.Events()
	require.Len(t, all, 5)
	assert.Equal(t, KindProxyFailed, all[0].Kind)
	assert.Equal(t, "SOCKS5 a:1080", all[0].Directive)
	assert.Equal(t, "refused", all[0].Detail)
	assert.Equal(t, KindProxySelected, all[2].Kind)

	failed := recorder.EventsOfKind(KindProxyFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "HTTPS b:443", failed[1].Directive)

	established := recorder.EventsOfKind(KindTunnelEstablished)
	require.Len(t, established, 1)
	assert.Equal(t, "200", established[0].Detail)

	require.NoError(t, recorder.Close())
}

func TestSQLiteRecorder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	recorder, err := NewSQLiteRecorder(dbPath)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, recorder.Close())
	}()

	ctx := context.Background()
	require.NoError(t, recorder.TunnelEstablished(ctx, "proxy:8080", "dest:443", 200))
	require.NoError(t, recorder.ProxySelected(ctx, "PROXY proxy:8080", "dest:443"))
	require.NoError(t, recorder.ProxyFailed(ctx, "SOCKS5 dead:1080", "dest:443", fmt.Errorf("connection refused")))
	require.NoError(t, recorder.ProxyFailed(ctx, "HTTPS dead:443", "dest:443", nil))
	require.NoError(t, recorder.ResolverReloaded(ctx, "file:///etc/proxy.pac", "deadbeef"))

	count, err := recorder.CountByKind(ctx, KindProxyFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	count, err = recorder.CountByKind(ctx, KindTunnelEstablished)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	count, err = recorder.CountByKind(ctx, "no_such_kind")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDummyRecorder(t *testing.T) {
	recorder := NewDummyRecorder()
	ctx := context.Background()

	assert.NoError(t, recorder.TunnelEstablished(ctx, "p", "t", 200))
	assert.NoError(t, recorder.ProxySelected(ctx, "DIRECT", "t"))
	assert.NoError(t, recorder.ProxyFailed(ctx, "DIRECT", "t", nil))
	assert.NoError(t, recorder.ResolverReloaded(ctx, "s", "h"))
	assert.NoError(t, recorder.Close())
}

func TestNewRecorderFactory(t *testing.T) {
	recorder, err := NewRecorder(Config{Enabled: false, Backend: "postgres"})
	require.NoError(t, err)
	assert.IsType(t, &DummyRecorder{}, recorder, "disabled config yields a dummy recorder")

	recorder, err = NewRecorder(Config{Enabled: true, Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryRecorder{}, recorder)

	recorder, err = NewRecorder(Config{Enabled: true, Backend: "dummy"})
	require.NoError(t, err)
	assert.IsType(t, &DummyRecorder{}, recorder)

	sqlitePath := filepath.Join(t.TempDir(), "factory.db")
	recorder, err = NewRecorder(Config{Enabled: true, Backend: "sqlite", SQLitePath: sqlitePath})
	require.NoError(t, err)
	assert.IsType(t, &SQLRecorder{}, recorder)
	require.NoError(t, recorder.Close())

	_, err = NewRecorder(Config{Enabled: true, Backend: "postgres"})
	require.Error(t, err, "postgres without a DSN must fail")

	_, err = NewRecorder(Config{Enabled: true, Backend: "cassandra"})
	require.Error(t, err)
}
