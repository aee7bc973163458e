package agent

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// replayConn states. The conn starts idle until a reader attaches (its
// first Read), replays the captured bytes, then signals end-of-stream.
type replayState int

const (
	replayAwaitingReader replayState = iota
	replayReplaying
	replayDone
	replayClosed
)

// replayConn is a synthetic, write-disabled net.Conn that replays bytes
// captured from a proxy's refusal response. The real proxy socket has
// already been destroyed by the time a replayConn exists, so no byte can
// ever be written toward the proxy through it. The calling HTTP layer
// reads the refusal as ordinary data and surfaces it to the application.
type replayConn struct {
	mu    sync.Mutex
	state replayState
	buf   []byte

	local  net.Addr
	remote net.Addr
}

var _ net.Conn = (*replayConn)(nil)

// errWriteDisabled is returned for every write against a replayConn.
var errWriteDisabled = errors.New("write on replay-only connection")

func newReplayConn(excess []byte, local, remote net.Addr) *replayConn {
	return &replayConn{
		state:  replayAwaitingReader,
		buf:    excess,
		local:  local,
		remote: remote,
	}
}

// Read replays the captured bytes, then reports io.EOF.
func (c *replayConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case replayClosed:
		return 0, net.ErrClosed
	case replayDone:
		return 0, io.EOF
	case replayAwaitingReader:
		c.state = replayReplaying
	}

	if len(c.buf) == 0 {
		c.state = replayDone
		return 0, io.EOF
	}

	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.state = replayDone
	}
	return n, nil
}

// Write always fails; the conn is read-only by construction.
func (c *replayConn) Write(b []byte) (int, error) {
	return 0, &net.OpError{Op: "write", Net: "tcp", Addr: c.remote, Err: errWriteDisabled}
}

func (c *replayConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = replayClosed
	c.buf = nil
	return nil
}

func (c *replayConn) LocalAddr() net.Addr  { return c.local }
func (c *replayConn) RemoteAddr() net.Addr { return c.remote }

// Deadlines are accepted and ignored; all reads complete immediately.
func (c *replayConn) SetDeadline(t time.Time) error      { return nil }
func (c *replayConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *replayConn) SetWriteDeadline(t time.Time) error { return nil }
