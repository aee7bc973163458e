package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startForwardingConnectProxy runs a CONNECT proxy that actually dials
// the requested target and pipes bytes both ways, so real protocols can
// run through the tunnel.
func startForwardingConnectProxy(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(clientConn net.Conn) {
				defer clientConn.Close()
				req, br := readConnectRequest(t, clientConn)

				upstream, err := net.Dial("tcp", req.Host)
				if err != nil {
					_, _ = clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
					return
				}
				defer upstream.Close()

				_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))

				done := make(chan struct{}, 2)
				go func() {
					_, _ = io.Copy(upstream, br)
					done <- struct{}{}
				}()
				go func() {
					_, _ = io.Copy(clientConn, upstream)
					done <- struct{}{}
				}()
				<-done
			}(conn)
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func TestTunnelWebSocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			msgType, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	portNum, err := strconv.Atoi(serverURL.Port())
	require.NoError(t, err)

	proxyAddr := startForwardingConnectProxy(t)
	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{
		Host:    serverURL.Hostname(),
		Port:    uint16(portNum),
		Upgrade: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	wsURL := *serverURL
	wsURL.Scheme = "ws"
	ws, resp, err := websocket.NewClient(conn, &wsURL, nil, 1024, 1024)
	require.NoError(t, err, "websocket handshake through the tunnel failed")
	defer ws.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	message := strings.Repeat("tunnel-frame ", 64)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(message)))

	_, echoed, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, message, string(echoed))
}
