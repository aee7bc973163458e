package agent

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/proxyweg/proxyweg-lib/events"
)

// startMockConnectProxy starts a proxy that accepts a single connection
// and hands it to the handler. Cleanup closes the listener.
func startMockConnectProxy(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "Failed to listen for mock proxy")

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(conn)
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

// readConnectRequest parses the CONNECT request a client sent on conn.
// The returned reader must be used for any further reads so buffered
// bytes are not lost.
func readConnectRequest(t *testing.T, conn net.Conn) (*http.Request, *bufio.Reader) {
	t.Helper()
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	require.NoError(t, err, "Failed to read CONNECT request")
	require.Equal(t, http.MethodConnect, req.Method)
	return req, br
}

// generateTestCert creates a self-signed certificate for 127.0.0.1.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "proxyweg test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

func tunnelConnectorFor(t *testing.T, uri string, cfg TunnelConfig) *TunnelConnector {
	t.Helper()
	endpoint, err := ParseEndpoint(uri)
	require.NoError(t, err)
	connector, err := NewTunnelConnector(endpoint, cfg)
	require.NoError(t, err)
	return connector
}

func TestTunnelConnectSuccess(t *testing.T) {
	requestDone := make(chan *http.Request, 1)
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		req, br := readConnectRequest(t, conn)
		requestDone <- req

		// Payload deliberately shares a write with the header block so
		// the client must carry it across as buffered bytes.
		_, _ = conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\nearly"))

		// Echo one round from the tunnel.
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(conn, "echo:%s", line)
	})

	recorder := events.NewMemoryRecorder()
	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{Recorder: recorder})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{
		Host:      "dest.example.com",
		Port:      8443,
		KeepAlive: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	req := <-requestDone
	assert.Equal(t, "dest.example.com:8443", req.Host)
	assert.Equal(t, "Keep-Alive", req.Header.Get("Proxy-Connection"))
	assert.Empty(t, req.Header.Get("Proxy-Authorization"))

	early := make([]byte, 5)
	_, err = io.ReadFull(conn, early)
	require.NoError(t, err)
	assert.Equal(t, "early", string(early))

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	reply := make([]byte, len("echo:ping\n"))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "echo:ping\n", string(reply))

	established := recorder.EventsOfKind(events.KindTunnelEstablished)
	require.Len(t, established, 1)
	assert.Equal(t, "dest.example.com:8443", established[0].Target)
}

func TestTunnelConnectProxyAuthorization(t *testing.T) {
	requestDone := make(chan *http.Request, 1)
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		req, _ := readConnectRequest(t, conn)
		requestDone <- req
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	})

	connector := tunnelConnectorFor(t, fmt.Sprintf("http://alice:s3cret@%s", proxyAddr), TunnelConfig{})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{Host: "dest", Port: 443})
	require.NoError(t, err)
	defer conn.Close()

	req := <-requestDone
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	assert.Equal(t, expected, req.Header.Get("Proxy-Authorization"))
}

func TestTunnelConnectCloseHeader(t *testing.T) {
	requestDone := make(chan *http.Request, 1)
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		req, _ := readConnectRequest(t, conn)
		requestDone <- req
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	})

	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{Host: "dest", Port: 443})
	require.NoError(t, err)
	defer conn.Close()

	req := <-requestDone
	assert.Equal(t, "close", req.Header.Get("Proxy-Connection"))
}

func TestTunnelConnectHeaderFuncPrecedence(t *testing.T) {
	requestDone := make(chan *http.Request, 1)
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		req, _ := readConnectRequest(t, conn)
		requestDone <- req
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	})

	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{
		Host: "dest",
		Port: 443,
		Header: http.Header{
			"X-Static":  {"static-value"},
			"X-Session": {"stale"},
		},
		HeaderFunc: func() http.Header {
			return http.Header{"X-Session": {"fresh"}}
		},
	})
	require.NoError(t, err)
	defer conn.Close()

	req := <-requestDone
	assert.Equal(t, "static-value", req.Header.Get("X-Static"))
	assert.Equal(t, []string{"fresh"}, req.Header.Values("X-Session"))
}

// A refused tunnel must yield a replay-only socket with a nil error:
// the refusal body is readable, nothing is writable, and the real proxy
// socket is already gone.
func TestTunnelConnectRefusedReturnsReplaySocket(t *testing.T) {
	body := "<html>authentication required</html>"
	serverSawEOF := make(chan struct{})
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		_, br := readConnectRequest(t, conn)
		_, _ = fmt.Fprintf(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: %d\r\n\r\n%s", len(body), body)

		// The client must have destroyed its side; the next read
		// reports EOF instead of any forwarded bytes.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := br.ReadByte(); err == io.EOF {
			close(serverSawEOF)
		}
	})

	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{Host: "dest", Port: 443})
	require.NoError(t, err, "refused tunnel must not surface as a connect error")
	defer conn.Close()

	_, isReplay := conn.(*replayConn)
	assert.True(t, isReplay, "refused tunnel must produce a replay socket")

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nAuthorization: Basic leak\r\n\r\n"))
	assert.Error(t, err, "nothing may be writable toward the refused proxy")

	select {
	case <-serverSawEOF:
	case <-time.After(3 * time.Second):
		t.Fatal("proxy side of the refused tunnel was not closed")
	}
}

func TestTunnelConnectTimeout(t *testing.T) {
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		// Accept and stay silent; the client's establishment timer must
		// fire.
		defer conn.Close()
		time.Sleep(2 * time.Second)
	})

	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{})

	start := time.Now()
	_, err := connector.Connect(context.Background(), &ConnectRequest{
		Host:    "dest",
		Port:    443,
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsTimeoutError(err), "expected timeout error, got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTunnelConnectMalformedResponse(t *testing.T) {
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		_, _ = readConnectRequest(t, conn)
		_, _ = conn.Write([]byte("SSH-2.0-OpenSSH_9.3\r\n\r\n"))
	})

	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{})

	_, err := connector.Connect(context.Background(), &ConnectRequest{Host: "dest", Port: 443})
	require.Error(t, err)
	assert.True(t, IsResponseError(err))
}

func TestTunnelConnectTargetTLS(t *testing.T) {
	cert := generateTestCert(t)
	proxyAddr := startMockConnectProxy(t, func(conn net.Conn) {
		defer conn.Close()
		_, _ = readConnectRequest(t, conn)
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))

		// Play the destination's TLS server over the open tunnel.
		tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(tlsConn, buf); err != nil {
			return
		}
		_, _ = tlsConn.Write(buf)
	})

	connector := tunnelConnectorFor(t, "http://"+proxyAddr, TunnelConfig{})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{
		Host:      "localhost",
		Port:      443,
		Secure:    true,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	require.NoError(t, err)
	defer conn.Close()

	_, isTLS := conn.(*tls.Conn)
	assert.True(t, isTLS, "secure destination must hand back a TLS session")

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	echo := make([]byte, 5)
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(echo))
}

func TestTunnelConnectSecureProxyLeg(t *testing.T) {
	cert := generateTestCert(t)
	negotiated := make(chan string, 1)
	proxyAddr := startMockConnectProxy(t, func(rawConn net.Conn) {
		defer rawConn.Close()
		tlsConn := tls.Server(rawConn, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		})
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		negotiated <- tlsConn.ConnectionState().NegotiatedProtocol

		_, _ = readConnectRequest(t, tlsConn)
		_, _ = tlsConn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	})

	connector := tunnelConnectorFor(t, "https://"+proxyAddr, TunnelConfig{
		ProxyTLS: &tls.Config{InsecureSkipVerify: true},
	})

	conn, err := connector.Connect(context.Background(), &ConnectRequest{Host: "dest", Port: 443})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "http/1.1", <-negotiated, "proxy leg must offer http/1.1 via ALPN by default")
}

func TestTunnelConnectInvalidTarget(t *testing.T) {
	connector := tunnelConnectorFor(t, "http://proxy.invalid:8080", TunnelConfig{})

	_, err := connector.Connect(context.Background(), &ConnectRequest{Host: "", Port: 443})
	require.Error(t, err)
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, ErrCodeInvalidTarget, agentErr.Code)

	_, err = connector.Connect(context.Background(), &ConnectRequest{Host: "dest", Port: 0})
	require.Error(t, err)
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, ErrCodeInvalidTarget, agentErr.Code)
}

func TestNewTunnelConnectorRejectsSocksEndpoint(t *testing.T) {
	endpoint, err := ParseEndpoint("socks5://proxy:1080")
	require.NoError(t, err)

	_, err = NewTunnelConnector(endpoint, TunnelConfig{})
	require.Error(t, err)
	var agentErr *Error
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, ErrCodeUnknownScheme, agentErr.Code)
}
