package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// headerTerminator ends an HTTP/1.x header block.
var headerTerminator = []byte("\r\n\r\n")

// readChunkSize is the per-read buffer size while waiting for the
// header terminator.
const readChunkSize = 2048

// TunnelResponse is the parsed result of a proxy's answer to a CONNECT
// request. ExcessBytes holds any bytes that were read past the header
// terminator; they belong to the next protocol layer and are never
// discarded.
type TunnelResponse struct {
	StatusCode  int
	Status      string
	Header      http.Header
	ExcessBytes []byte
}

// ReadTunnelResponse reads from r until a complete header block
// (terminated by \r\n\r\n) has been observed, tolerating the terminator
// arriving split across read boundaries. No further read is issued once
// the terminator is inside the accumulated buffer, so the stream is left
// positioned for the next layer. Bytes past the terminator from the
// final read are returned as ExcessBytes.
func ReadTunnelResponse(r io.Reader) (*TunnelResponse, error) {
	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		// Re-scan from just before the previous end so a split
		// terminator is still found.
		searchFrom := len(buf) - len(headerTerminator) + 1
		if searchFrom < 0 {
			searchFrom = 0
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := bytes.Index(buf[searchFrom:], headerTerminator); idx >= 0 {
				end := searchFrom + idx
				return parseTunnelResponse(buf[:end], buf[end+len(headerTerminator):])
			}
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, NewResponseError(ErrCodeResponseTruncated,
					fmt.Errorf("stream ended after %d bytes without header terminator", len(buf)))
			}
			return nil, err
		}
	}
}

// parseTunnelResponse parses a line-oriented header block into a
// TunnelResponse.
func parseTunnelResponse(header, excess []byte) (*TunnelResponse, error) {
	lines := strings.Split(string(header), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, NewResponseError(ErrCodeResponseMalformed, fmt.Errorf("empty status line"))
	}

	statusLine := lines[0]
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, NewResponseError(ErrCodeResponseMalformed, fmt.Errorf("invalid status line %q", statusLine))
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return nil, NewResponseError(ErrCodeResponseMalformed, fmt.Errorf("invalid status code in %q", statusLine))
	}

	headers := make(http.Header, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return nil, NewResponseError(ErrCodeResponseMalformed, fmt.Errorf("invalid header line %q", line))
		}
		headers.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)), strings.TrimSpace(value))
	}

	// Excess bytes are copied so the response owns them independently of
	// the read buffer.
	var excessCopy []byte
	if len(excess) > 0 {
		excessCopy = append([]byte(nil), excess...)
	}

	return &TunnelResponse{
		StatusCode:  code,
		Status:      statusLine,
		Header:      headers,
		ExcessBytes: excessCopy,
	}, nil
}
