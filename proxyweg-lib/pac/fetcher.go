package pac

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// maxScriptSize bounds a fetched PAC script.
const maxScriptSize = 8 << 20

// Script is one fetched PAC script snapshot. The cache owns the current
// snapshot exclusively and replaces it wholesale on each reload; the
// validators (ModTime, ETag) let the next fetch short-circuit.
type Script struct {
	// Source is the location the script was fetched from.
	Source string

	// Body holds the raw script bytes. Empty when NotModified is set.
	Body []byte

	// NotModified is the fetch step's first-class "content unchanged"
	// outcome: the previous snapshot is still current.
	NotModified bool

	// ModTime and ETag are content validators carried to the next fetch.
	ModTime time.Time
	ETag    string
}

// Fetcher retrieves PAC script bytes from one configured source. The
// previous snapshot is passed in so implementations may answer with a
// structural NotModified result instead of re-reading content.
type Fetcher interface {
	Fetch(ctx context.Context, prev *Script) (*Script, error)
}

// NewFetcher creates a fetcher for the given source URI. Supported
// schemes: http, https, file and data. Other sources (e.g. ftp) need an
// externally supplied Fetcher implementation.
func NewFetcher(source string, timeout time.Duration) (Fetcher, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid PAC source %q: %w", source, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &HTTPFetcher{
			URL:    source,
			Client: &http.Client{Timeout: timeout},
		}, nil
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			return nil, fmt.Errorf("file PAC source %q must be local", source)
		}
		return &FileFetcher{Path: path}, nil
	case "data":
		body, err := decodeDataURI(source)
		if err != nil {
			return nil, fmt.Errorf("invalid data PAC source: %w", err)
		}
		return &DataFetcher{Source: source, Body: body}, nil
	default:
		return nil, fmt.Errorf("unsupported PAC source scheme %q", u.Scheme)
	}
}

// HTTPFetcher fetches a PAC script over HTTP(S), using conditional
// requests so an unchanged script answers 304 without a body.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, prev *Script) (*Script, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating PAC request for %s: %w", f.URL, err)
	}
	if prev != nil {
		if !prev.ModTime.IsZero() {
			req.Header.Set("If-Modified-Since", prev.ModTime.UTC().Format(http.TimeFormat))
		}
		if prev.ETag != "" {
			req.Header.Set("If-None-Match", prev.ETag)
		}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching PAC from %s: %w", f.URL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotModified {
		return &Script{Source: f.URL, NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching PAC from %s: unexpected status %s", f.URL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptSize))
	if err != nil {
		return nil, fmt.Errorf("reading PAC body from %s: %w", f.URL, err)
	}

	script := &Script{
		Source: f.URL,
		Body:   body,
		ETag:   resp.Header.Get("Etag"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			script.ModTime = t
		}
	}
	return script, nil
}

// FileFetcher reads a PAC script from the local filesystem, using the
// file's modification time as its validator.
type FileFetcher struct {
	Path string
}

func (f *FileFetcher) Fetch(ctx context.Context, prev *Script) (*Script, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, fmt.Errorf("stat PAC file %s: %w", f.Path, err)
	}

	if prev != nil && !prev.ModTime.IsZero() && info.ModTime().Equal(prev.ModTime) {
		return &Script{Source: f.Path, NotModified: true}, nil
	}

	body, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading PAC file %s: %w", f.Path, err)
	}

	return &Script{
		Source:  f.Path,
		Body:    body,
		ModTime: info.ModTime(),
	}, nil
}

// DataFetcher serves a PAC script embedded in a data: URI. The content
// never changes, so the cache's hash check makes reloads free.
type DataFetcher struct {
	Source string
	Body   []byte
}

func (f *DataFetcher) Fetch(ctx context.Context, prev *Script) (*Script, error) {
	return &Script{Source: f.Source, Body: f.Body}, nil
}

// decodeDataURI extracts the payload of a data: URI, handling the
// base64 form and percent-encoding.
func decodeDataURI(uri string) ([]byte, error) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return nil, fmt.Errorf("missing data: prefix")
	}

	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return nil, fmt.Errorf("missing comma separator")
	}

	if strings.HasSuffix(meta, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return decoded, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid percent-encoded payload: %w", err)
	}
	return []byte(decoded), nil
}
