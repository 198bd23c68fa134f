// Package probe implements the host asset-loading primitives used by the
// readiness gate: image decode checks, video metadata reads and font
// readiness, all over HTTP.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klazomenai/splash-gate/pkg/gate"
)

// DefaultClientTimeout bounds one HTTP exchange. The gate applies its own,
// usually shorter, per-probe timeout on top.
const DefaultClientTimeout = 10 * time.Second

// StatusError reports an unexpected HTTP status for an asset.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// NewHTTPClient returns a client tuned for many small concurrent fetches
// against the same origin.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// NewProbers wires the HTTP probes into a gate.Probers set. fonts lists the
// font face URLs the page requests; an empty list settles the fonts unit at once.
func NewProbers(client *http.Client, fonts []string) gate.Probers {
	if client == nil {
		client = NewHTTPClient(0)
	}
	p := gate.Probers{
		Image: &ImageProber{Client: client},
		Video: &VideoProber{Client: client},
	}
	if len(fonts) > 0 {
		p.Fonts = &FontSet{Client: client, URLs: fonts}
	}
	return p
}

// get issues a GET and returns the response when its status is 2xx.
func get(ctx context.Context, client *http.Client, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp, nil
}

// drain discards a bounded amount of body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}
