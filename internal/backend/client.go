// Package backend issues calls to the upstream LLM provider.
package backend

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
)

// maxErrorBody bounds how much of a failed streaming reply is buffered.
const maxErrorBody = 1 << 20

// RetryPolicy enables retries of transient failures for the listed methods.
type RetryPolicy struct {
	Limit   int
	Methods []string
}

func (p *RetryPolicy) allows(method string) bool {
	if p == nil || p.Limit <= 0 {
		return false
	}
	for _, m := range p.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Call describes one upstream request.
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Retry  *RetryPolicy
}

// StreamResponse is an open streaming reply. The caller must close Body.
type StreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Option configures a Client.
type Option func(*Client)

// WithBaseBackoff sets the delay before the first retry; later retries double it.
func WithBaseBackoff(d time.Duration) Option {
	return func(c *Client) { c.baseBackoff = d }
}

// WithHTTPClient replaces the client used for non-streaming calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the LLM provider.
type Client struct {
	http        *http.Client
	stream      *http.Client
	baseBackoff time.Duration
	logger      *zap.Logger
}

// NewClient creates a Client. timeout bounds non-streaming calls. For
// streaming calls it bounds only the wait for response headers; the body is
// bounded by the call's context.
func NewClient(timeout time.Duration, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:        &http.Client{Timeout: timeout},
		stream:      &http.Client{Transport: streamTransport(timeout)},
		baseBackoff: 250 * time.Millisecond,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func streamTransport(headerTimeout time.Duration) http.RoundTripper {
	t, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{ResponseHeaderTimeout: headerTimeout}
	}
	t = t.Clone()
	t.ResponseHeaderTimeout = headerTimeout
	return t
}

// Do performs a non-streaming call and returns the decoded reply. Non-2xx
// replies are returned as responses, not errors; their body is replaced with
// {} when it is not JSON. Only transport failures produce a *api.BackendError.
func (c *Client) Do(ctx context.Context, call Call) (*api.Response, error) {
	resp, err := c.send(ctx, c.http, call, "gzip, br")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &api.BackendError{StatusCode: resp.StatusCode, Header: FilterHeaders(resp.Header), Err: err}
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		c.logger.Warn("failed to decode upstream body", zap.String("encoding", resp.Header.Get("Content-Encoding")), zap.Error(err))
		body = raw
	}
	if resp.StatusCode >= 300 && !json.Valid(body) {
		body = []byte("{}")
	}

	return &api.Response{
		StatusCode: resp.StatusCode,
		Header:     FilterHeaders(resp.Header),
		Body:       body,
	}, nil
}

// Stream opens a streaming call. A non-2xx reply is returned as a
// *api.BackendError carrying the upstream status and body.
func (c *Client) Stream(ctx context.Context, call Call) (*StreamResponse, error) {
	resp, err := c.send(ctx, c.stream, call, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if !json.Valid(body) {
			body = nil
		}
		return nil, &api.BackendError{
			StatusCode: resp.StatusCode,
			Header:     FilterHeaders(resp.Header),
			Body:       body,
		}
	}
	return &StreamResponse{
		StatusCode: resp.StatusCode,
		Header:     FilterHeaders(resp.Header),
		Body:       resp.Body,
	}, nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, call Call, acceptEncoding string) (*http.Response, error) {
	attempts := 1
	if call.Retry.allows(call.Method) {
		attempts += call.Retry.Limit
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt-1); err != nil {
				lastErr = err
				break
			}
		}

		var body io.Reader
		if call.Body != nil {
			body = bytes.NewReader(call.Body)
		}
		req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
		if err != nil {
			return nil, &api.BackendError{Err: fmt.Errorf("failed to create request: %w", err)}
		}
		for k, vv := range call.Header {
			req.Header[k] = append([]string(nil), vv...)
		}
		if call.Body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		if acceptEncoding != "" {
			req.Header.Set("Accept-Encoding", acceptEncoding)
		}

		resp, err := hc.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("upstream request failed", zap.String("url", redactURL(call.URL)), zap.Int("attempt", attempt+1), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if attempt < attempts-1 && isRetryableStatus(resp.StatusCode) {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			c.logger.Debug("retrying upstream request", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			continue
		}
		return resp, nil
	}
	return nil, &api.BackendError{Err: lastErr}
}

func (c *Client) wait(ctx context.Context, retry int) error {
	t := time.NewTimer(c.baseBackoff * (1 << retry))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isRetryableStatus reports the statuses retried when a policy is active.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusRequestEntityTooLarge, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func decodeBody(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	default:
		return data, nil
	}
}

// relayedPrefixes are the upstream header name prefixes passed to clients.
var relayedPrefixes = []string{"x-ratelimit", "openai", "azureml"}

// FilterHeaders keeps only rate-limit and provider headers.
func FilterHeaders(h http.Header) http.Header {
	out := make(http.Header)
	for k, vv := range h {
		lk := strings.ToLower(k)
		for _, p := range relayedPrefixes {
			if strings.HasPrefix(lk, p) {
				out[k] = append([]string(nil), vv...)
				break
			}
		}
	}
	return out
}

// redactURL drops the query string, which may carry a provider key.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
