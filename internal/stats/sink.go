package stats

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is one serialized record addressed to a tenant.
type Delivery struct {
	TenantKey string
	Payload   []byte
}

// Sink delivers serialized records.
type Sink interface {
	Send(ctx context.Context, d Delivery) error
}

// HTTPSink posts records to {USAGE_PANDA_API}/proxy.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink for the Usage Panda API at baseURL.
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		url:    strings.TrimRight(baseURL, "/") + "/proxy",
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the payload with the tenant key header.
func (s *HTTPSink) Send(ctx context.Context, d Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(d.Payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-usagepanda-key", d.TenantKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stats endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// StreamAdder is the subset of the Redis client used by RedisStreamSink.
type StreamAdder interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends records to a Redis stream for self-hosted collection.
type RedisStreamSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream, trimmed to roughly
// maxLen entries when maxLen > 0.
func NewRedisStreamSink(client StreamAdder, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Send adds the payload to the stream using XADD.
func (s *RedisStreamSink) Send(ctx context.Context, d Delivery) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"tenant_key": d.TenantKey,
			"data":       string(d.Payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish stats to stream %s: %w", s.stream, err)
	}
	return nil
}
