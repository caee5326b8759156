package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options controls a single upload.
type Options struct {
	Method    string // inbound HTTP method; only POST requests are uploaded
	TenantKey string
	LocalMode bool // skip uploads entirely
	Async     bool // queue instead of waiting for the sink
}

// Uploader delivers records to a Sink. Failures are logged and never
// returned: an upload can not change the outcome of a request.
type Uploader struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Delivery
	wg     sync.WaitGroup
}

// NewUploader creates an Uploader and starts its async worker.
func NewUploader(sink Sink, queueSize int, timeout time.Duration, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if timeout <= 0 {
		timeout = 3500 * time.Millisecond
	}
	u := &Uploader{
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan Delivery, queueSize),
	}
	u.wg.Add(1)
	go u.run()
	return u
}

// Upload serializes rec immediately and delivers it per opts.
func (u *Uploader) Upload(ctx context.Context, opts Options, rec *Record) {
	if !strings.EqualFold(opts.Method, http.MethodPost) {
		u.logger.Debug("skipping stats upload for non-POST request",
			zap.String("method", opts.Method), zap.String("endpoint", rec.Endpoint))
		return
	}
	if opts.LocalMode {
		u.logger.Debug("local mode enabled; skipping stats upload", zap.String("endpoint", rec.Endpoint))
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		u.logger.Error("failed to marshal stats record", zap.Error(err))
		return
	}
	d := Delivery{TenantKey: opts.TenantKey, Payload: payload}

	if opts.Async {
		u.enqueue(d)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()
	if err := u.sink.Send(sendCtx, d); err != nil {
		u.logger.Error("error uploading stats; failing open", zap.Error(err))
	}
}

func (u *Uploader) enqueue(d Delivery) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		u.logger.Warn("stats uploader closed; dropping record")
		return
	}
	select {
	case u.queue <- d:
	default:
		u.logger.Warn("stats upload queue full; dropping record", zap.Int("capacity", cap(u.queue)))
	}
}

func (u *Uploader) run() {
	defer u.wg.Done()
	for d := range u.queue {
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		if err := u.sink.Send(ctx, d); err != nil {
			u.logger.Error("error uploading stats asynchronously; failing open", zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting async uploads and waits for queued ones to drain.
func (u *Uploader) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	close(u.queue)
	u.mu.Unlock()
	u.wg.Wait()
}
