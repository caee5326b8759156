package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
	"github.com/usagepanda/usagepanda-proxy/internal/backend"
	"github.com/usagepanda/usagepanda-proxy/internal/config"
	"github.com/usagepanda/usagepanda-proxy/internal/policy"
	"github.com/usagepanda/usagepanda-proxy/internal/stream"
)

// stream relays an SSE reply while the response chain inspects the
// reassembled completion after every chunk.
func (x *exchange) stream(call backend.Call) {
	x.enter(StateStreaming)
	start := x.o.now()
	sr, err := x.o.backend.Stream(x.ctx, call)
	if err != nil {
		x.record.Metadata.Latency = x.o.now().Sub(start).Milliseconds()
		x.logger.Error("LLM API streaming request failed", zap.Error(err))
		x.record.Error = true
		resp := api.ErrorResponse(err)
		x.record.Response = append(json.RawMessage(nil), resp.Body...)
		x.finish(resp)
		return
	}
	defer func() { _ = sr.Body.Close() }()

	h := x.w.Header()
	for k, vv := range sr.Header {
		h[k] = append([]string(nil), vv...)
	}
	for k, v := range x.settings.CORSHeaders {
		h.Set(k, v)
	}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	x.w.WriteHeader(sr.StatusCode)

	ra := stream.NewReassembler(x.logger)
	out := stream.Run(x.ctx, sr.Body, x.w, ra, func(snapshot []byte) bool {
		x.o.chain.RunResponse(x.ctx, x.pipeline, snapshot)
		return !x.record.Error
	})
	x.record.Metadata.Latency = x.o.now().Sub(start).Milliseconds()

	switch {
	case out.ClientGone:
		x.logger.Info("client disconnected; abandoning stream", zap.Int("chunks", out.Chunks))
		x.enter(StateDone)
		return
	case out.Stopped:
		x.logger.Info("stream blocked by policy", zap.Int("chunks", out.Chunks), zap.Int("flags", len(x.record.Flags)))
		v := x.pipeline.Violation()
		x.upload()
		x.writeEvent(v.Body)
		x.enter(StateDone)
		return
	case out.Err != nil:
		x.logger.Warn("LLM stream ended with error", zap.Error(out.Err), zap.Int("chunks", out.Chunks))
	}

	model := ra.Normalized().Model
	if model == "" {
		model = gjson.GetBytes(x.pipeline.Body, "model").String()
	}
	ra.SetUsage(x.o.tokens.Usage(model, promptTexts(x.pipeline.Body), ra.Text()))
	logBodies := config.Resolve(x.r.Header, x.settings, "x-usagepanda-log-response", "POLICY_LOG_RESPONSE").IsTrue()
	x.record.Response = policy.SnapshotResponse(ra.Snapshot(), logBodies)
	x.logger.Debug("stream finished", zap.Bool("done", out.Done), zap.Int("chunks", out.Chunks), zap.Int64("bytes", out.Written))
	x.upload()
	x.enter(StateDone)
}

// writeEvent sends a final SSE event to the client.
func (x *exchange) writeEvent(payload []byte) {
	if _, err := fmt.Fprintf(x.w, "data: %s\n\n", payload); err != nil {
		x.logger.Debug("failed to write stream event", zap.Error(err))
		return
	}
	if f, ok := x.w.(http.Flusher); ok {
		f.Flush()
	}
}

// promptTexts returns the request text counted as prompt tokens: message
// contents for chat, the prompt for completions.
func promptTexts(body []byte) []string {
	var out []string
	if msgs := gjson.GetBytes(body, "messages"); msgs.IsArray() {
		for _, m := range msgs.Array() {
			if c := m.Get("content"); c.Type == gjson.String {
				out = append(out, c.Str)
			}
		}
		return out
	}
	prompt := gjson.GetBytes(body, "prompt")
	if prompt.IsArray() {
		for _, p := range prompt.Array() {
			if p.Type == gjson.String {
				out = append(out, p.Str)
			}
		}
		return out
	}
	if prompt.Type == gjson.String {
		out = append(out, prompt.Str)
	}
	return out
}
