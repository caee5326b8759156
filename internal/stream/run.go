package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// chunkSize is the read buffer used for the backend event stream.
const chunkSize = 4096

// Outcome describes how a stream ended.
type Outcome struct {
	// Done is set when the [DONE] sentinel was seen.
	Done bool
	// Stopped is set when the inspector ended the stream early.
	Stopped bool
	// ClientGone is set when writing to the client failed or the context
	// was canceled.
	ClientGone bool
	// Err holds a read error from the backend other than io.EOF.
	Err     error
	Chunks  int
	Written int64
}

// Inspector is called with the current normalized snapshot after every
// forwarded chunk. Returning false ends the stream.
type Inspector func(snapshot []byte) bool

// Run copies src to dst chunk by chunk. Each chunk is written and flushed
// before it is fed to r and the snapshot is inspected, so the client always
// sees the backend framing in order.
func Run(ctx context.Context, src io.Reader, dst io.Writer, r *Reassembler, inspect Inspector) Outcome {
	var out Outcome
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			out.ClientGone = true
			return out
		}
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			w, werr := dst.Write(chunk)
			out.Written += int64(w)
			if werr != nil {
				out.ClientGone = true
				return out
			}
			if flusher != nil {
				flusher.Flush()
			}
			out.Chunks++

			done := r.Feed(chunk)
			if inspect != nil && !inspect(r.Snapshot()) {
				out.Stopped = true
				return out
			}
			if done {
				out.Done = true
				return out
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				out.ClientGone = true
			} else if !errors.Is(err, io.EOF) {
				out.Err = err
			}
			return out
		}
	}
}
