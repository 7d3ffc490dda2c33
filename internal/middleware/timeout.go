package middleware

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pgai-platform/gateway/internal/response"
)

// Timeout returns middleware that derives a deadline from budget for every
// request and responds 408 if the handler hasn't finished when it fires.
// Unlike chi's built-in Timeout (which answers 503 via
// http.ErrHandlerTimeout), spec.md §4.7/§5 require 408 here, and any
// response the handler eventually writes after the deadline is discarded
// rather than raced onto the wire — the handler writes into a buffer that
// is only copied to the real ResponseWriter if it finished in time,
// mirroring the buffering net/http.TimeoutHandler itself uses.
func Timeout(budget time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), budget)
			defer cancel()

			buf := &timeoutWriter{header: make(http.Header), body: &bytes.Buffer{}, status: http.StatusOK}
			done := make(chan struct{})

			go func() {
				defer close(done)
				next.ServeHTTP(buf, r.WithContext(ctx))
			}()

			select {
			case <-done:
				buf.mu.Lock()
				defer buf.mu.Unlock()
				for k, v := range buf.header {
					w.Header()[k] = v
				}
				w.WriteHeader(buf.status)
				w.Write(buf.body.Bytes())
			case <-ctx.Done():
				response.WriteError(w, http.StatusRequestTimeout, "request_timeout", "the request exceeded its time budget")
			}
		})
	}
}

// timeoutWriter buffers a handler's response until Timeout decides whether
// it finished in time.
type timeoutWriter struct {
	mu          sync.Mutex
	header      http.Header
	body        *bytes.Buffer
	status      int
	wroteHeader bool
}

func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.header
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.wroteHeader {
		return
	}
	tw.status = code
	tw.wroteHeader = true
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.status = http.StatusOK
		tw.wroteHeader = true
	}
	return tw.body.Write(b)
}
