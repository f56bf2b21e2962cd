// Package middleware carries the HTTP cross-cutting concerns: request id
// propagation, request logging and panic containment. The chain is
// RequestID -> Logging -> Recovery, outermost first.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type ctxKeyRequestID struct{}

// RequestID tags every request with an id, the caller's X-Request-ID when
// present or a fresh UUID otherwise, and echoes it on the response. A transfer
// spans many log lines across the saga and the relay; the id stitches the HTTP
// entry point to them.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}
