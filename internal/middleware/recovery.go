package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/clearledger/transferer/internal/handler"
	"github.com/clearledger/transferer/internal/logging"
)

// Recovery turns a handler panic into a 500 response instead of a dead
// connection. The event bus contains panics in saga handlers on its own; this
// covers the HTTP path only.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logging.FromContext(r.Context()).Error("handler panicked",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			handler.RespondAppError(w, handler.ErrInternalError, nil)
		}()
		next.ServeHTTP(w, r)
	})
}
