package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/response"
)

// Recover turns a panic in a handler into a 500 envelope and logs the stack.
// It must sit inside Logger and Metrics so they record the 500.
//
// http.ErrAbortHandler is re-panicked: net/http uses it to abort a response
// on purpose and handles it itself.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				response.Error(w, logger, apperror.Internal("Internal Server Error", fmt.Errorf("panic: %v", rec)))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
