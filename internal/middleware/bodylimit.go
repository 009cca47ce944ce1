package middleware

import (
	"net/http"
	"strings"
)

// BodyLimit caps non-multipart request bodies at limit bytes. Multipart
// bodies are left alone; the upload stager enforces its own, larger limit.
// Reading past the cap fails with *http.MaxBytesError, which the body
// parsers turn into a 413.
func BodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil &&
				!strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
