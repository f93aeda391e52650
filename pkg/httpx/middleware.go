package httpx

import (
	"fmt"
	"net/http"

	"perimeter/pkg/structlog"
)

// CorrelationHeader carries the request correlation id in and out.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationIDLen = 64

// CorrelationID accepts a caller supplied X-Correlation-ID or mints one, stores
// it in the request context and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" || len(id) > maxCorrelationIDLen {
			id = structlog.NewCorrelationID()
		}
		w.Header().Set(CorrelationHeader, id)
		ctx := structlog.ContextWithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recover turns a handler panic into a 500 and an error log line.
func Recover(logger *structlog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.WithContext(r.Context()).Error("handler panic", structlog.Fields{
					"path":  r.URL.Path,
					"panic": fmt.Sprint(rec),
				})
				WriteError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
