// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"go.uber.org/zap"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RequestIDMiddleware stamps every request with an id, reusing one the
// caller supplied via X-Request-ID.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs one line per request at Info before the handler
// runs, with method, path and request id. Failed requests and their
// bridgeerr kind are logged by RecoveryMiddleware, not here.
func LoggingMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID(r.Context())))
			next.ServeHTTP(w, r)
		})
	}
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// RecoveryMiddleware is the single top-level error boundary: any panic, or
// any *bridgeerr.Error returned by a handler via panic(err), is converted to
// {"detail": msg} at the kind's mapped status code. Handlers that want
// structured error responses should call panic(bridgeerr.New(...)) rather
// than writing their own error body.
func RecoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok {
					kind := bridgeerr.KindOf(err)
					log.Warn("request failed", zap.Error(err), zap.String("kind", string(kind)))
					writeError(w, bridgeerr.StatusFor(kind), err.Error())
					return
				}
				log.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
