// Package middleware provides composable http.HandlerFunc wrappers used by
// the router: security headers, CORS, request IDs, and per-IP rate limiting.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
)

// Middleware wraps an http.HandlerFunc with additional behavior.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Chain composes middlewares so the first argument is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(final http.HandlerFunc) http.HandlerFunc {
		h := final
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}

// RequestID assigns a random hex request ID to responses that do not already
// carry one from the client, for log correlation.
func RequestID() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = newRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next(w, r)
		}
	}
}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
