// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/autobrr/gamarr/internal/api/handlers"
)

const (
	requestIDHeader = "X-Request-Id"
	apiKeyHeader    = "X-API-Key"
	apiKeyQuery     = "apikey"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID tags every request with an id, reusing an incoming one when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Logger writes one line per request.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := logger.Debug()
				if ww.Status() >= http.StatusInternalServerError {
					ev = logger.Warn()
				}
				ev.Str("requestId", GetRequestID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// keyVerifier checks API keys against the configured value, which is either a
// bcrypt hash or a plain key. Successful bcrypt checks are remembered per hash.
type keyVerifier struct {
	current func() string

	mu       sync.Mutex
	verified map[uint64]string
}

func newKeyVerifier(current func() string) *keyVerifier {
	return &keyVerifier{current: current, verified: make(map[uint64]string)}
}

func (v *keyVerifier) Verify(presented string) bool {
	stored := v.current()
	if stored == "" || presented == "" {
		return false
	}
	if !isBcryptHash(stored) {
		return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
	}

	sum := xxhash.Sum64String(presented)
	v.mu.Lock()
	hash, ok := v.verified[sum]
	v.mu.Unlock()
	if ok && hash == stored {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) != nil {
		return false
	}
	v.mu.Lock()
	if len(v.verified) > 64 {
		clear(v.verified)
	}
	v.verified[sum] = stored
	v.mu.Unlock()
	return true
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// RequireAPIKey rejects requests without a valid key in the X-API-Key header
// or the apikey query parameter.
func RequireAPIKey(v *keyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if key == "" {
				key = r.URL.Query().Get(apiKeyQuery)
			}
			if !v.Verify(key) {
				handlers.RespondError(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
