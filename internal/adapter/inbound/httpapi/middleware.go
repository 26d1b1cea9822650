package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/ctxkey"
)

// Required execution headers on externally-invoked POST endpoints.
const (
	HeaderExecutionID   = "x-execution-id"
	HeaderParentSpanID  = "x-parent-span-id"
	HeaderCorrelationID = "x-correlation-id"
)

// requireExecutionContext rejects decision calls that lack the
// orchestrator-supplied execution headers and stores them on the request
// context. A missing correlation id is generated.
func requireExecutionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executionID := r.Header.Get(HeaderExecutionID)
		parentSpanID := r.Header.Get(HeaderParentSpanID)
		if executionID == "" || parentSpanID == "" {
			writeError(w, http.StatusBadRequest, CodeExecutionContext,
				"x-execution-id and x-parent-span-id headers are required")
			return
		}

		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		ctx := ctxkey.WithExecutionID(r.Context(), executionID)
		ctx = ctxkey.WithParentSpanID(ctx, parentSpanID)
		ctx = ctxkey.WithCorrelationID(ctx, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdminKey authenticates policy mutation calls against the
// configured argon2id API key hashes. With no hashes configured, only
// loopback callers are accepted.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeyHashes) == 0 {
			if !isLoopback(r.RemoteAddr) {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized,
					"mutation endpoints require an API key")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		key := bearerToken(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing API key")
			return
		}
		for _, hash := range s.apiKeyHashes {
			match, err := argon2id.ComparePasswordAndHash(key, hash)
			if err == nil && match {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid API key")
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
