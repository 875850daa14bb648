package web

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/logging"
)

type ctxKey int

const userIDKey ctxKey = iota

// UserHeader carries the caller's identity. Sessions are handled upstream.
const UserHeader = "X-User-ID"

// requireUser rejects requests without a valid X-User-ID and stores the id
// in the request context.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserHeader))
		id, err := uuid.Parse(raw)
		if raw == "" || err != nil || id == uuid.Nil {
			writeJSONStatus(w, r, http.StatusUnauthorized, ErrorResponse{
				Error:   "missing or invalid user id",
				Message: "missing or invalid user id",
				Action:  "Send the " + UserHeader + " header",
				Code:    "AUTH_MISSING_USER",
			})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, id)
		ctx = logging.ContextWith(ctx, "user_id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID returns the caller set by requireUser.
func userID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(userIDKey).(uuid.UUID)
	return id
}

// WithRequestMetadata adds IP and User-Agent to context for audit logging.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ctx = ledger.ContextWithIPAddress(ctx, clientIP(r))
	ctx = ledger.ContextWithUserAgent(ctx, r.UserAgent())
	return ctx
}

// clientIP is the RemoteAddr host, already rewritten by TrustedRealIP for
// trusted proxies.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
