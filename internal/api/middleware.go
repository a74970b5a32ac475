package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/auth"
	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/metrics"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyUser is the context key under which the authenticated
	// *db.User is stored after successful key validation.
	contextKeyUser contextKey = iota
)

// Authenticate validates the bearer API key in the Authorization header and
// stores the resolved user in the request context.
//
// Status mapping is part of the wire contract: an absent Authorization
// header is 403 (no credential offered), while a malformed, unknown or
// revoked key — and a key whose user is inactive — is 401 (credential
// offered, rejected).
func Authenticate(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				errForbidden(w, "Not authenticated")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				errUnauthorized(w, "Invalid authentication credentials")
				return
			}

			user, err := authenticator.Authenticate(r.Context(), parts[1])
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrInvalidKey), errors.Is(err, auth.ErrMissingToken):
					errUnauthorized(w, "Invalid authentication credentials")
				case errors.Is(err, auth.ErrUserInactive):
					errUnauthorized(w, "User not found or inactive")
				default:
					errInternal(w)
				}
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a chi-compatible middleware that logs each request
// with the provided zap logger and records request metrics. Expects
// middleware.RequestID to run earlier in the chain.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(started)
			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
			metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// userFromCtx retrieves the user stored by the Authenticate middleware.
// Returns nil for unauthenticated requests.
func userFromCtx(ctx context.Context) *db.User {
	user, _ := ctx.Value(contextKeyUser).(*db.User)
	return user
}
