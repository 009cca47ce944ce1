package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/response"
)

// Cookie names shared by the gate and the handlers that set them.
const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
)

// contextKey is unexported so no other package can read or overwrite the
// principal stored under it.
type contextKey string

const userKey contextKey = "user"

// UserLookup is the slice of the user repository the gate needs.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// RequireAuth guards protected routes.
//
// For every request it:
//  1. reads the access token from the accessToken cookie, falling back to
//     an "Authorization: Bearer <token>" header for non-browser clients
//  2. verifies it with the access-token service
//  3. loads the user named by the token's _id
//  4. attaches the sanitized user to the request context
//
// Any failure ends the request with a 401 envelope; the handler never runs.
func RequireAuth(tokens *TokenService, users UserLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractToken(r)
			if raw == "" {
				response.Error(w, logger, apperror.Unauthorized("Unauthorized token"))
				return
			}

			claims, err := tokens.Validate(raw)
			if err != nil {
				logger.Debug("access token rejected", slog.String("error", err.Error()))
				response.Error(w, logger, apperror.Unauthorized("Unauthorized access token"))
				return
			}

			user, err := users.GetByID(r.Context(), claims.UserID)
			if err != nil {
				if !errors.Is(err, apperror.ErrNotFound) {
					logger.Error("loading authenticated user",
						slog.String("user_id", claims.UserID),
						slog.String("error", err.Error()),
					)
				}
				response.Error(w, logger, apperror.Unauthorized("Unauthorized user"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user.Sanitized())))
		})
	}
}

// WithUser returns a context carrying user as the authenticated principal.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the principal attached by RequireAuth.
// The boolean is false on routes without the gate.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok && u != nil
}

func extractToken(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
