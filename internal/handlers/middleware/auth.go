package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nkiryanov/textbook/internal/apperrors"
	"github.com/nkiryanov/textbook/internal/handlers/render"
	"github.com/nkiryanov/textbook/internal/handlers/userctx"
	"github.com/nkiryanov/textbook/internal/models"
)

const bearerScheme = "Bearer"

type authenticator interface {
	Authenticate(ctx context.Context, access string) (models.User, error)
}

type warner interface {
	Warn(msg string, args ...any)
}

// Authenticate request by 'Authorization: Bearer <token>' header and put user to request context
func AuthMiddleware(as authenticator, l warner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access, ok := bearerToken(r)
			if !ok {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := as.Authenticate(r.Context(), access)
			if err != nil {
				if errors.Is(err, apperrors.ErrStoreUnavailable) {
					l.Warn("Authentication failed due to store", "error", err)
				}
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := userctx.New(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}
