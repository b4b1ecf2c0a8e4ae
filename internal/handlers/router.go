package handlers

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/google/uuid"

	"github.com/nkiryanov/textbook/internal/handlers/middleware"
	"github.com/nkiryanov/textbook/internal/logger"
	"github.com/nkiryanov/textbook/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type RouterConfig struct {
	// Per-IP limit of register, login and refresh requests
	AuthRateLimit middleware.RateLimitConfig

	// Proxies allowed to report client address in X-Forwarded-For or X-Real-IP
	// Without them the peer address is the client address
	TrustedProxies []netip.Prefix
}

func NewRouter(
	authService authService,
	cfg RouterConfig,
	logger logger.Logger,
) http.Handler {
	cfg.AuthRateLimit.TrustedProxies = cfg.TrustedProxies

	withAuth := middleware.AuthMiddleware(authService, logger)
	withRateLimit := middleware.RateLimitMiddleware(cfg.AuthRateLimit, logger)

	root := http.NewServeMux()

	root.Handle("POST /auth/register", withRateLimit(handleRegister(authService, logger)))
	root.Handle("POST /auth/login", withRateLimit(handleLogin(authService, logger)))
	root.Handle("POST /auth/refresh", withRateLimit(handleRefresh(authService, logger)))
	root.Handle("POST /auth/logout", withAuth(handleLogout(authService, logger)))

	root.Handle("GET /users/me", withAuth(handleUserMe()))

	handler := chain(root,
		middleware.LoggerMiddleware(logger, cfg.TrustedProxies),
	)

	return handler
}

type authService interface {
	// Register user and start its session
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	Register(ctx context.Context, username string, email string, password string) (models.TokenPair, error)

	// Login user with username and password
	// Has to return apperrors.ErrInvalidCredentials if user not found or password is wrong
	// Has to return apperrors.ErrTooManyAttempts if user is throttled
	Login(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Rotate tokens using refresh token
	// If token expired: has to return apperrors.ErrRefreshExpired
	// Any other token problem: has to return apperrors.ErrInvalidToken
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)

	// Return user access token belongs to or apperrors.ErrUnauthorized
	Authenticate(ctx context.Context, access string) (models.User, error)

	// End user session
	Logout(ctx context.Context, userID uuid.UUID) error
}
