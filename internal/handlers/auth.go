package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/textbook/internal/apperrors"
	"github.com/nkiryanov/textbook/internal/handlers/render"
	"github.com/nkiryanov/textbook/internal/handlers/userctx"
	"github.com/nkiryanov/textbook/internal/logger"
	"github.com/nkiryanov/textbook/internal/models"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func newTokenResponse(pair models.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.Access.Value,
		RefreshToken: pair.Refresh.Value,
		TokenType:    "bearer",
		ExpiresIn:    int(pair.AccessTTL.Seconds()),
	}
}

func handleRegister(authService authService, l logger.Logger) http.Handler {
	type request struct {
		Username string `json:"username" validate:"required,min=2,max=50,username"`
		Email    string `json:"email" validate:"omitempty,email"`
		Password string `json:"password" validate:"required,min=8,max=128"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := authService.Register(r.Context(), data.Username, data.Email, data.Password)

		switch {
		case err == nil:
			render.JSON(w, newTokenResponse(pair))
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "User already exists", http.StatusConflict)
		default:
			internalError(w, l, "Failed to register user", err)
		}
	})
}

func handleLogin(authService authService, l logger.Logger) http.Handler {
	type request struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := authService.Login(r.Context(), data.Username, data.Password)

		switch {
		case err == nil:
			render.JSON(w, newTokenResponse(pair))
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			w.Header().Set("WWW-Authenticate", "Bearer")
			render.ServiceError(w, "Incorrect username or password", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrTooManyAttempts):
			render.ServiceError(w, "Too many failed login attempts", http.StatusTooManyRequests)
		default:
			internalError(w, l, "Failed to login user", err)
		}
	})
}

func handleRefresh(authService authService, l logger.Logger) http.Handler {
	type request struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := authService.Refresh(r.Context(), data.RefreshToken)

		switch {
		case err == nil:
			render.JSON(w, newTokenResponse(pair))
		case errors.Is(err, apperrors.ErrRefreshExpired):
			render.ServiceError(w, "Refresh token expired", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrInvalidToken):
			l.Debug("Refresh token rejected", "error", err)
			render.ServiceError(w, "Invalid refresh token", http.StatusUnauthorized)
		default:
			internalError(w, l, "Failed to refresh tokens", err)
		}
	})
}

func handleLogout(authService authService, l logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userctx.FromContext(r.Context())
		if !ok {
			render.ServiceError(w, "Internal service error", http.StatusInternalServerError)
			return
		}

		if err := authService.Logout(r.Context(), user.ID); err != nil {
			internalError(w, l, "Failed to logout user", err)
			return
		}

		render.JSON(w, response{Message: "Logged out successfully"})
	})
}

// Render 503 if store is down and 500 otherwise
func internalError(w http.ResponseWriter, l logger.Logger, msg string, err error) {
	l.Error(msg, "error", err)

	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
}
