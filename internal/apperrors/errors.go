package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")

	// Stored refresh credential was changed by someone else between read and write
	ErrRefreshCredentialChanged = errors.New("refresh credential changed")

	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrMalformedToken   = errors.New("token is malformed")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrRefreshExpired     = errors.New("refresh token is expired")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrStoreUnavailable   = errors.New("store unavailable")

	ErrTooManyAttempts = errors.New("too many attempts")
)
