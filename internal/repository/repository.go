package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/nkiryanov/textbook/internal/models"
)

// Account store
// Every implementation must be safe for concurrent use
type UserRepo interface {
	// Create user
	// If user with username exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, username string, email string, hashedPassword string) (models.User, error)

	// Get user by it's id or username
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)

	// Overwrite user refresh credential whatever it was
	// If user not found must return apperrors.ErrUserNotFound
	SetRefreshCredential(ctx context.Context, userID uuid.UUID, cred models.RefreshCredential) error

	// Replace refresh credential only if the stored hash still equals expectedHash
	// Nil next clears the credential
	// If stored hash differs (or there is no credential) must return apperrors.ErrRefreshCredentialChanged
	SwapRefreshCredential(ctx context.Context, userID uuid.UUID, expectedHash string, next *models.RefreshCredential) error

	// Drop refresh credential. No error if user has no credential or not exists
	ClearRefreshCredential(ctx context.Context, userID uuid.UUID) error
}

type Storage interface {
	User() UserRepo

	// Run fn in transaction: commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}
