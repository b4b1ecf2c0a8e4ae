package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/textbook/internal/apperrors"
	"github.com/nkiryanov/textbook/internal/models"
)

type UserRepo struct {
	DB DBTX
}

const userColumns = `id, created_at, username, email, password_hash, refresh_token_hash, refresh_token_expires_at`

const createUser = `-- name: CreateUser
INSERT INTO users (id, username, email, password_hash)
VALUES ($1, $2, $3, $4)
RETURNING ` + userColumns

func (r *UserRepo) CreateUser(ctx context.Context, username string, email string, hashedPassword string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, createUser, uuid.New(), username, email, hashedPassword)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return user, apperrors.ErrUserAlreadyExists
		}

		return user, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

const getUserByID = `-- name: GetUserByID
SELECT ` + userColumns + ` FROM users
WHERE id = $1
`

func (r *UserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByID, id)
	return collectUser(rows)
}

const getUserByUsername = `-- name: GetUserByUsername
SELECT ` + userColumns + ` FROM users
WHERE username = $1
`

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByUsername, username)
	return collectUser(rows)
}

const setRefreshCredential = `-- name: SetRefreshCredential
UPDATE users
SET refresh_token_hash = $2, refresh_token_expires_at = $3
WHERE id = $1
`

func (r *UserRepo) SetRefreshCredential(ctx context.Context, userID uuid.UUID, cred models.RefreshCredential) error {
	tag, err := r.DB.Exec(ctx, setRefreshCredential, userID, cred.Hash, cred.ExpiresAt)
	switch {
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	case tag.RowsAffected() == 0:
		return apperrors.ErrUserNotFound
	default:
		return nil
	}
}

// Compare-and-swap: the row is updated only if nobody rotated the credential since it was read.
// Row lock taken by UPDATE serializes concurrent swaps for the same user; the loser re-evaluates WHERE and updates nothing
const swapRefreshCredential = `-- name: SwapRefreshCredential
UPDATE users
SET refresh_token_hash = $3, refresh_token_expires_at = $4
WHERE id = $1 AND refresh_token_hash = $2
`

func (r *UserRepo) SwapRefreshCredential(ctx context.Context, userID uuid.UUID, expectedHash string, next *models.RefreshCredential) error {
	var (
		hash      *string
		expiresAt *time.Time
	)
	if next != nil {
		hash, expiresAt = &next.Hash, &next.ExpiresAt
	}

	tag, err := r.DB.Exec(ctx, swapRefreshCredential, userID, expectedHash, hash, expiresAt)
	switch {
	case err != nil:
		return fmt.Errorf("db error: %w", err)
	case tag.RowsAffected() == 0:
		return apperrors.ErrRefreshCredentialChanged
	default:
		return nil
	}
}

const clearRefreshCredential = `-- name: ClearRefreshCredential
UPDATE users
SET refresh_token_hash = NULL, refresh_token_expires_at = NULL
WHERE id = $1
`

func (r *UserRepo) ClearRefreshCredential(ctx context.Context, userID uuid.UUID) error {
	_, err := r.DB.Exec(ctx, clearRefreshCredential, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func collectUser(rows pgx.Rows) (models.User, error) {
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("db error: %w", err)
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var (
		u         models.User
		hash      *string
		expiresAt *time.Time
	)

	err := row.Scan(&u.ID, &u.CreatedAt, &u.Username, &u.Email, &u.HashedPassword, &hash, &expiresAt)
	if err != nil {
		return u, err
	}

	if hash != nil && expiresAt != nil {
		u.Refresh = &models.RefreshCredential{Hash: *hash, ExpiresAt: *expiresAt}
	}

	return u, nil
}
