package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Username       string
	Email          string
	HashedPassword string

	// Active refresh session, nil if user has no session
	Refresh *RefreshCredential
}

// Hash of the single currently valid refresh token and its absolute expiry
type RefreshCredential struct {
	Hash      string
	ExpiresAt time.Time
}
