package hasher

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Bcrypt hasher
// Default one if user not provide it's own
type Bcrypt struct {
	// bcrypt.DefaultCost if zero
	Cost int
}

func (h Bcrypt) Hash(secret string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword(reduce(secret), cost)
	return string(hash), err
}

func (h Bcrypt) Compare(hashed string, secret string) error {
	if hashed == "" {
		return errors.New("empty hash")
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), reduce(secret))
}

// Bcrypt ignores everything after 72 bytes, so secrets are reduced to their sha256 digest first.
// Same secret always gives same digest; secrets sharing long prefix (like JWT) still differ
func reduce(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}
