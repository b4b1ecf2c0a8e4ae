package hasher

import (
	"fmt"
)

const (
	SchemeBcrypt   = "bcrypt"
	SchemeArgon2id = "argon2id"
)

// Interface to create or compare one-way hashes of user secrets (passwords, refresh tokens)
type Hasher interface {
	// Generate hash from secret
	Hash(secret string) (string, error)

	// Compare known hash and user provided secret
	// Must return error (and never panic) on mismatch or malformed hash
	// Must be protected against timing attacks
	Compare(hashed string, secret string) error
}

// Return hasher for the scheme with production parameters
func New(scheme string) (Hasher, error) {
	switch scheme {
	case SchemeBcrypt, "":
		return Bcrypt{}, nil
	case SchemeArgon2id:
		return Argon2id{}, nil
	default:
		return nil, fmt.Errorf("unknown hash scheme %q", scheme)
	}
}
