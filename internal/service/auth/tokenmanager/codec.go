package tokenmanager

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nkiryanov/textbook/internal/apperrors"
	"github.com/nkiryanov/textbook/internal/models"
)

// JWT claims on the wire
type tokenClaims struct {
	jwt.RegisteredClaims
	Type models.TokenType `json:"typ"`
}

// Codec signs and verifies compact JWT tokens with HMAC
// It checks signature only: expiry and type is up to the caller
type Codec struct {
	alg jwt.SigningMethod
}

func NewCodec(alg string) (Codec, error) {
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return Codec{}, fmt.Errorf("signing method %q is not supported, HMAC only", alg)
	}
	return Codec{alg: method}, nil
}

func (c Codec) Encode(claims models.Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(c.alg, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.ID,
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
		Type: claims.Type,
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("error while signing token. Err: %w", err)
	}
	return signed, nil
}

// Decode token and verify signature
// Return apperrors.ErrInvalidSignature if token signed with other secret
// Return apperrors.ErrMalformedToken for anything else
func (c Codec) Decode(token string, secret []byte) (models.Claims, error) {
	var wire tokenClaims

	_, err := jwt.ParseWithClaims(
		token,
		&wire,
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{c.alg.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return models.Claims{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidSignature, err)
	default:
		return models.Claims{}, fmt.Errorf("%w: %w", apperrors.ErrMalformedToken, err)
	}

	if wire.IssuedAt == nil || wire.ExpiresAt == nil || wire.Subject == "" {
		return models.Claims{}, fmt.Errorf("%w: required claims missing", apperrors.ErrMalformedToken)
	}

	return models.Claims{
		ID:        wire.ID,
		Subject:   wire.Subject,
		Type:      wire.Type,
		IssuedAt:  wire.IssuedAt.UTC(),
		ExpiresAt: wire.ExpiresAt.UTC(),
	}, nil
}

func (c Codec) Alg() string {
	return c.alg.Alg()
}

// Keep second precision only, that is what survives the wire
func truncate(t time.Time) time.Time {
	return t.Truncate(time.Second)
}
