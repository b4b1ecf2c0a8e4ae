package tokenmanager

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/textbook/internal/models"
)

var (
	ErrTokenExpired   = errors.New("token is expired")
	ErrWrongTokenType = errors.New("wrong token type")
)

const (
	defaultAccessTokenTTL  = 30 * time.Minute
	defaultSigningMethod   = "HS256"
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Signing secrets, one per token type
// So leaked access key can't forge refresh tokens and vice versa
type Keys struct {
	Access  []byte
	Refresh []byte
}

func (k Keys) Validate() error {
	switch {
	case len(k.Access) == 0 || len(k.Refresh) == 0:
		return errors.New("access and refresh secret keys must not be empty")
	case bytes.Equal(k.Access, k.Refresh):
		return errors.New("access and refresh secret keys must differ")
	default:
		return nil
	}
}

func (k Keys) For(typ models.TokenType) []byte {
	if typ == models.TokenTypeRefresh {
		return k.Refresh
	}
	return k.Access
}

// Token manager with sensible default
type Config struct {
	// Secret keys to sign tokens
	// Required to be set
	Keys Keys

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Clock, time.Now if not set
	Now func() time.Time
}

type TokenManager struct {
	codec Codec
	keys  Keys

	// Access and refresh token lifetimes
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

func New(cfg Config) (*TokenManager, error) {
	if err := cfg.Keys.Validate(); err != nil {
		return nil, err
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	codec, err := NewCodec(cfg.Alg)
	if err != nil {
		return nil, err
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &TokenManager{
		codec:      codec,
		keys:       cfg.Keys,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        cfg.Now,
	}, nil
}

// Issue access and refresh tokens for the user
// Nothing is persisted here: storing refresh token hash is caller's job
func (m *TokenManager) IssuePair(user models.User) (models.TokenPair, error) {
	now := truncate(m.now())

	access, err := m.issue(user.Username, models.TokenTypeAccess, now, m.accessTTL)
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh, err := m.issue(user.Username, models.TokenTypeRefresh, now, m.refreshTTL)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{
		Access:    access,
		Refresh:   refresh,
		AccessTTL: m.accessTTL,
	}, nil
}

func (m *TokenManager) issue(subject string, typ models.TokenType, now time.Time, ttl time.Duration) (models.IssuedToken, error) {
	claims := models.Claims{
		ID:        uuid.NewString(), // makes tokens issued within the same second differ
		Subject:   subject,
		Type:      typ,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	value, err := m.codec.Encode(claims, m.keys.For(typ))
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while issuing %s token. Err: %w", typ, err)
	}

	return models.IssuedToken{Value: value, ExpiresAt: claims.ExpiresAt}, nil
}

// Parse access token and make sure it is not expired
// Token is valid till its expiry second inclusive
func (m *TokenManager) ParseAccess(access string) (models.Claims, error) {
	claims, err := m.parse(access, models.TokenTypeAccess)
	if err != nil {
		return claims, err
	}

	if m.now().After(claims.ExpiresAt) {
		return claims, fmt.Errorf("%w: access token expired at %s", ErrTokenExpired, claims.ExpiresAt)
	}

	return claims, nil
}

// Parse refresh token signature and type
// Expiry is checked against stored refresh credential, not here
func (m *TokenManager) ParseRefresh(refresh string) (models.Claims, error) {
	return m.parse(refresh, models.TokenTypeRefresh)
}

func (m *TokenManager) parse(token string, typ models.TokenType) (models.Claims, error) {
	claims, err := m.codec.Decode(token, m.keys.For(typ))
	if err != nil {
		return claims, fmt.Errorf("error parsing %s token. Err: %w", typ, err)
	}

	if claims.Type != typ {
		return claims, fmt.Errorf("%w: expected %s token, got %q", ErrWrongTokenType, typ, claims.Type)
	}

	return claims, nil
}

func (m *TokenManager) AccessTTL() time.Duration {
	return m.accessTTL
}

func (m *TokenManager) RefreshTTL() time.Duration {
	return m.refreshTTL
}
