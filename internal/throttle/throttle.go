package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/textbook/internal/apperrors"
)

const (
	defaultMaxAttempts = 5
	defaultWindow      = 15 * time.Minute
	defaultKeyPrefix   = "textbook:login:"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Config struct {
	// Login attempts allowed within window. Successful login restores the budget
	MaxAttempts int

	// Counter lives that long since the first attempt
	Window time.Duration

	// Prefix of the redis keys
	KeyPrefix string
}

// LoginThrottle counts login attempts per username in fixed windows
type LoginThrottle struct {
	redis       redis.UniversalClient
	maxAttempts int
	window      time.Duration
	prefix      string
}

func New(client redis.UniversalClient, cfg Config) *LoginThrottle {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}

	return &LoginThrottle{
		redis:       client,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.Window,
		prefix:      cfg.KeyPrefix,
	}
}

// Take one login attempt from username budget before password is checked
// Counter is incremented atomically, so concurrent guesses can't all slip under the limit.
// Return apperrors.ErrTooManyAttempts when budget is spent
func (t *LoginThrottle) Acquire(ctx context.Context, username string) error {
	key := t.key(username)

	count, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRedisUnavailable, err)
	}

	// Fixed window: ttl is set on the first attempt only
	if count == 1 {
		if err := t.redis.Expire(ctx, key, t.window).Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrRedisUnavailable, err)
		}
	}

	if count > int64(t.maxAttempts) {
		return apperrors.ErrTooManyAttempts
	}
	return nil
}

// Forget attempts, called after successful login
func (t *LoginThrottle) Reset(ctx context.Context, username string) error {
	if err := t.redis.Del(ctx, t.key(username)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRedisUnavailable, err)
	}
	return nil
}

func (t *LoginThrottle) key(username string) string {
	return t.prefix + username
}
