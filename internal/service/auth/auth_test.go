package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/textbook/internal/apperrors"
	"github.com/nkiryanov/textbook/internal/models"
	"github.com/nkiryanov/textbook/internal/repository"
	"github.com/nkiryanov/textbook/internal/repository/memory"
	"github.com/nkiryanov/textbook/internal/service/auth/hasher"
	"github.com/nkiryanov/textbook/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/textbook/internal/throttle"
)

var testKeys = tokenmanager.Keys{
	Access:  []byte("test-access-secret"),
	Refresh: []byte("test-refresh-secret"),
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

type countingHasher struct {
	hasher.Hasher
	compared atomic.Int32
}

func (h *countingHasher) Compare(hashed string, secret string) error {
	h.compared.Add(1)
	return h.Hasher.Compare(hashed, secret)
}

type testEnv struct {
	service *AuthService
	storage repository.Storage
	clock   *testClock
}

func newTestEnv(t *testing.T, storage repository.Storage, cfg Config) testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}

	tokens, err := tokenmanager.New(tokenmanager.Config{
		Keys:       testKeys,
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		Now:        clock.Now,
	})
	require.NoError(t, err, "token manager should be created without errors")

	if cfg.Hasher == nil {
		cfg.Hasher = hasher.Bcrypt{Cost: bcrypt.MinCost}
	}
	cfg.Now = clock.Now

	s, err := NewService(cfg, tokens, storage)
	require.NoError(t, err, "auth service couldn't be started")

	return testEnv{service: s, storage: storage, clock: clock}
}

func newMemoryEnv(t *testing.T) testEnv {
	return newTestEnv(t, memory.NewStorage(), Config{})
}

// Storage where every call fails or hangs
type brokenStorage struct {
	err  error
	hang bool
}

func (s brokenStorage) User() repository.UserRepo { return brokenRepo(s) }

func (s brokenStorage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return fn(s)
}

type brokenRepo brokenStorage

// Storage that can't start sessions: everything but SetRefreshCredential works
type sessionlessStorage struct {
	repository.Storage
}

func (s sessionlessStorage) User() repository.UserRepo {
	return sessionlessRepo{s.Storage.User()}
}

func (s sessionlessStorage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return s.Storage.InTx(ctx, func(tx repository.Storage) error {
		return fn(sessionlessStorage{tx})
	})
}

type sessionlessRepo struct {
	repository.UserRepo
}

func (sessionlessRepo) SetRefreshCredential(context.Context, uuid.UUID, models.RefreshCredential) error {
	return errors.New("disk is full")
}

func (r brokenRepo) fail(ctx context.Context) error {
	if r.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.err
}

func (r brokenRepo) CreateUser(ctx context.Context, _, _, _ string) (models.User, error) {
	return models.User{}, r.fail(ctx)
}

func (r brokenRepo) GetUserByID(ctx context.Context, _ uuid.UUID) (models.User, error) {
	return models.User{}, r.fail(ctx)
}

func (r brokenRepo) GetUserByUsername(ctx context.Context, _ string) (models.User, error) {
	return models.User{}, r.fail(ctx)
}

func (r brokenRepo) SetRefreshCredential(ctx context.Context, _ uuid.UUID, _ models.RefreshCredential) error {
	return r.fail(ctx)
}

func (r brokenRepo) SwapRefreshCredential(ctx context.Context, _ uuid.UUID, _ string, _ *models.RefreshCredential) error {
	return r.fail(ctx)
}

func (r brokenRepo) ClearRefreshCredential(ctx context.Context, _ uuid.UUID) error {
	return r.fail(ctx)
}

func Test_Auth(t *testing.T) {
	t.Parallel()

	t.Run("new auth service defaults", func(t *testing.T) {
		tokens, err := tokenmanager.New(tokenmanager.Config{Keys: testKeys})
		require.NoError(t, err)

		s, err := NewService(Config{}, tokens, memory.NewStorage())
		require.NoError(t, err, "auth service should be created without errors")

		require.Equal(t, hasher.Bcrypt{}, s.hasher, "default hasher should be set to bcrypt")
		require.Equal(t, defaultStoreTimeout, s.storeTimeout)
		require.Nil(t, s.throttle)
		require.NotNil(t, s.now)
		require.NotNil(t, s.logger)
	})

	t.Run("new auth service requires dependencies", func(t *testing.T) {
		_, err := NewService(Config{}, nil, memory.NewStorage())

		require.Error(t, err)
	})

	t.Run("Register", func(t *testing.T) {
		t.Run("new user ok", func(t *testing.T) {
			env := newMemoryEnv(t)

			pair, err := env.service.Register(t.Context(), "nkiryanov", "nk@example.com", "pwd")

			require.NoError(t, err)
			require.NotEmpty(t, pair.Access.Value)
			require.NotEmpty(t, pair.Refresh.Value)
			assert.Equal(t, 15*time.Minute, pair.AccessTTL)

			user, err := env.storage.User().GetUserByUsername(t.Context(), "nkiryanov")
			require.NoError(t, err)
			assert.Equal(t, "nk@example.com", user.Email)
			assert.NotEqual(t, "pwd", user.HashedPassword, "password must be hashed")
			require.NotNil(t, user.Refresh, "register starts session")
			assert.Equal(t, pair.Refresh.ExpiresAt, user.Refresh.ExpiresAt)
		})

		t.Run("user exists", func(t *testing.T) {
			env := newMemoryEnv(t)
			_, err := env.service.Register(t.Context(), "nkiryanov", "", "pwd")
			require.NoError(t, err)

			_, err = env.service.Register(t.Context(), "nkiryanov", "", "other-pwd")

			require.ErrorIs(t, err, apperrors.ErrUserAlreadyExists)
		})

		t.Run("user not kept if session not started", func(t *testing.T) {
			storage := memory.NewStorage()
			env := newTestEnv(t, sessionlessStorage{storage}, Config{})

			_, err := env.service.Register(t.Context(), "nkiryanov", "", "pwd")
			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

			_, err = storage.User().GetUserByUsername(t.Context(), "nkiryanov")
			require.ErrorIs(t, err, apperrors.ErrUserNotFound, "registration must be rolled back")
		})
	})

	t.Run("Login", func(t *testing.T) {
		t.Run("ok", func(t *testing.T) {
			env := newMemoryEnv(t)
			_, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			pair, err := env.service.Login(t.Context(), "alice", "correct-horse")
			require.NoError(t, err)

			user, err := env.service.Authenticate(t.Context(), pair.Access.Value)
			require.NoError(t, err)
			assert.Equal(t, "alice", user.Username)
		})

		t.Run("wrong password and unknown user look the same", func(t *testing.T) {
			env := newMemoryEnv(t)
			_, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			_, errWrongPassword := env.service.Login(t.Context(), "alice", "wrong")
			_, errUnknownUser := env.service.Login(t.Context(), "bob", "correct-horse")

			require.ErrorIs(t, errWrongPassword, apperrors.ErrInvalidCredentials)
			require.ErrorIs(t, errUnknownUser, apperrors.ErrInvalidCredentials)
			require.Equal(t, errWrongPassword.Error(), errUnknownUser.Error())
		})

		t.Run("login supersedes previous session", func(t *testing.T) {
			env := newMemoryEnv(t)
			first, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			second, err := env.service.Login(t.Context(), "alice", "correct-horse")
			require.NoError(t, err)

			_, err = env.service.Refresh(t.Context(), first.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrInvalidToken, "older session refresh token must stop working")

			_, err = env.service.Refresh(t.Context(), second.Refresh.Value)
			require.NoError(t, err)
		})

		t.Run("throttled after many failures", func(t *testing.T) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			env := newTestEnv(t, memory.NewStorage(), Config{
				Throttle: throttle.New(client, throttle.Config{MaxAttempts: 2}),
			})
			_, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			for range 2 {
				_, err := env.service.Login(t.Context(), "alice", "wrong")
				require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
			}

			_, err = env.service.Login(t.Context(), "alice", "correct-horse")
			require.ErrorIs(t, err, apperrors.ErrTooManyAttempts, "even correct password is refused")
		})

		t.Run("successful login resets throttle", func(t *testing.T) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			env := newTestEnv(t, memory.NewStorage(), Config{
				Throttle: throttle.New(client, throttle.Config{MaxAttempts: 2}),
			})
			_, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			_, err = env.service.Login(t.Context(), "alice", "wrong")
			require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
			_, err = env.service.Login(t.Context(), "alice", "correct-horse")
			require.NoError(t, err)
			_, err = env.service.Login(t.Context(), "alice", "wrong")
			require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

			_, err = env.service.Login(t.Context(), "alice", "correct-horse")
			require.NoError(t, err)
		})

		t.Run("throttle down does not block login", func(t *testing.T) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
			t.Cleanup(func() { _ = client.Close() })

			env := newTestEnv(t, memory.NewStorage(), Config{
				Throttle: throttle.New(client, throttle.Config{MaxAttempts: 1}),
			})
			_, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)
			mr.Close()

			_, err = env.service.Login(t.Context(), "alice", "correct-horse")

			require.NoError(t, err)
		})

		t.Run("parallel guesses limited by throttle", func(t *testing.T) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			h := &countingHasher{Hasher: hasher.Bcrypt{Cost: bcrypt.MinCost}}
			env := newTestEnv(t, memory.NewStorage(), Config{
				Hasher:   h,
				Throttle: throttle.New(client, throttle.Config{MaxAttempts: 5}),
			})
			_, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := env.service.Login(t.Context(), "alice", "wrong-guess")
					if !errors.Is(err, apperrors.ErrTooManyAttempts) {
						assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
					}
				}()
			}
			wg.Wait()

			require.Equal(t, int32(5), h.compared.Load(), "only budgeted attempts may reach password check")
		})
	})

	t.Run("Refresh", func(t *testing.T) {
		t.Run("rotate ok", func(t *testing.T) {
			env := newMemoryEnv(t)
			first, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			second, err := env.service.Refresh(t.Context(), first.Refresh.Value)
			require.NoError(t, err)

			assert.NotEqual(t, first.Refresh.Value, second.Refresh.Value)
			assert.NotEqual(t, first.Access.Value, second.Access.Value)

			_, err = env.service.Refresh(t.Context(), first.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrInvalidToken, "rotated token must not work again")

			_, err = env.service.Refresh(t.Context(), second.Refresh.Value)
			require.NoError(t, err, "replay attempt must not kill the current session")
		})

		t.Run("new expiry moves forward", func(t *testing.T) {
			env := newMemoryEnv(t)
			first, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			env.clock.Advance(time.Hour)
			second, err := env.service.Refresh(t.Context(), first.Refresh.Value)
			require.NoError(t, err)

			assert.Equal(t, first.Refresh.ExpiresAt.Add(time.Hour), second.Refresh.ExpiresAt)
		})

		t.Run("invalid tokens", func(t *testing.T) {
			env := newMemoryEnv(t)
			pair, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			otherKeys, err := tokenmanager.New(tokenmanager.Config{Keys: tokenmanager.Keys{
				Access:  []byte("other-access"),
				Refresh: []byte("other-refresh"),
			}})
			require.NoError(t, err)
			forged, err := otherKeys.IssuePair(models.User{Username: "alice"})
			require.NoError(t, err)

			tests := []struct {
				name  string
				token string
			}{
				{name: "garbage", token: "invalid token"},
				{name: "empty", token: ""},
				{name: "access token", token: pair.Access.Value},
				{name: "signed with other key", token: forged.Refresh.Value},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					_, err := env.service.Refresh(t.Context(), tt.token)

					require.ErrorIs(t, err, apperrors.ErrInvalidToken)
				})
			}
		})

		t.Run("unknown subject", func(t *testing.T) {
			env := newMemoryEnv(t)
			pair, err := env.service.tokens.IssuePair(models.User{Username: "ghost"})
			require.NoError(t, err)

			_, err = env.service.Refresh(t.Context(), pair.Refresh.Value)

			require.ErrorIs(t, err, apperrors.ErrInvalidToken)
		})

		t.Run("valid till expiry second inclusive", func(t *testing.T) {
			env := newMemoryEnv(t)
			pair, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			env.clock.Set(pair.Refresh.ExpiresAt)
			_, err = env.service.Refresh(t.Context(), pair.Refresh.Value)

			require.NoError(t, err)
		})

		t.Run("expired", func(t *testing.T) {
			env := newMemoryEnv(t)
			pair, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			env.clock.Set(pair.Refresh.ExpiresAt.Add(time.Second))
			_, err = env.service.Refresh(t.Context(), pair.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrRefreshExpired)

			user, err := env.storage.User().GetUserByUsername(t.Context(), "alice")
			require.NoError(t, err)
			require.Nil(t, user.Refresh, "expired session has to be cleared")

			_, err = env.service.Refresh(t.Context(), pair.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrInvalidToken, "no session anymore")
		})

		t.Run("concurrent refresh only one wins", func(t *testing.T) {
			env := newMemoryEnv(t)
			pair, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			const attempts = 2
			errs := make([]error, attempts)
			var wg sync.WaitGroup
			for i := range attempts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = env.service.Refresh(context.Background(), pair.Refresh.Value)
				}()
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				require.ErrorIs(t, err, apperrors.ErrInvalidToken)
			}
			require.Equal(t, 1, succeeded, "exactly one refresh has to win")
		})
	})

	t.Run("Authenticate", func(t *testing.T) {
		t.Run("ok till expiry inclusive", func(t *testing.T) {
			env := newMemoryEnv(t)
			pair, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)

			env.clock.Set(pair.Access.ExpiresAt)
			user, err := env.service.Authenticate(t.Context(), pair.Access.Value)
			require.NoError(t, err)
			assert.Equal(t, "alice", user.Username)

			env.clock.Advance(time.Second)
			_, err = env.service.Authenticate(t.Context(), pair.Access.Value)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})

		t.Run("unauthorized", func(t *testing.T) {
			env := newMemoryEnv(t)
			pair, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
			require.NoError(t, err)
			ghost, err := env.service.tokens.IssuePair(models.User{Username: "ghost"})
			require.NoError(t, err)

			tests := []struct {
				name  string
				token string
			}{
				{name: "garbage", token: "invalid token"},
				{name: "empty", token: ""},
				{name: "refresh token", token: pair.Refresh.Value},
				{name: "unknown user", token: ghost.Access.Value},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					_, err := env.service.Authenticate(t.Context(), tt.token)

					require.ErrorIs(t, err, apperrors.ErrUnauthorized)
					require.NotErrorIs(t, err, apperrors.ErrStoreUnavailable)
				})
			}
		})
	})

	t.Run("Logout", func(t *testing.T) {
		env := newMemoryEnv(t)
		pair, err := env.service.Register(t.Context(), "alice", "", "correct-horse")
		require.NoError(t, err)
		user, err := env.service.Authenticate(t.Context(), pair.Access.Value)
		require.NoError(t, err)

		require.NoError(t, env.service.Logout(t.Context(), user.ID))
		require.NoError(t, env.service.Logout(t.Context(), user.ID), "logout has to be idempotent")

		_, err = env.service.Refresh(t.Context(), pair.Refresh.Value)
		require.ErrorIs(t, err, apperrors.ErrInvalidToken)

		_, err = env.service.Authenticate(t.Context(), pair.Access.Value)
		require.NoError(t, err, "access token lives till its expiry")
	})

	t.Run("store unavailable", func(t *testing.T) {
		t.Run("failing store", func(t *testing.T) {
			storeErr := errors.New("connection refused")
			env := newTestEnv(t, brokenStorage{err: storeErr}, Config{})
			pair, err := env.service.tokens.IssuePair(models.User{Username: "alice"})
			require.NoError(t, err)

			_, err = env.service.Register(t.Context(), "alice", "", "pwd")
			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
			require.ErrorIs(t, err, storeErr)

			_, err = env.service.Login(t.Context(), "alice", "pwd")
			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
			require.NotErrorIs(t, err, apperrors.ErrInvalidCredentials)

			_, err = env.service.Refresh(t.Context(), pair.Refresh.Value)
			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
			require.NotErrorIs(t, err, apperrors.ErrInvalidToken)

			_, err = env.service.Authenticate(t.Context(), pair.Access.Value)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

			err = env.service.Logout(t.Context(), uuid.New())
			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
		})

		t.Run("hanging store times out", func(t *testing.T) {
			env := newTestEnv(t, brokenStorage{hang: true}, Config{StoreTimeout: 50 * time.Millisecond})

			start := time.Now()
			_, err := env.service.Login(t.Context(), "alice", "pwd")

			require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
			require.ErrorIs(t, err, context.DeadlineExceeded)
			require.Less(t, time.Since(start), 5*time.Second)
		})
	})

	t.Run("full session lifecycle", func(t *testing.T) {
		env := newMemoryEnv(t)
		_, err := env.service.Register(t.Context(), "alice", "alice@example.com", "correct-horse")
		require.NoError(t, err)

		p1, err := env.service.Login(t.Context(), "alice", "correct-horse")
		require.NoError(t, err)

		user, err := env.service.Authenticate(t.Context(), p1.Access.Value)
		require.NoError(t, err)
		require.Equal(t, "alice", user.Username)

		env.clock.Advance(time.Minute)
		p2, err := env.service.Refresh(t.Context(), p1.Refresh.Value)
		require.NoError(t, err)

		_, err = env.service.Refresh(t.Context(), p1.Refresh.Value)
		require.ErrorIs(t, err, apperrors.ErrInvalidToken)

		_, err = env.service.Authenticate(t.Context(), p2.Access.Value)
		require.NoError(t, err)

		env.clock.Set(p2.Refresh.ExpiresAt.Add(time.Second))
		_, err = env.service.Refresh(t.Context(), p2.Refresh.Value)
		require.ErrorIs(t, err, apperrors.ErrRefreshExpired)

		_, err = env.service.Authenticate(t.Context(), p2.Access.Value)
		require.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})
}
