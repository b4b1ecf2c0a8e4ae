package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/textbook/internal/apperrors"
	"github.com/nkiryanov/textbook/internal/logger"
	"github.com/nkiryanov/textbook/internal/models"
	"github.com/nkiryanov/textbook/internal/repository"
	"github.com/nkiryanov/textbook/internal/service/auth/hasher"
	"github.com/nkiryanov/textbook/internal/service/auth/tokenmanager"
)

const defaultStoreTimeout = 3 * time.Second

// Login attempts throttle
type Throttle interface {
	// Take attempt from username budget before password is checked
	// Has to return apperrors.ErrTooManyAttempts if the budget is spent
	Acquire(ctx context.Context, username string) error

	// Restore budget after successful login
	Reset(ctx context.Context, username string) error
}

type Config struct {
	// Hasher for passwords and refresh tokens
	// Bcrypt if not set
	Hasher hasher.Hasher

	// Every account store call is bounded by this timeout
	StoreTimeout time.Duration

	// Optional login attempts throttle
	Throttle Throttle

	// Clock, time.Now if not set
	Now func() time.Time

	Logger logger.Logger
}

type AuthService struct {
	tokens  *tokenmanager.TokenManager
	storage repository.Storage

	hasher       hasher.Hasher
	storeTimeout time.Duration
	throttle     Throttle
	now          func() time.Time
	logger       logger.Logger

	// Hash compared against when user is unknown, so both paths cost the same
	dummyOnce sync.Once
	dummyHash string
}

func NewService(cfg Config, tokens *tokenmanager.TokenManager, storage repository.Storage) (*AuthService, error) {
	if tokens == nil || storage == nil {
		return nil, errors.New("token manager and storage must not be nil")
	}

	if cfg.Hasher == nil {
		cfg.Hasher = hasher.Bcrypt{}
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &AuthService{
		tokens:       tokens,
		storage:      storage,
		hasher:       cfg.Hasher,
		storeTimeout: cfg.StoreTimeout,
		throttle:     cfg.Throttle,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Register new user and start its session
// Return apperrors.ErrUserAlreadyExists if username is taken
func (s *AuthService) Register(ctx context.Context, username string, email string, password string) (models.TokenPair, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("can't use this as password. Err: %w", err)
	}

	var pair models.TokenPair

	err = s.withStore(ctx, func(ctx context.Context) error {
		return s.storage.InTx(ctx, func(st repository.Storage) error {
			user, err := st.User().CreateUser(ctx, username, email, hash)
			if err != nil {
				return err
			}

			pair, err = s.startSession(ctx, st, user)
			return err
		})
	})

	switch {
	case err == nil:
		return pair, nil
	case errors.Is(err, apperrors.ErrUserAlreadyExists):
		return models.TokenPair{}, err
	default:
		return models.TokenPair{}, storeError(err)
	}
}

// Login with username and password
// Unknown user and wrong password are indistinguishable: both are apperrors.ErrInvalidCredentials
// Successful login replaces any session the user had
func (s *AuthService) Login(ctx context.Context, username string, password string) (models.TokenPair, error) {
	if err := s.acquireAttempt(ctx, username); err != nil {
		return models.TokenPair{}, err
	}

	var user models.User
	err := s.withStore(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.storage.User().GetUserByUsername(ctx, username)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrUserNotFound):
		_ = s.hasher.Compare(s.dummy(), password)
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	default:
		return models.TokenPair{}, storeError(err)
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	}
	s.resetThrottle(ctx, username)

	var pair models.TokenPair
	err = s.withStore(ctx, func(ctx context.Context) error {
		var err error
		pair, err = s.startSession(ctx, s.storage, user)
		return err
	})
	if err != nil {
		return models.TokenPair{}, storeError(err)
	}

	return pair, nil
}

// Exchange refresh token for a new pair
// Presented token stops working the moment the new pair is stored
func (s *AuthService) Refresh(ctx context.Context, refresh string) (models.TokenPair, error) {
	claims, err := s.tokens.ParseRefresh(refresh)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	var user models.User
	err = s.withStore(ctx, func(ctx context.Context) error {
		user, err = s.storage.User().GetUserByUsername(ctx, claims.Subject)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.TokenPair{}, apperrors.ErrInvalidToken
	default:
		return models.TokenPair{}, storeError(err)
	}

	current := user.Refresh
	if current == nil {
		return models.TokenPair{}, fmt.Errorf("%w: user has no active session", apperrors.ErrInvalidToken)
	}

	// Replayed (already rotated) tokens end here. Session stays as is
	if err := s.hasher.Compare(current.Hash, refresh); err != nil {
		return models.TokenPair{}, fmt.Errorf("%w: refresh token is not current", apperrors.ErrInvalidToken)
	}

	if s.now().After(current.ExpiresAt) {
		err := s.withStore(ctx, func(ctx context.Context) error {
			return s.storage.User().SwapRefreshCredential(ctx, user.ID, current.Hash, nil)
		})
		if err != nil && !errors.Is(err, apperrors.ErrRefreshCredentialChanged) {
			s.logger.Warn("Failed to clear expired refresh credential", "user_id", user.ID, "error", err)
		}
		return models.TokenPair{}, apperrors.ErrRefreshExpired
	}

	pair, next, err := s.issue(user)
	if err != nil {
		return models.TokenPair{}, err
	}

	err = s.withStore(ctx, func(ctx context.Context) error {
		return s.storage.User().SwapRefreshCredential(ctx, user.ID, current.Hash, &next)
	})
	switch {
	case err == nil:
		return pair, nil
	case errors.Is(err, apperrors.ErrRefreshCredentialChanged):
		// Someone rotated or replaced the session first
		return models.TokenPair{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	default:
		return models.TokenPair{}, storeError(err)
	}
}

// Authenticate request by access token and return its user
// Every failure is apperrors.ErrUnauthorized; store failures additionally wrap apperrors.ErrStoreUnavailable
func (s *AuthService) Authenticate(ctx context.Context, access string) (models.User, error) {
	claims, err := s.tokens.ParseAccess(access)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	}

	var user models.User
	err = s.withStore(ctx, func(ctx context.Context) error {
		user, err = s.storage.User().GetUserByUsername(ctx, claims.Subject)
		return err
	})
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, apperrors.ErrUserNotFound):
		return models.User{}, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	default:
		return models.User{}, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, storeError(err))
	}
}

// End user session. Safe to call many times
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID) error {
	err := s.withStore(ctx, func(ctx context.Context) error {
		return s.storage.User().ClearRefreshCredential(ctx, userID)
	})
	if err != nil {
		return storeError(err)
	}
	return nil
}

// Issue pair and overwrite stored refresh credential
func (s *AuthService) startSession(ctx context.Context, st repository.Storage, user models.User) (models.TokenPair, error) {
	pair, cred, err := s.issue(user)
	if err != nil {
		return models.TokenPair{}, err
	}

	if err := st.User().SetRefreshCredential(ctx, user.ID, cred); err != nil {
		return models.TokenPair{}, err
	}

	return pair, nil
}

func (s *AuthService) issue(user models.User) (models.TokenPair, models.RefreshCredential, error) {
	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return models.TokenPair{}, models.RefreshCredential{}, err
	}

	hash, err := s.hasher.Hash(pair.Refresh.Value)
	if err != nil {
		return models.TokenPair{}, models.RefreshCredential{}, fmt.Errorf("can't hash refresh token. Err: %w", err)
	}

	return pair, models.RefreshCredential{Hash: hash, ExpiresAt: pair.Refresh.ExpiresAt}, nil
}

// Run store call bounded by store timeout
func (s *AuthService) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return fn(ctx)
}

func (s *AuthService) dummy() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("not-a-real-password")
		if err != nil {
			s.logger.Error("Failed to prepare dummy hash", "error", err)
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

// Throttle is advisory: if it is down logins keep working
func (s *AuthService) acquireAttempt(ctx context.Context, username string) error {
	if s.throttle == nil {
		return nil
	}

	err := s.throttle.Acquire(ctx, username)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrTooManyAttempts):
		return err
	default:
		s.logger.Warn("Login throttle check failed", "error", err)
		return nil
	}
}

func (s *AuthService) resetThrottle(ctx context.Context, username string) {
	if s.throttle == nil {
		return
	}
	if err := s.throttle.Reset(ctx, username); err != nil {
		s.logger.Warn("Failed to reset login throttle", "error", err)
	}
}

// Mark error as store failure unless it is marked already
func storeError(err error) error {
	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
}
