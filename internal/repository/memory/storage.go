package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/textbook/internal/apperrors"
	"github.com/nkiryanov/textbook/internal/models"
	"github.com/nkiryanov/textbook/internal/repository"
)

// In-process account store
// Keeps the same contract as the postgres one, handy for tests and local runs without database
type Storage struct {
	mu    sync.RWMutex
	users map[uuid.UUID]models.User
	names map[string]uuid.UUID
}

func NewStorage() *Storage {
	return &Storage{
		users: make(map[uuid.UUID]models.User),
		names: make(map[string]uuid.UUID),
	}
}

func (s *Storage) User() repository.UserRepo {
	return &UserRepo{s: s}
}

// Run fn and undo its writes if it fails, like postgres transaction would
// Single operations are atomic, but fn is not isolated from concurrent callers
func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return s.runTx(nil, fn)
}

func (s *Storage) runTx(parent *txStorage, fn func(repository.Storage) error) error {
	tx := &txStorage{s: s}

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}

	// Nested transaction is committed into the outer one, like savepoint
	if parent != nil {
		s.mu.Lock()
		parent.undo = append(parent.undo, tx.undo...)
		s.mu.Unlock()
	}
	return nil
}

// Storage view inside InTx: every write is journaled
type txStorage struct {
	s    *Storage
	undo []func() // run with s.mu held
}

func (t *txStorage) User() repository.UserRepo {
	return &UserRepo{s: t.s, tx: t}
}

func (t *txStorage) InTx(ctx context.Context, fn func(repository.Storage) error) error {
	return t.s.runTx(t, fn)
}

func (t *txStorage) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

type UserRepo struct {
	s  *Storage
	tx *txStorage
}

// Remember how to revert the write. Caller holds s.mu
func (r *UserRepo) journal(undo func()) {
	if r.tx != nil {
		r.tx.undo = append(r.tx.undo, undo)
	}
}

// Journal restoring current credential of the user. Caller holds s.mu
func (r *UserRepo) journalRefresh(userID uuid.UUID, prev *models.RefreshCredential) {
	r.journal(func() {
		if user, ok := r.s.users[userID]; ok {
			user.Refresh = prev
			r.s.users[userID] = user
		}
	})
}

func (r *UserRepo) CreateUser(ctx context.Context, username string, email string, hashedPassword string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.names[username]; ok {
		return models.User{}, apperrors.ErrUserAlreadyExists
	}

	user := models.User{
		ID:             uuid.New(),
		CreatedAt:      time.Now(),
		Username:       username,
		Email:          email,
		HashedPassword: hashedPassword,
	}
	r.s.users[user.ID] = user
	r.s.names[username] = user.ID

	r.journal(func() {
		if r.s.names[username] == user.ID {
			delete(r.s.names, username)
			delete(r.s.users, user.ID)
		}
	})

	return user, nil
}

func (r *UserRepo) GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	user, ok := r.s.users[userID]
	if !ok {
		return models.User{}, apperrors.ErrUserNotFound
	}
	return copyUser(user), nil
}

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.names[username]
	if !ok {
		return models.User{}, apperrors.ErrUserNotFound
	}
	return copyUser(r.s.users[id]), nil
}

func (r *UserRepo) SetRefreshCredential(ctx context.Context, userID uuid.UUID, cred models.RefreshCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.users[userID]
	if !ok {
		return apperrors.ErrUserNotFound
	}
	r.journalRefresh(userID, user.Refresh)
	user.Refresh = &cred
	r.s.users[userID] = user

	return nil
}

func (r *UserRepo) SwapRefreshCredential(ctx context.Context, userID uuid.UUID, expectedHash string, next *models.RefreshCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.users[userID]
	if !ok || user.Refresh == nil || user.Refresh.Hash != expectedHash {
		return apperrors.ErrRefreshCredentialChanged
	}
	r.journalRefresh(userID, user.Refresh)

	if next != nil {
		cred := *next
		user.Refresh = &cred
	} else {
		user.Refresh = nil
	}
	r.s.users[userID] = user

	return nil
}

func (r *UserRepo) ClearRefreshCredential(ctx context.Context, userID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if user, ok := r.s.users[userID]; ok {
		r.journalRefresh(userID, user.Refresh)
		user.Refresh = nil
		r.s.users[userID] = user
	}

	return nil
}

// Callers must not be able to mutate stored credential through returned pointer
func copyUser(u models.User) models.User {
	if u.Refresh != nil {
		cred := *u.Refresh
		u.Refresh = &cred
	}
	return u
}
