package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-directory-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-directory-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/cache"
)

// Repository is the authoritative record store the service reads through to.
// Lookups that find nothing return sql.ErrNoRows.
type Repository interface {
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetPublicByID(ctx context.Context, id string) (*entity.PublicUser, error)
	ListPublic(ctx context.Context) ([]entity.PublicUser, error)
	Create(ctx context.Context, u *entity.User) (*entity.PublicUser, error)
	Update(ctx context.Context, id, name, email, passwordHash string) (*entity.PublicUser, error)
	Delete(ctx context.Context, id string) (*entity.User, error)
}

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already in use by another user")
)

// UserService keeps user:<id> and all_users in step with the record store.
//
// Store and cache calls are not atomic with each other: a failed cache write
// after a successful store write leaves the cache behind until its TTL runs
// out. Cache failures are returned to the caller, never swallowed.
type UserService struct {
	repo   Repository
	cache  cache.Store
	hasher PasswordHasher
	logger *zap.SugaredLogger

	// listMu serializes read-modify-write of all_users inside this process.
	// Other processes sharing the cache can still interleave with us.
	listMu sync.Mutex
}

func NewUserService(r Repository, c cache.Store, hasher PasswordHasher, logger *zap.SugaredLogger) *UserService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UserService{repo: r, cache: c, hasher: hasher, logger: logger}
}

// Create registers a user. The new projection is cached and appended to
// all_users; when all_users is not cached it is seeded with this user alone.
func (s *UserService) Create(ctx context.Context, name, email, password string) (*entity.PublicUser, error) {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if err := s.ensureEmailFree(ctx, email, ""); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.repo.Create(ctx, &entity.User{Name: name, Email: email, PasswordHash: hash})
	if err != nil {
		if errors.Is(err, userrepo.ErrUniqueViolation) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.cacheUser(ctx, u); err != nil {
		return nil, err
	}
	err = s.patchList(ctx, []entity.PublicUser{*u}, func(users []entity.PublicUser) []entity.PublicUser {
		return append(users, *u)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user created", "id", u.ID)
	return u, nil
}

// FindAll serves all_users from cache, filling it from the store on a miss.
// A cached list is returned as is, without checking it against the store.
func (s *UserService) FindAll(ctx context.Context) ([]entity.PublicUser, error) {
	raw, ok, err := s.cache.Get(ctx, allUsersKey)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", allUsersKey, err)
	}
	if ok {
		users, err := decodeUserList(raw)
		switch {
		case errors.Is(err, ErrSchemaDrift):
			s.logger.Warnw("discarding cached user list", "err", err)
		case err != nil:
			return nil, err
		case users != nil:
			s.logger.Debugw("cache hit", "key", allUsersKey)
			return users, nil
		}
	}

	s.logger.Debugw("cache miss", "key", allUsersKey)
	users, err := s.repo.ListPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	v, err := encodeUserList(users)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, allUsersKey, v); err != nil {
		return nil, fmt.Errorf("write %s: %w", allUsersKey, err)
	}
	return users, nil
}

// FindOne returns the user or nil when no row exists. Misses on unknown ids
// are not cached, so each lookup for them reaches the store.
func (s *UserService) FindOne(ctx context.Context, id string) (*entity.PublicUser, error) {
	key := userKey(id)
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if ok {
		u, err := decodeUser(raw)
		switch {
		case errors.Is(err, ErrSchemaDrift):
			s.logger.Warnw("discarding cached user", "key", key, "err", err)
		case err != nil:
			return nil, err
		case u != nil:
			s.logger.Debugw("cache hit", "key", key)
			return u, nil
		}
	}

	s.logger.Debugw("cache miss", "key", key)
	u, err := s.repo.GetPublicByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := s.cacheUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Update replaces name, email and password. The password is rehashed even if
// unchanged. The cached record is overwritten and the matching all_users
// element replaced in place; an uncached list is seeded with this user alone.
func (s *UserService) Update(ctx context.Context, id, name, email, password string) (*entity.PublicUser, error) {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	existing, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if err := s.ensureEmailFree(ctx, email, existing.ID); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.repo.Update(ctx, id, name, email, hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrUserNotFound
	case errors.Is(err, userrepo.ErrUniqueViolation):
		return nil, ErrDuplicateEmail
	case err != nil:
		return nil, fmt.Errorf("update user: %w", err)
	}

	if err := s.cacheUser(ctx, u); err != nil {
		return nil, err
	}
	err = s.patchList(ctx, []entity.PublicUser{*u}, func(users []entity.PublicUser) []entity.PublicUser {
		out := make([]entity.PublicUser, len(users))
		for i, cur := range users {
			if cur.ID == u.ID {
				cur = *u
			}
			out[i] = cur
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user updated", "id", u.ID)
	return u, nil
}

// Remove deletes the user, drops it from a cached all_users (an uncached list
// stays uncached) and always deletes user:<id>.
func (s *UserService) Remove(ctx context.Context, id string) error {
	existing, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if _, err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}

	err = s.patchList(ctx, nil, func(users []entity.PublicUser) []entity.PublicUser {
		out := make([]entity.PublicUser, 0, len(users))
		for _, cur := range users {
			if cur.ID != existing.ID {
				out = append(out, cur)
			}
		}
		return out
	})
	if err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, userKey(id)); err != nil {
		return fmt.Errorf("delete %s: %w", userKey(id), err)
	}
	s.logger.Infow("user removed", "id", id)
	return nil
}

// ensureEmailFree fails with ErrDuplicateEmail when email belongs to a user
// other than selfID.
func (s *UserService) ensureEmailFree(ctx context.Context, email, selfID string) error {
	other, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup email: %w", err)
	}
	if other.ID != selfID {
		return ErrDuplicateEmail
	}
	return nil
}

func (s *UserService) cacheUser(ctx context.Context, u *entity.PublicUser) error {
	v, err := encodeUser(u)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, userKey(u.ID), v); err != nil {
		return fmt.Errorf("write %s: %w", userKey(u.ID), err)
	}
	return nil
}

// patchList rewrites all_users with patch applied to the cached sequence. A
// cached null marker is patched as an empty sequence. When nothing usable is
// cached, seed is stored instead; a nil seed leaves the key untouched.
func (s *UserService) patchList(ctx context.Context, seed []entity.PublicUser, patch func([]entity.PublicUser) []entity.PublicUser) error {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	raw, ok, err := s.cache.Get(ctx, allUsersKey)
	if err != nil {
		return fmt.Errorf("read %s: %w", allUsersKey, err)
	}
	var next []entity.PublicUser
	if ok {
		users, err := decodeUserList(raw)
		switch {
		case errors.Is(err, ErrSchemaDrift):
			s.logger.Warnw("discarding cached user list", "err", err)
			ok = false
		case err != nil:
			return err
		default:
			next = patch(users)
		}
	}
	if !ok {
		if seed == nil {
			return nil
		}
		next = seed
	}

	v, err := encodeUserList(next)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, allUsersKey, v); err != nil {
		return fmt.Errorf("write %s: %w", allUsersKey, err)
	}
	return nil
}
