package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/ovaphlow/pitchfork/service-directory-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/utilities"
)

// ErrUniqueViolation is returned when a write collides with the unique email index.
var ErrUniqueViolation = errors.New("unique constraint violation")

const publicColumns = `id, name, email, created_at, updated_at`

// UserRepo provides data access for users table using sqlx.
// Queries are written with `?` placeholders and rebound for the driver in use.
type UserRepo struct {
	db    *sqlx.DB
	newID utilities.IDFunc
	now   func() time.Time
}

// NewUserRepo builds a repo; a nil newID falls back to KSUIDs.
func NewUserRepo(db *sqlx.DB, newID utilities.IDFunc) *UserRepo {
	if newID == nil {
		newID = utilities.NewKSUID
	}
	return &UserRepo{db: db, newID: newID, now: storeNow}
}

// storeNow is truncated to the precision postgres keeps, so a projection built
// in memory equals the one read back later.
func storeNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if r.db.DriverName() == "sqlite3" {
		ts = "TIMESTAMP"
	}
	ddl := `
CREATE TABLE IF NOT EXISTS users (
  id VARCHAR(32) PRIMARY KEY,
  name TEXT NOT NULL,
  email TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at ` + ts + ` NOT NULL,
  updated_at ` + ts + ` NOT NULL
)`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at)`)
	return err
}

// Create inserts a new user row and returns its public projection.
// ID and timestamps are assigned here; values already set on u are overwritten.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) (*entity.PublicUser, error) {
	now := r.now()
	u.ID = r.newID()
	u.CreatedAt = now
	u.UpdatedAt = now
	const q = `INSERT INTO users (id, name, email, password_hash, created_at, updated_at)
		VALUES (:id, :name, :email, :password_hash, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, u); err != nil {
		return nil, translate(err)
	}
	return u.Public(), nil
}

// GetByEmail returns the full row matched by email or sql.ErrNoRows.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	q := r.db.Rebind(`SELECT id, name, email, password_hash, created_at, updated_at FROM users WHERE email = ?`)
	var row entity.User
	if err := r.db.GetContext(ctx, &row, q, email); err != nil {
		return nil, err
	}
	return normalize(&row), nil
}

// GetByID fetches a full user row or sql.ErrNoRows.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	q := r.db.Rebind(`SELECT id, name, email, password_hash, created_at, updated_at FROM users WHERE id = ?`)
	var row entity.User
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		return nil, err
	}
	return normalize(&row), nil
}

// GetPublicByID fetches the projection without selecting the password hash.
func (r *UserRepo) GetPublicByID(ctx context.Context, id string) (*entity.PublicUser, error) {
	q := r.db.Rebind(`SELECT ` + publicColumns + ` FROM users WHERE id = ?`)
	var row entity.PublicUser
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		return nil, err
	}
	normalizePublic(&row)
	return &row, nil
}

// ListPublic returns every user's projection, oldest first.
func (r *UserRepo) ListPublic(ctx context.Context) ([]entity.PublicUser, error) {
	rows := []entity.PublicUser{}
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+publicColumns+` FROM users ORDER BY created_at, id`); err != nil {
		return nil, err
	}
	for i := range rows {
		normalizePublic(&rows[i])
	}
	return rows, nil
}

// Update overwrites name, email and password hash. Returns sql.ErrNoRows when
// the row is gone.
func (r *UserRepo) Update(ctx context.Context, id, name, email, passwordHash string) (*entity.PublicUser, error) {
	q := r.db.Rebind(`UPDATE users SET name = ?, email = ?, password_hash = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, name, email, passwordHash, r.now(), id)
	if err != nil {
		return nil, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, sql.ErrNoRows
	}
	return r.GetPublicByID(ctx, id)
}

// Delete removes the row and returns what was deleted.
func (r *UserRepo) Delete(ctx context.Context, id string) (*entity.User, error) {
	u, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	q := r.db.Rebind(`DELETE FROM users WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return nil, err
	}
	return u, nil
}

func translate(err error) error {
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// drivers hand back timestamps in the session zone; keep UTC everywhere.
func normalize(u *entity.User) *entity.User {
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u
}

func normalizePublic(u *entity.PublicUser) {
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
}
