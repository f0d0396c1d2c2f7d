package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/model"
)

const userColumns = `id, email, full_name, password_hash, bio, profile_pic, profile_pic_id, created_at, updated_at`

// UserStore is the identity store.
type UserStore struct {
	db *DB
}

// NewUserStore creates a UserStore.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Bio,
		&u.ProfilePic, &u.ProfilePicID, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Create inserts u with a fresh id. The email is stored trimmed and
// lower-cased; an existing email yields apperr.ErrConflict.
func (s *UserStore) Create(ctx context.Context, u model.User) (model.User, error) {
	u.ID = uuid.NewString()
	u.Email = normalizeEmail(u.Email)

	const query = `
		INSERT INTO users (id, email, full_name, password_hash, bio, profile_pic, profile_pic_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + userColumns

	created, err := scanUser(s.db.QueryRowContext(ctx, query,
		u.ID, u.Email, u.FullName, u.PasswordHash, u.Bio, u.ProfilePic, u.ProfilePicID))
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return model.User{}, fmt.Errorf("%w: email already registered", apperr.ErrConflict)
		}
		return model.User{}, fmt.Errorf("store: insert user: %w", err)
	}
	return created, nil
}

// FindByID returns the user with the given id.
func (s *UserStore) FindByID(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return model.User{}, notFoundOr(err, "user", "find user")
	}
	return u, nil
}

// FindByEmail looks a user up by normalized email.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email)))
	if err != nil {
		return model.User{}, notFoundOr(err, "user", "find user by email")
	}
	return u, nil
}

// Update writes the mutable profile fields of u and returns the stored row.
func (s *UserStore) Update(ctx context.Context, u model.User) (model.User, error) {
	const query = `
		UPDATE users
		SET full_name = $2, bio = $3, profile_pic = $4, profile_pic_id = $5, updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns

	updated, err := scanUser(s.db.QueryRowContext(ctx, query,
		u.ID, u.FullName, u.Bio, u.ProfilePic, u.ProfilePicID))
	if err != nil {
		return model.User{}, notFoundOr(err, "user", "update user")
	}
	return updated, nil
}

// ListExcept returns every user other than id, ordered by name.
func (s *UserStore) ListExcept(ctx context.Context, id string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id <> $1 ORDER BY full_name, id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
