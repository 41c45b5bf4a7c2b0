package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-leads/internal/database"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
)

// UserRepository reads the user directory (actors and consultants).
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID retrieves a user.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, name, role, office_id, active FROM users WHERE id = $1`

	u := &User{}
	var role string
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Name, &role, &u.OfficeID, &u.Active)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	u.Role = Role(role)
	return u, nil
}

// ListByIDs returns the users among ids, keyed by id.
func (r *UserRepository) ListByIDs(ctx context.Context, ids []string) (map[string]*User, error) {
	query := `SELECT id, name, role, office_id, active FROM users WHERE id = ANY($1)`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users")
	}
	defer rows.Close()

	users := make(map[string]*User, len(ids))
	for rows.Next() {
		u := &User{}
		var role string
		if err := rows.Scan(&u.ID, &u.Name, &role, &u.OfficeID, &u.Active); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		u.Role = Role(role)
		users[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read users")
	}
	return users, nil
}

// Upsert creates or updates a directory entry. Used when the surrounding
// application syncs its users.
func (r *UserRepository) Upsert(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, name, role, office_id, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    role = EXCLUDED.role,
		    office_id = EXCLUDED.office_id,
		    active = EXCLUDED.active`

	if _, err := r.db.Exec(ctx, query, u.ID, u.Name, string(u.Role), u.OfficeID, u.Active); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert user")
	}
	return nil
}
