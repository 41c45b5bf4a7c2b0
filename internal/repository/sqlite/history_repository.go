package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

const historyInsertSQL = `
	INSERT INTO lead_history
	    (id, lead_id, campaign_id, action,
	     from_user_id, to_user_id, by_user_id,
	     note, status_before, status_after, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// HistoryRepository is the SQLite lead history store.
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one entry.
func (r *HistoryRepository) Append(ctx context.Context, entry *repository.HistoryEntry) error {
	return r.AppendMany(ctx, []*repository.HistoryEntry{entry})
}

// AppendMany inserts several entries in one transaction.
func (r *HistoryRepository) AppendMany(ctx context.Context, entries []*repository.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	base := time.Now().UTC()
	return r.db.InTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, historyInsertSQL)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append lead history")
		}
		defer stmt.Close()

		for i, e := range entries {
			id := uuid.NewString()
			// Entries of one call keep their relative order.
			createdAt := base.Add(time.Duration(i))
			_, err := stmt.ExecContext(ctx,
				id, e.LeadID, e.CampaignID, string(e.Action),
				nullable(e.FromUserID), nullable(e.ToUserID), e.ByUserID,
				nullable(e.Note), nullable(e.StatusBefore), nullable(e.StatusAfter),
				nanos(createdAt),
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to append lead history")
			}
			e.ID = id
			e.CreatedAt = createdAt
		}
		return nil
	})
}

// ListByLead returns the history of a lead ordered oldest-first.
func (r *HistoryRepository) ListByLead(ctx context.Context, leadID string) ([]*repository.HistoryEntry, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, lead_id, campaign_id, action,
		       from_user_id, to_user_id, by_user_id,
		       note, status_before, status_after, created_at
		FROM lead_history
		WHERE lead_id = ?
		ORDER BY created_at ASC, id ASC`, leadID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get lead history")
	}
	defer rows.Close()

	entries := make([]*repository.HistoryEntry, 0)
	for rows.Next() {
		e := &repository.HistoryEntry{}
		var action string
		var from, to, note, before, after sql.NullString
		var createdAt int64
		err := rows.Scan(&e.ID, &e.LeadID, &e.CampaignID, &action,
			&from, &to, &e.ByUserID, &note, &before, &after, &createdAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		e.Action = repository.HistoryAction(action)
		e.FromUserID = fromNullString(from)
		e.ToUserID = fromNullString(to)
		e.Note = fromNullString(note)
		e.StatusBefore = fromNullString(before)
		e.StatusAfter = fromNullString(after)
		e.CreatedAt = fromNanos(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read lead history")
	}
	return entries, nil
}

// UserRepository is the SQLite user directory.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID retrieves a user.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*repository.User, error) {
	row := r.db.sql.QueryRowContext(ctx, `SELECT id, name, role, office_id, active FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ListByIDs returns the users among ids, keyed by id.
func (r *UserRepository) ListByIDs(ctx context.Context, ids []string) (map[string]*repository.User, error) {
	users := make(map[string]*repository.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	in, args := inClause(ids)
	rows, err := r.db.sql.QueryContext(ctx, `SELECT id, name, role, office_id, active FROM users WHERE id IN `+in, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users")
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read users")
	}
	return users, nil
}

// Upsert creates or updates a directory entry.
func (r *UserRepository) Upsert(ctx context.Context, u *repository.User) error {
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO users (id, name, role, office_id, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET name = excluded.name,
		    role = excluded.role,
		    office_id = excluded.office_id,
		    active = excluded.active`,
		u.ID, u.Name, string(u.Role), nullable(u.OfficeID), u.Active)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert user")
	}
	return nil
}

func scanUser(row rowScanner) (*repository.User, error) {
	u := &repository.User{}
	var role string
	var officeID sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &role, &officeID, &u.Active); err != nil {
		return nil, err
	}
	u.Role = repository.Role(role)
	u.OfficeID = fromNullString(officeID)
	return u, nil
}
