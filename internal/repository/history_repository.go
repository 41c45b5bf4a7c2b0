package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-leads/internal/database"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
)

const historyInsertSQL = `
	INSERT INTO lead_history
	    (lead_id, campaign_id, action,
	     from_user_id, to_user_id, by_user_id,
	     note, status_before, status_after)
	VALUES ($1, $2, $3,
	        $4, $5, $6,
	        $7, $8, $9)
	RETURNING id, created_at`

// HistoryRepository appends and reads immutable lead history entries.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one entry. The table rejects updates, so this is the only
// mutation exposed.
func (r *HistoryRepository) Append(ctx context.Context, entry *HistoryEntry) error {
	err := r.db.QueryRow(ctx, historyInsertSQL, historyArgs(entry)...).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append lead history")
	}
	return nil
}

// AppendMany inserts several entries in one round trip.
func (r *HistoryRepository) AppendMany(ctx context.Context, entries []*HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, entry := range entries {
			batch.Queue(historyInsertSQL, historyArgs(entry)...).QueryRow(func(row pgx.Row) error {
				return row.Scan(&entry.ID, &entry.CreatedAt)
			})
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append lead history")
		}
		return nil
	})
}

// ListByLead returns the history of a lead ordered oldest-first.
func (r *HistoryRepository) ListByLead(ctx context.Context, leadID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, lead_id, campaign_id, action,
		       from_user_id, to_user_id, by_user_id,
		       note, status_before, status_after, created_at
		FROM lead_history
		WHERE lead_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, leadID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get lead history")
	}
	defer rows.Close()

	entries := make([]*HistoryEntry, 0)
	for rows.Next() {
		e := &HistoryEntry{}
		var action string
		err := rows.Scan(
			&e.ID,
			&e.LeadID,
			&e.CampaignID,
			&action,
			&e.FromUserID,
			&e.ToUserID,
			&e.ByUserID,
			&e.Note,
			&e.StatusBefore,
			&e.StatusAfter,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		e.Action = HistoryAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read lead history")
	}
	return entries, nil
}

func historyArgs(e *HistoryEntry) []any {
	return []any{
		e.LeadID,
		e.CampaignID,
		string(e.Action),
		e.FromUserID,
		e.ToUserID,
		e.ByUserID,
		e.Note,
		e.StatusBefore,
		e.StatusAfter,
	}
}
