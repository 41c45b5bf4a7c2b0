package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-leads/internal/database"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
)

// BatchRepository manages import batches. Batch creation and deletion
// always include the owned leads and a counter recompute in one transaction.
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts the batch and its leads as stock, then recomputes the
// campaign counters.
func (r *BatchRepository) Create(ctx context.Context, batch *ImportBatch, leads []NewLead) (*Counters, error) {
	var counters *Counters

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO import_batches (campaign_id, file_name, row_count, imported_by)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`

		err := tx.QueryRow(ctx, query, batch.CampaignID, batch.FileName, len(leads), batch.ImportedBy).
			Scan(&batch.ID, &batch.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create import batch")
		}
		batch.RowCount = len(leads)

		// One statement per row keeps clock_timestamp() increasing in file order.
		leadQuery := `
			INSERT INTO leads (campaign_id, import_batch_id, name, phone, email, document)
			VALUES ($1, $2, $3, $4, $5, $6)`
		for _, l := range leads {
			if _, err := tx.Exec(ctx, leadQuery, batch.CampaignID, batch.ID, l.Name, l.Phone, l.Email, l.Document); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to import lead")
			}
		}

		counters, err = recomputeCounters(ctx, tx, batch.CampaignID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return counters, nil
}

// GetByID retrieves an import batch.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*ImportBatch, error) {
	query := `
		SELECT id, campaign_id, file_name, row_count, imported_by, created_at
		FROM import_batches
		WHERE id = $1`

	b := &ImportBatch{}
	err := r.db.QueryRow(ctx, query, id).Scan(&b.ID, &b.CampaignID, &b.FileName, &b.RowCount, &b.ImportedBy, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("import_batch", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get import batch")
	}
	return b, nil
}

// Delete removes a batch, its leads and their history, then recomputes the
// campaign counters. Returns the counters after deletion.
func (r *BatchRepository) Delete(ctx context.Context, id string) (*Counters, error) {
	var counters *Counters

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var campaignID string
		err := tx.QueryRow(ctx, `SELECT campaign_id FROM import_batches WHERE id = $1 FOR UPDATE`, id).Scan(&campaignID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("import_batch", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock import batch")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM lead_history WHERE lead_id IN (SELECT id FROM leads WHERE import_batch_id = $1)`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete batch history")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM leads WHERE import_batch_id = $1`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete batch leads")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM import_batches WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete import batch")
		}

		counters, err = recomputeCounters(ctx, tx, campaignID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return counters, nil
}
