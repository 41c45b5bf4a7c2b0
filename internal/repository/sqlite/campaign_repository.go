package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

const recomputeCountersSQL = `
	UPDATE campaigns
	SET total_leads     = (SELECT COUNT(*) FROM leads WHERE campaign_id = ?1),
	    remaining_leads = (SELECT COUNT(*) FROM leads WHERE campaign_id = ?1 AND consultant_id IS NULL),
	    assigned_leads  = (SELECT COUNT(*) FROM leads WHERE campaign_id = ?1 AND consultant_id IS NOT NULL),
	    updated_at      = ?2
	WHERE id = ?1
	RETURNING total_leads, remaining_leads, assigned_leads`

// CampaignRepository is the SQLite campaign store.
type CampaignRepository struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts an empty campaign.
func (r *CampaignRepository) Create(ctx context.Context, c *repository.Campaign) error {
	now := time.Now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, office_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, nullable(c.OfficeID), nullable(c.CreatedBy), nanos(now), nanos(now))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create campaign")
	}
	return nil
}

// GetByID retrieves a campaign.
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*repository.Campaign, error) {
	var c repository.Campaign
	var officeID, createdBy sql.NullString
	var createdAt, updatedAt int64

	err := r.db.sql.QueryRowContext(ctx, `
		SELECT id, name, office_id, total_leads, remaining_leads, assigned_leads,
		       created_by, created_at, updated_at
		FROM campaigns WHERE id = ?`, id).Scan(
		&c.ID, &c.Name, &officeID, &c.TotalLeads, &c.RemainingLeads, &c.AssignedLeads,
		&createdBy, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("campaign", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get campaign")
	}
	c.OfficeID = fromNullString(officeID)
	c.CreatedBy = fromNullString(createdBy)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

// RecomputeCounters derives the counters from the campaign's leads.
func (r *CampaignRepository) RecomputeCounters(ctx context.Context, campaignID string) (*repository.Counters, error) {
	return recomputeCounters(ctx, r.db.sql, campaignID)
}

func recomputeCounters(ctx context.Context, q execer, campaignID string) (*repository.Counters, error) {
	c := &repository.Counters{}
	err := q.QueryRowContext(ctx, recomputeCountersSQL, campaignID, nanos(time.Now())).
		Scan(&c.Total, &c.Remaining, &c.Assigned)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("campaign", campaignID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to recompute campaign counters")
	}
	return c, nil
}

// Delete removes a campaign with its history, leads and batches in one
// transaction.
func (r *CampaignRepository) Delete(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM lead_history WHERE lead_id IN (SELECT id FROM leads WHERE campaign_id = ?)`,
			`DELETE FROM leads WHERE campaign_id = ?`,
			`DELETE FROM import_batches WHERE campaign_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete campaign")
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete campaign")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("campaign", id)
		}
		return nil
	})
}

// BatchRepository is the SQLite import batch store.
type BatchRepository struct {
	db *DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts the batch and its leads as stock, then recomputes the
// campaign counters, in one transaction.
func (r *BatchRepository) Create(ctx context.Context, batch *repository.ImportBatch, leads []repository.NewLead) (*repository.Counters, error) {
	var counters *repository.Counters
	now := time.Now().UTC()

	err := r.db.InTransaction(ctx, func(tx *sql.Tx) error {
		batch.ID = uuid.NewString()
		batch.RowCount = len(leads)
		batch.CreatedAt = now

		_, err := tx.ExecContext(ctx, `
			INSERT INTO import_batches (id, campaign_id, file_name, row_count, imported_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			batch.ID, batch.CampaignID, batch.FileName, batch.RowCount, nullable(batch.ImportedBy), nanos(now))
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create import batch")
		}

		empty, _ := encodeIDs(nil)
		base := nanos(now)
		for i, l := range leads {
			// created_at grows with the row index so file order is stock order.
			createdAt := base + int64(i)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO leads (id, campaign_id, import_batch_id, name, phone, email, document,
				                   previous_consultants, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), batch.CampaignID, batch.ID, l.Name,
				nullable(l.Phone), nullable(l.Email), nullable(l.Document),
				empty, createdAt, createdAt)
			if err != nil {
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
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*repository.ImportBatch, error) {
	var b repository.ImportBatch
	var importedBy sql.NullString
	var createdAt int64

	err := r.db.sql.QueryRowContext(ctx, `
		SELECT id, campaign_id, file_name, row_count, imported_by, created_at
		FROM import_batches WHERE id = ?`, id).
		Scan(&b.ID, &b.CampaignID, &b.FileName, &b.RowCount, &importedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("import_batch", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get import batch")
	}
	b.ImportedBy = fromNullString(importedBy)
	b.CreatedAt = fromNanos(createdAt)
	return &b, nil
}

// Delete removes a batch, its leads and their history, then recomputes the
// campaign counters, in one transaction.
func (r *BatchRepository) Delete(ctx context.Context, id string) (*repository.Counters, error) {
	var counters *repository.Counters

	err := r.db.InTransaction(ctx, func(tx *sql.Tx) error {
		var campaignID string
		err := tx.QueryRowContext(ctx, `SELECT campaign_id FROM import_batches WHERE id = ?`, id).Scan(&campaignID)
		if err == sql.ErrNoRows {
			return errors.NotFound("import_batch", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to get import batch")
		}

		stmts := []string{
			`DELETE FROM lead_history WHERE lead_id IN (SELECT id FROM leads WHERE import_batch_id = ?)`,
			`DELETE FROM leads WHERE import_batch_id = ?`,
			`DELETE FROM import_batches WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete import batch")
			}
		}

		counters, err = recomputeCounters(ctx, tx, campaignID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return counters, nil
}
