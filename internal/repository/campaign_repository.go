package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-leads/internal/database"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
)

// recomputeCountersSQL overwrites the stored counters with fresh counts.
const recomputeCountersSQL = `
	UPDATE campaigns c
	SET total_leads     = s.total,
	    remaining_leads = s.remaining,
	    assigned_leads  = s.total - s.remaining,
	    updated_at      = NOW()
	FROM (
	    SELECT COUNT(*)                                   AS total,
	           COUNT(*) FILTER (WHERE consultant_id IS NULL) AS remaining
	    FROM leads
	    WHERE campaign_id = $1
	) s
	WHERE c.id = $1
	RETURNING c.total_leads, c.remaining_leads, c.assigned_leads`

const campaignColumns = `
	id, name, office_id, total_leads, remaining_leads, assigned_leads,
	created_by, created_at, updated_at`

// CampaignRepository manages campaigns and their derived counters.
type CampaignRepository struct {
	db *database.DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *database.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts an empty campaign.
func (r *CampaignRepository) Create(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (name, office_id, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query, c.Name, c.OfficeID, c.CreatedBy).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create campaign")
	}
	return nil
}

// GetByID retrieves a campaign by ID.
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c := &Campaign{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.OfficeID,
		&c.TotalLeads,
		&c.RemainingLeads,
		&c.AssignedLeads,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("campaign", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get campaign")
	}
	return c, nil
}

// RecomputeCounters derives the campaign counters from its leads and stores
// them.
func (r *CampaignRepository) RecomputeCounters(ctx context.Context, campaignID string) (*Counters, error) {
	return recomputeCounters(ctx, r.db, campaignID)
}

func recomputeCounters(ctx context.Context, q querier, campaignID string) (*Counters, error) {
	c := &Counters{}
	err := q.QueryRow(ctx, recomputeCountersSQL, campaignID).Scan(&c.Total, &c.Remaining, &c.Assigned)
	if err == pgx.ErrNoRows {
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
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		steps := []struct {
			query string
			what  string
		}{
			{`DELETE FROM lead_history WHERE lead_id IN (SELECT id FROM leads WHERE campaign_id = $1)`, "history"},
			{`DELETE FROM leads WHERE campaign_id = $1`, "leads"},
			{`DELETE FROM import_batches WHERE campaign_id = $1`, "import batches"},
		}
		for _, step := range steps {
			if _, err := tx.Exec(ctx, step.query, id); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete campaign "+step.what)
			}
		}

		tag, err := tx.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete campaign")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("campaign", id)
		}
		return nil
	})
}
