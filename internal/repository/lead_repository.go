package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-crm-leads/internal/database"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
)

// querier is satisfied by both *database.DB and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const leadColumns = `
	id, campaign_id, import_batch_id, name, phone, email, document,
	consultant_id, owner_id, office_id, previous_consultants,
	status, is_worked,
	last_status_change_at, last_activity_at, last_interaction_at,
	last_outcome_code, last_outcome_label, last_outcome_note,
	next_follow_up_at, next_step_note,
	created_at, updated_at`

// stockPredicate defines a campaign's stock.
const stockPredicate = `consultant_id IS NULL AND status = 'NOVO'`

// LeadRepository handles lead data operations
type LeadRepository struct {
	db *database.DB
}

// NewLeadRepository creates a new lead repository
func NewLeadRepository(db *database.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// GetByID retrieves a lead by ID
func (r *LeadRepository) GetByID(ctx context.Context, id string) (*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`

	lead, err := scanLead(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("lead", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get lead")
	}
	return lead, nil
}

// ListByIDs returns the leads of a campaign among ids. Unknown ids are
// silently absent from the result.
func (r *LeadRepository) ListByIDs(ctx context.Context, campaignID string, ids []string) ([]*Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads
		WHERE campaign_id = $1 AND id = ANY($2)
		ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, campaignID, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list leads")
	}
	defer rows.Close()

	return scanLeads(rows)
}

// ListByCampaign returns every lead of a campaign, oldest first.
func (r *LeadRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE campaign_id = $1 ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list campaign leads")
	}
	defer rows.Close()

	return scanLeads(rows)
}

// FindStock returns up to limit stock leads of a campaign, oldest first.
func (r *LeadRepository) FindStock(ctx context.Context, campaignID string, limit int) ([]*Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads
		WHERE campaign_id = $1 AND ` + stockPredicate + `
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, campaignID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find stock")
	}
	defer rows.Close()

	return scanLeads(rows)
}

// CountStock counts the unassigned leads of a campaign.
func (r *LeadRepository) CountStock(ctx context.Context, campaignID string) (int64, error) {
	inStock := true
	return r.Count(ctx, campaignID, LeadFilter{InStock: &inStock})
}

// Count counts the leads of a campaign matching filter.
func (r *LeadRepository) Count(ctx context.Context, campaignID string, filter LeadFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM leads WHERE campaign_id = $1`
	args := []any{campaignID}
	argCount := 2

	if filter.InStock != nil {
		if *filter.InStock {
			query += " AND consultant_id IS NULL"
		} else {
			query += " AND consultant_id IS NOT NULL"
		}
	}
	if filter.ConsultantID != nil {
		query += fmt.Sprintf(" AND consultant_id = $%d", argCount)
		args = append(args, *filter.ConsultantID)
		argCount++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(*filter.Status))
	}

	var total int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count leads")
	}
	return total, nil
}

// UpdateMany assigns the given leads in one statement and returns the ids
// that were actually written. With OnlyInStock set, leads that are no
// longer in stock are skipped, which makes the update a compare-and-swap.
func (r *LeadRepository) UpdateMany(ctx context.Context, ids []string, patch AssignPatch) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE leads
		SET consultant_id         = $2,
		    office_id             = $3,
		    owner_id              = $4,
		    status                = 'NOVO',
		    is_worked             = FALSE,
		    next_follow_up_at     = NULL,
		    next_step_note        = NULL,
		    last_outcome_code     = NULL,
		    last_outcome_label    = NULL,
		    last_outcome_note     = NULL,
		    last_status_change_at = $5,
		    updated_at            = $5
		WHERE id = ANY($1)`
	if patch.OnlyInStock {
		query += ` AND ` + stockPredicate
	}
	query += ` RETURNING id`

	rows, err := r.db.Query(ctx, query, ids, patch.ConsultantID, patch.OfficeID, patch.OwnerID, patch.At)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to assign leads")
	}
	defer rows.Close()

	updated, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read assigned leads")
	}
	return updated, nil
}

// TransferMany moves leads to another consultant in one statement. Each lead
// is only written while it is still owned by its expected consultant; the
// ids actually moved are returned.
func (r *LeadRepository) TransferMany(ctx context.Context, transfers []Transfer, patch TransferPatch) ([]string, error) {
	if len(transfers) == 0 {
		return nil, nil
	}

	ids := make([]string, len(transfers))
	from := make([]*string, len(transfers))
	for i, t := range transfers {
		ids[i] = t.LeadID
		from[i] = t.FromConsultantID
	}

	officeExpr := `COALESCE($4, l.office_id)`
	if patch.KeepOffice {
		officeExpr = `COALESCE(l.office_id, $4)`
	}

	query := `
		UPDATE leads l
		SET previous_consultants = CASE
		        WHEN l.consultant_id IS NULL THEN l.previous_consultants
		        ELSE array_append(l.previous_consultants, l.consultant_id)
		    END,
		    consultant_id    = $3,
		    office_id        = ` + officeExpr + `,
		    is_worked        = FALSE,
		    last_activity_at = $5,
		    updated_at       = $5
		FROM unnest($1::text[], $2::text[]) AS t(id, from_id)
		WHERE l.id = t.id
		  AND l.consultant_id IS NOT DISTINCT FROM t.from_id
		RETURNING l.id`

	rows, err := r.db.Query(ctx, query, ids, from, patch.ToConsultantID, patch.ToOfficeID, patch.At)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to transfer leads")
	}
	defer rows.Close()

	moved, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read transferred leads")
	}
	return moved, nil
}

// ResetCampaign returns every lead of a campaign to stock in one statement
// and reports the prior owner and status of each lead.
func (r *LeadRepository) ResetCampaign(ctx context.Context, campaignID string) ([]*ResetLead, error) {
	query := `
		WITH prior AS (
		    SELECT id, consultant_id, status
		    FROM leads
		    WHERE campaign_id = $1
		    FOR UPDATE
		)
		UPDATE leads l
		SET consultant_id         = NULL,
		    owner_id              = NULL,
		    office_id             = NULL,
		    status                = 'NOVO',
		    is_worked             = FALSE,
		    last_status_change_at = NULL,
		    last_activity_at      = NULL,
		    last_interaction_at   = NULL,
		    last_outcome_code     = NULL,
		    last_outcome_label    = NULL,
		    last_outcome_note     = NULL,
		    next_follow_up_at     = NULL,
		    next_step_note        = NULL,
		    updated_at            = NOW()
		FROM prior
		WHERE l.id = prior.id
		RETURNING l.id, prior.consultant_id, prior.status`

	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to reset campaign leads")
	}
	defer rows.Close()

	reset := make([]*ResetLead, 0)
	for rows.Next() {
		rl := &ResetLead{}
		var status string
		if err := rows.Scan(&rl.LeadID, &rl.FromConsultantID, &status); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reset lead")
		}
		rl.StatusBefore = StoredStatus(status)
		reset = append(reset, rl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to reset campaign leads")
	}
	return reset, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanLeads(rows pgx.Rows) ([]*Lead, error) {
	leads := make([]*Lead, 0)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan lead")
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read leads")
	}
	return leads, nil
}

func scanLead(row pgx.Row) (*Lead, error) {
	lead := &Lead{}
	var status string

	err := row.Scan(
		&lead.ID,
		&lead.CampaignID,
		&lead.ImportBatchID,
		&lead.Name,
		&lead.Phone,
		&lead.Email,
		&lead.Document,
		&lead.ConsultantID,
		&lead.OwnerID,
		&lead.OfficeID,
		&lead.PreviousConsultants,
		&status,
		&lead.IsWorked,
		&lead.LastStatusChangeAt,
		&lead.LastActivityAt,
		&lead.LastInteractionAt,
		&lead.LastOutcomeCode,
		&lead.LastOutcomeLabel,
		&lead.LastOutcomeNote,
		&lead.NextFollowUpAt,
		&lead.NextStepNote,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	lead.Status = StoredStatus(status)
	return lead, nil
}
