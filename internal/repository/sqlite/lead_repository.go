package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

const leadColumns = `
	id, campaign_id, import_batch_id, name, phone, email, document,
	consultant_id, owner_id, office_id, previous_consultants,
	status, is_worked,
	last_status_change_at, last_activity_at, last_interaction_at,
	last_outcome_code, last_outcome_label, last_outcome_note,
	next_follow_up_at, next_step_note,
	created_at, updated_at`

const stockPredicate = `consultant_id IS NULL AND status = 'NOVO'`

// LeadRepository is the SQLite lead store.
type LeadRepository struct {
	db *DB
}

// NewLeadRepository creates a new LeadRepository.
func NewLeadRepository(db *DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// GetByID retrieves a lead.
func (r *LeadRepository) GetByID(ctx context.Context, id string) (*repository.Lead, error) {
	row := r.db.sql.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("lead", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get lead")
	}
	return lead, nil
}

// ListByIDs returns the leads of a campaign among ids.
func (r *LeadRepository) ListByIDs(ctx context.Context, campaignID string, ids []string) ([]*repository.Lead, error) {
	if len(ids) == 0 {
		return []*repository.Lead{}, nil
	}
	in, args := inClause(ids)
	query := `SELECT ` + leadColumns + ` FROM leads WHERE campaign_id = ? AND id IN ` + in + ` ORDER BY created_at, id`

	rows, err := r.db.sql.QueryContext(ctx, query, append([]any{campaignID}, args...)...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list leads")
	}
	defer rows.Close()
	return scanLeads(rows)
}

// ListByCampaign returns every lead of a campaign, oldest first.
func (r *LeadRepository) ListByCampaign(ctx context.Context, campaignID string) ([]*repository.Lead, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE campaign_id = ? ORDER BY created_at, id`, campaignID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list campaign leads")
	}
	defer rows.Close()
	return scanLeads(rows)
}

// FindStock returns up to limit stock leads of a campaign, oldest first.
func (r *LeadRepository) FindStock(ctx context.Context, campaignID string, limit int) ([]*repository.Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads
		WHERE campaign_id = ? AND ` + stockPredicate + `
		ORDER BY created_at ASC, id ASC
		LIMIT ?`

	rows, err := r.db.sql.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find stock")
	}
	defer rows.Close()
	return scanLeads(rows)
}

// CountStock counts the unassigned leads of a campaign.
func (r *LeadRepository) CountStock(ctx context.Context, campaignID string) (int64, error) {
	inStock := true
	return r.Count(ctx, campaignID, repository.LeadFilter{InStock: &inStock})
}

// Count counts the leads of a campaign matching filter.
func (r *LeadRepository) Count(ctx context.Context, campaignID string, filter repository.LeadFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM leads WHERE campaign_id = ?`
	args := []any{campaignID}

	if filter.InStock != nil {
		if *filter.InStock {
			query += ` AND consultant_id IS NULL`
		} else {
			query += ` AND consultant_id IS NOT NULL`
		}
	}
	if filter.ConsultantID != nil {
		query += ` AND consultant_id = ?`
		args = append(args, *filter.ConsultantID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}

	var total int64
	if err := r.db.sql.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count leads")
	}
	return total, nil
}

// UpdateMany assigns the given leads in one statement and returns the ids
// actually written. OnlyInStock turns it into a compare-and-swap.
func (r *LeadRepository) UpdateMany(ctx context.Context, ids []string, patch repository.AssignPatch) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, idArgs := inClause(ids)
	at := nanos(patch.At)

	query := `
		UPDATE leads
		SET consultant_id         = ?,
		    office_id             = ?,
		    owner_id              = ?,
		    status                = 'NOVO',
		    is_worked             = 0,
		    next_follow_up_at     = NULL,
		    next_step_note        = NULL,
		    last_outcome_code     = NULL,
		    last_outcome_label    = NULL,
		    last_outcome_note     = NULL,
		    last_status_change_at = ?,
		    updated_at            = ?
		WHERE id IN ` + in
	if patch.OnlyInStock {
		query += ` AND ` + stockPredicate
	}
	query += ` RETURNING id`

	args := append([]any{patch.ConsultantID, nullable(patch.OfficeID), nullable(patch.OwnerID), at, at}, idArgs...)
	rows, err := r.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to assign leads")
	}
	defer rows.Close()

	updated, err := scanIDs(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read assigned leads")
	}
	return updated, nil
}

// TransferMany moves leads to another consultant, each guarded on its
// expected current owner, in one transaction.
func (r *LeadRepository) TransferMany(ctx context.Context, transfers []repository.Transfer, patch repository.TransferPatch) ([]string, error) {
	if len(transfers) == 0 {
		return nil, nil
	}

	officeExpr := `COALESCE(?, office_id)`
	if patch.KeepOffice {
		officeExpr = `COALESCE(office_id, ?)`
	}
	query := `
		UPDATE leads
		SET previous_consultants = CASE
		        WHEN consultant_id IS NULL THEN previous_consultants
		        ELSE json_insert(previous_consultants, '$[#]', consultant_id)
		    END,
		    consultant_id    = ?,
		    office_id        = ` + officeExpr + `,
		    is_worked        = 0,
		    last_activity_at = ?,
		    updated_at       = ?
		WHERE id = ? AND consultant_id IS ?`

	at := nanos(patch.At)
	moved := make([]string, 0, len(transfers))
	err := r.db.InTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range transfers {
			res, err := tx.ExecContext(ctx, query, patch.ToConsultantID, nullable(patch.ToOfficeID), at, at, t.LeadID, nullable(t.FromConsultantID))
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to transfer lead")
			}
			n, err := res.RowsAffected()
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to transfer lead")
			}
			if n == 1 {
				moved = append(moved, t.LeadID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// ResetCampaign returns every lead of a campaign to stock and reports the
// prior owner and status of each lead.
func (r *LeadRepository) ResetCampaign(ctx context.Context, campaignID string) ([]*repository.ResetLead, error) {
	reset := make([]*repository.ResetLead, 0)

	err := r.db.InTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, consultant_id, status FROM leads WHERE campaign_id = ? ORDER BY created_at, id`, campaignID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read campaign leads")
		}
		for rows.Next() {
			var rl repository.ResetLead
			var consultant sql.NullString
			var status string
			if err := rows.Scan(&rl.LeadID, &consultant, &status); err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reset lead")
			}
			rl.FromConsultantID = fromNullString(consultant)
			rl.StatusBefore = repository.StoredStatus(status)
			reset = append(reset, &rl)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read campaign leads")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE leads
			SET consultant_id         = NULL,
			    owner_id              = NULL,
			    office_id             = NULL,
			    status                = 'NOVO',
			    is_worked             = 0,
			    last_status_change_at = NULL,
			    last_activity_at      = NULL,
			    last_interaction_at   = NULL,
			    last_outcome_code     = NULL,
			    last_outcome_label    = NULL,
			    last_outcome_note     = NULL,
			    next_follow_up_at     = NULL,
			    next_step_note        = NULL,
			    updated_at            = ?
			WHERE campaign_id = ?`, nanos(time.Now()), campaignID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to reset campaign leads")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// UpdateWorkflow overwrites the workflow fields of a lead. The surrounding
// application owns status updates; this exists for seeding and tests.
func (r *LeadRepository) UpdateWorkflow(ctx context.Context, lead *repository.Lead) error {
	_, err := r.db.sql.ExecContext(ctx, `
		UPDATE leads
		SET status = ?, is_worked = ?,
		    last_status_change_at = ?, last_activity_at = ?, last_interaction_at = ?,
		    last_outcome_code = ?, last_outcome_label = ?, last_outcome_note = ?,
		    next_follow_up_at = ?, next_step_note = ?, updated_at = ?
		WHERE id = ?`,
		string(lead.Status), lead.IsWorked,
		nullNanos(lead.LastStatusChangeAt), nullNanos(lead.LastActivityAt), nullNanos(lead.LastInteractionAt),
		nullable(lead.LastOutcomeCode), nullable(lead.LastOutcomeLabel), nullable(lead.LastOutcomeNote),
		nullNanos(lead.NextFollowUpAt), nullable(lead.NextStepNote), nanos(time.Now()),
		lead.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update lead workflow")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanLeads(rows *sql.Rows) ([]*repository.Lead, error) {
	leads := make([]*repository.Lead, 0)
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

func scanLead(row rowScanner) (*repository.Lead, error) {
	var lead repository.Lead
	var batchID, phone, email, document sql.NullString
	var consultantID, ownerID, officeID sql.NullString
	var outcomeCode, outcomeLabel, outcomeNote, nextStepNote sql.NullString
	var statusChange, activity, interaction, followUp sql.NullInt64
	var previous, status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&lead.ID,
		&lead.CampaignID,
		&batchID,
		&lead.Name,
		&phone,
		&email,
		&document,
		&consultantID,
		&ownerID,
		&officeID,
		&previous,
		&status,
		&lead.IsWorked,
		&statusChange,
		&activity,
		&interaction,
		&outcomeCode,
		&outcomeLabel,
		&outcomeNote,
		&followUp,
		&nextStepNote,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	lead.PreviousConsultants, err = decodeIDs(previous)
	if err != nil {
		return nil, err
	}
	lead.ImportBatchID = fromNullString(batchID)
	lead.Phone = fromNullString(phone)
	lead.Email = fromNullString(email)
	lead.Document = fromNullString(document)
	lead.ConsultantID = fromNullString(consultantID)
	lead.OwnerID = fromNullString(ownerID)
	lead.OfficeID = fromNullString(officeID)
	lead.Status = repository.StoredStatus(status)
	lead.LastStatusChangeAt = fromNullNanos(statusChange)
	lead.LastActivityAt = fromNullNanos(activity)
	lead.LastInteractionAt = fromNullNanos(interaction)
	lead.LastOutcomeCode = fromNullString(outcomeCode)
	lead.LastOutcomeLabel = fromNullString(outcomeLabel)
	lead.LastOutcomeNote = fromNullString(outcomeNote)
	lead.NextFollowUpAt = fromNullNanos(followUp)
	lead.NextStepNote = fromNullString(nextStepNote)
	lead.CreatedAt = fromNanos(createdAt)
	lead.UpdatedAt = fromNanos(updatedAt)
	return &lead, nil
}
