package repository

import (
	"strings"
	"time"
)

// ── Lead workflow ─────────────────────────────────────────────────────────────

// LeadStatus is the canonical lead pipeline state.
type LeadStatus string

const (
	StatusNew         LeadStatus = "NOVO"
	StatusInService   LeadStatus = "EM_ATENDIMENTO"
	StatusNegotiation LeadStatus = "EM_NEGOCIACAO"
	StatusClosed      LeadStatus = "FECHADO"
	StatusLost        LeadStatus = "PERDIDO"
)

// ParseLeadStatus normalises a status string. EM_CONTATO is the legacy
// spelling of EM_ATENDIMENTO.
func ParseLeadStatus(s string) (LeadStatus, bool) {
	switch LeadStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusNew:
		return StatusNew, true
	case StatusInService, "EM_CONTATO":
		return StatusInService, true
	case StatusNegotiation:
		return StatusNegotiation, true
	case StatusClosed:
		return StatusClosed, true
	case StatusLost:
		return StatusLost, true
	}
	return "", false
}

// StoredStatus reads a status column. Legacy spellings are normalised and
// unknown values are kept as stored.
func StoredStatus(s string) LeadStatus {
	if st, ok := ParseLeadStatus(s); ok {
		return st
	}
	return LeadStatus(s)
}

// Lead is a prospect record belonging to exactly one campaign.
type Lead struct {
	ID                  string     `json:"id"`
	CampaignID          string     `json:"campaign_id"`
	ImportBatchID       *string    `json:"import_batch_id,omitempty"`
	Name                string     `json:"name"`
	Phone               *string    `json:"phone,omitempty"`
	Email               *string    `json:"email,omitempty"`
	Document            *string    `json:"document,omitempty"`
	ConsultantID        *string    `json:"consultant_id,omitempty"` // nil = in stock
	OwnerID             *string    `json:"owner_id,omitempty"`
	OfficeID            *string    `json:"office_id,omitempty"`
	PreviousConsultants []string   `json:"previous_consultants"`
	Status              LeadStatus `json:"status"`
	IsWorked            bool       `json:"is_worked"`
	LastStatusChangeAt  *time.Time `json:"last_status_change_at,omitempty"`
	LastActivityAt      *time.Time `json:"last_activity_at,omitempty"`
	LastInteractionAt   *time.Time `json:"last_interaction_at,omitempty"`
	LastOutcomeCode     *string    `json:"last_outcome_code,omitempty"`
	LastOutcomeLabel    *string    `json:"last_outcome_label,omitempty"`
	LastOutcomeNote     *string    `json:"last_outcome_note,omitempty"`
	NextFollowUpAt      *time.Time `json:"next_follow_up_at,omitempty"`
	NextStepNote        *string    `json:"next_step_note,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// InStock reports whether the lead is unassigned.
func (l *Lead) InStock() bool {
	return l.ConsultantID == nil
}

// AssignPatch is applied to a slice of stock leads by the allocation engine.
// It always resets the workflow to the freshly assigned defaults.
type AssignPatch struct {
	ConsultantID string
	OfficeID     *string
	OwnerID      *string
	At           time.Time
	// OnlyInStock guards the update with consultant_id IS NULL AND
	// status = 'NOVO' so a lead claimed concurrently is skipped.
	OnlyInStock bool
}

// TransferPatch moves already-assigned leads to another consultant.
type TransferPatch struct {
	ToConsultantID string
	ToOfficeID     *string
	// KeepOffice keeps a non-null office_id and only fills it when empty.
	// Otherwise a non-nil ToOfficeID replaces it.
	KeepOffice bool
	At         time.Time
}

// Transfer is one lead ownership change guarded on its expected current owner.
type Transfer struct {
	LeadID           string
	FromConsultantID *string
}

// LeadFilter narrows a lead count.
type LeadFilter struct {
	InStock      *bool
	ConsultantID *string
	Status       *LeadStatus
}

// NewLead is one row of an import batch.
type NewLead struct {
	Name     string
	Phone    *string
	Email    *string
	Document *string
}

// ── Campaigns ─────────────────────────────────────────────────────────────────

// Campaign holds leads and their derived counters.
type Campaign struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OfficeID       *string   `json:"office_id,omitempty"`
	TotalLeads     int64     `json:"total_leads"`
	RemainingLeads int64     `json:"remaining_leads"`
	AssignedLeads  int64     `json:"assigned_leads"`
	CreatedBy      *string   `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Counters are the derived campaign aggregates.
type Counters struct {
	Total     int64 `json:"total"`
	Remaining int64 `json:"remaining"`
	Assigned  int64 `json:"assigned"`
}

// ImportBatch records one file ingestion.
type ImportBatch struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	FileName   string    `json:"file_name"`
	RowCount   int       `json:"row_count"`
	ImportedBy *string   `json:"imported_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ── History ───────────────────────────────────────────────────────────────────

// HistoryAction is the kind of ownership change recorded.
type HistoryAction string

const (
	ActionAssign       HistoryAction = "ASSIGN"
	ActionReassign     HistoryAction = "REASSIGN"
	ActionRecapture    HistoryAction = "RECAPTURE"
	ActionReset        HistoryAction = "RESET"
	ActionStatusChange HistoryAction = "STATUS_CHANGE"
)

// HistoryEntry is one immutable record in the lead history log.
type HistoryEntry struct {
	ID           string        `json:"id"`
	LeadID       string        `json:"lead_id"`
	CampaignID   string        `json:"campaign_id"`
	Action       HistoryAction `json:"action"`
	FromUserID   *string       `json:"from_user_id,omitempty"`
	ToUserID     *string       `json:"to_user_id,omitempty"`
	ByUserID     string        `json:"by_user_id"`
	Note         *string       `json:"note,omitempty"`
	StatusBefore *string       `json:"status_before,omitempty"`
	StatusAfter  *string       `json:"status_after,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ── Directory ─────────────────────────────────────────────────────────────────

// Role is a user's position in the organisation hierarchy.
type Role string

const (
	RoleMaster          Role = "MASTER"
	RoleSeniorManager   Role = "SENIOR_MANAGER"
	RoleBusinessManager Role = "BUSINESS_MANAGER"
	RoleOwner           Role = "OWNER"
	RoleConsultant      Role = "CONSULTANT"
)

// User is an actor or a lead recipient.
type User struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Role     Role    `json:"role"`
	OfficeID *string `json:"office_id,omitempty"`
	Active   bool    `json:"active"`
}

// ResetLead reports the state a lead had before a campaign reset.
type ResetLead struct {
	LeadID           string
	FromConsultantID *string
	StatusBefore     LeadStatus
}
