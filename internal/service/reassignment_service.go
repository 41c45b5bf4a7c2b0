package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-crm-leads/internal/client"
	"github.com/pesio-ai/be-crm-leads/internal/config"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
	"github.com/pesio-ai/be-crm-leads/internal/permission"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

// Reasons a recapture refuses a lead.
const (
	BlockedNotFound         = "not_found"
	BlockedInStock          = "in_stock"
	BlockedAlreadyOwned     = "already_owned"
	BlockedPermissionDenied = "permission_denied"
	BlockedConcurrentUpdate = "concurrent_update"
)

// ReassignmentService moves assigned leads between consultants.
type ReassignmentService struct {
	deps    Deps
	history *HistoryRecorder
	oracle  permission.Oracle
	cfg     config.AllocationConfig
	log     *logger.Logger
}

// NewReassignmentService creates a new ReassignmentService.
func NewReassignmentService(deps Deps, history *HistoryRecorder, oracle permission.Oracle, cfg config.AllocationConfig, log *logger.Logger) *ReassignmentService {
	return &ReassignmentService{
		deps:    deps.withDefaults(),
		history: history,
		oracle:  oracle,
		cfg:     cfg,
		log:     log,
	}
}

// ReassignRequest moves one lead to NewConsultantID.
type ReassignRequest struct {
	LeadID          string
	NewConsultantID string
	Note            *string
	ActorID         string
}

// RecaptureRequest takes leads of a campaign back from their consultants
// and hands them to NewConsultantID.
type RecaptureRequest struct {
	CampaignID      string
	LeadIDs         []string
	NewConsultantID string
	Reason          *string
	Actor           *repository.User
}

// BlockedLead is a lead a recapture left untouched.
type BlockedLead struct {
	LeadID string `json:"lead_id"`
	Reason string `json:"reason"`
}

// RecaptureResult partitions the requested leads.
type RecaptureResult struct {
	Processed []string      `json:"processed"`
	Blocked   []BlockedLead `json:"blocked"`
}

// ── Reassign ──────────────────────────────────────────────────────────────────

// Reassign transfers a lead to another consultant of the same office. The
// lead's status is kept.
func (s *ReassignmentService) Reassign(ctx context.Context, req *ReassignRequest) (lead *repository.Lead, err error) {
	defer observe(s.deps.Metrics, "reassign", time.Now(), &err)

	if req.LeadID == "" {
		return nil, errors.InvalidInput("lead_id", "lead id is required")
	}
	if req.NewConsultantID == "" {
		return nil, errors.InvalidInput("new_consultant_id", "consultant id is required")
	}

	lead, err = s.deps.Leads.GetByID(ctx, req.LeadID)
	if err != nil {
		return nil, err
	}
	consultant, err := s.consultant(ctx, req.NewConsultantID)
	if err != nil {
		return nil, err
	}

	if lead.ConsultantID != nil && *lead.ConsultantID == consultant.ID {
		return nil, errors.InvalidInput("new_consultant_id", "lead already belongs to this consultant")
	}
	if lead.OfficeID != nil && consultant.OfficeID != nil && *lead.OfficeID != *consultant.OfficeID {
		return nil, errors.CrossOffice(*lead.OfficeID, *consultant.OfficeID)
	}

	moved, err := s.deps.Leads.TransferMany(ctx,
		[]repository.Transfer{{LeadID: lead.ID, FromConsultantID: lead.ConsultantID}},
		repository.TransferPatch{
			ToConsultantID: consultant.ID,
			ToOfficeID:     consultant.OfficeID,
			KeepOffice:     true,
			At:             s.deps.Now(),
		})
	if err != nil {
		return nil, err
	}
	if len(moved) == 0 {
		s.deps.Metrics.RecordGuardSkipped("reassign", 1)
		return nil, errors.New(errors.ErrCodeConflict, "lead was changed concurrently, reload and retry")
	}

	status := string(lead.Status)
	s.history.Record(ctx, &repository.HistoryEntry{
		LeadID:       lead.ID,
		CampaignID:   lead.CampaignID,
		Action:       repository.ActionReassign,
		FromUserID:   lead.ConsultantID,
		ToUserID:     strPtr(consultant.ID),
		ByUserID:     req.ActorID,
		Note:         req.Note,
		StatusBefore: strPtr(status),
		StatusAfter:  strPtr(status),
	})

	if lead.InStock() {
		if _, err := s.deps.Campaigns.RecomputeCounters(ctx, lead.CampaignID); err != nil {
			return nil, err
		}
	}
	s.deps.Metrics.RecordLeadsMoved("reassign", 1)

	recipients := []string{consultant.ID}
	if lead.ConsultantID != nil {
		recipients = append(recipients, *lead.ConsultantID)
	}
	s.deps.Events.PublishLeadEvent(ctx, client.EventLeadReassigned, lead.CampaignID, req.ActorID, recipients, map[string]any{
		"lead_id": lead.ID,
	})

	s.log.Info().
		Str("lead_id", lead.ID).
		Str("campaign_id", lead.CampaignID).
		Str("to", consultant.ID).
		Str("actor_id", req.ActorID).
		Msg("Lead reassigned")

	return s.deps.Leads.GetByID(ctx, lead.ID)
}

// ── Recapture ─────────────────────────────────────────────────────────────────

// Recapture transfers a set of assigned leads to a consultant. Leads that
// cannot be moved are reported as blocked and never fail the batch. Office
// boundaries are crossed when the actor is permitted to act on the lead's
// office.
func (s *ReassignmentService) Recapture(ctx context.Context, req *RecaptureRequest) (res *RecaptureResult, err error) {
	defer observe(s.deps.Metrics, "recapture", time.Now(), &err)

	if req.CampaignID == "" {
		return nil, errors.InvalidInput("campaign_id", "campaign id is required")
	}
	if len(req.LeadIDs) == 0 {
		return nil, errors.InvalidInput("lead_ids", "at least one lead is required")
	}
	if req.NewConsultantID == "" {
		return nil, errors.InvalidInput("new_consultant_id", "consultant id is required")
	}
	if req.Actor == nil {
		return nil, errors.InvalidInput("actor", "actor is required")
	}

	campaign, err := s.deps.Campaigns.GetByID(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	consultant, err := s.consultant(ctx, req.NewConsultantID)
	if err != nil {
		return nil, err
	}

	ids := dedupe(req.LeadIDs)
	leads, err := s.deps.Leads.ListByIDs(ctx, req.CampaignID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*repository.Lead, len(leads))
	for _, l := range leads {
		byID[l.ID] = l
	}

	res = &RecaptureResult{Processed: []string{}, Blocked: []BlockedLead{}}
	transfers := make([]repository.Transfer, 0, len(ids))
	for _, id := range ids {
		lead, ok := byID[id]
		switch {
		case !ok:
			res.Blocked = append(res.Blocked, BlockedLead{LeadID: id, Reason: BlockedNotFound})
		case lead.InStock():
			res.Blocked = append(res.Blocked, BlockedLead{LeadID: id, Reason: BlockedInStock})
		case *lead.ConsultantID == consultant.ID:
			res.Blocked = append(res.Blocked, BlockedLead{LeadID: id, Reason: BlockedAlreadyOwned})
		case !s.oracle.CanRecapture(req.Actor, campaign, lead.OfficeID):
			res.Blocked = append(res.Blocked, BlockedLead{LeadID: id, Reason: BlockedPermissionDenied})
		default:
			transfers = append(transfers, repository.Transfer{LeadID: id, FromConsultantID: lead.ConsultantID})
		}
	}

	if len(transfers) > 0 {
		moved, err := s.deps.Leads.TransferMany(ctx, transfers, repository.TransferPatch{
			ToConsultantID: consultant.ID,
			ToOfficeID:     consultant.OfficeID,
			At:             s.deps.Now(),
		})
		if err != nil {
			return nil, err
		}

		done := make(map[string]bool, len(moved))
		for _, id := range moved {
			done[id] = true
		}

		entries := make([]*repository.HistoryEntry, 0, len(moved))
		for _, t := range transfers {
			if !done[t.LeadID] {
				res.Blocked = append(res.Blocked, BlockedLead{LeadID: t.LeadID, Reason: BlockedConcurrentUpdate})
				continue
			}
			res.Processed = append(res.Processed, t.LeadID)
			status := string(byID[t.LeadID].Status)
			entries = append(entries, &repository.HistoryEntry{
				LeadID:       t.LeadID,
				CampaignID:   req.CampaignID,
				Action:       repository.ActionRecapture,
				FromUserID:   t.FromConsultantID,
				ToUserID:     strPtr(consultant.ID),
				ByUserID:     req.Actor.ID,
				Note:         req.Reason,
				StatusBefore: strPtr(status),
				StatusAfter:  strPtr(status),
			})
		}
		s.history.Record(ctx, entries...)
		s.deps.Metrics.RecordGuardSkipped("recapture", len(transfers)-len(moved))
	}

	reasons := make(map[string]int)
	for _, b := range res.Blocked {
		reasons[b.Reason]++
	}
	for reason, n := range reasons {
		s.deps.Metrics.RecordBlocked(reason, n)
	}
	s.deps.Metrics.RecordLeadsMoved("recapture", len(res.Processed))

	if len(res.Processed) > 0 {
		s.deps.Events.PublishLeadEvent(ctx, client.EventLeadsRecaptured, req.CampaignID, req.Actor.ID, []string{consultant.ID}, map[string]any{
			"lead_ids": res.Processed,
		})
	}

	s.log.Info().
		Str("campaign_id", req.CampaignID).
		Str("to", consultant.ID).
		Str("actor_id", req.Actor.ID).
		Int("processed", len(res.Processed)).
		Int("blocked", len(res.Blocked)).
		Msg("Leads recaptured")

	return res, nil
}

// consultant resolves an active lead recipient.
func (s *ReassignmentService) consultant(ctx context.Context, id string) (*repository.User, error) {
	u, err := s.deps.Users.GetByID(ctx, id)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil, errors.NotFound("consultant", id)
		}
		return nil, err
	}
	if !u.Active {
		return nil, errors.InvalidInput("new_consultant_id", "consultant is inactive")
	}
	if !canReceive(s.cfg, u) {
		return nil, errors.InvalidInput("new_consultant_id", "user cannot receive leads: "+id)
	}
	return u, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
