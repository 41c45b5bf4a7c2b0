package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-crm-leads/internal/client"
	"github.com/pesio-ai/be-crm-leads/internal/config"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

// maxClaimAttempts bounds how often Distribute refetches stock after leads
// were claimed by a concurrent caller.
const maxClaimAttempts = 3

// AllocationService hands campaign stock to consultants.
type AllocationService struct {
	deps    Deps
	history *HistoryRecorder
	cfg     config.AllocationConfig
	log     *logger.Logger
}

// NewAllocationService creates a new AllocationService.
func NewAllocationService(deps Deps, history *HistoryRecorder, cfg config.AllocationConfig, log *logger.Logger) *AllocationService {
	return &AllocationService{
		deps:    deps.withDefaults(),
		history: history,
		cfg:     cfg,
		log:     log,
	}
}

// DistributeRequest asks for QuantityPerConsultant stock leads for each
// consultant, in list order.
type DistributeRequest struct {
	CampaignID            string
	ConsultantIDs         []string
	QuantityPerConsultant int
	ActorID               string
}

// DistributeResult reports what each consultant actually received.
type DistributeResult struct {
	Distributed    map[string]int      `json:"distributed"`
	Slices         map[string][]string `json:"slices"`
	RemainingStock int64               `json:"remaining_stock"`
}

// Total is the number of leads assigned by the call.
func (r *DistributeResult) Total() int {
	n := 0
	for _, c := range r.Distributed {
		n += c
	}
	return n
}

// Distribute assigns stock leads, oldest first, in contiguous slices of
// QuantityPerConsultant per consultant. When stock runs short the later
// consultants get fewer leads or none.
//
// Every slice is written with a guard on the stock predicate, so a lead
// claimed by a concurrent Distribute is skipped rather than reassigned. The
// shortfall is refetched from the remaining stock a bounded number of times.
func (s *AllocationService) Distribute(ctx context.Context, req *DistributeRequest) (res *DistributeResult, err error) {
	defer observe(s.deps.Metrics, "distribute", time.Now(), &err)

	consultants, err := s.validateDistribute(ctx, req)
	if err != nil {
		return nil, err
	}

	q := req.QuantityPerConsultant
	res = &DistributeResult{
		Distributed: make(map[string]int, len(req.ConsultantIDs)),
		Slices:      make(map[string][]string, len(req.ConsultantIDs)),
	}
	for _, id := range req.ConsultantIDs {
		res.Distributed[id] = 0
		res.Slices[id] = []string{}
	}

	now := s.deps.Now()
	pending := req.ConsultantIDs
	skipped := 0

	for attempt := 1; attempt <= maxClaimAttempts && len(pending) > 0; attempt++ {
		available, err := s.deps.Leads.CountStock(ctx, req.CampaignID)
		if err != nil {
			return nil, s.abort(ctx, req, res, err)
		}

		// needed never exceeds the stock, so it cannot overflow when the
		// per-consultant limit is off.
		needed := 0
		for _, id := range pending {
			needed += min(q-res.Distributed[id], int(available)-needed)
		}
		if needed == 0 {
			break
		}

		stock, err := s.deps.Leads.FindStock(ctx, req.CampaignID, needed)
		if err != nil {
			return nil, s.abort(ctx, req, res, err)
		}
		if len(stock) == 0 {
			break
		}

		lost := 0
		offset := 0
		for _, consultantID := range pending {
			want := q - res.Distributed[consultantID]
			if offset >= len(stock) {
				break
			}
			end := offset + min(want, len(stock)-offset)
			slice := leadIDs(stock[offset:end])
			offset = end

			claimed, err := s.deps.Leads.UpdateMany(ctx, slice, repository.AssignPatch{
				ConsultantID: consultantID,
				OfficeID:     consultants[consultantID].OfficeID,
				OwnerID:      strPtr(req.ActorID),
				At:           now,
				OnlyInStock:  true,
			})
			if err != nil {
				return nil, s.abort(ctx, req, res, err)
			}

			claimed = inOrder(slice, claimed)
			res.Distributed[consultantID] += len(claimed)
			res.Slices[consultantID] = append(res.Slices[consultantID], claimed...)
			lost += len(slice) - len(claimed)
		}
		skipped += lost

		// Nothing was taken from under us, so the stock is simply exhausted.
		if lost == 0 {
			break
		}

		next := pending[:0:0]
		for _, id := range pending {
			if res.Distributed[id] < q {
				next = append(next, id)
			}
		}
		pending = next

		s.log.Warn().
			Str("campaign_id", req.CampaignID).
			Int("attempt", attempt).
			Int("skipped", lost).
			Msg("Stock claimed concurrently, retrying shortfall")
	}

	s.deps.Metrics.RecordGuardSkipped("distribute", skipped)

	if res.Total() == 0 {
		return nil, errors.EmptyStock(req.CampaignID)
	}

	s.recordAssignments(ctx, req, res)

	counters, err := s.deps.Campaigns.RecomputeCounters(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	res.RemainingStock = counters.Remaining

	s.deps.Metrics.RecordLeadsMoved("distribute", res.Total())

	recipients := make([]string, 0, len(req.ConsultantIDs))
	for _, id := range req.ConsultantIDs {
		if res.Distributed[id] > 0 {
			recipients = append(recipients, id)
		}
	}
	s.deps.Events.PublishLeadEvent(ctx, client.EventLeadsDistributed, req.CampaignID, req.ActorID, recipients, map[string]any{
		"distributed":     res.Distributed,
		"remaining_stock": res.RemainingStock,
	})

	s.log.Info().
		Str("campaign_id", req.CampaignID).
		Str("actor_id", req.ActorID).
		Int("consultants", len(req.ConsultantIDs)).
		Int("quantity", q).
		Int("assigned", res.Total()).
		Int64("remaining_stock", res.RemainingStock).
		Msg("Leads distributed")

	return res, nil
}

// validateDistribute checks the request and resolves the recipients.
func (s *AllocationService) validateDistribute(ctx context.Context, req *DistributeRequest) (map[string]*repository.User, error) {
	if req.CampaignID == "" {
		return nil, errors.InvalidInput("campaign_id", "campaign id is required")
	}
	if len(req.ConsultantIDs) == 0 {
		return nil, errors.InvalidInput("consultant_ids", "at least one consultant is required")
	}
	if req.QuantityPerConsultant <= 0 {
		return nil, errors.InvalidInput("quantity_per_consultant", "quantity must be positive")
	}
	if limit := s.cfg.MaxQuantityPerConsultant; limit > 0 && req.QuantityPerConsultant > limit {
		return nil, errors.InvalidInput("quantity_per_consultant", "quantity exceeds the per-consultant limit")
	}

	seen := make(map[string]bool, len(req.ConsultantIDs))
	for _, id := range req.ConsultantIDs {
		if id == "" {
			return nil, errors.InvalidInput("consultant_ids", "consultant id is required")
		}
		if seen[id] {
			return nil, errors.InvalidInput("consultant_ids", "consultant listed twice: "+id)
		}
		seen[id] = true
	}

	if _, err := s.deps.Campaigns.GetByID(ctx, req.CampaignID); err != nil {
		return nil, err
	}

	users, err := s.deps.Users.ListByIDs(ctx, req.ConsultantIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range req.ConsultantIDs {
		u, ok := users[id]
		if !ok {
			return nil, errors.NotFound("consultant", id)
		}
		if !u.Active {
			return nil, errors.InvalidInput("consultant_ids", "consultant is inactive: "+id)
		}
		if !canReceive(s.cfg, u) {
			return nil, errors.InvalidInput("consultant_ids", "user cannot receive leads: "+id)
		}
	}
	return users, nil
}

// canReceive reports whether u may be handed leads. Managers receive only
// when the configuration allows it; MASTER never does.
func canReceive(cfg config.AllocationConfig, u *repository.User) bool {
	switch u.Role {
	case repository.RoleConsultant:
		return true
	case repository.RoleBusinessManager, repository.RoleOwner, repository.RoleSeniorManager:
		return cfg.AllowManagerRecipients
	default:
		return false
	}
}

// abort keeps counters truthful after a slice write failed part way; the
// slices already written stay assigned.
func (s *AllocationService) abort(ctx context.Context, req *DistributeRequest, res *DistributeResult, cause error) error {
	if res.Total() > 0 {
		s.recordAssignments(ctx, req, res)
		if _, err := s.deps.Campaigns.RecomputeCounters(ctx, req.CampaignID); err != nil {
			s.log.Error().Err(err).Str("campaign_id", req.CampaignID).Msg("Failed to recompute counters after distribution error")
		}
	}
	s.log.Error().Err(cause).
		Str("campaign_id", req.CampaignID).
		Int("assigned", res.Total()).
		Msg("Distribution aborted")
	return cause
}

func (s *AllocationService) recordAssignments(ctx context.Context, req *DistributeRequest, res *DistributeResult) {
	status := string(repository.StatusNew)
	entries := make([]*repository.HistoryEntry, 0, res.Total())
	for _, consultantID := range req.ConsultantIDs {
		for _, leadID := range res.Slices[consultantID] {
			entries = append(entries, &repository.HistoryEntry{
				LeadID:       leadID,
				CampaignID:   req.CampaignID,
				Action:       repository.ActionAssign,
				ToUserID:     strPtr(consultantID),
				ByUserID:     req.ActorID,
				StatusBefore: strPtr(status),
				StatusAfter:  strPtr(status),
			})
		}
	}
	s.history.Record(ctx, entries...)
}

func leadIDs(leads []*repository.Lead) []string {
	ids := make([]string, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}
	return ids
}

// inOrder returns the members of subset in the order they appear in ids.
func inOrder(ids, subset []string) []string {
	keep := make(map[string]bool, len(subset))
	for _, id := range subset {
		keep[id] = true
	}
	out := make([]string, 0, len(subset))
	for _, id := range ids {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}
