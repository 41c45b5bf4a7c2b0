package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-crm-leads/internal/client"
	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

// CampaignService handles campaign lifecycle, imports and resets.
type CampaignService struct {
	deps    Deps
	history *HistoryRecorder
	log     *logger.Logger
}

// NewCampaignService creates a new CampaignService.
func NewCampaignService(deps Deps, history *HistoryRecorder, log *logger.Logger) *CampaignService {
	return &CampaignService{
		deps:    deps.withDefaults(),
		history: history,
		log:     log,
	}
}

// CreateCampaignRequest represents a create campaign request
type CreateCampaignRequest struct {
	Name     string
	OfficeID *string
	ActorID  string
}

// ImportBatchRequest represents one file of leads to add to a campaign's stock
type ImportBatchRequest struct {
	CampaignID string
	FileName   string
	Rows       []repository.NewLead
	ActorID    string
}

// ImportResult reports the new batch and the campaign counters after it.
type ImportResult struct {
	Batch    *repository.ImportBatch `json:"batch"`
	Counters *repository.Counters    `json:"counters"`
}

// ResetResult reports a campaign reset.
type ResetResult struct {
	ResetCount int                  `json:"reset_count"`
	Counters   *repository.Counters `json:"counters"`
}

// CreateCampaign creates an empty campaign.
func (s *CampaignService) CreateCampaign(ctx context.Context, req *CreateCampaignRequest) (*repository.Campaign, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "campaign name is required")
	}

	c := &repository.Campaign{Name: name, OfficeID: req.OfficeID}
	if req.ActorID != "" {
		c.CreatedBy = strPtr(req.ActorID)
	}
	if err := s.deps.Campaigns.Create(ctx, c); err != nil {
		return nil, err
	}

	s.log.Info().Str("campaign_id", c.ID).Str("name", c.Name).Msg("Campaign created")
	return c, nil
}

// GetCampaign retrieves a campaign
func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*repository.Campaign, error) {
	return s.deps.Campaigns.GetByID(ctx, id)
}

// ListLeads returns the leads of a campaign, oldest first.
func (s *CampaignService) ListLeads(ctx context.Context, campaignID string) ([]*repository.Lead, error) {
	if _, err := s.deps.Campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.deps.Leads.ListByCampaign(ctx, campaignID)
}

// ImportBatch adds a file of leads to the campaign's stock and recomputes
// its counters, atomically.
func (s *CampaignService) ImportBatch(ctx context.Context, req *ImportBatchRequest) (res *ImportResult, err error) {
	defer observe(s.deps.Metrics, "import_batch", time.Now(), &err)

	if len(req.Rows) == 0 {
		return nil, errors.InvalidInput("rows", "import has no rows")
	}
	rows := make([]repository.NewLead, len(req.Rows))
	for i, r := range req.Rows {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return nil, errors.InvalidInput(fmt.Sprintf("rows[%d].name", i), "lead name is required")
		}
		rows[i] = r
	}

	if _, err := s.deps.Campaigns.GetByID(ctx, req.CampaignID); err != nil {
		return nil, err
	}

	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		fileName = "import"
	}
	batch := &repository.ImportBatch{CampaignID: req.CampaignID, FileName: fileName}
	if req.ActorID != "" {
		batch.ImportedBy = strPtr(req.ActorID)
	}

	counters, err := s.deps.Batches.Create(ctx, batch, rows)
	if err != nil {
		return nil, err
	}

	if req.ActorID != "" {
		s.deps.Events.PublishLeadEvent(ctx, client.EventBatchImported, req.CampaignID, req.ActorID, []string{req.ActorID}, map[string]any{
			"batch_id": batch.ID,
			"rows":     batch.RowCount,
		})
	}

	s.log.Info().
		Str("campaign_id", req.CampaignID).
		Str("batch_id", batch.ID).
		Int("rows", batch.RowCount).
		Int64("remaining", counters.Remaining).
		Msg("Import batch created")

	return &ImportResult{Batch: batch, Counters: counters}, nil
}

// DeleteBatch removes a batch with its leads and their history, and
// recomputes the campaign counters, atomically.
func (s *CampaignService) DeleteBatch(ctx context.Context, batchID string) (*repository.Counters, error) {
	counters, err := s.deps.Batches.Delete(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("batch_id", batchID).Int64("total", counters.Total).Msg("Import batch deleted")
	return counters, nil
}

// DeleteCampaign removes a campaign and everything it owns.
func (s *CampaignService) DeleteCampaign(ctx context.Context, campaignID string) error {
	if err := s.deps.Campaigns.Delete(ctx, campaignID); err != nil {
		return err
	}
	s.log.Info().Str("campaign_id", campaignID).Msg("Campaign deleted")
	return nil
}

// ResetCampaign returns every lead of the campaign to stock in one
// statement, then recomputes the counters. A RESET history entry is written
// for each lead that had an owner.
func (s *CampaignService) ResetCampaign(ctx context.Context, campaignID, actorID string) (res *ResetResult, err error) {
	defer observe(s.deps.Metrics, "reset", time.Now(), &err)

	if _, err := s.deps.Campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}

	reset, err := s.deps.Leads.ResetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	counters, err := s.deps.Campaigns.RecomputeCounters(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	entries := make([]*repository.HistoryEntry, 0, len(reset))
	owners := make([]string, 0)
	seen := make(map[string]bool)
	for _, rl := range reset {
		if rl.FromConsultantID == nil {
			continue
		}
		entries = append(entries, &repository.HistoryEntry{
			LeadID:       rl.LeadID,
			CampaignID:   campaignID,
			Action:       repository.ActionReset,
			FromUserID:   rl.FromConsultantID,
			ByUserID:     actorID,
			StatusBefore: strPtr(string(rl.StatusBefore)),
			StatusAfter:  strPtr(string(repository.StatusNew)),
		})
		if !seen[*rl.FromConsultantID] {
			seen[*rl.FromConsultantID] = true
			owners = append(owners, *rl.FromConsultantID)
		}
	}
	s.history.Record(ctx, entries...)
	s.deps.Metrics.RecordLeadsMoved("reset", len(entries))

	s.deps.Events.PublishLeadEvent(ctx, client.EventCampaignReset, campaignID, actorID, owners, map[string]any{
		"reset_count": len(reset),
	})

	s.log.Info().
		Str("campaign_id", campaignID).
		Str("actor_id", actorID).
		Int("reset", len(reset)).
		Int("unassigned", len(entries)).
		Msg("Campaign reset")

	return &ResetResult{ResetCount: len(reset), Counters: counters}, nil
}

// RecomputeCounters re-derives the campaign counters from its leads.
func (s *CampaignService) RecomputeCounters(ctx context.Context, campaignID string) (*repository.Campaign, error) {
	if _, err := s.deps.Campaigns.RecomputeCounters(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.deps.Campaigns.GetByID(ctx, campaignID)
}

// LeadHistory returns a lead's history, oldest first.
func (s *CampaignService) LeadHistory(ctx context.Context, leadID string) ([]*repository.HistoryEntry, error) {
	if _, err := s.deps.Leads.GetByID(ctx, leadID); err != nil {
		return nil, err
	}
	return s.history.List(ctx, leadID)
}

// GetLead retrieves a lead
func (s *CampaignService) GetLead(ctx context.Context, leadID string) (*repository.Lead, error) {
	return s.deps.Leads.GetByID(ctx, leadID)
}

// GetBatch retrieves an import batch
func (s *CampaignService) GetBatch(ctx context.Context, batchID string) (*repository.ImportBatch, error) {
	return s.deps.Batches.GetByID(ctx, batchID)
}
