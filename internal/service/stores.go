package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-crm-leads/internal/metrics"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

// LeadStore is the lead persistence the services need. Both the postgres
// and the sqlite repositories satisfy it.
type LeadStore interface {
	GetByID(ctx context.Context, id string) (*repository.Lead, error)
	ListByIDs(ctx context.Context, campaignID string, ids []string) ([]*repository.Lead, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*repository.Lead, error)
	FindStock(ctx context.Context, campaignID string, limit int) ([]*repository.Lead, error)
	CountStock(ctx context.Context, campaignID string) (int64, error)
	Count(ctx context.Context, campaignID string, filter repository.LeadFilter) (int64, error)
	UpdateMany(ctx context.Context, ids []string, patch repository.AssignPatch) ([]string, error)
	TransferMany(ctx context.Context, transfers []repository.Transfer, patch repository.TransferPatch) ([]string, error)
	ResetCampaign(ctx context.Context, campaignID string) ([]*repository.ResetLead, error)
}

// CampaignStore persists campaigns and derives their counters.
type CampaignStore interface {
	Create(ctx context.Context, c *repository.Campaign) error
	GetByID(ctx context.Context, id string) (*repository.Campaign, error)
	RecomputeCounters(ctx context.Context, campaignID string) (*repository.Counters, error)
	Delete(ctx context.Context, id string) error
}

// BatchStore persists import batches together with their leads.
type BatchStore interface {
	Create(ctx context.Context, batch *repository.ImportBatch, leads []repository.NewLead) (*repository.Counters, error)
	GetByID(ctx context.Context, id string) (*repository.ImportBatch, error)
	Delete(ctx context.Context, id string) (*repository.Counters, error)
}

// HistoryStore is the append-only lead history log.
type HistoryStore interface {
	Append(ctx context.Context, entry *repository.HistoryEntry) error
	AppendMany(ctx context.Context, entries []*repository.HistoryEntry) error
	ListByLead(ctx context.Context, leadID string) ([]*repository.HistoryEntry, error)
}

// UserDirectory resolves actors and consultants.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*repository.User, error)
	ListByIDs(ctx context.Context, ids []string) (map[string]*repository.User, error)
}

// EventPublisher announces allocation changes. Publishing never fails the
// operation.
type EventPublisher interface {
	PublishLeadEvent(ctx context.Context, eventType, campaignID, actorID string, recipients []string, payload map[string]any)
}

type nopPublisher struct{}

func (nopPublisher) PublishLeadEvent(context.Context, string, string, string, []string, map[string]any) {}

// Deps bundles the collaborators shared by the services.
type Deps struct {
	Leads     LeadStore
	Campaigns CampaignStore
	Batches   BatchStore
	History   HistoryStore
	Users     UserDirectory
	Events    EventPublisher
	Metrics   metrics.Collector
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func observe(m metrics.Collector, op string, start time.Time, err *error) {
	m.ObserveOperation(op, time.Since(start).Seconds(), *err)
}

func strPtr(s string) *string {
	return &s
}
