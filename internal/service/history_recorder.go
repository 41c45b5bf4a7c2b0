package service

import (
	"context"

	"github.com/pesio-ai/be-crm-leads/internal/logger"
	"github.com/pesio-ai/be-crm-leads/internal/metrics"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

// HistoryRecorder writes lead history after the ownership change it
// describes has been committed. A failed write is logged at error level and
// counted, never returned: the lead change stands.
type HistoryRecorder struct {
	store   HistoryStore
	metrics metrics.Collector
	log     *logger.Logger
}

// NewHistoryRecorder creates a new HistoryRecorder.
func NewHistoryRecorder(store HistoryStore, m metrics.Collector, log *logger.Logger) *HistoryRecorder {
	if m == nil {
		m = metrics.NewNop()
	}
	return &HistoryRecorder{store: store, metrics: m, log: log}
}

// Record appends entries, best effort.
func (h *HistoryRecorder) Record(ctx context.Context, entries ...*repository.HistoryEntry) {
	if len(entries) == 0 {
		return
	}

	var err error
	if len(entries) == 1 {
		err = h.store.Append(ctx, entries[0])
	} else {
		err = h.store.AppendMany(ctx, entries)
	}
	if err != nil {
		h.metrics.RecordHistoryFailure(string(entries[0].Action), len(entries))
		h.log.Error().Err(err).
			Str("action", string(entries[0].Action)).
			Str("campaign_id", entries[0].CampaignID).
			Int("entries", len(entries)).
			Msg("Failed to write lead history")
	}
}

// List returns the history of a lead, oldest first.
func (h *HistoryRecorder) List(ctx context.Context, leadID string) ([]*repository.HistoryEntry, error) {
	return h.store.ListByLead(ctx, leadID)
}
