package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/metrics"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
)

// memDB is an in-memory lead store with the same guard semantics as the SQL
// stores. writes logs every consultant each lead was written to.
type memDB struct {
	mu        sync.Mutex
	seq       int
	leads     map[string]*repository.Lead
	order     []string
	campaigns map[string]*repository.Campaign
	batches   map[string]*repository.ImportBatch
	history   []*repository.HistoryEntry
	users     map[string]*repository.User
	writes    map[string][]string

	onFindStock func()
	historyErr  error
}

func newMemDB() *memDB {
	return &memDB{
		leads:     make(map[string]*repository.Lead),
		campaigns: make(map[string]*repository.Campaign),
		batches:   make(map[string]*repository.ImportBatch),
		users:     make(map[string]*repository.User),
		writes:    make(map[string][]string),
	}
}

func (db *memDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

// pauseFindStock makes the first n FindStock calls wait for each other, so
// n callers all read the stock before any of them writes.
func (db *memDB) pauseFindStock(n int) {
	db.onFindStock = barrier(n)
}

// barrier returns a hook whose first n calls block until all n arrived.
func barrier(n int) func() {
	var arrived sync.WaitGroup
	arrived.Add(n)
	var calls atomic.Int32
	return func() {
		if calls.Add(1) <= int32(n) {
			arrived.Done()
			arrived.Wait()
		}
	}
}

// doubleAssigned lists the leads written to more than one consultant.
func (db *memDB) doubleAssigned() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var ids []string
	for _, id := range db.order {
		owners := make(map[string]bool)
		for _, c := range db.writes[id] {
			owners[c] = true
		}
		if len(owners) > 1 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (db *memDB) setOwner(leadID string, consultantID *string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.leads[leadID].ConsultantID = consultantID
}

func (db *memDB) setWorkflow(leadID string, fn func(l *repository.Lead)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.leads[leadID])
}

func (db *memDB) historyFor(leadID string) []*repository.HistoryEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*repository.HistoryEntry
	for _, e := range db.history {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	return out
}

func (db *memDB) historyCount(action repository.HistoryAction) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, e := range db.history {
		if e.Action == action {
			n++
		}
	}
	return n
}

func cloneLead(l *repository.Lead) *repository.Lead {
	c := *l
	c.PreviousConsultants = append([]string{}, l.PreviousConsultants...)
	return &c
}

func inStock(l *repository.Lead) bool {
	return l.ConsultantID == nil && l.Status == repository.StatusNew
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ── leads ─────────────────────────────────────────────────────────────────────

type memLeads struct{ db *memDB }

func (m memLeads) GetByID(_ context.Context, id string) (*repository.Lead, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	l, ok := m.db.leads[id]
	if !ok {
		return nil, errors.NotFound("lead", id)
	}
	return cloneLead(l), nil
}

func (m memLeads) ListByIDs(_ context.Context, campaignID string, ids []string) ([]*repository.Lead, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]*repository.Lead, 0)
	for _, id := range m.db.order {
		l := m.db.leads[id]
		if want[id] && l.CampaignID == campaignID {
			out = append(out, cloneLead(l))
		}
	}
	return out, nil
}

func (m memLeads) ListByCampaign(_ context.Context, campaignID string) ([]*repository.Lead, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]*repository.Lead, 0)
	for _, id := range m.db.order {
		if l := m.db.leads[id]; l.CampaignID == campaignID {
			out = append(out, cloneLead(l))
		}
	}
	return out, nil
}

func (m memLeads) FindStock(_ context.Context, campaignID string, limit int) ([]*repository.Lead, error) {
	m.db.mu.Lock()
	out := make([]*repository.Lead, 0, limit)
	for _, id := range m.db.order {
		if len(out) == limit {
			break
		}
		if l := m.db.leads[id]; l.CampaignID == campaignID && inStock(l) {
			out = append(out, cloneLead(l))
		}
	}
	hook := m.db.onFindStock
	m.db.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (m memLeads) CountStock(ctx context.Context, campaignID string) (int64, error) {
	yes := true
	return m.Count(ctx, campaignID, repository.LeadFilter{InStock: &yes})
}

func (m memLeads) Count(_ context.Context, campaignID string, f repository.LeadFilter) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for _, l := range m.db.leads {
		if l.CampaignID != campaignID {
			continue
		}
		if f.InStock != nil && (l.ConsultantID == nil) != *f.InStock {
			continue
		}
		if f.ConsultantID != nil && !sameID(l.ConsultantID, f.ConsultantID) {
			continue
		}
		if f.Status != nil && l.Status != *f.Status {
			continue
		}
		n++
	}
	return n, nil
}

func (m memLeads) UpdateMany(_ context.Context, ids []string, p repository.AssignPatch) ([]string, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	updated := make([]string, 0, len(ids))
	for _, id := range ids {
		l, ok := m.db.leads[id]
		if !ok || (p.OnlyInStock && !inStock(l)) {
			continue
		}
		at := p.At
		l.ConsultantID = strPtr(p.ConsultantID)
		l.OfficeID = p.OfficeID
		l.OwnerID = p.OwnerID
		l.Status = repository.StatusNew
		l.IsWorked = false
		l.NextFollowUpAt = nil
		l.NextStepNote = nil
		l.LastOutcomeCode, l.LastOutcomeLabel, l.LastOutcomeNote = nil, nil, nil
		l.LastStatusChangeAt = &at
		l.UpdatedAt = at
		m.db.writes[id] = append(m.db.writes[id], p.ConsultantID)
		updated = append(updated, id)
	}
	return updated, nil
}

func (m memLeads) TransferMany(_ context.Context, transfers []repository.Transfer, p repository.TransferPatch) ([]string, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	moved := make([]string, 0, len(transfers))
	for _, t := range transfers {
		l, ok := m.db.leads[t.LeadID]
		if !ok || !sameID(l.ConsultantID, t.FromConsultantID) {
			continue
		}
		if l.ConsultantID != nil {
			l.PreviousConsultants = append(l.PreviousConsultants, *l.ConsultantID)
		}
		l.ConsultantID = strPtr(p.ToConsultantID)
		switch {
		case p.KeepOffice && l.OfficeID == nil:
			l.OfficeID = p.ToOfficeID
		case !p.KeepOffice && p.ToOfficeID != nil:
			l.OfficeID = p.ToOfficeID
		}
		at := p.At
		l.IsWorked = false
		l.LastActivityAt = &at
		l.UpdatedAt = at
		m.db.writes[t.LeadID] = append(m.db.writes[t.LeadID], p.ToConsultantID)
		moved = append(moved, t.LeadID)
	}
	return moved, nil
}

func (m memLeads) ResetCampaign(_ context.Context, campaignID string) ([]*repository.ResetLead, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]*repository.ResetLead, 0)
	for _, id := range m.db.order {
		l := m.db.leads[id]
		if l.CampaignID != campaignID {
			continue
		}
		out = append(out, &repository.ResetLead{LeadID: id, FromConsultantID: l.ConsultantID, StatusBefore: l.Status})
		*l = repository.Lead{
			ID:                  l.ID,
			CampaignID:          l.CampaignID,
			ImportBatchID:       l.ImportBatchID,
			Name:                l.Name,
			Phone:               l.Phone,
			Email:               l.Email,
			Document:            l.Document,
			PreviousConsultants: l.PreviousConsultants,
			Status:              repository.StatusNew,
			CreatedAt:           l.CreatedAt,
			UpdatedAt:           l.UpdatedAt,
		}
	}
	return out, nil
}

// ── campaigns and batches ─────────────────────────────────────────────────────

type memCampaigns struct{ db *memDB }

func (m memCampaigns) Create(_ context.Context, c *repository.Campaign) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c.ID = m.db.nextID("camp")
	cp := *c
	m.db.campaigns[c.ID] = &cp
	return nil
}

func (m memCampaigns) GetByID(_ context.Context, id string) (*repository.Campaign, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.campaigns[id]
	if !ok {
		return nil, errors.NotFound("campaign", id)
	}
	cp := *c
	return &cp, nil
}

func (m memCampaigns) RecomputeCounters(_ context.Context, id string) (*repository.Counters, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.recompute(id)
}

func (db *memDB) recompute(id string) (*repository.Counters, error) {
	c, ok := db.campaigns[id]
	if !ok {
		return nil, errors.NotFound("campaign", id)
	}
	var counters repository.Counters
	for _, l := range db.leads {
		if l.CampaignID != id {
			continue
		}
		counters.Total++
		if l.ConsultantID == nil {
			counters.Remaining++
		} else {
			counters.Assigned++
		}
	}
	c.TotalLeads, c.RemainingLeads, c.AssignedLeads = counters.Total, counters.Remaining, counters.Assigned
	return &counters, nil
}

func (m memCampaigns) Delete(_ context.Context, id string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.campaigns[id]; !ok {
		return errors.NotFound("campaign", id)
	}
	m.db.removeLeads(func(l *repository.Lead) bool { return l.CampaignID == id })
	for bid, b := range m.db.batches {
		if b.CampaignID == id {
			delete(m.db.batches, bid)
		}
	}
	delete(m.db.campaigns, id)
	return nil
}

func (db *memDB) removeLeads(match func(l *repository.Lead) bool) {
	removed := make(map[string]bool)
	order := db.order[:0:0]
	for _, id := range db.order {
		if match(db.leads[id]) {
			removed[id] = true
			delete(db.leads, id)
			continue
		}
		order = append(order, id)
	}
	db.order = order

	history := db.history[:0:0]
	for _, e := range db.history {
		if !removed[e.LeadID] {
			history = append(history, e)
		}
	}
	db.history = history
}

type memBatches struct{ db *memDB }

func (m memBatches) Create(_ context.Context, b *repository.ImportBatch, rows []repository.NewLead) (*repository.Counters, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.campaigns[b.CampaignID]; !ok {
		return nil, errors.NotFound("campaign", b.CampaignID)
	}
	b.ID = m.db.nextID("batch")
	b.RowCount = len(rows)
	cp := *b
	m.db.batches[b.ID] = &cp

	for _, r := range rows {
		id := m.db.nextID("lead")
		m.db.leads[id] = &repository.Lead{
			ID:                  id,
			CampaignID:          b.CampaignID,
			ImportBatchID:       strPtr(b.ID),
			Name:                r.Name,
			Phone:               r.Phone,
			Email:               r.Email,
			Document:            r.Document,
			PreviousConsultants: []string{},
			Status:              repository.StatusNew,
		}
		m.db.order = append(m.db.order, id)
	}
	return m.db.recompute(b.CampaignID)
}

func (m memBatches) GetByID(_ context.Context, id string) (*repository.ImportBatch, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b, ok := m.db.batches[id]
	if !ok {
		return nil, errors.NotFound("import_batch", id)
	}
	cp := *b
	return &cp, nil
}

func (m memBatches) Delete(_ context.Context, id string) (*repository.Counters, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	b, ok := m.db.batches[id]
	if !ok {
		return nil, errors.NotFound("import_batch", id)
	}
	m.db.removeLeads(func(l *repository.Lead) bool { return sameID(l.ImportBatchID, &id) })
	delete(m.db.batches, id)
	return m.db.recompute(b.CampaignID)
}

// ── history and users ─────────────────────────────────────────────────────────

type memHistory struct{ db *memDB }

func (m memHistory) Append(ctx context.Context, e *repository.HistoryEntry) error {
	return m.AppendMany(ctx, []*repository.HistoryEntry{e})
}

func (m memHistory) AppendMany(_ context.Context, entries []*repository.HistoryEntry) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.historyErr != nil {
		return m.db.historyErr
	}
	for _, e := range entries {
		e.ID = m.db.nextID("hist")
		m.db.history = append(m.db.history, e)
	}
	return nil
}

func (m memHistory) ListByLead(_ context.Context, leadID string) ([]*repository.HistoryEntry, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make([]*repository.HistoryEntry, 0)
	for _, e := range m.db.history {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memUsers struct{ db *memDB }

func (m memUsers) GetByID(_ context.Context, id string) (*repository.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (m memUsers) ListByIDs(_ context.Context, ids []string) (map[string]*repository.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	out := make(map[string]*repository.User, len(ids))
	for _, id := range ids {
		if u, ok := m.db.users[id]; ok {
			cp := *u
			out[id] = &cp
		}
	}
	return out, nil
}

// ── events and metrics ────────────────────────────────────────────────────────

type publishedEvent struct {
	Type       string
	CampaignID string
	Recipients []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishLeadEvent(_ context.Context, eventType, campaignID, _ string, recipients []string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, CampaignID: campaignID, Recipients: recipients})
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type countingMetrics struct {
	metrics.NopMetrics
	mu              sync.Mutex
	historyFailures int
	guardSkipped    int
	blocked         map[string]int
}

func (c *countingMetrics) RecordHistoryFailure(_ string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.historyFailures += n
}

func (c *countingMetrics) RecordGuardSkipped(_ string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guardSkipped += n
}

func (c *countingMetrics) RecordBlocked(reason string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked == nil {
		c.blocked = make(map[string]int)
	}
	c.blocked[reason] += n
}

// ── harness ───────────────────────────────────────────────────────────────────

type harness struct {
	db         *memDB
	deps       Deps
	events     *recordingPublisher
	metrics    *countingMetrics
	allocation *AllocationService
	reassign   *ReassignmentService
	campaigns  *CampaignService
	campaignID string
	// leads maps L1..Ln to ids.
	leads map[string]string
}

// newHarness seeds consultants c1..c3 (office o1), c4 (office o2), an
// inactive c5, an owner m1 (office o1), a master, a business manager bm2
// (office o2), and a campaign with n leads L1..Ln.
func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	db := newMemDB()
	h := &harness{
		db:      db,
		events:  &recordingPublisher{},
		metrics: &countingMetrics{},
		leads:   make(map[string]string),
	}
	h.deps = Deps{
		Leads:     memLeads{db},
		Campaigns: memCampaigns{db},
		Batches:   memBatches{db},
		History:   memHistory{db},
		Users:     memUsers{db},
		Events:    h.events,
		Metrics:   h.metrics,
	}

	for _, u := range []*repository.User{
		{ID: "c1", Role: repository.RoleConsultant, OfficeID: strPtr("o1"), Active: true},
		{ID: "c2", Role: repository.RoleConsultant, OfficeID: strPtr("o1"), Active: true},
		{ID: "c3", Role: repository.RoleConsultant, OfficeID: strPtr("o1"), Active: true},
		{ID: "c4", Role: repository.RoleConsultant, OfficeID: strPtr("o2"), Active: true},
		{ID: "c5", Role: repository.RoleConsultant, OfficeID: strPtr("o1"), Active: false},
		{ID: "m1", Role: repository.RoleOwner, OfficeID: strPtr("o1"), Active: true},
		{ID: "master", Role: repository.RoleMaster, Active: true},
		{ID: "bm2", Role: repository.RoleBusinessManager, OfficeID: strPtr("o2"), Active: true},
	} {
		db.users[u.ID] = u
	}

	h.rebuild(testAllocation())

	ctx := context.Background()
	c, err := h.campaigns.CreateCampaign(ctx, &CreateCampaignRequest{Name: "Spring", OfficeID: strPtr("o1"), ActorID: "m1"})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	h.campaignID = c.ID

	if n > 0 {
		rows := make([]repository.NewLead, n)
		for i := range rows {
			rows[i] = repository.NewLead{Name: fmt.Sprintf("L%d", i+1)}
		}
		if _, err := h.campaigns.ImportBatch(ctx, &ImportBatchRequest{CampaignID: c.ID, FileName: "spring.csv", Rows: rows}); err != nil {
			t.Fatalf("import: %v", err)
		}
		for _, id := range db.order {
			h.leads[db.leads[id].Name] = id
		}
	}
	return h
}

// names maps lead ids back to L1..Ln.
func (h *harness) names(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		h.db.mu.Lock()
		out[i] = h.db.leads[id].Name
		h.db.mu.Unlock()
	}
	return out
}

func (h *harness) lead(t *testing.T, name string) *repository.Lead {
	t.Helper()
	l, err := h.deps.Leads.GetByID(context.Background(), h.leads[name])
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return l
}

func (h *harness) campaign(t *testing.T) *repository.Campaign {
	t.Helper()
	c, err := h.deps.Campaigns.GetByID(context.Background(), h.campaignID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}

// assign gives the named leads to consultantID in the given office.
func (h *harness) assign(t *testing.T, consultantID string, officeID *string, names ...string) {
	t.Helper()
	ids := make([]string, len(names))
	for i, n := range names {
		ids[i] = h.leads[n]
	}
	_, err := h.deps.Leads.UpdateMany(context.Background(), ids, repository.AssignPatch{
		ConsultantID: consultantID, OfficeID: officeID, OwnerID: strPtr("m1"), OnlyInStock: true,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.deps.Campaigns.RecomputeCounters(context.Background(), h.campaignID); err != nil {
		t.Fatalf("recompute: %v", err)
	}
}
