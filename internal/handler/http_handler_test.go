package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-leads/internal/config"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
	"github.com/pesio-ai/be-crm-leads/internal/metrics"
	"github.com/pesio-ai/be-crm-leads/internal/permission"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
	"github.com/pesio-ai/be-crm-leads/internal/repository/sqlite"
	"github.com/pesio-ai/be-crm-leads/internal/service"
)

type apiFixture struct {
	router http.Handler
	db     *sqlite.DB
}

func strPtr(s string) *string { return &s }

// newAPI wires the full stack over a temporary SQLite file.
func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "leads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	users := sqlite.NewUserRepository(db)
	for _, u := range []*repository.User{
		{ID: "master", Name: "Master", Role: repository.RoleMaster, Active: true},
		{ID: "m1", Name: "Owner One", Role: repository.RoleOwner, OfficeID: strPtr("o1"), Active: true},
		{ID: "bm2", Name: "Manager Two", Role: repository.RoleBusinessManager, OfficeID: strPtr("o2"), Active: true},
		{ID: "c1", Name: "Ana", Role: repository.RoleConsultant, OfficeID: strPtr("o1"), Active: true},
		{ID: "c2", Name: "Bruno", Role: repository.RoleConsultant, OfficeID: strPtr("o1"), Active: true},
		{ID: "c4", Name: "Dora", Role: repository.RoleConsultant, OfficeID: strPtr("o2"), Active: true},
		{ID: "c5", Name: "Edu", Role: repository.RoleConsultant, OfficeID: strPtr("o1"), Active: false},
	} {
		require.NoError(t, users.Upsert(ctx, u))
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheus(reg, "")
	require.NoError(t, err)

	log := logger.Nop()
	deps := service.Deps{
		Leads:     sqlite.NewLeadRepository(db),
		Campaigns: sqlite.NewCampaignRepository(db),
		Batches:   sqlite.NewBatchRepository(db),
		History:   sqlite.NewHistoryRepository(db),
		Users:     users,
		Metrics:   m,
	}
	history := service.NewHistoryRecorder(deps.History, m, log)
	oracle := permission.NewRoleOracle()

	allocation := config.AllocationConfig{MaxQuantityPerConsultant: 100}
	h := NewHTTPHandler(
		service.NewAllocationService(deps, history, allocation, log),
		service.NewReassignmentService(deps, history, oracle, allocation, log),
		service.NewCampaignService(deps, history, log),
		users,
		oracle,
		log,
	)

	return &apiFixture{
		router: h.Router(RouterConfig{
			RequestTimeout: 5 * time.Second,
			Health:         db,
			Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}),
		db: db,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, rd)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// newCampaign creates a campaign in office o1 with n leads.
func (f *apiFixture) newCampaign(t *testing.T, n int) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/campaigns", "master", map[string]any{"name": "Spring", "office_id": "o1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decodeBody[repository.Campaign](t, rec)

	if n > 0 {
		rows := make([]map[string]string, n)
		for i := range rows {
			rows[i] = map[string]string{"name": "Lead", "phone": "555"}
		}
		rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/batches", "master", map[string]any{"file_name": "seed.json", "rows": rows})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	return c.ID
}

func TestAuthentication(t *testing.T) {
	f := newAPI(t)

	tests := []struct {
		name   string
		actor  string
		status int
		code   string
	}{
		{"missing header", "", http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"unknown user", "ghost", http.StatusForbidden, "PERMISSION_DENIED"},
		{"inactive user", "c5", http.StatusForbidden, "PERMISSION_DENIED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/v1/campaigns/any", tt.actor, nil)
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeBody[errorResponse](t, rec).Error.Code)
		})
	}
}

func TestCampaignWorkflow(t *testing.T) {
	f := newAPI(t)
	id := f.newCampaign(t, 3)

	csvReq := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns/"+id+"/batches?file_name=extra.csv",
		strings.NewReader("Name,Phone,Email,Document\nCarla,555-1,,123\nDiego,,diego@example.com,\n"))
	csvReq.Header.Set(ActorHeader, "m1")
	csvReq.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, csvReq)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	imported := decodeBody[service.ImportResult](t, rec)
	assert.Equal(t, "extra.csv", imported.Batch.FileName)
	assert.Equal(t, repository.Counters{Total: 5, Remaining: 5}, *imported.Counters)

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/distribute", "m1", map[string]any{
		"consultant_ids":          []string{"c1", "c2"},
		"quantity_per_consultant": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dist := decodeBody[service.DistributeResult](t, rec)
	assert.Equal(t, map[string]int{"c1": 2, "c2": 2}, dist.Distributed)
	assert.Equal(t, int64(1), dist.RemainingStock)

	leadID := dist.Slices["c1"][0]
	rec = f.do(t, http.MethodPost, "/api/v1/leads/"+leadID+"/reassign", "m1", map[string]any{
		"new_consultant_id": "c2",
		"note":              "coverage",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	lead := decodeBody[repository.Lead](t, rec)
	assert.Equal(t, "c2", *lead.ConsultantID)
	assert.Equal(t, []string{"c1"}, lead.PreviousConsultants)

	rec = f.do(t, http.MethodGet, "/api/v1/leads/"+leadID+"/history", "c1", nil)
	require.Equal(t, http.StatusForbidden, rec.Code, "previous consultant no longer sees the lead")

	rec = f.do(t, http.MethodGet, "/api/v1/leads/"+leadID+"/history", "c2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[struct {
		History []repository.HistoryEntry `json:"history"`
	}](t, rec).History
	require.Len(t, history, 2)
	assert.Equal(t, repository.ActionAssign, history[0].Action)
	assert.Equal(t, repository.ActionReassign, history[1].Action)

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/recapture", "m1", map[string]any{
		"lead_ids":          []string{dist.Slices["c2"][0], "ghost"},
		"new_consultant_id": "c1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	recap := decodeBody[service.RecaptureResult](t, rec)
	assert.Equal(t, []string{dist.Slices["c2"][0]}, recap.Processed)
	assert.Equal(t, []service.BlockedLead{{LeadID: "ghost", Reason: service.BlockedNotFound}}, recap.Blocked)

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/reset", "m1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reset := decodeBody[service.ResetResult](t, rec)
	assert.Equal(t, 5, reset.ResetCount)
	assert.Equal(t, repository.Counters{Total: 5, Remaining: 5}, *reset.Counters)

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/leads", "m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decodeBody[struct {
		Count int `json:"count"`
	}](t, rec).Count)

	rec = f.do(t, http.MethodDelete, "/api/v1/campaigns/"+id, "m1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/"+id, "m1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDistributeChecksEveryRecipientOffice(t *testing.T) {
	f := newAPI(t)
	id := f.newCampaign(t, 4)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/distribute", "bm2", map[string]any{
		"consultant_ids":          []string{"c4", "c1"},
		"quantity_per_consultant": 1,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "PERMISSION_DENIED", decodeBody[errorResponse](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/distribute", "bm2", map[string]any{
		"consultant_ids":          []string{"c4"},
		"quantity_per_consultant": 1,
	})
	require.Equal(t, http.StatusForbidden, rec.Code, "campaign belongs to another office")

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/"+id, "master", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4), decodeBody[repository.Campaign](t, rec).RemainingLeads, "nothing was assigned")
}

func TestReadScope(t *testing.T) {
	f := newAPI(t)
	id := f.newCampaign(t, 2)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/distribute", "m1", map[string]any{
		"consultant_ids":          []string{"c1"},
		"quantity_per_consultant": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dist := decodeBody[service.DistributeResult](t, rec)
	owned := dist.Slices["c1"][0]

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/leads", "m1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stock string
	for _, l := range decodeBody[struct {
		Leads []repository.Lead `json:"leads"`
	}](t, rec).Leads {
		if l.ID != owned {
			stock = l.ID
		}
	}
	require.NotEmpty(t, stock)

	tests := []struct {
		name   string
		actor  string
		path   string
		status int
	}{
		{"owner reads campaign", "m1", "/api/v1/campaigns/" + id, http.StatusOK},
		{"other office manager reads campaign", "bm2", "/api/v1/campaigns/" + id, http.StatusForbidden},
		{"consultant lists campaign leads", "c1", "/api/v1/campaigns/" + id + "/leads", http.StatusForbidden},
		{"other office manager lists campaign leads", "bm2", "/api/v1/campaigns/" + id + "/leads", http.StatusForbidden},
		{"consultant reads own lead", "c1", "/api/v1/leads/" + owned, http.StatusOK},
		{"consultant reads own lead history", "c1", "/api/v1/leads/" + owned + "/history", http.StatusOK},
		{"consultant reads stock lead", "c1", "/api/v1/leads/" + stock, http.StatusForbidden},
		{"other consultant reads lead", "c2", "/api/v1/leads/" + owned, http.StatusForbidden},
		{"other office manager reads lead", "bm2", "/api/v1/leads/" + owned + "/history", http.StatusForbidden},
		{"unknown lead", "master", "/api/v1/leads/ghost", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.path, tt.actor, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestDistributeErrors(t *testing.T) {
	f := newAPI(t)
	empty := f.newCampaign(t, 0)
	full := f.newCampaign(t, 2)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
		field  string
	}{
		{
			name:   "empty stock",
			path:   "/api/v1/campaigns/" + empty + "/distribute",
			body:   map[string]any{"consultant_ids": []string{"c1"}, "quantity_per_consultant": 1},
			status: http.StatusConflict,
			code:   "EMPTY_STOCK",
		},
		{
			name:   "zero quantity",
			path:   "/api/v1/campaigns/" + full + "/distribute",
			body:   map[string]any{"consultant_ids": []string{"c1"}, "quantity_per_consultant": 0},
			status: http.StatusBadRequest,
			code:   "INVALID_ARGUMENT",
			field:  "quantity_per_consultant",
		},
		{
			name:   "unknown field",
			path:   "/api/v1/campaigns/" + full + "/distribute",
			body:   map[string]any{"consultants": []string{"c1"}},
			status: http.StatusBadRequest,
			code:   "INVALID_ARGUMENT",
			field:  "body",
		},
		{
			name:   "unknown campaign",
			path:   "/api/v1/campaigns/nope/distribute",
			body:   map[string]any{"consultant_ids": []string{"c1"}, "quantity_per_consultant": 1},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, "master", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decodeBody[errorResponse](t, rec)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.field, body.Error.Field)
		})
	}
}

func TestReassignAcrossOfficesIsForbidden(t *testing.T) {
	f := newAPI(t)
	id := f.newCampaign(t, 1)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/distribute", "master", map[string]any{
		"consultant_ids":          []string{"c1"},
		"quantity_per_consultant": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	leadID := decodeBody[service.DistributeResult](t, rec).Slices["c1"][0]

	rec = f.do(t, http.MethodPost, "/api/v1/leads/"+leadID+"/reassign", "master", map[string]any{"new_consultant_id": "c4"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CROSS_OFFICE_FORBIDDEN", decodeBody[errorResponse](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/leads/"+leadID+"/reassign", "bm2", map[string]any{"new_consultant_id": "c2"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "PERMISSION_DENIED", decodeBody[errorResponse](t, rec).Error.Code)
}

func TestResetRequiresPermission(t *testing.T) {
	f := newAPI(t)
	id := f.newCampaign(t, 1)

	for _, actor := range []string{"bm2", "c1"} {
		rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/reset", actor, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, actor)
	}
}

func TestDeleteBatch(t *testing.T) {
	f := newAPI(t)
	id := f.newCampaign(t, 2)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/batches", "m1", map[string]any{
		"rows": []map[string]string{{"name": "Extra"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decodeBody[service.ImportResult](t, rec).Batch
	assert.Equal(t, "import", batch.FileName)

	rec = f.do(t, http.MethodDelete, "/api/v1/batches/"+batch.ID, "bm2", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/batches/"+batch.ID, "m1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	counters := decodeBody[struct {
		Counters repository.Counters `json:"counters"`
	}](t, rec).Counters
	assert.Equal(t, repository.Counters{Total: 2, Remaining: 2}, counters)

	rec = f.do(t, http.MethodDelete, "/api/v1/batches/"+batch.ID, "m1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t)
	f.newCampaign(t, 1)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `crm_leads_allocation_operations_total{op="import_batch",result="success"} 1`)

	require.NoError(t, f.db.Close())
	rec = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
