package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
	"github.com/pesio-ai/be-crm-leads/internal/permission"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
	"github.com/pesio-ai/be-crm-leads/internal/service"
)

// ActorHeader carries the authenticated user id set by the gateway.
const ActorHeader = "X-User-ID"

const maxBodyBytes = 10 << 20

// Pinger reports whether the backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig configures the ambient routes and middleware.
type RouterConfig struct {
	RequestTimeout time.Duration
	Health         Pinger
	Metrics        http.Handler
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	allocation *service.AllocationService
	reassign   *service.ReassignmentService
	campaigns  *service.CampaignService
	users      service.UserDirectory
	oracle     permission.Oracle
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	allocation *service.AllocationService,
	reassign *service.ReassignmentService,
	campaigns *service.CampaignService,
	users service.UserDirectory,
	oracle permission.Oracle,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		allocation: allocation,
		reassign:   reassign,
		campaigns:  campaigns,
		users:      users,
		oracle:     oracle,
		log:        log,
	}
}

// Router builds the chi router serving the API.
func (h *HTTPHandler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", h.health(cfg.Health))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/campaigns", h.CreateCampaign)
		r.Get("/campaigns/{id}", h.GetCampaign)
		r.Delete("/campaigns/{id}", h.DeleteCampaign)
		r.Get("/campaigns/{id}/leads", h.ListLeads)
		r.Post("/campaigns/{id}/batches", h.ImportBatch)
		r.Post("/campaigns/{id}/distribute", h.Distribute)
		r.Post("/campaigns/{id}/recapture", h.Recapture)
		r.Post("/campaigns/{id}/reset", h.ResetCampaign)
		r.Post("/campaigns/{id}/recompute", h.RecomputeCounters)

		r.Delete("/batches/{id}", h.DeleteBatch)

		r.Get("/leads/{id}", h.GetLead)
		r.Post("/leads/{id}/reassign", h.Reassign)
		r.Get("/leads/{id}/history", h.LeadHistory)
	})

	return r
}

func (h *HTTPHandler) health(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Ping(r.Context()); err != nil {
				h.log.Warn().Err(err).Msg("Health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// ── Middleware ────────────────────────────────────────────────────────────────

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type actorKey struct{}

// authenticate resolves the X-User-ID header against the user directory.
func (h *HTTPHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(ActorHeader)
		if id == "" {
			writeErrorBody(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing "+ActorHeader+" header", "")
			return
		}

		actor, err := h.users.GetByID(r.Context(), id)
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeNotFound) {
				h.writeError(w, r, errors.PermissionDenied("act as an unknown user"))
				return
			}
			h.writeError(w, r, err)
			return
		}
		if !actor.Active {
			h.writeError(w, r, errors.PermissionDenied("act as an inactive user"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) *repository.User {
	u, _ := ctx.Value(actorKey{}).(*repository.User)
	return u
}

// ── Campaigns ─────────────────────────────────────────────────────────────────

type createCampaignRequest struct {
	Name     string  `json:"name"`
	OfficeID *string `json:"office_id"`
}

// CreateCampaign handles create campaign HTTP requests
func (h *HTTPHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor := actorFrom(r.Context())
	if !h.oracle.CanManageCampaign(actor, &repository.Campaign{OfficeID: req.OfficeID}) {
		h.writeError(w, r, errors.PermissionDenied("create campaigns"))
		return
	}

	c, err := h.campaigns.CreateCampaign(r.Context(), &service.CreateCampaignRequest{
		Name:     req.Name,
		OfficeID: req.OfficeID,
		ActorID:  actor.ID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCampaign handles get campaign HTTP requests
func (h *HTTPHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedCampaign(w, r, "view this campaign", h.oracle.CanViewCampaign)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCampaign handles delete campaign HTTP requests
func (h *HTTPHandler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedCampaign(w, r, "delete this campaign", h.oracle.CanManageCampaign)
	if !ok {
		return
	}
	if err := h.campaigns.DeleteCampaign(r.Context(), c.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListLeads handles list leads HTTP requests
func (h *HTTPHandler) ListLeads(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedCampaign(w, r, "view this campaign", h.oracle.CanViewCampaign)
	if !ok {
		return
	}
	leads, err := h.campaigns.ListLeads(r.Context(), c.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads, "count": len(leads)})
}

// ImportBatch accepts either a JSON body of rows or a CSV file with a
// name,phone,email,document header.
func (h *HTTPHandler) ImportBatch(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedCampaign(w, r, "import into this campaign", h.oracle.CanManageCampaign)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	req, err := parseImport(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.CampaignID = c.ID
	req.ActorID = actorFrom(r.Context()).ID

	res, err := h.campaigns.ImportBatch(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// DeleteBatch handles delete batch HTTP requests
func (h *HTTPHandler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.campaigns.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.campaigns.GetCampaign(r.Context(), batch.CampaignID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.oracle.CanManageCampaign(actorFrom(r.Context()), c) {
		h.writeError(w, r, errors.PermissionDenied("delete batches of this campaign"))
		return
	}

	counters, err := h.campaigns.DeleteBatch(r.Context(), batch.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

// ResetCampaign handles reset campaign HTTP requests
func (h *HTTPHandler) ResetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedCampaign(w, r, "reset this campaign", h.oracle.CanReset)
	if !ok {
		return
	}
	res, err := h.campaigns.ResetCampaign(r.Context(), c.ID, actorFrom(r.Context()).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecomputeCounters handles recompute counters HTTP requests
func (h *HTTPHandler) RecomputeCounters(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authorizedCampaign(w, r, "recompute this campaign", h.oracle.CanManageCampaign)
	if !ok {
		return
	}
	updated, err := h.campaigns.RecomputeCounters(r.Context(), c.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ── Allocation ────────────────────────────────────────────────────────────────

type distributeRequest struct {
	ConsultantIDs         []string `json:"consultant_ids"`
	QuantityPerConsultant int      `json:"quantity_per_consultant"`
}

// Distribute checks the actor may allocate into every recipient's office
// before handing stock out.
func (h *HTTPHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	actor := actorFrom(ctx)
	c, err := h.campaigns.GetCampaign(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	recipients, err := h.users.ListByIDs(ctx, req.ConsultantIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, id := range req.ConsultantIDs {
		u, ok := recipients[id]
		if !ok {
			continue
		}
		if !h.oracle.CanDistribute(actor, c, u.OfficeID) {
			h.writeError(w, r, errors.PermissionDenied("distribute leads to "+id))
			return
		}
	}

	res, err := h.allocation.Distribute(ctx, &service.DistributeRequest{
		CampaignID:            c.ID,
		ConsultantIDs:         req.ConsultantIDs,
		QuantityPerConsultant: req.QuantityPerConsultant,
		ActorID:               actor.ID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type recaptureRequest struct {
	LeadIDs         []string `json:"lead_ids"`
	NewConsultantID string   `json:"new_consultant_id"`
	Reason          *string  `json:"reason"`
}

// Recapture handles recapture HTTP requests. Permissions are checked per
// lead by the service.
func (h *HTTPHandler) Recapture(w http.ResponseWriter, r *http.Request) {
	var req recaptureRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.reassign.Recapture(r.Context(), &service.RecaptureRequest{
		CampaignID:      chi.URLParam(r, "id"),
		LeadIDs:         req.LeadIDs,
		NewConsultantID: req.NewConsultantID,
		Reason:          req.Reason,
		Actor:           actorFrom(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Leads ─────────────────────────────────────────────────────────────────────

// GetLead handles get lead HTTP requests
func (h *HTTPHandler) GetLead(w http.ResponseWriter, r *http.Request) {
	lead, ok := h.visibleLead(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// LeadHistory handles lead history HTTP requests
func (h *HTTPHandler) LeadHistory(w http.ResponseWriter, r *http.Request) {
	lead, ok := h.visibleLead(w, r)
	if !ok {
		return
	}
	entries, err := h.campaigns.LeadHistory(r.Context(), lead.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

type reassignRequest struct {
	NewConsultantID string  `json:"new_consultant_id"`
	Note            *string `json:"note"`
}

// Reassign handles reassign lead HTTP requests
func (h *HTTPHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	actor := actorFrom(ctx)
	lead, err := h.campaigns.GetLead(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.campaigns.GetCampaign(ctx, lead.CampaignID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.oracle.CanReassign(actor, c, lead.OfficeID) {
		h.writeError(w, r, errors.PermissionDenied("reassign this lead"))
		return
	}

	updated, err := h.reassign.Reassign(ctx, &service.ReassignRequest{
		LeadID:          lead.ID,
		NewConsultantID: req.NewConsultantID,
		Note:            req.Note,
		ActorID:         actor.ID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// authorizedCampaign loads the {id} campaign and applies check for the
// request's actor.
func (h *HTTPHandler) authorizedCampaign(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	check func(*repository.User, *repository.Campaign) bool,
) (*repository.Campaign, bool) {
	c, err := h.campaigns.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if !check(actorFrom(r.Context()), c) {
		h.writeError(w, r, errors.PermissionDenied(action))
		return nil, false
	}
	return c, true
}

// visibleLead loads the {id} lead if the request's actor may read it.
func (h *HTTPHandler) visibleLead(w http.ResponseWriter, r *http.Request) (*repository.Lead, bool) {
	ctx := r.Context()
	lead, err := h.campaigns.GetLead(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	c, err := h.campaigns.GetCampaign(ctx, lead.CampaignID)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if !h.oracle.CanViewLead(actorFrom(ctx), c, lead) {
		h.writeError(w, r, errors.PermissionDenied("view this lead"))
		return nil, false
	}
	return lead, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	code := errors.CodeOf(err)

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeErrorBody(w, status, string(code), "internal error", "")
		return
	}

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		writeErrorBody(w, status, string(code), appErr.Message, appErr.Field)
		return
	}
	writeErrorBody(w, status, string(code), err.Error(), "")
}

func writeErrorBody(w http.ResponseWriter, status int, code, message, field string) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, Field: field},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
