package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/internal/pharmacy/service"
	"github.com/medflow/pharmanet/pkg/httputil"
	"github.com/medflow/pharmanet/pkg/logger"
)

// RedistributionHandler handles redistribution request endpoints
type RedistributionHandler struct {
	engine *service.RedistributionEngine
	logger *logger.Logger
}

// NewRedistributionHandler creates a new redistribution handler
func NewRedistributionHandler(engine *service.RedistributionEngine, log *logger.Logger) *RedistributionHandler {
	return &RedistributionHandler{
		engine: engine,
		logger: log,
	}
}

type createRedistributionRequest struct {
	MedicationID          string  `json:"medication_id" validate:"required,uuid"`
	OriginSiteID          string  `json:"origin_site_id" validate:"required,uuid"`
	DestinationSiteID     string  `json:"destination_site_id" validate:"required,uuid"`
	Quantity              int     `json:"quantity" validate:"gt=0"`
	MedicalJustification  string  `json:"medical_justification" validate:"required,max=2000"`
	AffectedPatients      *int    `json:"affected_patients" validate:"omitempty,gte=0"`
	ManualPriority        *string `json:"manual_priority" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW"`
	PriorityJustification string  `json:"priority_justification" validate:"max=2000"`
}

type completeRedistributionRequest struct {
	ApprovedQuantity int    `json:"approved_quantity" validate:"gt=0"`
	Observations     string `json:"observations" validate:"max=2000"`
}

// Create submits a new redistribution request
func (h *RedistributionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRedistributionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	// Tiers are case-insensitive
	if req.ManualPriority != nil {
		normalized := strings.ToUpper(strings.TrimSpace(*req.ManualPriority))
		req.ManualPriority = &normalized
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	in := service.CreateRedistributionInput{
		MedicationID:          req.MedicationID,
		OriginSiteID:          req.OriginSiteID,
		DestinationSiteID:     req.DestinationSiteID,
		Quantity:              req.Quantity,
		MedicalJustification:  req.MedicalJustification,
		AffectedPatients:      req.AffectedPatients,
		PriorityJustification: req.PriorityJustification,
		ActorID:               actorID(r),
	}
	if req.ManualPriority != nil {
		tier := domain.Tier(*req.ManualPriority)
		in.ManualTier = &tier
	}

	result, err := h.engine.Create(r.Context(), in)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// Complete approves and executes a request
func (h *RedistributionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRedistributionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.engine.Complete(r.Context(), service.CompleteRedistributionInput{
		ID:               chi.URLParam(r, "id"),
		ApprovedQuantity: req.ApprovedQuantity,
		Observations:     req.Observations,
		ActorID:          actorID(r),
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Get returns one request with the origin's current stock
func (h *RedistributionHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, detail)
}

// List lists requests, newest first
func (h *RedistributionHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := httputil.Pagination(r)
	q := r.URL.Query()

	filter := domain.RedistributionFilter{
		State:             domain.RequestState(strings.ToUpper(q.Get("state"))),
		OriginSiteID:      q.Get("origin_site_id"),
		DestinationSiteID: q.Get("destination_site_id"),
		Page:              page,
		PerPage:           perPage,
	}
	if p := q.Get("priority"); p != "" {
		filter.Tier = domain.ParseTier(p)
	}

	requests, total, err := h.engine.List(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, requests, httputil.NewMeta(page, perPage, total))
}

// Stats returns request counts for the dashboard
func (h *RedistributionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stats)
}
