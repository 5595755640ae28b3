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

// AlertHandler handles alert endpoints
type AlertHandler struct {
	alerts *service.AlertManager
	logger *logger.Logger
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(alerts *service.AlertManager, log *logger.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		logger: log,
	}
}

// List lists alerts, most severe first
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := httputil.Pagination(r)
	q := r.URL.Query()

	filter := domain.AlertFilter{
		SiteID:       q.Get("site_id"),
		MedicationID: q.Get("medication_id"),
		State:        domain.AlertState(strings.ToUpper(q.Get("state"))),
		Type:         domain.AlertType(strings.ToUpper(q.Get("type"))),
		Page:         page,
		PerPage:      perPage,
	}
	if p := q.Get("priority"); p != "" {
		filter.Tier = domain.ParseTier(p)
	}

	alerts, total, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, alerts, httputil.NewMeta(page, perPage, total))
}

// Stats counts alerts, optionally for one site
func (h *AlertHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.alerts.Stats(r.Context(), r.URL.Query().Get("site_id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stats)
}

// Resolve resolves one alert
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Observations *string `json:"observations" validate:"omitempty,max=2000"`
	}
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := httputil.Validate(&req); err != nil {
			httputil.Error(w, err)
			return
		}
	}

	alert, err := h.alerts.Resolve(r.Context(), chi.URLParam(r, "id"), actorID(r), req.Observations)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, alert)
}
