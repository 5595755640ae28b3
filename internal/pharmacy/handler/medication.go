package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/pharmanet/internal/pharmacy/service"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/httputil"
	"github.com/medflow/pharmanet/pkg/logger"
)

// MedicationHandler serves reference data and per-medication stock
type MedicationHandler struct {
	catalog *service.Catalog
	lots    *service.LotInventory
	logger  *logger.Logger
}

// NewMedicationHandler creates a new medication handler
func NewMedicationHandler(svcs *service.Services, log *logger.Logger) *MedicationHandler {
	return &MedicationHandler{
		catalog: svcs.Catalog,
		lots:    svcs.Lots,
		logger:  log,
	}
}

// Priority returns a medication's automatic priority
func (h *MedicationHandler) Priority(w http.ResponseWriter, r *http.Request) {
	priority, err := h.catalog.Priority(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, priority)
}

// Lots lists the lots with stock at one site, earliest expiry first
func (h *MedicationHandler) Lots(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		httputil.Error(w, errors.InvalidRequest("site_id", "is required"))
		return
	}

	lots, err := h.lots.AvailableLots(r.Context(), chi.URLParam(r, "id"), siteID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// Stock lists per-site stock, optionally excluding the requesting site
func (h *MedicationHandler) Stock(w http.ResponseWriter, r *http.Request) {
	stock, err := h.lots.StockBySite(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("exclude_site_id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stock)
}

// Sites lists active sites
func (h *MedicationHandler) Sites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.catalog.Sites(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, sites)
}
