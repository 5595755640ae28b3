package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/internal/pharmacy/service"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/httputil"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/shopspring/decimal"
)

// StockHandler handles stock entries, exits and the movement ledger
type StockHandler struct {
	stock  *service.StockService
	logger *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(stock *service.StockService, log *logger.Logger) *StockHandler {
	return &StockHandler{
		stock:  stock,
		logger: log,
	}
}

type entryRequest struct {
	MedicationID string           `json:"medication_id" validate:"required,uuid"`
	SiteID       string           `json:"site_id" validate:"required,uuid"`
	LotCode      string           `json:"lot_code" validate:"required,max=100"`
	Quantity     int              `json:"quantity" validate:"gt=0"`
	ExpiryDate   string           `json:"expiry_date" validate:"required"`
	Supplier     string           `json:"supplier" validate:"max=200"`
	UnitPrice    *decimal.Decimal `json:"unit_price"`
	Notes        string           `json:"notes" validate:"max=2000"`
}

type exitRequest struct {
	MedicationID    string `json:"medication_id" validate:"required,uuid"`
	SiteID          string `json:"site_id" validate:"required,uuid"`
	LotCode         string `json:"lot_code" validate:"max=100"`
	Quantity        int    `json:"quantity" validate:"gt=0"`
	PatientDocument string `json:"patient_document" validate:"max=50"`
	Notes           string `json:"notes" validate:"max=2000"`
}

// Entry records stock received at a site
func (h *StockHandler) Entry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	expiry, err := time.Parse(dateLayout, req.ExpiryDate)
	if err != nil {
		httputil.Error(w, errors.InvalidRequest("expiry_date", "must be a date formatted as YYYY-MM-DD"))
		return
	}

	result, err := h.stock.RecordEntry(r.Context(), service.EntryInput{
		MedicationID: req.MedicationID,
		SiteID:       req.SiteID,
		LotCode:      req.LotCode,
		Quantity:     req.Quantity,
		ExpiryDate:   expiry,
		Supplier:     req.Supplier,
		UnitPrice:    req.UnitPrice,
		Notes:        req.Notes,
		ActorID:      actorID(r),
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// Exit records stock dispensed at a site
func (h *StockHandler) Exit(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.stock.RecordExit(r.Context(), service.ExitInput{
		MedicationID:    req.MedicationID,
		SiteID:          req.SiteID,
		LotCode:         req.LotCode,
		Quantity:        req.Quantity,
		PatientDocument: req.PatientDocument,
		Notes:           req.Notes,
		ActorID:         actorID(r),
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// Movements lists ledger entries. from and to are inclusive dates.
func (h *StockHandler) Movements(w http.ResponseWriter, r *http.Request) {
	page, perPage := httputil.Pagination(r)
	q := r.URL.Query()

	from, err := parseDate(r, "from")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	to, err := parseDate(r, "to")
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if to != nil {
		next := to.AddDate(0, 0, 1)
		to = &next
	}

	movements, total, err := h.stock.Movements(r.Context(), domain.MovementFilter{
		SiteID:           q.Get("site_id"),
		MedicationID:     q.Get("medication_id"),
		Type:             domain.MovementType(strings.ToUpper(q.Get("type"))),
		RedistributionID: q.Get("redistribution_id"),
		From:             from,
		To:               to,
		Page:             page,
		PerPage:          perPage,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, movements, httputil.NewMeta(page, perPage, total))
}
