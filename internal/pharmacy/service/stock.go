package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/internal/pharmacy/events"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/lock"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/shopspring/decimal"
)

// StockService records stock received from suppliers and dispensed to
// patients.
type StockService struct {
	tx          Transactor
	medications MedicationStore
	sites       SiteStore
	priority    *PriorityResolver
	lots        *LotInventory
	alerts      *AlertManager
	ledger      *MovementLedger
	locker      lock.Locker
	publisher   *events.Publisher
	logger      *logger.Logger
}

// EntryInput is a delivery of one lot to a site.
type EntryInput struct {
	MedicationID string
	SiteID       string
	LotCode      string
	Quantity     int
	ExpiryDate   time.Time
	Supplier     string
	UnitPrice    *decimal.Decimal
	Notes        string
	ActorID      string
}

// ExitInput dispenses stock at a site. An empty LotCode takes the earliest
// expiring lot that covers Quantity.
type ExitInput struct {
	MedicationID    string
	SiteID          string
	LotCode         string
	Quantity        int
	PatientDocument string
	Notes           string
	ActorID         string
}

// EntryResult is the lot after the entry and the site's new total.
type EntryResult struct {
	Lot            *domain.InventoryLot `json:"lot"`
	Movement       *domain.Movement     `json:"movement"`
	Total          int                  `json:"total"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
}

// ExitResult reports the site's remaining total and any alerts it raised.
// CriticalBand is set when the exit raised a CRITICAL stock alert.
type ExitResult struct {
	Movement     *domain.Movement `json:"movement"`
	LotRemaining int              `json:"lot_remaining"`
	Remaining    int              `json:"remaining"`
	Alerts       []*domain.Alert  `json:"alerts"`
	CriticalBand bool             `json:"critical_band"`
}

func (in *EntryInput) validate() error {
	if in.ActorID == "" {
		return errors.Unauthenticated("an authenticated user is required to record stock entries")
	}
	details := map[string]string{}
	if in.MedicationID == "" {
		details["medication_id"] = "is required"
	}
	if in.SiteID == "" {
		details["site_id"] = "is required"
	}
	if strings.TrimSpace(in.LotCode) == "" {
		details["lot_code"] = "is required"
	}
	if in.Quantity <= 0 {
		details["quantity"] = "must be greater than zero"
	}
	if in.ExpiryDate.IsZero() {
		details["expiry_date"] = "is required"
	}
	if in.UnitPrice != nil && in.UnitPrice.IsNegative() {
		details["unit_price"] = "must not be negative"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

func (in *ExitInput) validate() error {
	if in.ActorID == "" {
		return errors.Unauthenticated("an authenticated user is required to record stock exits")
	}
	details := map[string]string{}
	if in.MedicationID == "" {
		details["medication_id"] = "is required"
	}
	if in.SiteID == "" {
		details["site_id"] = "is required"
	}
	if in.Quantity <= 0 {
		details["quantity"] = "must be greater than zero"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// RecordEntry adds a delivered lot to a site's stock, creating the lot when
// the site does not hold it yet, and clears alerts the new total no longer
// justifies.
func (s *StockService) RecordEntry(ctx context.Context, in EntryInput) (*EntryResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if _, err := s.medications.GetByID(ctx, in.MedicationID); err != nil {
		return nil, err
	}
	site, err := s.sites.GetByID(ctx, in.SiteID)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, lock.StockKey(in.MedicationID, in.SiteID))
	if err != nil {
		return nil, err
	}
	defer release()

	source := &domain.InventoryLot{
		MedicationID: in.MedicationID,
		LotCode:      strings.TrimSpace(in.LotCode),
		ExpiryDate:   in.ExpiryDate,
		Supplier:     optional(in.Supplier),
	}
	if in.UnitPrice != nil {
		source.UnitPrice = decimal.NewNullDecimal(*in.UnitPrice)
	}

	result := &EntryResult{}
	txCtx, out := withOutbox(ctx)
	err = s.tx.Transaction(txCtx, func(ctx context.Context) error {
		lot, err := s.lots.Increment(ctx, site.ID, source, in.Quantity)
		if err != nil {
			return err
		}

		movement := &domain.Movement{
			MedicationID: in.MedicationID,
			SiteID:       site.ID,
			ActorID:      in.ActorID,
			Type:         domain.MovementEntry,
			Quantity:     in.Quantity,
			LotCode:      lot.LotCode,
			Notes:        strings.TrimSpace(in.Notes),
		}
		if err := s.ledger.Record(ctx, movement); err != nil {
			return err
		}

		total, err := s.lots.TotalStock(ctx, in.MedicationID, site.ID)
		if err != nil {
			return err
		}

		var cleared []domain.AlertType
		if total > 0 {
			cleared = append(cleared, domain.AlertStockout)
		}
		if total >= domain.LowStockThreshold {
			cleared = append(cleared, domain.AlertLowStock)
		}
		var resolved int64
		if len(cleared) > 0 {
			resolved, err = s.alerts.ResolveAllMatching(ctx, in.MedicationID, site.ID, cleared, true, in.ActorID)
			if err != nil {
				return err
			}
		}

		*result = EntryResult{Lot: lot, Movement: movement, Total: total, ResolvedAlerts: resolved}
		notify(ctx, func(ctx context.Context) { s.publisher.StockMoved(ctx, movement, total, in.UnitPrice) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx)

	s.logger.Info().
		Str("medication_id", in.MedicationID).
		Str("site_id", site.ID).
		Str("lot_code", source.LotCode).
		Int("quantity", in.Quantity).
		Int("total", result.Total).
		Msg("stock entry recorded")

	return result, nil
}

// RecordExit dispenses stock from one lot and raises the alerts the new
// site total calls for.
func (s *StockService) RecordExit(ctx context.Context, in ExitInput) (*ExitResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	med, err := s.medications.GetByID(ctx, in.MedicationID)
	if err != nil {
		return nil, err
	}
	site, err := s.sites.GetByID(ctx, in.SiteID)
	if err != nil {
		return nil, err
	}
	tier, err := s.priority.AutomaticTier(ctx, med.ID)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, lock.StockKey(med.ID, site.ID))
	if err != nil {
		return nil, err
	}
	defer release()

	result := &ExitResult{}
	txCtx, out := withOutbox(ctx)
	err = s.tx.Transaction(txCtx, func(ctx context.Context) error {
		lotCode := strings.TrimSpace(in.LotCode)
		if lotCode == "" {
			lot, err := s.lots.AllocateLot(ctx, med.ID, site.ID, in.Quantity)
			if err != nil {
				return err
			}
			lotCode = lot.LotCode
		}

		lotRemaining, err := s.lots.Decrement(ctx, med.ID, site.ID, lotCode, in.Quantity)
		if err != nil {
			return err
		}

		movement := &domain.Movement{
			MedicationID:    med.ID,
			SiteID:          site.ID,
			ActorID:         in.ActorID,
			Type:            domain.MovementExit,
			Quantity:        in.Quantity,
			LotCode:         lotCode,
			PatientDocument: optional(in.PatientDocument),
			Notes:           strings.TrimSpace(in.Notes),
		}
		if err := s.ledger.Record(ctx, movement); err != nil {
			return err
		}

		total, err := s.lots.TotalStock(ctx, med.ID, site.ID)
		if err != nil {
			return err
		}
		raised, err := s.alerts.ReactToStockChange(ctx, StockChange{
			MedicationID:   med.ID,
			SiteID:         site.ID,
			MedicationName: med.Name,
			SiteName:       site.Name,
			Tier:           tier,
			Total:          total,
		})
		if err != nil {
			return fmt.Errorf("react to stock exit: %w", err)
		}

		criticalBand := false
		for _, a := range raised {
			if a.AlertType == domain.AlertCritical {
				criticalBand = true
			}
		}

		*result = ExitResult{
			Movement:     movement,
			LotRemaining: lotRemaining,
			Remaining:    total,
			Alerts:       raised,
			CriticalBand: criticalBand,
		}
		notify(ctx, func(ctx context.Context) { s.publisher.StockMoved(ctx, movement, total, nil) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx)

	s.logger.Info().
		Str("medication_id", med.ID).
		Str("site_id", site.ID).
		Str("lot_code", result.Movement.LotCode).
		Int("quantity", in.Quantity).
		Int("remaining", result.Remaining).
		Msg("stock exit recorded")

	return result, nil
}

// Movements lists the ledger, newest first
func (s *StockService) Movements(ctx context.Context, f domain.MovementFilter) ([]*domain.Movement, int64, error) {
	return s.ledger.List(ctx, f)
}
