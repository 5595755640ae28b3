package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/internal/pharmacy/events"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/lock"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/rs/zerolog"
)

// RedistributionEngine runs the REQUESTED -> COMPLETED lifecycle of
// redistribution requests.
type RedistributionEngine struct {
	tx          Transactor
	requests    RequestStore
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

// CreateRedistributionInput is a new request as submitted by actorID.
type CreateRedistributionInput struct {
	MedicationID          string
	OriginSiteID          string
	DestinationSiteID     string
	Quantity              int
	MedicalJustification  string
	AffectedPatients      *int
	ManualTier            *domain.Tier
	PriorityJustification string
	ActorID               string
}

// CreateRedistributionResult is the stored request with its resolved
// priority and the lot suggested for it, if any.
type CreateRedistributionResult struct {
	Request      *domain.RedistributionRequest `json:"request"`
	Priority     domain.Priority               `json:"priority"`
	SuggestedLot *domain.LotView               `json:"suggested_lot,omitempty"`
	Alert        *domain.Alert                 `json:"alert,omitempty"`
}

// CompleteRedistributionInput approves quantity units of request ID.
type CompleteRedistributionInput struct {
	ID               string
	ApprovedQuantity int
	Observations     string
	ActorID          string
}

// CompleteRedistributionResult reports everything one completion changed.
type CompleteRedistributionResult struct {
	Request         *domain.RedistributionRequest `json:"request"`
	LotCode         string                        `json:"lot_code"`
	OriginRemaining int                           `json:"origin_remaining"`
	DestinationLot  *domain.InventoryLot          `json:"destination_lot"`
	Movements       []*domain.Movement            `json:"movements"`
	ResolvedAlerts  int64                         `json:"resolved_alerts"`
	RaisedAlerts    []*domain.Alert               `json:"raised_alerts"`
}

func (in *CreateRedistributionInput) validate() error {
	if in.ActorID == "" {
		return errors.Unauthenticated("an authenticated user is required to request a redistribution")
	}
	if in.OriginSiteID != "" && in.OriginSiteID == in.DestinationSiteID {
		return errors.InvalidRequest("destination_site_id", "origin and destination sites must differ")
	}

	details := map[string]string{}
	if in.MedicationID == "" {
		details["medication_id"] = "is required"
	}
	if in.OriginSiteID == "" {
		details["origin_site_id"] = "is required"
	}
	if in.DestinationSiteID == "" {
		details["destination_site_id"] = "is required"
	}
	if in.Quantity <= 0 {
		details["quantity"] = "must be greater than zero"
	}
	if strings.TrimSpace(in.MedicalJustification) == "" {
		details["medical_justification"] = "is required"
	}
	if in.AffectedPatients != nil && *in.AffectedPatients < 0 {
		details["affected_patients"] = "must not be negative"
	}
	if in.ManualTier != nil {
		for field, msg := range validateOverride(in.override()) {
			details[field] = msg
		}
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

func (in *CreateRedistributionInput) override() *domain.ManualOverride {
	if in.ManualTier == nil {
		return nil
	}
	return &domain.ManualOverride{Tier: *in.ManualTier, Justification: strings.TrimSpace(in.PriorityJustification)}
}

func (e *RedistributionEngine) activeSite(ctx context.Context, id, field string) (*domain.Site, error) {
	site, err := e.sites.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !site.IsActive {
		return nil, errors.InvalidRequest(field, "site is not active")
	}
	return site, nil
}

// Create validates and stores a REQUESTED redistribution. A request whose
// effective priority is CRITICAL also raises a CRITICAL alert at the
// destination, in the same transaction.
func (e *RedistributionEngine) Create(ctx context.Context, in CreateRedistributionInput) (*CreateRedistributionResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	med, err := e.medications.GetByID(ctx, in.MedicationID)
	if err != nil {
		return nil, err
	}
	origin, err := e.activeSite(ctx, in.OriginSiteID, "origin_site_id")
	if err != nil {
		return nil, err
	}
	destination, err := e.activeSite(ctx, in.DestinationSiteID, "destination_site_id")
	if err != nil {
		return nil, err
	}

	priority, err := e.priority.Resolve(ctx, med.ID, in.override())
	if err != nil {
		return nil, err
	}

	suggested, err := e.lots.SuggestLot(ctx, med.ID, origin.ID, in.Quantity)
	if err != nil {
		return nil, fmt.Errorf("suggest lot: %w", err)
	}

	req := &domain.RedistributionRequest{
		MedicationID:         med.ID,
		OriginSiteID:         origin.ID,
		DestinationSiteID:    destination.ID,
		RequesterID:          in.ActorID,
		RequestedQuantity:    in.Quantity,
		AutomaticPriority:    priority.Automatic,
		MedicalJustification: strings.TrimSpace(in.MedicalJustification),
		AffectedPatients:     in.AffectedPatients,
	}
	if priority.IsManual() {
		tier := priority.Tier
		req.ManualPriority = &tier
		req.PriorityJustification = priority.Justification
	}
	if suggested != nil {
		code := suggested.LotCode
		req.LotCode = &code
	}

	result := &CreateRedistributionResult{Request: req, Priority: priority, SuggestedLot: suggested}

	txCtx, out := withOutbox(ctx)
	err = e.tx.Transaction(txCtx, func(ctx context.Context) error {
		if err := e.requests.Create(ctx, req); err != nil {
			return err
		}

		if priority.Effective() == domain.TierCritical {
			description := fmt.Sprintf("Critical redistribution request: %s from %s to %s - %d units",
				med.Name, origin.Name, destination.Name, req.RequestedQuantity)
			alert, err := e.alerts.Raise(ctx, med.ID, destination.ID, domain.AlertCritical, domain.TierCritical, description)
			if err != nil {
				return err
			}
			result.Alert = alert
		}

		notify(ctx, func(ctx context.Context) { e.publisher.RedistributionRequested(ctx, req, priority) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.flush(ctx)

	e.logger.WithRedistributionID(req.ID).Info().
		Str("medication_id", req.MedicationID).
		Str("origin_site_id", req.OriginSiteID).
		Str("destination_site_id", req.DestinationSiteID).
		Int("quantity", req.RequestedQuantity).
		Str("effective_tier", string(priority.Effective())).
		Str("priority_source", string(priority.Source)).
		Msg("redistribution requested")

	return result, nil
}

// Complete moves the approved quantity from the origin's earliest expiring
// covering lot to the same lot code at the destination, records both
// movements and updates alerts at both sites. Everything after loading the
// request happens in one transaction.
func (e *RedistributionEngine) Complete(ctx context.Context, in CompleteRedistributionInput) (*CompleteRedistributionResult, error) {
	if in.ActorID == "" {
		return nil, errors.Unauthenticated("an authenticated user is required to complete a redistribution")
	}
	if in.ApprovedQuantity < 1 {
		return nil, errors.Validation(map[string]string{"approved_quantity": "must be at least 1"})
	}

	view, err := e.requests.GetView(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithRedistributionID(in.ID)

	release, err := e.locker.Acquire(ctx, lock.StockKey(view.MedicationID, view.OriginSiteID))
	if err != nil {
		return nil, err
	}
	defer release()

	result := &CompleteRedistributionResult{}
	mutated := false
	observations := strings.TrimSpace(in.Observations)

	txCtx, out := withOutbox(ctx)
	err = e.tx.Transaction(txCtx, func(ctx context.Context) error {
		req, err := e.requests.GetForUpdate(ctx, in.ID)
		if err != nil {
			return err
		}
		if req.State != domain.StateRequested {
			return errors.InvalidState(fmt.Sprintf("redistribution request is %s, not %s", req.State, domain.StateRequested))
		}
		if in.ApprovedQuantity > req.RequestedQuantity {
			return errors.Validation(map[string]string{
				"approved_quantity": fmt.Sprintf("must not exceed the requested quantity (%d)", req.RequestedQuantity),
			})
		}

		total, err := e.lots.TotalStock(ctx, req.MedicationID, req.OriginSiteID)
		if err != nil {
			return err
		}
		if total < in.ApprovedQuantity {
			return errors.InsufficientStock(errors.ReasonAggregate, total, in.ApprovedQuantity)
		}

		source, err := e.lots.AllocateLot(ctx, req.MedicationID, req.OriginSiteID, in.ApprovedQuantity)
		if err != nil {
			return err
		}

		mutated = true
		if _, err := e.lots.Decrement(ctx, req.MedicationID, req.OriginSiteID, source.LotCode, in.ApprovedQuantity); err != nil {
			return err
		}
		destLot, err := e.lots.Increment(ctx, req.DestinationSiteID, source, in.ApprovedQuantity)
		if err != nil {
			return err
		}
		// Inbound transfers to the origin hold a different lock, so the
		// earlier total may be stale by now.
		remaining, err := e.lots.TotalStock(ctx, req.MedicationID, req.OriginSiteID)
		if err != nil {
			return err
		}

		var obs *string
		if observations != "" {
			obs = &observations
		}
		completedAt, err := e.requests.MarkCompleted(ctx, req.ID, in.ApprovedQuantity, in.ActorID, obs)
		if err != nil {
			return err
		}
		req.State = domain.StateCompleted
		req.CompletedAt = &completedAt
		req.ApprovedQuantity = &in.ApprovedQuantity
		req.CompletedBy = &in.ActorID
		req.Observations = obs

		exit, entry, err := e.ledger.RecordTransfer(ctx, Transfer{
			Request:         req,
			LotCode:         source.LotCode,
			Quantity:        in.ApprovedQuantity,
			ActorID:         in.ActorID,
			OriginName:      view.OriginSiteName,
			DestinationName: view.DestinationSiteName,
			Observations:    observations,
		})
		if err != nil {
			return err
		}

		resolved, err := e.alerts.ResolveAllMatching(ctx, req.MedicationID, req.DestinationSiteID, replenishedTypes, true, in.ActorID)
		if err != nil {
			return err
		}

		raised, err := e.alerts.ReactToStockChange(ctx, StockChange{
			MedicationID:   req.MedicationID,
			SiteID:         req.OriginSiteID,
			MedicationName: view.MedicationName,
			SiteName:       view.OriginSiteName,
			Tier:           req.EffectiveTier(),
			Total:          remaining,
			Cause:          "after redistribution #" + req.ID,
		})
		if err != nil {
			return err
		}

		*result = CompleteRedistributionResult{
			Request:         req,
			LotCode:         source.LotCode,
			OriginRemaining: remaining,
			DestinationLot:  destLot,
			Movements:       []*domain.Movement{exit, entry},
			ResolvedAlerts:  resolved,
			RaisedAlerts:    raised,
		}

		notify(ctx, func(ctx context.Context) {
			e.publisher.RedistributionCompleted(ctx, req, source.LotCode, remaining)
		})
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, database.ErrCommitFailed):
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("redistribution completion commit failed")
		return nil, errors.Wrap(err, "INTERNAL_ERROR", "redistribution could not be committed", http.StatusInternalServerError)
	case mutated:
		log.Error().Err(err).Msg("redistribution completion rolled back")
		return nil, err
	default:
		return nil, err
	}
	out.flush(ctx)

	log.Info().
		Str("lot_code", result.LotCode).
		Int("approved_quantity", in.ApprovedQuantity).
		Int("origin_remaining", result.OriginRemaining).
		Int64("alerts_resolved", result.ResolvedAlerts).
		Int("alerts_raised", len(result.RaisedAlerts)).
		Str("completed_by", in.ActorID).
		Msg("redistribution completed")

	return result, nil
}

// Get returns a request with its effective priority and the origin's
// current stock.
func (e *RedistributionEngine) Get(ctx context.Context, id string) (*domain.RedistributionDetail, error) {
	view, err := e.requests.GetView(ctx, id)
	if err != nil {
		return nil, err
	}
	stock, err := e.lots.TotalStock(ctx, view.MedicationID, view.OriginSiteID)
	if err != nil {
		return nil, err
	}
	return &domain.RedistributionDetail{
		RedistributionView: *view,
		EffectivePriority:  view.EffectiveTier(),
		OriginStock:        stock,
	}, nil
}

// List lists requests, newest first
func (e *RedistributionEngine) List(ctx context.Context, f domain.RedistributionFilter) ([]*domain.RedistributionView, int64, error) {
	return e.requests.List(ctx, f)
}

// Stats counts requests by state
func (e *RedistributionEngine) Stats(ctx context.Context) (*domain.RedistributionStats, error) {
	return e.requests.Stats(ctx)
}
