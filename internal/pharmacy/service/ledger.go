package service

import (
	"context"
	"fmt"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/errors"
)

// MovementLedger appends stock movements. Entries are never changed.
type MovementLedger struct {
	movements MovementStore
}

// NewMovementLedger creates a new movement ledger
func NewMovementLedger(movements MovementStore) *MovementLedger {
	return &MovementLedger{movements: movements}
}

// Record appends one movement.
func (l *MovementLedger) Record(ctx context.Context, m *domain.Movement) error {
	details := map[string]string{}
	if m.Quantity <= 0 {
		details["quantity"] = "must be greater than zero"
	}
	if m.Type != domain.MovementEntry && m.Type != domain.MovementExit {
		details["movement_type"] = "must be ENTRY or EXIT"
	}
	if m.LotCode == "" {
		details["lot_code"] = "is required"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	if m.ActorID == "" {
		return errors.Unauthenticated("movements require an actor")
	}
	return l.movements.Create(ctx, m)
}

// Transfer describes a completed redistribution for the ledger.
type Transfer struct {
	Request         *domain.RedistributionRequest
	LotCode         string
	Quantity        int
	ActorID         string
	OriginName      string
	DestinationName string
	Observations    string
}

func transferNote(id, direction, site, observations string) string {
	note := fmt.Sprintf("Redistribution #%s %s %s", id, direction, site)
	if observations != "" {
		note += " - " + observations
	}
	return note
}

// RecordTransfer writes the paired EXIT at the origin and ENTRY at the
// destination, both referencing the request.
func (l *MovementLedger) RecordTransfer(ctx context.Context, t Transfer) (exit, entry *domain.Movement, err error) {
	req := t.Request
	exit = &domain.Movement{
		MedicationID:     req.MedicationID,
		SiteID:           req.OriginSiteID,
		ActorID:          t.ActorID,
		Type:             domain.MovementExit,
		Quantity:         t.Quantity,
		LotCode:          t.LotCode,
		Notes:            transferNote(req.ID, "to", t.DestinationName, t.Observations),
		RedistributionID: &req.ID,
	}
	entry = &domain.Movement{
		MedicationID:     req.MedicationID,
		SiteID:           req.DestinationSiteID,
		ActorID:          t.ActorID,
		Type:             domain.MovementEntry,
		Quantity:         t.Quantity,
		LotCode:          t.LotCode,
		Notes:            transferNote(req.ID, "from", t.OriginName, t.Observations),
		RedistributionID: &req.ID,
	}

	if err := l.Record(ctx, exit); err != nil {
		return nil, nil, err
	}
	if err := l.Record(ctx, entry); err != nil {
		return nil, nil, err
	}
	return exit, entry, nil
}

// List lists movements, newest first
func (l *MovementLedger) List(ctx context.Context, f domain.MovementFilter) ([]*domain.Movement, int64, error) {
	return l.movements.List(ctx, f)
}
