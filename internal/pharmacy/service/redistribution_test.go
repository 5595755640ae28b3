package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const actorID = "8b1f8c9e-2f4e-4a63-9d1b-3c2a5e7f9a10"

type network struct {
	*fixture
	med         string
	origin      string
	destination string
}

// newNetwork seeds one medication with the given category tier and two
// active sites.
func newNetwork(t *testing.T, tier string) *network {
	f := newFixture(t)
	return &network{
		fixture:     f,
		med:         f.store.addMedication("Insulin glargine", tier),
		origin:      f.store.addSite("Hospital Norte"),
		destination: f.store.addSite("Clinica Sur"),
	}
}

func (n *network) create(t *testing.T, qty int) *CreateRedistributionResult {
	t.Helper()
	res, err := n.services.Redistributions.Create(context.Background(), CreateRedistributionInput{
		MedicationID:         n.med,
		OriginSiteID:         n.origin,
		DestinationSiteID:    n.destination,
		Quantity:             qty,
		MedicalJustification: "patients on maintenance therapy",
		ActorID:              actorID,
	})
	require.NoError(t, err)
	return res
}

func (n *network) complete(id string, approved int) (*CompleteRedistributionResult, error) {
	return n.services.Redistributions.Complete(context.Background(), CompleteRedistributionInput{
		ID:               id,
		ApprovedQuantity: approved,
		ActorID:          actorID,
	})
}

func assertReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.ErrorIs(t, err, errors.ErrInsufficientStock)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, reason, appErr.Details["reason"])
}

func TestCreate_CriticalMedicationRaisesAlertAtDestination(t *testing.T) {
	n := newNetwork(t, "CRITICAL")
	n.store.addLot(n.med, n.origin, "L-001", 50, 200*day)

	res := n.create(t, 20)

	req := n.store.request(res.Request.ID)
	assert.Equal(t, domain.StateRequested, req.State)
	assert.Equal(t, domain.TierCritical, req.AutomaticPriority)
	assert.Nil(t, req.ManualPriority)
	assert.Equal(t, "L-001", *req.LotCode)
	assert.Equal(t, domain.SourceAutomatic, res.Priority.Source)
	require.NotNil(t, res.SuggestedLot)

	alerts := n.store.alertsWhere(n.destination, domain.AlertCritical, domain.AlertActive)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.TierCritical, alerts[0].Tier)
	assert.Contains(t, alerts[0].Description, "Insulin glargine")
	assert.Contains(t, alerts[0].Description, "Hospital Norte")
	assert.Contains(t, alerts[0].Description, "Clinica Sur")
	assert.Contains(t, alerts[0].Description, "20 units")

	n.sender.AssertEventPublished(t, messaging.EventRedistributionRequested)
	n.sender.AssertEventPublished(t, messaging.EventAlertRaised)
}

func TestCreate_NonCriticalRaisesNothing(t *testing.T) {
	n := newNetwork(t, "MEDIUM")

	res := n.create(t, 5)

	assert.Nil(t, res.Alert)
	assert.Nil(t, res.SuggestedLot, "no stock at origin")
	assert.Nil(t, res.Request.LotCode)
	assert.Empty(t, n.store.alertsWhere(n.destination, domain.AlertCritical, ""))
}

func TestCreate_ManualOverride(t *testing.T) {
	n := newNetwork(t, "BAJA")
	critical := domain.TierCritical

	res, err := n.services.Redistributions.Create(context.Background(), CreateRedistributionInput{
		MedicationID:          n.med,
		OriginSiteID:          n.origin,
		DestinationSiteID:     n.destination,
		Quantity:              3,
		MedicalJustification:  "outbreak",
		ManualTier:            &critical,
		PriorityJustification: "  ICU admission  ",
		ActorID:               actorID,
	})
	require.NoError(t, err)

	req := n.store.request(res.Request.ID)
	assert.Equal(t, domain.TierLow, req.AutomaticPriority)
	require.NotNil(t, req.ManualPriority)
	assert.Equal(t, domain.TierCritical, *req.ManualPriority)
	assert.Equal(t, "ICU admission", *req.PriorityJustification)
	assert.Equal(t, domain.TierCritical, res.Priority.Effective())
	assert.NotNil(t, res.Alert)
}

func TestCreate_Validation(t *testing.T) {
	n := newNetwork(t, "HIGH")
	high := domain.TierHigh
	bogus := domain.Tier("URGENT")
	negative := -1

	valid := func() CreateRedistributionInput {
		return CreateRedistributionInput{
			MedicationID:         n.med,
			OriginSiteID:         n.origin,
			DestinationSiteID:    n.destination,
			Quantity:             5,
			MedicalJustification: "shortage",
			ActorID:              actorID,
		}
	}

	tests := []struct {
		name   string
		mutate func(*CreateRedistributionInput)
		target error
		field  string
	}{
		{"missing actor", func(in *CreateRedistributionInput) { in.ActorID = "" }, errors.ErrUnauthenticated, ""},
		{"same site", func(in *CreateRedistributionInput) { in.DestinationSiteID = n.origin }, errors.ErrInvalidRequest, "destination_site_id"},
		{"zero quantity", func(in *CreateRedistributionInput) { in.Quantity = 0 }, errors.ErrValidation, "quantity"},
		{"blank medical justification", func(in *CreateRedistributionInput) { in.MedicalJustification = "   " }, errors.ErrValidation, "medical_justification"},
		{"negative patients", func(in *CreateRedistributionInput) { in.AffectedPatients = &negative }, errors.ErrValidation, "affected_patients"},
		{"override without justification", func(in *CreateRedistributionInput) { in.ManualTier = &high }, errors.ErrValidation, "priority_justification"},
		{"unknown override tier", func(in *CreateRedistributionInput) {
			in.ManualTier = &bogus
			in.PriorityJustification = "because"
		}, errors.ErrValidation, "manual_priority"},
		{"unknown medication", func(in *CreateRedistributionInput) { in.MedicationID = "missing" }, errors.ErrNotFound, ""},
		{"unknown origin", func(in *CreateRedistributionInput) { in.OriginSiteID = "missing" }, errors.ErrNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.mutate(&in)

			_, err := n.services.Redistributions.Create(context.Background(), in)
			require.ErrorIs(t, err, tt.target)
			if tt.field != "" {
				var appErr *errors.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Contains(t, appErr.Details, tt.field)
			}
		})
	}

	stats, err := n.services.Redistributions.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total, "rejected requests must not be stored")
}

func TestCreate_InactiveSite(t *testing.T) {
	n := newNetwork(t, "HIGH")
	n.store.sites[n.destination].IsActive = false

	_, err := n.services.Redistributions.Create(context.Background(), CreateRedistributionInput{
		MedicationID: n.med, OriginSiteID: n.origin, DestinationSiteID: n.destination,
		Quantity: 1, MedicalJustification: "x", ActorID: actorID,
	})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
}

func TestComplete_TransfersFromOriginLot(t *testing.T) {
	n := newNetwork(t, "CRITICAL")
	source := n.store.addLot(n.med, n.origin, "L-001", 50, 200*day)
	res := n.create(t, 20)
	n.sender.Reset()

	out, err := n.services.Redistributions.Complete(context.Background(), CompleteRedistributionInput{
		ID:               res.Request.ID,
		ApprovedQuantity: 15,
		Observations:     "cold chain kept",
		ActorID:          actorID,
	})
	require.NoError(t, err)

	assert.Equal(t, 35, n.store.total(n.med, n.origin))
	assert.Equal(t, 35, out.OriginRemaining)
	assert.Equal(t, "L-001", out.LotCode)

	dest := n.store.lot(n.med, n.destination, "L-001")
	require.NotNil(t, dest)
	assert.Equal(t, 15, dest.Quantity)
	assert.True(t, source.ExpiryDate.Equal(dest.ExpiryDate))

	movements := n.store.movementsFor(res.Request.ID)
	require.Len(t, movements, 2)
	assert.Equal(t, domain.MovementExit, movements[0].Type)
	assert.Equal(t, n.origin, movements[0].SiteID)
	assert.Equal(t, domain.MovementEntry, movements[1].Type)
	assert.Equal(t, n.destination, movements[1].SiteID)
	for _, m := range movements {
		assert.Equal(t, 15, m.Quantity)
		assert.Equal(t, "L-001", m.LotCode)
		assert.Equal(t, actorID, m.ActorID)
	}
	assert.Equal(t, "Redistribution #"+res.Request.ID+" to Clinica Sur - cold chain kept", movements[0].Notes)
	assert.Equal(t, "Redistribution #"+res.Request.ID+" from Hospital Norte - cold chain kept", movements[1].Notes)

	req := n.store.request(res.Request.ID)
	assert.Equal(t, domain.StateCompleted, req.State)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, 15, *req.ApprovedQuantity)
	assert.Equal(t, actorID, *req.CompletedBy)
	assert.Equal(t, "cold chain kept", *req.Observations)

	assert.Empty(t, out.RaisedAlerts)
	n.sender.AssertEventPublished(t, messaging.EventRedistributionCompleted)
}

func TestComplete_FEFOPicksEarliestCoveringLot(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "A-SMALL", 5, 10*day)
	n.store.addLot(n.med, n.origin, "B-LATE", 40, 300*day)
	n.store.addLot(n.med, n.origin, "C-EARLY", 40, 100*day)
	res := n.create(t, 10)

	assert.Equal(t, "C-EARLY", *res.Request.LotCode, "suggestion skips lots that do not cover")

	out, err := n.complete(res.Request.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "C-EARLY", out.LotCode)
	assert.Equal(t, 30, n.store.lot(n.med, n.origin, "C-EARLY").Quantity)
	assert.Equal(t, 5, n.store.lot(n.med, n.origin, "A-SMALL").Quantity)
}

func TestComplete_InsufficientAggregateStock(t *testing.T) {
	n := newNetwork(t, "HIGH")
	n.store.addLot(n.med, n.origin, "L-008", 8, 90*day)
	res := n.create(t, 10)
	n.sender.Reset()
	before := n.store.movementCount()

	_, err := n.complete(res.Request.ID, 10)
	assertReason(t, err, errors.ReasonAggregate)

	assert.Equal(t, 8, n.store.lot(n.med, n.origin, "L-008").Quantity)
	assert.Nil(t, n.store.lot(n.med, n.destination, "L-008"))
	assert.Equal(t, domain.StateRequested, n.store.request(res.Request.ID).State)
	assert.Equal(t, before, n.store.movementCount())
	n.sender.AssertNoEventsPublished(t)
}

func TestComplete_NoSingleLotCovers(t *testing.T) {
	n := newNetwork(t, "HIGH")
	n.store.addLot(n.med, n.origin, "L-1", 6, 30*day)
	n.store.addLot(n.med, n.origin, "L-2", 6, 60*day)
	res := n.create(t, 10)

	_, err := n.complete(res.Request.ID, 10)
	assertReason(t, err, errors.ReasonNoSingleLot)
	assert.Equal(t, 12, n.store.total(n.med, n.origin))
	assert.Equal(t, domain.StateRequested, n.store.request(res.Request.ID).State)
}

func TestComplete_LowOriginStockRaisesAlerts(t *testing.T) {
	n := newNetwork(t, "HIGH")
	n.store.addLot(n.med, n.origin, "L-014", 14, 120*day)
	res := n.create(t, 10)

	out, err := n.complete(res.Request.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, out.OriginRemaining)

	low := n.store.alertsWhere(n.origin, domain.AlertLowStock, domain.AlertActive)
	critical := n.store.alertsWhere(n.origin, domain.AlertCritical, domain.AlertActive)
	require.Len(t, low, 1)
	require.Len(t, critical, 1)
	assert.Equal(t, domain.TierHigh, critical[0].Tier)
	assert.Contains(t, low[0].Description, "after redistribution #"+res.Request.ID)
	assert.Len(t, out.RaisedAlerts, 2)
}

func TestComplete_DrainingOriginRaisesStockout(t *testing.T) {
	n := newNetwork(t, "LOW")
	n.store.addLot(n.med, n.origin, "L-010", 10, 120*day)
	res := n.create(t, 10)

	_, err := n.complete(res.Request.ID, 10)
	require.NoError(t, err)

	assert.Len(t, n.store.alertsWhere(n.origin, domain.AlertStockout, domain.AlertActive), 1)
	assert.Empty(t, n.store.alertsWhere(n.origin, domain.AlertLowStock, ""))
	require.NotNil(t, n.store.lot(n.med, n.origin, "L-010"), "empty lots are kept")
}

func TestComplete_ResolvesDestinationShortageAlerts(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "L-100", 100, 120*day)
	stockout := n.store.addAlert(n.med, n.destination, domain.AlertStockout, domain.TierMedium)
	n.store.addAlert(n.med, n.destination, domain.AlertExpiry, domain.TierHigh)
	res := n.create(t, 20)

	out, err := n.complete(res.Request.ID, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.ResolvedAlerts)

	resolved := n.store.alertsWhere(n.destination, domain.AlertStockout, domain.AlertResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, stockout.ID, resolved[0].ID)
	assert.Equal(t, actorID, *resolved[0].ResolvedBy)
	assert.NotNil(t, resolved[0].ResolvedAt)

	assert.Len(t, n.store.alertsWhere(n.destination, domain.AlertExpiry, domain.AlertActive), 1, "expiry alerts are left alone")
	n.sender.AssertEventPublished(t, messaging.EventAlertResolved)
}

func TestComplete_Validation(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "L", 100, 120*day)
	res := n.create(t, 10)

	_, err := n.services.Redistributions.Complete(context.Background(), CompleteRedistributionInput{ID: res.Request.ID, ApprovedQuantity: 5})
	assert.ErrorIs(t, err, errors.ErrUnauthenticated)

	_, err = n.complete(res.Request.ID, 0)
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = n.complete(res.Request.ID, 11)
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = n.complete("missing", 1)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.Equal(t, 100, n.store.total(n.med, n.origin))
}

func TestComplete_SecondCompletionIsRejected(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "L", 100, 120*day)
	res := n.create(t, 10)

	_, err := n.complete(res.Request.ID, 10)
	require.NoError(t, err)

	_, err = n.complete(res.Request.ID, 10)
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	assert.Equal(t, 90, n.store.total(n.med, n.origin))
	assert.Len(t, n.store.movementsFor(res.Request.ID), 2)
}

func TestComplete_ConcurrentCompletionsOfOneRequest(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "L", 100, 120*day)
	res := n.create(t, 10)

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := n.complete(res.Request.ID, 10)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, errors.ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 90, n.store.total(n.med, n.origin))
	assert.Equal(t, 10, n.store.total(n.med, n.destination))
}

func TestComplete_ConcurrentRequestsConserveStock(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "L", 50, 120*day)

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = n.create(t, 10).Request.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := n.complete(id, 10)
			if err != nil {
				assert.ErrorIs(t, err, errors.ErrInsufficientStock)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, n.store.total(n.med, n.origin))
	assert.Equal(t, 50, n.store.total(n.med, n.origin)+n.store.total(n.med, n.destination))
}

func TestComplete_FailureAfterDecrementRollsBack(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "L", 100, 120*day)
	res := n.create(t, 10)
	n.sender.Reset()
	n.store.failOn["movements.create"] = errors.Internal("disk full")

	_, err := n.complete(res.Request.ID, 10)
	require.Error(t, err)

	assert.Equal(t, 100, n.store.total(n.med, n.origin))
	assert.Nil(t, n.store.lot(n.med, n.destination, "L"))
	assert.Equal(t, domain.StateRequested, n.store.request(res.Request.ID).State)
	assert.Empty(t, n.store.movementsFor(res.Request.ID))
	assert.Contains(t, n.logOutput.String(), "redistribution completion rolled back")
	n.sender.AssertNoEventsPublished(t)
}

func TestComplete_CommitFailure(t *testing.T) {
	n := newNetwork(t, "HIGH")
	n.store.addLot(n.med, n.origin, "L", 12, 120*day)
	res := n.create(t, 10)
	n.sender.Reset()
	n.store.commitErr = errors.Internal("connection reset")

	_, err := n.complete(res.Request.ID, 10)
	require.ErrorIs(t, err, database.ErrCommitFailed)

	assert.Equal(t, 12, n.store.total(n.med, n.origin))
	assert.Empty(t, n.store.alertsWhere(n.origin, domain.AlertLowStock, ""))
	assert.Contains(t, n.logOutput.String(), `"level":"fatal"`)
	n.sender.AssertNoEventsPublished(t)
}

func TestGetListStats(t *testing.T) {
	n := newNetwork(t, "CRITICAL")
	n.store.addLot(n.med, n.origin, "L", 40, 120*day)
	first := n.create(t, 10)
	second := n.create(t, 5)

	_, err := n.complete(first.Request.ID, 10)
	require.NoError(t, err)

	detail, err := n.services.Redistributions.Get(context.Background(), second.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, detail.OriginStock)
	assert.Equal(t, domain.TierCritical, detail.EffectivePriority)
	assert.Equal(t, "Hospital Norte", detail.OriginSiteName)

	list, total, err := n.services.Redistributions.List(context.Background(), domain.RedistributionFilter{State: domain.StateRequested})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, second.Request.ID, list[0].ID)

	stats, err := n.services.Redistributions.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RedistributionStats{Total: 2, Pending: 1, Completed: 1, CriticalPending: 1}, *stats)

	_, err = n.services.Redistributions.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestCompletedEventCarriesTransfer(t *testing.T) {
	n := newNetwork(t, "MEDIUM")
	n.store.addLot(n.med, n.origin, "L-9", 30, 120*day)
	res := n.create(t, 12)
	n.sender.Reset()

	_, err := n.complete(res.Request.ID, 12)
	require.NoError(t, err)

	payloads := n.sender.EventsOfType(messaging.EventRedistributionCompleted)
	require.Len(t, payloads, 1)
	evt := payloads[0].(messaging.RedistributionCompletedEvent)
	assert.Equal(t, res.Request.ID, evt.RedistributionID)
	assert.Equal(t, "L-9", evt.LotCode)
	assert.Equal(t, 12, evt.ApprovedQuantity)
	assert.Equal(t, 18, evt.OriginRemaining)
	assert.False(t, strings.Contains(n.logOutput.String(), "rolled back"))
}

func TestComplete_OriginAlertsUseStockAfterConcurrentInbound(t *testing.T) {
	n := newNetwork(t, "HIGH")
	n.store.addLot(n.med, n.origin, "L-012", 12, 120*day)
	res := n.create(t, 10)
	n.sender.Reset()

	// Another redistribution delivers 20 units to the origin after this
	// completion has checked the origin's total.
	n.store.onLockCovering = func(s *memStore) {
		s.onLockCovering = nil
		s.addLot(n.med, n.origin, "L-INBOUND", 20, 200*day)
	}

	out, err := n.complete(res.Request.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 22, out.OriginRemaining)
	assert.Equal(t, 22, n.store.total(n.med, n.origin))
	assert.Empty(t, out.RaisedAlerts)
	assert.Empty(t, n.store.alertsWhere(n.origin, domain.AlertLowStock, ""))
	assert.Empty(t, n.store.alertsWhere(n.origin, domain.AlertCritical, ""))

	payloads := n.sender.EventsOfType(messaging.EventRedistributionCompleted)
	require.Len(t, payloads, 1)
	assert.Equal(t, 22, payloads[0].(messaging.RedistributionCompletedEvent).OriginRemaining)
}
