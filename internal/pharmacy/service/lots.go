package service

import (
	"context"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/errors"
)

// LotInventory applies the FEFO policy over the lot store.
type LotInventory struct {
	lots LotStore
}

// NewLotInventory creates a new lot inventory
func NewLotInventory(lots LotStore) *LotInventory {
	return &LotInventory{lots: lots}
}

// AvailableLots lists lots with stock, earliest expiry first, ties by lot code.
func (l *LotInventory) AvailableLots(ctx context.Context, medicationID, siteID string) ([]*domain.LotView, error) {
	return l.lots.ListAvailable(ctx, medicationID, siteID)
}

// SuggestLot picks a representative lot for a new request: the earliest
// expiring lot that covers quantity, else the earliest expiring lot with any
// stock, else nil. Nothing is reserved.
func (l *LotInventory) SuggestLot(ctx context.Context, medicationID, siteID string, quantity int) (*domain.LotView, error) {
	lots, err := l.lots.ListAvailable(ctx, medicationID, siteID)
	if err != nil {
		return nil, err
	}
	for _, lot := range lots {
		if lot.Quantity >= quantity {
			return lot, nil
		}
	}
	if len(lots) > 0 {
		return lots[0], nil
	}
	return nil, nil
}

// AllocateLot locks the earliest expiring lot that covers quantity. When no
// single lot does, it fails with INSUFFICIENT_STOCK even if the site total
// would.
func (l *LotInventory) AllocateLot(ctx context.Context, medicationID, siteID string, quantity int) (*domain.InventoryLot, error) {
	lot, err := l.lots.LockCovering(ctx, medicationID, siteID, quantity)
	if err != nil {
		return nil, err
	}
	if lot != nil {
		return lot, nil
	}

	largest := 0
	if lots, err := l.lots.ListAvailable(ctx, medicationID, siteID); err == nil {
		for _, candidate := range lots {
			largest = max(largest, candidate.Quantity)
		}
	}
	return nil, errors.InsufficientStock(errors.ReasonNoSingleLot, largest, quantity)
}

// Decrement removes quantity from one lot and returns what the lot has left.
func (l *LotInventory) Decrement(ctx context.Context, medicationID, siteID, lotCode string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, errors.Validation(map[string]string{"quantity": "must be greater than zero"})
	}
	return l.lots.Decrement(ctx, medicationID, siteID, lotCode, quantity)
}

// Increment adds quantity to siteID's lot with source's code, creating it
// from source's batch data when the site does not hold that lot yet.
func (l *LotInventory) Increment(ctx context.Context, siteID string, source *domain.InventoryLot, quantity int) (*domain.InventoryLot, error) {
	if quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be greater than zero"})
	}
	target := *source
	target.SiteID = siteID
	return l.lots.Increment(ctx, &target, quantity)
}

// TotalStock sums every lot of the medication at the site.
func (l *LotInventory) TotalStock(ctx context.Context, medicationID, siteID string) (int, error) {
	return l.lots.TotalStock(ctx, medicationID, siteID)
}

// StockBySite lists the medication's stock at other sites, largest first,
// as candidate origins for a redistribution.
func (l *LotInventory) StockBySite(ctx context.Context, medicationID, excludeSiteID string) ([]*domain.SiteStock, error) {
	return l.lots.StockBySite(ctx, medicationID, excludeSiteID)
}
