package service

import (
	"context"
	"fmt"
	"time"

	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/pkg/config"
	"github.com/medflow/pharmanet/pkg/logger"
)

const day = 24 * time.Hour

// ExpiryScanner raises EXPIRY alerts for lots close to, or past, their
// expiry date.
type ExpiryScanner struct {
	lots         LotStore
	alertStore   AlertStore
	alerts       *AlertManager
	medications  MedicationStore
	sites        SiteStore
	windowDays   int
	criticalDays int
	logger       *logger.Logger
}

// NewExpiryScanner creates a new expiry scanner
func NewExpiryScanner(lots LotStore, alertStore AlertStore, alerts *AlertManager, medications MedicationStore, sites SiteStore, cfg config.AlertsConfig, log *logger.Logger) *ExpiryScanner {
	return &ExpiryScanner{
		lots:         lots,
		alertStore:   alertStore,
		alerts:       alerts,
		medications:  medications,
		sites:        sites,
		windowDays:   int(cfg.ExpiryWindow / day),
		criticalDays: int(cfg.CriticalExpiryWindow / day),
		logger:       log.WithComponent("expiry-scanner"),
	}
}

// Scan raises one alert per expiring lot that has no active EXPIRY alert
// yet and returns how many it raised. A failing lot is logged and skipped.
func (s *ExpiryScanner) Scan(ctx context.Context) (int, error) {
	lots, err := s.lots.ListExpiring(ctx, s.windowDays)
	if err != nil {
		return 0, fmt.Errorf("list expiring lots: %w", err)
	}

	medNames := map[string]string{}
	siteNames := map[string]string{}
	raised := 0

	for _, lot := range lots {
		exists, err := s.alertStore.HasActiveExpiry(ctx, lot.MedicationID, lot.SiteID, lot.LotCode)
		if err != nil {
			s.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to check existing expiry alert")
			continue
		}
		if exists {
			continue
		}

		medName, err := s.medicationName(ctx, medNames, lot.MedicationID)
		if err != nil {
			s.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to load medication")
			continue
		}
		siteName, err := s.siteName(ctx, siteNames, lot.SiteID)
		if err != nil {
			s.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to load site")
			continue
		}

		tier := domain.TierHigh
		if lot.DaysToExpiry <= s.criticalDays {
			tier = domain.TierCritical
		}

		if _, err := s.alerts.RaiseForLot(ctx, &lot.InventoryLot, domain.AlertExpiry, tier, expiryDescription(lot, medName, siteName)); err != nil {
			s.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to raise expiry alert")
			continue
		}
		raised++
	}

	return raised, nil
}

func expiryDescription(lot *domain.LotView, medName, siteName string) string {
	date := lot.ExpiryDate.Format("2006-01-02")
	if lot.DaysToExpiry < 0 {
		return fmt.Sprintf("Lot %s of %s at %s expired on %s (%d units)", lot.LotCode, medName, siteName, date, lot.Quantity)
	}
	return fmt.Sprintf("Lot %s of %s at %s expires on %s, in %d days (%d units)",
		lot.LotCode, medName, siteName, date, lot.DaysToExpiry, lot.Quantity)
}

func (s *ExpiryScanner) medicationName(ctx context.Context, cache map[string]string, id string) (string, error) {
	if name, ok := cache[id]; ok {
		return name, nil
	}
	med, err := s.medications.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	cache[id] = med.Name
	return med.Name, nil
}

func (s *ExpiryScanner) siteName(ctx context.Context, cache map[string]string, id string) (string, error) {
	if name, ok := cache[id]; ok {
		return name, nil
	}
	site, err := s.sites.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	cache[id] = site.Name
	return site.Name, nil
}

// ExpiryScheduler runs the expiry scanner periodically
type ExpiryScheduler struct {
	scanner  *ExpiryScanner
	interval time.Duration
	logger   *logger.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewExpiryScheduler creates a new expiry scheduler
func NewExpiryScheduler(scanner *ExpiryScanner, interval time.Duration, log *logger.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		scanner:  scanner,
		interval: interval,
		logger:   log.WithComponent("expiry-scheduler"),
	}
}

// Start scans once immediately, then on every tick, in a background
// goroutine.
func (s *ExpiryScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info().Dur("interval", s.interval).Msg("expiry scheduler started")

		s.runScanCycle(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("expiry scheduler stopped")
				return
			case <-ticker.C:
				s.runScanCycle(ctx)
			}
		}
	}()
}

// Stop stops the scheduler and waits for a running scan to return.
func (s *ExpiryScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *ExpiryScheduler) runScanCycle(ctx context.Context) {
	start := time.Now()
	raised, err := s.scanner.Scan(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("expiry scan failed")
		return
	}
	s.logger.Info().
		Dur("duration", time.Since(start)).
		Int("alerts_raised", raised).
		Msg("expiry scan cycle completed")
}
