package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/pharmanet/internal/pharmacy/domain"
	"github.com/medflow/pharmanet/internal/pharmacy/events"
	"github.com/medflow/pharmanet/pkg/config"
	"github.com/medflow/pharmanet/pkg/database"
	"github.com/medflow/pharmanet/pkg/errors"
	"github.com/medflow/pharmanet/pkg/lock"
	"github.com/medflow/pharmanet/pkg/logger"
	"github.com/medflow/pharmanet/pkg/testutil"
)

type memTxKey struct{}

// memStore is an in-memory implementation of every store. Transactions are
// serialized on one mutex and roll back by restoring a snapshot.
type memStore struct {
	mu sync.Mutex

	meds      map[string]*domain.Medication
	tiers     map[string]string
	sites     map[string]*domain.Site
	lots      []*domain.InventoryLot
	requests  map[string]*domain.RedistributionRequest
	alerts    []*domain.Alert
	movements []*domain.Movement

	commitErr error
	failOn    map[string]error
	// onLockCovering runs with the store held, between a completion's stock
	// check and its decrement, to stand in for a concurrent committed write.
	onLockCovering func(s *memStore)
}

func newMemStore() *memStore {
	return &memStore{
		meds:     map[string]*domain.Medication{},
		tiers:    map[string]string{},
		sites:    map[string]*domain.Site{},
		requests: map[string]*domain.RedistributionRequest{},
		failOn:   map[string]error{},
	}
}

func inMemTx(ctx context.Context) bool {
	_, ok := ctx.Value(memTxKey{}).(bool)
	return ok
}

// guard locks the store unless ctx already runs inside a transaction.
func (s *memStore) guard(ctx context.Context) func() {
	if inMemTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) fail(op string) error {
	return s.failOn[op]
}

type memSnapshot struct {
	lots      []domain.InventoryLot
	requests  map[string]domain.RedistributionRequest
	alerts    []domain.Alert
	movements []*domain.Movement
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{requests: map[string]domain.RedistributionRequest{}}
	for _, l := range s.lots {
		snap.lots = append(snap.lots, *l)
	}
	for id, r := range s.requests {
		snap.requests[id] = *r
	}
	for _, a := range s.alerts {
		snap.alerts = append(snap.alerts, *a)
	}
	snap.movements = append(snap.movements, s.movements...)
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.lots = nil
	for i := range snap.lots {
		l := snap.lots[i]
		s.lots = append(s.lots, &l)
	}
	s.requests = map[string]*domain.RedistributionRequest{}
	for id, r := range snap.requests {
		r := r
		s.requests[id] = &r
	}
	s.alerts = nil
	for i := range snap.alerts {
		a := snap.alerts[i]
		s.alerts = append(s.alerts, &a)
	}
	s.movements = snap.movements
}

func (s *memStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inMemTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	if s.commitErr != nil {
		s.restore(snap)
		return fmt.Errorf("%w: %v", database.ErrCommitFailed, s.commitErr)
	}
	return nil
}

func (s *memStore) stores() Stores {
	return Stores{
		Medications: memMeds{s},
		Sites:       memSites{s},
		Lots:        memLots{s},
		Requests:    memRequests{s},
		Alerts:      memAlerts{s},
		Movements:   memMovements{s},
	}
}

// seeding helpers, used before any goroutine touches the store

func (s *memStore) addMedication(name, tier string) string {
	id := uuid.New().String()
	s.meds[id] = &domain.Medication{ID: id, Name: name, Unit: "tablet", CreatedAt: time.Now()}
	if tier != "" {
		s.tiers[id] = tier
	}
	return id
}

func (s *memStore) addSite(name string) string {
	id := uuid.New().String()
	s.sites[id] = &domain.Site{ID: id, Name: name, SiteType: "HOSPITAL", IsActive: true, CreatedAt: time.Now()}
	return id
}

func (s *memStore) addLot(med, site, code string, qty int, expiresIn time.Duration) *domain.InventoryLot {
	lot := &domain.InventoryLot{
		ID:           uuid.New().String(),
		MedicationID: med,
		SiteID:       site,
		LotCode:      code,
		Quantity:     qty,
		ExpiryDate:   today().Add(expiresIn),
		ReceivedDate: today(),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	s.lots = append(s.lots, lot)
	return lot
}

func (s *memStore) addAlert(med, site string, t domain.AlertType, tier domain.Tier) *domain.Alert {
	a := &domain.Alert{
		ID: uuid.New().String(), MedicationID: med, SiteID: site, AlertType: t, Tier: tier,
		Description: string(t), State: domain.AlertActive, GeneratedAt: time.Now(),
	}
	s.alerts = append(s.alerts, a)
	return a
}

// inspection helpers, safe to call concurrently

func (s *memStore) total(med, site string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked(med, site)
}

func (s *memStore) totalLocked(med, site string) int {
	n := 0
	for _, l := range s.lots {
		if l.MedicationID == med && l.SiteID == site {
			n += l.Quantity
		}
	}
	return n
}

func (s *memStore) lot(med, site, code string) *domain.InventoryLot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.findLot(med, site, code); l != nil {
		cp := *l
		return &cp
	}
	return nil
}

func (s *memStore) findLot(med, site, code string) *domain.InventoryLot {
	for _, l := range s.lots {
		if l.MedicationID == med && l.SiteID == site && l.LotCode == code {
			return l
		}
	}
	return nil
}

func (s *memStore) request(id string) domain.RedistributionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.requests[id]
}

func (s *memStore) alertsWhere(site string, t domain.AlertType, state domain.AlertState) []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Alert
	for _, a := range s.alerts {
		if a.SiteID == site && a.AlertType == t && (state == "" || a.State == state) {
			out = append(out, *a)
		}
	}
	return out
}

func (s *memStore) movementsFor(requestID string) []domain.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Movement
	for _, m := range s.movements {
		if m.RedistributionID != nil && *m.RedistributionID == requestID {
			out = append(out, *m)
		}
	}
	return out
}

func (s *memStore) movementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.movements)
}

func today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}

func paginate[T any](items []T, page, perPage int) []T {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	return items[start:min(start+perPage, len(items))]
}

type memMeds struct{ *memStore }

func (m memMeds) GetByID(ctx context.Context, id string) (*domain.Medication, error) {
	defer m.guard(ctx)()
	med, ok := m.meds[id]
	if !ok {
		return nil, errors.NotFound("medication")
	}
	return med, nil
}

func (m memMeds) CategoryTier(ctx context.Context, id string) (string, error) {
	defer m.guard(ctx)()
	if _, ok := m.meds[id]; !ok {
		return "", errors.NotFound("medication")
	}
	return m.tiers[id], nil
}

type memSites struct{ *memStore }

func (m memSites) GetByID(ctx context.Context, id string) (*domain.Site, error) {
	defer m.guard(ctx)()
	site, ok := m.sites[id]
	if !ok {
		return nil, errors.NotFound("site")
	}
	return site, nil
}

func (m memSites) ListActive(ctx context.Context) ([]*domain.Site, error) {
	defer m.guard(ctx)()
	var out []*domain.Site
	for _, s := range m.sites {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memLots struct{ *memStore }

func (m memLots) available(med, site string) []*domain.LotView {
	var out []*domain.LotView
	for _, l := range m.lots {
		if l.MedicationID == med && l.SiteID == site && l.Quantity > 0 {
			out = append(out, lotView(l))
		}
	}
	sortFEFO(out)
	return out
}

func lotView(l *domain.InventoryLot) *domain.LotView {
	return &domain.LotView{InventoryLot: *l, DaysToExpiry: int(l.ExpiryDate.Sub(today()) / (24 * time.Hour))}
}

func sortFEFO(lots []*domain.LotView) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ExpiryDate.Equal(lots[j].ExpiryDate) {
			return lots[i].ExpiryDate.Before(lots[j].ExpiryDate)
		}
		return lots[i].LotCode < lots[j].LotCode
	})
}

func (m memLots) ListAvailable(ctx context.Context, med, site string) ([]*domain.LotView, error) {
	defer m.guard(ctx)()
	return m.available(med, site), nil
}

func (m memLots) LockCovering(ctx context.Context, med, site string, qty int) (*domain.InventoryLot, error) {
	defer m.guard(ctx)()
	if m.onLockCovering != nil {
		m.onLockCovering(m.memStore)
	}
	for _, l := range m.available(med, site) {
		if l.Quantity >= qty {
			lot := l.InventoryLot
			return &lot, nil
		}
	}
	return nil, nil
}

func (m memLots) Get(ctx context.Context, med, site, code string) (*domain.InventoryLot, error) {
	defer m.guard(ctx)()
	l := m.findLot(med, site, code)
	if l == nil {
		return nil, errors.NotFound("lot")
	}
	cp := *l
	return &cp, nil
}

func (m memLots) Decrement(ctx context.Context, med, site, code string, qty int) (int, error) {
	defer m.guard(ctx)()
	if err := m.fail("lots.decrement"); err != nil {
		return 0, err
	}
	l := m.findLot(med, site, code)
	if l == nil {
		return 0, errors.NotFound("lot")
	}
	if l.Quantity < qty {
		return 0, errors.InsufficientStock(errors.ReasonLotQuantity, l.Quantity, qty)
	}
	l.Quantity -= qty
	l.UpdatedAt = time.Now()
	return l.Quantity, nil
}

func (m memLots) Increment(ctx context.Context, lot *domain.InventoryLot, qty int) (*domain.InventoryLot, error) {
	defer m.guard(ctx)()
	if err := m.fail("lots.increment"); err != nil {
		return nil, err
	}
	if l := m.findLot(lot.MedicationID, lot.SiteID, lot.LotCode); l != nil {
		l.Quantity += qty
		l.UpdatedAt = time.Now()
		cp := *l
		return &cp, nil
	}
	created := *lot
	created.ID = uuid.New().String()
	created.Quantity = qty
	created.ReceivedDate = today()
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	m.lots = append(m.lots, &created)
	cp := created
	return &cp, nil
}

func (m memLots) TotalStock(ctx context.Context, med, site string) (int, error) {
	defer m.guard(ctx)()
	return m.totalLocked(med, site), nil
}

func (m memLots) StockBySite(ctx context.Context, med, exclude string) ([]*domain.SiteStock, error) {
	defer m.guard(ctx)()
	bySite := map[string]*domain.SiteStock{}
	for _, l := range m.lots {
		if l.MedicationID != med || l.SiteID == exclude || l.Quantity <= 0 || !m.sites[l.SiteID].IsActive {
			continue
		}
		st, ok := bySite[l.SiteID]
		if !ok {
			st = &domain.SiteStock{SiteID: l.SiteID, SiteName: m.sites[l.SiteID].Name}
			bySite[l.SiteID] = st
		}
		st.Total += l.Quantity
		st.LotCount++
		if st.NearestExpiry == nil || l.ExpiryDate.Before(*st.NearestExpiry) {
			exp := l.ExpiryDate
			st.NearestExpiry = &exp
		}
	}
	out := make([]*domain.SiteStock, 0, len(bySite))
	for _, st := range bySite {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].SiteName < out[j].SiteName
	})
	return out, nil
}

func (m memLots) ListExpiring(ctx context.Context, withinDays int) ([]*domain.LotView, error) {
	defer m.guard(ctx)()
	limit := today().Add(time.Duration(withinDays) * 24 * time.Hour)
	var out []*domain.LotView
	for _, l := range m.lots {
		if l.Quantity > 0 && !l.ExpiryDate.After(limit) {
			out = append(out, lotView(l))
		}
	}
	sortFEFO(out)
	return out, nil
}

type memRequests struct{ *memStore }

func (m memRequests) Create(ctx context.Context, req *domain.RedistributionRequest) error {
	defer m.guard(ctx)()
	if err := m.fail("requests.create"); err != nil {
		return err
	}
	req.ID = uuid.New().String()
	req.State = domain.StateRequested
	req.RequestedAt = time.Now()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m memRequests) GetForUpdate(ctx context.Context, id string) (*domain.RedistributionRequest, error) {
	defer m.guard(ctx)()
	r, ok := m.requests[id]
	if !ok {
		return nil, errors.NotFound("redistribution request")
	}
	cp := *r
	return &cp, nil
}

func (m memRequests) view(r *domain.RedistributionRequest) *domain.RedistributionView {
	return &domain.RedistributionView{
		RedistributionRequest: *r,
		MedicationName:        m.meds[r.MedicationID].Name,
		OriginSiteName:        m.sites[r.OriginSiteID].Name,
		DestinationSiteName:   m.sites[r.DestinationSiteID].Name,
	}
}

func (m memRequests) GetView(ctx context.Context, id string) (*domain.RedistributionView, error) {
	defer m.guard(ctx)()
	r, ok := m.requests[id]
	if !ok {
		return nil, errors.NotFound("redistribution request")
	}
	return m.view(r), nil
}

func (m memRequests) MarkCompleted(ctx context.Context, id string, approved int, completedBy string, obs *string) (time.Time, error) {
	defer m.guard(ctx)()
	if err := m.fail("requests.complete"); err != nil {
		return time.Time{}, err
	}
	r, ok := m.requests[id]
	if !ok || r.State != domain.StateRequested {
		return time.Time{}, errors.InvalidState("redistribution request is no longer REQUESTED")
	}
	now := time.Now()
	updated := *r
	updated.State = domain.StateCompleted
	updated.CompletedAt = &now
	updated.ApprovedQuantity = &approved
	updated.CompletedBy = &completedBy
	updated.Observations = obs
	m.requests[id] = &updated
	return now, nil
}

func (m memRequests) List(ctx context.Context, f domain.RedistributionFilter) ([]*domain.RedistributionView, int64, error) {
	defer m.guard(ctx)()
	var out []*domain.RedistributionView
	for _, r := range m.requests {
		if (f.Tier != "" && r.EffectiveTier() != f.Tier) ||
			(f.State != "" && r.State != f.State) ||
			(f.OriginSiteID != "" && r.OriginSiteID != f.OriginSiteID) ||
			(f.DestinationSiteID != "" && r.DestinationSiteID != f.DestinationSiteID) {
			continue
		}
		out = append(out, m.view(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return paginate(out, f.Page, f.PerPage), int64(len(out)), nil
}

func (m memRequests) Stats(ctx context.Context) (*domain.RedistributionStats, error) {
	defer m.guard(ctx)()
	st := &domain.RedistributionStats{}
	for _, r := range m.requests {
		st.Total++
		switch r.State {
		case domain.StateRequested:
			st.Pending++
			if r.EffectiveTier() == domain.TierCritical {
				st.CriticalPending++
			}
		case domain.StateCompleted:
			st.Completed++
		}
	}
	return st, nil
}

type memAlerts struct{ *memStore }

func (m memAlerts) Create(ctx context.Context, a *domain.Alert) error {
	defer m.guard(ctx)()
	if err := m.fail("alerts.create"); err != nil {
		return err
	}
	a.ID = uuid.New().String()
	a.State = domain.AlertActive
	a.GeneratedAt = time.Now()
	cp := *a
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m memAlerts) Resolve(ctx context.Context, id, resolver string, obs *string) (*domain.Alert, error) {
	defer m.guard(ctx)()
	for i, a := range m.alerts {
		if a.ID == id {
			now := time.Now()
			updated := *a
			updated.State = domain.AlertResolved
			updated.ResolvedAt = &now
			updated.ResolvedBy = &resolver
			updated.Observations = obs
			m.alerts[i] = &updated
			cp := updated
			return &cp, nil
		}
	}
	return nil, errors.NotFound("alert")
}

func (m memAlerts) ResolveMatching(ctx context.Context, med, site string, types []domain.AlertType, onlyActive bool, resolver string) (int64, error) {
	defer m.guard(ctx)()
	var n int64
	for i, a := range m.alerts {
		if a.MedicationID != med || a.SiteID != site || (onlyActive && a.State != domain.AlertActive) {
			continue
		}
		for _, t := range types {
			if a.AlertType == t {
				now := time.Now()
				updated := *a
				updated.State = domain.AlertResolved
				updated.ResolvedAt = &now
				updated.ResolvedBy = &resolver
				m.alerts[i] = &updated
				n++
				break
			}
		}
	}
	return n, nil
}

func (m memAlerts) HasActiveExpiry(ctx context.Context, med, site, code string) (bool, error) {
	defer m.guard(ctx)()
	for _, a := range m.alerts {
		if a.MedicationID == med && a.SiteID == site && a.AlertType == domain.AlertExpiry &&
			a.State == domain.AlertActive && a.LotCode != nil && *a.LotCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (m memAlerts) List(ctx context.Context, f domain.AlertFilter) ([]*domain.AlertView, int64, error) {
	defer m.guard(ctx)()
	var out []*domain.AlertView
	for _, a := range m.alerts {
		if (f.SiteID != "" && a.SiteID != f.SiteID) ||
			(f.MedicationID != "" && a.MedicationID != f.MedicationID) ||
			(f.State != "" && a.State != f.State) ||
			(f.Type != "" && a.AlertType != f.Type) ||
			(f.Tier != "" && a.Tier != f.Tier) {
			continue
		}
		out = append(out, &domain.AlertView{Alert: *a, MedicationName: m.meds[a.MedicationID].Name, SiteName: m.sites[a.SiteID].Name})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier.Rank() > out[j].Tier.Rank() })
	return paginate(out, f.Page, f.PerPage), int64(len(out)), nil
}

func (m memAlerts) Stats(ctx context.Context, site string) (*domain.AlertStats, error) {
	defer m.guard(ctx)()
	st := &domain.AlertStats{ByTier: map[domain.Tier]int64{}, ByType: map[domain.AlertType]int64{}}
	for _, a := range m.alerts {
		if site != "" && a.SiteID != site {
			continue
		}
		if a.State == domain.AlertResolved {
			st.Resolved++
			continue
		}
		st.Active++
		st.ByTier[a.Tier]++
		st.ByType[a.AlertType]++
	}
	return st, nil
}

type memMovements struct{ *memStore }

func (m memMovements) Create(ctx context.Context, mv *domain.Movement) error {
	defer m.guard(ctx)()
	if err := m.fail("movements.create"); err != nil {
		return err
	}
	mv.ID = uuid.New().String()
	mv.OccurredAt = time.Now()
	cp := *mv
	m.movements = append(m.movements, &cp)
	return nil
}

func (m memMovements) List(ctx context.Context, f domain.MovementFilter) ([]*domain.Movement, int64, error) {
	defer m.guard(ctx)()
	var out []*domain.Movement
	for i := len(m.movements) - 1; i >= 0; i-- {
		mv := m.movements[i]
		if (f.SiteID != "" && mv.SiteID != f.SiteID) ||
			(f.MedicationID != "" && mv.MedicationID != f.MedicationID) ||
			(f.Type != "" && mv.Type != f.Type) ||
			(f.RedistributionID != "" && (mv.RedistributionID == nil || *mv.RedistributionID != f.RedistributionID)) {
			continue
		}
		out = append(out, mv)
	}
	return paginate(out, f.Page, f.PerPage), int64(len(out)), nil
}

// fixture wires the services over a fresh memStore.
type fixture struct {
	store     *memStore
	services  *Services
	sender    *testutil.MockPublisher
	log       *logger.Logger
	logOutput *strings.Builder
}

type syncBuilder struct {
	mu sync.Mutex
	b  *strings.Builder
}

func (w *syncBuilder) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	sender := testutil.NewMockPublisher()
	out := &strings.Builder{}
	log := logger.NewWithWriter("pharmacy-service", &syncBuilder{b: out})
	cfg := config.AlertsConfig{ExpiryWindow: 90 * 24 * time.Hour, CriticalExpiryWindow: 30 * 24 * time.Hour}

	return &fixture{
		store:     store,
		services:  New(store, store.stores(), lock.NewLocal(), events.NewPublisher(sender, log), cfg, log),
		sender:    sender,
		log:       log,
		logOutput: out,
	}
}
