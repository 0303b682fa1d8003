package quote_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/tournevent/shipquote/internal/events"
	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/internal/quotecache"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/internal/telemetry"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/tournevent/shipquote/pkg/shipping/mock"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// 2026-10-16 is a Friday.
var quoteDay = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

type fakeSettings struct {
	env     shipping.Environment
	days    int
	hasDays bool
}

func (f *fakeSettings) ActiveEnvironment(ctx context.Context, provider string) (shipping.Environment, bool, error) {
	return f.env, f.env != "", nil
}

func (f *fakeSettings) ProductionDaysDefault(ctx context.Context) (int, bool, error) {
	return f.days, f.hasDays, nil
}

type memModalities struct {
	mu   sync.Mutex
	mods map[shipping.Environment]map[int]shipping.ShippingModality
	// beforeUpsert runs at the start of UpsertModalities, without the lock.
	beforeUpsert func()
}

func newMemModalities() *memModalities {
	return &memModalities{mods: map[shipping.Environment]map[int]shipping.ShippingModality{}}
}

func (m *memModalities) ListModalities(ctx context.Context, env shipping.Environment) ([]shipping.ShippingModality, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []shipping.ShippingModality
	for _, mod := range m.mods[env] {
		out = append(out, mod)
	}
	return out, nil
}

func (m *memModalities) UpsertModalities(ctx context.Context, mods []shipping.ShippingModality) error {
	if m.beforeUpsert != nil {
		m.beforeUpsert()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mod := range mods {
		if m.mods[mod.Environment] == nil {
			m.mods[mod.Environment] = map[int]shipping.ShippingModality{}
		}
		if prev, ok := m.mods[mod.Environment][mod.ServiceID]; ok {
			mod.Active = prev.Active
		}
		m.mods[mod.Environment][mod.ServiceID] = mod
	}
	return nil
}

func (m *memModalities) SetModalityActive(ctx context.Context, env shipping.Environment, serviceID int, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.mods[env][serviceID]
	if !ok {
		return shipping.NewError(shipping.KindNotFound, "MODALITY_NOT_FOUND", "modality not found")
	}
	mod.Active = active
	m.mods[env][serviceID] = mod
	return nil
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[uuid.UUID]quote.Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: map[uuid.UUID]quote.Snapshot{}}
}

func (m *memSnapshots) CreateSnapshot(ctx context.Context, s *quote.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[s.ID] = copySnapshot(*s)
	return nil
}

func (m *memSnapshots) GetSnapshot(ctx context.Context, id uuid.UUID) (*quote.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	if !ok {
		return nil, quote.ErrSnapshotNotFound
	}
	out := copySnapshot(s)
	return &out, nil
}

func (m *memSnapshots) UpdateSnapshotResult(ctx context.Context, s *quote.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.snaps[s.ID]
	if !ok {
		return quote.ErrSnapshotNotFound
	}
	cur.DestinationState = s.DestinationState
	cur.Environment = s.Environment
	cur.Options = shipping.CloneOptions(s.Options)
	cur.AppliedRules = rules.CloneAudit(s.AppliedRules)
	cur.FreeShippingApplied = s.FreeShippingApplied
	cur.UpdatedAt = s.UpdatedAt
	cur.RequotedAt = s.RequotedAt
	m.snaps[s.ID] = cur
	return nil
}

func copySnapshot(s quote.Snapshot) quote.Snapshot {
	s.Products = append([]shipping.PackageSpec(nil), s.Products...)
	s.Options = shipping.CloneOptions(s.Options)
	s.AppliedRules = rules.CloneAudit(s.AppliedRules)
	return s
}

type fakeStates struct {
	states map[string]string
	calls  int
}

func (f *fakeStates) ResolveState(ctx context.Context, postalCode string) (string, error) {
	f.calls++
	if s, ok := f.states[postalCode]; ok {
		return s, nil
	}
	return "", errors.New("unresolved")
}

type fakeCredentials struct {
	mu          sync.Mutex
	invalidated []shipping.Environment
	origin      string
}

func (f *fakeCredentials) MarkInvalid(ctx context.Context, provider string, env shipping.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, env)
	return nil
}

func (f *fakeCredentials) OriginPostalCode(ctx context.Context, provider string, env shipping.Environment) string {
	return f.origin
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type ruleStore struct {
	rules []rules.ShippingRule
}

func (s *ruleStore) ListActiveRules(ctx context.Context) ([]rules.ShippingRule, error) {
	return s.rules, nil
}

type harness struct {
	svc        *quote.Service
	carrier    *mock.Client
	cache      *quotecache.Memory
	rules      *ruleStore
	settings   *fakeSettings
	modalities *memModalities
	snapshots  *memSnapshots
	states     *fakeStates
	creds      *fakeCredentials
	publisher  *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := otelzap.New(zap.NewNop())
	h := &harness{
		carrier:    mock.New("melhorenvio"),
		cache:      quotecache.NewMemory(),
		rules:      &ruleStore{},
		settings:   &fakeSettings{},
		modalities: newMemModalities(),
		snapshots:  newMemSnapshots(),
		states:     &fakeStates{states: map[string]string{"01310100": "SP", "20040002": "RJ"}},
		creds:      &fakeCredentials{origin: "01001-000"},
		publisher:  &recordingPublisher{},
	}
	h.cache.SetClock(func() time.Time { return quoteDay })

	h.svc = quote.NewService(quote.Config{
		CacheTTL:           time.Minute,
		DefaultEnvironment: shipping.EnvSandbox,
	}, quote.Deps{
		Carrier:     h.carrier,
		Cache:       h.cache,
		Rules:       rules.NewEngine(h.rules, logger),
		Credentials: h.creds,
		Settings:    h.settings,
		Modalities:  h.modalities,
		Snapshots:   h.snapshots,
		States:      h.states,
		Publisher:   h.publisher,
		Logger:      logger,
		Metrics:     telemetry.NewMetrics(prometheus.NewRegistry()),
	})
	h.svc.SetClock(func() time.Time { return quoteDay })
	return h
}

func validInput() quote.Input {
	return quote.Input{
		DestinationPostalCode: "01310-100",
		OrderValue:            decimal.RequireFromString("600.00"),
		Packages: []shipping.PackageSpec{
			{WidthCm: 20, HeightCm: 15, LengthCm: 30, WeightKg: 1.2, InsuranceValue: decimal.NewFromInt(150), Quantity: 1},
			{WidthCm: 11, HeightCm: 11, LengthCm: 16, WeightKg: 0.3, Quantity: 2},
		},
	}
}
