package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tournevent/shipquote/internal/quotecache"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/internal/telemetry"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config holds orchestrator defaults used when settings are not configured.
type Config struct {
	CacheTTL              time.Duration
	DefaultEnvironment    shipping.Environment
	DefaultProductionDays int
	// OriginPostalCode is used when the stored credential carries none.
	OriginPostalCode string
}

// Deps are the collaborators of a Service. Publisher, States and Metrics may
// be nil.
type Deps struct {
	Carrier     shipping.Carrier
	Cache       quotecache.Store
	Rules       RuleApplier
	Credentials Credentials
	Settings    SettingsStore
	Modalities  ModalityStore
	Snapshots   SnapshotStore
	States      StateResolver
	Publisher   Publisher
	Logger      *otelzap.Logger
	Metrics     *telemetry.Metrics
	Tracer      trace.Tracer
}

// Service is the quote orchestrator.
type Service struct {
	cfg         Config
	carrier     shipping.Carrier
	cache       quotecache.Store
	rules       RuleApplier
	credentials Credentials
	settings    SettingsStore
	modalities  ModalityStore
	snapshots   SnapshotStore
	states      StateResolver
	publisher   Publisher
	logger      *otelzap.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// NewService creates a quote orchestrator.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = quotecache.DefaultTTL
	}
	if !cfg.DefaultEnvironment.Valid() {
		cfg.DefaultEnvironment = shipping.EnvSandbox
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("quote")
	}
	return &Service{
		cfg:         cfg,
		carrier:     deps.Carrier,
		cache:       deps.Cache,
		rules:       deps.Rules,
		credentials: deps.Credentials,
		settings:    deps.Settings,
		modalities:  deps.Modalities,
		snapshots:   deps.Snapshots,
		states:      deps.States,
		publisher:   deps.Publisher,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracer:      tracer,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// params are the settings read once per call and threaded through the pipeline.
type params struct {
	env            shipping.Environment
	productionDays int
	origin         string
	quoteDate      time.Time
}

func (s *Service) loadParams(ctx context.Context, override shipping.Environment) (params, error) {
	p := params{
		env:            s.cfg.DefaultEnvironment,
		productionDays: s.cfg.DefaultProductionDays,
		quoteDate:      s.now(),
	}

	switch {
	case override != "":
		if !override.Valid() {
			return p, shipping.NewError(shipping.KindValidation, "INVALID_ENVIRONMENT",
				fmt.Sprintf("unknown environment %q", override))
		}
		p.env = override
	default:
		env, ok, err := s.settings.ActiveEnvironment(ctx, s.carrier.Name())
		if err != nil {
			return p, fmt.Errorf("reading active environment: %w", err)
		}
		if ok && env.Valid() {
			p.env = env
		}
	}

	days, ok, err := s.settings.ProductionDaysDefault(ctx)
	if err != nil {
		return p, fmt.Errorf("reading production days default: %w", err)
	}
	if ok {
		p.productionDays = days
	}

	p.origin = s.credentials.OriginPostalCode(ctx, s.carrier.Name(), p.env)
	if p.origin == "" {
		p.origin = s.cfg.OriginPostalCode
	}
	if p.origin != "" {
		if normalized, err := shipping.NormalizePostalCode(p.origin); err == nil {
			p.origin = normalized
		}
	}
	return p, nil
}

// GetQuote validates the request, serves it from the cache when possible and
// otherwise quotes the carrier and applies shipping rules.
func (s *Service) GetQuote(ctx context.Context, in Input) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "quote.GetQuote")
	defer s.observe("get_quote", span, time.Now(), &err)

	p, err := s.loadParams(ctx, in.Environment)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, in, p, true)
}

// run is the shared quote pipeline. useCache is false for requotes.
func (s *Service) run(ctx context.Context, in Input, p params, useCache bool) (*Result, error) {
	logger := s.logger.Ctx(ctx)

	if err := shipping.ValidatePackages(in.Packages); err != nil {
		return nil, err
	}
	dest, err := shipping.NormalizePostalCode(in.DestinationPostalCode)
	if err != nil {
		return nil, err
	}
	if in.OrderValue.IsNegative() {
		return nil, shipping.NewError(shipping.KindValidation, "INVALID_ORDER_VALUE", "order value must not be negative")
	}

	state := strings.ToUpper(strings.TrimSpace(in.DestinationState))
	if state == "" {
		state = s.resolveState(ctx, dest)
	}

	rc := rules.Context{
		OrderValue:            in.OrderValue,
		DestinationState:      state,
		DestinationPostalCode: dest,
		QuoteDate:             p.quoteDate,
	}
	ruleKey := ruleContextKey(rc, p.productionDays)
	fingerprint := quotecache.Fingerprint(dest, in.Packages, p.env)
	key := quotecache.Key(fingerprint, ruleKey)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("environment", string(p.env)),
		attribute.String("fingerprint", fingerprint),
		attribute.Bool("use_cache", useCache),
	)

	if useCache {
		entry, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			logger.Warn("Quote cache read failed", zap.Error(err))
		}
		hit := ok && entry.RuleContext == ruleKey
		s.metrics.RecordCacheLookup(hit)
		if hit {
			return &Result{
				Options:               entry.Options,
				AppliedRules:          entry.AppliedRules,
				FreeShippingApplied:   rules.FreeShippingApplied(entry.AppliedRules),
				Cached:                true,
				NoServiceAvailable:    len(entry.Options) == 0,
				Environment:           p.env,
				DestinationState:      state,
				DefaultProductionDays: max(p.productionDays, 0),
			}, nil
		}
	}

	options, err := s.carrier.Quote(ctx, &shipping.QuoteRequest{
		OriginPostalCode:      p.origin,
		DestinationPostalCode: dest,
		Packages:              in.Packages,
	}, p.env)
	if err != nil {
		s.carrierFailed(ctx, err, p.env)
		return nil, err
	}
	options = s.dropInactive(ctx, p.env, shipping.FilterPriced(options))

	result := &Result{
		Environment:           p.env,
		DestinationState:      state,
		DefaultProductionDays: max(p.productionDays, 0),
	}

	applied, err := s.rules.Apply(ctx, options, rc, p.productionDays)
	if err != nil {
		logger.Warn("Rule evaluation failed, returning carrier options", zap.Error(err))
		s.metrics.RecordRuleFallback()
		result.Options = options
		result.AppliedRules = []rules.AppliedRule{}
		result.RulesDegraded = true
		result.DefaultProductionDays = 0
	} else {
		result.Options = applied.Options
		result.AppliedRules = applied.AppliedRules
		result.FreeShippingApplied = rules.FreeShippingApplied(applied.AppliedRules)
	}
	result.NoServiceAvailable = len(result.Options) == 0

	if !result.NoServiceAvailable && !result.RulesDegraded {
		entry := quotecache.Entry{
			Options:      result.Options,
			AppliedRules: result.AppliedRules,
			RuleContext:  ruleKey,
			StoredAt:     s.now(),
		}
		if err := s.cache.Put(ctx, key, entry, s.cfg.CacheTTL); err != nil {
			logger.Warn("Quote cache write failed", zap.Error(err))
		}
	}

	logger.Info("Quote computed",
		zap.String("environment", string(p.env)),
		zap.Int("options", len(result.Options)),
		zap.Bool("free_shipping", result.FreeShippingApplied),
	)
	return result, nil
}

// resolveState is best-effort; an unresolved state only disables state rules.
func (s *Service) resolveState(ctx context.Context, postalCode string) string {
	if s.states == nil {
		return ""
	}
	state, err := s.states.ResolveState(ctx, postalCode)
	if err != nil {
		s.logger.Ctx(ctx).Warn("Could not resolve destination state",
			zap.String("postal_code", postalCode),
			zap.Error(err),
		)
		return ""
	}
	return strings.ToUpper(state)
}

// dropInactive removes options for services an operator switched off. Unknown
// services are kept.
func (s *Service) dropInactive(ctx context.Context, env shipping.Environment, options []shipping.ShippingOption) []shipping.ShippingOption {
	mods, err := s.modalities.ListModalities(ctx, env)
	if err != nil {
		s.logger.Ctx(ctx).Warn("Could not load modalities, keeping all options", zap.Error(err))
		return options
	}
	inactive := make(map[int]bool, len(mods))
	for _, m := range mods {
		if !m.Active {
			inactive[m.ServiceID] = true
		}
	}
	if len(inactive) == 0 {
		return options
	}
	out := options[:0]
	for _, o := range options {
		if !inactive[o.ServiceID] {
			out = append(out, o)
		}
	}
	return out
}

// carrierFailed records a carrier failure and invalidates the credential when
// the carrier rejected it.
func (s *Service) carrierFailed(ctx context.Context, err error, env shipping.Environment) {
	provider := s.carrier.Name()
	s.metrics.RecordError(provider, string(shipping.KindOf(err)))

	logger := s.logger.Ctx(ctx)
	logger.Error("Carrier call failed",
		zap.String("provider", provider),
		zap.String("environment", string(env)),
		zap.Error(err),
	)

	if errors.Is(err, shipping.ErrUnauthorized) {
		if markErr := s.credentials.MarkInvalid(ctx, provider, env); markErr != nil {
			logger.Error("Failed to invalidate credential", zap.Error(markErr))
		}
	}
}

func (s *Service) observe(operation string, span trace.Span, start time.Time, errp *error) {
	status := "ok"
	if err := *errp; err != nil {
		status = string(shipping.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.metrics.RecordRequest(operation, status, time.Since(start).Seconds())
	span.End()
}

func ruleContextKey(rc rules.Context, productionDays int) string {
	return strings.Join([]string{
		rc.OrderValue.String(),
		rc.DestinationState,
		rc.DestinationPostalCode,
		fmt.Sprint(productionDays),
		rc.QuoteDate.Format(time.DateOnly),
	}, "|")
}
