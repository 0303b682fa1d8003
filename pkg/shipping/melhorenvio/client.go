// Package melhorenvio provides integration with the Melhor Envio shipping
// aggregator.
package melhorenvio

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProviderName identifies the aggregator in credentials, errors and metrics.
const ProviderName = "melhorenvio"

// TokenSource supplies a valid bearer token per environment.
type TokenSource interface {
	Token(ctx context.Context, env shipping.Environment) (string, error)
}

// Config holds Melhor Envio configuration.
type Config struct {
	SandboxURL    string
	ProductionURL string
	UserAgent     string
	Timeout       time.Duration
	UseMock       bool // When true, uses mock API client
}

// Client is the Melhor Envio carrier client.
// It implements the shipping.Carrier interface and delegates
// API calls to the underlying APIClient (mock or HTTP).
type Client struct {
	apiClient APIClient
	tokens    TokenSource
	logger    *otelzap.Logger
	tracer    trace.Tracer
}

// New creates a new Melhor Envio client.
// If cfg.UseMock is true, it uses a mock API client.
func New(cfg Config, tokens TokenSource, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient
	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			SandboxURL:    cfg.SandboxURL,
			ProductionURL: cfg.ProductionURL,
			UserAgent:     cfg.UserAgent,
			Timeout:       cfg.Timeout,
		})
	}
	return NewWithAPIClient(apiClient, tokens, logger, tracer)
}

// NewWithAPIClient creates a new client with a custom API client.
// This is useful for injecting mock clients in tests.
func NewWithAPIClient(apiClient APIClient, tokens TokenSource, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if tracer == nil {
		tracer = otel.Tracer(ProviderName)
	}
	return &Client{
		apiClient: apiClient,
		tokens:    tokens,
		logger:    logger,
		tracer:    tracer,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// ListServices returns the aggregator services as modalities for env. New
// modalities default to active; the caller decides whether to keep a stored flag.
func (c *Client) ListServices(ctx context.Context, env shipping.Environment) ([]shipping.ShippingModality, error) {
	ctx, span := c.tracer.Start(ctx, "melhorenvio.ListServices",
		trace.WithAttributes(attribute.String("environment", string(env))))
	defer span.End()

	token, err := c.tokens.Token(ctx, env)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	services, err := c.apiClient.ListServices(ctx, env, token)
	if err != nil {
		c.logger.Ctx(ctx).Error("Melhor Envio services error", zap.Error(err))
		recordSpanError(span, err)
		return nil, err
	}

	now := time.Now().UTC()
	modalities := make([]shipping.ShippingModality, 0, len(services))
	for _, s := range services {
		modalities = append(modalities, shipping.ShippingModality{
			ServiceID:   s.ID,
			Environment: env,
			Name:        s.Name,
			CarrierID:   s.Company.ID,
			CarrierName: s.Company.Name,
			Active:      true,
			UpdatedAt:   now,
		})
	}
	span.SetAttributes(attribute.Int("services", len(modalities)))
	return modalities, nil
}

// Quote requests rates for all packages in one call. Options the aggregator
// flags with an error, or without a positive price, are dropped. An empty
// result is not an error.
func (c *Client) Quote(ctx context.Context, req *shipping.QuoteRequest, env shipping.Environment) ([]shipping.ShippingOption, error) {
	ctx, span := c.tracer.Start(ctx, "melhorenvio.Quote", trace.WithAttributes(
		attribute.String("environment", string(env)),
		attribute.Int("package_count", len(req.Packages)),
	))
	defer span.End()

	logger := c.logger.Ctx(ctx)
	logger.Info("Getting Melhor Envio quotes",
		zap.String("destination_postal_code", req.DestinationPostalCode),
		zap.Int("package_count", len(req.Packages)),
	)

	if req.OriginPostalCode == "" {
		err := shipping.NewError(shipping.KindValidation, "MISSING_ORIGIN", "origin postal code is not configured").
			WithProvider(ProviderName)
		recordSpanError(span, err)
		return nil, err
	}

	token, err := c.tokens.Token(ctx, env)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	apiOpts, err := c.apiClient.Calculate(ctx, env, token, toCalculateRequest(req))
	if err != nil {
		logger.Error("Melhor Envio API error", zap.Error(err))
		recordSpanError(span, err)
		return nil, err
	}

	totalUnits := 0
	for _, p := range req.Packages {
		totalUnits += p.Quantity
	}

	options := make([]shipping.ShippingOption, 0, len(apiOpts))
	for _, o := range apiOpts {
		opt, ok := toShippingOption(o, totalUnits)
		if !ok {
			logger.Debug("Dropping unpriced option",
				zap.Int("service_id", o.ID),
				zap.String("price", string(o.Price)),
				zap.String("error", o.Error),
			)
			continue
		}
		options = append(options, opt)
	}
	span.SetAttributes(attribute.Int("options", len(options)))
	return options, nil
}

func toCalculateRequest(req *shipping.QuoteRequest) *CalculateRequest {
	products := make([]Product, len(req.Packages))
	for i, p := range req.Packages {
		products[i] = Product{
			ID:             strconv.Itoa(i + 1),
			Width:          p.WidthCm,
			Height:         p.HeightCm,
			Length:         p.LengthCm,
			Weight:         p.WeightKg,
			InsuranceValue: p.InsuranceValue.InexactFloat64(),
			Quantity:       p.Quantity,
		}
	}
	return &CalculateRequest{
		From:     PostalCode{PostalCode: req.OriginPostalCode},
		To:       PostalCode{PostalCode: req.DestinationPostalCode},
		Products: products,
		Options:  &CalculateOptions{},
	}
}

func toShippingOption(o CalculateOption, totalUnits int) (shipping.ShippingOption, bool) {
	if o.Error != "" || o.Price == "" {
		return shipping.ShippingOption{}, false
	}
	price, err := decimal.NewFromString(string(o.Price))
	if err != nil || !price.IsPositive() {
		return shipping.ShippingOption{}, false
	}

	minDays, maxDays := o.DeliveryRange.Min, o.DeliveryRange.Max
	if minDays == 0 && maxDays == 0 {
		minDays, maxDays = o.DeliveryTime, o.DeliveryTime
	}

	packageCount := len(o.Packages)
	if packageCount == 0 {
		packageCount = totalUnits
	}

	return shipping.ShippingOption{
		ServiceID:       o.ID,
		ServiceName:     o.Name,
		CarrierName:     o.Company.Name,
		Price:           price,
		OriginalPrice:   price,
		DeliveryDaysMin: minDays,
		DeliveryDaysMax: maxDays,
		PackageCount:    packageCount,
	}, true
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Ensure Client implements shipping.Carrier
var _ shipping.Carrier = (*Client)(nil)
