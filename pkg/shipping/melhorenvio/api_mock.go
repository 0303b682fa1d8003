package melhorenvio

import (
	"context"
	"time"

	"github.com/tournevent/shipquote/pkg/shipping"
)

// MockAPIClient is a mock implementation of APIClient for testing and local
// development without aggregator credentials.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnCalculate    func(ctx context.Context, env shipping.Environment, token string, req *CalculateRequest) ([]CalculateOption, error)
	OnListServices func(ctx context.Context, env shipping.Environment, token string) ([]Service, error)
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{}
}

func (m *MockAPIClient) simulate(ctx context.Context) error {
	if m.SimulateLatency > 0 {
		select {
		case <-time.After(m.SimulateLatency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.SimulateErrors {
		return shipping.NewError(shipping.KindCarrierTransient, "MOCK_ERROR", "Simulated API error").
			WithProvider(ProviderName)
	}
	return nil
}

// Calculate returns mock quotes. One service always reports that it cannot
// serve the route, like the real aggregator does for most destinations.
func (m *MockAPIClient) Calculate(ctx context.Context, env shipping.Environment, token string, req *CalculateRequest) ([]CalculateOption, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnCalculate != nil {
		return m.OnCalculate(ctx, env, token, req)
	}

	correios := Company{ID: 1, Name: "Correios"}
	jadlog := Company{ID: 2, Name: "Jadlog"}
	packages := []Package{{Format: "box"}}

	return []CalculateOption{
		{
			ID:            1,
			Name:          "PAC",
			Price:         "25.90",
			Currency:      "R$",
			DeliveryTime:  6,
			DeliveryRange: DeliveryRange{Min: 5, Max: 6},
			Packages:      packages,
			Company:       correios,
		},
		{
			ID:            2,
			Name:          "SEDEX",
			Price:         "42.10",
			Currency:      "R$",
			DeliveryTime:  2,
			DeliveryRange: DeliveryRange{Min: 1, Max: 2},
			Packages:      packages,
			Company:       correios,
		},
		{
			ID:            3,
			Name:          ".Package",
			Price:         "31.47",
			Currency:      "R$",
			DeliveryTime:  5,
			DeliveryRange: DeliveryRange{Min: 4, Max: 5},
			Packages:      packages,
			Company:       jadlog,
		},
		{
			ID:      17,
			Name:    "Mini Envios",
			Company: correios,
			Error:   "Serviço indisponível para o trecho.",
		},
	}, nil
}

// ListServices returns the mock service catalogue.
func (m *MockAPIClient) ListServices(ctx context.Context, env shipping.Environment, token string) ([]Service, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnListServices != nil {
		return m.OnListServices(ctx, env, token)
	}

	correios := Company{ID: 1, Name: "Correios"}
	jadlog := Company{ID: 2, Name: "Jadlog"}
	return []Service{
		{ID: 1, Name: "PAC", Type: "normal", Company: correios},
		{ID: 2, Name: "SEDEX", Type: "express", Company: correios},
		{ID: 3, Name: ".Package", Type: "normal", Company: jadlog},
		{ID: 17, Name: "Mini Envios", Type: "normal", Company: correios},
	}, nil
}

// Ensure MockAPIClient implements APIClient interface
var _ APIClient = (*MockAPIClient)(nil)
