package melhorenvio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tournevent/shipquote/pkg/shipping"
)

// APIClient defines the aggregator operations the Client depends on.
// Implementations include HTTPAPIClient (production) and MockAPIClient (testing).
type APIClient interface {
	// Calculate quotes every service for the given products in a single call.
	Calculate(ctx context.Context, env shipping.Environment, token string, req *CalculateRequest) ([]CalculateOption, error)

	// ListServices returns the services offered by the aggregator.
	ListServices(ctx context.Context, env shipping.Environment, token string) ([]Service, error)
}

// ============================================================================
// Calculate
// ============================================================================

// CalculateRequest is the body of POST /api/v2/me/shipment/calculate.
type CalculateRequest struct {
	From     PostalCode        `json:"from"`
	To       PostalCode        `json:"to"`
	Products []Product         `json:"products"`
	Options  *CalculateOptions `json:"options,omitempty"`
	Services string            `json:"services,omitempty"` // comma separated service ids
}

// PostalCode wraps a CEP.
type PostalCode struct {
	PostalCode string `json:"postal_code"`
}

// Product is one package line. Dimensions in cm, weight in kg.
type Product struct {
	ID             string  `json:"id"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	Length         float64 `json:"length"`
	Weight         float64 `json:"weight"`
	InsuranceValue float64 `json:"insurance_value"`
	Quantity       int     `json:"quantity"`
}

// CalculateOptions toggles extra services.
type CalculateOptions struct {
	Receipt bool `json:"receipt"`
	OwnHand bool `json:"own_hand"`
}

// CalculateOption is one service quote. Services that cannot serve the
// route come back with Error set and no price.
type CalculateOption struct {
	ID            int           `json:"id"`
	Name          string        `json:"name"`
	Price         Amount        `json:"price,omitempty"`
	CustomPrice   Amount        `json:"custom_price,omitempty"`
	Discount      Amount        `json:"discount,omitempty"`
	Currency      string        `json:"currency,omitempty"`
	DeliveryTime  int           `json:"delivery_time,omitempty"`
	DeliveryRange DeliveryRange `json:"delivery_range"`
	Packages      []Package     `json:"packages,omitempty"`
	Company       Company       `json:"company"`
	Error         string        `json:"error,omitempty"`
}

// DeliveryRange is the estimate in days.
type DeliveryRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Package is how the aggregator grouped products for a service.
type Package struct {
	Price    Amount `json:"price,omitempty"`
	Format   string `json:"format,omitempty"`
	Weight   Amount `json:"weight,omitempty"`
	Products []struct {
		ID       string `json:"id"`
		Quantity int    `json:"quantity"`
	} `json:"products,omitempty"`
}

// Company is the carrier behind a service.
type Company struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

// Amount is a decimal value the API sends either as a JSON string or number.
type Amount string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*a = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

// ============================================================================
// Services
// ============================================================================

// Service is an entry of GET /api/v2/me/shipment/services.
type Service struct {
	ID      int     `json:"id"`
	Name    string  `json:"name"`
	Type    string  `json:"type,omitempty"`
	Company Company `json:"company"`
}

// ============================================================================
// Errors
// ============================================================================

// APIError is the aggregator error body. Validation failures carry per field
// messages in Errors.
type APIError struct {
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (e *APIError) text() string {
	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	if len(e.Errors) == 0 {
		return msg
	}
	fields := make([]string, 0, len(e.Errors))
	for f := range e.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e.Errors[f], ", "))
	}
	if msg == "" {
		return strings.Join(parts, "; ")
	}
	return msg + " (" + strings.Join(parts, "; ") + ")"
}
