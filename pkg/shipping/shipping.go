// Package shipping provides the domain types shared by the quotation engine:
// package specs, quote requests, shipping options, carrier modalities and the
// error taxonomy surfaced to callers.
package shipping

import (
	"context"
)

// Carrier defines the interface a shipping aggregator client must implement.
type Carrier interface {
	// Name returns the provider identifier (e.g., "melhorenvio").
	Name() string

	// ListServices returns the carrier services known to the aggregator.
	ListServices(ctx context.Context, env Environment) ([]ShippingModality, error)

	// Quote returns rate options for all packages of the request in one call.
	Quote(ctx context.Context, req *QuoteRequest, env Environment) ([]ShippingOption, error)
}
