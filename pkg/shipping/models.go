package shipping

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Environment selects the aggregator deployment a call targets.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == EnvSandbox || e == EnvProduction
}

// ParseEnvironment converts a user supplied string into an Environment.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if !env.Valid() {
		return "", NewError(KindValidation, "INVALID_ENVIRONMENT",
			fmt.Sprintf("unknown environment %q", s))
	}
	return env, nil
}

// PackageSpec describes one physical package. Dimensions are in centimeters,
// weight in kilograms.
type PackageSpec struct {
	WidthCm        float64         `json:"width_cm"`
	HeightCm       float64         `json:"height_cm"`
	LengthCm       float64         `json:"length_cm"`
	WeightKg       float64         `json:"weight_kg"`
	InsuranceValue decimal.Decimal `json:"insurance_value"`
	Quantity       int             `json:"quantity"`
}

// CubicWeight returns the volumetric weight of a single unit in kilograms.
func (p PackageSpec) CubicWeight() float64 {
	return p.WidthCm * p.HeightCm * p.LengthCm / 1_000_000 * CubicWeightFactor
}

// QuoteRequest is the normalized input for a rate quote.
type QuoteRequest struct {
	OriginPostalCode      string
	DestinationPostalCode string
	Packages              []PackageSpec
}

// ShippingOption is a single rate returned by the carrier, possibly modified
// by shipping rules.
type ShippingOption struct {
	ServiceID       int             `json:"service_id"`
	ServiceName     string          `json:"service_name"`
	CarrierName     string          `json:"carrier_name"`
	Price           decimal.Decimal `json:"price"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	DeliveryDaysMin int             `json:"delivery_days_min"`
	DeliveryDaysMax int             `json:"delivery_days_max"`
	ProductionDays  int             `json:"production_days"`
	PackageCount    int             `json:"package_count"`
	FreeShipping    bool            `json:"free_shipping"`
}

// CloneOptions returns a deep copy of opts so callers can mutate the result
// without touching cached values.
func CloneOptions(opts []ShippingOption) []ShippingOption {
	if opts == nil {
		return nil
	}
	out := make([]ShippingOption, len(opts))
	copy(out, opts)
	return out
}

// FilterPriced drops options without a strictly positive price.
func FilterPriced(opts []ShippingOption) []ShippingOption {
	out := make([]ShippingOption, 0, len(opts))
	for _, o := range opts {
		if o.Price.IsPositive() {
			out = append(out, o)
		}
	}
	return out
}

// ShippingModality is a carrier service known to the system, scoped by
// (ServiceID, Environment).
type ShippingModality struct {
	ServiceID   int         `json:"service_id"`
	Environment Environment `json:"environment"`
	Name        string      `json:"name"`
	CarrierID   int         `json:"carrier_id"`
	CarrierName string      `json:"carrier_name"`
	Active      bool        `json:"active"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
