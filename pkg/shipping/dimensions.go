package shipping

import (
	"fmt"
	"math"
	"strings"
)

// Carrier-imposed package limits. All bounds are inclusive.
const (
	MinWidthCm  = 2.0
	MaxWidthCm  = 105.0
	MinHeightCm = 11.0
	MaxHeightCm = 105.0
	MinLengthCm = 16.0
	MaxLengthCm = 105.0
	MinWeightKg = 0.1
	MaxWeightKg = 30.0

	// CubicWeightFactor is the kg per cubic meter factor used for volumetric weight.
	CubicWeightFactor = 300.0
)

// Field names a validated attribute of a package.
type Field string

const (
	FieldWidth       Field = "width"
	FieldHeight      Field = "height"
	FieldLength      Field = "length"
	FieldWeight      Field = "weight"
	FieldCubicWeight Field = "cubic_weight"
	FieldQuantity    Field = "quantity"
)

// Bound identifies which side of a range was violated.
type Bound string

const (
	BoundMin     Bound = "min"
	BoundMax     Bound = "max"
	BoundInvalid Bound = "invalid"
)

// DimensionError reports the first package that failed validation.
type DimensionError struct {
	Index int // zero-based position in the request; -1 for a standalone package
	Field Field
	Bound Bound
	Value float64
	Limit float64
}

// Error implements the error interface.
func (e *DimensionError) Error() string {
	var pkg string
	if e.Index >= 0 {
		pkg = fmt.Sprintf("package %d: ", e.Index+1)
	}
	switch e.Bound {
	case BoundMin:
		return fmt.Sprintf("%s%s %.2f below minimum %.2f", pkg, e.Field, e.Value, e.Limit)
	case BoundMax:
		return fmt.Sprintf("%s%s %.2f exceeds maximum %.2f", pkg, e.Field, e.Value, e.Limit)
	default:
		return fmt.Sprintf("%s%s is not a valid number", pkg, e.Field)
	}
}

// Is lets errors.Is(err, ErrValidation) match dimension failures.
func (e *DimensionError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindValidation && t.Code == ""
}

type dimensionRule struct {
	field    Field
	value    func(PackageSpec) float64
	min, max float64
}

var dimensionRules = []dimensionRule{
	{FieldWidth, func(p PackageSpec) float64 { return p.WidthCm }, MinWidthCm, MaxWidthCm},
	{FieldHeight, func(p PackageSpec) float64 { return p.HeightCm }, MinHeightCm, MaxHeightCm},
	{FieldLength, func(p PackageSpec) float64 { return p.LengthCm }, MinLengthCm, MaxLengthCm},
	{FieldWeight, func(p PackageSpec) float64 { return p.WeightKg }, MinWeightKg, MaxWeightKg},
}

// ValidatePackage checks a single package against carrier limits. It has no
// side effects and returns a *DimensionError with Index -1 on failure.
func ValidatePackage(spec PackageSpec) error {
	if err := validatePackage(spec); err != nil {
		err.Index = -1
		return err
	}
	return nil
}

func validatePackage(spec PackageSpec) *DimensionError {
	for _, r := range dimensionRules {
		v := r.value(spec)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &DimensionError{Field: r.field, Bound: BoundInvalid, Value: v}
		}
		if v < r.min {
			return &DimensionError{Field: r.field, Bound: BoundMin, Value: v, Limit: r.min}
		}
		if v > r.max {
			return &DimensionError{Field: r.field, Bound: BoundMax, Value: v, Limit: r.max}
		}
	}

	// Physical weight passed; bulky packages are still priced by volume.
	if cw := spec.CubicWeight(); cw > MaxWeightKg {
		return &DimensionError{Field: FieldCubicWeight, Bound: BoundMax, Value: cw, Limit: MaxWeightKg}
	}

	if spec.Quantity < 1 {
		return &DimensionError{Field: FieldQuantity, Bound: BoundMin, Value: float64(spec.Quantity), Limit: 1}
	}
	return nil
}

// ValidatePackages validates every package in order and aborts on the first
// failure, reporting its position.
func ValidatePackages(specs []PackageSpec) error {
	if len(specs) == 0 {
		return NewError(KindValidation, "NO_PACKAGES", "at least one package is required")
	}
	for i, spec := range specs {
		if err := validatePackage(spec); err != nil {
			err.Index = i
			return err
		}
	}
	return nil
}

// NormalizePostalCode strips formatting from a Brazilian postal code (CEP) and
// requires exactly eight digits.
func NormalizePostalCode(code string) (string, error) {
	var b strings.Builder
	for _, r := range code {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '.' || r == ' ':
		default:
			return "", NewError(KindValidation, "INVALID_POSTAL_CODE",
				fmt.Sprintf("postal code %q contains invalid characters", code))
		}
	}
	if b.Len() != 8 {
		return "", NewError(KindValidation, "INVALID_POSTAL_CODE",
			fmt.Sprintf("postal code %q must have 8 digits", code))
	}
	return b.String(), nil
}
