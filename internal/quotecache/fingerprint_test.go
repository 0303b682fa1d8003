package quotecache_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/tournevent/shipquote/internal/quotecache"
	"github.com/tournevent/shipquote/pkg/shipping"
)

func TestFingerprint(t *testing.T) {
	a := shipping.PackageSpec{WidthCm: 20, HeightCm: 15, LengthCm: 30, WeightKg: 1.5, InsuranceValue: decimal.NewFromInt(100), Quantity: 1}
	b := shipping.PackageSpec{WidthCm: 10, HeightCm: 12, LengthCm: 18, WeightKg: 0.4, InsuranceValue: decimal.Zero, Quantity: 2}

	base := quotecache.Fingerprint("01310100", []shipping.PackageSpec{a, b}, shipping.EnvSandbox)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, base, quotecache.Fingerprint("01310100", []shipping.PackageSpec{a, b}, shipping.EnvSandbox))
	})

	t.Run("package order does not matter", func(t *testing.T) {
		assert.Equal(t, base, quotecache.Fingerprint("01310100", []shipping.PackageSpec{b, a}, shipping.EnvSandbox))
	})

	t.Run("equivalent decimals hash equally", func(t *testing.T) {
		a2 := a
		a2.InsuranceValue = decimal.RequireFromString("100.00")
		assert.Equal(t, base, quotecache.Fingerprint("01310100", []shipping.PackageSpec{a2, b}, shipping.EnvSandbox))
	})

	t.Run("destination changes key", func(t *testing.T) {
		assert.NotEqual(t, base, quotecache.Fingerprint("20040002", []shipping.PackageSpec{a, b}, shipping.EnvSandbox))
	})

	t.Run("environment changes key", func(t *testing.T) {
		assert.NotEqual(t, base, quotecache.Fingerprint("01310100", []shipping.PackageSpec{a, b}, shipping.EnvProduction))
	})

	t.Run("quantity changes key", func(t *testing.T) {
		b2 := b
		b2.Quantity = 3
		assert.NotEqual(t, base, quotecache.Fingerprint("01310100", []shipping.PackageSpec{a, b2}, shipping.EnvSandbox))
	})
}

func TestKey(t *testing.T) {
	fp := quotecache.Fingerprint("01310100", nil, shipping.EnvSandbox)

	assert.Equal(t, quotecache.Key(fp, "600|SP"), quotecache.Key(fp, "600|SP"))
	assert.NotEqual(t, quotecache.Key(fp, "600|SP"), quotecache.Key(fp, "100|SP"))
	assert.Contains(t, quotecache.Key(fp, "600|SP"), fp)
}
