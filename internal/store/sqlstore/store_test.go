package sqlstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipquote/internal/credentials"
	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/internal/store/sqlstore"
	"github.com/tournevent/shipquote/pkg/shipping"
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRules_CreateAndListActiveInOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inputs := []rules.ShippingRule{
		{Name: "late", RuleType: rules.RuleFreeShipping, ConditionType: rules.ConditionAll, Priority: 5, Active: true},
		{Name: "sp", RuleType: rules.RuleFreeShipping, ConditionType: rules.ConditionDestinationState,
			ConditionValue: json.RawMessage(`["SP","RJ"]`), ApplicableServiceIDs: []int{1, 2}, Priority: 1, Active: true},
		{Name: "off", RuleType: rules.RuleFreeShipping, ConditionType: rules.ConditionAll, Priority: 0, Active: false},
		{Name: "pad", RuleType: rules.RuleProductionDaysPadding, ConditionType: rules.ConditionMinOrderValue,
			ConditionValue: json.RawMessage(`500`), ProductionDaysToAdd: 3, Priority: 1, Active: true},
	}
	for i := range inputs {
		require.NoError(t, s.CreateRule(ctx, &inputs[i]))
		assert.NotZero(t, inputs[i].ID)
		assert.False(t, inputs[i].CreatedAt.IsZero())
	}

	active, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "sp", active[0].Name)
	assert.Equal(t, "pad", active[1].Name)
	assert.Equal(t, "late", active[2].Name)

	assert.Equal(t, []int{1, 2}, active[0].ApplicableServiceIDs)
	assert.JSONEq(t, `["SP","RJ"]`, string(active[0].ConditionValue))
	assert.Equal(t, 3, active[1].ProductionDaysToAdd)
	assert.Nil(t, active[2].ApplicableServiceIDs)
	assert.Nil(t, active[2].ConditionValue)

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRules_CreateRejectsInvalid(t *testing.T) {
	s := openStore(t)
	r := rules.ShippingRule{RuleType: rules.RuleProductionDaysPadding, ConditionType: rules.ConditionAll}

	err := s.CreateRule(context.Background(), &r)

	assert.ErrorIs(t, err, shipping.ErrValidation)
}

func TestRules_Delete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := rules.ShippingRule{RuleType: rules.RuleFreeShipping, ConditionType: rules.ConditionAll, Active: true}
	require.NoError(t, s.CreateRule(ctx, &r))

	require.NoError(t, s.DeleteRule(ctx, r.ID))
	assert.ErrorIs(t, s.DeleteRule(ctx, r.ID), shipping.ErrNotFound)

	left, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestModalities_UpsertKeepsActiveFlagAndScopesByEnvironment(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertModalities(ctx, []shipping.ShippingModality{
		{ServiceID: 2, Environment: shipping.EnvSandbox, Name: "SEDEX", CarrierID: 1, CarrierName: "Correios", Active: true},
		{ServiceID: 1, Environment: shipping.EnvSandbox, Name: "PAC", CarrierID: 1, CarrierName: "Correios", Active: true},
		{ServiceID: 1, Environment: shipping.EnvProduction, Name: "PAC", CarrierID: 1, CarrierName: "Correios", Active: true},
	}))
	require.NoError(t, s.UpsertModalities(ctx, []shipping.ShippingModality{
		{ServiceID: 2, Environment: shipping.EnvSandbox, Name: "SEDEX 10", CarrierID: 1, CarrierName: "Correios", Active: false},
	}))

	sandbox, err := s.ListModalities(ctx, shipping.EnvSandbox)
	require.NoError(t, err)
	require.Len(t, sandbox, 2)
	assert.Equal(t, 1, sandbox[0].ServiceID)
	assert.Equal(t, "SEDEX 10", sandbox[1].Name)
	assert.True(t, sandbox[1].Active)
	assert.Equal(t, shipping.EnvSandbox, sandbox[1].Environment)
	assert.False(t, sandbox[1].UpdatedAt.IsZero())

	production, err := s.ListModalities(ctx, shipping.EnvProduction)
	require.NoError(t, err)
	assert.Len(t, production, 1)
}

func TestModalities_SetActive(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertModalities(ctx, []shipping.ShippingModality{
		{ServiceID: 1, Environment: shipping.EnvSandbox, Name: "PAC", Active: true},
	}))

	require.NoError(t, s.SetModalityActive(ctx, shipping.EnvSandbox, 1, false))
	mods, err := s.ListModalities(ctx, shipping.EnvSandbox)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.False(t, mods[0].Active)

	err = s.SetModalityActive(ctx, shipping.EnvProduction, 1, false)
	assert.ErrorIs(t, err, shipping.ErrNotFound)
}

func TestModalities_UpsertDoesNotReactivate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	pac := shipping.ShippingModality{ServiceID: 1, Environment: shipping.EnvSandbox, Name: "PAC", Active: true}
	require.NoError(t, s.UpsertModalities(ctx, []shipping.ShippingModality{pac}))
	require.NoError(t, s.SetModalityActive(ctx, shipping.EnvSandbox, 1, false))

	pac.Name = "PAC Contrato"
	require.NoError(t, s.UpsertModalities(ctx, []shipping.ShippingModality{pac}))

	mods, err := s.ListModalities(ctx, shipping.EnvSandbox)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "PAC Contrato", mods[0].Name)
	assert.False(t, mods[0].Active)
}

func TestModalities_UpsertRejectsUnknownEnvironment(t *testing.T) {
	s := openStore(t)
	err := s.UpsertModalities(context.Background(), []shipping.ShippingModality{{ServiceID: 1, Name: "PAC"}})
	assert.ErrorIs(t, err, shipping.ErrValidation)
}

func sampleSnapshot() *quote.Snapshot {
	return &quote.Snapshot{
		DestinationPostalCode: "01310100",
		DestinationState:      "SP",
		OrderValue:            decimal.RequireFromString("600.00"),
		Environment:           shipping.EnvSandbox,
		Products: []shipping.PackageSpec{
			{WidthCm: 20, HeightCm: 15, LengthCm: 30, WeightKg: 1.2, InsuranceValue: decimal.RequireFromString("150.50"), Quantity: 1},
		},
		Options: []shipping.ShippingOption{
			{ServiceID: 1, ServiceName: "PAC", CarrierName: "Correios", Price: decimal.RequireFromString("25.90"),
				OriginalPrice: decimal.RequireFromString("25.90"), DeliveryDaysMin: 5, DeliveryDaysMax: 7, PackageCount: 1},
		},
		AppliedRules: []rules.AppliedRule{
			{RuleID: 1, RuleType: rules.RuleFreeShipping, ConditionType: rules.ConditionMinOrderValue},
		},
	}
}

func TestSnapshots_CreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	snap := sampleSnapshot()

	require.NoError(t, s.CreateSnapshot(ctx, snap))
	require.NotEqual(t, uuid.Nil, snap.ID)

	got, err := s.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, "01310100", got.DestinationPostalCode)
	assert.Equal(t, "SP", got.DestinationState)
	assert.True(t, got.OrderValue.Equal(decimal.RequireFromString("600")))
	assert.Equal(t, shipping.EnvSandbox, got.Environment)
	require.Len(t, got.Products, 1)
	assert.Equal(t, 1.2, got.Products[0].WeightKg)
	assert.Equal(t, "150.5", got.Products[0].InsuranceValue.String())
	require.Len(t, got.Options, 1)
	assert.Equal(t, "25.9", got.Options[0].Price.String())
	assert.Equal(t, 7, got.Options[0].DeliveryDaysMax)
	require.Len(t, got.AppliedRules, 1)
	assert.False(t, got.AppliedRules[0].Matched)
	assert.Nil(t, got.RequotedAt)
	assert.WithinDuration(t, snap.CreatedAt, got.CreatedAt, time.Second)
}

func TestSnapshots_GetUnknown(t *testing.T) {
	s := openStore(t)
	_, err := s.GetSnapshot(context.Background(), uuid.New())
	assert.ErrorIs(t, err, quote.ErrSnapshotNotFound)
	assert.ErrorIs(t, err, shipping.ErrNotFound)
}

func TestSnapshots_UpdateResultKeepsProducts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	snap := sampleSnapshot()
	require.NoError(t, s.CreateSnapshot(ctx, snap))

	requoted := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	update := &quote.Snapshot{
		ID:               snap.ID,
		DestinationState: "SP",
		Environment:      shipping.EnvProduction,
		Options: []shipping.ShippingOption{
			{ServiceID: 2, ServiceName: "SEDEX", Price: decimal.Zero, OriginalPrice: decimal.RequireFromString("42.10"), FreeShipping: true},
		},
		AppliedRules: []rules.AppliedRule{
			{RuleID: 1, RuleType: rules.RuleFreeShipping, ConditionType: rules.ConditionAll, Matched: true, Applied: true, AffectedServiceIDs: []int{2}},
		},
		FreeShippingApplied: true,
		UpdatedAt:           requoted,
		RequotedAt:          &requoted,
		// Ignored by the update.
		Products: []shipping.PackageSpec{{WidthCm: 99, Quantity: 9}},
	}
	require.NoError(t, s.UpdateSnapshotResult(ctx, update))

	got, err := s.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, got.Products, 1)
	assert.Equal(t, 20.0, got.Products[0].WidthCm)
	assert.Equal(t, shipping.EnvProduction, got.Environment)
	require.Len(t, got.Options, 1)
	assert.True(t, got.Options[0].Price.IsZero())
	assert.True(t, got.Options[0].FreeShipping)
	assert.True(t, got.FreeShippingApplied)
	assert.Equal(t, []int{2}, got.AppliedRules[0].AffectedServiceIDs)
	require.NotNil(t, got.RequotedAt)
	assert.True(t, requoted.Equal(*got.RequotedAt))

	update.ID = uuid.New()
	assert.ErrorIs(t, s.UpdateSnapshotResult(ctx, update), quote.ErrSnapshotNotFound)
}

func TestCredentials_SaveSupersedesPrevious(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Active(ctx, "melhorenvio", shipping.EnvSandbox)
	assert.ErrorIs(t, err, shipping.ErrNotFound)

	first := &credentials.Credential{
		Provider:       "melhorenvio",
		Environment:    shipping.EnvSandbox,
		AccessToken:    "tok-1",
		RefreshToken:   "ref-1",
		ExpiresAt:      time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		ClientID:       "id",
		ClientSecret:   "secret",
		AdditionalData: map[string]string{credentials.KeyOriginPostalCode: "01001000"},
	}
	require.NoError(t, s.Save(ctx, first))
	second := &credentials.Credential{Provider: "melhorenvio", Environment: shipping.EnvSandbox, AccessToken: "tok-2"}
	require.NoError(t, s.Save(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	got, err := s.Active(ctx, "melhorenvio", shipping.EnvSandbox)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.AccessToken)
	assert.Equal(t, credentials.StatusValid, got.Status)
	assert.True(t, got.ExpiresAt.IsZero())
	assert.Nil(t, got.AdditionalData)

	_, err = s.Active(ctx, "melhorenvio", shipping.EnvProduction)
	assert.ErrorIs(t, err, shipping.ErrNotFound)
}

func TestCredentials_RoundTripFields(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	expires := time.Date(2026, 11, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, &credentials.Credential{
		Provider:       "melhorenvio",
		Environment:    shipping.EnvProduction,
		AccessToken:    "tok",
		RefreshToken:   "ref",
		ExpiresAt:      expires,
		ClientID:       "id",
		ClientSecret:   "secret",
		AdditionalData: map[string]string{credentials.KeyOriginPostalCode: "01001000"},
	}))

	got, err := s.Active(ctx, "melhorenvio", shipping.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, "ref", got.RefreshToken)
	assert.True(t, expires.Equal(got.ExpiresAt))
	assert.Equal(t, "secret", got.ClientSecret)
	assert.Equal(t, "01001000", got.AdditionalData[credentials.KeyOriginPostalCode])
}

func TestCredentials_SetStatus(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &credentials.Credential{Provider: "melhorenvio", Environment: shipping.EnvSandbox, AccessToken: "tok"}))

	require.NoError(t, s.SetStatus(ctx, "melhorenvio", shipping.EnvSandbox, credentials.StatusInvalid))
	got, err := s.Active(ctx, "melhorenvio", shipping.EnvSandbox)
	require.NoError(t, err)
	assert.Equal(t, credentials.StatusInvalid, got.Status)

	err = s.SetStatus(ctx, "melhorenvio", shipping.EnvProduction, credentials.StatusInvalid)
	assert.ErrorIs(t, err, shipping.ErrNotFound)
}

func TestSettings(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.ActiveEnvironment(ctx, "melhorenvio")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.ProductionDaysDefault(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetActiveEnvironment(ctx, "melhorenvio", shipping.EnvSandbox))
	require.NoError(t, s.SetActiveEnvironment(ctx, "melhorenvio", shipping.EnvProduction))
	require.NoError(t, s.SetProductionDaysDefault(ctx, 2))

	env, ok, err := s.ActiveEnvironment(ctx, "melhorenvio")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, shipping.EnvProduction, env)

	days, ok, err := s.ProductionDaysDefault(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, days)

	assert.ErrorIs(t, s.SetActiveEnvironment(ctx, "melhorenvio", "staging"), shipping.ErrValidation)
	assert.ErrorIs(t, s.SetProductionDaysDefault(ctx, -1), shipping.ErrValidation)
}

func TestSettings_CorruptValues(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetSetting(ctx, sqlstore.SettingProductionDaysDefault, "two"))
	require.NoError(t, s.SetSetting(ctx, sqlstore.SettingActiveEnvironmentPrefix+"melhorenvio", "staging"))

	_, _, err := s.ProductionDaysDefault(ctx)
	assert.Error(t, err)
	_, _, err = s.ActiveEnvironment(ctx, "melhorenvio")
	assert.Error(t, err)
}
