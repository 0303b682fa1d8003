package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/pkg/shipping"
)

// Setting names.
const (
	SettingActiveEnvironmentPrefix = "active_environment:"
	SettingProductionDaysDefault   = "production_days_default"
)

// GetSetting returns a raw setting value. ok is false when it was never set.
func (s *Store) GetSetting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading setting %s: %w", name, err)
	}
	return value, true, nil
}

// SetSetting stores a raw setting value.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing setting %s: %w", name, err)
	}
	return nil
}

// ActiveEnvironment returns the environment selected for provider.
func (s *Store) ActiveEnvironment(ctx context.Context, provider string) (shipping.Environment, bool, error) {
	v, ok, err := s.GetSetting(ctx, SettingActiveEnvironmentPrefix+provider)
	if err != nil || !ok {
		return "", false, err
	}
	env, err := shipping.ParseEnvironment(v)
	if err != nil {
		return "", false, fmt.Errorf("setting %s%s: %w", SettingActiveEnvironmentPrefix, provider, err)
	}
	return env, true, nil
}

// SetActiveEnvironment selects the environment used for provider.
func (s *Store) SetActiveEnvironment(ctx context.Context, provider string, env shipping.Environment) error {
	if !env.Valid() {
		return shipping.NewError(shipping.KindValidation, "INVALID_ENVIRONMENT",
			fmt.Sprintf("unknown environment %q", env))
	}
	return s.SetSetting(ctx, SettingActiveEnvironmentPrefix+provider, string(env))
}

// ProductionDaysDefault returns the production days added to every option.
func (s *Store) ProductionDaysDefault(ctx context.Context) (int, bool, error) {
	v, ok, err := s.GetSetting(ctx, SettingProductionDaysDefault)
	if err != nil || !ok {
		return 0, false, err
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 0 {
		return 0, false, fmt.Errorf("setting %s has invalid value %q", SettingProductionDaysDefault, v)
	}
	return days, true, nil
}

// SetProductionDaysDefault stores the default production days.
func (s *Store) SetProductionDaysDefault(ctx context.Context, days int) error {
	if days < 0 {
		return shipping.NewError(shipping.KindValidation, "INVALID_PRODUCTION_DAYS", "production days must not be negative")
	}
	return s.SetSetting(ctx, SettingProductionDaysDefault, strconv.Itoa(days))
}

var _ quote.SettingsStore = (*Store)(nil)
