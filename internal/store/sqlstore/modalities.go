package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/pkg/shipping"
)

// ListModalities returns the services stored for env, ordered by service id.
func (s *Store) ListModalities(ctx context.Context, env shipping.Environment) ([]shipping.ShippingModality, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, environment, name, carrier_id, carrier_name, active, updated_at
		FROM shipping_modalities
		WHERE environment = $1
		ORDER BY service_id`, string(env))
	if err != nil {
		return nil, fmt.Errorf("querying modalities: %w", err)
	}
	defer rows.Close()

	var out []shipping.ShippingModality
	for rows.Next() {
		var (
			m      shipping.ShippingModality
			envStr string
		)
		if err := rows.Scan(&m.ServiceID, &envStr, &m.Name, &m.CarrierID, &m.CarrierName, &m.Active, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning modality: %w", err)
		}
		m.Environment = shipping.Environment(envStr)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertModalities writes all modalities in one transaction. Active is only
// written for new rows; existing rows keep their flag so a concurrent toggle
// is never overwritten by a sync.
func (s *Store) UpsertModalities(ctx context.Context, modalities []shipping.ShippingModality) error {
	if len(modalities) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning modality upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shipping_modalities (service_id, environment, name, carrier_id, carrier_name, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (service_id, environment) DO UPDATE SET
			name = excluded.name,
			carrier_id = excluded.carrier_id,
			carrier_name = excluded.carrier_name,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing modality upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range modalities {
		if !m.Environment.Valid() {
			return shipping.NewError(shipping.KindValidation, "INVALID_ENVIRONMENT",
				fmt.Sprintf("modality %d has unknown environment %q", m.ServiceID, m.Environment))
		}
		updated := m.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx, m.ServiceID, string(m.Environment), m.Name,
			m.CarrierID, m.CarrierName, m.Active, updated.UTC()); err != nil {
			return fmt.Errorf("upserting modality %d: %w", m.ServiceID, err)
		}
	}
	return tx.Commit()
}

// SetModalityActive toggles one service.
func (s *Store) SetModalityActive(ctx context.Context, env shipping.Environment, serviceID int, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shipping_modalities SET active = $1, updated_at = $2
		WHERE service_id = $3 AND environment = $4`,
		active, time.Now().UTC(), serviceID, string(env))
	if err != nil {
		return fmt.Errorf("updating modality: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return shipping.NewError(shipping.KindNotFound, "MODALITY_NOT_FOUND",
			fmt.Sprintf("service %d is not known in %s", serviceID, env))
	}
	return nil
}

var _ quote.ModalityStore = (*Store)(nil)
