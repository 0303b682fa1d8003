package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/shipquote/internal/quote"
	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/pkg/shipping"
)

// CreateSnapshot inserts s, assigning an ID and timestamps when unset.
func (s *Store) CreateSnapshot(ctx context.Context, snap *quote.Snapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = snap.CreatedAt
	}

	products, err := jsonArray(snap.Products)
	if err != nil {
		return fmt.Errorf("encoding products: %w", err)
	}
	options, err := jsonArray(snap.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	applied, err := jsonArray(snap.AppliedRules)
	if err != nil {
		return fmt.Errorf("encoding applied rules: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quote_snapshots (id, destination_postal_code, destination_state, order_value, environment,
			products, options, applied_rules, free_shipping_applied, created_at, updated_at, requoted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		snap.ID, snap.DestinationPostalCode, snap.DestinationState, snap.OrderValue, string(snap.Environment),
		products, options, applied, snap.FreeShippingApplied,
		snap.CreatedAt.UTC(), snap.UpdatedAt.UTC(), nullTimePtr(snap.RequotedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting quote snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (*quote.Snapshot, error) {
	var (
		snap                     quote.Snapshot
		env                      string
		products, options, audit []byte
		requotedAt               sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, destination_postal_code, destination_state, order_value, environment,
			products, options, applied_rules, free_shipping_applied, created_at, updated_at, requoted_at
		FROM quote_snapshots WHERE id = $1`, id,
	).Scan(&snap.ID, &snap.DestinationPostalCode, &snap.DestinationState, &snap.OrderValue, &env,
		&products, &options, &audit, &snap.FreeShippingApplied, &snap.CreatedAt, &snap.UpdatedAt, &requotedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, quote.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading quote snapshot: %w", err)
	}

	snap.Environment = shipping.Environment(env)
	if requotedAt.Valid {
		t := requotedAt.Time
		snap.RequotedAt = &t
	}
	if err := json.Unmarshal(products, &snap.Products); err != nil {
		return nil, fmt.Errorf("decoding snapshot products: %w", err)
	}
	if err := json.Unmarshal(options, &snap.Options); err != nil {
		return nil, fmt.Errorf("decoding snapshot options: %w", err)
	}
	var applied []rules.AppliedRule
	if err := json.Unmarshal(audit, &applied); err != nil {
		return nil, fmt.Errorf("decoding snapshot audit: %w", err)
	}
	snap.AppliedRules = applied
	return &snap, nil
}

// UpdateSnapshotResult rewrites the result of an existing snapshot. Products,
// order value and destination postal code are left untouched.
func (s *Store) UpdateSnapshotResult(ctx context.Context, snap *quote.Snapshot) error {
	options, err := jsonArray(snap.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	applied, err := jsonArray(snap.AppliedRules)
	if err != nil {
		return fmt.Errorf("encoding applied rules: %w", err)
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE quote_snapshots SET destination_state = $1, environment = $2, options = $3, applied_rules = $4,
			free_shipping_applied = $5, updated_at = $6, requoted_at = $7
		WHERE id = $8`,
		snap.DestinationState, string(snap.Environment), options, applied,
		snap.FreeShippingApplied, updated.UTC(), nullTimePtr(snap.RequotedAt), snap.ID,
	)
	if err != nil {
		return fmt.Errorf("updating quote snapshot: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return quote.ErrSnapshotNotFound
	}
	return nil
}

var _ quote.SnapshotStore = (*Store)(nil)

// jsonArray encodes a slice for a NOT NULL JSON column; nil encodes as [].
func jsonArray[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(t.UTC())
}
