package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/pkg/shipping"
)

const ruleColumns = `id, name, rule_type, condition_type, condition_value, applicable_service_ids,
	production_days_to_add, priority, active, created_at`

// CreateRule validates and inserts a rule, setting its ID and CreatedAt.
func (s *Store) CreateRule(ctx context.Context, r *rules.ShippingRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var condition interface{}
	if len(r.ConditionValue) > 0 {
		condition = string(r.ConditionValue)
	}
	var serviceIDs interface{}
	if r.ApplicableServiceIDs != nil {
		v, err := jsonParam(r.ApplicableServiceIDs)
		if err != nil {
			return fmt.Errorf("encoding service ids: %w", err)
		}
		serviceIDs = v
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO shipping_rules (name, rule_type, condition_type, condition_value, applicable_service_ids,
			production_days_to_add, priority, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		r.Name, string(r.RuleType), string(r.ConditionType), condition, serviceIDs,
		r.ProductionDaysToAdd, r.Priority, r.Active, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("inserting shipping rule: %w", err)
	}
	return nil
}

// ListActiveRules returns active rules in evaluation order.
func (s *Store) ListActiveRules(ctx context.Context) ([]rules.ShippingRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM shipping_rules WHERE active = $1 ORDER BY priority, id`, true)
}

// ListRules returns every rule, active or not.
func (s *Store) ListRules(ctx context.Context) ([]rules.ShippingRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM shipping_rules ORDER BY priority, id`)
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shipping_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting shipping rule: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return shipping.NewError(shipping.KindNotFound, "RULE_NOT_FOUND", fmt.Sprintf("shipping rule %d not found", id))
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...interface{}) ([]rules.ShippingRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying shipping rules: %w", err)
	}
	defer rows.Close()

	var out []rules.ShippingRule
	for rows.Next() {
		var (
			r          rules.ShippingRule
			ruleType   string
			condType   string
			condition  []byte
			serviceIDs []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &ruleType, &condType, &condition, &serviceIDs,
			&r.ProductionDaysToAdd, &r.Priority, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning shipping rule: %w", err)
		}
		r.RuleType = rules.RuleType(ruleType)
		r.ConditionType = rules.ConditionType(condType)
		if len(condition) > 0 {
			r.ConditionValue = json.RawMessage(condition)
		}
		if len(serviceIDs) > 0 {
			if err := json.Unmarshal(serviceIDs, &r.ApplicableServiceIDs); err != nil {
				return nil, fmt.Errorf("decoding service ids of rule %d: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ rules.Store = (*Store)(nil)

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
