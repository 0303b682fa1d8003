// Package rules evaluates administrator configured shipping rules against the
// options returned by the carrier.
package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tournevent/shipquote/pkg/shipping"
)

// RuleType is the effect a rule has on matching options.
type RuleType string

const (
	RuleFreeShipping          RuleType = "free_shipping"
	RuleProductionDaysPadding RuleType = "production_days_padding"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	return t == RuleFreeShipping || t == RuleProductionDaysPadding
}

// ConditionType selects how a rule's ConditionValue is matched against the
// quote context.
type ConditionType string

const (
	ConditionAll                 ConditionType = "all"
	ConditionMinOrderValue       ConditionType = "min_order_value"
	ConditionDestinationState    ConditionType = "destination_state"
	ConditionDestinationCEPRange ConditionType = "destination_cep_range"
)

// ShippingRule is a conditional modifier applied to carrier options.
type ShippingRule struct {
	ID                   int64           `json:"id"`
	Name                 string          `json:"name"`
	RuleType             RuleType        `json:"rule_type"`
	ConditionType        ConditionType   `json:"condition_type"`
	ConditionValue       json.RawMessage `json:"condition_value,omitempty"`
	ApplicableServiceIDs []int           `json:"applicable_service_ids,omitempty"` // nil means every service
	ProductionDaysToAdd  int             `json:"production_days_to_add,omitempty"`
	Priority             int             `json:"priority"`
	Active               bool            `json:"active"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Validate checks that the fields required by the rule type are populated
// and that the condition value parses.
func (r *ShippingRule) Validate() error {
	switch r.RuleType {
	case RuleFreeShipping:
		if r.ProductionDaysToAdd != 0 {
			return invalidRule(r, "free shipping rule must not set production days")
		}
	case RuleProductionDaysPadding:
		if r.ProductionDaysToAdd <= 0 {
			return invalidRule(r, "padding rule requires positive production days")
		}
	default:
		return invalidRule(r, fmt.Sprintf("unknown rule type %q", r.RuleType))
	}
	if _, err := ParseCondition(r.ConditionType, r.ConditionValue); err != nil {
		return invalidRule(r, err.Error())
	}
	return nil
}

// AppliesTo reports whether the rule's allow-list covers serviceID.
func (r *ShippingRule) AppliesTo(serviceID int) bool {
	if r.ApplicableServiceIDs == nil {
		return true
	}
	for _, id := range r.ApplicableServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}

func invalidRule(r *ShippingRule, msg string) error {
	return shipping.NewError(shipping.KindValidation, "INVALID_RULE",
		fmt.Sprintf("rule %d: %s", r.ID, msg))
}

// AppliedRule is one entry of the audit trail produced by Engine.Apply.
type AppliedRule struct {
	RuleID             int64         `json:"rule_id"`
	RuleType           RuleType      `json:"rule_type"`
	ConditionType      ConditionType `json:"condition_type"`
	Matched            bool          `json:"matched"`
	Applied            bool          `json:"applied"`
	AffectedServiceIDs []int         `json:"affected_service_ids,omitempty"`
}

// CloneAudit deep copies an audit trail.
func CloneAudit(audit []AppliedRule) []AppliedRule {
	if audit == nil {
		return nil
	}
	out := make([]AppliedRule, len(audit))
	for i, a := range audit {
		out[i] = a
		if a.AffectedServiceIDs != nil {
			out[i].AffectedServiceIDs = append([]int(nil), a.AffectedServiceIDs...)
		}
	}
	return out
}

// FreeShippingApplied reports whether any free shipping rule changed an option.
func FreeShippingApplied(audit []AppliedRule) bool {
	for _, a := range audit {
		if a.RuleType == RuleFreeShipping && a.Applied {
			return true
		}
	}
	return false
}
