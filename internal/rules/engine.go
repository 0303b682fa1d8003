package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tournevent/shipquote/pkg/shipping"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Store provides the rules to evaluate.
type Store interface {
	ListActiveRules(ctx context.Context) ([]ShippingRule, error)
}

// Result is the outcome of Engine.Apply.
type Result struct {
	Options      []shipping.ShippingOption
	AppliedRules []AppliedRule
	// DefaultProductionDays is the global padding added before any rule ran.
	DefaultProductionDays int
}

// Engine applies prioritized shipping rules to carrier options.
type Engine struct {
	store  Store
	logger *otelzap.Logger
	now    func() time.Time
}

// NewEngine creates a rule engine backed by store.
func NewEngine(store Store, logger *otelzap.Logger) *Engine {
	return &Engine{store: store, logger: logger, now: time.Now}
}

type compiledRule struct {
	rule      ShippingRule
	condition Condition
}

// Apply evaluates every active rule in (priority, creation) order against
// rc and returns the modified options together with the audit trail. The
// input slice is not modified.
//
// defaultProductionDays is added to every option before rule evaluation and
// does not appear in the audit trail. Any malformed rule fails the whole call
// so callers can fall back to the unmodified options.
func (e *Engine) Apply(ctx context.Context, options []shipping.ShippingOption, rc Context, defaultProductionDays int) (*Result, error) {
	loaded, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading shipping rules: %w", err)
	}

	compiled := make([]compiledRule, 0, len(loaded))
	for _, r := range loaded {
		if !r.Active {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		cond, err := ParseCondition(r.ConditionType, r.ConditionValue)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: r, condition: cond})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].rule, compiled[j].rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	quoteDate := rc.QuoteDate
	if quoteDate.IsZero() {
		quoteDate = e.now()
	}

	opts := shipping.CloneOptions(options)
	if defaultProductionDays > 0 {
		for i := range opts {
			pad(&opts[i], quoteDate, defaultProductionDays)
		}
	}

	audit := make([]AppliedRule, 0, len(compiled))
	for _, cr := range compiled {
		entry := AppliedRule{
			RuleID:        cr.rule.ID,
			RuleType:      cr.rule.RuleType,
			ConditionType: cr.rule.ConditionType,
			Matched:       cr.condition.Matches(rc),
		}
		if entry.Matched {
			for i := range opts {
				if !cr.rule.AppliesTo(opts[i].ServiceID) {
					continue
				}
				switch cr.rule.RuleType {
				case RuleFreeShipping:
					opts[i].Price = decimal.Zero
					opts[i].FreeShipping = true
				case RuleProductionDaysPadding:
					pad(&opts[i], quoteDate, cr.rule.ProductionDaysToAdd)
				}
				entry.AffectedServiceIDs = append(entry.AffectedServiceIDs, opts[i].ServiceID)
			}
			entry.Applied = len(entry.AffectedServiceIDs) > 0
		}

		e.logger.Ctx(ctx).Debug("Shipping rule evaluated",
			zap.Int64("rule_id", entry.RuleID),
			zap.String("rule_type", string(entry.RuleType)),
			zap.Bool("matched", entry.Matched),
			zap.Bool("applied", entry.Applied),
		)
		audit = append(audit, entry)
	}

	return &Result{
		Options:               opts,
		AppliedRules:          audit,
		DefaultProductionDays: max(defaultProductionDays, 0),
	}, nil
}

func pad(o *shipping.ShippingOption, quoteDate time.Time, days int) {
	o.DeliveryDaysMin = padEstimate(quoteDate, o.DeliveryDaysMin, days)
	o.DeliveryDaysMax = padEstimate(quoteDate, o.DeliveryDaysMax, days)
	o.ProductionDays += days
}
