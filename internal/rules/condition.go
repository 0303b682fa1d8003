package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Context is the order information rules are evaluated against.
type Context struct {
	OrderValue            decimal.Decimal
	DestinationState      string
	DestinationPostalCode string
	// QuoteDate anchors business-day padding. Zero means now.
	QuoteDate time.Time
}

// Condition decides whether a rule matches a quote context.
type Condition interface {
	Matches(rc Context) bool
}

type matchAll struct{}

func (matchAll) Matches(Context) bool { return true }

type minOrderValue struct {
	threshold decimal.Decimal
}

func (c minOrderValue) Matches(rc Context) bool {
	return rc.OrderValue.GreaterThanOrEqual(c.threshold)
}

type destinationState struct {
	states map[string]struct{}
}

func (c destinationState) Matches(rc Context) bool {
	_, ok := c.states[strings.ToUpper(strings.TrimSpace(rc.DestinationState))]
	return ok
}

type cepRange struct {
	from, to uint64
}

func (c cepRange) Matches(rc Context) bool {
	n, err := cepNumber(rc.DestinationPostalCode)
	if err != nil {
		return false
	}
	return n >= c.from && n <= c.to
}

// ParseCondition decodes a condition value for the given condition type.
func ParseCondition(t ConditionType, raw json.RawMessage) (Condition, error) {
	switch t {
	case ConditionAll:
		return matchAll{}, nil
	case ConditionMinOrderValue:
		threshold, err := parseThreshold(raw)
		if err != nil {
			return nil, fmt.Errorf("min_order_value: %w", err)
		}
		return minOrderValue{threshold: threshold}, nil
	case ConditionDestinationState:
		states, err := parseStates(raw)
		if err != nil {
			return nil, fmt.Errorf("destination_state: %w", err)
		}
		return destinationState{states: states}, nil
	case ConditionDestinationCEPRange:
		r, err := parseCEPRange(raw)
		if err != nil {
			return nil, fmt.Errorf("destination_cep_range: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", t)
	}
}

// parseThreshold accepts 500 or "500.00". Null and negative values are
// rejected since they would match every order.
func parseThreshold(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, errors.New("empty value")
	}
	var threshold decimal.Decimal
	if err := json.Unmarshal(raw, &threshold); err != nil {
		return decimal.Decimal{}, err
	}
	if threshold.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("threshold %s is negative", threshold)
	}
	return threshold, nil
}

// parseStates accepts ["SP","RJ"] or "SP,RJ".
func parseStates(raw json.RawMessage) (map[string]struct{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty value")
	}

	var list []string
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		list = strings.Split(s, ",")
	}

	states := make(map[string]struct{}, len(list))
	for _, s := range list {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			states[s] = struct{}{}
		}
	}
	if len(states) == 0 {
		return nil, errors.New("no states configured")
	}
	return states, nil
}

func parseCEPRange(raw json.RawMessage) (cepRange, error) {
	var v struct {
		From json.RawMessage `json:"from"`
		To   json.RawMessage `json:"to"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return cepRange{}, err
	}
	from, err := rawCEP(v.From)
	if err != nil {
		return cepRange{}, fmt.Errorf("from: %w", err)
	}
	to, err := rawCEP(v.To)
	if err != nil {
		return cepRange{}, fmt.Errorf("to: %w", err)
	}
	if from > to {
		return cepRange{}, fmt.Errorf("from %d is greater than to %d", from, to)
	}
	return cepRange{from: from, to: to}, nil
}

// rawCEP accepts a JSON string ("01000-000") or number (1000000).
func rawCEP(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, errors.New("missing bound")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, err
		}
		s = n.String()
	}
	return cepNumber(s)
}

func cepNumber(s string) (uint64, error) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, fmt.Errorf("postal code %q has no digits", s)
	}
	return strconv.ParseUint(b.String(), 10, 64)
}
