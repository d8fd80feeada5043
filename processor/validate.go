package processor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/fields"
)

// Validator is the host hook that runs after the schema's builtin rules on
// every validation pass. A non-empty message marks the field invalid; a
// returned error reports a broken validator and also counts as a failure.
type Validator func(ctx context.Context, field fields.State) (string, error)

type fieldCheck struct {
	cfg config.ValidatorConfig
	re  *regexp.Regexp
}

// compileChecks prepares the builtin validation rules per field. Patterns
// are compiled once here so a bad regexp fails the schema, not a keystroke.
func compileChecks(cfgs []config.FieldConfig) (map[string][]fieldCheck, error) {
	checks := make(map[string][]fieldCheck)
	for _, field := range cfgs {
		for _, rule := range field.Validate {
			check := fieldCheck{cfg: rule}
			if rule.Type == config.ValidatePattern {
				if rule.Pattern == "" {
					return nil, fmt.Errorf("field %s: pattern validator needs a pattern", field.ID)
				}
				re, err := regexp.Compile(rule.Pattern)
				if err != nil {
					return nil, fmt.Errorf("field %s: compile pattern: %w", field.ID, err)
				}
				check.re = re
			}
			checks[field.ID] = append(checks[field.ID], check)
		}
	}
	return checks, nil
}

// evalCheck applies one builtin rule to a field snapshot. An empty message
// means the rule holds. Rules other than required skip absent values, and
// rules that do not fit the value's type skip rather than fail.
func evalCheck(check fieldCheck, state fields.State) string {
	value := state.Value
	switch check.cfg.Type {
	case config.ValidateRequired:
		if value == nil {
			return message(check, "value is required")
		}
		if s, ok := value.(string); ok && s == "" {
			return message(check, "value is required")
		}
	case config.ValidatePattern:
		s, ok := value.(string)
		if !ok || s == "" {
			return ""
		}
		if !check.re.MatchString(s) {
			return message(check, "value does not match the required pattern")
		}
	case config.ValidateMinLength:
		s, ok := value.(string)
		if !ok || check.cfg.Limit == nil {
			return ""
		}
		limit := int(*check.cfg.Limit)
		if utf8.RuneCountInString(s) < limit {
			return message(check, fmt.Sprintf("value must be at least %d characters", limit))
		}
	case config.ValidateMaxLength:
		s, ok := value.(string)
		if !ok || check.cfg.Limit == nil {
			return ""
		}
		limit := int(*check.cfg.Limit)
		if utf8.RuneCountInString(s) > limit {
			return message(check, fmt.Sprintf("value must be at most %d characters", limit))
		}
	case config.ValidateMinValue:
		num, ok := numericValue(value)
		if !ok || check.cfg.Limit == nil {
			return ""
		}
		if num < *check.cfg.Limit {
			return message(check, fmt.Sprintf("value must be at least %s", formatLimit(*check.cfg.Limit)))
		}
	case config.ValidateMaxValue:
		num, ok := numericValue(value)
		if !ok || check.cfg.Limit == nil {
			return ""
		}
		if num > *check.cfg.Limit {
			return message(check, fmt.Sprintf("value must be at most %s", formatLimit(*check.cfg.Limit)))
		}
	}
	return ""
}

func message(check fieldCheck, fallback string) string {
	if check.cfg.Message != "" {
		return check.cfg.Message
	}
	return fallback
}

func formatLimit(limit float64) string {
	return strconv.FormatFloat(limit, 'f', -1, 64)
}

// numericValue reads the numeric kinds the field store produces.
func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case decimal.Decimal:
		return v.InexactFloat64(), true
	default:
		return 0, false
	}
}
