package processor

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/fields"
)

func newChecks(t *testing.T, cfgs ...config.ValidatorConfig) []fieldCheck {
	t.Helper()
	checks, err := compileChecks([]config.FieldConfig{{
		ID:       "probe",
		Kind:     config.KindString,
		Validate: cfgs,
	}})
	if err != nil {
		t.Fatalf("compile checks: %v", err)
	}
	return checks["probe"]
}

func limit(v float64) *float64 {
	return &v
}

func TestRequiredCheck(t *testing.T) {
	checks := newChecks(t, config.ValidatorConfig{Type: config.ValidateRequired})
	if msg := evalCheck(checks[0], fields.State{Value: nil}); msg == "" {
		t.Fatal("expected message for nil value")
	}
	if msg := evalCheck(checks[0], fields.State{Value: ""}); msg == "" {
		t.Fatal("expected message for empty string")
	}
	if msg := evalCheck(checks[0], fields.State{Value: "x"}); msg != "" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestRequiredHonorsCustomMessage(t *testing.T) {
	checks := newChecks(t, config.ValidatorConfig{Type: config.ValidateRequired, Message: "fill this in"})
	if msg := evalCheck(checks[0], fields.State{Value: nil}); msg != "fill this in" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestPatternCheck(t *testing.T) {
	checks := newChecks(t, config.ValidatorConfig{Type: config.ValidatePattern, Pattern: "^[a-z]+$"})
	if msg := evalCheck(checks[0], fields.State{Value: "abc"}); msg != "" {
		t.Fatalf("unexpected message %q", msg)
	}
	if msg := evalCheck(checks[0], fields.State{Value: "Abc"}); msg == "" {
		t.Fatal("expected message for mismatch")
	}
	// empty and non-string values are left to required checks
	if msg := evalCheck(checks[0], fields.State{Value: ""}); msg != "" {
		t.Fatalf("empty value should be skipped, got %q", msg)
	}
	if msg := evalCheck(checks[0], fields.State{Value: 42}); msg != "" {
		t.Fatalf("non-string value should be skipped, got %q", msg)
	}
}

func TestPatternValidatorNeedsPattern(t *testing.T) {
	_, err := compileChecks([]config.FieldConfig{{
		ID:       "probe",
		Kind:     config.KindString,
		Validate: []config.ValidatorConfig{{Type: config.ValidatePattern}},
	}})
	if err == nil {
		t.Fatal("expected error for missing pattern")
	}
}

func TestPatternValidatorRejectsBrokenPattern(t *testing.T) {
	_, err := compileChecks([]config.FieldConfig{{
		ID:       "probe",
		Kind:     config.KindString,
		Validate: []config.ValidatorConfig{{Type: config.ValidatePattern, Pattern: "("}},
	}})
	if err == nil {
		t.Fatal("expected error for broken pattern")
	}
}

func TestLengthChecksCountRunes(t *testing.T) {
	checks := newChecks(t,
		config.ValidatorConfig{Type: config.ValidateMinLength, Limit: limit(3)},
		config.ValidatorConfig{Type: config.ValidateMaxLength, Limit: limit(5)},
	)
	min, max := checks[0], checks[1]

	if msg := evalCheck(min, fields.State{Value: "ab"}); msg == "" {
		t.Fatal("expected message for short value")
	}
	if msg := evalCheck(min, fields.State{Value: "äöü"}); msg != "" {
		t.Fatalf("rune count should satisfy the minimum, got %q", msg)
	}
	if msg := evalCheck(max, fields.State{Value: "abcdef"}); msg == "" {
		t.Fatal("expected message for long value")
	}
	if msg := evalCheck(max, fields.State{Value: "abcde"}); msg != "" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestValueRangeChecks(t *testing.T) {
	checks := newChecks(t,
		config.ValidatorConfig{Type: config.ValidateMinValue, Limit: limit(10)},
		config.ValidatorConfig{Type: config.ValidateMaxValue, Limit: limit(100)},
	)
	min, max := checks[0], checks[1]

	if msg := evalCheck(min, fields.State{Value: 5.0}); msg == "" {
		t.Fatal("expected message below minimum")
	}
	if !strings.Contains(evalCheck(min, fields.State{Value: 5.0}), "at least 10") {
		t.Fatal("expected limit in message")
	}
	if msg := evalCheck(min, fields.State{Value: 10.0}); msg != "" {
		t.Fatalf("boundary value should pass, got %q", msg)
	}
	if msg := evalCheck(min, fields.State{Value: int64(50)}); msg != "" {
		t.Fatalf("unexpected message %q", msg)
	}
	if msg := evalCheck(min, fields.State{Value: decimal.NewFromInt(5)}); msg == "" {
		t.Fatal("expected message for small decimal")
	}
	if msg := evalCheck(max, fields.State{Value: 150.0}); msg == "" {
		t.Fatal("expected message above maximum")
	}
	// non-numeric values are left to kind conversion and required checks
	if msg := evalCheck(min, fields.State{Value: "not a number"}); msg != "" {
		t.Fatalf("non-numeric value should be skipped, got %q", msg)
	}
}
