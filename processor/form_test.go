package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/formiclabs/formic/fields"
)

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "form.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	return path
}

func newTestForm(t *testing.T, schema string, opts ...Option) *Form {
	t.Helper()
	path := writeSchema(t, schema)
	all := append([]Option{WithLogger(zerolog.Nop()), WithConfigPath(path)}, opts...)
	form, err := New(context.Background(), all...)
	if err != nil {
		t.Fatalf("new form: %v", err)
	}
	t.Cleanup(form.Close)
	return form
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("condition not met within %s", timeout)
		case <-ticker.C:
		}
	}
}

type submitLog struct {
	mu    sync.Mutex
	calls []map[string]interface{}
}

func (s *submitLog) submit(_ context.Context, values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.calls = append(s.calls, copied)
	return nil
}

func (s *submitLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *submitLog) last() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeLog) IncSchemaReload(string) {}
func (o *outcomeLog) IncEvalError(string)    {}
func (o *outcomeLog) SetPendingFields(int)   {}

func (o *outcomeLog) IncSubmit(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeLog) seen(outcome string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, got := range o.outcomes {
		if got == outcome {
			return true
		}
	}
	return false
}

func TestNewRequiresSchema(t *testing.T) {
	if _, err := New(context.Background(), WithLogger(zerolog.Nop())); err == nil {
		t.Fatal("expected error without a schema")
	}
}

func TestNewRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(ctx, WithConfigPath("unused.yaml")); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestChangeFieldRejectsUnknownField(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: name
    kind: string
`)
	if err := form.ChangeField("missing", "x"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestConditionDisablesAndReleases(t *testing.T) {
	form := newTestForm(t, `name: checkout
fields:
  - id: country
    kind: string
  - id: vat_id
    kind: string
conditions:
  - field: vat_id
    when:
      country:
        is: DE
    disabled: true
`)

	if err := form.ChangeField("country", "DE"); err != nil {
		t.Fatalf("change country: %v", err)
	}
	state, err := form.State("vat_id")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Disabled {
		t.Fatal("expected vat_id to be disabled for DE")
	}

	if err := form.ChangeField("country", "FR"); err != nil {
		t.Fatalf("change country: %v", err)
	}
	state, _ = form.State("vat_id")
	if state.Disabled {
		t.Fatal("expected vat_id to be enabled again once the rule stops matching")
	}
}

func TestConditionVisibilityRevertsToSchemaDefault(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: advanced
    kind: bool
  - id: options
    kind: string
    hidden: true
conditions:
  - field: options
    when: advanced
    truthy: true
    visible: true
`)

	state, _ := form.State("options")
	if !state.Hidden {
		t.Fatal("expected options to start hidden")
	}

	if err := form.ChangeField("advanced", true); err != nil {
		t.Fatalf("change advanced: %v", err)
	}
	state, _ = form.State("options")
	if state.Hidden {
		t.Fatal("expected options to become visible")
	}

	if err := form.ChangeField("advanced", false); err != nil {
		t.Fatalf("change advanced: %v", err)
	}
	state, _ = form.State("options")
	if !state.Hidden {
		t.Fatal("expected options to hide again")
	}
}

func TestConditionSetValueSeedsWithoutDirty(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: plan
    kind: string
  - id: seats
    kind: integer
conditions:
  - field: seats
    when:
      plan:
        is: team
    set: 5
`)

	if err := form.ChangeField("plan", "team"); err != nil {
		t.Fatalf("change plan: %v", err)
	}
	state, err := form.State("seats")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Value != int64(5) {
		t.Fatalf("expected seats 5, got %v (%T)", state.Value, state.Value)
	}
	if state.Dirty {
		t.Fatal("condition writes must not mark the field dirty")
	}
}

func TestConditionExpressionTrigger(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: net
    kind: number
  - id: discount
    kind: number
conditions:
  - field: discount
    when: net > 100
    disabled: true
`)

	if err := form.ChangeField("net", 150); err != nil {
		t.Fatalf("change net: %v", err)
	}
	state, _ := form.State("discount")
	if !state.Disabled {
		t.Fatal("expected discount disabled above 100")
	}

	if err := form.ChangeField("net", 50); err != nil {
		t.Fatalf("change net: %v", err)
	}
	state, _ = form.State("discount")
	if state.Disabled {
		t.Fatal("expected discount enabled at 50")
	}
}

func TestComputedFieldChain(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: net
    kind: number
  - id: vat
    kind: number
    compute: net * 0.5
  - id: gross
    kind: number
    compute: net + vat
`)

	if err := form.ChangeField("net", 100); err != nil {
		t.Fatalf("change net: %v", err)
	}
	values := form.Values()
	if values["vat"] != 50.0 {
		t.Fatalf("expected vat 50, got %v", values["vat"])
	}
	if values["gross"] != 150.0 {
		t.Fatalf("expected gross 150, got %v", values["gross"])
	}
	state, _ := form.State("vat")
	if state.Dirty {
		t.Fatal("computed writes must not mark the field dirty")
	}
}

func TestSelectSetResolvesHostCallback(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: qty
    kind: integer
  - id: total
    kind: number
conditions:
  - field: total
    when: qty
    truthy: true
    select_set:
      callback: double_qty
`, WithCallback("double_qty", func(env map[string]interface{}) (interface{}, error) {
		wrapper, ok := env["qty"].(fields.Wrapper)
		if !ok {
			return nil, fmt.Errorf("qty not in environment")
		}
		qty, _ := wrapper.Unwrap().(int64)
		return float64(qty) * 2, nil
	}))

	if err := form.ChangeField("qty", 21); err != nil {
		t.Fatalf("change qty: %v", err)
	}
	if got := form.Values()["total"]; got != 42.0 {
		t.Fatalf("expected total 42, got %v", got)
	}
}

func TestSchemaCallbackCompiled(t *testing.T) {
	form := newTestForm(t, `callbacks:
  - name: double_base
    expression: record.base * 2
fields:
  - id: qty
    kind: integer
  - id: total
    kind: number
conditions:
  - field: total
    when: qty
    truthy: true
    select_set:
      callback: double_base
`, WithRecord(map[string]interface{}{"base": 21}))

	if err := form.ChangeField("qty", 1); err != nil {
		t.Fatalf("change qty: %v", err)
	}
	if got := form.Values()["total"]; got != 42.0 {
		t.Fatalf("expected total 42, got %v", got)
	}
}

func TestBuiltinValidationMarksInvalid(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: email
    kind: string
    validate:
      - type: required
        message: email is required
`)

	if err := form.ChangeField("email", ""); err != nil {
		t.Fatalf("change email: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		state, err := form.State("email")
		return err == nil && state.Invalid && !state.Validating
	})
	state, _ := form.State("email")
	if state.Error != "email is required" {
		t.Fatalf("unexpected error message %q", state.Error)
	}

	if err := form.ChangeField("email", "ada@example.com"); err != nil {
		t.Fatalf("change email: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		state, err := form.State("email")
		return err == nil && !state.Invalid && !state.Validating
	})
}

func TestHostValidatorRunsAfterBuiltins(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: handle
    kind: string
`, WithValidator(func(_ context.Context, state fields.State) (string, error) {
		if state.Value == "taken" {
			return "handle already taken", nil
		}
		return "", nil
	}))

	if err := form.ChangeField("handle", "taken"); err != nil {
		t.Fatalf("change handle: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		state, err := form.State("handle")
		return err == nil && state.Error == "handle already taken"
	})

	if err := form.ChangeField("handle", "free"); err != nil {
		t.Fatalf("change handle: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		state, err := form.State("handle")
		return err == nil && !state.Invalid && !state.Validating
	})
}

func TestStaleValidationResultDiscarded(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	form := newTestForm(t, `fields:
  - id: email
    kind: string
`, WithValidator(func(_ context.Context, state fields.State) (string, error) {
		if state.Value == "slow" {
			entered <- struct{}{}
			<-release
			return "slow is not allowed", nil
		}
		return "", nil
	}))

	if err := form.ChangeField("email", "slow"); err != nil {
		t.Fatalf("change email: %v", err)
	}
	<-entered

	if err := form.ChangeField("email", "ok"); err != nil {
		t.Fatalf("change email: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		state, err := form.State("email")
		return err == nil && !state.Validating
	})

	close(release)
	time.Sleep(50 * time.Millisecond)
	state, _ := form.State("email")
	if state.Invalid || state.Error != "" {
		t.Fatalf("stale validation result applied: %+v", state)
	}
}

func TestAutoSaveSubmitsDraft(t *testing.T) {
	recorder := &submitLog{}
	form := newTestForm(t, `autosave:
  enabled: true
  debounce: 40ms
  validation_timeout: 500ms
  poll_interval: 10ms
fields:
  - id: first
    kind: string
  - id: last
    kind: string
`, WithSubmitter(recorder.submit))

	if err := form.ChangeField("first", "Ada"); err != nil {
		t.Fatalf("change first: %v", err)
	}
	if err := form.ChangeField("last", "Lovelace"); err != nil {
		t.Fatalf("change last: %v", err)
	}

	waitFor(t, time.Second, func() bool { return recorder.count() == 1 })
	draft := recorder.last()
	if draft["first"] != "Ada" || draft["last"] != "Lovelace" {
		t.Fatalf("unexpected draft %v", draft)
	}
}

func TestAutoSaveBlockedByInvalidDraft(t *testing.T) {
	recorder := &submitLog{}
	outcomes := &outcomeLog{}
	form := newTestForm(t, `autosave:
  enabled: true
  debounce: 40ms
  validation_timeout: 500ms
  poll_interval: 10ms
fields:
  - id: email
    kind: string
    validate:
      - type: required
`, WithSubmitter(recorder.submit), WithTelemetry(outcomes))

	if err := form.ChangeField("email", ""); err != nil {
		t.Fatalf("change email: %v", err)
	}

	waitFor(t, time.Second, func() bool { return outcomes.seen("blocked") })
	if recorder.count() != 0 {
		t.Fatalf("expected no submit for invalid draft, got %d", recorder.count())
	}
}

func TestReloadCarriesValuesAcrossSchemaSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "form.yaml")
	first := `fields:
  - id: name
    kind: string
  - id: amount
    kind: number
`
	if err := os.WriteFile(path, []byte(first), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	form, err := New(context.Background(), WithLogger(zerolog.Nop()), WithConfigPath(path))
	if err != nil {
		t.Fatalf("new form: %v", err)
	}
	t.Cleanup(form.Close)

	if err := form.ChangeField("name", "Ada"); err != nil {
		t.Fatalf("change name: %v", err)
	}
	if err := form.ChangeField("amount", 12.5); err != nil {
		t.Fatalf("change amount: %v", err)
	}

	second := `fields:
  - id: name
    kind: string
  - id: amount
    kind: string
  - id: note
    kind: string
`
	if err := os.WriteFile(path, []byte(second), 0o600); err != nil {
		t.Fatalf("rewrite schema: %v", err)
	}
	if err := form.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	state, err := form.State("name")
	if err != nil {
		t.Fatalf("state name: %v", err)
	}
	if state.Value != "Ada" {
		t.Fatalf("expected name to survive reload, got %v", state.Value)
	}
	state, err = form.State("amount")
	if err != nil {
		t.Fatalf("state amount: %v", err)
	}
	if state.Value != nil {
		t.Fatalf("expected amount dropped after kind change, got %v", state.Value)
	}
	if _, err := form.State("note"); err != nil {
		t.Fatalf("expected new field note, got %v", err)
	}
}

func TestReloadKeepsOldRuntimeOnBrokenSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "form.yaml")
	if err := os.WriteFile(path, []byte(`fields:
  - id: name
    kind: string
`), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}

	form, err := New(context.Background(), WithLogger(zerolog.Nop()), WithConfigPath(path))
	if err != nil {
		t.Fatalf("new form: %v", err)
	}
	t.Cleanup(form.Close)

	if err := os.WriteFile(path, []byte("fields: [broken"), 0o600); err != nil {
		t.Fatalf("rewrite schema: %v", err)
	}
	if err := form.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error for broken schema")
	}
	if err := form.ChangeField("name", "still works"); err != nil {
		t.Fatalf("old runtime should keep serving: %v", err)
	}
}

func TestEvaluateUsesLiveState(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: count
    kind: integer
`)

	if err := form.ChangeField("count", 10); err != nil {
		t.Fatalf("change count: %v", err)
	}
	if got := form.Evaluate("count > 5"); got != true {
		t.Fatalf("expected true, got %v", got)
	}
	if err := form.ChangeField("count", 3); err != nil {
		t.Fatalf("change count: %v", err)
	}
	if got := form.Evaluate("count > 5"); got != false {
		t.Fatalf("expected false, got %v", got)
	}
}

func TestCloseMakesFormInert(t *testing.T) {
	form := newTestForm(t, `fields:
  - id: name
    kind: string
`)
	form.Close()
	if err := form.ChangeField("name", "x"); err == nil {
		t.Fatal("expected error after close")
	}
	if form.Values() != nil {
		t.Fatal("expected nil values after close")
	}
	form.Close() // idempotent
}

func TestOrderComputedDetectsCycle(t *testing.T) {
	form, err := New(context.Background(), WithLogger(zerolog.Nop()), WithConfigPath(writeSchema(t, `fields:
  - id: a
    kind: number
    compute: b + 1
  - id: b
    kind: number
    compute: a + 1
`)))
	if err == nil {
		form.Close()
		t.Fatal("expected error for computed cycle")
	}
}
