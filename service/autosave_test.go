package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/fields"
)

func newTestStore(t *testing.T, ids ...string) *fields.Store {
	t.Helper()
	cfgs := make([]config.FieldConfig, 0, len(ids))
	for _, id := range ids {
		cfgs = append(cfgs, config.FieldConfig{ID: id, Kind: config.KindString})
	}
	store, err := fields.NewStore(cfgs)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func autosaveConfig(debounce, wait, poll time.Duration) config.AutoSaveConfig {
	return config.AutoSaveConfig{
		Enabled:           true,
		Debounce:          config.Duration{Duration: debounce},
		ValidationTimeout: config.Duration{Duration: wait},
		PollInterval:      config.Duration{Duration: poll},
	}
}

// submitRecorder captures every snapshot handed to the submitter.
type submitRecorder struct {
	mu    sync.Mutex
	calls []map[string]interface{}
	err   error
}

func (r *submitRecorder) submit(_ context.Context, values map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = v
	}
	r.calls = append(r.calls, copied)
	return r.err
}

func (r *submitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *submitRecorder) last() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

// outcomeRecorder is a telemetry collector that remembers submit outcomes.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) IncSchemaReload(string) {}
func (o *outcomeRecorder) IncEvalError(string)    {}
func (o *outcomeRecorder) SetPendingFields(int)   {}

func (o *outcomeRecorder) IncSubmit(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *outcomeRecorder) seen(outcome string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, got := range o.outcomes {
		if got == outcome {
			return true
		}
	}
	return false
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
			t.Fatalf("condition not satisfied within %s", timeout)
		case <-ticker.C:
		}
	}
}

func TestCoordinatorRequiresStore(t *testing.T) {
	if _, err := NewCoordinator(nil, nil, config.AutoSaveConfig{}); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestCoordinatorDebounceReset(t *testing.T) {
	store := newTestStore(t, "first_name", "last_name")
	recorder := &submitRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(400*time.Millisecond, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	if err := store.SetValue("first_name", "Ada"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	coord.FieldChanged("first_name")

	// A second edit halfway through the window must restart the timer.
	time.Sleep(200 * time.Millisecond)
	if err := store.SetValue("last_name", "Lovelace"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	coord.FieldChanged("last_name")

	// The original window has elapsed by now; the reset one has not.
	time.Sleep(280 * time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("submit fired before the reset window elapsed, count %d", got)
	}

	waitFor(t, 2*time.Second, func() bool { return recorder.count() == 1 })
	values := recorder.last()
	if values["first_name"] != "Ada" || values["last_name"] != "Lovelace" {
		t.Fatalf("submitted snapshot missing edits: %v", values)
	}

	// Exactly one run for the whole burst.
	time.Sleep(500 * time.Millisecond)
	if got := recorder.count(); got != 1 {
		t.Fatalf("expected a single submit, got %d", got)
	}
}

func TestCoordinatorWaitsForPendingValidation(t *testing.T) {
	store := newTestStore(t, "email")
	recorder := &submitRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(40*time.Millisecond, 2*time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	if err := store.SetValue("email", "ada@example.com"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := store.SetValidating("email", true); err != nil {
		t.Fatalf("set validating: %v", err)
	}
	coord.FieldChanged("email")

	time.Sleep(300 * time.Millisecond)
	if got := recorder.count(); got != 0 {
		t.Fatalf("submit fired while validation was pending, count %d", got)
	}

	if err := store.SetValidating("email", false); err != nil {
		t.Fatalf("clear validating: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return recorder.count() == 1 })
}

func TestCoordinatorBlocksOnInvalidValidationResult(t *testing.T) {
	store := newTestStore(t, "email")
	recorder := &submitRecorder{}
	outcomes := &outcomeRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(40*time.Millisecond, 2*time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit), WithTelemetry(outcomes))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	if err := store.SetValue("email", "not-an-address"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := store.SetValidating("email", true); err != nil {
		t.Fatalf("set validating: %v", err)
	}
	coord.FieldChanged("email")

	// Validation finishes after the debounce window, reporting a failure.
	time.Sleep(150 * time.Millisecond)
	if err := store.SetError("email", "invalid address"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if err := store.SetValidating("email", false); err != nil {
		t.Fatalf("clear validating: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return outcomes.seen("blocked") })
	if got := recorder.count(); got != 0 {
		t.Fatalf("invalid field must block submission, count %d", got)
	}
}

func TestCoordinatorBlocksOnInvalidChangedField(t *testing.T) {
	store := newTestStore(t, "amount")
	recorder := &submitRecorder{}
	outcomes := &outcomeRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(30*time.Millisecond, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit), WithTelemetry(outcomes))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	if err := store.SetValue("amount", "-5"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := store.SetError("amount", "must be positive"); err != nil {
		t.Fatalf("set error: %v", err)
	}
	coord.FieldChanged("amount")
	coord.Flush()

	if got := recorder.count(); got != 0 {
		t.Fatalf("expected no submit, got %d", got)
	}
	if !outcomes.seen("blocked") {
		t.Fatalf("expected a blocked outcome, got %v", outcomes.outcomes)
	}
}

func TestCoordinatorValidatesAffectedFields(t *testing.T) {
	store := newTestStore(t, "net", "gross")
	graph := NewGraph()
	graph.Subscribe("net", "gross")

	var mu sync.Mutex
	var validated []string
	recorder := &submitRecorder{}
	coord, err := NewCoordinator(store, graph, autosaveConfig(30*time.Millisecond, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit),
		WithValidator(func(_ context.Context, ids []string) error {
			mu.Lock()
			validated = append(validated, ids...)
			mu.Unlock()
			return nil
		}))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	if err := store.SetValue("net", "100"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	coord.FieldChanged("net")
	coord.Flush()

	mu.Lock()
	got := append([]string(nil), validated...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "gross" {
		t.Fatalf("expected only the dependent field to be validated, got %v", got)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected submit after clean validation, count %d", recorder.count())
	}
}

func TestCoordinatorValidatorErrorBlocks(t *testing.T) {
	store := newTestStore(t, "net", "gross")
	graph := NewGraph()
	graph.Subscribe("net", "gross")

	recorder := &submitRecorder{}
	outcomes := &outcomeRecorder{}
	coord, err := NewCoordinator(store, graph, autosaveConfig(30*time.Millisecond, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit), WithTelemetry(outcomes),
		WithValidator(func(_ context.Context, _ []string) error {
			return errors.New("backend unavailable")
		}))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	coord.FieldChanged("net")
	coord.Flush()

	if recorder.count() != 0 {
		t.Fatalf("expected no submit on validator error, count %d", recorder.count())
	}
	if !outcomes.seen("blocked") {
		t.Fatalf("expected a blocked outcome, got %v", outcomes.outcomes)
	}
}

func TestCoordinatorValidatorPanicBlocks(t *testing.T) {
	store := newTestStore(t, "net", "gross")
	graph := NewGraph()
	graph.Subscribe("net", "gross")

	recorder := &submitRecorder{}
	outcomes := &outcomeRecorder{}
	coord, err := NewCoordinator(store, graph, autosaveConfig(30*time.Millisecond, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit), WithTelemetry(outcomes),
		WithValidator(func(_ context.Context, _ []string) error {
			panic("validator exploded")
		}))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	coord.FieldChanged("net")
	coord.Flush()

	if recorder.count() != 0 {
		t.Fatalf("expected no submit after validator panic, count %d", recorder.count())
	}
	if !outcomes.seen("blocked") {
		t.Fatalf("expected a blocked outcome, got %v", outcomes.outcomes)
	}
}

func TestCoordinatorSupersededRunAborts(t *testing.T) {
	store := newTestStore(t, "net", "gross")
	graph := NewGraph()
	graph.Subscribe("net", "gross")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	recorder := &submitRecorder{}
	outcomes := &outcomeRecorder{}
	coord, err := NewCoordinator(store, graph, autosaveConfig(40*time.Millisecond, 2*time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit), WithTelemetry(outcomes),
		WithValidator(func(_ context.Context, _ []string) error {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(entered)
				<-release
			}
			return nil
		}))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	if err := store.SetValue("net", "100"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	coord.FieldChanged("net")

	// Wait until the first run is parked inside the validator, then edit
	// again so a newer generation starts.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first run never reached the validator")
	}
	if err := store.SetValue("net", "200"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	coord.FieldChanged("net")

	waitFor(t, 2*time.Second, func() bool { return recorder.count() == 1 })
	close(release)

	waitFor(t, 2*time.Second, func() bool { return outcomes.seen("superseded") })
	coord.Flush()
	if got := recorder.count(); got != 1 {
		t.Fatalf("stale run must not submit, count %d", got)
	}
	if got := recorder.last()["net"]; got != "200" {
		t.Fatalf("expected the newest value to be submitted, got %v", got)
	}
}

func TestCoordinatorFlushForcesPendingRun(t *testing.T) {
	store := newTestStore(t, "note")
	recorder := &submitRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(time.Hour, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	if err := store.SetValue("note", "draft"); err != nil {
		t.Fatalf("set value: %v", err)
	}
	coord.FieldChanged("note")
	coord.Flush()

	if recorder.count() != 1 {
		t.Fatalf("flush must force the pending run, count %d", recorder.count())
	}
	if got := recorder.last()["note"]; got != "draft" {
		t.Fatalf("unexpected submitted value %v", got)
	}
}

func TestCoordinatorCloseDropsPending(t *testing.T) {
	store := newTestStore(t, "note")
	recorder := &submitRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(time.Hour, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	coord.FieldChanged("note")
	coord.Close()
	coord.Close()

	if recorder.count() != 0 {
		t.Fatalf("closed coordinator must not submit, count %d", recorder.count())
	}
	coord.FieldChanged("note")
	if coord.Version() != 0 {
		t.Fatalf("closed coordinator accepted a change")
	}
}

func TestCoordinatorSkipsWithoutSubmitter(t *testing.T) {
	store := newTestStore(t, "note")
	outcomes := &outcomeRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(30*time.Millisecond, time.Second, 20*time.Millisecond),
		WithTelemetry(outcomes))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	coord.FieldChanged("note")
	coord.Flush()

	if !outcomes.seen("skipped") {
		t.Fatalf("expected a skipped outcome, got %v", outcomes.outcomes)
	}
}

func TestCoordinatorSubmitErrorReported(t *testing.T) {
	store := newTestStore(t, "note")
	recorder := &submitRecorder{err: errors.New("backend down")}
	outcomes := &outcomeRecorder{}
	coord, err := NewCoordinator(store, NewGraph(), autosaveConfig(30*time.Millisecond, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit), WithTelemetry(outcomes))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	coord.FieldChanged("note")
	coord.Flush()

	if !outcomes.seen("failed") {
		t.Fatalf("expected a failed outcome, got %v", outcomes.outcomes)
	}
}

func TestCoordinatorUnregisterDropsPendingMarks(t *testing.T) {
	store := newTestStore(t, "net", "gross")
	graph := NewGraph()
	graph.Subscribe("net", "gross")

	recorder := &submitRecorder{}
	var mu sync.Mutex
	var validated []string
	coord, err := NewCoordinator(store, graph, autosaveConfig(time.Hour, time.Second, 20*time.Millisecond),
		WithSubmitter(recorder.submit),
		WithValidator(func(_ context.Context, ids []string) error {
			mu.Lock()
			validated = append(validated, ids...)
			mu.Unlock()
			return nil
		}))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer coord.Close()

	coord.FieldChanged("net")
	coord.UnregisterField("gross")
	coord.Flush()

	mu.Lock()
	got := append([]string(nil), validated...)
	mu.Unlock()
	if len(got) != 0 {
		t.Fatalf("unregistered field must not be validated, got %v", got)
	}
	if recorder.count() != 1 {
		t.Fatalf("expected submit for the remaining field, count %d", recorder.count())
	}
}
