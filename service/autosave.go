package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/fields"
	"github.com/formiclabs/formic/telemetry"
)

// ValidateFunc triggers validation for the given fields and returns once
// their results are recorded in the store. A non-nil error means at least
// one field failed or the validation machinery itself broke.
type ValidateFunc func(ctx context.Context, ids []string) error

// SubmitFunc delivers a full value snapshot to the backing store.
type SubmitFunc func(ctx context.Context, values map[string]interface{}) error

// Coordinator debounces field changes into auto-save runs. Every change
// collects its transitive subscribers into a pending set and restarts the
// debounce timer; when the timer fires the pending sets are snapshotted and
// a save run executes against them. Runs are identified by a monotonically
// increasing generation; a run whose generation is no longer current aborts
// at its next suspension point instead of submitting stale data.
type Coordinator struct {
	store   *fields.Store
	graph   *Graph
	logger  zerolog.Logger
	metrics telemetry.Collector

	validate ValidateFunc
	submit   SubmitFunc

	debounce       time.Duration
	validationWait time.Duration
	pollEvery      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	timer    *time.Timer
	changed  map[string]struct{}
	affected map[string]struct{}
	version  uint64
	closed   bool
}

// CoordinatorOption adjusts coordinator construction.
type CoordinatorOption func(*Coordinator)

// WithLogger routes coordinator logging through the given logger.
func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithTelemetry wires a metrics collector.
func WithTelemetry(collector telemetry.Collector) CoordinatorOption {
	return func(c *Coordinator) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithValidator sets the host callback that validates fields on demand.
func WithValidator(validate ValidateFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.validate = validate
	}
}

// WithSubmitter sets the host callback that persists value snapshots.
func WithSubmitter(submit SubmitFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.submit = submit
	}
}

// NewCoordinator wires the debounced save pipeline on top of a field store
// and a subscription graph. A nil graph gets created empty.
func NewCoordinator(store *fields.Store, graph *Graph, cfg config.AutoSaveConfig, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("coordinator requires a field store")
	}
	if graph == nil {
		graph = NewGraph()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:          store,
		graph:          graph,
		logger:         zerolog.Nop(),
		metrics:        telemetry.Noop(),
		debounce:       cfg.DebounceInterval(),
		validationWait: cfg.ValidationWait(),
		pollEvery:      cfg.PollEvery(),
		ctx:            ctx,
		cancel:         cancel,
		changed:        make(map[string]struct{}),
		affected:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AddSubscription records that subscriber reacts to changes of target.
func (c *Coordinator) AddSubscription(target, subscriber string) {
	c.graph.Subscribe(target, subscriber)
}

// RemoveSubscription removes a single subscription edge.
func (c *Coordinator) RemoveSubscription(target, subscriber string) {
	c.graph.Unsubscribe(target, subscriber)
}

// RegisterField announces a mounted field. Any pending marks left over from
// a previous mount are discarded so the field starts clean.
func (c *Coordinator) RegisterField(id string) {
	c.mu.Lock()
	delete(c.changed, id)
	delete(c.affected, id)
	c.mu.Unlock()
}

// UnregisterField removes a field from the graph and from the pending sets.
func (c *Coordinator) UnregisterField(id string) {
	c.graph.RemoveField(id)
	c.mu.Lock()
	delete(c.changed, id)
	delete(c.affected, id)
	c.mu.Unlock()
}

// FieldChanged records an edit, folds the field's transitive subscribers
// into the pending affected set and restarts the debounce timer.
func (c *Coordinator) FieldChanged(id string) {
	affected := c.graph.Affected(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.changed[id] = struct{}{}
	for _, dep := range affected {
		c.affected[dep] = struct{}{}
	}
	c.metrics.SetPendingFields(len(c.changed) + len(c.affected))
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.fire)
}

// fire snapshots the pending sets and starts a save run under the next
// generation. Runs execute on their own goroutine so the caller that made
// the last edit is never blocked.
func (c *Coordinator) fire() {
	c.mu.Lock()
	if c.closed || len(c.changed) == 0 {
		c.mu.Unlock()
		return
	}
	changed := c.changed
	affected := c.affected
	c.changed = make(map[string]struct{})
	c.affected = make(map[string]struct{})
	c.version++
	gen := c.version
	c.metrics.SetPendingFields(0)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(gen, changed, affected)
	}()
}

// Flush forces any pending changes through the pipeline immediately and
// waits for in-flight runs to finish.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.fire()
	c.wg.Wait()
}

// Close stops the coordinator. Pending changes that have not fired yet are
// discarded; call Flush first for a final save.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// Version returns the generation of the most recently started run.
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Coordinator) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version != gen || c.closed
}

func (c *Coordinator) run(gen uint64, changed, affected map[string]struct{}) {
	logger := c.logger.With().Uint64("generation", gen).Str("attempt", uuid.NewString()).Logger()
	snapshot := unionSorted(changed, affected)

	// Suspension point: edits validated by the normal on-change path may
	// still be in flight. Settle them before reading any error state.
	if !c.awaitValidation(gen, snapshot, logger) {
		return
	}

	for _, id := range sortedSet(changed) {
		state, err := c.store.State(id)
		if err != nil {
			continue
		}
		if state.Invalid {
			logger.Debug().Str("field", id).Str("error", state.Error).Msg("auto-save blocked by invalid field")
			c.metrics.IncSubmit("blocked")
			return
		}
	}

	// Changed fields were validated when they were edited; only their
	// dependents still need a pass.
	pending := subtractSorted(affected, changed)
	if len(pending) > 0 && c.validate != nil {
		if err := c.runValidate(pending); err != nil {
			logger.Debug().Err(err).Msg("auto-save blocked by affected field validation")
			c.metrics.IncSubmit("blocked")
			return
		}
	}
	if c.superseded(gen) {
		logger.Debug().Msg("auto-save superseded after validation")
		c.metrics.IncSubmit("superseded")
		return
	}
	for _, id := range pending {
		state, err := c.store.State(id)
		if err != nil {
			continue
		}
		if state.Invalid {
			logger.Debug().Str("field", id).Str("error", state.Error).Msg("auto-save blocked by invalid dependent field")
			c.metrics.IncSubmit("blocked")
			return
		}
	}

	if c.submit == nil {
		logger.Debug().Msg("no submitter wired, auto-save run complete")
		c.metrics.IncSubmit("skipped")
		return
	}

	// The snapshot is taken now, not at debounce time: submissions always
	// carry the latest values the run was allowed to see.
	values := c.store.Values()
	if err := c.runSubmit(values); err != nil {
		logger.Error().Err(err).Msg("auto-save submission failed")
		c.metrics.IncSubmit("failed")
		return
	}
	logger.Debug().Int("fields", len(values)).Msg("auto-save submitted")
	c.metrics.IncSubmit("submitted")
}

// awaitValidation polls until no snapshot field has validation in flight.
// It gives up when the run is superseded, the coordinator closes or the
// configured wait is exhausted.
func (c *Coordinator) awaitValidation(gen uint64, ids []string, logger zerolog.Logger) bool {
	deadline := time.Now().Add(c.validationWait)
	for {
		if c.superseded(gen) {
			logger.Debug().Msg("auto-save superseded while waiting for validation")
			c.metrics.IncSubmit("superseded")
			return false
		}
		if !c.anyValidating(ids) {
			return true
		}
		if time.Now().After(deadline) {
			logger.Warn().Dur("waited", c.validationWait).Msg("auto-save gave up waiting for validation")
			c.metrics.IncSubmit("blocked")
			return false
		}
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.pollEvery):
		}
	}
}

func (c *Coordinator) anyValidating(ids []string) bool {
	for _, id := range ids {
		state, err := c.store.State(id)
		if err != nil {
			continue
		}
		if state.Validating {
			return true
		}
	}
	return false
}

// runValidate shields the pipeline from a panicking host validator; the
// panic reads as a failed validation pass.
func (c *Coordinator) runValidate(ids []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return c.validate(c.ctx, ids)
}

func (c *Coordinator) runSubmit(values map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submitter panic: %v", r)
		}
	}()
	return c.submit(c.ctx, values)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func unionSorted(a, b map[string]struct{}) []string {
	merged := make(map[string]struct{}, len(a)+len(b))
	for id := range a {
		merged[id] = struct{}{}
	}
	for id := range b {
		merged[id] = struct{}{}
	}
	return sortedSet(merged)
}

func subtractSorted(from, remove map[string]struct{}) []string {
	out := make([]string, 0, len(from))
	for id := range from {
		if _, ok := remove[id]; ok {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
