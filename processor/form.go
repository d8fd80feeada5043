// Package processor wires the form runtime together: schema, field store,
// expression engine, condition rules, subscription graph and the auto-save
// coordinator, plus schema hot reload on top.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/formiclabs/formic/callbacks"
	"github.com/formiclabs/formic/conditions"
	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/expr"
	"github.com/formiclabs/formic/fields"
	"github.com/formiclabs/formic/internal/logging"
	"github.com/formiclabs/formic/internal/reload"
	"github.com/formiclabs/formic/remote"
	"github.com/formiclabs/formic/service"
	"github.com/formiclabs/formic/telemetry"
)

// Form is a live instance of a schema. Hosts report edits through
// ChangeField and read the resulting field states back; everything else —
// computed values, condition verdicts, validation, debounced auto-save —
// happens behind that call.
type Form struct {
	mu     sync.Mutex
	swapMu sync.Mutex

	configPath string

	logger    zerolog.Logger
	cleanup   func()
	collector telemetry.Collector
	engine    *expr.Engine

	record map[string]interface{}
	props  map[string]interface{}

	callbacks map[string]expr.Callback
	validator Validator
	submitter service.SubmitFunc

	valMu  sync.Mutex
	valSeq map[string]uint64

	watcher *reload.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	current *runtimeState
}

// runtimeState bundles everything derived from one schema generation so a
// reload can swap it atomically.
type runtimeState struct {
	cfg        *config.Config
	store      *fields.Store
	rules      []conditions.Rule
	evaluator  *conditions.Evaluator
	graph      *service.Graph
	autosave   *service.Coordinator
	autosaveOn bool
	checks     map[string][]fieldCheck
	computed   []computedField
	defaults   map[string]interface{}
	lookup     func(name string) (expr.Callback, bool)
}

// computedField is a field whose value is derived from an expression,
// ordered so dependencies are evaluated before their dependents.
type computedField struct {
	id     string
	source string
}

// New constructs a form with the supplied options.
func New(ctx context.Context, opts ...Option) (*Form, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("schema path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		cfg.config = loaded
	}

	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			cfg.telemetry = telemetry.Noop()
		} else {
			cfg.telemetry = collector
		}
	}

	form := &Form{
		configPath: cfg.configPath,
		collector:  cfg.telemetry,
		record:     cfg.record,
		props:      cfg.props,
		callbacks:  cfg.callbacks,
		validator:  cfg.validator,
		submitter:  cfg.submitter,
		valSeq:     make(map[string]uint64),
		cleanup:    func() {},
	}
	form.ctx, form.cancel = context.WithCancel(context.Background())

	if cfg.customLogger {
		form.logger = cfg.logger
	} else {
		logger, cleanup, err := logging.Setup(cfg.config.Logging)
		if err != nil {
			return nil, err
		}
		form.logger = logger
		form.cleanup = cleanup
		log.Logger = logger
	}

	collector := form.collector
	form.engine = expr.New(
		expr.WithLogger(form.logger),
		expr.WithErrorHook(func(string, error) {
			collector.IncEvalError("expression")
		}),
	)

	runtime, err := form.buildRuntime(cfg.config)
	if err != nil {
		form.cleanup()
		return nil, err
	}
	form.current = runtime
	form.recompute(runtime)
	form.applyConditions(runtime)

	if cfg.configPath != "" && cfg.config.HotReload {
		watcher, err := reload.NewWatcher(cfg.configPath, cfg.config)
		if err != nil {
			runtime.autosave.Close()
			form.cleanup()
			return nil, err
		}
		form.watcher = watcher
	}

	return form, nil
}

func (f *Form) buildRuntime(cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}

	store, err := fields.NewStore(cfg.Fields)
	if err != nil {
		return nil, err
	}
	checks, err := compileChecks(cfg.Fields)
	if err != nil {
		return nil, err
	}
	computed, err := orderComputed(cfg.Fields)
	if err != nil {
		return nil, err
	}

	local := make(map[string]expr.Callback, len(f.callbacks)+len(cfg.Callbacks))
	for name, fn := range f.callbacks {
		local[name] = fn
	}
	for _, cb := range cfg.Callbacks {
		if _, exists := local[cb.Name]; exists {
			return nil, fmt.Errorf("callback %s defined twice", cb.Name)
		}
		fn, err := callbacks.Compile(cb.Name, cb.Expression)
		if err != nil {
			return nil, err
		}
		local[cb.Name] = fn
	}
	lookup := func(name string) (expr.Callback, bool) {
		if fn, ok := local[name]; ok {
			return fn, true
		}
		return callbacks.Lookup(name)
	}

	rules, err := conditions.NewRules(cfg.Conditions, lookup)
	if err != nil {
		return nil, err
	}
	evaluator := conditions.NewEvaluator(f.engine,
		conditions.WithLogger(f.logger),
		conditions.WithCallbacks(lookup))

	graph := service.NewGraph()
	for _, field := range cfg.Fields {
		for _, dep := range expr.FieldRefs(field.Compute) {
			graph.Subscribe(dep, field.ID)
		}
		for _, dep := range field.SubscribesTo {
			graph.Subscribe(dep, field.ID)
		}
	}
	for _, rule := range rules {
		for _, dep := range rule.Dependencies() {
			graph.Subscribe(dep, rule.Field)
		}
	}

	defaults := make(map[string]interface{})
	for _, field := range cfg.Fields {
		if field.Default.Set {
			defaults[field.ID] = field.Default.Value
		}
	}

	submit := f.submitter
	if submit == nil && cfg.Remote != nil {
		client, err := remote.NewClient(*cfg.Remote, f.logger)
		if err != nil {
			return nil, err
		}
		submit = client.Submit
	}

	rt := &runtimeState{
		cfg:        cfg,
		store:      store,
		rules:      rules,
		evaluator:  evaluator,
		graph:      graph,
		autosaveOn: cfg.AutoSave.Enabled,
		checks:     checks,
		computed:   computed,
		defaults:   defaults,
		lookup:     lookup,
	}
	autosave, err := service.NewCoordinator(store, graph, cfg.AutoSave,
		service.WithLogger(f.logger),
		service.WithTelemetry(f.collector),
		service.WithValidator(func(ctx context.Context, ids []string) error {
			return f.validateRuntime(ctx, rt, ids)
		}),
		service.WithSubmitter(submit))
	if err != nil {
		return nil, err
	}
	rt.autosave = autosave
	return rt, nil
}

func (f *Form) runtime() *runtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// ChangeField records a user edit and drives the reactive pipeline: computed
// fields, condition verdicts, async validation and the auto-save debounce.
func (f *Form) ChangeField(id string, value interface{}) error {
	rt := f.runtime()
	if rt == nil {
		return errors.New("form is closed")
	}
	if err := rt.store.SetValue(id, value); err != nil {
		return err
	}
	f.recompute(rt)
	f.applyConditions(rt)
	f.startValidation(rt, id)
	if rt.autosaveOn {
		rt.autosave.FieldChanged(id)
	}
	return nil
}

// Touch marks a field as visited without changing its value. Conditions
// reacting to isTouched re-evaluate.
func (f *Form) Touch(id string) error {
	rt := f.runtime()
	if rt == nil {
		return errors.New("form is closed")
	}
	if err := rt.store.MarkTouched(id); err != nil {
		return err
	}
	f.applyConditions(rt)
	return nil
}

// Evaluate runs an expression against the live form context.
func (f *Form) Evaluate(source string) interface{} {
	rt := f.runtime()
	if rt == nil {
		return nil
	}
	states := rt.store.StatesInto(nil)
	env := fields.Context(states, f.record, rt.defaults, f.props)
	return f.engine.Evaluate(source, env)
}

// Values returns the current value snapshot.
func (f *Form) Values() map[string]interface{} {
	rt := f.runtime()
	if rt == nil {
		return nil
	}
	return rt.store.Values()
}

// States returns every field state sorted by id.
func (f *Form) States() []fields.State {
	rt := f.runtime()
	if rt == nil {
		return nil
	}
	return rt.store.States()
}

// State returns the state of a single field.
func (f *Form) State(id string) (fields.State, error) {
	rt := f.runtime()
	if rt == nil {
		return fields.State{}, errors.New("form is closed")
	}
	return rt.store.State(id)
}

// Verdicts evaluates the condition rules against the current snapshot.
func (f *Form) Verdicts() map[string]conditions.Result {
	rt := f.runtime()
	if rt == nil {
		return nil
	}
	states := rt.store.StatesInto(nil)
	in := conditions.Input{States: states, Record: f.record, Defaults: rt.defaults, Props: f.props}
	return rt.evaluator.Evaluate(rt.rules, in)
}

// Config returns the schema backing the current runtime.
func (f *Form) Config() *config.Config {
	rt := f.runtime()
	if rt == nil {
		return nil
	}
	return rt.cfg
}

// RegisterField announces a mounted field to the auto-save pipeline.
func (f *Form) RegisterField(id string) {
	if rt := f.runtime(); rt != nil {
		rt.autosave.RegisterField(id)
	}
}

// UnregisterField removes a field from the subscription graph and pending
// save sets, typically when its widget unmounts.
func (f *Form) UnregisterField(id string) {
	if rt := f.runtime(); rt != nil {
		rt.autosave.UnregisterField(id)
	}
}

// AddSubscription records that subscriber reacts to changes of target.
func (f *Form) AddSubscription(target, subscriber string) {
	if rt := f.runtime(); rt != nil {
		rt.autosave.AddSubscription(target, subscriber)
	}
}

// RemoveSubscription removes a single subscription edge.
func (f *Form) RemoveSubscription(target, subscriber string) {
	if rt := f.runtime(); rt != nil {
		rt.autosave.RemoveSubscription(target, subscriber)
	}
}

// Flush forces a pending auto-save run through immediately.
func (f *Form) Flush() {
	if rt := f.runtime(); rt != nil {
		rt.autosave.Flush()
	}
}

// Close stops the form. Pending auto-save work is discarded; call Flush
// first for a final submission.
func (f *Form) Close() {
	f.mu.Lock()
	current := f.current
	f.current = nil
	f.mu.Unlock()

	f.cancel()
	if current != nil {
		current.autosave.Close()
	}
	f.cleanup()
}

// recompute re-derives computed fields in dependency order.
func (f *Form) recompute(rt *runtimeState) {
	for _, cf := range rt.computed {
		states := rt.store.StatesInto(nil)
		env := fields.Context(states, f.record, rt.defaults, f.props)
		value := f.engine.Evaluate(cf.source, env)
		state, err := rt.store.State(cf.id)
		if err != nil {
			continue
		}
		if expr.LooseEquals(state.Value, value) {
			continue
		}
		if err := rt.store.Seed(cf.id, value); err != nil {
			f.logger.Debug().Str("field", cf.id).Err(err).Msg("computed value rejected")
		}
	}
}

// applyConditions evaluates the rules and writes the merged verdicts back
// into the store. Every rule target is written on every pass: an axis no
// verdict touches reverts to the schema default, so a rule that stops
// matching releases its effect. Unchanged set values are skipped so
// repeated application converges instead of ping-ponging.
func (f *Form) applyConditions(rt *runtimeState) {
	if len(rt.rules) == 0 {
		return
	}
	states := rt.store.StatesInto(nil)
	in := conditions.Input{States: states, Record: f.record, Defaults: rt.defaults, Props: f.props}
	verdicts := rt.evaluator.Evaluate(rt.rules, in)

	targets := make(map[string]struct{}, len(rt.rules))
	for _, rule := range rt.rules {
		if rule.Field != "" {
			targets[rule.Field] = struct{}{}
		}
	}

	env := fields.Context(states, f.record, rt.defaults, f.props)
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg, err := rt.store.Config(id)
		if err != nil {
			continue
		}
		verdict := verdicts[id]
		disabled := cfg.Disabled
		if verdict.HasDisabled {
			disabled = verdict.Disabled
		}
		_ = rt.store.SetDisabled(id, disabled)
		hidden := cfg.Hidden
		if verdict.HasVisible {
			hidden = !verdict.Visible
		}
		_ = rt.store.SetHidden(id, hidden)
		if !verdict.HasSetValue {
			continue
		}
		value := verdict.SetValue
		if cb, ok := value.(expr.Callback); ok {
			out, err := cb(env)
			if err != nil {
				f.logger.Debug().Str("field", id).Err(err).Msg("set value callback failed")
				continue
			}
			value = out
		}
		state, err := rt.store.State(id)
		if err != nil {
			continue
		}
		if expr.LooseEquals(state.Value, value) {
			continue
		}
		if err := rt.store.Seed(id, value); err != nil {
			f.logger.Debug().Str("field", id).Err(err).Msg("condition set value rejected")
		}
	}
}

// startValidation kicks off an async validation pass for one field. A newer
// pass for the same field supersedes the result of an older one.
func (f *Form) startValidation(rt *runtimeState, id string) {
	seq := f.nextValidation(id)
	if err := rt.store.SetValidating(id, true); err != nil {
		return
	}
	go func() {
		msg := f.runChecks(f.ctx, rt, id)
		f.finishValidation(rt, id, seq, msg)
	}()
}

func (f *Form) nextValidation(id string) uint64 {
	f.valMu.Lock()
	defer f.valMu.Unlock()
	f.valSeq[id]++
	return f.valSeq[id]
}

func (f *Form) finishValidation(rt *runtimeState, id string, seq uint64, msg string) {
	f.valMu.Lock()
	current := f.valSeq[id] == seq
	f.valMu.Unlock()
	if !current {
		return
	}
	_ = rt.store.SetError(id, msg)
	_ = rt.store.SetValidating(id, false)
	// Verdicts watching isValid need a pass now that the result landed.
	f.applyConditions(rt)
}

// runChecks runs the builtin rules and then the host validator. The first
// failure message wins.
func (f *Form) runChecks(ctx context.Context, rt *runtimeState, id string) string {
	state, err := rt.store.State(id)
	if err != nil {
		return ""
	}
	for _, check := range rt.checks[id] {
		if msg := evalCheck(check, state); msg != "" {
			return msg
		}
	}
	if f.validator != nil {
		msg, err := f.runHostValidator(ctx, state)
		if err != nil {
			f.logger.Warn().Str("field", id).Err(err).Msg("host validator failed")
			return "validation failed"
		}
		if msg != "" {
			return msg
		}
	}
	return ""
}

// runHostValidator shields the pipeline from a panicking host validator.
func (f *Form) runHostValidator(ctx context.Context, state fields.State) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return f.validator(ctx, state)
}

// validateRuntime is the coordinator's validation hook: it settles every
// listed field synchronously and reports the first failure.
func (f *Form) validateRuntime(ctx context.Context, rt *runtimeState, ids []string) error {
	var firstErr error
	for _, id := range ids {
		seq := f.nextValidation(id)
		if err := rt.store.SetValidating(id, true); err != nil {
			continue
		}
		msg := f.runChecks(ctx, rt, id)
		f.finishValidation(rt, id, seq, msg)
		if msg != "" && firstErr == nil {
			firstErr = fmt.Errorf("field %s: %s", id, msg)
		}
	}
	return firstErr
}

// Reload re-reads the schema from disk and swaps the runtime. Values of
// fields that survive with the same kind are carried over.
func (f *Form) Reload(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if f.configPath == "" {
		return errors.New("reload requires a schema path")
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	return f.swapRuntime(cfg)
}

func (f *Form) swapRuntime(cfg *config.Config) error {
	f.swapMu.Lock()
	defer f.swapMu.Unlock()

	runtime, err := f.buildRuntime(cfg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	old := f.current
	f.mu.Unlock()
	if old == nil {
		runtime.autosave.Close()
		return errors.New("form is closed")
	}

	carryState(old.store, runtime.store)
	f.engine.ClearCache()
	f.recompute(runtime)
	f.applyConditions(runtime)

	f.mu.Lock()
	f.current = runtime
	f.mu.Unlock()
	old.autosave.Close()

	if f.watcher != nil {
		_ = f.watcher.Update(f.configPath, cfg)
	}
	return nil
}

// carryState copies surviving values into a freshly built store. A field
// keeps its value, touched flag and error only when its kind is unchanged.
func carryState(old, next *fields.Store) {
	for _, id := range next.IDs() {
		prev, err := old.State(id)
		if err != nil {
			continue
		}
		cfg, err := next.Config(id)
		if err != nil || prev.Kind != cfg.Kind {
			continue
		}
		if prev.Value != nil {
			if err := next.Seed(id, prev.Value); err != nil {
				continue
			}
		}
		if prev.Touched {
			_ = next.MarkTouched(id)
		}
		if prev.Error != "" {
			_ = next.SetError(id, prev.Error)
		}
	}
}

// orderComputed sorts computed fields so every field evaluates after the
// computed fields it references. Schema order breaks ties.
func orderComputed(cfgs []config.FieldConfig) ([]computedField, error) {
	type node struct {
		id     string
		source string
		order  int
		deps   []string
	}
	producers := make(map[string]*node)
	nodes := make([]*node, 0)
	for i, field := range cfgs {
		if field.Compute == "" {
			continue
		}
		n := &node{id: field.ID, source: field.Compute, order: i}
		n.deps = append(expr.FieldRefs(field.Compute), field.SubscribesTo...)
		producers[field.ID] = n
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[*node]int, len(nodes))
	edges := make(map[*node][]*node, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.deps {
			prod := producers[dep]
			if prod == nil || prod == n {
				continue
			}
			edges[prod] = append(edges[prod], n)
			inDegree[n]++
		}
	}

	queue := make([]*node, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].order < queue[j].order })

	ordered := make([]computedField, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		ordered = append(ordered, computedField{id: n.id, source: n.source})
		for _, succ := range edges[n] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Slice(queue, func(i, j int) bool { return queue[i].order < queue[j].order })
	}

	if len(ordered) != len(nodes) {
		return nil, errors.New("computed fields form a cycle")
	}
	return ordered, nil
}
