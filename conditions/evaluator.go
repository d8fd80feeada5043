package conditions

import (
	"github.com/rs/zerolog"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/expr"
	"github.com/formiclabs/formic/fields"
)

// Input is the form snapshot a batch of rules is evaluated against.
type Input struct {
	States   map[string]fields.State
	Record   map[string]interface{}
	Defaults map[string]interface{}
	Props    map[string]interface{}
}

func (in Input) env() map[string]interface{} {
	return fields.Context(in.States, in.Record, in.Defaults, in.Props)
}

// Result is the merged verdict for one target field. The Has flags separate
// "the rules decided false" from "no rule touched this aspect".
type Result struct {
	Disabled    bool
	Visible     bool
	SetValue    interface{}
	HasDisabled bool
	HasVisible  bool
	HasSetValue bool
}

// Merge folds a later verdict into an accumulated one: any rule can disable
// but only all rules together keep a field visible, and the latest set value
// wins. The first verdict that touches an aspect seeds it.
func Merge(acc, next Result) Result {
	if next.HasDisabled {
		if acc.HasDisabled {
			acc.Disabled = acc.Disabled || next.Disabled
		} else {
			acc.HasDisabled = true
			acc.Disabled = next.Disabled
		}
	}
	if next.HasVisible {
		if acc.HasVisible {
			acc.Visible = acc.Visible && next.Visible
		} else {
			acc.HasVisible = true
			acc.Visible = next.Visible
		}
	}
	if next.HasSetValue {
		acc.HasSetValue = true
		acc.SetValue = next.SetValue
	}
	return acc
}

// Evaluator matches rules against form snapshots and produces per-field
// verdicts. It shares the expression engine with the rest of the runtime so
// parse trees are only built once.
type Evaluator struct {
	engine    *expr.Engine
	logger    zerolog.Logger
	callbacks func(name string) (expr.Callback, bool)
}

// Option adjusts evaluator construction.
type Option func(*Evaluator)

// WithLogger routes rule diagnostics through the given logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithCallbacks wires a callback registry for callback triggers and
// select_set callbacks.
func WithCallbacks(lookup func(string) (expr.Callback, bool)) Option {
	return func(e *Evaluator) {
		e.callbacks = lookup
	}
}

func NewEvaluator(engine *expr.Engine, opts ...Option) *Evaluator {
	if engine == nil {
		engine = expr.New()
	}
	e := &Evaluator{engine: engine, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every rule against the snapshot and merges the verdicts per
// target field. Fields without a matching rule do not appear in the result.
func (e *Evaluator) Evaluate(rules []Rule, in Input) map[string]Result {
	env := in.env()
	out := make(map[string]Result)
	for _, rule := range rules {
		if !e.matches(rule, in, env) {
			continue
		}
		verdict := e.apply(rule, env)
		if current, ok := out[rule.Field]; ok {
			out[rule.Field] = Merge(current, verdict)
		} else {
			out[rule.Field] = verdict
		}
	}
	return out
}

// Matches reports whether a single rule fires against the snapshot.
func (e *Evaluator) Matches(rule Rule, in Input) bool {
	return e.matches(rule, in, in.env())
}

// Apply produces the verdict a matched rule contributes.
func (e *Evaluator) Apply(rule Rule, in Input) Result {
	return e.apply(rule, in.env())
}

func (e *Evaluator) matches(rule Rule, in Input, env map[string]interface{}) bool {
	trigger := rule.Trigger
	switch {
	case trigger.Empty():
		return false
	case trigger.Callback != "":
		return e.matchCallback(rule, env)
	case trigger.Expression != "":
		value := e.engine.Evaluate(trigger.Expression, env)
		if rule.Matcher.Is.Set {
			return expr.LooseEquals(value, rule.Matcher.Is.Value)
		}
		if rule.Matcher.Truthy != nil {
			return expr.Truthy(value) == *rule.Matcher.Truthy
		}
		return expr.Truthy(value)
	case len(trigger.Fields) > 0:
		for id, matcher := range trigger.Fields {
			if !matchField(in.States, id, matcher) {
				return false
			}
		}
		return true
	default:
		return matchField(in.States, trigger.Field, rule.Matcher)
	}
}

func (e *Evaluator) matchCallback(rule Rule, env map[string]interface{}) bool {
	name := rule.Trigger.Callback
	if e.callbacks == nil {
		e.logger.Warn().Str("condition", rule.ID).Str("callback", name).Msg("no callback registry wired")
		return false
	}
	cb, ok := e.callbacks(name)
	if !ok {
		e.logger.Warn().Str("condition", rule.ID).Str("callback", name).Msg("unknown callback")
		return false
	}
	value, err := cb(env)
	if err != nil {
		e.logger.Debug().Str("condition", rule.ID).Str("callback", name).Err(err).Msg("callback trigger failed")
		return false
	}
	return expr.Truthy(value)
}

// matchField applies a matcher to a field state. A missing field reads as
// nil value, valid and not disabled; every configured predicate must hold.
func matchField(states map[string]fields.State, id string, matcher config.MatcherConfig) bool {
	state, mounted := states[id]
	if matcher.Empty() {
		return mounted && expr.Truthy(state.Value)
	}
	if matcher.Is.Set && !expr.LooseEquals(state.Value, matcher.Is.Value) {
		return false
	}
	if matcher.Truthy != nil && expr.Truthy(state.Value) != *matcher.Truthy {
		return false
	}
	if matcher.IsValid != nil {
		valid := !state.Invalid
		if valid != *matcher.IsValid {
			return false
		}
	}
	if matcher.IsDisabled != nil && state.Disabled != *matcher.IsDisabled {
		return false
	}
	return true
}

func (e *Evaluator) apply(rule Rule, env map[string]interface{}) Result {
	var res Result
	if rule.Disabled != nil {
		res.HasDisabled = true
		res.Disabled = *rule.Disabled
	}
	if rule.Visible != nil {
		res.HasVisible = true
		res.Visible = *rule.Visible
	}
	if rule.Set.Set {
		res.HasSetValue = true
		res.SetValue = rule.Set.Value
	}
	if rule.HasSelectSet {
		res.HasSetValue = true
		res.SetValue = e.resolveSelect(rule.SelectSet, env)
	}
	return res
}

// resolveSelect evaluates an expression select_set and unwraps the result;
// callbacks pass through so the caller decides when to run them.
func (e *Evaluator) resolveSelect(selected interface{}, env map[string]interface{}) interface{} {
	switch v := selected.(type) {
	case string:
		return expr.Unwrap(e.engine.Evaluate(v, env))
	case expr.Callback:
		return v
	default:
		return v
	}
}
