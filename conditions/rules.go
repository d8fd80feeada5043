package conditions

import (
	"fmt"
	"sort"

	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/expr"
)

// Rule is a compiled condition bound to the target field it controls.
type Rule struct {
	ID      string
	Field   string
	Trigger config.Trigger
	Matcher config.MatcherConfig

	// Actions applied when the rule matches. Disabled and Visible are tri
	// state: nil means the rule does not touch that flag. SelectSet holds
	// either an expression source or an expr.Callback and takes precedence
	// over Set when both are present.
	Disabled     *bool
	Visible      *bool
	Set          config.AnyValue
	SelectSet    interface{}
	HasSelectSet bool

	SubscribesTo []string
	Source       config.SourceRef
}

// NewRule compiles a condition into an executable rule. The lookup resolves
// select_set callback references; nil is fine for schemas that declare none.
func NewRule(cfg config.ConditionConfig, lookup func(string) (expr.Callback, bool)) (Rule, error) {
	trigger, err := cfg.DecodeTrigger()
	if err != nil {
		return Rule{}, fmt.Errorf("condition %s: %w", ruleName(cfg), err)
	}
	rule := Rule{
		ID:           cfg.ID,
		Field:        cfg.Field,
		Trigger:      trigger,
		Matcher:      cfg.MatcherConfig,
		Disabled:     cfg.Disabled,
		Visible:      cfg.Visible,
		Set:          cfg.Set,
		SubscribesTo: cfg.SubscribesTo,
		Source:       cfg.Source,
	}
	if cfg.SelectSet.Set {
		selected, err := resolveSelectSet(cfg.SelectSet.Value, lookup)
		if err != nil {
			return Rule{}, fmt.Errorf("condition %s: %w", ruleName(cfg), err)
		}
		rule.SelectSet = selected
		rule.HasSelectSet = true
	}
	return rule, nil
}

// NewRules compiles every condition of a schema.
func NewRules(cfgs []config.ConditionConfig, lookup func(string) (expr.Callback, bool)) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		rule, err := NewRule(cfg, lookup)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// resolveSelectSet turns a {callback: name} mapping into the registered
// callback; every other value stays as written in the schema.
func resolveSelectSet(value interface{}, lookup func(string) (expr.Callback, bool)) (interface{}, error) {
	mapping, ok := value.(map[string]interface{})
	if !ok || len(mapping) != 1 {
		return value, nil
	}
	name, ok := mapping["callback"].(string)
	if !ok {
		return value, nil
	}
	if lookup == nil {
		return nil, fmt.Errorf("select_set callback %q is not registered", name)
	}
	cb, found := lookup(name)
	if !found {
		return nil, fmt.Errorf("select_set callback %q is not registered", name)
	}
	return cb, nil
}

// Dependencies returns the field ids the rule reacts to. Declared
// subscriptions win; otherwise the dependencies are inferred from the
// trigger and from an expression select_set. Callback triggers are opaque
// and contribute nothing, which is why they need explicit subscriptions.
func (r Rule) Dependencies() []string {
	if len(r.SubscribesTo) > 0 {
		return append([]string(nil), r.SubscribesTo...)
	}
	var deps []string
	seen := make(map[string]struct{})
	add := func(names ...string) {
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			deps = append(deps, name)
		}
	}
	switch {
	case r.Trigger.Field != "":
		add(r.Trigger.Field)
	case len(r.Trigger.Fields) > 0:
		ids := make([]string, 0, len(r.Trigger.Fields))
		for id := range r.Trigger.Fields {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		add(ids...)
	case r.Trigger.Expression != "":
		add(expr.FieldRefs(r.Trigger.Expression)...)
	}
	if source, ok := r.SelectSet.(string); ok {
		add(expr.FieldRefs(source)...)
	}
	return deps
}

func ruleName(cfg config.ConditionConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	if cfg.Field != "" {
		return "for field " + cfg.Field
	}
	return "(unnamed)"
}
