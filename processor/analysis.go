package processor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/formiclabs/formic/conditions"
	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/expr"
)

// FieldDependency describes one field another schema entry depends on.
type FieldDependency struct {
	Field    string           `json:"field"`
	Kind     config.FieldKind `json:"kind,omitempty"`
	Declared bool             `json:"declared"`
	Inferred bool             `json:"inferred"`
	Resolved bool             `json:"resolved"`
	Source   config.SourceRef `json:"source,omitempty"`
}

// ConditionReport is the analysis result for a single condition.
type ConditionReport struct {
	ID           string            `json:"id,omitempty"`
	Field        string            `json:"field"`
	Trigger      string            `json:"trigger,omitempty"`
	Dependencies []FieldDependency `json:"dependencies,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	Source       config.SourceRef  `json:"source,omitempty"`
}

// ComputedReport is the analysis result for a computed field.
type ComputedReport struct {
	Field        string            `json:"field"`
	Expression   string            `json:"expression"`
	Dependencies []FieldDependency `json:"dependencies,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
	Source       config.SourceRef  `json:"source,omitempty"`
}

// Report collects everything Analyze found in a schema.
type Report struct {
	Conditions []ConditionReport `json:"conditions,omitempty"`
	Computed   []ComputedReport  `json:"computed,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
}

// Problems reports whether any entry carries an error.
func (r *Report) Problems() bool {
	if r == nil {
		return false
	}
	if len(r.Errors) > 0 {
		return true
	}
	for _, c := range r.Conditions {
		if len(c.Errors) > 0 {
			return true
		}
	}
	for _, c := range r.Computed {
		if len(c.Errors) > 0 {
			return true
		}
	}
	return false
}

// Analyze inspects a schema without running it: it compiles every condition,
// resolves dependencies, and flags unknown field references, duplicate ids
// and callback triggers that lack explicit subscriptions.
func Analyze(cfg *config.Config) (*Report, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	known := make(map[string]config.FieldConfig, len(cfg.Fields))
	fieldSeen := make(map[string]bool, len(cfg.Fields))
	report := &Report{}
	for _, field := range cfg.Fields {
		if fieldSeen[field.ID] {
			report.Errors = append(report.Errors, fmt.Sprintf("duplicate field id %s", field.ID))
			continue
		}
		fieldSeen[field.ID] = true
		known[field.ID] = field
	}

	if _, err := orderComputed(cfg.Fields); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	conditionSeen := make(map[string]bool, len(cfg.Conditions))
	for _, condCfg := range cfg.Conditions {
		report.Conditions = append(report.Conditions, analyzeCondition(condCfg, known, conditionSeen))
	}

	for _, field := range cfg.Fields {
		if field.Compute == "" {
			continue
		}
		report.Computed = append(report.Computed, analyzeComputed(field, known))
	}

	return report, nil
}

func analyzeCondition(cfg config.ConditionConfig, known map[string]config.FieldConfig, seen map[string]bool) ConditionReport {
	cr := ConditionReport{
		ID:     cfg.ID,
		Field:  cfg.Field,
		Source: cfg.Source,
	}
	if cfg.ID != "" {
		if seen[cfg.ID] {
			cr.Errors = append(cr.Errors, fmt.Sprintf("duplicate condition id %s", cfg.ID))
		}
		seen[cfg.ID] = true
	}

	rule, err := conditions.NewRule(cfg, analysisLookup)
	if err != nil {
		cr.Errors = append(cr.Errors, err.Error())
		return cr
	}
	cr.Trigger = renderTrigger(rule.Trigger)

	if rule.Field == "" {
		cr.Errors = append(cr.Errors, "condition has no target field")
	} else if _, ok := known[rule.Field]; !ok {
		cr.Errors = append(cr.Errors, fmt.Sprintf("target field %s is not defined", rule.Field))
	}
	if rule.Trigger.Empty() {
		cr.Errors = append(cr.Errors, "condition has no trigger")
	}

	// Inferred dependencies are what the rule would react to without the
	// declared list; putting both in the report shows where they diverge.
	bare := rule
	bare.SubscribesTo = nil
	cr.Dependencies = buildDependencies(rule.SubscribesTo, bare.Dependencies(), known)
	for _, dep := range cr.Dependencies {
		if !dep.Resolved {
			cr.Errors = append(cr.Errors, fmt.Sprintf("references unknown field %s", dep.Field))
		}
	}

	if rule.Trigger.Callback != "" && len(rule.SubscribesTo) == 0 {
		cr.Warnings = append(cr.Warnings, "callback trigger needs subscribes_to, the condition never re-evaluates otherwise")
	}
	return cr
}

func analyzeComputed(field config.FieldConfig, known map[string]config.FieldConfig) ComputedReport {
	cr := ComputedReport{
		Field:      field.ID,
		Expression: strings.TrimSpace(field.Compute),
		Source:     field.Source,
	}
	cr.Dependencies = buildDependencies(field.SubscribesTo, expr.FieldRefs(field.Compute), known)
	for _, dep := range cr.Dependencies {
		if !dep.Resolved {
			cr.Errors = append(cr.Errors, fmt.Sprintf("references unknown field %s", dep.Field))
		}
		if dep.Field == field.ID {
			cr.Errors = append(cr.Errors, "computed field references itself")
		}
	}
	return cr
}

func buildDependencies(declared, inferred []string, known map[string]config.FieldConfig) []FieldDependency {
	merged := make(map[string]*FieldDependency)
	record := func(ids []string, mark func(*FieldDependency)) {
		for _, id := range ids {
			entry := merged[id]
			if entry == nil {
				entry = &FieldDependency{Field: id}
				if field, ok := known[id]; ok {
					entry.Kind = field.Kind
					entry.Resolved = true
					entry.Source = field.Source
				}
				merged[id] = entry
			}
			mark(entry)
		}
	}
	record(declared, func(d *FieldDependency) { d.Declared = true })
	record(inferred, func(d *FieldDependency) { d.Inferred = true })

	deps := make([]FieldDependency, 0, len(merged))
	for _, entry := range merged {
		deps = append(deps, *entry)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Field < deps[j].Field })
	return deps
}

// analysisLookup resolves every callback reference with a stub so rules
// compile even when the host has not registered anything. Analysis never
// invokes callbacks.
func analysisLookup(string) (expr.Callback, bool) {
	return func(map[string]interface{}) (interface{}, error) {
		return nil, nil
	}, true
}

func renderTrigger(t config.Trigger) string {
	switch {
	case t.Field != "":
		return "field " + t.Field
	case len(t.Fields) > 0:
		ids := make([]string, 0, len(t.Fields))
		for id := range t.Fields {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return "fields " + strings.Join(ids, ", ")
	case t.Expression != "":
		return t.Expression
	case t.Callback != "":
		return "callback " + t.Callback
	}
	return ""
}
