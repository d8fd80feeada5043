package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m". Bare integers are
// interpreted as milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("duration value node is nil")
	}
	if value.Tag == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return fmt.Errorf("decode duration: %w", err)
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// FieldKind describes the primitive type stored inside a form field.
type FieldKind string

const (
	// KindString represents plain UTF-8 strings.
	KindString FieldKind = "string"
	// KindNumber represents floating point numbers.
	KindNumber FieldKind = "number"
	// KindInteger represents signed integer values.
	KindInteger FieldKind = "integer"
	// KindDecimal represents arbitrary precision decimal numbers.
	KindDecimal FieldKind = "decimal"
	// KindBool represents boolean values.
	KindBool FieldKind = "bool"
	// KindDate represents calendar date values.
	KindDate FieldKind = "date"
)

var knownFieldKinds = map[FieldKind]struct{}{
	KindString:  {},
	KindNumber:  {},
	KindInteger: {},
	KindDecimal: {},
	KindBool:    {},
	KindDate:    {},
}

// SourceRef records which configuration file contributed an entry.
type SourceRef struct {
	File string `json:"file,omitempty"`
	Form string `json:"form,omitempty"`
}

// Include describes a referenced schema fragment.
type Include struct {
	Path        string
	Name        string
	Description string
}

// UnmarshalYAML allows includes to be declared either as scalar strings or structured objects.
func (m *Include) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("include node is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var path string
		if err := value.Decode(&path); err != nil {
			return fmt.Errorf("decode include path: %w", err)
		}
		m.Path = strings.TrimSpace(path)
		return nil
	case yaml.MappingNode:
		type rawInclude struct {
			Path        string `yaml:"path"`
			Name        string `yaml:"name"`
			Description string `yaml:"description"`
		}
		var raw rawInclude
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode include: %w", err)
		}
		if raw.Path == "" {
			return errors.New("include missing path")
		}
		m.Path = raw.Path
		m.Name = raw.Name
		m.Description = raw.Description
		return nil
	default:
		return fmt.Errorf("unsupported include node kind %d", value.Kind)
	}
}

// AnyValue captures an arbitrary YAML value while remembering whether the key
// was present at all. Conditions need the distinction between "set: null" and
// no set action.
type AnyValue struct {
	Set   bool
	Value interface{}
}

// UnmarshalYAML decodes any YAML value and marks the field as present.
func (v *AnyValue) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("value node is nil")
	}
	v.Set = true
	return value.Decode(&v.Value)
}

// MarshalYAML renders the captured value.
func (v AnyValue) MarshalYAML() (interface{}, error) {
	if !v.Set {
		return nil, nil
	}
	return v.Value, nil
}

// Validator types understood by the form runtime.
const (
	ValidateRequired  = "required"
	ValidatePattern   = "pattern"
	ValidateMinLength = "min-length"
	ValidateMaxLength = "max-length"
	ValidateMinValue  = "min-value"
	ValidateMaxValue  = "max-value"
)

var knownValidators = map[string]struct{}{
	ValidateRequired:  {},
	ValidatePattern:   {},
	ValidateMinLength: {},
	ValidateMaxLength: {},
	ValidateMinValue:  {},
	ValidateMaxValue:  {},
}

// ValidatorConfig describes a single validation rule attached to a field.
type ValidatorConfig struct {
	Type    string   `yaml:"type"`
	Pattern string   `yaml:"pattern,omitempty"`
	Limit   *float64 `yaml:"limit,omitempty"`
	Message string   `yaml:"message,omitempty"`
}

// FieldConfig describes a single form field.
type FieldConfig struct {
	ID           string            `yaml:"id"`
	Label        string            `yaml:"label,omitempty"`
	Kind         FieldKind         `yaml:"kind"`
	Component    string            `yaml:"component,omitempty"`
	Default      AnyValue          `yaml:"default,omitempty"`
	Disabled     bool              `yaml:"disabled,omitempty"`
	Hidden       bool              `yaml:"hidden,omitempty"`
	Compute      string            `yaml:"compute,omitempty"`
	SubscribesTo []string          `yaml:"subscribes_to,omitempty"`
	Validate     []ValidatorConfig `yaml:"validate,omitempty"`
	Metadata     yaml.Node         `yaml:"metadata,omitempty"`
	Source       SourceRef         `yaml:"-"`
}

// MatcherConfig describes the predicate applied to a field value when a
// condition is matched.
type MatcherConfig struct {
	Is         AnyValue `yaml:"is,omitempty"`
	Truthy     *bool    `yaml:"truthy,omitempty"`
	IsValid    *bool    `yaml:"is_valid,omitempty"`
	IsDisabled *bool    `yaml:"is_disabled,omitempty"`
}

// Empty reports whether no predicate was configured.
func (m MatcherConfig) Empty() bool {
	return !m.Is.Set && m.Truthy == nil && m.IsValid == nil && m.IsDisabled == nil
}

// ConditionConfig describes a reactive rule evaluated against the form state.
// Field names the target whose disabled, visible or value state the rule
// controls.
type ConditionConfig struct {
	ID            string    `yaml:"id,omitempty"`
	Field         string    `yaml:"field"`
	When          yaml.Node `yaml:"when,omitempty"`
	MatcherConfig `yaml:",inline"`
	Disabled      *bool     `yaml:"disabled,omitempty"`
	Visible       *bool     `yaml:"visible,omitempty"`
	Set           AnyValue  `yaml:"set,omitempty"`
	SelectSet     AnyValue  `yaml:"select_set,omitempty"`
	SubscribesTo  []string  `yaml:"subscribes_to,omitempty"`
	Source        SourceRef `yaml:"-"`
}

// Trigger is the decoded form of a condition's when clause.
type Trigger struct {
	// Field holds the referenced field for single-field triggers.
	Field string
	// Fields holds the matcher map for multi-field triggers.
	Fields map[string]MatcherConfig
	// Expression holds the raw source for expression triggers.
	Expression string
	// Callback names a registered callback for host-evaluated triggers.
	Callback string
}

// Empty reports whether the condition has no trigger at all.
func (t Trigger) Empty() bool {
	return t.Field == "" && len(t.Fields) == 0 && t.Expression == "" && t.Callback == ""
}

// DecodeTrigger interprets the when clause. Scalar identifiers become field
// triggers, any other scalar is treated as an expression, mappings become
// matcher maps unless they carry a single scalar callback key.
func (c *ConditionConfig) DecodeTrigger() (Trigger, error) {
	var trigger Trigger
	node := c.When
	if node.Kind == 0 {
		return trigger, nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return trigger, fmt.Errorf("decode when: %w", err)
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return trigger, nil
		}
		if ensureIdentifier(raw, "when") == nil {
			trigger.Field = raw
		} else {
			trigger.Expression = raw
		}
		return trigger, nil
	case yaml.MappingNode:
		if len(node.Content) == 2 {
			key := node.Content[0]
			value := node.Content[1]
			if key != nil && key.Kind == yaml.ScalarNode && strings.TrimSpace(key.Value) == "callback" &&
				value != nil && value.Kind == yaml.ScalarNode {
				var name string
				if err := value.Decode(&name); err != nil {
					return trigger, fmt.Errorf("decode when callback: %w", err)
				}
				trigger.Callback = strings.TrimSpace(name)
				return trigger, nil
			}
		}
		matchers := make(map[string]MatcherConfig)
		if err := node.Decode(&matchers); err != nil {
			return trigger, fmt.Errorf("decode when matchers: %w", err)
		}
		trigger.Fields = matchers
		return trigger, nil
	default:
		return trigger, fmt.Errorf("unsupported when node kind %d", node.Kind)
	}
}

// CallbackConfig defines a named callback program that conditions and
// descriptors can reference.
type CallbackConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

// AutoSaveConfig controls the debounced save pipeline.
type AutoSaveConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Debounce          Duration `yaml:"debounce,omitempty"`
	ValidationTimeout Duration `yaml:"validation_timeout,omitempty"`
	PollInterval      Duration `yaml:"poll_interval,omitempty"`
}

// DebounceInterval returns the configured debounce delay for auto-save runs.
func (a AutoSaveConfig) DebounceInterval() time.Duration {
	if a.Debounce.Duration <= 0 {
		return 500 * time.Millisecond
	}
	return a.Debounce.Duration
}

// ValidationWait returns how long a save run waits for pending validation.
func (a AutoSaveConfig) ValidationWait() time.Duration {
	if a.ValidationTimeout.Duration <= 0 {
		return 10 * time.Second
	}
	return a.ValidationTimeout.Duration
}

// PollEvery returns the polling interval used while waiting for validation.
func (a AutoSaveConfig) PollEvery() time.Duration {
	if a.PollInterval.Duration <= 0 {
		return 50 * time.Millisecond
	}
	return a.PollInterval.Duration
}

// RemoteConfig describes the endpoint drafts are submitted to.
type RemoteConfig struct {
	URL          string            `yaml:"url"`
	Timeout      Duration          `yaml:"timeout,omitempty"`
	RetryMax     int               `yaml:"retry_max,omitempty"`
	RetryWaitMin Duration          `yaml:"retry_wait_min,omitempty"`
	RetryWaitMax Duration          `yaml:"retry_wait_max,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root of a form schema document.
type Config struct {
	Name        string            `yaml:"name,omitempty"`
	Title       string            `yaml:"title,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Includes    []Include         `yaml:"includes"`
	Fields      []FieldConfig     `yaml:"fields"`
	Conditions  []ConditionConfig `yaml:"conditions"`
	Callbacks   []CallbackConfig  `yaml:"callbacks,omitempty"`
	AutoSave    AutoSaveConfig    `yaml:"autosave"`
	Remote      *RemoteConfig     `yaml:"remote,omitempty"`
	HotReload   bool              `yaml:"hot_reload,omitempty"`
	Source      SourceRef         `yaml:"-"`

	sourceFiles []string
}

// SourceFiles returns every schema file that contributed to this configuration.
func (c *Config) SourceFiles() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(c.sourceFiles))
	out := make([]string, 0, len(c.sourceFiles))
	for _, path := range c.sourceFiles {
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

// Load reads and decodes the schema file or directory from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("schema path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat schema path: %w", err)
	}

	visited := make(map[string]struct{})

	var cfg *Config
	if info.IsDir() {
		cfg, err = loadDir(abs, visited)
	} else {
		cfg, err = loadFile(abs, visited)
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return &Config{}, nil
	}
	return cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("schema include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}

	if err := validateDocument(path, raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", path, err)
	}

	cfg.Source = SourceRef{File: path, Form: cfg.Name}
	cfg.setSource(cfg.Source)
	cfg.sourceFiles = append(cfg.sourceFiles, path)

	includes := cfg.Includes
	cfg.Includes = nil

	baseDir := filepath.Dir(path)
	for _, include := range includes {
		if include.Path == "" {
			continue
		}
		includePath := include.Path
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, include.Path)
		}

		info, err := os.Stat(includePath)
		if err != nil {
			return nil, fmt.Errorf("load include %s: %w", include.Path, err)
		}

		var child *Config
		if info.IsDir() {
			child, err = loadDir(includePath, visited)
		} else {
			child, err = loadFile(includePath, visited)
		}
		if err != nil {
			return nil, fmt.Errorf("load include %s: %w", include.Path, err)
		}
		if child == nil {
			continue
		}
		if include.Name != "" {
			child.applySource(SourceRef{File: child.Source.File, Form: include.Name})
		}
		mergeConfig(&cfg, child)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &cfg, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("schema include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{}
	result.Source = SourceRef{File: path}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		child, err := loadFile(filepath.Join(path, name), visited)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		mergeConfig(result, child)
	}

	return result, nil
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}

	if src.Name != "" && dst.Name == "" {
		dst.Name = src.Name
	}
	if src.Title != "" && dst.Title == "" {
		dst.Title = src.Title
	}
	if src.Description != "" && dst.Description == "" {
		dst.Description = src.Description
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Listen != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.AutoSave.Enabled || src.AutoSave.Debounce.Duration != 0 {
		dst.AutoSave = src.AutoSave
	}
	if src.Remote != nil {
		dst.Remote = src.Remote
	}
	if src.HotReload {
		dst.HotReload = true
	}

	dst.Fields = append(dst.Fields, src.Fields...)
	dst.Conditions = append(dst.Conditions, src.Conditions...)
	dst.Callbacks = append(dst.Callbacks, src.Callbacks...)
	dst.sourceFiles = append(dst.sourceFiles, src.sourceFiles...)
}

func (c *Config) setSource(ref SourceRef) {
	if c == nil {
		return
	}
	for i := range c.Fields {
		if c.Fields[i].Source.File == "" {
			c.Fields[i].Source = ref
		}
	}
	for i := range c.Conditions {
		if c.Conditions[i].Source.File == "" {
			c.Conditions[i].Source = ref
		}
	}
}

func (c *Config) applySource(ref SourceRef) {
	if c == nil {
		return
	}
	for i := range c.Fields {
		c.Fields[i].Source = ref
	}
	for i := range c.Conditions {
		c.Conditions[i].Source = ref
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	for _, field := range cfg.Fields {
		if err := ensureIdentifier(field.ID, "field"); err != nil {
			return err
		}
		if field.Kind != "" {
			if _, ok := knownFieldKinds[field.Kind]; !ok {
				return fmt.Errorf("field %q has unknown kind %q", field.ID, field.Kind)
			}
		}
		for _, dep := range field.SubscribesTo {
			if err := ensureIdentifier(dep, "subscription"); err != nil {
				return fmt.Errorf("field %q: %w", field.ID, err)
			}
		}
		for _, rule := range field.Validate {
			if err := validateRule(field.ID, rule); err != nil {
				return err
			}
		}
	}
	for i := range cfg.Conditions {
		cond := &cfg.Conditions[i]
		if cond.ID != "" {
			if err := ensureIdentifier(cond.ID, "condition"); err != nil {
				return err
			}
		}
		if err := ensureIdentifier(cond.Field, "condition field"); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		if _, err := cond.DecodeTrigger(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		for _, dep := range cond.SubscribesTo {
			if err := ensureIdentifier(dep, "subscription"); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		}
	}
	for _, callback := range cfg.Callbacks {
		if err := ensureIdentifier(callback.Name, "callback"); err != nil {
			return err
		}
		if strings.TrimSpace(callback.Expression) == "" {
			return fmt.Errorf("callback %q has no expression", callback.Name)
		}
	}
	if cfg.AutoSave.Debounce.Duration < 0 {
		return errors.New("autosave debounce must not be negative")
	}
	if cfg.Remote != nil && cfg.Remote.URL == "" {
		return errors.New("remote endpoint requires a url")
	}
	return nil
}

func validateRule(fieldID string, rule ValidatorConfig) error {
	if _, ok := knownValidators[rule.Type]; !ok {
		return fmt.Errorf("field %q has unknown validator %q", fieldID, rule.Type)
	}
	switch rule.Type {
	case ValidatePattern:
		if rule.Pattern == "" {
			return fmt.Errorf("field %q: pattern validator requires a pattern", fieldID)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("field %q: invalid pattern: %w", fieldID, err)
		}
	case ValidateMinLength, ValidateMaxLength, ValidateMinValue, ValidateMaxValue:
		if rule.Limit == nil {
			return fmt.Errorf("field %q: %s validator requires a limit", fieldID, rule.Type)
		}
	}
	return nil
}

func ensureIdentifier(value, kind string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s identifier must not be empty", kind)
	}
	if strings.Contains(trimmed, ".") {
		return fmt.Errorf("%s %q must not contain '.'", kind, trimmed)
	}
	for idx, r := range trimmed {
		if idx == 0 && unicode.IsDigit(r) {
			return fmt.Errorf("%s %q must not start with a digit", kind, trimmed)
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return fmt.Errorf("%s %q contains invalid character %q", kind, trimmed, r)
		}
	}
	return nil
}
