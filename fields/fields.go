package fields

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/formiclabs/formic/config"
)

type field struct {
	cfg config.FieldConfig

	mu         sync.RWMutex
	value      interface{}
	touched    bool
	dirty      bool
	validating bool
	errMsg     string
	invalid    bool
	disabled   bool
	hidden     bool
}

// State exposes the current state of a field for inspection and evaluation.
type State struct {
	ID         string
	Label      string
	Kind       config.FieldKind
	Value      interface{}
	Touched    bool
	Dirty      bool
	Validating bool
	Error      string
	Invalid    bool
	Disabled   bool
	Hidden     bool
	Source     config.SourceRef
}

// Store holds the mounted fields of a form and their runtime state.
type Store struct {
	mu     sync.RWMutex
	fields map[string]*field
}

// NewStore builds a store from the configured fields. Defaults are applied
// without marking fields dirty or touched.
func NewStore(cfgs []config.FieldConfig) (*Store, error) {
	store := &Store{fields: make(map[string]*field, len(cfgs))}
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("field id must not be empty")
		}
		if _, ok := store.fields[cfg.ID]; ok {
			return nil, fmt.Errorf("duplicate field id %q", cfg.ID)
		}
		f := &field{cfg: cfg, disabled: cfg.Disabled, hidden: cfg.Hidden}
		if cfg.Default.Set {
			converted, err := convertValue(cfg.Kind, cfg.Default.Value)
			if err != nil {
				return nil, fmt.Errorf("field %s default: %w", cfg.ID, err)
			}
			f.value = converted
		}
		store.fields[cfg.ID] = f
	}
	return store, nil
}

func (s *Store) mustGet(id string) (*field, error) {
	if id == "" {
		return nil, fmt.Errorf("field id must not be empty")
	}
	s.mu.RLock()
	f, ok := s.fields[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown field %q", id)
	}
	return f, nil
}

// Has reports whether a field with the given id is mounted.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	_, ok := s.fields[id]
	s.mu.RUnlock()
	return ok
}

// SetValue records a user edit. The value is converted to the field kind and
// the field is marked dirty and touched.
func (s *Store) SetValue(id string, value interface{}) error {
	f, err := s.mustGet(id)
	if err != nil {
		return err
	}
	converted, err := convertValue(f.cfg.Kind, value)
	if err != nil {
		return fmt.Errorf("field %s: %w", id, err)
	}
	f.mu.Lock()
	f.value = converted
	f.dirty = true
	f.touched = true
	f.mu.Unlock()
	return nil
}

// Seed writes a value without touching the dirty or touched flags. Condition
// overrides and reset paths use it.
func (s *Store) Seed(id string, value interface{}) error {
	f, err := s.mustGet(id)
	if err != nil {
		return err
	}
	converted, err := convertValue(f.cfg.Kind, value)
	if err != nil {
		return fmt.Errorf("field %s: %w", id, err)
	}
	f.mu.Lock()
	f.value = converted
	f.mu.Unlock()
	return nil
}

// MarkTouched flags the field as visited.
func (s *Store) MarkTouched(id string) error {
	f, err := s.mustGet(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.touched = true
	f.mu.Unlock()
	return nil
}

// SetValidating toggles the in-flight validation marker.
func (s *Store) SetValidating(id string, validating bool) error {
	f, err := s.mustGet(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.validating = validating
	f.mu.Unlock()
	return nil
}

// SetError records a validation result. An empty message marks the field
// valid again.
func (s *Store) SetError(id, message string) error {
	f, err := s.mustGet(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.errMsg = message
	f.invalid = message != ""
	f.mu.Unlock()
	return nil
}

// SetDisabled toggles the disabled flag.
func (s *Store) SetDisabled(id string, disabled bool) error {
	f, err := s.mustGet(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.disabled = disabled
	f.mu.Unlock()
	return nil
}

// SetHidden toggles the hidden flag.
func (s *Store) SetHidden(id string, hidden bool) error {
	f, err := s.mustGet(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.hidden = hidden
	f.mu.Unlock()
	return nil
}

// AnyValidating reports whether any field has validation in flight.
func (s *Store) AnyValidating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.fields {
		f.mu.RLock()
		validating := f.validating
		f.mu.RUnlock()
		if validating {
			return true
		}
	}
	return false
}

// Config returns the configuration of a field.
func (s *Store) Config(id string) (config.FieldConfig, error) {
	f, err := s.mustGet(id)
	if err != nil {
		return config.FieldConfig{}, err
	}
	return f.cfg, nil
}

// State returns the current state of a single field.
func (s *Store) State(id string) (State, error) {
	f, err := s.mustGet(id)
	if err != nil {
		return State{}, err
	}
	return f.state(), nil
}

func (f *field) state() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return State{
		ID:         f.cfg.ID,
		Label:      f.cfg.Label,
		Kind:       f.cfg.Kind,
		Value:      f.value,
		Touched:    f.touched,
		Dirty:      f.dirty,
		Validating: f.validating,
		Error:      f.errMsg,
		Invalid:    f.invalid,
		Disabled:   f.disabled,
		Hidden:     f.hidden,
		Source:     f.cfg.Source,
	}
}

func (s *Store) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.fields))
	for id := range s.fields {
		out = append(out, id)
	}
	return out
}

// IDs returns the mounted field ids in sorted order.
func (s *Store) IDs() []string {
	ids := s.ids()
	sort.Strings(ids)
	return ids
}

// States returns every field state sorted by id.
func (s *Store) States() []State {
	ids := s.IDs()
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		state, err := s.State(id)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out
}

// StatesInto writes the current field states into buf, reusing entries and
// dropping ids that no longer exist. A nil buf allocates a fresh map.
func (s *Store) StatesInto(buf map[string]State) map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if buf == nil {
		buf = make(map[string]State, len(s.fields))
	}
	if len(buf) > len(s.fields) {
		for id := range buf {
			if _, exists := s.fields[id]; !exists {
				delete(buf, id)
			}
		}
	}
	for id, f := range s.fields {
		buf[id] = f.state()
	}
	return buf
}

// Values returns a fresh snapshot of all field values.
func (s *Store) Values() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.fields))
	for id, f := range s.fields {
		f.mu.RLock()
		out[id] = f.value
		f.mu.RUnlock()
	}
	return out
}

func convertValue(kind config.FieldKind, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch kind {
	case "":
		return value, nil
	case config.KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		default:
			return nil, fmt.Errorf("expected bool-compatible value, got %T", value)
		}
	case config.KindNumber:
		return convertFloatValue(value)
	case config.KindInteger:
		return convertIntegerValue(value)
	case config.KindDecimal:
		return convertDecimalValue(value)
	case config.KindString:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return nil, fmt.Errorf("expected string value, got %T", value)
		}
	case config.KindDate:
		return convertDateValue(value)
	default:
		return nil, fmt.Errorf("unsupported field kind %q", kind)
	}
}

func convertFloatValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return v, nil
	case float32:
		return convertFloatValue(float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse float from string: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected number-compatible value, got %T", value)
	}
}

func convertIntegerValue(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return int64(v), nil
	case float32:
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse integer from string: %w", err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer-compatible value, got %T", value)
	}
}

func convertDecimalValue(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, fmt.Errorf("decimal pointer is nil")
		}
		return *v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return decimal.Zero, fmt.Errorf("value %d overflows supported range", v)
		}
		return decimal.NewFromInt(int64(v)), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("invalid float value %v", v)
		}
		return decimal.RequireFromString(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case float32:
		return decimal.RequireFromString(strconv.FormatFloat(float64(v), 'f', -1, 32)), nil
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse decimal from string: %w", err)
		}
		return dec, nil
	default:
		return decimal.Zero, fmt.Errorf("expected decimal-compatible value, got %T", value)
	}
}

func convertDateValue(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, fmt.Errorf("date string is empty")
		}
		layouts := []string{time.RFC3339, "2006-01-02", time.RFC3339Nano}
		for _, layout := range layouts {
			parsed, err := time.Parse(layout, v)
			if err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("parse date value %q: unsupported format", v)
	default:
		return time.Time{}, fmt.Errorf("expected date-compatible value, got %T", value)
	}
}
