package fields

// Wrapper exposes a field's value together with its metadata to expressions.
// Known metadata keys resolve to the corresponding state flags, anything else
// is delegated to the raw value by the expression runtime.
type Wrapper struct {
	state State
}

// Wrap builds a wrapper around a field state snapshot.
func Wrap(state State) Wrapper {
	return Wrapper{state: state}
}

// Unwrap returns the raw field value.
func (w Wrapper) Unwrap() interface{} {
	return w.state.Value
}

// State returns the wrapped snapshot.
func (w Wrapper) State() State {
	return w.state
}

// Get resolves a metadata key. The second return reports whether the key is
// one of the wrapper's own properties; callers fall back to indexing the raw
// value when it is not.
func (w Wrapper) Get(key string) (interface{}, bool) {
	switch key {
	case "value":
		return w.state.Value, true
	case "isTouched":
		return w.state.Touched, true
	case "isDirty":
		return w.state.Dirty, true
	case "isValidating":
		return w.state.Validating, true
	case "error":
		if w.state.Error == "" {
			return nil, true
		}
		return w.state.Error, true
	case "invalid":
		return w.state.Invalid, true
	case "disabled":
		return w.state.Disabled, true
	}
	return nil, false
}
