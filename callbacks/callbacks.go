// Package callbacks holds host-provided functions that conditions and
// descriptors can invoke by name. Hosts register Go functions directly;
// configuration files contribute compiled expression callbacks.
package callbacks

import (
	"fmt"
	"sort"
	"sync"

	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/formiclabs/formic/expr"
	"github.com/formiclabs/formic/fields"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]expr.Callback)
)

func Register(name string, fn expr.Callback) {
	if name == "" {
		panic("callback name must not be empty")
	}
	if fn == nil {
		panic("callback function must not be nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("callback %s already registered", name))
	}
	registry[name] = fn
}

func Lookup(name string) (expr.Callback, bool) {
	registryMu.RLock()
	fn, ok := registry[name]
	registryMu.RUnlock()
	return fn, ok
}

func RegisteredIDs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for name := range registry {
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids
}

// Compile turns a configured expression into a callback. The program is
// compiled once; each invocation runs it against a flattened copy of the
// evaluation environment.
func Compile(name, source string) (expr.Callback, error) {
	program, err := exprlang.Compile(source, exprlang.Env(map[string]interface{}{}), exprlang.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile callback %s: %w", name, err)
	}
	return func(env map[string]interface{}) (interface{}, error) {
		out, err := vm.Run(program, flattenEnv(env))
		if err != nil {
			return nil, fmt.Errorf("callback %s: %w", name, err)
		}
		return out, nil
	}, nil
}

// flattenEnv rewrites field wrappers into plain maps. The expression VM
// resolves members through reflection and cannot see through the wrapper's
// metadata accessor, so value and flags are spelled out.
func flattenEnv(env map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(env))
	for key, value := range env {
		out[key] = flattenValue(value)
	}
	return out
}

func flattenValue(value interface{}) interface{} {
	switch v := value.(type) {
	case fields.Wrapper:
		return wrapperMap(v)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(v))
		for key, inner := range v {
			nested[key] = flattenValue(inner)
		}
		return nested
	default:
		return value
	}
}

func wrapperMap(w fields.Wrapper) map[string]interface{} {
	state := w.State()
	out := map[string]interface{}{
		"value":        state.Value,
		"isTouched":    state.Touched,
		"isDirty":      state.Dirty,
		"isValidating": state.Validating,
		"invalid":      state.Invalid,
		"disabled":     state.Disabled,
	}
	if state.Error != "" {
		out["error"] = state.Error
	} else {
		out["error"] = nil
	}
	return out
}
