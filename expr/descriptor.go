package expr

// Callback is an opaque host function a schema references in place of an
// expression string. The engine treats callbacks as data: descriptors
// return them unchanged and the caller decides when to invoke them with
// the full evaluation environment.
type Callback func(env map[string]interface{}) (interface{}, error)

// EvaluateDescriptor resolves a value descriptor against env. Strings
// evaluate as expressions, slices and maps resolve element-wise with keys
// and positions preserved, and everything else, callbacks included, passes
// through untouched.
func (e *Engine) EvaluateDescriptor(descriptor interface{}, env map[string]interface{}) interface{} {
	switch v := descriptor.(type) {
	case string:
		return e.Evaluate(v, env)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, element := range v {
			out[i] = e.EvaluateDescriptor(element, env)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, element := range v {
			out[key] = e.EvaluateDescriptor(element, env)
		}
		return out
	}
	return descriptor
}

// EvaluateDescriptor resolves a descriptor on the shared default engine.
func EvaluateDescriptor(descriptor interface{}, env map[string]interface{}) interface{} {
	return defaultEngine.EvaluateDescriptor(descriptor, env)
}
