package fields

// Context assembles the evaluation environment for expressions. Every field
// is reachable both through the qualified namespaces and as an unqualified
// wrapper shortcut. Qualified namespaces win name collisions.
func Context(states map[string]State, record, defaults, props map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(states)+7)
	wrappers := make(map[string]interface{}, len(states))
	touched := make(map[string]interface{}, len(states))
	dirty := make(map[string]interface{}, len(states))
	errs := make(map[string]interface{})

	for id, state := range states {
		w := Wrap(state)
		wrappers[id] = w
		env[id] = w
		touched[id] = state.Touched
		dirty[id] = state.Dirty
		if state.Error != "" {
			errs[id] = state.Error
		}
	}

	if record == nil {
		record = map[string]interface{}{}
	}
	if defaults == nil {
		defaults = map[string]interface{}{}
	}
	if props == nil {
		props = map[string]interface{}{}
	}

	env["fields"] = wrappers
	env["record"] = record
	env["errors"] = errs
	env["defaultValues"] = defaults
	env["touchedFields"] = touched
	env["dirtyFields"] = dirty
	env["props"] = props
	return env
}
