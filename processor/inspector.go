package processor

import (
	"encoding/json"
	"net/http"

	"github.com/formiclabs/formic/conditions"
	"github.com/formiclabs/formic/config"
	"github.com/formiclabs/formic/expr"
	"github.com/formiclabs/formic/fields"
)

type inspectorResponse struct {
	Form          string                      `json:"form,omitempty"`
	Fields        []inspectorField            `json:"fields"`
	Verdicts      map[string]inspectorVerdict `json:"verdicts,omitempty"`
	Subscriptions map[string][]string         `json:"subscriptions,omitempty"`
	Generation    uint64                      `json:"generation"`
	Validating    bool                        `json:"validating"`
}

type inspectorField struct {
	ID         string           `json:"id"`
	Label      string           `json:"label,omitempty"`
	Kind       string           `json:"kind"`
	Value      interface{}      `json:"value"`
	Touched    bool             `json:"touched"`
	Dirty      bool             `json:"dirty"`
	Validating bool             `json:"validating"`
	Invalid    bool             `json:"invalid"`
	Disabled   bool             `json:"disabled"`
	Hidden     bool             `json:"hidden"`
	Error      string           `json:"error,omitempty"`
	Source     config.SourceRef `json:"source,omitempty"`
}

type inspectorVerdict struct {
	Disabled *bool       `json:"disabled,omitempty"`
	Visible  *bool       `json:"visible,omitempty"`
	SetValue interface{} `json:"set_value,omitempty"`
}

// Inspector returns a read-only JSON view of the live form: field states,
// current condition verdicts, the subscription graph and the auto-save
// generation counter.
func (f *Form) Inspector() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rt := f.runtime()
		if rt == nil {
			http.Error(w, "form is closed", http.StatusServiceUnavailable)
			return
		}

		states := rt.store.States()
		out := make([]inspectorField, 0, len(states))
		for _, state := range states {
			out = append(out, toInspectorField(state))
		}

		in := conditions.Input{
			States:   rt.store.StatesInto(nil),
			Record:   f.record,
			Defaults: rt.defaults,
			Props:    f.props,
		}
		verdicts := rt.evaluator.Evaluate(rt.rules, in)
		rendered := make(map[string]inspectorVerdict, len(verdicts))
		for id, verdict := range verdicts {
			rendered[id] = toInspectorVerdict(verdict)
		}

		resp := inspectorResponse{
			Form:          rt.cfg.Name,
			Fields:        out,
			Verdicts:      rendered,
			Subscriptions: rt.graph.Edges(),
			Generation:    rt.autosave.Version(),
			Validating:    rt.store.AnyValidating(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			f.logger.Error().Err(err).Msg("encode inspector state")
		}
	})
}

func toInspectorField(state fields.State) inspectorField {
	return inspectorField{
		ID:         state.ID,
		Label:      state.Label,
		Kind:       string(state.Kind),
		Value:      state.Value,
		Touched:    state.Touched,
		Dirty:      state.Dirty,
		Validating: state.Validating,
		Invalid:    state.Invalid,
		Disabled:   state.Disabled,
		Hidden:     state.Hidden,
		Error:      state.Error,
		Source:     state.Source,
	}
}

func toInspectorVerdict(res conditions.Result) inspectorVerdict {
	v := inspectorVerdict{}
	if res.HasDisabled {
		disabled := res.Disabled
		v.Disabled = &disabled
	}
	if res.HasVisible {
		visible := res.Visible
		v.Visible = &visible
	}
	if res.HasSetValue {
		if _, ok := res.SetValue.(expr.Callback); ok {
			v.SetValue = "(callback)"
		} else {
			v.SetValue = res.SetValue
		}
	}
	return v
}
