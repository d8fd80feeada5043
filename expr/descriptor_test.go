package expr

import "testing"

func TestEvaluateDescriptorString(t *testing.T) {
	env := map[string]interface{}{"price": 2.0, "quantity": 3.0}
	if got := EvaluateDescriptor("price * quantity", env); got != 6.0 {
		t.Fatalf("expected 6, got %v", got)
	}
}

func TestEvaluateDescriptorPlainValues(t *testing.T) {
	for _, descriptor := range []interface{}{nil, 42, true, 1.5} {
		if got := EvaluateDescriptor(descriptor, nil); got != descriptor {
			t.Fatalf("expected %v unchanged, got %v", descriptor, got)
		}
	}
}

func TestEvaluateDescriptorCallbackPassesThrough(t *testing.T) {
	cb := Callback(func(map[string]interface{}) (interface{}, error) { return "later", nil })
	got := EvaluateDescriptor(cb, nil)
	fn, ok := got.(Callback)
	if !ok {
		t.Fatalf("expected the callback back, got %T", got)
	}
	value, err := fn(nil)
	if err != nil || value != "later" {
		t.Fatalf("callback identity lost: %v %v", value, err)
	}
}

func TestEvaluateDescriptorNested(t *testing.T) {
	env := map[string]interface{}{"a": 1.0, "b": 2.0, "on": true}
	descriptor := map[string]interface{}{
		"sum":    "a + b",
		"flag":   "on",
		"static": "'text'",
		"raw":    7,
		"list":   []interface{}{"a", nil, "b * 2"},
	}
	got, ok := EvaluateDescriptor(descriptor, env).(map[string]interface{})
	if !ok {
		t.Fatalf("expected a map result")
	}
	if got["sum"] != 3.0 || got["flag"] != true || got["static"] != "text" || got["raw"] != 7 {
		t.Fatalf("unexpected result %#v", got)
	}
	list, ok := got["list"].([]interface{})
	if !ok || len(list) != 3 {
		t.Fatalf("expected a 3 element list, got %#v", got["list"])
	}
	if list[0] != 1.0 || list[1] != nil || list[2] != 4.0 {
		t.Fatalf("unexpected list %#v", list)
	}
}
