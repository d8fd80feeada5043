package callbacks

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/formiclabs/formic/fields"
)

func TestRegisterAndLookup(t *testing.T) {
	Register("test_lookup_probe", func(env map[string]interface{}) (interface{}, error) {
		return env["record"], nil
	})

	fn, ok := Lookup("test_lookup_probe")
	require.True(t, ok)
	out, err := fn(map[string]interface{}{"record": "payload"})
	require.NoError(t, err)
	require.Equal(t, "payload", out)

	_, ok = Lookup("never_registered")
	require.False(t, ok)
	require.Contains(t, RegisteredIDs(), "test_lookup_probe")
}

func TestRegisterRejectsBadInput(t *testing.T) {
	require.Panics(t, func() { Register("", func(map[string]interface{}) (interface{}, error) { return nil, nil }) })
	require.Panics(t, func() { Register("test_nil_fn", nil) })

	Register("test_duplicate_probe", func(map[string]interface{}) (interface{}, error) { return nil, nil })
	require.Panics(t, func() {
		Register("test_duplicate_probe", func(map[string]interface{}) (interface{}, error) { return nil, nil })
	})
}

func TestCompileRunsAgainstEnvironment(t *testing.T) {
	fn, err := Compile("vat", `record.net * 0.19`)
	require.NoError(t, err)

	out, err := fn(map[string]interface{}{
		"record": map[string]interface{}{"net": 100.0},
	})
	require.NoError(t, err)
	require.InDelta(t, 19.0, out, 1e-9)
}

func TestCompileFlattensFieldWrappers(t *testing.T) {
	fn, err := Compile("country_check", `fields.country.value == "DE" && !fields.country.invalid`)
	require.NoError(t, err)

	env := fields.Context(map[string]fields.State{
		"country": {ID: "country", Value: "DE"},
	}, nil, nil, nil)

	out, err := fn(env)
	require.NoError(t, err)
	require.Equal(t, true, out)
}

func TestCompileReportsSyntaxErrors(t *testing.T) {
	_, err := Compile("broken", `record.net >`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")
}

func TestCompiledCallbackReportsRuntimeErrors(t *testing.T) {
	fn, err := Compile("divide", `1 / record.divisor`)
	require.NoError(t, err)

	_, err = fn(map[string]interface{}{
		"record": map[string]interface{}{"divisor": 0},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "divide")
}
