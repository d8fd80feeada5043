package config

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaErr   error
)

func compiledSchema() (cue.Value, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		value := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := value.Err(); err != nil {
			schemaErr = fmt.Errorf("compile embedded schema: %w", err)
			return
		}
		schemaValue = value.LookupPath(cue.ParsePath("#Schema"))
		if err := schemaValue.Err(); err != nil {
			schemaErr = fmt.Errorf("resolve schema definition: %w", err)
		}
	})
	return schemaValue, schemaErr
}

// validateDocument checks a raw YAML document against the embedded CUE schema
// before it is decoded. Errors carry the offending file path.
func validateDocument(path string, raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := cueyaml.Validate(raw, schema); err != nil {
		return fmt.Errorf("schema validation %s: %w", path, err)
	}
	return nil
}
