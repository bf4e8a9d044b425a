package state

import (
	"encoding/json"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator compiles a JSON Schema and returns a validation
// predicate suitable for WithValidator. The error return is non-nil
// only when the schema itself is invalid.
func SchemaValidator(schema []byte) (func(any) bool, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return nil, err
	}
	return func(value any) bool {
		// Round-trip through JSON so typed values validate the same
		// way their stored representation will.
		b, err := json.Marshal(value)
		if err != nil {
			return false
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return false
		}
		return sch.Validate(v) == nil
	}, nil
}
