package config

import (
	"encoding/json"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate checks instance (a raw JSON document) against the given JSON
// Schema document, aborting the process on failure — configuration errors
// are not recoverable at runtime.
func Validate(schema string, instance json.RawMessage) {
	sch, err := jsonschema.CompileString("schema.json", schema)
	if err != nil {
		blog.Fatalf("config: invalid schema: %v", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		blog.Fatal(err)
	}

	if err := sch.Validate(v); err != nil {
		blog.Fatalf("config: %v", err)
	}
}
