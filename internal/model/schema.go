package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema pins the manifest shape. Structural drift in a
// hand-edited or foreign manifest fails here with a positioned error
// instead of surfacing as a zero-valued field later.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "argosd model manifest",
  "type": "object",
  "required": [
    "format_version", "created_at", "node", "gram_size", "window_ms",
    "dimensions", "windows", "trees", "sample_size", "max_depth",
    "seed", "digests"
  ],
  "properties": {
    "format_version": {"type": "integer", "minimum": 1},
    "created_at": {"type": "string"},
    "node": {"type": "string"},
    "gram_size": {"type": "integer", "minimum": 1},
    "window_ms": {"type": "integer", "minimum": 1},
    "dimensions": {"type": "integer", "minimum": 0},
    "windows": {"type": "integer", "minimum": 1},
    "trees": {"type": "integer", "minimum": 1},
    "sample_size": {"type": "integer", "minimum": 1},
    "max_depth": {"type": "integer", "minimum": 1},
    "seed": {"type": "integer"},
    "corpora": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
    },
    "digests": {
      "type": "object",
      "required": ["vectorizer.json", "forest.json"],
      "properties": {
        "vectorizer.json": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "forest.json": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
      }
    }
  }
}`

var compiledManifestSchema = mustCompileSchema("manifest.schema.json", manifestSchema)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// validateManifest checks raw manifest bytes against the schema.
func validateManifest(data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return compiledManifestSchema.Validate(instance)
}
