package definition

import (
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchema is the structural contract for definition content. It only
// pins down what the controller itself consumes: the backend declaration and
// the output-to-construct-path mapping. Resource bodies are opaque to us and
// pass through to the engine untouched.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "backend": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["local", "remote"]},
        "remote": {
          "type": "object",
          "properties": {
            "address": {"type": "string", "minLength": 1},
            "workspace": {"type": "string", "minLength": 1},
            "token": {"type": "string"}
          },
          "required": ["address", "workspace"]
        }
      },
      "required": ["type"]
    },
    "outputs": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "constructPath": {
            "type": "array",
            "items": {"type": "string", "minLength": 1}
          },
          "sensitive": {"type": "boolean"}
        },
        "required": ["constructPath"]
      }
    },
    "resources": {"type": "object"}
  }
}`

var contentSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		panic(err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("stacklift://definition.schema.json", doc); err != nil {
		panic(err)
	}

	schema, err := compiler.Compile("stacklift://definition.schema.json")
	if err != nil {
		panic(err)
	}
	return schema
}
