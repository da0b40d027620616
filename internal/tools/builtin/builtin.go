// Package builtin holds the in-process tool services: the todo list
// and the user-question tool. Argument schemas are reflected from Go
// structs so the advertised catalog never drifts from the decoder.
package builtin

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// ReflectSchema produces an inline JSON Schema for a tool argument
// struct: no $ref indirection, required derived from jsonschema tags.
func ReflectSchema[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := r.Reflect(new(T))
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// DecodeArgs re-marshals a dispatch argument map into a typed struct.
func DecodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
