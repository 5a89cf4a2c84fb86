package model

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects T into the inline object schema tools advertise to the model.
func SchemaFor[T any]() (JSONSchema, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var value T
	raw, err := json.Marshal(reflector.Reflect(value))
	if err != nil {
		return nil, err
	}

	var schema JSONSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema, nil
}
