// File path: internal/review/schema.go
package review

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// decisionPayload mirrors the reasoning collaborator's response contract.
// The strict schema keeps the model from inventing fields or outcomes.
type decisionPayload struct {
	Decision  string     `json:"decision" jsonschema:"enum=keep_together,enum=split,enum=reject"`
	SubGroups [][]string `json:"sub_groups"`
	Rationale string     `json:"rationale"`
}

func decisionSchema() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := reflector.Reflect(decisionPayload{})
	obj, err := schemaToMap(schema)
	if err != nil {
		panic(err)
	}
	ensureStrictCompliance(obj)
	return obj
}

func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	raw, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ensureStrictCompliance rewrites the reflected schema into the shape the
// strict structured-output mode accepts: every object closes additional
// properties and requires all of its fields.
func ensureStrictCompliance(schema map[string]interface{}) {
	if kind, ok := schema["type"].(string); ok && kind == "object" {
		schema["additionalProperties"] = false
		if properties, ok := schema["properties"].(map[string]interface{}); ok {
			required := make([]string, 0, len(properties))
			for name := range properties {
				required = append(required, name)
			}
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if properties, ok := schema["properties"].(map[string]interface{}); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]interface{}); ok {
				ensureStrictCompliance(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		ensureStrictCompliance(items)
	}
}
