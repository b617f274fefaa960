package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// entitiesSchema описывает допустимый ответ сервиса извлечения сущностей
// (подмножество JSON-Schema draft 2020-12). Виды сущностей ограничены
// фиксированным набором, смещения — неотрицательные целые.
func entitiesSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"entities"},
		"properties": map[string]any{
			"entities": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"kind", "text", "start", "end"},
					"properties": map[string]any{
						"kind": map[string]any{
							"type": "string",
							"enum": []string{"ITEM", "PRICE", "TOTAL", "TAX", "DISCOUNT", "DATE"},
						},
						"text":  map[string]any{"type": "string"},
						"start": map[string]any{"type": "integer", "minimum": 0},
						"end":   map[string]any{"type": "integer", "minimum": 0},
					},
				},
			},
		},
	}
}

// compileSchema компилирует JSON-Schema из generic-словаря.
func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateAgainst проверяет JSON-документ по скомпилированной схеме.
func validateAgainst(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
