package mcp

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/batalabs/masix/internal/provider"
)

// ToToolSpec converts an MCP Tool to a provider.ToolSpec with a
// namespaced "server_tool" name.
func ToToolSpec(serverName string, tool *mcpsdk.Tool) provider.ToolSpec {
	spec := provider.ToolSpec{
		Name:        NamespacedName(serverName, tool.Name),
		Description: tool.Description,
	}

	schema := schemaMap(tool.InputSchema)
	if schema == nil {
		return spec
	}

	props, required := extractProperties(schema)
	spec.Properties = props
	spec.Required = required
	return spec
}

// schemaMap returns the input schema as a generic JSON object. Schemas
// received over the wire are already maps; typed schemas are round-tripped
// through JSON. Returns nil when the schema is absent or not an object.
func schemaMap(raw any) map[string]any {
	switch s := raw.(type) {
	case nil:
		return nil
	case map[string]any:
		return s
	case json.RawMessage:
		var m map[string]any
		if json.Unmarshal(s, &m) != nil {
			return nil
		}
		return m
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return nil
		}
		var m map[string]any
		if json.Unmarshal(data, &m) != nil {
			return nil
		}
		return m
	}
}

// extractProperties extracts properties and required fields from a JSON Schema map.
func extractProperties(schema map[string]any) (map[string]provider.ToolProp, []string) {
	props := map[string]provider.ToolProp{}

	if propsMap, ok := schema["properties"].(map[string]any); ok {
		for name, raw := range propsMap {
			propMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			props[name] = convertProp(propMap)
		}
	}

	return props, stringList(schema["required"])
}

// stringList returns the string elements of a JSON array.
func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, r := range list {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// convertProp converts a single JSON Schema property map to a ToolProp.
func convertProp(propMap map[string]any) provider.ToolProp {
	tp := provider.ToolProp{}

	switch t := propMap["type"].(type) {
	case string:
		tp.Type = t
	case []any:
		// Nullable unions such as ["string", "null"] keep the first real type.
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				tp.Type = s
				break
			}
		}
	}
	if tp.Type == "" {
		// Fallback for complex types (oneOf, anyOf, allOf).
		tp.Type = "object"
	}

	if d, ok := propMap["description"].(string); ok {
		tp.Description = d
	}

	if enumList, ok := propMap["enum"].([]any); ok {
		for _, e := range enumList {
			tp.Enum = append(tp.Enum, fmt.Sprintf("%v", e))
		}
	}

	// Handle array items
	if tp.Type == "array" {
		if items, ok := propMap["items"].(map[string]any); ok {
			itemProp := convertProp(items)
			tp.Items = &itemProp
		}
	}

	// Handle nested object properties
	if tp.Type == "object" {
		if nested, ok := propMap["properties"].(map[string]any); ok {
			tp.Properties = map[string]provider.ToolProp{}
			for name, raw := range nested {
				if pm, ok := raw.(map[string]any); ok {
					tp.Properties[name] = convertProp(pm)
				}
			}
		}
		tp.Required = stringList(propMap["required"])
	}

	return tp
}
