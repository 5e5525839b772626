package provider

import "github.com/sandboxd/coordinator/pkg/schema"

// convertJSONSchema maps a provider's raw JSON-schema-shaped tool input
// description (as produced by mcp-go's mcp.ToolInputSchema, already decoded
// to a generic map) into this module's own recursive schema.Schema dialect.
// Unrecognized or malformed nodes degrade to schema.PrimitiveAny rather than
// failing the whole conversion, since a provider's advertised schema is
// best-effort documentation, not a contract we enforce ourselves.
func convertJSONSchema(raw map[string]any) *schema.Schema {
	if raw == nil {
		return &schema.Schema{Kind: schema.KindPrimitive, Primitive: schema.PrimitiveAny}
	}

	typ, _ := raw["type"].(string)

	switch typ {
	case "object":
		fields := map[string]*schema.Schema{}
		if props, ok := raw["properties"].(map[string]any); ok {
			for name, p := range props {
				if pm, ok := p.(map[string]any); ok {
					fields[name] = convertJSONSchema(pm)
				}
			}
		}
		s := &schema.Schema{Kind: schema.KindRecord, Fields: fields}
		if req, ok := raw["required"].([]any); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					s.Required = append(s.Required, name)
				}
			}
		}
		if desc, ok := raw["description"].(string); ok {
			s.Description = desc
		}
		return s

	case "array":
		item := &schema.Schema{Kind: schema.KindPrimitive, Primitive: schema.PrimitiveAny}
		if items, ok := raw["items"].(map[string]any); ok {
			item = convertJSONSchema(items)
		}
		return &schema.Schema{Kind: schema.KindList, Item: item}

	case "string":
		s := &schema.Schema{Kind: schema.KindPrimitive, Primitive: schema.PrimitiveString}
		if enum, ok := raw["enum"].([]any); ok && len(enum) > 0 {
			values := make([]string, 0, len(enum))
			for _, v := range enum {
				if sv, ok := v.(string); ok {
					values = append(values, sv)
				}
			}
			return &schema.Schema{Kind: schema.KindEnum, Enum: values}
		}
		return s

	case "integer":
		return &schema.Schema{Kind: schema.KindPrimitive, Primitive: schema.PrimitiveInt}

	case "number":
		return &schema.Schema{Kind: schema.KindPrimitive, Primitive: schema.PrimitiveFloat}

	case "boolean":
		return &schema.Schema{Kind: schema.KindPrimitive, Primitive: schema.PrimitiveBool}

	default:
		return &schema.Schema{Kind: schema.KindPrimitive, Primitive: schema.PrimitiveAny}
	}
}
