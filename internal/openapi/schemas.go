package openapi

import "github.com/getkin/kin-openapi/openapi3"

func componentSchemas() openapi3.Schemas {
	return openapi3.Schemas{
		"LogEntry": {Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"message"},
			Properties: openapi3.Schemas{
				"level":   withDesc(stringSchema(), "Free-form level. Defaults to info."),
				"message": withDesc(stringSchema(), "Required and non-blank."),
				"timestamp": withDesc(&openapi3.SchemaRef{Value: &openapi3.Schema{
					OneOf: openapi3.SchemaRefs{stringSchema(), {Value: openapi3.NewInt64Schema()}},
				}}, "RFC 3339 or similar text, or Unix milliseconds. Unparseable values become the receive time."),
				"prefix":   stringSchema(),
				"emoji":    stringSchema(),
				"metadata": {Value: &openapi3.Schema{Type: &openapi3.Types{"object"}, Nullable: true}},
				"api_key":  withDesc(stringSchema(), "Used when no Authorization header is sent."),
				"apiKey":   withDesc(stringSchema(), "Alternate spelling of api_key."),
			},
		}},
		"LogRecord": {Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"id", "api_key_id", "level", "message", "timestamp"},
			Properties: openapi3.Schemas{
				"id":         {Value: openapi3.NewInt64Schema()},
				"api_key_id": stringSchema(),
				"level":      stringSchema(),
				"message":    stringSchema(),
				"timestamp":  dateTimeSchema(),
				"prefix":     stringSchema(),
				"emoji":      stringSchema(),
				"metadata":   {Value: &openapi3.Schema{Type: &openapi3.Types{"object"}, Nullable: true}},
			},
		}},
		"APIKey": {Value: apiKeySchema()},
		"CreatedKey": {Value: &openapi3.Schema{
			AllOf: openapi3.SchemaRefs{
				ref("APIKey"),
				{Value: &openapi3.Schema{
					Type:       &openapi3.Types{"object"},
					Required:   []string{"key"},
					Properties: openapi3.Schemas{"key": withDesc(stringSchema(), "Plaintext key. Shown once.")},
				}},
			},
		}},
		"CreateKeyRequest": {Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"name"},
			Properties: openapi3.Schemas{
				"name":        stringSchema(),
				"description": stringSchema(),
				"project_id":  stringSchema(),
				"expires_in_days": {Value: &openapi3.Schema{
					Type:        &openapi3.Types{"integer"},
					Min:         openapi3.Float64Ptr(1),
					Max:         openapi3.Float64Ptr(3650),
					Nullable:    true,
					Description: "Omit or null for a key that never expires.",
				}},
			},
		}},
		"IngestResponse": {Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"success"},
			Properties: openapi3.Schemas{
				"success": {Value: openapi3.NewBoolSchema()},
				"count":   withDesc(&openapi3.SchemaRef{Value: openapi3.NewIntegerSchema()}, "Present for batch requests."),
			},
		}},
		"ResponseMeta": {Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count":  {Value: openapi3.NewIntegerSchema()},
				"total":  {Value: openapi3.NewInt64Schema()},
				"limit":  {Value: openapi3.NewIntegerSchema()},
				"offset": {Value: openapi3.NewIntegerSchema()},
			},
		}},
		"ErrorResponse": {Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"error"},
			Properties: openapi3.Schemas{
				"error":   stringSchema(),
				"details": stringSchema(),
			},
		}},
	}
}

func apiKeySchema() *openapi3.Schema {
	nullableTime := func() *openapi3.SchemaRef {
		s := openapi3.NewDateTimeSchema()
		s.Nullable = true
		return s.NewRef()
	}
	return &openapi3.Schema{
		Type:     &openapi3.Types{"object"},
		Required: []string{"id", "key_prefix", "name", "created_at", "updated_at"},
		Properties: openapi3.Schemas{
			"id":           stringSchema(),
			"key_prefix":   withDesc(stringSchema(), "Leading characters of the key, for display."),
			"name":         stringSchema(),
			"description":  stringSchema(),
			"user_id":      stringSchema(),
			"project_id":   stringSchema(),
			"created_at":   dateTimeSchema(),
			"updated_at":   dateTimeSchema(),
			"last_used_at": nullableTime(),
			"expires_at":   nullableTime(),
			"deleted_at":   nullableTime(),
		},
	}
}

func stringSchema() *openapi3.SchemaRef {
	return openapi3.NewStringSchema().NewRef()
}

func dateTimeSchema() *openapi3.SchemaRef {
	return openapi3.NewDateTimeSchema().NewRef()
}

func withDesc(s *openapi3.SchemaRef, desc string) *openapi3.SchemaRef {
	s.Value.Description = desc
	return s
}
