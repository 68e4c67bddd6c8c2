// Package openapi describes shiplog's HTTP surface as an OpenAPI 3 document.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Version is the OpenAPI document format emitted.
const Version = "3.0.3"

// Generate builds the document for the ingestion, streaming, and key
// management endpoints. apiVersion is the shiplog release.
func Generate(baseURL, apiVersion string) *openapi3.T {
	if apiVersion == "" {
		apiVersion = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: Version,
		Info: &openapi3.Info{
			Title:       "shiplog API",
			Description: "Log ingestion, live log streaming, and API key management.",
			Version:     apiVersion,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKeyBearer": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:        "http",
				Scheme:      "bearer",
				Description: "A sk_live_ API key.",
			},
		},
		"apiKeyQuery": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type: "apiKey",
				In:   "query",
				Name: "key",
			},
		},
		"ownerToken": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "HS256 owner token whose subject is the key owner's user id.",
			},
		},
	}
	doc.Components = &components

	doc.Paths = openapi3.NewPaths()
	addIngestPaths(doc)
	addStreamPaths(doc)
	addKeyPaths(doc)
	return doc
}

func addIngestPaths(doc *openapi3.T) {
	entryRef := ref("LogEntry")
	body := &openapi3.SchemaRef{Value: &openapi3.Schema{
		OneOf: openapi3.SchemaRefs{
			entryRef,
			{Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: entryRef}},
		},
	}}

	post := &openapi3.Operation{
		Tags:        []string{"ingest"},
		Summary:     "Ingest one log event or a batch",
		Description: "The key is read from the Authorization header, else the body's api_key, else apiKey.",
		OperationID: "ingestLogs",
		Security:    &openapi3.SecurityRequirements{{"apiKeyBearer": {}}, {}},
		RequestBody: &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(body),
			},
		},
		Responses: newResponses("200", "Stored", ref("IngestResponse"), "400", "401", "413", "500"),
	}

	get := &openapi3.Operation{
		Tags:        []string{"ingest"},
		Summary:     "Acknowledge the ingestion endpoint",
		OperationID: "ingestAck",
		Responses: newResponses("200", "Acknowledgement", &openapi3.SchemaRef{
			Value: &openapi3.Schema{Type: &openapi3.Types{"object"}},
		}),
	}

	doc.Paths.Set("/v1", &openapi3.PathItem{Get: get, Post: post})
}

func addStreamPaths(doc *openapi3.T) {
	params := openapi3.Parameters{
		queryParam("key", "API key. An Authorization Bearer header is also accepted.", stringSchema()),
		queryParam("since", "\"now\" or an RFC 3339 time. Records at or before it are skipped.", stringSchema()),
		&openapi3.ParameterRef{Value: openapi3.NewHeaderParameter("Last-Event-ID").
			WithDescription("Resume after this event id.").
			WithSchema(openapi3.NewStringSchema())},
	}
	security := &openapi3.SecurityRequirements{{"apiKeyQuery": {}}, {"apiKeyBearer": {}}}

	sseDesc := "Event stream. Each event carries a LogRecord as data and a resumable id."
	sseResponses := newResponses("", "", nil, "400", "401")
	sseResponses.Set("200", &openapi3.ResponseRef{Value: &openapi3.Response{
		Description: &sseDesc,
		Content: openapi3.Content{
			"text/event-stream": &openapi3.MediaType{Schema: openapi3.NewStringSchema().NewRef()},
		},
	}})
	doc.Paths.Set("/api/sse", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"stream"},
		Summary:     "Stream a key's logs as Server-Sent Events",
		OperationID: "streamSSE",
		Parameters:  params,
		Security:    security,
		Responses:   sseResponses,
	}})

	wsDesc := "Switching to WebSocket. Each text frame is a JSON LogRecord."
	wsResponses := newResponses("", "", nil, "400", "401")
	wsResponses.Set("101", &openapi3.ResponseRef{Value: &openapi3.Response{Description: &wsDesc}})
	doc.Paths.Set("/api/ws", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"stream"},
		Summary:     "Stream a key's logs over WebSocket",
		OperationID: "streamWebSocket",
		Parameters:  params,
		Security:    security,
		Responses:   wsResponses,
	}})
}

func addKeyPaths(doc *openapi3.T) {
	security := &openapi3.SecurityRequirements{{"ownerToken": {}}}
	keyIDParam := &openapi3.ParameterRef{Value: openapi3.NewPathParameter("keyId").
		WithDescription("API key id.").
		WithSchema(openapi3.NewStringSchema())}

	doc.Paths.Set("/api/v1/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List the owner's keys",
			OperationID: "listKeys",
			Security:    security,
			Responses:   newResponses("200", "Keys, newest first", listOf(ref("APIKey")), "401", "500"),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Create a key",
			Description: "The plaintext key is returned once and cannot be retrieved again.",
			OperationID: "createKey",
			Security:    security,
			RequestBody: &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(ref("CreateKeyRequest")),
			}},
			Responses: newResponses("201", "Created", ref("CreatedKey"), "400", "401", "500"),
		},
	})

	doc.Paths.Set("/api/v1/keys/options", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "List the expiry choices for new keys",
		OperationID: "keyExpiryOptions",
		Security:    security,
		Responses: newResponses("200", "Expiry choices in days; null means never", &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"expires_in_days": {Value: &openapi3.Schema{
					Type:  &openapi3.Types{"array"},
					Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Nullable: true}},
				}},
			},
		}}, "401"),
	}})

	doc.Paths.Set("/api/v1/keys/test", &openapi3.PathItem{Post: &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Create a seven-day test key",
		OperationID: "createTestKey",
		Security:    security,
		Responses: newResponses("201", "Created", &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Required:   []string{"key"},
			Properties: openapi3.Schemas{"key": stringSchema()},
		}}, "401", "500"),
	}})

	doc.Paths.Set("/api/v1/keys/{keyId}", &openapi3.PathItem{Delete: &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Revoke a key",
		Description: "Revocation is a soft delete and is idempotent. Open streams for the key end on their next cycle.",
		OperationID: "revokeKey",
		Parameters:  openapi3.Parameters{keyIDParam},
		Security:    security,
		Responses: newResponses("200", "Revoked", &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"success": {Value: openapi3.NewBoolSchema()},
				"id":      stringSchema(),
			},
		}}, "401", "404", "500"),
	}})

	doc.Paths.Set("/api/v1/keys/{keyId}/logs", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"keys"},
		Summary:     "Page through a key's stored logs, newest first",
		OperationID: "listKeyLogs",
		Parameters: openapi3.Parameters{
			keyIDParam,
			queryParam("limit", "Page size, 1 to 500. Default 50.", &openapi3.SchemaRef{Value: openapi3.NewIntegerSchema()}),
			queryParam("offset", "Records to skip.", &openapi3.SchemaRef{Value: openapi3.NewIntegerSchema()}),
		},
		Security:  security,
		Responses: newResponses("200", "Logs", listOf(ref("LogRecord")), "401", "404", "500"),
	}})
}

// newResponses builds a success response plus the listed error statuses,
// all sharing the ErrorResponse schema. An empty status skips the success
// entry for callers that set a non-JSON one themselves.
func newResponses(status, description string, schema *openapi3.SchemaRef, errorStatuses ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	unexpected := "Unexpected error"
	responses.Set("default", &openapi3.ResponseRef{Value: &openapi3.Response{
		Description: &unexpected,
		Content:     openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse")),
	}})

	if status != "" {
		desc := description
		responses.Set(status, &openapi3.ResponseRef{Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		}})
	}

	errorRef := ref("ErrorResponse")
	for _, code := range errorStatuses {
		desc := errorDescriptions[code]
		responses.Set(code, &openapi3.ResponseRef{Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		}})
	}
	return responses
}

var errorDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Unauthorized",
	"404": "Not found",
	"413": "Request body too large",
	"500": "Internal server error",
}

func queryParam(name, description string, schema *openapi3.SchemaRef) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: openapi3.NewQueryParameter(name).
		WithDescription(description).
		WithSchema(schema.Value)}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func listOf(item *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: openapi3.Schemas{
			"resource": {Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: item}},
			"meta":     ref("ResponseMeta"),
		},
	}}
}
