package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	keysURI       = "shiplog://keys"
	keyLogsPrefix = "shiplog://keys/"
	keyLogsSuffix = "/logs"
)

// registerResources adds read-only resources clients can load into context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			keysURI,
			"API Keys",
			mcp.WithResourceDescription("The current user's API keys."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleKeysResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			keyLogsPrefix+"{keyId}"+keyLogsSuffix,
			"Recent Logs",
			mcp.WithTemplateDescription("The newest log records for one API key."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleKeyLogsResource,
	)
}

func (s *MCPServer) handleKeysResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	owner := ownerFrom(ctx)
	if owner == "" {
		return nil, fmt.Errorf("no owner is associated with this MCP session")
	}
	keys, err := s.ownerKeys(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return jsonContents(keysURI, keys)
}

func (s *MCPServer) handleKeyLogsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	owner := ownerFrom(ctx)
	if owner == "" {
		return nil, fmt.Errorf("no owner is associated with this MCP session")
	}

	uri := request.Params.URI
	keyID, ok := keyIDFromURI(uri)
	if !ok {
		return nil, fmt.Errorf("invalid logs URI %q: expected %s{keyId}%s", uri, keyLogsPrefix, keyLogsSuffix)
	}
	records, _, err := s.recentLogs(ctx, owner, keyID, defaultRecentLogs, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for %q: %w", keyID, err)
	}
	return jsonContents(uri, records)
}

func keyIDFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, keyLogsPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, keyLogsSuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
