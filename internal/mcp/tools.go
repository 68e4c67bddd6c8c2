package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/service"
)

const (
	defaultRecentLogs = 20
	maxRecentLogs     = 200
)

// registerTools registers the ShipLog tools on srv.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("shiplog_list_keys",
			mcp.WithDescription(
				"List the API keys owned by the current user. Returns each key's id, "+
					"name, display prefix, expiry, and last use. Use this first to find "+
					"the key id whose logs you want to read.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("shiplog_recent_logs",
			mcp.WithDescription(
				"Read the most recent log records ingested under one API key, newest "+
					"first. Records carry level, message, timestamp, prefix, emoji, and "+
					"any metadata the application attached.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the API key, as returned by shiplog_list_keys"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of records to return (default 20, max 200)"),
				mcp.Min(1),
				mcp.Max(maxRecentLogs),
			),
			mcp.WithNumber("offset",
				mcp.Description("Number of newer records to skip for pagination"),
				mcp.Min(0),
			),
		),
		s.handleRecentLogs,
	)
}

type keySummary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	ProjectID  string     `json:"project_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Expired    bool       `json:"expired"`
}

func (s *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := ownerFrom(ctx)
	if owner == "" {
		return toolError("no owner is associated with this MCP session")
	}

	keys, err := s.ownerKeys(ctx, owner)
	if err != nil {
		s.logger.Error("mcp: list keys failed", "owner", owner, "error", err)
		return toolError("failed to list keys")
	}
	return successJSON(map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (s *MCPServer) ownerKeys(ctx context.Context, owner string) ([]keySummary, error) {
	keys, err := s.keys.ListKeysForOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := s.keys.Now()
	out := make([]keySummary, len(keys))
	for i, k := range keys {
		out[i] = keySummary{
			ID:         k.ID,
			Name:       k.Name,
			KeyPrefix:  k.KeyPrefix,
			ProjectID:  k.ProjectID,
			CreatedAt:  k.CreatedAt,
			LastUsedAt: k.LastUsedAt,
			ExpiresAt:  k.ExpiresAt,
			Expired:    k.Expired(now),
		}
	}
	return out, nil
}

func (s *MCPServer) handleRecentLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := ownerFrom(ctx)
	if owner == "" {
		return toolError("no owner is associated with this MCP session")
	}
	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}
	limit := clamp(optionalInt(request, "limit", defaultRecentLogs), 1, maxRecentLogs)
	offset := max(optionalInt(request, "offset", 0), 0)

	records, total, err := s.recentLogs(ctx, owner, keyID, limit, offset)
	if errors.Is(err, service.ErrKeyNotFound) {
		return toolError("API key %q not found", keyID)
	}
	if err != nil {
		s.logger.Error("mcp: recent logs failed", "key_id", keyID, "error", err)
		return toolError("failed to read logs")
	}
	return successJSON(map[string]any{
		"key_id":  keyID,
		"records": records,
		"count":   len(records),
		"total":   total,
	})
}

// recentLogs checks ownership before reading, so a key id belonging to
// someone else reads as not found.
func (s *MCPServer) recentLogs(ctx context.Context, owner, keyID string, limit, offset int) ([]model.LogRecord, int64, error) {
	if _, err := s.keys.GetKeyForOwner(ctx, owner, keyID); err != nil {
		return nil, 0, err
	}
	records, err := s.logs.ListLogs(ctx, keyID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if records == nil {
		records = []model.LogRecord{}
	}
	total, err := s.logs.CountLogs(ctx, keyID)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}
