package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/server/middleware"
	"github.com/shipkit/shiplog/internal/service"
)

// ServerName is reported to MCP clients during initialization.
const ServerName = "ShipLog"

// LogReader is the read side of the log store the tools page through.
type LogReader interface {
	ListLogs(ctx context.Context, keyID string, limit, offset int) ([]model.LogRecord, error)
	CountLogs(ctx context.Context, keyID string) (int64, error)
}

// MCPServer exposes an owner's API keys and their recent logs as read-only
// MCP tools and resources so AI agents can inspect live applications.
type MCPServer struct {
	keys   *service.KeyService
	logs   LogReader
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer with all tools and resources
// registered. Every call is scoped to the owner carried in its context;
// see WithOwner.
func NewMCPServer(keys *service.KeyService, logs LogReader, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		keys:   keys,
		logs:   logs,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go server.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over stdin/stdout on behalf of ownerID. This is the
// path used when an MCP client launches `shiplog mcp` as a subprocess.
func (s *MCPServer) ServeStdio(ownerID string) error {
	s.logger.Info("starting MCP server in stdio mode", "owner", ownerID)
	return server.ServeStdio(s.server, server.WithStdioContextFunc(func(ctx context.Context) context.Context {
		return WithOwner(ctx, ownerID)
	}))
}

// HTTPHandler returns a Streamable HTTP handler. The owner is taken from
// the request context, so mount it behind middleware.RequireOwner.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if owner := middleware.GetOwner(r.Context()); owner != nil {
				return WithOwner(ctx, owner.UserID)
			}
			return ctx
		}),
	)
}

// ServeHTTP serves Streamable HTTP MCP on addr for a single fixed owner.
func (s *MCPServer) ServeHTTP(addr, ownerID string) error {
	httpServer := server.NewStreamableHTTPServer(s.server,
		server.WithHTTPContextFunc(func(ctx context.Context, _ *http.Request) context.Context {
			return WithOwner(ctx, ownerID)
		}),
	)
	s.logger.Info("MCP HTTP server starting", "addr", addr, "owner", ownerID)
	return httpServer.Start(addr)
}

type ownerKey struct{}

// WithOwner scopes MCP calls made with ctx to userID.
func WithOwner(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, userID)
}

func ownerFrom(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
