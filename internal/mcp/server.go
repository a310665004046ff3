package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/datastack/internal/managed"
	"github.com/dshills/datastack/internal/stack"
)

const (
	// ServerName is the MCP server name
	ServerName = "datastack"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server exposes a persistence stack as MCP tools
type Server struct {
	mcp    *server.MCPServer
	stack  *stack.Stack
	logger *slog.Logger
}

// NewServer creates an MCP server over st. The server does not own the
// stack; the caller closes it after Serve returns.
func NewServer(st *stack.Stack, logger *slog.Logger) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("persistence stack is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion),
		stack:  st,
		logger: logger.With("component", "mcp"),
	}

	// Register tools
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("serving on stdio", "schema", s.stack.SchemaName())
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() error {
	s.mcp.AddTool(stackStatusTool(), s.handleStackStatus)
	s.mcp.AddTool(insertObjectTool(), s.handleInsertObject)
	s.mcp.AddTool(getObjectTool(), s.handleGetObject)
	s.mcp.AddTool(listObjectsTool(), s.handleListObjects)
	s.mcp.AddTool(updateObjectTool(), s.handleUpdateObject)
	s.mcp.AddTool(deleteObjectTool(), s.handleDeleteObject)
	s.mcp.AddTool(saveTool(), s.handleSave)
	s.mcp.AddTool(propagateTool(), s.handlePropagate)
	return nil
}

// contextNamed returns the stack context a tool call targets
func (s *Server) contextNamed(name string) (*managed.Context, error) {
	switch name {
	case "", "main":
		return s.stack.MainContext(), nil
	case "background":
		if c := s.stack.BackgroundContext(); c != nil {
			return c, nil
		}
		return nil, ErrNoBackgroundContext
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownContext, name)
}
