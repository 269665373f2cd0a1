// Package mcp provides the stdio MCP server exposing synced state to coding
// agents. Every tool works through the service's shared synced stores, so an
// agent that sets a value is one more consumer of it.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/synthlabs/scrybe/internal/buildinfo"
	"github.com/synthlabs/scrybe/internal/service"
)

const getDescription = `Read the current value of a synced state by name. The value reflects local changes and any update the remote owner has sent. Use "path" (JSONPath, e.g. $.devices[0]) to select part of it. A state that does not exist yet is created empty.`

const setDescription = `Replace the value of a synced state. The value must be a JSON document. It is written to persistence and sent to the remote owner; other consumers see the change immediately. Setting a state that does not exist yet creates it.`

const listDescription = `List the names of every synced state this home has persisted.`

// maxValueBytes bounds the JSON accepted by state_set.
const maxValueBytes = 1 << 20

// NewServer creates and registers all state tools on a new MCP server.
// It is separate from Serve so that tests and other callers can obtain a
// fully configured server without committing to the stdio transport.
func NewServer(svc *service.Service) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("scrybe", buildinfo.Version)
	registerTools(s, svc)
	return s
}

// Serve starts the stdio MCP server, blocking until stdin closes.
func Serve(_ context.Context, svc *service.Service) error {
	return mcpserver.ServeStdio(NewServer(svc))
}

// registerTools wires all three MCP tools into the server.
func registerTools(s *mcpserver.MCPServer, svc *service.Service) {
	s.AddTool(mcp.NewTool("state_get",
		mcp.WithDescription(getDescription),
		mcp.WithString("name",
			mcp.Description("State name, e.g. audio_settings."),
			mcp.Required(),
		),
		mcp.WithString("path",
			mcp.Description("Optional JSONPath selecting part of the value."),
		),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGet(ctx, svc, req)
	})

	s.AddTool(mcp.NewTool("state_set",
		mcp.WithDescription(setDescription),
		mcp.WithString("name",
			mcp.Description("State name, e.g. audio_settings."),
			mcp.Required(),
		),
		mcp.WithString("value",
			mcp.Description(`New value as a JSON document, e.g. {"volume":80}.`),
			mcp.Required(),
		),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleSet(ctx, svc, req)
	})

	s.AddTool(mcp.NewTool("state_list",
		mcp.WithDescription(listDescription),
	), func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleList(ctx, svc)
	})
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

func handleGet(ctx context.Context, svc *service.Service, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	st, err := svc.Store(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := service.Select(st.Get(), req.GetString("path", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"name":    name,
		"version": st.Version(),
		"value":   value,
	})
}

func handleSet(ctx context.Context, svc *service.Service, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	raw := req.GetString("value", "")
	if len(raw) > maxValueBytes {
		return mcp.NewToolResultError(fmt.Sprintf("value exceeds %d bytes", maxValueBytes)), nil
	}
	if !json.Valid([]byte(raw)) {
		return mcp.NewToolResultError("value is not valid JSON: " + truncate(svc.Redactor().String(raw), 80)), nil
	}
	if strings.TrimSpace(raw) == "null" {
		return mcp.NewToolResultError("value must not be null"), nil
	}

	st, err := svc.Store(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := st.Set(json.RawMessage(raw)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := st.Flush(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"name":    name,
		"version": st.Version(),
	})
}

func handleList(ctx context.Context, svc *service.Service) (*mcp.CallToolResult, error) {
	names, err := svc.Names(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if names == nil {
		names = make([]string, 0)
	}
	return jsonResult(map[string]any{
		"total": len(names),
		"names": names,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return s
}
