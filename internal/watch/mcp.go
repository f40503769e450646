package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes the remote-device role as MCP tools, so an LLM
// client can watch sessions and answer prompts like any other device.
func NewMCPServer(bridge *Bridge, view *View) *server.MCPServer {
	s := server.NewMCPServer(
		"beacon",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("beacon: watch coding sessions on another device and answer their pending prompts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List currently active sessions on the watched device."),
		),
		mcpListSessions(bridge, view),
	)

	s.AddTool(
		mcp.NewTool("pending_prompts",
			mcp.WithDescription("List prompts that are waiting for a human response."),
		),
		mcpPendingPrompts(bridge, view),
	)

	s.AddTool(
		mcp.NewTool("respond",
			mcp.WithDescription("Submit a response to a pending prompt. The text is routed back into the originating session."),
			mcp.WithString("prompt_id", mcp.Description("ID of the prompt to answer"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Response text"), mcp.Required()),
		),
		mcpRespond(bridge),
	)

	return s
}

func mcpListSessions(bridge *Bridge, view *View) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		bridge.Refresh(ctx)

		type sessionResult struct {
			ID      string `json:"id"`
			Status  string `json:"status"`
			Project string `json:"project"`
			Updated string `json:"updated"`
			Device  string `json:"device"`
		}
		sessions := view.Sessions()
		results := make([]sessionResult, len(sessions))
		for i, s := range sessions {
			results[i] = sessionResult{
				ID:      s.ID,
				Status:  string(s.Status),
				Project: s.Project,
				Updated: s.Timestamp.Format(time.RFC3339),
				Device:  s.SourceDevice,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPendingPrompts(bridge *Bridge, view *View) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		bridge.Refresh(ctx)

		type promptResult struct {
			ID        string `json:"id"`
			SessionID string `json:"session_id"`
			Project   string `json:"project"`
			Message   string `json:"message"`
			Excerpt   string `json:"excerpt,omitempty"`
			Since     string `json:"since"`
		}
		prompts := view.Prompts()
		results := make([]promptResult, len(prompts))
		for i, p := range prompts {
			results[i] = promptResult{
				ID:        p.ID,
				SessionID: p.SessionID,
				Project:   p.Project,
				Message:   p.Message,
				Excerpt:   p.TranscriptExcerpt,
				Since:     p.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal prompts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRespond(bridge *Bridge) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		promptID, err := req.RequireString("prompt_id")
		if err != nil {
			return mcpError("prompt_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		if err := bridge.SubmitResponse(ctx, promptID, text); err != nil {
			return mcpError(fmt.Sprintf("failed to respond: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Response submitted for prompt %s", promptID)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
