package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/driftwatch/internal/health"
	"github.com/kalambet/driftwatch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Health   *health.Service
	Searcher ChunkSearcher // optional; search_evidence is not registered without it
}

// NewMCPServer creates an MCP server exposing pack health, impacts and
// conflicts as read-only tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"driftwatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("driftwatch tracks how changes in evidence sources affect requirement packs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("pack_health",
			mcp.WithDescription("Current health score, status and factor breakdown of a requirement pack."),
			mcp.WithString("pack_id", mcp.Description("Pack ID"), mcp.Required()),
			mcp.WithBoolean("history", mcp.Description("Include recent snapshots")),
		),
		mcpPackHealth(deps),
	)

	s.AddTool(
		mcp.NewTool("list_impacts",
			mcp.WithDescription("Change impacts recorded against a pack, newest first."),
			mcp.WithString("pack_id", mcp.Description("Pack ID"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of impacts (default 10)")),
		),
		mcpListImpacts(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conflicts",
			mcp.WithDescription("Contradictions detected between evidence chunks of a project."),
			mcp.WithString("project_id", mcp.Description("Project ID"), mcp.Required()),
		),
		mcpListConflicts(deps),
	)

	if deps.Searcher != nil {
		s.AddTool(
			mcp.NewTool("search_evidence",
				mcp.WithDescription("Semantically search a project's evidence chunks."),
				mcp.WithString("project_id", mcp.Description("Project ID"), mcp.Required()),
				mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
				mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			),
			mcpSearchEvidence(deps),
		)
	}

	return s
}

func mcpPackHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		packID, err := req.RequireString("pack_id")
		if err != nil {
			return mcpError("pack_id is required"), nil
		}
		snap, err := deps.Health.Current(ctx, packID)
		if err != nil {
			return mcpLookupError("pack", packID, err), nil
		}
		out := map[string]any{"health": toHealthView(snap)}
		if req.GetBool("history", false) {
			snaps, err := deps.Health.History(ctx, packID, 10)
			if err != nil {
				return mcpError(fmt.Sprintf("loading history: %v", err)), nil
			}
			out["history"] = mapSlice(snaps, toHealthView)
		}
		return mcpJSON(out)
	}
}

func mcpListImpacts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		packID, err := req.RequireString("pack_id")
		if err != nil {
			return mcpError("pack_id is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if _, err := deps.Store.GetPack(ctx, packID); err != nil {
			return mcpLookupError("pack", packID, err), nil
		}
		impacts, err := deps.Store.ListImpactsForPack(ctx, packID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing impacts: %v", err)), nil
		}
		if len(impacts) == 0 {
			return mcpText("No impacts recorded for this pack."), nil
		}
		return mcpJSON(mapSlice(impacts, toImpactView))
	}
}

func mcpListConflicts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		if _, err := deps.Store.GetProject(ctx, projectID); err != nil {
			return mcpLookupError("project", projectID, err), nil
		}
		conflicts, err := deps.Store.ListConflicts(ctx, projectID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing conflicts: %v", err)), nil
		}
		if len(conflicts) == 0 {
			return mcpText("No conflicts detected in this project."), nil
		}
		return mcpJSON(mapSlice(conflicts, toConflictView))
	}
}

func mcpSearchEvidence(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		hits, err := deps.Searcher.Search(ctx, projectID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("No matching evidence found."), nil
		}
		return mcpJSON(mapSlice(hits, toHitView))
	}
}

func mcpLookupError(kind, id string, err error) *mcp.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return mcpError(fmt.Sprintf("%s %s not found", kind, id))
	}
	return mcpError(fmt.Sprintf("loading %s: %v", kind, err))
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
