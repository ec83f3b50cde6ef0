package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/syncer"
	"github.com/kalambet/tokdash/internal/usage"
)

// NewMCPServer creates an MCP server exposing the ledger to assistants.
// deps.Token is not used: stdio clients are trusted.
func NewMCPServer(deps Deps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"tokdash",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tokdash tracks token usage and cost across AI coding tools on this machine."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("usage_summary",
			mcp.WithDescription("Total tokens, cost and per-model breakdown for a time range."),
			mcp.WithString("since", mcp.Description("Start of range: today, 7d, 36h, 2006-01-02 or RFC 3339 (default 30d)")),
			mcp.WithString("source", mcp.Description("Only this source, e.g. claude or codex")),
			mcp.WithString("model", mcp.Description("Only this model")),
		),
		mcpUsageSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("daily_usage",
			mcp.WithDescription("Per-day token and cost totals in the user's timezone."),
			mcp.WithNumber("days", mcp.Description("Number of days back from today (default 7, max 366)")),
			mcp.WithString("source", mcp.Description("Only this source")),
		),
		mcpDailyUsage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sources",
			mcp.WithDescription("Sources in the ledger with record counts and last activity."),
		),
		mcpListSources(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Scan tool logs for new usage and store it in the ledger."),
			mcp.WithArray("sources", mcp.Description("Sources to sync (default all)"), mcp.WithStringItems()),
			mcp.WithBoolean("full", mcp.Description("Ignore checkpoints and rescan everything")),
		),
		mcpSyncNow(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"usage://stats",
			"Usage Stats",
			mcp.WithResourceDescription("All-time usage totals as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpLocation(deps Deps) *time.Location {
	if deps.Prefs != nil {
		return deps.Prefs.Location()
	}
	return time.UTC
}

func mcpUsageSummary(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		loc := mcpLocation(deps)
		from, err := usage.ParseTime(req.GetString("since", "30d"), deps.now(), loc)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		stats, err := deps.Ledger.QueryStats(storage.Filter{
			Source:   req.GetString("source", ""),
			Model:    req.GetString("model", ""),
			From:     from,
			Location: loc,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpJSON(stats)
	}
}

func mcpDailyUsage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days := req.GetInt("days", 7)
		if days <= 0 {
			days = 7
		}
		if days > 366 {
			days = 366
		}
		loc := mcpLocation(deps)
		from := usage.StartOfDay(deps.now(), loc).AddDate(0, 0, -(days - 1))
		buckets, err := deps.Ledger.DailyStats(storage.Filter{
			Source:   req.GetString("source", ""),
			From:     from,
			Location: loc,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if buckets == nil {
			buckets = []usage.Bucket{}
		}
		return mcpJSON(buckets)
	}
}

func mcpListSources(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sources, err := deps.Ledger.Sources()
		if err != nil {
			return mcpError(fmt.Sprintf("listing sources failed: %v", err)), nil
		}
		if sources == nil {
			sources = []storage.SourceTotals{}
		}
		return mcpJSON(sources)
	}
}

func mcpSyncNow(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Sync == nil {
			return mcpError("sync is not available"), nil
		}
		rep, err := deps.Sync.Run(ctx, syncer.RunOptions{
			Sources: req.GetStringSlice("sources", nil),
			Full:    req.GetBool("full", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpJSON(newSyncResponse(rep))
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Ledger.QueryStats(storage.Filter{Location: mcpLocation(deps)})
		if err != nil {
			return nil, fmt.Errorf("failed to query stats: %w", err)
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
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
