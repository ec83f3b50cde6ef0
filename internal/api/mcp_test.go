package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/tokdash/internal/storage"
	"github.com/kalambet/tokdash/internal/syncer"
	"github.com/kalambet/tokdash/internal/usage"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_UsageSummary(t *testing.T) {
	deps, _, _ := newTestDeps(t)

	result, err := mcpUsageSummary(deps)(context.Background(), makeCallToolRequest("usage_summary", map[string]interface{}{
		"since":  "7d",
		"source": "claude",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var stats usage.Stats
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if stats.Records != 2 || len(stats.ByModel) != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMCPTool_UsageSummary_BadSince(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	result, err := mcpUsageSummary(deps)(context.Background(), makeCallToolRequest("usage_summary", map[string]interface{}{
		"since": "last tuesday",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPTool_DailyUsage(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	result, err := mcpDailyUsage(deps)(context.Background(), makeCallToolRequest("daily_usage", map[string]interface{}{
		"days": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var days []usage.Bucket
	if err := json.Unmarshal([]byte(toolText(t, result)), &days); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(days) != 2 {
		t.Errorf("days = %+v, want 2 buckets", days)
	}
}

func TestMCPTool_ListSources(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	result, err := mcpListSources(deps)(context.Background(), makeCallToolRequest("list_sources", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sources []storage.SourceTotals
	if err := json.Unmarshal([]byte(toolText(t, result)), &sources); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(sources) != 2 || sources[0].Source != "claude" {
		t.Errorf("sources = %+v", sources)
	}
}

func TestMCPTool_SyncNow(t *testing.T) {
	deps, _, sync := newTestDeps(t)
	sync.rep = &syncer.Report{Sources: []syncer.SourceReport{{Name: "claude", Inserted: 3}}}

	result, err := mcpSyncNow(deps)(context.Background(), makeCallToolRequest("sync_now", map[string]interface{}{
		"sources": []interface{}{"claude"},
		"full":    true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var resp syncResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if resp.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", resp.Inserted)
	}
	if got := sync.opts[0]; !got.Full || len(got.Sources) != 1 || got.Sources[0] != "claude" {
		t.Errorf("run options = %+v", got)
	}
}

func TestMCPTool_SyncNow_Unavailable(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	deps.Sync = nil
	result, _ := mcpSyncNow(deps)(context.Background(), makeCallToolRequest("sync_now", nil))
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	contents, err := mcpResourceStats(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "usage://stats"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var stats usage.Stats
	if err := json.Unmarshal([]byte(tc.Text), &stats); err != nil {
		t.Fatalf("parsing resource: %v", err)
	}
	if stats.Records != 3 {
		t.Errorf("Records = %d, want 3", stats.Records)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
