package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/nbfolio/internal/pipeline"
	"github.com/starford/nbfolio/internal/testutil"
)

func testServer(t *testing.T) (*Server, *testutil.Workspace) {
	t.Helper()
	ws := testutil.TestWorkspace(t)
	p := pipeline.New(ws.Source, ws.Processed, ws.Plots, testutil.TestLedger(t), pipeline.DefaultOptions(), testutil.Logger())
	srv := New(p, Dirs{Source: ws.SourceDir, Processed: ws.ProcessedDir, Plots: ws.PlotsDir}, "test")
	return srv, ws
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so the handlers are
	// called directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "strip_notebook":
		result, err = srv.stripNotebook(ctx, req)
	case "export_charts":
		result, err = srv.exportCharts(ctx, req)
	case "render_notebook":
		result, err = srv.renderNotebook(ctx, req)
	case "list_outputs":
		result, err = srv.listOutputs(ctx, req)
	case "notebook_status":
		result, err = srv.notebookStatus(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestStripNotebook(t *testing.T) {
	srv, ws := testServer(t)
	ws.WriteNotebook(t, "solar.ipynb", testutil.Notebook("Solar", "A"))

	r := callTool(t, srv, "strip_notebook", map[string]interface{}{"path": "solar.ipynb"})
	if r.IsError {
		t.Fatalf("strip failed: %s", resultText(r))
	}
	var res pipeline.StripResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if res.Output.Path != "solar.ipynb" {
		t.Errorf("output = %+v", res.Output)
	}
	if _, err := os.Stat(filepath.Join(ws.ProcessedDir, "solar.ipynb")); err != nil {
		t.Errorf("processed copy missing: %v", err)
	}
}

func TestStripNotebookMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "strip_notebook", map[string]interface{}{"path": "nope.ipynb"})
	if !r.IsError {
		t.Error("expected error for missing notebook")
	}
	r = callTool(t, srv, "strip_notebook", map[string]interface{}{})
	if !r.IsError {
		t.Error("expected error without path")
	}
}

func TestExportCharts(t *testing.T) {
	srv, ws := testServer(t)
	ws.WriteNotebook(t, "a.ipynb", testutil.Notebook("A", "one", "two"))
	ws.WriteNotebook(t, "b.ipynb", testutil.Notebook("B", "three"))

	r := callTool(t, srv, "export_charts", map[string]interface{}{"path": "a.ipynb"})
	if r.IsError {
		t.Fatalf("export failed: %s", resultText(r))
	}
	if got := testutil.Files(t, ws.PlotsDir); len(got) != 2 {
		t.Errorf("plots = %v, want 2 files", got)
	}

	r = callTool(t, srv, "export_charts", map[string]interface{}{})
	if r.IsError {
		t.Fatalf("export all failed: %s", resultText(r))
	}
	var res pipeline.ExportResult
	if err := json.Unmarshal([]byte(resultText(r)), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 3 {
		t.Errorf("files = %+v, want 3", res.Files)
	}
}

func TestRenderNotebook(t *testing.T) {
	srv, ws := testServer(t)
	ws.WriteNotebook(t, "solar.ipynb", testutil.Notebook("Solar"))

	r := callTool(t, srv, "render_notebook", map[string]interface{}{"path": "solar.ipynb"})
	if r.IsError {
		t.Fatalf("render failed: %s", resultText(r))
	}
	if _, err := os.Stat(filepath.Join(ws.ProcessedDir, "solar.html")); err != nil {
		t.Errorf("page missing: %v", err)
	}
}

func TestListOutputsAndStatus(t *testing.T) {
	srv, ws := testServer(t)
	ws.WriteNotebook(t, "solar.ipynb", testutil.Notebook("Solar", "A"))
	_ = callTool(t, srv, "strip_notebook", map[string]interface{}{"path": "solar.ipynb"})

	r := callTool(t, srv, "list_outputs", map[string]interface{}{})
	if !strings.Contains(resultText(r), `"kind": "strip"`) {
		t.Errorf("list_outputs = %s", resultText(r))
	}

	r = callTool(t, srv, "notebook_status", map[string]interface{}{})
	var entries []pipeline.StatusEntry
	if err := json.Unmarshal([]byte(resultText(r)), &entries); err != nil {
		t.Fatal(err)
	}
	// Only the strip conversion ran, so the notebook is not current yet.
	if len(entries) != 1 || entries[0].State != pipeline.StateStale {
		t.Errorf("status = %+v", entries)
	}
}

func TestConventionsResource(t *testing.T) {
	srv, ws := testServer(t)
	contents, err := srv.readConventions(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatal(err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, ws.PlotsDir) || !strings.Contains(text, "<notebook>-chart-<n>.html") {
		t.Errorf("conventions = %s", text)
	}
}
