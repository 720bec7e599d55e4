// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes nbfolio conversions as tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/nbfolio/internal/pipeline"
)

// ConventionsURI is the URI of the conventions resource.
const ConventionsURI = "nbfolio://conventions"

// Server wraps the MCP server with nbfolio tools.
type Server struct {
	mcp         *server.MCPServer
	pipe        *pipeline.Pipeline
	conventions string
}

// New creates a new MCP server with all nbfolio tools registered.
func New(pipe *pipeline.Pipeline, dirs Dirs, version string) *Server {
	s := &Server{pipe: pipe, conventions: Conventions(dirs)}

	s.mcp = server.NewMCPServer(
		"nbfolio",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("strip_notebook",
		mcp.WithDescription("Write the processed copy of a source notebook with large outputs and chart payloads removed."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Notebook path relative to the source directory (e.g. projects/solar.ipynb)")),
	), s.stripNotebook)

	s.mcp.AddTool(mcp.NewTool("export_charts",
		mcp.WithDescription("Export every embedded chart of a notebook as a standalone HTML file. "+
			"Without a path, every notebook in the source directory is exported."),
		mcp.WithString("path", mcp.Description("Notebook path relative to the source directory (empty for all)")),
	), s.exportCharts)

	s.mcp.AddTool(mcp.NewTool("render_notebook",
		mcp.WithDescription("Render a source notebook as a standalone HTML page next to its processed copy."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Notebook path relative to the source directory")),
	), s.renderNotebook)

	s.mcp.AddTool(mcp.NewTool("list_outputs",
		mcp.WithDescription("List every recorded conversion with its output files."),
	), s.listOutputs)

	s.mcp.AddTool(mcp.NewTool("notebook_status",
		mcp.WithDescription("Compare source notebooks with the last recorded conversion: new, stale, current or orphaned."),
	), s.notebookStatus)

	s.mcp.AddResource(
		mcp.NewResource(ConventionsURI, "nbfolio conventions",
			mcp.WithResourceDescription("Directory layout and naming rules for notebooks and their outputs."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readConventions,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) stripNotebook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	src, err := s.pipe.LoadRel(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.pipe.Strip(src, "")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) exportCharts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var srcs []*pipeline.Source
	if path := req.GetString("path", ""); path != "" {
		src, err := s.pipe.LoadRel(path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		srcs = append(srcs, src)
	} else {
		all, err := s.pipe.LoadAll()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		srcs = all
	}
	res, err := s.pipe.Export(srcs...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) renderNotebook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	src, err := s.pipe.LoadRel(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.pipe.Render(src, "")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) listOutputs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.pipe.Outputs()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}

func (s *Server) notebookStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.pipe.Status()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}

func (s *Server) readConventions(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ConventionsURI,
			MIMEType: "text/markdown",
			Text:     s.conventions,
		},
	}, nil
}
