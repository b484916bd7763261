// Package mcp exposes the build master's views to language models over the
// Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"bitten-master/src/contracts"
	"bitten-master/src/logger"
	"bitten-master/src/view"
)

// Server is the MCP server of the build master.
type Server struct {
	mcpServer *server.MCPServer
	views     *view.Presenter
	logger    logger.Logger
}

// NewServer creates a new MCP server reading through views.
func NewServer(views *view.Presenter, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	s := server.NewMCPServer(
		"bitten",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	srv := &Server{
		mcpServer: s,
		views:     views,
		logger:    log,
	}
	srv.registerTools()

	return srv
}

// registerTools registers all available tools.
func (s *Server) registerTools() {
	listTool := mcp.NewTool("list_configurations",
		mcp.WithDescription("List the build configurations of the master with their target platforms."),
	)

	configTool := mcp.NewTool("get_configuration",
		mcp.WithDescription("Get a build configuration with its most recent builds, newest first."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Configuration name"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max builds to include (default: 20)"),
		),
	)

	buildTool := mcp.NewTool("get_build",
		mcp.WithDescription("Get a digest of a build. Failed steps are expanded with their errors and the tail of their log - these are the likely causes. Passed steps are summarized; use get_step_log for a full log."),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Build ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Log lines kept per failed step (default: 40)"),
		),
	)

	logTool := mcp.NewTool("get_step_log",
		mcp.WithDescription("Get the full log of one build step."),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Build ID"),
		),
		mcp.WithString("step",
			mcp.Required(),
			mcp.Description("Step name"),
		),
	)

	chartTool := mcp.NewTool("get_chart",
		mcp.WithDescription("Get the trend data of a configuration per revision, e.g. test counts or coverage."),
		mcp.WithString("config",
			mcp.Required(),
			mcp.Description("Configuration name"),
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Report kind: test, coverage or lint"),
		),
	)

	s.mcpServer.AddTool(listTool, s.handleListConfigurations)
	s.mcpServer.AddTool(configTool, s.handleGetConfiguration)
	s.mcpServer.AddTool(buildTool, s.handleGetBuild)
	s.mcpServer.AddTool(logTool, s.handleGetStepLog)
	s.mcpServer.AddTool(chartTool, s.handleGetChart)
}

// Run starts the MCP server on stdio.
func (s *Server) Run() error {
	s.logger.Info("[MCP] Serving on stdio")
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) handleListConfigurations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	configs, err := s.views.Configs(ctx)
	if err != nil {
		return s.failure("failed to list configurations", err), nil
	}
	return jsonResult(configs)
}

func (s *Server) handleGetConfiguration(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name parameter is required"), nil
	}
	cfg, err := s.views.Config(ctx, name, request.GetInt("limit", view.DefaultBuildLimit))
	if err != nil {
		return s.failure(fmt.Sprintf("configuration %q", name), err), nil
	}
	return jsonResult(cfg)
}

func (s *Server) handleGetBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := int64(request.GetInt("id", 0))
	if id <= 0 {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	b, err := s.views.Build(ctx, id)
	if err != nil {
		return s.failure(fmt.Sprintf("build %d", id), err), nil
	}
	return jsonResult(Digest(b, request.GetInt("tail", DefaultLogTail)))
}

func (s *Server) handleGetStepLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := int64(request.GetInt("id", 0))
	step := request.GetString("step", "")
	if id <= 0 || step == "" {
		return mcp.NewToolResultError("id and step parameters are required"), nil
	}
	b, err := s.views.Build(ctx, id)
	if err != nil {
		return s.failure(fmt.Sprintf("build %d", id), err), nil
	}
	for _, st := range b.Steps {
		if st.Name == step {
			return jsonResult(st.Log)
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("build %d has no step %q", id, step)), nil
}

func (s *Server) handleGetChart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := request.GetString("config", "")
	kind := request.GetString("kind", "")
	if cfg == "" || kind == "" {
		return mcp.NewToolResultError("config and kind parameters are required"), nil
	}
	feed, err := s.views.Chart(ctx, cfg, contracts.ReportKind(kind))
	if err != nil {
		return s.failure(fmt.Sprintf("chart %s of %q", kind, cfg), err), nil
	}
	return jsonResult(feed)
}

// failure turns err into a tool error. Lookups of unknown objects are
// expected and only logged at debug level.
func (s *Server) failure(what string, err error) *mcp.CallToolResult {
	if errors.Is(err, contracts.ErrNotFound) {
		s.logger.Debug("[MCP] %s: %v", what, err)
		return mcp.NewToolResultError(fmt.Sprintf("%s not found", what))
	}
	s.logger.Error("[MCP] %s: %v", what, err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", what, err))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
