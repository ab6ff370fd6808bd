// Package dispatcher binds the four meta-tools (C8) onto the upstream MCP
// surface and routes them to the Registry, Formatter, Vector Index, and
// Sandbox.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcpofmcps/mcpofmcps/internal/formatter"
	"github.com/mcpofmcps/mcpofmcps/internal/registry"
	"github.com/mcpofmcps/mcpofmcps/internal/sandbox"
	"github.com/mcpofmcps/mcpofmcps/internal/util"
	"github.com/mcpofmcps/mcpofmcps/internal/vectorindex"
)

// searchDescriptionTruncateRunes bounds how much of a tool's description
// is echoed back in semantic_search_tools results.
const searchDescriptionTruncateRunes = 200

const defaultSearchLimit = 5

// Dispatcher owns the upstream MCP server and routes meta-tool calls to
// the rest of the system.
type Dispatcher struct {
	reg     *registry.Registry
	index   *vectorindex.Index
	sandbox *sandbox.Sandbox
	server  *mcpserver.MCPServer
}

// New constructs a Dispatcher and registers all four meta-tools against a
// fresh upstream MCP server. The vector index is swapped in wholesale by
// SetIndex once C4 has completed its startup rebuild.
func New(reg *registry.Registry, sb *sandbox.Sandbox) *Dispatcher {
	d := &Dispatcher{
		reg:     reg,
		sandbox: sb,
	}
	d.server = mcpserver.NewMCPServer(
		"mcp-of-mcps",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	d.registerTools()
	return d
}

// SetIndex installs the vector index built during startup (or after a
// later rebuild). Safe to call before any search request is served.
func (d *Dispatcher) SetIndex(idx *vectorindex.Index) {
	d.index = idx
}

// Server returns the bound upstream MCP server, ready for ServeStdio.
func (d *Dispatcher) Server() *mcpserver.MCPServer {
	return d.server
}

func (d *Dispatcher) registerTools() {
	semanticSearch := mcp.NewTool("semantic_search_tools",
		mcp.WithDescription("Search for tools across all connected MCP servers by semantic similarity to a natural-language query."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language description of the tool you're looking for."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (default: 5)."),
		),
	)
	d.server.AddTool(semanticSearch, d.handleSemanticSearchTools)

	serversOverview := mcp.NewTool("get_mcps_servers_overview",
		mcp.WithDescription("List every connected MCP server and its tools, addressed as 'server/title' paths."),
	)
	d.server.AddTool(serversOverview, d.handleGetMCPsServersOverview)

	toolsOverview := mcp.NewTool("get_tools_overview",
		mcp.WithDescription("Load the full input schema, output schema, and example usage for one or more tool paths."),
		mcp.WithArray("toolPaths",
			mcp.Required(),
			mcp.Description("List of 'server/title' paths, as returned by get_mcps_servers_overview or semantic_search_tools."),
		),
	)
	d.server.AddTool(toolsOverview, d.handleGetToolsOverview)

	runCode := mcp.NewTool("run_functions_code",
		mcp.WithDescription("Run a short CommonJS script in an isolated sandbox. require() each tool stub you need, call it, and assign the result (or a promise of it) to module.exports."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("CommonJS script source."),
		),
	)
	d.server.AddTool(runCode, d.handleRunFunctionsCode)
}

func (d *Dispatcher) handleSemanticSearchTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ArgumentError: missing required parameter 'query': %v", err)), nil
	}
	limit := defaultSearchLimit
	if raw, ok := request.GetArguments()["limit"]; ok {
		if n, ok := raw.(float64); ok {
			limit = int(n)
		}
	}

	if d.index == nil {
		return mcp.NewToolResultError("IndexError: vector index is not yet ready"), nil
	}

	hits, err := d.index.Search(query, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("IndexError: search failed: %v", err)), nil
	}

	type resultEntry struct {
		ServerName      string `json:"serverName"`
		ToolName        string `json:"toolName"`
		Description     string `json:"description"`
		SimilarityScore string `json:"similarityScore"`
		FullPath        string `json:"fullPath"`
	}

	entries := make([]resultEntry, 0, len(hits))
	for _, h := range hits {
		title := h.ToolName
		if tool, ok := d.reg.GetToolByName(h.ServerName, h.ToolName); ok {
			title = tool.Title
		}
		entries = append(entries, resultEntry{
			ServerName:      h.ServerName,
			ToolName:        h.ToolName,
			Description:     util.TruncateRunes(h.Description, searchDescriptionTruncateRunes),
			SimilarityScore: fmt.Sprintf("%.3f", h.Score),
			FullPath:        h.ServerName + "/" + title,
		})
	}

	out, err := json.Marshal(entries)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to serialize search results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (d *Dispatcher) handleGetMCPsServersOverview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	overview := formatter.GetServersOverview(d.reg.AllServers())
	return mcp.NewToolResultText(overview), nil
}

func (d *Dispatcher) handleGetToolsOverview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := stringArrayArg(request, "toolPaths")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ArgumentError: %v", err)), nil
	}

	out, err := formatter.GetToolsOverview(d.reg, paths)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ArgumentError: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (d *Dispatcher) handleRunFunctionsCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ArgumentError: missing required parameter 'code': %v", err)), nil
	}

	runID := uuid.New().String()
	log.Printf("[Dispatcher] run_functions_code start run=%s", runID)

	servers := d.reg.AllServers()
	out, cache, err := d.sandbox.Run(ctx, code, servers)
	d.sandbox.Drain(d.reg, cache)
	if err != nil {
		log.Printf("[Dispatcher] run_functions_code failed run=%s: %v", runID, err)
		return mcp.NewToolResultError(fmt.Sprintf("SandboxError: %v", err)), nil
	}

	log.Printf("[Dispatcher] run_functions_code complete run=%s, schema drain applied", runID)
	return mcp.NewToolResultText(string(out)), nil
}

// stringArrayArg extracts a required []string argument from the call's
// raw argument map, returning a structured error on a missing key or a
// non-string element rather than panicking across the transport.
func stringArrayArg(request mcp.CallToolRequest, key string) ([]string, error) {
	args := request.GetArguments()
	raw, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing required parameter %q", key)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("parameter %q must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %q must contain only strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
