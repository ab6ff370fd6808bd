// Package formatter produces the two discovery artifacts (C6): the
// plain-text servers overview and the per-tool JSON overview with
// example usage.
package formatter

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/mcpofmcps/mcpofmcps/internal/registry"
	"github.com/mcpofmcps/mcpofmcps/internal/util"
)

const standingHint = "\nUse get_tools_overview with one or more of the paths above to load a tool's full input schema and an example usage snippet before calling run_functions_code."

// descriptionTruncateRunes bounds how much of a tool's description is
// echoed back into overview text, in service of the token-economy goal.
const descriptionTruncateRunes = 400

// GetServersOverview produces a stable, deterministically ordered
// plain-text document: one header line per server (sorted by name)
// followed by its tools' paths (sorted by title), plus a standing hint.
func GetServersOverview(servers []*registry.ServerInfo) string {
	sorted := make([]*registry.ServerInfo, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, s := range sorted {
		b.WriteString(fmt.Sprintf("# %s mcp server instructions: %s\n", s.Name, s.Instructions))

		tools := make([]*registry.ToolDescriptor, len(s.Tools))
		copy(tools, s.Tools)
		sort.Slice(tools, func(i, j int) bool { return tools[i].Title < tools[j].Title })
		for _, t := range tools {
			b.WriteString(fmt.Sprintf("%s/%s\n", s.Name, t.Title))
		}
	}
	b.WriteString(standingHint)
	return b.String()
}

// toolOverviewEntry is the JSON shape emitted for each resolved path.
type toolOverviewEntry struct {
	Name         string          `json:"name"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	ExampleUsage string          `json:"exampleUsage"`
}

// PathError names the offending malformed path.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("formatter: malformed tool path %q, expected \"server/title\"", e.Path)
}

// UnknownServerError names the server a tool path referenced that does
// not exist in the registry.
type UnknownServerError struct {
	Server string
}

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("formatter: unknown server %q", e.Server)
}

// GetToolsOverview parses each path as "server/title" and emits the
// corresponding JSON overview entries. A malformed path fails the whole
// call. An unknown server fails the whole call. An unknown tool within a
// known server is skipped with a logged warning; the rest of the array is
// still returned.
func GetToolsOverview(reg *registry.Registry, paths []string) (json.RawMessage, error) {
	entries := make([]toolOverviewEntry, 0, len(paths))

	for _, p := range paths {
		server, title, ok := splitPath(p)
		if !ok {
			return nil, &PathError{Path: p}
		}
		if !reg.HasServer(server) {
			return nil, &UnknownServerError{Server: server}
		}
		tool, ok := reg.GetTool(server, title)
		if !ok {
			log.Printf("[Formatter] unknown tool %q on server %q, skipped", title, server)
			continue // unknown tool within a known server: skip, keep going
		}

		entries = append(entries, toolOverviewEntry{
			Name:         tool.Name,
			Title:        tool.Title,
			Description:  util.TruncateRunes(tool.Description, descriptionTruncateRunes),
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
			ExampleUsage: exampleUsage(server, tool.Title),
		})
	}

	out, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("formatter: marshal tools overview: %w", err)
	}
	return out, nil
}

func exampleUsage(server, title string) string {
	return fmt.Sprintf(
		"const %s = require('./%s/%s.cjs');\nmodule.exports = %s({ /* your parameters here */ });",
		title, server, title, title,
	)
}

func splitPath(p string) (server, title string, ok bool) {
	idx := strings.Index(p, "/")
	if idx <= 0 || idx == len(p)-1 {
		return "", "", false
	}
	server = p[:idx]
	title = p[idx+1:]
	if strings.Contains(title, "/") {
		return "", "", false
	}
	return server, title, true
}
