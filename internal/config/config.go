// Package config parses the CLI-level server descriptor set: either a
// JSON literal passed directly on the command line or a path to a JSON
// file with the same shape. This is glue, not a designed component —
// shape validation only.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcpofmcps/mcpofmcps/internal/connection"
)

// descriptorFile mirrors the top-level JSON shape accepted by both
// --config and --config-file: {"mcpServers": {name: {command, args}}}.
type descriptorFile struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

type serverEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ParseLiteral parses a JSON literal (the --config flag's value) into a
// server descriptor set.
func ParseLiteral(literal string) ([]connection.ServerDescriptor, error) {
	return parse([]byte(literal))
}

// ParseFile reads and parses a JSON file (the --config-file flag's
// value) into a server descriptor set.
func ParseFile(path string) ([]connection.ServerDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) ([]connection.ServerDescriptor, error) {
	var file descriptorFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse descriptor set: %w", err)
	}

	descs := make([]connection.ServerDescriptor, 0, len(file.MCPServers))
	for name, entry := range file.MCPServers {
		if entry.Command == "" {
			return nil, fmt.Errorf("config: server %q missing required field \"command\"", name)
		}
		descs = append(descs, connection.ServerDescriptor{
			Name:    name,
			Command: entry.Command,
			Args:    entry.Args,
		})
	}
	return descs, nil
}
