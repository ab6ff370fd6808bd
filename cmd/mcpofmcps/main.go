package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/mcpofmcps/mcpofmcps/internal/config"
	"github.com/mcpofmcps/mcpofmcps/internal/connection"
	"github.com/mcpofmcps/mcpofmcps/internal/embeddings"
	"github.com/mcpofmcps/mcpofmcps/internal/orchestrator"
	pkgconfig "github.com/mcpofmcps/mcpofmcps/pkg/config"
)

func main() {
	pkgconfig.LoadEnv()

	configLiteral := flag.String("config", "", `JSON server descriptor set, e.g. {"mcpServers":{...}}`)
	configFile := flag.String("config-file", "", "path to a JSON file with the same shape as --config")
	stateDir := flag.String("state-dir", defaultStateDir(), "directory holding the database, vector index, and sandbox stubs")
	flag.Parse()

	if *configLiteral != "" && *configFile != "" {
		log.Fatalf("[mcpofmcps] --config and --config-file are mutually exclusive")
	}

	descriptors, err := resolveDescriptors(*configLiteral, *configFile)
	if err != nil {
		log.Fatalf("[mcpofmcps] %v", err)
	}

	sys, err := orchestrator.Bootstrap(context.Background(), descriptors, orchestrator.Options{
		DatabasePath: filepath.Join(*stateDir, ".database", "mcps.db"),
		SandboxRoot:  filepath.Join(*stateDir, ".sandbox"),
		IndexRoot:    filepath.Join(*stateDir, ".vector-index"),
		Embedder:     embeddings.New(),
	})
	if err != nil {
		log.Fatalf("[mcpofmcps] bootstrap failed: %v", err)
	}
	defer sys.Shutdown()

	if err := sys.Serve(); err != nil {
		log.Fatalf("[mcpofmcps] %v", err)
	}
}

func resolveDescriptors(literal, file string) ([]connection.ServerDescriptor, error) {
	switch {
	case literal != "":
		return config.ParseLiteral(literal)
	case file != "":
		return config.ParseFile(file)
	default:
		return nil, nil
	}
}

func defaultStateDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}
