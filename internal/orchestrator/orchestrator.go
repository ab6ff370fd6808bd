// Package orchestrator wires every component together per the startup
// sequence (C9): parse descriptors, open the metadata store, spawn
// downstream servers, register them, reconcile orphans, rebuild the
// vector index, materialize sandbox stubs, and bind the upstream
// transport.
package orchestrator

import (
	"context"
	"fmt"
	"log"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcpofmcps/mcpofmcps/internal/connection"
	"github.com/mcpofmcps/mcpofmcps/internal/dispatcher"
	"github.com/mcpofmcps/mcpofmcps/internal/registry"
	"github.com/mcpofmcps/mcpofmcps/internal/sandbox"
	"github.com/mcpofmcps/mcpofmcps/internal/store"
	"github.com/mcpofmcps/mcpofmcps/internal/vectorindex"
)

// Options configures where each component's state lives on disk.
type Options struct {
	DatabasePath string
	SandboxRoot  string
	IndexRoot    string
	Embedder     vectorindex.Embedder
}

// System holds every live component after a successful Bootstrap, for the
// caller (cmd/mcpofmcps) to serve and eventually shut down.
type System struct {
	Store      *store.Store
	Conn       *connection.Manager
	Registry   *registry.Registry
	Index      *vectorindex.Index
	Sandbox    *sandbox.Sandbox
	Dispatcher *dispatcher.Dispatcher
}

// Bootstrap runs the full startup sequence. A failure to spawn an
// individual downstream server is logged and skipped; a failure to open
// the metadata store or to rebuild the vector index aborts the process
// with an error, per spec.md §4.9's fatal/non-fatal rules. Reconciliation
// and sandbox materialization failures are treated as fatal too: both
// indicate a persistence or filesystem fault that leaves the server
// unable to honor its own invariants (I1, I3) if it continued.
func Bootstrap(ctx context.Context, descs []connection.ServerDescriptor, opts Options) (*System, error) {
	st, err := store.Open(opts.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open metadata store: %w", err)
	}

	conn := connection.NewManager()
	if errs := conn.SpawnAll(ctx, descs); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("[Orchestrator] spawn error (non-fatal): %v", e)
		}
	}

	reg := registry.New(conn, st)
	if errs := reg.RegisterAll(ctx); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("[Orchestrator] register error (non-fatal): %v", e)
		}
	}

	if err := reg.ReconcileOrphans(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("orchestrator: reconcile orphans: %w", err)
	}

	idx, err := vectorindex.Rebuild(opts.IndexRoot, opts.Embedder, toolRecords(reg.AllServers()))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("orchestrator: rebuild vector index: %w", err)
	}

	sb := sandbox.New(opts.SandboxRoot)
	if err := sb.Materialize(reg.AllServers()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("orchestrator: materialize sandbox stubs: %w", err)
	}

	d := dispatcher.New(reg, sb)
	d.SetIndex(idx)

	log.Printf("[Orchestrator] bootstrap complete: %d server(s), %d tool(s)", reg.ServerCount(), reg.TotalToolCount())

	return &System{
		Store:      st,
		Conn:       conn,
		Registry:   reg,
		Index:      idx,
		Sandbox:    sb,
		Dispatcher: d,
	}, nil
}

// toolRecords flattens every server's tools into the description set C4
// indexes on.
func toolRecords(servers []*registry.ServerInfo) []vectorindex.Record {
	var records []vectorindex.Record
	for _, s := range servers {
		for _, t := range s.Tools {
			records = append(records, vectorindex.Record{
				ServerName:  s.Name,
				ToolName:    t.Name,
				Description: t.Description,
			})
		}
	}
	return records
}

// Serve binds and runs the upstream stdio transport. This call blocks for
// the lifetime of the process; a returned error is fatal.
func (s *System) Serve() error {
	if err := mcpserver.ServeStdio(s.Dispatcher.Server()); err != nil {
		return fmt.Errorf("orchestrator: serve upstream transport: %w", err)
	}
	return nil
}

// Shutdown releases every held resource: downstream subprocesses and the
// metadata store's database handle.
func (s *System) Shutdown() {
	s.Conn.Shutdown()
	if err := s.Store.Close(); err != nil {
		log.Printf("[Orchestrator] error closing store: %v", err)
	}
}
