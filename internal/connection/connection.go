// Package connection manages the lifecycle of downstream MCP server
// subprocesses: spawning, handshake, tool listing, and shutdown.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// ServerDescriptor is the input, process-immutable description of a
// downstream MCP server: what to spawn and how to name it. Name is the
// namespace key and must be unique across the descriptor set.
type ServerDescriptor struct {
	Name    string
	Command string
	Args    []string
}

// ToolInfo captures the metadata of a single tool exposed by a downstream
// server's listTools response.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	OutputSchema json.RawMessage // nil if the downstream server omitted one
}

// RawResponse is the raw result of a callTool invocation, shaped to pass
// through to sandbox stub envelopes and schema inference unchanged.
type RawResponse struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError"`
}

// ToolSource is the surface other components use to reach a connected
// downstream server. Handles are opaque except through this interface.
type ToolSource interface {
	Name() string
	GetInstructions() string
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (RawResponse, error)
}

// Handle is an opaque connection to one downstream server. All other
// components reach a server only through this surface — listTools,
// callTool, getInstructions — never through the underlying transport.
type Handle struct {
	mu    sync.RWMutex
	desc  ServerDescriptor
	inner sdk_client.MCPClient
	instructions string
}

func newHandle(desc ServerDescriptor) *Handle {
	return &Handle{desc: desc}
}

// Name returns the server name this handle was spawned for.
func (h *Handle) Name() string {
	return h.desc.Name
}

// GetInstructions returns the instructions string the server supplied
// during the initialize handshake, empty if it supplied none.
func (h *Handle) GetInstructions() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.instructions
}

// ListTools returns metadata for all tools exposed by this server.
func (h *Handle) ListTools(ctx context.Context) ([]ToolInfo, error) {
	h.mu.RLock()
	inner := h.inner
	h.mu.RUnlock()
	if inner == nil {
		return nil, fmt.Errorf("connection: handle %q not connected", h.desc.Name)
	}

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("connection: list tools %q: %w", h.desc.Name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		var outSchema json.RawMessage
		if t.OutputSchema != nil {
			if b, err := json.Marshal(t.OutputSchema); err == nil {
				outSchema = b
			}
		}
		tools = append(tools, ToolInfo{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  schema,
			OutputSchema: outSchema,
		})
	}
	return tools, nil
}

// CallTool invokes the named tool on the downstream server with the given
// arguments and returns the raw response envelope (content + isError)
// unmodified, so callers can pass it through to scripts or schema
// inference without losing structure.
func (h *Handle) CallTool(ctx context.Context, name string, args map[string]any) (RawResponse, error) {
	h.mu.RLock()
	inner := h.inner
	h.mu.RUnlock()
	if inner == nil {
		return RawResponse{}, fmt.Errorf("connection: handle %q not connected", h.desc.Name)
	}

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return RawResponse{}, fmt.Errorf("connection: call tool %q on %q: %w", name, h.desc.Name, err)
	}

	content := make([]json.RawMessage, 0, len(result.Content))
	for _, c := range result.Content {
		b, merr := json.Marshal(c)
		if merr != nil {
			continue // best-effort: skip a content item that cannot round-trip
		}
		content = append(content, b)
	}
	return RawResponse{Content: content, IsError: result.IsError}, nil
}

func (h *Handle) close() error {
	h.mu.Lock()
	inner := h.inner
	h.inner = nil
	h.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}

func (h *Handle) connect(ctx context.Context) error {
	cli, err := sdk_client.NewStdioMCPClient(h.desc.Command, nil, h.desc.Args...)
	if err != nil {
		return fmt.Errorf("connection: start stdio server %q: %w", h.desc.Name, err)
	}

	initResult, err := cli.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "mcp-of-mcps",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = cli.Close() // release resources on handshake failure
		return fmt.Errorf("connection: initialize server %q: %w", h.desc.Name, err)
	}

	h.mu.Lock()
	h.inner = cli
	h.instructions = initResult.Instructions
	h.mu.Unlock()
	return nil
}

// Manager owns the lifecycle of all downstream connections. It is the
// single source of truth for which servers are currently reachable.
type Manager struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewManager creates an empty Manager. No connections are established
// until Spawn or SpawnAll is called.
func NewManager() *Manager {
	return &Manager{handles: make(map[string]*Handle)}
}

// Spawn launches a single subprocess, performs the MCP handshake, and
// registers the resulting handle by desc.Name. A failed spawn leaves no
// entry in the manager.
func (m *Manager) Spawn(ctx context.Context, desc ServerDescriptor) error {
	h := newHandle(desc)
	if err := h.connect(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.handles[desc.Name] = h
	m.mu.Unlock()
	return nil
}

// SpawnAll spawns every descriptor concurrently. Descriptor names must be
// unique across the set — a duplicate is a RegistryError-class failure
// reported before anything is spawned. Per-connection failures are
// reported in the returned slice and do not prevent other servers from
// spawning.
func (m *Manager) SpawnAll(ctx context.Context, descs []ServerDescriptor) []error {
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if seen[d.Name] {
			return []error{fmt.Errorf("connection: duplicate server name %q in descriptor set", d.Name)}
		}
		seen[d.Name] = true
	}

	type result struct {
		desc ServerDescriptor
		h    *Handle
		err  error
	}
	results := make(chan result, len(descs))
	var wg sync.WaitGroup
	for _, d := range descs {
		wg.Add(1)
		go func(d ServerDescriptor) {
			defer wg.Done()
			h := newHandle(d)
			if err := h.connect(ctx); err != nil {
				results <- result{desc: d, err: err}
				return
			}
			results <- result{desc: d, h: h}
		}(d)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for r := range results {
		if r.err != nil {
			log.Printf("[Connection] spawn failed: %s: %v", r.desc.Name, r.err)
			errs = append(errs, fmt.Errorf("server %q: %w", r.desc.Name, r.err))
			continue
		}
		m.mu.Lock()
		m.handles[r.desc.Name] = r.h
		m.mu.Unlock()
		log.Printf("[Connection] spawned: %s", r.desc.Name)
	}
	return errs
}

// Get returns the handle registered under name, if any.
func (m *Manager) Get(name string) (ToolSource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	return h, ok
}

// All returns a snapshot of every currently registered handle, keyed by
// server name.
func (m *Manager) All() map[string]ToolSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ToolSource, len(m.handles))
	for k, v := range m.handles {
		out[k] = v
	}
	return out
}

// Shutdown terminates every spawned subprocess. Safe to call multiple
// times.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for name, h := range handles {
		if err := h.close(); err != nil {
			log.Printf("[Connection] close error for %q: %v", name, err)
		}
	}
	log.Printf("[Connection] all connections closed")
}
