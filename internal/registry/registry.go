// Package registry implements the Server Registry (C5): the
// authoritative in-memory projection of connected servers (C1) merged
// with persisted tool metadata (C2).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/mcpofmcps/mcpofmcps/internal/connection"
	"github.com/mcpofmcps/mcpofmcps/internal/store"
)

// ToolDescriptor is the in-memory view of a single tool: its downstream
// identity, its sanitized title, and whatever output schema is currently
// known (live, injected from C2, or inferred by C7).
type ToolDescriptor struct {
	Name                 string // downstream-canonical identifier, used on the wire
	Title                string // sanitized identifier/path-safe alias
	Description          string
	InputSchema          json.RawMessage
	OutputSchema         json.RawMessage // nil if not yet known
	OriginalOutputSchema bool
}

// ServerInfo is the runtime-only record of a connected server and its
// tools, owned exclusively by the Registry.
type ServerInfo struct {
	Name         string
	Handle       connection.ToolSource
	Instructions string
	Tools        []*ToolDescriptor
}

// connectionProvider is the subset of *connection.Manager the Registry
// depends on, narrowed to an interface so tests can substitute fake
// downstream connections without spawning real subprocesses.
type connectionProvider interface {
	Get(name string) (connection.ToolSource, bool)
	All() map[string]connection.ToolSource
}

// Registry merges C1's live connections with C2's persisted schemas into
// the single authoritative view of "what tools exist."
type Registry struct {
	mu    sync.RWMutex
	conn  connectionProvider
	store *store.Store

	servers map[string]*ServerInfo
}

// New constructs an empty Registry bound to the given connection manager
// and metadata store.
func New(conn connectionProvider, st *store.Store) *Registry {
	return &Registry{
		conn:    conn,
		store:   st,
		servers: make(map[string]*ServerInfo),
	}
}

// RegisterServer fetches the downstream tool list for name, computes
// titles, persists each tool's schema to the store (inferred writes are
// no-ops against an existing original, per invariant I4), and injects any
// previously persisted original schema into tools whose live response
// omitted one. Fails if the server is already registered or C1 has no
// handle for it.
func (r *Registry) RegisterServer(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, exists := r.servers[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: server %q already registered", name)
	}
	r.mu.Unlock()

	handle, ok := r.conn.Get(name)
	if !ok {
		return fmt.Errorf("registry: no connection handle for server %q", name)
	}

	liveTools, err := handle.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("registry: list tools for %q: %w", name, err)
	}

	usedTitles := make(map[string]bool, len(liveTools))
	tools := make([]*ToolDescriptor, 0, len(liveTools))

	for _, lt := range liveTools {
		title := uniqueTitle(sanitizeTitle(lt.Name), usedTitles)
		usedTitles[title] = true

		td := &ToolDescriptor{
			Name:        lt.Name,
			Title:       title,
			Description: lt.Description,
			InputSchema: lt.InputSchema,
		}

		existing, err := r.store.GetTool(name, lt.Name)
		if err != nil {
			return fmt.Errorf("registry: read persisted schema for %s/%s: %w", name, lt.Name, err)
		}

		switch {
		case lt.OutputSchema != nil:
			// The live response carries a schema straight from the
			// downstream server: it always wins over any inferred row.
			td.OutputSchema = lt.OutputSchema
			td.OriginalOutputSchema = true
			if _, err := r.store.SaveOrUpdate(store.Row{
				ServerName:           name,
				ToolName:             lt.Name,
				OutputSchema:         string(lt.OutputSchema),
				OriginalOutputSchema: true,
			}); err != nil {
				return fmt.Errorf("registry: persist schema for %s/%s: %w", name, lt.Name, err)
			}
		case existing != nil && existing.OriginalOutputSchema:
			// The live response lacks a schema, but C2 already has an
			// original one from a previous run: inject it.
			td.OutputSchema = json.RawMessage(existing.OutputSchema)
			td.OriginalOutputSchema = true
		case existing != nil:
			// An inferred schema from a previous run; carry it forward
			// until a fresher observation replaces it.
			td.OutputSchema = json.RawMessage(existing.OutputSchema)
			td.OriginalOutputSchema = false
		default:
			// First sight of this tool: persist a row with no schema yet;
			// C7's schema-inference drain will fill one in after the tool
			// is first observed.
			if _, err := r.store.SaveOrUpdate(store.Row{
				ServerName: name,
				ToolName:   lt.Name,
			}); err != nil {
				return fmt.Errorf("registry: persist tool %s/%s: %w", name, lt.Name, err)
			}
		}

		tools = append(tools, td)
	}

	info := &ServerInfo{
		Name:         name,
		Handle:       handle,
		Instructions: handle.GetInstructions(),
		Tools:        tools,
	}

	r.mu.Lock()
	r.servers[name] = info
	r.mu.Unlock()
	return nil
}

// RegisterAll calls RegisterServer concurrently across every handle C1
// currently holds. Per-server failures are logged and skipped; the
// aggregate registration still succeeds.
func (r *Registry) RegisterAll(ctx context.Context) []error {
	handles := r.conn.All()

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(handles))
	var wg sync.WaitGroup
	for name := range handles {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			results <- result{name: name, err: r.RegisterServer(ctx, name)}
		}(name)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for res := range results {
		if res.err != nil {
			log.Printf("[Registry] register failed: %s: %v", res.name, res.err)
			errs = append(errs, res.err)
		}
	}
	return errs
}

// ReconcileOrphans deletes every persisted server's rows from C2 that no
// longer has a corresponding entry in the Registry, enforcing invariant
// I3. It does not touch tools of a server that is still present but has
// lost an individual tool — that case is intentionally left unhandled
// (see the project's design notes).
func (r *Registry) ReconcileOrphans() error {
	persistedServers, err := r.store.ListAllServers()
	if err != nil {
		return fmt.Errorf("registry: list persisted servers: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range persistedServers {
		if _, present := r.servers[name]; present {
			continue
		}
		if err := r.store.DeleteServerTools(name); err != nil {
			return fmt.Errorf("registry: reconcile orphan %q: %w", name, err)
		}
		log.Printf("[Registry] reconciled orphan server %q", name)
	}
	return nil
}

// GetServer returns the registered server info, if any.
func (r *Registry) GetServer(name string) (*ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.servers[name]
	return info, ok
}

// GetTool looks up a tool by its server name and sanitized title (the
// user-facing "server/title" addressing scheme).
func (r *Registry) GetTool(server, title string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.servers[server]
	if !ok {
		return nil, false
	}
	for _, t := range info.Tools {
		if t.Title == title {
			return t, true
		}
	}
	return nil, false
}

// GetToolByName looks up a tool by its server name and downstream-canonical
// name (as opposed to GetTool, which looks up by sanitized title). Used by
// the sandbox's schema-inference drain, which only knows the downstream
// name a script observed a response for.
func (r *Registry) GetToolByName(server, name string) (*ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.servers[server]
	if !ok {
		return nil, false
	}
	for _, t := range info.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// AllServers returns every registered server, sorted by name.
func (r *Registry) AllServers() []*ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServerInfo, 0, len(r.servers))
	for _, info := range r.servers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServerCount returns the number of registered servers.
func (r *Registry) ServerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// TotalToolCount returns the number of tools across all registered
// servers.
func (r *Registry) TotalToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.servers {
		n += len(info.Tools)
	}
	return n
}

// HasServer reports whether name is currently registered.
func (r *Registry) HasServer(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[name]
	return ok
}

// Clear removes every registered server. Nothing in this module calls it;
// normal operation never resets the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[string]*ServerInfo)
}

// UpdateToolOutputSchema is called by C7's schema-inference drain. It
// writes schema through the store (subject to invariant I4) and, only if
// the write was actually applied, updates the in-memory tool in lockstep.
func (r *Registry) UpdateToolOutputSchema(server, title string, schema json.RawMessage, original bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.servers[server]
	if !ok {
		return fmt.Errorf("registry: unknown server %q", server)
	}
	var target *ToolDescriptor
	for _, t := range info.Tools {
		if t.Title == title {
			target = t
			break
		}
	}
	if target == nil {
		return fmt.Errorf("registry: unknown tool %q on server %q", title, server)
	}

	applied, err := r.store.SaveOrUpdate(store.Row{
		ServerName:           server,
		ToolName:             target.Name,
		OutputSchema:         string(schema),
		OriginalOutputSchema: original,
	})
	if err != nil {
		return fmt.Errorf("registry: persist inferred schema for %s/%s: %w", server, target.Name, err)
	}
	if applied {
		target.OutputSchema = schema
		target.OriginalOutputSchema = original
	}
	return nil
}

// sanitizeTitle implements the §4.5 sanitization rule: every run of
// characters outside [A-Za-z0-9_] becomes a single underscore, and a
// leading digit gets a leading underscore prepended. It is idempotent:
// sanitizeTitle(sanitizeTitle(x)) == sanitizeTitle(x).
func sanitizeTitle(name string) string {
	var b strings.Builder
	inRun := false
	for _, r := range name {
		if isIdentChar(r) {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	s := b.String()
	if s == "" {
		s = "_"
	}
	if unicode.IsDigit(rune(s[0])) {
		s = "_" + s
	}
	return s
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

// uniqueTitle appends _2, _3, … to base until the result is absent from
// used, implementing the within-server de-duplication rule.
func uniqueTitle(base string, used map[string]bool) string {
	if !used[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if !used[candidate] {
			return candidate
		}
	}
}
