// Package sandbox implements the Sandbox (C7): it materializes one CommonJS
// stub per tool, executes submitted run_functions_code against an isolated
// goja VM wired to those stubs, and drains the observed responses into C5's
// schema-inference pipeline.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mcpofmcps/mcpofmcps/internal/connection"
	"github.com/mcpofmcps/mcpofmcps/internal/registry"
)

// CacheEntry is one observed tool invocation, captured for C7's
// schema-inference drain (and addressable from scripts as
// toolOutputCache[serverName]).
type CacheEntry struct {
	ToolName    string
	RawResponse connection.RawResponse
}

// Sandbox materializes stub files under root and runs scripts against them.
type Sandbox struct {
	root string
}

// New returns a Sandbox rooted at root. root is created (and, on
// Materialize, wiped and recreated) as needed.
func New(root string) *Sandbox {
	return &Sandbox{root: root}
}

// Root returns the sandbox's stub-file root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Materialize wipes and recreates the sandbox root, writing one .cjs stub
// per tool per server, satisfying invariant I1 (every currently known tool
// has a corresponding stub file on disk).
func (s *Sandbox) Materialize(servers []*registry.ServerInfo) error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("sandbox: clear root %q: %w", s.root, err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("sandbox: create root %q: %w", s.root, err)
	}

	sorted := sortedServers(servers)
	for serverIdx, srv := range sorted {
		dir := filepath.Join(s.root, srv.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sandbox: create server dir %q: %w", dir, err)
		}

		tools := sortedTools(srv.Tools)
		for toolIdx, tool := range tools {
			bridge := bridgeName(serverIdx, toolIdx)
			src := stubSource(srv.Name, tool.Name, bridge)
			path := filepath.Join(dir, tool.Title+".cjs")
			if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
				return fmt.Errorf("sandbox: write stub %q: %w", path, err)
			}
		}
	}
	log.Printf("[Sandbox] materialized stubs for %d server(s)", len(sorted))
	return nil
}

// Run executes code in an isolated goja VM wired to the current registry
// snapshot's tools and returns the final exported value (marshaled to
// JSON), plus every tool invocation observed during the run, keyed by
// server name, for the caller to hand to Drain. The returned cache is
// populated with every call captured before a failure, even when Run
// itself returns a non-nil error, so the caller's drain still covers
// partially-captured output (spec §7).
func (s *Sandbox) Run(ctx context.Context, code string, servers []*registry.ServerInfo) (out json.RawMessage, cache map[string][]CacheEntry, err error) {
	cache = make(map[string][]CacheEntry)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox: panic during script execution: %v", r)
		}
	}()

	findings := ScanSource(code)
	LogFindings(findings)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var cacheMu sync.Mutex

	sorted := sortedServers(servers)

	serversInfo := vm.NewObject()
	toolOutputCache := vm.NewObject()
	requireCache := make(map[string]goja.Value)

	for serverIdx, srv := range sorted {
		info := vm.NewObject()
		_ = info.Set("instructions", srv.Instructions)
		_ = info.Set("connected", true)
		_ = info.Set("toolCount", len(srv.Tools))
		_ = serversInfo.Set(srv.Name, info)
		_ = toolOutputCache.Set(srv.Name, vm.NewArray())

		tools := sortedTools(srv.Tools)
		for toolIdx, tool := range tools {
			serverName := srv.Name
			toolName := tool.Name
			inputSchema := tool.InputSchema
			handle := srv.Handle
			bridge := bridgeName(serverIdx, toolIdx)

			fn := func(call goja.FunctionCall) goja.Value {
				var args map[string]any
				if len(call.Arguments) > 0 {
					raw := call.Arguments[0].Export()
					if m, ok := raw.(map[string]interface{}); ok {
						args = m
					}
				}
				if args == nil {
					args = map[string]any{}
				}

				if err := validateArgs(inputSchema, args); err != nil {
					panic(vm.ToValue(fmt.Sprintf("sandbox: call %s/%s: %v", serverName, toolName, err)))
				}

				raw, err := handle.CallTool(ctx, toolName, args)
				if err != nil {
					panic(vm.ToValue(fmt.Sprintf("sandbox: call %s/%s: %v", serverName, toolName, err)))
				}

				cacheMu.Lock()
				cache[serverName] = append(cache[serverName], CacheEntry{ToolName: toolName, RawResponse: raw})
				cacheMu.Unlock()

				decoded, err := decodeRawResponse(raw)
				if err != nil {
					panic(vm.ToValue(fmt.Sprintf("sandbox: decode response %s/%s: %v", serverName, toolName, err)))
				}
				return vm.ToValue(decoded)
			}
			vm.Set(bridge, fn)
		}
	}

	_ = vm.Set("serversInfo", serversInfo)
	_ = vm.Set("toolOutputCache", toolOutputCache)
	if _, err := vm.RunString("Object.freeze(serversInfo);"); err != nil {
		return nil, cache, fmt.Errorf("sandbox: freeze serversInfo: %w", err)
	}

	requireFn := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue("require: missing module specifier"))
		}
		spec := call.Arguments[0].String()

		switch spec {
		case "serversInfo":
			return serversInfo
		case "toolOutputCache":
			return toolOutputCache
		}

		if cached, ok := requireCache[spec]; ok {
			return cached
		}

		resolved, err := resolveStubPath(s.root, spec)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		src, err := os.ReadFile(resolved)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("require: cannot read %q: %v", spec, err)))
		}

		moduleExports, err := runModule(vm, string(src), resolved)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		requireCache[spec] = moduleExports
		return moduleExports
	}
	_ = vm.Set("require", requireFn)

	exports, err := runModule(vm, code, "<run_functions_code>")
	if err != nil {
		return nil, cache, fmt.Errorf("sandbox: %w", err)
	}

	result, err := unwrapExport(exports)
	if err != nil {
		return nil, cache, fmt.Errorf("sandbox: %w", err)
	}

	out, err = json.Marshal(result)
	if err != nil {
		return nil, cache, fmt.Errorf("sandbox: marshal script result: %w", err)
	}
	return out, cache, nil
}

// Drain infers an output schema for each captured invocation and feeds it
// through the registry's schema-inference path (subject to invariant I4:
// an inferred write never overwrites an original schema).
func (s *Sandbox) Drain(reg *registry.Registry, cache map[string][]CacheEntry) {
	for serverName, entries := range cache {
		for _, entry := range entries {
			tool, ok := reg.GetToolByName(serverName, entry.ToolName)
			if !ok {
				continue // tool vanished from the registry between call and drain
			}

			decoded, err := decodeRawResponse(entry.RawResponse)
			if err != nil {
				log.Printf("[Sandbox] drain: decode %s/%s: %v", serverName, entry.ToolName, err)
				continue
			}

			schema, err := json.Marshal(InferSchema(decoded))
			if err != nil {
				log.Printf("[Sandbox] drain: marshal inferred schema %s/%s: %v", serverName, entry.ToolName, err)
				continue
			}

			if err := reg.UpdateToolOutputSchema(serverName, tool.Title, schema, false); err != nil {
				log.Printf("[Sandbox] drain: update schema %s/%s: %v", serverName, entry.ToolName, err)
			}
		}
	}
}

// runModule wraps src as a CommonJS module body, executes it, and returns
// its module.exports value. Compile errors, load errors, and a top-level
// synchronous throw all come back as a plain error rather than a panic, so
// a caller two frames removed from script execution (Run) can convert the
// failure without losing whatever the run had already captured.
func runModule(vm *goja.Runtime, src, name string) (goja.Value, error) {
	module := vm.NewObject()
	exportsObj := vm.NewObject()
	_ = module.Set("exports", exportsObj)

	wrapped := "(function(module, exports, require) {\n" + src + "\n})"
	prog, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", name, err)
	}
	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", name, err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("%q did not evaluate to a function", name)
	}

	requireVal := vm.Get("require")
	if _, err := fn(goja.Undefined(), module, module.Get("exports"), requireVal); err != nil {
		return nil, fmt.Errorf("execute %q: %w", name, err)
	}

	return module.Get("exports"), nil
}

// unwrapExport handles the host-side "if the exported value is a promise,
// it is awaited; otherwise returned as-is" contract. Every promise this
// sandbox ever constructs is already settled by the time script execution
// returns, since every bridge call is synchronous underneath — there is no
// microtask queue to drain here, only a single state read.
func unwrapExport(v goja.Value) (interface{}, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	exported := v.Export()
	promise, ok := exported.(*goja.Promise)
	if !ok {
		return exported, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("script exported a rejected promise: %v", promise.Result().Export())
	default:
		return nil, fmt.Errorf("script exported a promise that never settled")
	}
}

// validateArgs shape-checks a bridge call's arguments against the
// downstream tool's declared input schema before the call reaches the
// subprocess, so a malformed script fails inside the sandbox with a
// JSON-Schema validation error rather than as an opaque downstream RPC
// failure. A tool with no declared schema accepts any argument shape.
func validateArgs(inputSchema json.RawMessage, args map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(inputSchema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("argument validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func decodeRawResponse(raw connection.RawResponse) (map[string]interface{}, error) {
	content := make([]interface{}, 0, len(raw.Content))
	for _, item := range raw.Content {
		var v interface{}
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("decode content item: %w", err)
		}
		content = append(content, v)
	}
	return map[string]interface{}{
		"content": content,
		"isError": raw.IsError,
	}, nil
}

// resolveStubPath restricts require() to sandbox-root-relative .cjs paths,
// rejecting any attempt to escape the root.
func resolveStubPath(root, spec string) (string, error) {
	if !strings.HasSuffix(spec, ".cjs") {
		return "", fmt.Errorf("require: only .cjs stub paths and the built-in mock modules are allowed, got %q", spec)
	}
	cleaned := filepath.Clean(filepath.Join(root, spec))
	rootClean := filepath.Clean(root)
	if cleaned != rootClean && !strings.HasPrefix(cleaned, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("require: path %q escapes the sandbox root", spec)
	}
	if _, err := os.Stat(cleaned); err != nil {
		return "", fmt.Errorf("require: stub not found: %q", spec)
	}
	return cleaned, nil
}

// bridgeName computes the deterministic native-function identifier a
// stub calls into. Materialize and Run must derive it from identical
// sorted-index positions against the same registry snapshot.
func bridgeName(serverIdx, toolIdx int) string {
	return fmt.Sprintf("__call_%d_%d", serverIdx, toolIdx)
}

func sortedServers(servers []*registry.ServerInfo) []*registry.ServerInfo {
	out := make([]*registry.ServerInfo, len(servers))
	copy(out, servers)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedTools(tools []*registry.ToolDescriptor) []*registry.ToolDescriptor {
	out := make([]*registry.ToolDescriptor, len(tools))
	copy(out, tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// stubSource renders a stub .cjs implementing the §4.7 five-step contract:
// look up serversInfo, verify the server is connected, invoke the bridge
// by downstream name, record the observation into toolOutputCache, and
// return the standardized envelope.
func stubSource(serverName, toolName, bridge string) string {
	serverJSON, _ := json.Marshal(serverName)
	toolJSON, _ := json.Marshal(toolName)

	return fmt.Sprintf(`module.exports = async function (args) {
  const info = serversInfo[%s];
  if (!info || !info.connected) {
    throw new Error("server " + %s + " is not connected");
  }

  const rawResponse = %s(args || {});

  if (!toolOutputCache[%s]) {
    toolOutputCache[%s] = [];
  }
  toolOutputCache[%s].push({ toolName: %s, rawResponse: rawResponse });

  return {
    content: rawResponse.content || [],
    isError: rawResponse.isError || false,
    _meta: { serverName: %s, toolName: %s },
  };
};
`, string(serverJSON), string(serverJSON), bridge,
		string(serverJSON), string(serverJSON), string(serverJSON), string(toolJSON),
		string(serverJSON), string(toolJSON))
}
