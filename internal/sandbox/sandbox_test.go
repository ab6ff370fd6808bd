package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mcpofmcps/mcpofmcps/internal/connection"
	"github.com/mcpofmcps/mcpofmcps/internal/registry"
	"github.com/mcpofmcps/mcpofmcps/internal/store"
)

type fakeHandle struct {
	name  string
	tools []connection.ToolInfo
	call  func(ctx context.Context, name string, args map[string]any) (connection.RawResponse, error)
}

func (f *fakeHandle) Name() string            { return f.name }
func (f *fakeHandle) GetInstructions() string { return "instructions for " + f.name }
func (f *fakeHandle) ListTools(context.Context) ([]connection.ToolInfo, error) {
	return f.tools, nil
}
func (f *fakeHandle) CallTool(ctx context.Context, name string, args map[string]any) (connection.RawResponse, error) {
	if f.call != nil {
		return f.call(ctx, name, args)
	}
	return connection.RawResponse{}, nil
}

type fakeProvider struct{ handles map[string]connection.ToolSource }

func (p *fakeProvider) Get(name string) (connection.ToolSource, bool) {
	h, ok := p.handles[name]
	return h, ok
}
func (p *fakeProvider) All() map[string]connection.ToolSource { return p.handles }

func newTestRegistry(t *testing.T, handles map[string]connection.ToolSource) *registry.Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mcps.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	prov := &fakeProvider{handles: handles}
	reg := registry.New(prov, st)
	for name := range handles {
		if err := reg.RegisterServer(context.Background(), name); err != nil {
			t.Fatalf("RegisterServer(%s): %v", name, err)
		}
	}
	return reg
}

func TestMaterialize_CreatesStubPerTool(t *testing.T) {
	reg := newTestRegistry(t, map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{
			{Name: "get_forecast", Description: "d"},
		}},
	})

	root := filepath.Join(t.TempDir(), "sandbox")
	sb := New(root)
	if err := sb.Materialize(reg.AllServers()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	stubPath := filepath.Join(root, "weather", "get_forecast.cjs")
	if _, err := os.Stat(stubPath); err != nil {
		t.Fatalf("expected stub file to exist: %v", err)
	}

	src, err := os.ReadFile(stubPath)
	if err != nil {
		t.Fatalf("read stub: %v", err)
	}
	if !contains(string(src), "module.exports = async function") {
		t.Errorf("stub does not export an async function:\n%s", src)
	}
}

func TestMaterialize_WipesPreviousContents(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sandbox")
	sb := New(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(root, "stale.txt")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	reg := newTestRegistry(t, map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{{Name: "get_forecast"}}},
	})
	if err := sb.Materialize(reg.AllServers()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(stale); err == nil {
		t.Error("expected stale file to be removed by Materialize")
	}
}

func TestRun_ToolCallReturnsEnvelope(t *testing.T) {
	reg := newTestRegistry(t, map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{{Name: "get_forecast"}},
			call: func(ctx context.Context, name string, args map[string]any) (connection.RawResponse, error) {
				return connection.RawResponse{Content: []json.RawMessage{json.RawMessage(`{"tempC":21}`)}}, nil
			},
		},
	})

	root := filepath.Join(t.TempDir(), "sandbox")
	sb := New(root)
	if err := sb.Materialize(reg.AllServers()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	code := `
const get_forecast = require('./weather/get_forecast.cjs');
module.exports = get_forecast({ city: 'nyc' });
`
	out, cache, err := sb.Run(context.Background(), code, reg.AllServers())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	meta, ok := result["_meta"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected _meta in envelope, got: %s", out)
	}
	if meta["serverName"] != "weather" || meta["toolName"] != "get_forecast" {
		t.Errorf("unexpected _meta: %v", meta)
	}

	entries, ok := cache["weather"]
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one captured invocation, got %v", cache)
	}
	if entries[0].ToolName != "get_forecast" {
		t.Errorf("ToolName = %q", entries[0].ToolName)
	}
}

func TestRun_NonPromiseExportReturnedAsIs(t *testing.T) {
	reg := newTestRegistry(t, map[string]connection.ToolSource{})
	root := filepath.Join(t.TempDir(), "sandbox")
	sb := New(root)
	if err := sb.Materialize(reg.AllServers()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	out, _, err := sb.Run(context.Background(), `module.exports = { hello: "world" };`, reg.AllServers())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["hello"] != "world" {
		t.Errorf("result = %v", result)
	}
}

func TestRun_RequireOutsideRootRejected(t *testing.T) {
	reg := newTestRegistry(t, map[string]connection.ToolSource{})
	root := filepath.Join(t.TempDir(), "sandbox")
	sb := New(root)
	if err := sb.Materialize(reg.AllServers()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	_, _, err := sb.Run(context.Background(), `module.exports = require('../../etc/passwd.cjs');`, reg.AllServers())
	if err == nil {
		t.Error("expected error requiring a path outside the sandbox root")
	}
}

func TestRun_CallToUnconnectedServerThrows(t *testing.T) {
	reg := newTestRegistry(t, map[string]connection.ToolSource{})
	root := filepath.Join(t.TempDir(), "sandbox")
	sb := New(root)

	// Materialize a stub for a server the registry doesn't actually have,
	// simulating a stale stub left over from a previous run.
	stubDir := filepath.Join(root, "ghost")
	if err := os.MkdirAll(stubDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stub := "module.exports = async function(args) {\n  const info = serversInfo[\"ghost\"];\n  if (!info || !info.connected) { throw new Error(\"server ghost is not connected\"); }\n  return {};\n};\n"
	if err := os.WriteFile(filepath.Join(stubDir, "do_thing.cjs"), []byte(stub), 0o644); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	_, _, err := sb.Run(context.Background(), `
const do_thing = require('./ghost/do_thing.cjs');
module.exports = do_thing({});
`, reg.AllServers())
	if err == nil {
		t.Error("expected error calling a tool on a server absent from serversInfo")
	}
}

func TestDrain_InfersSchemaAndRespectsI4(t *testing.T) {
	reg := newTestRegistry(t, map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{
			{Name: "get_forecast", OutputSchema: json.RawMessage(`{"original":true}`)},
		}},
	})

	sb := New(filepath.Join(t.TempDir(), "sandbox"))
	cache := map[string][]CacheEntry{
		"weather": {
			{ToolName: "get_forecast", RawResponse: connection.RawResponse{
				Content: []json.RawMessage{json.RawMessage(`{"tempC":21}`)},
			}},
		},
	}
	sb.Drain(reg, cache)

	tool, ok := reg.GetTool("weather", "get_forecast")
	if !ok {
		t.Fatal("expected tool to exist")
	}
	if string(tool.OutputSchema) != `{"original":true}` {
		t.Errorf("expected original schema to survive drain, got %s", tool.OutputSchema)
	}
}

func TestDrain_InfersSchemaWhenNoneExists(t *testing.T) {
	reg := newTestRegistry(t, map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{{Name: "get_forecast"}}},
	})

	sb := New(filepath.Join(t.TempDir(), "sandbox"))
	cache := map[string][]CacheEntry{
		"weather": {
			{ToolName: "get_forecast", RawResponse: connection.RawResponse{
				Content: []json.RawMessage{json.RawMessage(`{"tempC":21}`)},
			}},
		},
	}
	sb.Drain(reg, cache)

	tool, ok := reg.GetTool("weather", "get_forecast")
	if !ok {
		t.Fatal("expected tool to exist")
	}
	if tool.OutputSchema == nil {
		t.Fatal("expected an inferred schema to be set")
	}
	if tool.OriginalOutputSchema {
		t.Error("expected inferred schema to not be marked original")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
