package registry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mcpofmcps/mcpofmcps/internal/connection"
	"github.com/mcpofmcps/mcpofmcps/internal/store"
)

// fakeHandle is a connection.ToolSource test double backed by a static
// tool list, with no real subprocess involved.
type fakeHandle struct {
	name         string
	instructions string
	tools        []connection.ToolInfo
}

func (f *fakeHandle) Name() string               { return f.name }
func (f *fakeHandle) GetInstructions() string    { return f.instructions }
func (f *fakeHandle) ListTools(context.Context) ([]connection.ToolInfo, error) {
	return f.tools, nil
}
func (f *fakeHandle) CallTool(context.Context, string, map[string]any) (connection.RawResponse, error) {
	return connection.RawResponse{}, nil
}

type fakeProvider struct {
	handles map[string]connection.ToolSource
}

func (p *fakeProvider) Get(name string) (connection.ToolSource, bool) {
	h, ok := p.handles[name]
	return h, ok
}
func (p *fakeProvider) All() map[string]connection.ToolSource {
	return p.handles
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mcps.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSanitizeTitle_Rules(t *testing.T) {
	cases := map[string]string{
		"get_forecast":   "get_forecast",
		"get-forecast":   "get_forecast",
		"get forecast":   "get_forecast",
		"get//forecast":  "get_forecast",
		"2fast":          "_2fast",
		"a--b--c":        "a_b_c",
		"":                "_",
	}
	for in, want := range cases {
		got := sanitizeTitle(in)
		if got != want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeTitle_Idempotent(t *testing.T) {
	inputs := []string{"get_forecast", "get-forecast", "2fast", "a/b/c", "already_fine"}
	for _, in := range inputs {
		once := sanitizeTitle(in)
		twice := sanitizeTitle(once)
		if once != twice {
			t.Errorf("sanitizeTitle not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestUniqueTitle_Deduplicates(t *testing.T) {
	used := map[string]bool{}
	a := uniqueTitle("tool", used)
	used[a] = true
	b := uniqueTitle("tool", used)
	used[b] = true
	c := uniqueTitle("tool", used)
	used[c] = true

	if a != "tool" {
		t.Errorf("first = %q, want tool", a)
	}
	if b != "tool_2" {
		t.Errorf("second = %q, want tool_2", b)
	}
	if c != "tool_3" {
		t.Errorf("third = %q, want tool_3", c)
	}
}

func TestRegisterServer_BasicAndMissingHandle(t *testing.T) {
	st := newTestStore(t)
	prov := &fakeProvider{handles: map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{
			{Name: "get_forecast", Description: "weather predictions", InputSchema: json.RawMessage(`{}`)},
		}},
	}}
	reg := New(prov, st)

	if err := reg.RegisterServer(context.Background(), "weather"); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	info, ok := reg.GetServer("weather")
	if !ok {
		t.Fatal("expected weather server to be registered")
	}
	if len(info.Tools) != 1 || info.Tools[0].Title != "get_forecast" {
		t.Fatalf("unexpected tools: %+v", info.Tools)
	}

	if err := reg.RegisterServer(context.Background(), "ghost"); err == nil {
		t.Error("expected error registering a server with no connection handle")
	}

	if err := reg.RegisterServer(context.Background(), "weather"); err == nil {
		t.Error("expected error re-registering an already-registered server")
	}
}

func TestRegisterServer_TitleDedupeWithinServer(t *testing.T) {
	st := newTestStore(t)
	prov := &fakeProvider{handles: map[string]connection.ToolSource{
		"svc": &fakeHandle{name: "svc", tools: []connection.ToolInfo{
			{Name: "do-thing", Description: "d1"},
			{Name: "do.thing", Description: "d2"},
		}},
	}}
	reg := New(prov, st)
	if err := reg.RegisterServer(context.Background(), "svc"); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	info, _ := reg.GetServer("svc")
	titles := map[string]bool{}
	for _, tl := range info.Tools {
		if titles[tl.Title] {
			t.Fatalf("duplicate title %q within server", tl.Title)
		}
		titles[tl.Title] = true
	}
	if !titles["do_thing"] || !titles["do_thing_2"] {
		t.Errorf("expected do_thing and do_thing_2, got %v", titles)
	}
}

func TestRegisterServer_InjectsPersistedOriginalSchemaWhenLiveOmitsIt(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.SaveOrUpdate(store.Row{
		ServerName: "weather", ToolName: "get_forecast",
		OutputSchema: `{"type":"object","properties":{"tempC":{"type":"number"}}}`,
		OriginalOutputSchema: true,
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	prov := &fakeProvider{handles: map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{
			{Name: "get_forecast", Description: "weather predictions"}, // no OutputSchema this run
		}},
	}}
	reg := New(prov, st)
	if err := reg.RegisterServer(context.Background(), "weather"); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	tl, ok := reg.GetTool("weather", "get_forecast")
	if !ok {
		t.Fatal("expected tool to be registered")
	}
	if !tl.OriginalOutputSchema {
		t.Error("expected injected schema to carry OriginalOutputSchema=true")
	}
	if string(tl.OutputSchema) != `{"type":"object","properties":{"tempC":{"type":"number"}}}` {
		t.Errorf("OutputSchema = %s", tl.OutputSchema)
	}
}

func TestReconcileOrphans(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.SaveOrUpdate(store.Row{ServerName: "gone", ToolName: "x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	prov := &fakeProvider{handles: map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{{Name: "get_forecast"}}},
	}}
	reg := New(prov, st)
	if err := reg.RegisterServer(context.Background(), "weather"); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	if err := reg.ReconcileOrphans(); err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}

	servers, err := st.ListAllServers()
	if err != nil {
		t.Fatalf("ListAllServers: %v", err)
	}
	for _, s := range servers {
		if s == "gone" {
			t.Error("expected orphaned server 'gone' to be reconciled away")
		}
	}
}

func TestUpdateToolOutputSchema_RespectsI4(t *testing.T) {
	st := newTestStore(t)
	prov := &fakeProvider{handles: map[string]connection.ToolSource{
		"weather": &fakeHandle{name: "weather", tools: []connection.ToolInfo{
			{Name: "get_forecast", OutputSchema: json.RawMessage(`{"original":true}`)},
		}},
	}}
	reg := New(prov, st)
	if err := reg.RegisterServer(context.Background(), "weather"); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	if err := reg.UpdateToolOutputSchema("weather", "get_forecast", json.RawMessage(`{"inferred":true}`), false); err != nil {
		t.Fatalf("UpdateToolOutputSchema: %v", err)
	}

	tl, _ := reg.GetTool("weather", "get_forecast")
	if string(tl.OutputSchema) != `{"original":true}` {
		t.Errorf("in-memory schema was overwritten by an inferred write: %s", tl.OutputSchema)
	}
}

func TestServerCountAndTotalToolCount(t *testing.T) {
	st := newTestStore(t)
	prov := &fakeProvider{handles: map[string]connection.ToolSource{
		"a": &fakeHandle{name: "a", tools: []connection.ToolInfo{{Name: "one"}, {Name: "two"}}},
		"b": &fakeHandle{name: "b", tools: []connection.ToolInfo{{Name: "three"}}},
	}}
	reg := New(prov, st)
	errs := reg.RegisterAll(context.Background())
	if len(errs) != 0 {
		t.Fatalf("RegisterAll errors: %v", errs)
	}
	if reg.ServerCount() != 2 {
		t.Errorf("ServerCount = %d, want 2", reg.ServerCount())
	}
	if reg.TotalToolCount() != 3 {
		t.Errorf("TotalToolCount = %d, want 3", reg.TotalToolCount())
	}
}
