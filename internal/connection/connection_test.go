package connection

import (
	"context"
	"testing"
	"time"
)

func TestSpawn_BadCommand(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.Spawn(ctx, ServerDescriptor{Name: "ghost", Command: "/nonexistent/binary-xyz"})
	if err == nil {
		t.Fatal("expected error spawning a nonexistent command")
	}
	if _, ok := m.Get("ghost"); ok {
		t.Error("a failed spawn must not leave an entry in the manager")
	}
}

func TestSpawnAll_DuplicateName(t *testing.T) {
	m := NewManager()
	descs := []ServerDescriptor{
		{Name: "dup", Command: "/bin/true"},
		{Name: "dup", Command: "/bin/true"},
	}
	errs := m.SpawnAll(context.Background(), descs)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one duplicate-name error, got %d: %v", len(errs), errs)
	}
	if len(m.All()) != 0 {
		t.Error("a duplicate-name descriptor set must spawn nothing")
	}
}

func TestSpawnAll_PartialFailureIsNonFatal(t *testing.T) {
	m := NewManager()
	descs := []ServerDescriptor{
		{Name: "bad", Command: "/nonexistent/binary-xyz"},
	}
	errs := m.SpawnAll(context.Background(), descs)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if _, ok := m.Get("bad"); ok {
		t.Error("failed server must not be registered")
	}
}

func TestGet_Missing(t *testing.T) {
	m := NewManager()
	if _, ok := m.Get("nope"); ok {
		t.Error("expected ok=false for a server never spawned")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	m := NewManager()
	m.Shutdown()
	m.Shutdown() // must not panic on a second call
	if len(m.All()) != 0 {
		t.Error("expected no handles after shutdown")
	}
}

func TestHandle_CallTool_NotConnected(t *testing.T) {
	h := newHandle(ServerDescriptor{Name: "x"})
	_, err := h.CallTool(context.Background(), "whatever", nil)
	if err == nil {
		t.Error("expected error calling a tool on an unconnected handle")
	}
}

func TestHandle_ListTools_NotConnected(t *testing.T) {
	h := newHandle(ServerDescriptor{Name: "x"})
	_, err := h.ListTools(context.Background())
	if err == nil {
		t.Error("expected error listing tools on an unconnected handle")
	}
}
