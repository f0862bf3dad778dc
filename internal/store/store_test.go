package store

import (
	"path/filepath"
	"testing"

	"github.com/fenwick-ops/conductor/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordCRUD(t *testing.T) {
	s := newTestStore(t)

	r := &Record{
		Namespace: "agents",
		ID:        "general",
		Kind:      "agent",
		Type:      "general",
		Status:    "idle",
		Version:   1,
		Payload:   `{"name":"General"}`,
		Tags:      []string{"coding", "default"},
	}
	if err := s.Put(r); err != nil {
		t.Fatalf("put record: %v", err)
	}

	got, err := s.Get("agents", "general")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Status != "idle" {
		t.Errorf("expected status 'idle', got %q", got.Status)
	}
	if len(got.Tags) != 2 {
		t.Errorf("expected 2 tags, got %d", len(got.Tags))
	}

	// Update
	r.Status = "busy"
	r.Version = 2
	r.Tags = []string{"coding"}
	if err := s.Put(r); err != nil {
		t.Fatalf("update record: %v", err)
	}
	got, _ = s.Get("agents", "general")
	if got.Status != "busy" || got.Version != 2 {
		t.Errorf("expected updated record, got status=%q version=%d", got.Status, got.Version)
	}
	if len(got.Tags) != 1 {
		t.Errorf("expected tag set to shrink to 1, got %d", len(got.Tags))
	}

	// Not found
	got, err = s.Get("agents", "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent record")
	}
}

func TestQueryFiltersByNamespaceTypeStatusAndTag(t *testing.T) {
	s := newTestStore(t)

	_ = s.Put(&Record{Namespace: "agents", ID: "a1", Kind: "agent", Type: "coder", Status: "idle", Payload: "{}", Tags: []string{"go"}})
	_ = s.Put(&Record{Namespace: "agents", ID: "a2", Kind: "agent", Type: "coder", Status: "busy", Payload: "{}", Tags: []string{"go"}})
	_ = s.Put(&Record{Namespace: "agents", ID: "a3", Kind: "agent", Type: "researcher", Status: "idle", Payload: "{}", Tags: []string{"search"}})
	_ = s.Put(&Record{Namespace: "workflows", ID: "w1", Kind: "workflow", Status: "idle", Payload: "{}"})

	byType, err := s.Query("agents", Query{Type: "coder"})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("expected 2 coder agents, got %d", len(byType))
	}

	byStatus, err := s.Query("agents", Query{Status: "idle"})
	if err != nil {
		t.Fatalf("query by status: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("expected 2 idle agents, got %d", len(byStatus))
	}

	byTag, err := s.Query("agents", Query{Tag: "go"})
	if err != nil {
		t.Fatalf("query by tag: %v", err)
	}
	if len(byTag) != 2 {
		t.Errorf("expected 2 agents tagged 'go', got %d", len(byTag))
	}
}

func TestArchiveHidesFromDefaultQuery(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(&Record{Namespace: "agents", ID: "a1", Kind: "agent", Payload: "{}"})

	if err := s.Archive("agents", "a1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	visible, _ := s.Query("agents", Query{})
	if len(visible) != 0 {
		t.Errorf("expected archived record hidden from default query, got %d", len(visible))
	}

	all, _ := s.Query("agents", Query{IncludeArchived: true})
	if len(all) != 1 {
		t.Errorf("expected archived record visible with IncludeArchived, got %d", len(all))
	}

	got, err := s.Get("agents", "a1")
	if err != nil {
		t.Fatalf("get archived record: %v", err)
	}
	if got == nil || !got.Archived {
		t.Error("expected Get to still return the archived record")
	}
}

func TestDeleteRemovesRecordAndTags(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(&Record{Namespace: "agents", ID: "a1", Kind: "agent", Payload: "{}", Tags: []string{"go"}})

	if err := s.Delete("agents", "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := s.Get("agents", "a1")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(&Record{Namespace: "agents", ID: "x1", Kind: "agent", Payload: "{}"})
	_ = s.Put(&Record{Namespace: "workflows", ID: "x1", Kind: "workflow", Payload: "{}"})

	agents, _ := s.Query("agents", Query{})
	if len(agents) != 1 {
		t.Errorf("expected 1 record in 'agents' namespace, got %d", len(agents))
	}
	workflows, _ := s.Query("workflows", Query{})
	if len(workflows) != 1 {
		t.Errorf("expected 1 record in 'workflows' namespace, got %d", len(workflows))
	}
}
