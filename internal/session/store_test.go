package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAndGetMetadata(t *testing.T) {
	store := newTestStore(t)

	meta := Metadata{SessionID: "sess-1", WorkspaceDir: "/work/sess-1"}
	if err := store.Create(meta); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := os.Stat(store.SessionDir("sess-1")); err != nil {
		t.Errorf("session directory missing: %v", err)
	}

	got, err := store.GetMetadata("sess-1")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got.SessionID)
	}
	if got.State != StateCreated {
		t.Errorf("State = %q, want %q", got.State, StateCreated)
	}
	if got.CreatedAt.IsZero() || got.LastActivityAt.IsZero() {
		t.Error("timestamps not initialized")
	}
}

func TestStore_AppendLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "sess-rt"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	want := []Message{
		TextMessage(RoleUser, "first prompt"),
		TextMessage(RoleAssistant, "first reply"),
		TextMessage(RoleUser, "second prompt"),
		{
			Role: RoleAssistant,
			Blocks: []ContentBlock{
				{Type: BlockThinking, Text: "let me check"},
				{Type: BlockToolUse, ToolID: "t1", ToolName: "read_file"},
				{Type: BlockToolResult, ToolID: "t1", IsError: true},
				{Type: BlockText, Text: "second reply"},
			},
		},
	}
	for i, msg := range want {
		if err := store.Append("sess-rt", msg); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	got, err := store.Load("sess-rt")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Load returned %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Role != want[i].Role {
			t.Errorf("message %d role = %q, want %q", i, got[i].Role, want[i].Role)
		}
		if len(got[i].Blocks) != len(want[i].Blocks) {
			t.Errorf("message %d has %d blocks, want %d", i, len(got[i].Blocks), len(want[i].Blocks))
			continue
		}
		for j := range want[i].Blocks {
			if got[i].Blocks[j].Type != want[i].Blocks[j].Type {
				t.Errorf("message %d block %d type = %q, want %q",
					i, j, got[i].Blocks[j].Type, want[i].Blocks[j].Type)
			}
			if got[i].Blocks[j].Text != want[i].Blocks[j].Text {
				t.Errorf("message %d block %d text mismatch", i, j)
			}
		}
	}

	meta, err := store.GetMetadata("sess-rt")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.MessageCount != len(want) {
		t.Errorf("MessageCount = %d, want %d", meta.MessageCount, len(want))
	}
}

func TestStore_LoadEmptyHistory(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "sess-empty"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	msgs, err := store.Load("sess-empty")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("Load = %v, want empty non-nil slice", msgs)
	}
}

func TestStore_LoadUnknownSession(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create(Metadata{SessionID: "sess-del"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Give it an alias to verify the symlink is cleaned up too.
	machine := NewStateMachine(store, nil, "sess-del")
	if err := machine.AutoName("Delete me please"); err != nil {
		t.Fatalf("AutoName failed: %v", err)
	}
	meta, _ := store.GetMetadata("sess-del")
	if meta.AliasName == "" {
		t.Fatal("expected an alias after AutoName")
	}
	aliasPath := filepath.Join(store.AliasDir(), meta.AliasName)

	if err := store.Delete("sess-del"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if store.Exists("sess-del") {
		t.Error("session still exists after Delete")
	}
	if _, err := os.Lstat(aliasPath); !os.IsNotExist(err) {
		t.Error("alias symlink survived Delete")
	}
}

func TestStore_ClosedStore(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	if err := store.Create(Metadata{SessionID: "x"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Create err = %v, want ErrStoreClosed", err)
	}
	if _, err := store.Load("x"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Load err = %v, want ErrStoreClosed", err)
	}
}
