package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func createSession(t *testing.T, store *Store, id string) *StateMachine {
	t.Helper()
	if err := store.Create(Metadata{SessionID: id}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return NewStateMachine(store, nil, id)
}

func countAliases(t *testing.T, store *Store) int {
	t.Helper()
	entries, err := os.ReadDir(store.AliasDir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	return len(entries)
}

func TestStateMachine_FullLifecycle(t *testing.T) {
	store := newTestStore(t)
	m := createSession(t, store, "sess-life")

	if err := m.AutoName("Fix the build"); err != nil {
		t.Fatalf("AutoName failed: %v", err)
	}
	if state, _ := m.State(); state != StateAutoNamed {
		t.Errorf("state = %q, want %q", state, StateAutoNamed)
	}

	if err := m.Finalize("Build fixes for CI"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if state, _ := m.State(); state != StateFinalized {
		t.Errorf("state = %q, want %q", state, StateFinalized)
	}

	if err := m.Archive(); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	meta, _ := store.GetMetadata("sess-life")
	if meta.State != StateArchived {
		t.Errorf("state = %q, want %q", meta.State, StateArchived)
	}
	if meta.ArchivedAt.IsZero() {
		t.Error("ArchivedAt not set")
	}
	if meta.DisplayName != "Build fixes for CI" {
		t.Errorf("DisplayName = %q, want the finalized name", meta.DisplayName)
	}
}

func TestStateMachine_IdempotentTransitions(t *testing.T) {
	store := newTestStore(t)
	m := createSession(t, store, "sess-idem")

	if err := m.AutoName("First name"); err != nil {
		t.Fatalf("AutoName failed: %v", err)
	}
	// A second auto-name must not change anything.
	if err := m.AutoName("Second name"); err != nil {
		t.Fatalf("repeated AutoName should be a no-op, got %v", err)
	}
	meta, _ := store.GetMetadata("sess-idem")
	if meta.DisplayName != "First name" {
		t.Errorf("DisplayName = %q, want the first name", meta.DisplayName)
	}
	if got := countAliases(t, store); got != 1 {
		t.Errorf("alias count = %d, want 1", got)
	}

	if err := m.Finalize(""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	// Empty finalize name keeps the current one.
	meta, _ = store.GetMetadata("sess-idem")
	if meta.DisplayName != "First name" {
		t.Errorf("DisplayName = %q after empty Finalize, want kept name", meta.DisplayName)
	}
	if err := m.Finalize("late rename"); err != nil {
		t.Fatalf("repeated Finalize should be a no-op, got %v", err)
	}
}

func TestStateMachine_ExactlyOneAliasPerTransition(t *testing.T) {
	store := newTestStore(t)
	m := createSession(t, store, "sess-alias")

	if err := m.AutoName("Working title"); err != nil {
		t.Fatalf("AutoName failed: %v", err)
	}
	if got := countAliases(t, store); got != 1 {
		t.Fatalf("alias count = %d after AutoName, want 1", got)
	}
	first, _ := store.GetMetadata("sess-alias")

	if err := m.Finalize("Final title"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if got := countAliases(t, store); got != 1 {
		t.Fatalf("alias count = %d after Finalize, want 1 (old alias must be unlinked)", got)
	}
	second, _ := store.GetMetadata("sess-alias")
	if first.AliasName == second.AliasName {
		t.Error("alias slug did not change with the new name")
	}

	// The alias points at the stable per-id directory.
	target, err := os.Readlink(filepath.Join(store.AliasDir(), second.AliasName))
	if err != nil {
		t.Fatalf("Readlink failed: %v", err)
	}
	if filepath.Base(target) != "sess-alias" {
		t.Errorf("alias target = %q, want the session id directory", target)
	}
}

func TestStateMachine_ArchiveFromCreatedIsInvalid(t *testing.T) {
	store := newTestStore(t)
	m := createSession(t, store, "sess-young")

	if err := m.Archive(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Archive from created: err = %v, want ErrInvalidTransition", err)
	}
}

func TestStateMachine_NoBackwardTransition(t *testing.T) {
	store := newTestStore(t)
	m := createSession(t, store, "sess-mono")

	if err := m.Finalize("Straight to finalized"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	// AutoName after Finalize is already-applied territory: no error, no change.
	if err := m.AutoName("sneaky rename"); err != nil {
		t.Fatalf("AutoName after Finalize should be a no-op, got %v", err)
	}
	meta, _ := store.GetMetadata("sess-mono")
	if meta.State != StateFinalized || meta.DisplayName != "Straight to finalized" {
		t.Errorf("state/name changed by a stale transition: %q %q", meta.State, meta.DisplayName)
	}
}

func TestStateMachine_IndependentMachinesStayMonotonic(t *testing.T) {
	store := newTestStore(t)
	createSession(t, store, "sess-shared")

	// The REST surface and the sweeper each build their own machine over
	// the shared store; a stale machine must still see committed state.
	m1 := NewStateMachine(store, nil, "sess-shared")
	m2 := NewStateMachine(store, nil, "sess-shared")

	if err := m2.Finalize("Finalized name"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if err := m1.AutoName("stale auto name"); err != nil {
		t.Fatalf("AutoName after Finalize should be a no-op, got %v", err)
	}
	meta, _ := store.GetMetadata("sess-shared")
	if meta.State != StateFinalized || meta.DisplayName != "Finalized name" {
		t.Errorf("state/name regressed via second machine: %q %q", meta.State, meta.DisplayName)
	}

	if err := m1.Archive(); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if err := m2.Finalize("late rename"); err != nil {
		t.Fatalf("Finalize after Archive should be a no-op, got %v", err)
	}
	meta, _ = store.GetMetadata("sess-shared")
	if meta.State != StateArchived {
		t.Errorf("state = %q after late Finalize, want %q", meta.State, StateArchived)
	}
}

func TestStateMachine_ConcurrentFinalizeAndAutoName(t *testing.T) {
	store := newTestStore(t)

	// Whichever order the two transitions land in, the session must end
	// finalized with the finalized name; auto_named never wins.
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("sess-race-%d", i)
		createSession(t, store, id)
		m1 := NewStateMachine(store, nil, id)
		m2 := NewStateMachine(store, nil, id)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			if err := m1.AutoName("working title"); err != nil {
				t.Errorf("AutoName failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if err := m2.Finalize("final title"); err != nil {
				t.Errorf("Finalize failed: %v", err)
			}
		}()
		close(start)
		wg.Wait()

		meta, err := store.GetMetadata(id)
		if err != nil {
			t.Fatalf("GetMetadata failed: %v", err)
		}
		if meta.State != StateFinalized {
			t.Errorf("state = %q, want %q", meta.State, StateFinalized)
		}
		if meta.DisplayName != "final title" {
			t.Errorf("DisplayName = %q, want the finalized name", meta.DisplayName)
		}
	}
}

func TestStateMachine_AliasCollision(t *testing.T) {
	store := newTestStore(t)
	m1 := createSession(t, store, "sess-collide-1")
	m2 := createSession(t, store, "sess-collide-2")

	if err := m1.AutoName("Same name"); err != nil {
		t.Fatalf("AutoName 1 failed: %v", err)
	}
	if err := m2.AutoName("Same name"); err != nil {
		t.Fatalf("AutoName 2 failed: %v", err)
	}

	meta1, _ := store.GetMetadata("sess-collide-1")
	meta2, _ := store.GetMetadata("sess-collide-2")
	if meta1.AliasName == meta2.AliasName {
		t.Errorf("colliding names produced identical aliases %q", meta1.AliasName)
	}
	if got := countAliases(t, store); got != 2 {
		t.Errorf("alias count = %d, want 2", got)
	}
}
