package session

import (
	"context"
	"testing"
	"time"

	"sce.dev/auto/internal/model"
)

func newSession(id string, status model.OrchestrationStatus) *model.CloseLoopSession {
	return &model.CloseLoopSession{
		SessionID: id,
		Goal:      "migrate billing service",
		Status:    status,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	sess := newSession("1-1000", model.OrchestrationCompleted)
	if err := store.Save(ctx, sess, time.Unix(1000, 0)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "1-1000")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Goal != sess.Goal {
		t.Errorf("Goal = %q, want %q", loaded.Goal, sess.Goal)
	}
	if loaded.SchemaVersion != model.SessionSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", loaded.SchemaVersion, model.SessionSchemaVersion)
	}
}

func TestStore_ResolveLatest(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	if err := store.Save(ctx, newSession("1-1000", model.OrchestrationCompleted), time.Unix(1000, 0)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := store.Save(ctx, newSession("1-2000", model.OrchestrationCompleted), time.Unix(2000, 0)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	latest, err := store.Resolve(ctx, ResumeLatest)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if latest.SessionID != "1-2000" {
		t.Errorf("latest.SessionID = %s, want 1-2000", latest.SessionID)
	}
}

func TestStore_ResolveInterrupted(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	if err := store.Save(ctx, newSession("1-1000", model.OrchestrationCompleted), time.Unix(1000, 0)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := store.Save(ctx, newSession("1-2000", model.OrchestrationPartialFailed), time.Unix(2000, 0)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	interrupted, err := store.Resolve(ctx, ResumeInterrupted)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if interrupted.SessionID != "1-2000" {
		t.Errorf("interrupted.SessionID = %s, want 1-2000", interrupted.SessionID)
	}
}

func TestStore_PruneRespectsKeepAndActive(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := store.Save(ctx, newSession("1-old", model.OrchestrationCompleted), old); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, newSession("1-active", model.OrchestrationCompleted), old); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	removed, err := store.Prune(ctx, 0, 1, "1-active")
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	for _, r := range removed {
		if r == "1-active" {
			t.Error("Prune removed the active session")
		}
	}
	if len(removed) != 1 || removed[0] != "1-old" {
		t.Errorf("removed = %v, want [1-old]", removed)
	}
}
