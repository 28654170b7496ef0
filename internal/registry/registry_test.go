package registry

import (
	"context"
	"testing"

	"sce.dev/auto/common/id"
)

func TestMain(m *testing.M) {
	_ = id.Init(1)
	m.Run()
}

func TestRegistry_RegisterAndDeregister(t *testing.T) {
	r := New()

	workerID := r.Register("01-01-a")
	if workerID == "" {
		t.Fatal("Register returned an empty workerId")
	}

	meta, ok := r.Get(workerID)
	if !ok {
		t.Fatal("Get did not find the registered worker")
	}
	if meta.SpecName != "01-01-a" {
		t.Errorf("SpecName = %s, want 01-01-a", meta.SpecName)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	r.Deregister(context.Background(), workerID)
	if r.Len() != 0 {
		t.Errorf("Len() after deregister = %d, want 0", r.Len())
	}
}

func TestRegistry_DeregisterIsIdempotent(t *testing.T) {
	r := New()
	workerID := r.Register("01-01-a")

	r.Deregister(context.Background(), workerID)
	r.Deregister(context.Background(), workerID) // must not panic or error
	r.Deregister(context.Background(), "never-registered")

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_UniqueWorkerIDs(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		wid := r.Register("spec")
		if seen[wid] {
			t.Fatalf("duplicate workerId generated: %s", wid)
		}
		seen[wid] = true
	}
}
