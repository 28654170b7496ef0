package orchestrator_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sce.dev/auto/internal/collab"
	"sce.dev/auto/internal/model"
	"sce.dev/auto/internal/orchestrator"
)

// fakeSpawner resolves every spawned spec to a pre-configured worker
// outcome, without touching the filesystem or any sub-process.
type fakeSpawner struct {
	mu       sync.Mutex
	outcomes map[string]model.WorkerStatus
	spawned  []string
}

func newFakeSpawner(outcomes map[string]model.WorkerStatus) *fakeSpawner {
	return &fakeSpawner{outcomes: outcomes}
}

func (f *fakeSpawner) Spawn(ctx context.Context, specName string) (*model.SpawnedWorker, error) {
	f.mu.Lock()
	f.spawned = append(f.spawned, specName)
	f.mu.Unlock()
	return &model.SpawnedWorker{WorkerID: specName, SpecName: specName, Status: model.WorkerRunning}, nil
}

func (f *fakeSpawner) Wait(workerID string) {}

func (f *fakeSpawner) Snapshot(workerID string) (model.SpawnedWorker, bool) {
	status, ok := f.outcomes[workerID]
	if !ok {
		status = model.WorkerCompleted
	}
	return model.SpawnedWorker{WorkerID: workerID, SpecName: workerID, Status: status}, true
}

func (f *fakeSpawner) KillAll(ctx context.Context) {}

type fakeMonitor struct {
	mu     sync.Mutex
	batch  int
	status map[string]model.SpecStatus
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{status: make(map[string]model.SpecStatus)}
}

func (f *fakeMonitor) SetBatch(batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch = batch
}

func (f *fakeMonitor) MarkStatus(specName string, status model.SpecStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[specName] = status
}

var _ = Describe("Engine.Run", func() {
	var store *collab.LocalStore

	BeforeEach(func() {
		store = collab.NewLocalStore(GinkgoT().TempDir())
	})

	It("completes a linear chain of specs in dependency order", func() {
		specs := []model.Spec{
			{Name: "01-01-a", LeaseKey: "01-01"},
			{Name: "01-02-b", LeaseKey: "01-02", Dependencies: []string{"01-01-a"}},
		}
		spawner := newFakeSpawner(nil)
		mon := newFakeMonitor()
		engine := orchestrator.New(store, spawner, mon)

		result, err := engine.Run(context.Background(), specs, orchestrator.RunOptions{MaxParallel: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.OrchestrationCompleted))
		Expect(result.Completed).To(ConsistOf("01-01-a", "01-02-b"))
		Expect(result.Failed).To(BeEmpty())
		Expect(result.Skipped).To(BeEmpty())

		meta, err := store.ReadMetadata(context.Background(), "01-02-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Status).To(Equal(model.StatusCompleted))
	})

	It("propagates skip to descendants of a failed spec", func() {
		specs := []model.Spec{
			{Name: "01-01-a", LeaseKey: "01-01"},
			{Name: "01-02-b", LeaseKey: "01-02", Dependencies: []string{"01-01-a"}},
			{Name: "01-03-c", LeaseKey: "01-03", Dependencies: []string{"01-02-b"}},
		}
		spawner := newFakeSpawner(map[string]model.WorkerStatus{"01-01-a": model.WorkerFailed})
		mon := newFakeMonitor()
		engine := orchestrator.New(store, spawner, mon)

		result, err := engine.Run(context.Background(), specs, orchestrator.RunOptions{MaxParallel: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.OrchestrationFailed))
		Expect(result.Failed).To(ConsistOf("01-01-a"))
		Expect(result.Skipped).To(ConsistOf("01-02-b", "01-03-c"))

		// descendants are never spawned
		Expect(spawner.spawned).To(ConsistOf("01-01-a"))
	})

	It("serializes specs sharing a lease key even under high maxParallel", func() {
		specs := []model.Spec{
			{Name: "01-01-a", LeaseKey: "shared"},
			{Name: "01-01-b", LeaseKey: "shared"},
		}
		spawner := newFakeSpawner(nil)
		mon := newFakeMonitor()
		engine := orchestrator.New(store, spawner, mon)

		result, err := engine.Run(context.Background(), specs, orchestrator.RunOptions{MaxParallel: 8})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.OrchestrationCompleted))
		Expect(result.Completed).To(ConsistOf("01-01-a", "01-01-b"))
	})

	It("reports partial-failed when some specs complete and others fail", func() {
		specs := []model.Spec{
			{Name: "01-01-a", LeaseKey: "01-01"},
			{Name: "01-01-b", LeaseKey: "01-01-b"},
		}
		spawner := newFakeSpawner(map[string]model.WorkerStatus{"01-01-b": model.WorkerFailed})
		mon := newFakeMonitor()
		engine := orchestrator.New(store, spawner, mon)

		result, err := engine.Run(context.Background(), specs, orchestrator.RunOptions{MaxParallel: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.OrchestrationPartialFailed))
		Expect(result.Completed).To(ConsistOf("01-01-a"))
		Expect(result.Failed).To(ConsistOf("01-01-b"))
	})

	It("returns stopped when the context is already cancelled", func() {
		specs := []model.Spec{{Name: "01-01-a", LeaseKey: "01-01"}}
		spawner := newFakeSpawner(nil)
		mon := newFakeMonitor()
		engine := orchestrator.New(store, spawner, mon)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := engine.Run(ctx, specs, orchestrator.RunOptions{MaxParallel: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.OrchestrationStopped))
	})
})
