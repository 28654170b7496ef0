package closeloop_test

import (
	"context"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sce.dev/auto/internal/closeloop"
	"sce.dev/auto/internal/collab"
	"sce.dev/auto/internal/dod"
	"sce.dev/auto/internal/model"
	"sce.dev/auto/internal/orchestrator"
	"sce.dev/auto/internal/session"
	"sce.dev/auto/internal/store"
	"sce.dev/auto/internal/strategy"
)

// fakeSpawner mirrors internal/orchestrator's test double: every spawn
// resolves to a pre-configured outcome, keyed by spec name, with any
// unlisted spec defaulting to success.
type fakeSpawner struct {
	mu       sync.Mutex
	outcomes map[string]model.WorkerStatus
	spawned  []string
}

func (f *fakeSpawner) Spawn(ctx context.Context, specName string) (*model.SpawnedWorker, error) {
	f.mu.Lock()
	f.spawned = append(f.spawned, specName)
	f.mu.Unlock()
	return &model.SpawnedWorker{WorkerID: specName, SpecName: specName, Status: model.WorkerRunning}, nil
}

func (f *fakeSpawner) Wait(workerID string) {}

func (f *fakeSpawner) Snapshot(workerID string) (model.SpawnedWorker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.outcomes[workerID]
	if !ok {
		status = model.WorkerCompleted
	}
	return model.SpawnedWorker{WorkerID: workerID, SpecName: workerID, Status: status}, true
}

func (f *fakeSpawner) KillAll(ctx context.Context) {}

func newController(tmp string, sp orchestrator.Spawner) *closeloop.Controller {
	collabStore := collab.NewLocalStore(tmp + "/.sce/specs")
	docStore := store.NewSpecDocStore(tmp)
	sessionStore := session.NewStore(tmp + "/.sce/auto/close-loop-sessions")
	strategyStore := strategy.NewStore(tmp + "/.sce/auto")
	return closeloop.New(tmp, collabStore, docStore, sessionStore, strategyStore, sp, nil, nil, nil)
}

var _ = Describe("Controller.Run", func() {
	It("dry-run returns a prepared session with zero filesystem side effects", func() {
		tmp := GinkgoT().TempDir()
		sp := &fakeSpawner{}
		ctrl := newController(tmp, sp)

		sess, err := ctrl.Run(context.Background(), "ship retry logic", closeloop.RunConfig{
			DryRun: true,
			Replan: closeloop.ReplanConfig{Strategy: model.ReplanAdaptive, MaxAttempts: 2, NoProgressWindow: 2},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sess.Status).To(Equal(model.OrchestrationPrepared))
		Expect(sess.Portfolio.SubSpecs).NotTo(BeEmpty())
		Expect(sp.spawned).To(BeEmpty())

		entries, _ := os.ReadDir(tmp + "/.sce/specs")
		Expect(entries).To(BeEmpty(), "dry-run must not materialize any spec directory")
	})

	It("completes a goal end to end when every spec succeeds", func() {
		tmp := GinkgoT().TempDir()
		sp := &fakeSpawner{outcomes: map[string]model.WorkerStatus{}}
		ctrl := newController(tmp, sp)

		sess, err := ctrl.Run(context.Background(), "add retry logic to the http client", closeloop.RunConfig{
			Run:        true,
			DodEnabled: true,
			Dod:        dod.Config{},
			Replan:     closeloop.ReplanConfig{Strategy: model.ReplanAdaptive, MaxAttempts: 2, NoProgressWindow: 2},
			Session:    closeloop.SessionConfig{Enabled: true, Keep: 10, OlderThanDays: 30},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sess.Orchestration.Status).To(Equal(model.OrchestrationCompleted))
		Expect(sess.Dod).NotTo(BeNil())
		// The tasks checklist produced by the deterministic template is left
		// unchecked (sub-agents would normally close it), so the DoD gate
		// demotes an orchestration-clean run to failed here — asserting the
		// gate actually ran and recorded every check, not that it passed.
		Expect(sess.Dod.Checks).NotTo(BeEmpty())
		Expect(len(sp.spawned)).To(Equal(len(sess.Portfolio.AllSpecs())))
	})

	It("completes a two-sub portfolio under an adaptive replan budget when every spec succeeds", func() {
		tmp := GinkgoT().TempDir()
		sp := &fakeSpawner{}
		ctrl := newController(tmp, sp)

		sess, err := ctrl.Run(context.Background(), "migrate the billing service to the new queue", closeloop.RunConfig{
			Run:        true,
			PrefixPin:  0,
			SubsPin:    2,
			Replan:     closeloop.ReplanConfig{Strategy: model.ReplanAdaptive, MaxAttempts: 2, NoProgressWindow: 3},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sess.Status).To(Equal(model.OrchestrationCompleted))
	})

	It("marks replan exhausted on repeated no-progress cycles", func() {
		tmp := GinkgoT().TempDir()
		ctrl := newController(tmp, &failingSpawner{})

		sess, err := ctrl.Run(context.Background(), "rewrite the scheduler from scratch", closeloop.RunConfig{
			Run:    true,
			Replan: closeloop.ReplanConfig{Strategy: model.ReplanFixed, MaxAttempts: 2, NoProgressWindow: 1},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(sess.Replan.Exhausted).To(BeTrue())
		Expect(sess.Status).NotTo(Equal(model.OrchestrationCompleted))
	})
})

// failingSpawner fails every spec unconditionally, forcing the replan loop
// to exhaust its budget via the no-progress guard.
type failingSpawner struct{ mu sync.Mutex }

func (f *failingSpawner) Spawn(ctx context.Context, specName string) (*model.SpawnedWorker, error) {
	return &model.SpawnedWorker{WorkerID: specName, SpecName: specName, Status: model.WorkerRunning}, nil
}
func (f *failingSpawner) Wait(workerID string) {}
func (f *failingSpawner) Snapshot(workerID string) (model.SpawnedWorker, bool) {
	return model.SpawnedWorker{WorkerID: workerID, SpecName: workerID, Status: model.WorkerFailed}, true
}
func (f *failingSpawner) KillAll(ctx context.Context) {}
