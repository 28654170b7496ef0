// Package orchestrator implements the Orchestration Engine (C7): a
// dependency-aware scheduler that drives a DAG of specs through parallel
// batches of worker processes, folds their events into the Status Monitor,
// and decides terminal state (completed / partial-failed / failed / stopped).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sce.dev/auto/common/logger"
	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/collab"
	"sce.dev/auto/internal/dag"
	"sce.dev/auto/internal/model"
)

// ReasonOrchestrationFailed and ReasonDependencySkipped are the two reasons
// a spec can land in "blocked" or "skipped" state.
const (
	ReasonOrchestrationFailed = "orchestration-failed"
	ReasonDependencySkipped   = "dependency-skipped"
)

// Spawner is the subset of internal/spawner.Spawner the engine depends on,
// seamed out for tests.
type Spawner interface {
	Spawn(ctx context.Context, specName string) (*model.SpawnedWorker, error)
	Wait(workerID string)
	Snapshot(workerID string) (model.SpawnedWorker, bool)
	KillAll(ctx context.Context)
}

// Monitor is the subset of internal/monitor.Monitor the engine folds events
// into.
type Monitor interface {
	SetBatch(batch int)
	MarkStatus(specName string, status model.SpecStatus)
}

// Engine runs one Orchestration Engine pass over a set of specs.
type Engine struct {
	collab  collab.Store
	spawner Spawner
	monitor Monitor
}

// New creates an Engine wired to its collaborators.
func New(store collab.Store, spawner Spawner, mon Monitor) *Engine {
	return &Engine{collab: store, spawner: spawner, monitor: mon}
}

// RunOptions configures one engine pass. Status fan-out cadence is owned by
// the injected Monitor (constructed with its own onUpdate callback); the
// engine only pushes status transitions into it as they happen.
type RunOptions struct {
	MaxParallel int
}

// Run drives specNames through topological batches to completion, or until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context, specs []model.Spec, opts RunOptions) (model.OrchestrationResult, error) {
	start := time.Now()
	sc := logger.StartSpan(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.Int("auto.spec_count", len(specs)),
		attribute.Int("auto.max_parallel", opts.MaxParallel),
	))
	ctx = sc.Context()
	defer sc.End()

	plan, err := dag.BuildSchedulingPlan(specs)
	if err != nil {
		sc.RecordError(err)
		return model.OrchestrationResult{}, err
	}

	byName := make(map[string]model.Spec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	maxParallel := opts.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}

	leaseLocks := make(map[string]*sync.Mutex)
	for key := range plan.LeaseGroups {
		leaseLocks[key] = &sync.Mutex{}
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	skipped := make(map[string]bool)

	if e.monitor != nil {
		e.monitor.SetBatch(0)
	}

	for batchIdx, batch := range plan.Batches {
		select {
		case <-ctx.Done():
			return e.stoppedResult(ctx, specs, completed, failed, skipped, start), nil
		default:
		}

		if e.monitor != nil {
			e.monitor.SetBatch(batchIdx + 1)
		}

		runnable, preSkipped := e.partitionBatch(batch, byName, completed, failed, skipped)
		for _, name := range preSkipped {
			skipped[name] = true
			e.markStatus(ctx, name, model.StatusBlocked, ReasonDependencySkipped)
		}

		if len(runnable) == 0 {
			continue
		}

		stopped := e.runBatch(ctx, batchIdx, runnable, byName, leaseLocks, maxParallel, completed, failed)
		if stopped {
			return e.stoppedResult(ctx, specs, completed, failed, skipped, start), nil
		}

		// Skip propagation: every descendant of a non-completed spec in this
		// batch is marked skipped without running.
		var roots []string
		for _, name := range runnable {
			if !completed[name] {
				roots = append(roots, name)
			}
		}
		if len(roots) > 0 {
			for _, name := range dag.Descendants(specs, roots) {
				if !completed[name] && !failed[name] && !skipped[name] {
					skipped[name] = true
					e.markStatus(ctx, name, model.StatusBlocked, ReasonDependencySkipped)
				}
			}
		}
	}

	result := model.OrchestrationResult{
		Completed:  sortedKeys(completed),
		Failed:     sortedKeys(failed),
		Skipped:    sortedKeys(skipped),
		DurationMs: time.Since(start).Milliseconds(),
	}
	result.Status = terminalStatus(len(specs), len(result.Completed), len(result.Failed)+len(result.Skipped))
	return result, nil
}

func (e *Engine) partitionBatch(batch []string, byName map[string]model.Spec, completed, failed, skipped map[string]bool) (runnable, preSkipped []string) {
	for _, name := range batch {
		if skipped[name] || completed[name] || failed[name] {
			continue // already accounted for by an earlier batch's skip propagation
		}
		spec := byName[name]
		blocked := false
		for _, dep := range spec.Dependencies {
			if skipped[dep] || failed[dep] {
				blocked = true
				break
			}
		}
		if blocked {
			preSkipped = append(preSkipped, name)
			continue
		}
		runnable = append(runnable, name)
	}
	return runnable, preSkipped
}

// runBatch launches runnable specs up to maxParallel concurrent slots,
// respecting per-lease-key mutual exclusion, and blocks until every spec in
// the batch has reached a terminal state. It returns true if ctx was
// cancelled mid-batch, in which case remaining workers have been killed.
func (e *Engine) runBatch(ctx context.Context, batchIdx int, runnable []string, byName map[string]model.Spec, leaseLocks map[string]*sync.Mutex, maxParallel int, completed, failed map[string]bool) bool {
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	cancelled := false

	for _, name := range runnable {
		name := name
		spec := byName[name]

		select {
		case <-ctx.Done():
			mu.Lock()
			cancelled = true
			mu.Unlock()
		default:
		}

		mu.Lock()
		isCancelled := cancelled
		mu.Unlock()
		if isCancelled {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					err := apperr.Runtime(fmt.Sprintf("panic spawning %s: %v\n%s", name, r, debug.Stack()), nil)
					slog.ErrorContext(ctx, "orchestrator: recovered panic in batch worker", "spec", name, "error", err)
					mu.Lock()
					failed[name] = true
					mu.Unlock()
					e.markStatus(ctx, name, model.StatusBlocked, ReasonOrchestrationFailed)
				}
			}()

			if lock, ok := leaseLocks[spec.LeaseKey]; ok {
				lock.Lock()
				defer lock.Unlock()
			}

			ok := e.runOne(ctx, name)
			mu.Lock()
			if ok {
				completed[name] = true
			} else {
				failed[name] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	select {
	case <-ctx.Done():
		if e.spawner != nil {
			e.spawner.KillAll(ctx)
		}
		return true
	default:
	}
	return cancelled
}

// runOne spawns and waits for a single spec's worker, updating C5 and
// returning true iff it completed successfully.
func (e *Engine) runOne(ctx context.Context, specName string) bool {
	sc := logger.StartSpan(ctx, "orchestrator.spawn", trace.WithAttributes(attribute.String("auto.spec_name", specName)))
	ctx = sc.Context()
	defer sc.End()

	e.markStatus(ctx, specName, model.StatusInProgress, "")
	if e.monitor != nil {
		e.monitor.MarkStatus(specName, model.StatusInProgress)
	}

	worker, err := e.spawner.Spawn(ctx, specName)
	if err != nil {
		sc.RecordError(err)
		e.markStatus(ctx, specName, model.StatusBlocked, ReasonOrchestrationFailed)
		if e.monitor != nil {
			e.monitor.MarkStatus(specName, model.StatusBlocked)
		}
		return false
	}

	e.spawner.Wait(worker.WorkerID)
	final, _ := e.spawner.Snapshot(worker.WorkerID)

	if final.Status == model.WorkerCompleted {
		e.markStatus(ctx, specName, model.StatusCompleted, "")
		if e.monitor != nil {
			e.monitor.MarkStatus(specName, model.StatusCompleted)
		}
		return true
	}

	sc.RecordError(fmt.Errorf("worker terminated with status %s", final.Status))
	e.markStatus(ctx, specName, model.StatusBlocked, ReasonOrchestrationFailed)
	if e.monitor != nil {
		e.monitor.MarkStatus(specName, model.StatusBlocked)
	}
	return false
}

func (e *Engine) markStatus(ctx context.Context, specName string, status model.SpecStatus, reason string) {
	if e.collab == nil {
		return
	}
	if _, err := e.collab.UpdateStatus(ctx, specName, status, reason); err != nil {
		slog.WarnContext(ctx, "orchestrator: failed to persist status transition", "spec", specName, "status", status, "error", err)
	}
}

func (e *Engine) stoppedResult(ctx context.Context, specs []model.Spec, completed, failed, skipped map[string]bool, start time.Time) model.OrchestrationResult {
	if e.spawner != nil {
		e.spawner.KillAll(ctx)
	}
	return model.OrchestrationResult{
		Status:     model.OrchestrationStopped,
		Completed:  sortedKeys(completed),
		Failed:     sortedKeys(failed),
		Skipped:    sortedKeys(skipped),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func terminalStatus(total, completedCount, failedOrSkippedCount int) model.OrchestrationStatus {
	switch {
	case completedCount == total:
		return model.OrchestrationCompleted
	case completedCount == 0:
		return model.OrchestrationFailed
	default:
		return model.OrchestrationPartialFailed
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
