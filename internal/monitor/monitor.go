// Package monitor implements the Status Monitor (C4): folds per-worker
// events and per-spec status transitions into a small, fixed-size snapshot
// and pushes it to subscribers at a bounded cadence, deduplicating
// consecutive identical snapshots. Optionally fans the same snapshot out
// over a redis pub/sub channel for out-of-process observers (a status HTTP
// endpoint, a CLI watcher) so they don't have to poll the filesystem.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"sce.dev/auto/internal/model"
)

// DefaultTick is the default emission cadence, matching the "at most one
// update per tick (default 1s)" contract.
const DefaultTick = time.Second

// Publisher is the seam the optional redis fan-out is injected through;
// nil disables it entirely with zero behavioral change to the in-process
// callback path.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Monitor aggregates spec status transitions into a StatusSnapshot and
// notifies one subscriber callback at a bounded cadence.
type Monitor struct {
	sessionID string
	tick      time.Duration
	onUpdate  func(model.StatusSnapshot)
	publisher Publisher
	channel   string

	mu           sync.Mutex
	totalBatches int
	currentBatch int
	specs        map[string]model.SpecStatus
	lastEmitted  *model.StatusSnapshot

	stop chan struct{}
	done chan struct{}
}

// New creates a Monitor for a run of totalBatches batches. onUpdate is
// called at most once per tick with the latest snapshot, skipped whenever
// the snapshot is identical to the last one emitted.
func New(totalBatches int, onUpdate func(model.StatusSnapshot)) *Monitor {
	return &Monitor{
		tick:         DefaultTick,
		totalBatches: totalBatches,
		onUpdate:     onUpdate,
		specs:        make(map[string]model.SpecStatus),
	}
}

// WithTick overrides the default emission cadence (for tests).
func (m *Monitor) WithTick(d time.Duration) *Monitor {
	m.tick = d
	return m
}

// WithPublisher enables the optional redis fan-out on "auto:status:{sessionId}".
func (m *Monitor) WithPublisher(p Publisher, sessionID string) *Monitor {
	m.publisher = p
	m.sessionID = sessionID
	m.channel = "auto:status:" + sessionID
	return m
}

// Start begins the periodic emission loop. Call Stop to end it.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.emit(ctx)
			case <-m.stop:
				m.emit(ctx) // flush final state
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the emission loop and blocks until it has exited, emitting one
// final snapshot first.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

// SetBatch records the batch currently executing, for the
// currentBatch/totalBatches fields.
func (m *Monitor) SetBatch(batch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentBatch = batch
}

// MarkStatus records a spec's latest status, folding it into the running
// snapshot. Batch execution calls this on every status transition it drives
// through the Collaboration Store.
func (m *Monitor) MarkStatus(specName string, status model.SpecStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[specName] = status
}

// Snapshot returns the current aggregated state without waiting for the
// next tick.
func (m *Monitor) Snapshot() model.StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buildLocked()
}

func (m *Monitor) buildLocked() model.StatusSnapshot {
	snap := model.StatusSnapshot{
		CurrentBatch: m.currentBatch,
		TotalBatches: m.totalBatches,
		Specs:        make(map[string]model.SpecStatusView, len(m.specs)),
	}

	for name, status := range m.specs {
		snap.Specs[name] = model.SpecStatusView{Status: status}
		switch status {
		case model.StatusCompleted:
			snap.CompletedSpecs = append(snap.CompletedSpecs, name)
		case model.StatusBlocked, model.StatusFailed:
			snap.FailedSpecs = append(snap.FailedSpecs, name)
		case model.StatusInProgress:
			snap.RunningSpecs = append(snap.RunningSpecs, name)
		}
	}
	sort.Strings(snap.CompletedSpecs)
	sort.Strings(snap.FailedSpecs)
	sort.Strings(snap.RunningSpecs)

	switch {
	case len(snap.RunningSpecs) > 0:
		snap.Status = "running"
	case len(snap.Specs) > 0 && len(snap.CompletedSpecs)+len(snap.FailedSpecs) == len(snap.Specs):
		snap.Status = "completed"
	default:
		snap.Status = "idle"
	}
	return snap
}

func (m *Monitor) emit(ctx context.Context) {
	m.mu.Lock()
	snap := m.buildLocked()
	if m.lastEmitted != nil && reflect.DeepEqual(*m.lastEmitted, snap) {
		m.mu.Unlock()
		return
	}
	m.lastEmitted = &snap
	m.mu.Unlock()

	if m.onUpdate != nil {
		m.onUpdate(snap)
	}
	m.publish(ctx, snap)
}

func (m *Monitor) publish(ctx context.Context, snap model.StatusSnapshot) {
	if m.publisher == nil {
		return
	}

	event := model.StatusSnapshotEvent{
		SessionID: m.sessionID,
		Snapshot:  snap,
		EmittedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.WarnContext(ctx, "status monitor: failed to encode snapshot event", "error", err)
		return
	}
	if err := m.publisher.Publish(ctx, m.channel, payload); err != nil {
		slog.WarnContext(ctx, "status monitor: redis publish failed, continuing without fan-out",
			"channel", m.channel, "error", err)
	}
}
