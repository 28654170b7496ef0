package model

// OrchestrationStatus is the terminal state of one Orchestration Engine run.
type OrchestrationStatus string

const (
	OrchestrationCompleted     OrchestrationStatus = "completed"
	OrchestrationPartialFailed OrchestrationStatus = "partial-failed"
	OrchestrationFailed        OrchestrationStatus = "failed"
	OrchestrationStopped       OrchestrationStatus = "stopped"
	OrchestrationPrepared      OrchestrationStatus = "prepared"
)

// OrchestrationResult is the outcome of one Orchestration Engine run.
// Completed, Failed and Skipped partition the input spec set, except for a
// stopped run: specs the engine never reached appear in none of the three.
type OrchestrationResult struct {
	Status      OrchestrationStatus `json:"status"`
	Completed   []string            `json:"completed"`
	Failed      []string            `json:"failed"`
	Skipped     []string            `json:"skipped"`
	DurationMs  int64               `json:"durationMs"`
}

// SchedulingPlan records the batching/lease decisions made before execution,
// surfaced for observability and for session snapshots.
type SchedulingPlan struct {
	Batches        [][]string `json:"batches"`
	OriginalOrder  []string   `json:"originalOrder"`
	ReorderedOrder []string   `json:"reorderedOrder"`
	AutoReordered  bool       `json:"autoReordered"`
	LeaseGroups    map[string][]string `json:"leaseGroups"` // leaseKey -> spec names sharing it
}

// StatusSnapshot is the Status Monitor's aggregated view of a batch run.
type StatusSnapshot struct {
	Status         string                `json:"status"`
	CurrentBatch   int                   `json:"currentBatch"`
	TotalBatches   int                   `json:"totalBatches"`
	CompletedSpecs []string              `json:"completedSpecs"`
	FailedSpecs    []string              `json:"failedSpecs"`
	RunningSpecs   []string              `json:"runningSpecs"`
	Specs          map[string]SpecStatusView `json:"specs"`
}

type SpecStatusView struct {
	Status SpecStatus `json:"status"`
}

// StatusSnapshotEvent is the payload fanned out over the optional redis bus
// (SPEC_FULL.md ambient enrichment for the Status Monitor).
type StatusSnapshotEvent struct {
	SessionID string         `json:"sessionId"`
	Snapshot  StatusSnapshot `json:"snapshot"`
	EmittedAt int64          `json:"emittedAt"`
}
