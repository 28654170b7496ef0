package model

import "time"

// WorkerStatus is the terminal-or-running state of one spawned sub-process.
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerTimeout   WorkerStatus = "timeout"
)

// WorkerEvent is one parsed JSON object from a worker's stdout stream.
type WorkerEvent map[string]any

// SpawnedWorker tracks one sub-process launched by the Agent Spawner.
type SpawnedWorker struct {
	WorkerID      string
	SpecName      string
	Status        WorkerStatus
	StartedAt     time.Time
	CompletedAt   time.Time
	ExitCode      *int
	Events        []WorkerEvent
	StderrBuffer  string
	PromptTmpFile string
}

// ResultSummary is the optional contract a worker may emit somewhere in its
// event stream, per the worker protocol in the external-interfaces section.
type ResultSummary struct {
	SpecID       string   `json:"spec_id,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	TestsRun     *int     `json:"tests_run,omitempty"`
	TestsPassed  *int     `json:"tests_passed,omitempty"`
	RiskLevel    string   `json:"risk_level,omitempty"`
	OpenIssues   []string `json:"open_issues,omitempty"`
}
