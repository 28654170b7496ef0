package model

import "time"

const SessionSchemaVersion = 1

// ReplanStrategy selects how the close-loop controller sizes its remediation budget.
type ReplanStrategy string

const (
	ReplanFixed    ReplanStrategy = "fixed"
	ReplanAdaptive ReplanStrategy = "adaptive"
)

// ReplanState records the close-loop controller's replanning progress for one run.
type ReplanState struct {
	Strategy         ReplanStrategy `json:"strategy"`
	MaxAttempts      int            `json:"maxAttempts"`
	NoProgressWindow int            `json:"noProgressWindow"`
	Performed        int            `json:"performed"`
	Exhausted        bool           `json:"exhausted"`
	ExhaustedReason  string         `json:"exhaustedReason,omitempty"`
	StalledSignature string         `json:"stalledSignature,omitempty"`
}

// CloseLoopSession is the persisted, resumable snapshot of one close-loop run.
type CloseLoopSession struct {
	SchemaVersion int                  `json:"schemaVersion"`
	SessionID     string               `json:"sessionId"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	Goal          string               `json:"goal"`
	Status        OrchestrationStatus  `json:"status"`
	Portfolio     Portfolio            `json:"portfolio"`
	Assignments   map[string]string    `json:"assignments"` // specName -> agentLogicalId
	Strategy      ReplanStrategy       `json:"strategy"`
	Replan        ReplanState          `json:"replan"`
	Dod           *DodReport           `json:"dod,omitempty"`
	Orchestration *OrchestrationResult `json:"orchestration,omitempty"`
}

// TrackStat is the attempts/successes counter tracked per track slug.
type TrackStat struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// GoalStrategyRecord is one goal-signature's worth of remembered outcomes.
type GoalStrategyRecord struct {
	Attempts       int            `json:"attempts"`
	Successes      int            `json:"successes"`
	ReplanStrategy ReplanStrategy `json:"replanStrategy"`
	ReplanAttempts int            `json:"replanAttempts"`
	DodTestCommand string         `json:"dodTestCommand,omitempty"`
	LastStatus     OrchestrationStatus `json:"lastStatus"`
}

// StrategyMemory is the single persisted document biasing future decomposition and replanning.
type StrategyMemory struct {
	Goals  map[string]GoalStrategyRecord `json:"goals"`  // keyed by goal signature
	Tracks map[string]TrackStat          `json:"tracks"` // keyed by track slug
}

func NewStrategyMemory() *StrategyMemory {
	return &StrategyMemory{
		Goals:  make(map[string]GoalStrategyRecord),
		Tracks: make(map[string]TrackStat),
	}
}
