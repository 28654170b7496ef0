// Package strategy implements Strategy Memory (C9): a single, atomically
// rewritten JSON document biasing future goal decomposition and replanning
// by what worked (or didn't) for goals seen before. Its persistence follows
// internal/session's single-document atomic write pattern.
package strategy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/model"
)

const filename = "strategy-memory.json"

var nonWord = regexp.MustCompile(`[^a-z0-9\s]+`)

// Signature normalizes a goal into the key strategy memory looks records up
// by: lowercased, whitespace-collapsed, non-word characters stripped.
func Signature(goal string) string {
	lower := strings.ToLower(goal)
	stripped := nonWord.ReplaceAllString(lower, " ")
	fields := strings.Fields(stripped)
	return strings.Join(fields, " ")
}

// Store persists a StrategyMemory document under a workspace directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir (typically <workspace>/.sce).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, filename)
}

// Load reads the persisted strategy memory, returning a fresh empty document
// if none has been written yet.
func (s *Store) Load(ctx context.Context) (*model.StrategyMemory, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewStrategyMemory(), nil
		}
		return nil, apperr.SessionIO("reading strategy memory", err)
	}

	mem := model.NewStrategyMemory()
	if err := json.Unmarshal(data, mem); err != nil {
		return nil, apperr.SessionIO("parsing strategy memory", err)
	}
	if mem.Goals == nil {
		mem.Goals = make(map[string]model.GoalStrategyRecord)
	}
	if mem.Tracks == nil {
		mem.Tracks = make(map[string]model.TrackStat)
	}
	return mem, nil
}

// Save atomically rewrites the strategy memory document.
func (s *Store) Save(ctx context.Context, mem *model.StrategyMemory) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return apperr.SessionIO("creating strategy memory directory", err)
	}

	data, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return apperr.SessionIO("encoding strategy memory", err)
	}

	fullPath := s.path()
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return apperr.SessionIO("writing strategy memory", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return apperr.SessionIO("renaming strategy memory", err)
	}
	return nil
}

// OverrideContext is the per-goal bias strategy memory hands back to the
// close-loop controller before it decomposes or replans.
type OverrideContext struct {
	ReplanStrategy model.ReplanStrategy
	ReplanAttempts int
	DodTestCommand string
	TrackBias      map[string]float64
	Found          bool
}

// Override returns the bias context for goal. TrackBias values are in
// [-2, 2], matching decompose.Options.TrackBias's expected range: tracks
// with a strong historical success rate bias positive, chronically failing
// tracks bias negative.
func Override(mem *model.StrategyMemory, goal string) OverrideContext {
	out := OverrideContext{TrackBias: make(map[string]float64)}

	for track, stat := range mem.Tracks {
		if stat.Attempts == 0 {
			continue
		}
		rate := float64(stat.Successes) / float64(stat.Attempts)
		out.TrackBias[track] = clamp((rate-0.5)*4, -2, 2)
	}

	sig := Signature(goal)
	record, ok := mem.Goals[sig]
	if !ok {
		return out
	}

	out.Found = true
	out.ReplanStrategy = record.ReplanStrategy
	out.ReplanAttempts = record.ReplanAttempts
	out.DodTestCommand = record.DodTestCommand
	return out
}

// RecordRun folds one close-loop run's outcome back into strategy memory:
// the goal's attempt/success counters, its last replan choices and test
// command, and per-track attempt/success counters for the tracks the run's
// portfolio selected.
func RecordRun(mem *model.StrategyMemory, goal string, status model.OrchestrationStatus, replan model.ReplanState, testCommand string, tracks []string) {
	sig := Signature(goal)
	record := mem.Goals[sig]
	record.Attempts++
	if status == model.OrchestrationCompleted {
		record.Successes++
	}
	record.ReplanStrategy = replan.Strategy
	record.ReplanAttempts = replan.MaxAttempts
	if testCommand != "" {
		record.DodTestCommand = testCommand
	}
	record.LastStatus = status
	mem.Goals[sig] = record

	for _, track := range tracks {
		stat := mem.Tracks[track]
		stat.Attempts++
		if status == model.OrchestrationCompleted {
			stat.Successes++
		}
		mem.Tracks[track] = stat
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
