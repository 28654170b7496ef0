// Package dod implements the Definition-of-Done Gate (section 4.9): a
// configurable ordered list of checks run once an Orchestration Engine pass
// has finished, each yielding passed/failed/skipped. The gate never mutates
// orchestration or collaboration state; it only reads it.
package dod

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"sce.dev/auto/internal/collab"
	"sce.dev/auto/internal/model"
	"sce.dev/auto/internal/store"
)

const (
	defaultTestsTimeout = 10 * time.Minute
	maxCapturedBytes    = 50 * 1024
)

// Config holds the thresholds and optional shell command for one DoD
// evaluation. Zero-value fields fall back to the defaults noted per field.
type Config struct {
	// TestsCommand, when non-empty, is run through "sh -c" as the
	// tests-command gate. Left empty, that gate is skipped.
	TestsCommand string
	// TestsTimeout bounds the tests-command gate; defaults to 10 minutes.
	TestsTimeout time.Duration
	// MaxRiskLevel is the highest run risk the risk-level-threshold gate
	// tolerates; defaults to RiskMedium.
	MaxRiskLevel model.RiskLevel
	// MinCompletionRate is the minimum completed/total percentage the
	// kpi-completion-rate-threshold gate requires; defaults to 100.
	MinCompletionRate float64
	// MaxSuccessRateDrop bounds how far the current run's success rate may
	// fall below the historical average before kpi-baseline-drop-threshold
	// fails; defaults to 0 (no drop tolerated).
	MaxSuccessRateDrop float64
	// HistoricalSuccessRates are prior runs' completion percentages (most
	// recent last), already windowed by the caller to the configured
	// baseline window. An empty slice skips the baseline-drop gate.
	HistoricalSuccessRates []float64
}

func (c Config) timeout() time.Duration {
	if c.TestsTimeout <= 0 {
		return defaultTestsTimeout
	}
	return c.TestsTimeout
}

func (c Config) maxRisk() model.RiskLevel {
	if c.MaxRiskLevel == "" {
		return model.RiskMedium
	}
	return c.MaxRiskLevel
}

func (c Config) minCompletionRate() float64 {
	if c.MinCompletionRate == 0 {
		return 100
	}
	return c.MinCompletionRate
}

// Input is the state the gate reads to evaluate its checks.
type Input struct {
	Specs         []model.Spec
	DocStore      *store.SpecDocStore
	Collab        collab.Store
	Orchestration model.OrchestrationResult
}

// Evaluate runs every configured check in order and returns the combined
// report. Checks never abort evaluation of subsequent checks; a shell
// command error surfaces as a failed check, not a returned error.
func Evaluate(ctx context.Context, cfg Config, in Input) model.DodReport {
	var report model.DodReport
	report.Checks = append(report.Checks,
		checkDocsComplete(ctx, in),
		checkOrchestrationCompleted(in),
		checkRiskLevelThreshold(cfg, in),
		checkCompletionRateThreshold(cfg, in),
		checkBaselineDrop(cfg, in),
		checkCollaborationCompleted(ctx, in),
		checkTasksChecklistClosed(ctx, in),
		checkTestsCommand(ctx, cfg),
	)
	return report
}

func checkDocsComplete(ctx context.Context, in Input) model.DodCheck {
	const id = "docs-complete"
	if in.DocStore == nil {
		return model.DodCheck{ID: id, Status: model.DodSkipped, Message: "no document store configured"}
	}

	var incomplete []string
	for _, spec := range in.Specs {
		docs, err := in.DocStore.Read(ctx, spec.Name)
		if err != nil || !docs.DocsComplete() {
			incomplete = append(incomplete, spec.Name)
		}
	}
	if len(incomplete) > 0 {
		return model.DodCheck{
			ID: id, Status: model.DodFailed,
			Message: fmt.Sprintf("%d spec(s) missing a complete requirements/design/tasks triad", len(incomplete)),
			Details: map[string]any{"specs": incomplete},
		}
	}
	return model.DodCheck{ID: id, Status: model.DodPassed, Message: "every spec has a complete document triad"}
}

func checkOrchestrationCompleted(in Input) model.DodCheck {
	const id = "orchestration-completed"
	if in.Orchestration.Status == model.OrchestrationCompleted {
		return model.DodCheck{ID: id, Status: model.DodPassed, Message: "orchestration reached completed"}
	}
	return model.DodCheck{
		ID: id, Status: model.DodFailed,
		Message: fmt.Sprintf("orchestration terminal state was %s, not completed", in.Orchestration.Status),
	}
}

// DeriveRisk classifies a run's risk from its orchestration result: low if
// it completed cleanly, high once the non-completed ratio crosses 0.4,
// medium otherwise.
func DeriveRisk(result model.OrchestrationResult) model.RiskLevel {
	total := len(result.Completed) + len(result.Failed) + len(result.Skipped)
	if total == 0 {
		return model.RiskLow
	}
	if result.Status == model.OrchestrationCompleted {
		return model.RiskLow
	}
	failedRatio := float64(len(result.Failed)+len(result.Skipped)) / float64(total)
	if failedRatio >= 0.4 {
		return model.RiskHigh
	}
	return model.RiskMedium
}

func checkRiskLevelThreshold(cfg Config, in Input) model.DodCheck {
	const id = "risk-level-threshold"
	risk := DeriveRisk(in.Orchestration)
	max := cfg.maxRisk()
	if risk.AtMost(max) {
		return model.DodCheck{ID: id, Status: model.DodPassed, Message: fmt.Sprintf("run risk %s is within max %s", risk, max)}
	}
	return model.DodCheck{
		ID: id, Status: model.DodFailed,
		Message: fmt.Sprintf("run risk %s exceeds configured max %s", risk, max),
		Details: map[string]any{"risk": string(risk), "max": string(max)},
	}
}

func completionRate(result model.OrchestrationResult) float64 {
	total := len(result.Completed) + len(result.Failed) + len(result.Skipped)
	if total == 0 {
		return 0
	}
	return float64(len(result.Completed)) / float64(total) * 100
}

func checkCompletionRateThreshold(cfg Config, in Input) model.DodCheck {
	const id = "kpi-completion-rate-threshold"
	rate := completionRate(in.Orchestration)
	min := cfg.minCompletionRate()
	if rate >= min {
		return model.DodCheck{ID: id, Status: model.DodPassed, Message: fmt.Sprintf("completion rate %.1f%% meets min %.1f%%", rate, min)}
	}
	return model.DodCheck{
		ID: id, Status: model.DodFailed,
		Message: fmt.Sprintf("completion rate %.1f%% is below min %.1f%%", rate, min),
		Details: map[string]any{"rate": rate, "min": min},
	}
}

func checkBaselineDrop(cfg Config, in Input) model.DodCheck {
	const id = "kpi-baseline-drop-threshold"
	if len(cfg.HistoricalSuccessRates) == 0 {
		return model.DodCheck{ID: id, Status: model.DodSkipped, Message: "no historical runs to baseline against"}
	}

	var sum float64
	for _, r := range cfg.HistoricalSuccessRates {
		sum += r
	}
	avg := sum / float64(len(cfg.HistoricalSuccessRates))
	current := completionRate(in.Orchestration)
	drop := avg - current

	if drop <= cfg.MaxSuccessRateDrop {
		return model.DodCheck{ID: id, Status: model.DodPassed, Message: fmt.Sprintf("success-rate drop %.1f is within max %.1f", drop, cfg.MaxSuccessRateDrop)}
	}
	return model.DodCheck{
		ID: id, Status: model.DodFailed,
		Message: fmt.Sprintf("success-rate dropped %.1f points against a %.1f max (baseline avg %.1f%%, current %.1f%%)", drop, cfg.MaxSuccessRateDrop, avg, current),
		Details: map[string]any{"baselineAvg": avg, "current": current, "drop": drop},
	}
}

func checkCollaborationCompleted(ctx context.Context, in Input) model.DodCheck {
	const id = "collaboration-completed"
	if in.Collab == nil {
		return model.DodCheck{ID: id, Status: model.DodSkipped, Message: "no collaboration store configured"}
	}

	var notCompleted []string
	for _, spec := range in.Specs {
		meta, err := in.Collab.ReadMetadata(ctx, spec.Name)
		if err != nil || meta.Status != model.StatusCompleted {
			notCompleted = append(notCompleted, spec.Name)
		}
	}
	if len(notCompleted) > 0 {
		return model.DodCheck{
			ID: id, Status: model.DodFailed,
			Message: fmt.Sprintf("%d spec(s) not persisted as completed", len(notCompleted)),
			Details: map[string]any{"specs": notCompleted},
		}
	}
	return model.DodCheck{ID: id, Status: model.DodPassed, Message: "every spec's persisted status is completed"}
}

func checkTasksChecklistClosed(ctx context.Context, in Input) model.DodCheck {
	const id = "tasks-checklist-closed"
	if in.DocStore == nil {
		return model.DodCheck{ID: id, Status: model.DodSkipped, Message: "no document store configured"}
	}

	var open []string
	for _, spec := range in.Specs {
		docs, err := in.DocStore.Read(ctx, spec.Name)
		if err != nil || !store.TasksChecklistClosed(docs.Tasks) {
			open = append(open, spec.Name)
		}
	}
	if len(open) > 0 {
		return model.DodCheck{
			ID: id, Status: model.DodFailed,
			Message: fmt.Sprintf("%d spec(s) have unchecked tasks", len(open)),
			Details: map[string]any{"specs": open},
		}
	}
	return model.DodCheck{ID: id, Status: model.DodPassed, Message: "every spec's tasks checklist is closed"}
}

// boundedBuffer keeps only the last limit bytes written to it, the "capture
// bounded to 50 KiB (keep tail)" contract.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.limit {
		excess := b.buf.Len() - b.limit
		b.buf.Next(excess)
	}
	return n, err
}

func checkTestsCommand(ctx context.Context, cfg Config) model.DodCheck {
	const id = "tests-command"
	if cfg.TestsCommand == "" {
		return model.DodCheck{ID: id, Status: model.DodSkipped, Message: "no tests command configured"}
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cfg.TestsCommand)
	out := &boundedBuffer{limit: maxCapturedBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	output := out.buf.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return model.DodCheck{
			ID: id, Status: model.DodFailed,
			Message: fmt.Sprintf("tests command timed out after %s", cfg.timeout()),
			Details: map[string]any{"output": output},
		}
	}
	if err != nil {
		return model.DodCheck{
			ID: id, Status: model.DodFailed,
			Message: fmt.Sprintf("tests command %q failed: %v", cfg.TestsCommand, err),
			Details: map[string]any{"output": output},
		}
	}
	return model.DodCheck{ID: id, Status: model.DodPassed, Message: "tests command exited 0", Details: map[string]any{"output": output}}
}
