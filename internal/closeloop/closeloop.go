// Package closeloop implements the Close-Loop Controller (C8): the outer
// control loop that decomposes a goal into a spec portfolio, invokes the
// Orchestration Engine, evaluates the Definition-of-Done gate, and performs
// bounded adaptive replanning with stall detection and resumable sessions.
package closeloop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"sce.dev/auto/common/id"
	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/collab"
	"sce.dev/auto/internal/dag"
	"sce.dev/auto/internal/decompose"
	"sce.dev/auto/internal/dod"
	"sce.dev/auto/internal/model"
	"sce.dev/auto/internal/monitor"
	"sce.dev/auto/internal/orchestrator"
	"sce.dev/auto/internal/session"
	"sce.dev/auto/internal/store"
	"sce.dev/auto/internal/strategy"
)

// ReplanConfig bounds the controller's adaptive remediation loop.
type ReplanConfig struct {
	Strategy         model.ReplanStrategy
	MaxAttempts      int
	NoProgressWindow int
}

// Validate enforces the replan budget bounds from section 4.8: maxAttempts
// in [0,5], noProgressWindow in [1,10], strategy in {fixed, adaptive}.
func (c ReplanConfig) Validate() error {
	if c.MaxAttempts < 0 || c.MaxAttempts > 5 {
		return apperr.Config(fmt.Sprintf("replan max attempts %d out of range [0,5]", c.MaxAttempts), nil)
	}
	if c.NoProgressWindow < 1 || c.NoProgressWindow > 10 {
		return apperr.Config(fmt.Sprintf("replan no-progress window %d out of range [1,10]", c.NoProgressWindow), nil)
	}
	if c.Strategy != model.ReplanFixed && c.Strategy != model.ReplanAdaptive {
		return apperr.Config(fmt.Sprintf("replan strategy %q must be fixed or adaptive", c.Strategy), nil)
	}
	return nil
}

// SessionConfig controls snapshot persistence and pruning.
type SessionConfig struct {
	Enabled       bool
	ID            string
	Keep          int
	OlderThanDays int
}

// Drafter optionally fills in a spec's document prose via an LLM client
// (section 1.2); nil falls back to a deterministic template.
type Drafter interface {
	DraftSpecDocs(ctx context.Context, spec model.Spec, goal string) (store.DocSet, error)
}

// RunConfig configures one close-loop invocation, mirroring the CLI flags
// in section 6.
type RunConfig struct {
	DryRun            bool
	Run               bool
	PrefixPin         int
	SubsPin           int
	ExistingSpecNames []string
	Replan            ReplanConfig
	DodEnabled        bool
	Dod               dod.Config
	Session           SessionConfig
	Resume            string
	MaxParallel       int
}

// Controller wires together every component the outer loop drives.
type Controller struct {
	workspaceRoot string
	collab        collab.Store
	docs          *store.SpecDocStore
	sessions      *session.Store
	strategyStore *strategy.Store
	spawner       orchestrator.Spawner
	drafter       Drafter
	onStatus      func(model.StatusSnapshot)
	publisher     monitor.Publisher
}

// New creates a Controller. onStatus and publisher may be nil to disable
// their respective fan-out paths.
func New(
	workspaceRoot string,
	collabStore collab.Store,
	docStore *store.SpecDocStore,
	sessionStore *session.Store,
	strategyStore *strategy.Store,
	spawner orchestrator.Spawner,
	drafter Drafter,
	onStatus func(model.StatusSnapshot),
	publisher monitor.Publisher,
) *Controller {
	return &Controller{
		workspaceRoot: workspaceRoot,
		collab:        collabStore,
		docs:          docStore,
		sessions:      sessionStore,
		strategyStore: strategyStore,
		spawner:       spawner,
		drafter:       drafter,
		onStatus:      onStatus,
		publisher:     publisher,
	}
}

const remediationReasonFmt = "replan-remediation-cycle-%d"

// Run executes the full outer loop for one goal and returns the final
// session snapshot.
func (c *Controller) Run(ctx context.Context, goal string, cfg RunConfig) (*model.CloseLoopSession, error) {
	if err := cfg.Replan.Validate(); err != nil {
		return nil, err
	}

	mem, err := c.strategyStore.Load(ctx)
	if err != nil {
		return nil, err
	}
	override := strategy.Override(mem, goal)
	if override.Found && cfg.Replan.MaxAttempts == 0 {
		// MaxAttempts is zero (pkg/cli's --replan-attempts defaults to 2, so
		// from the CLI this means an explicit 0): fall back to what worked
		// last time this goal (by signature) was attempted.
		cfg.Replan.Strategy = override.ReplanStrategy
		cfg.Replan.MaxAttempts = override.ReplanAttempts
	}
	if override.Found && cfg.Dod.TestsCommand == "" {
		cfg.Dod.TestsCommand = override.DodTestCommand
	}

	var portfolio model.Portfolio
	var assignments map[string]string
	resuming := cfg.Resume != ""

	if resuming {
		sess, err := c.sessions.Resolve(ctx, cfg.Resume)
		if err != nil {
			return nil, err
		}
		portfolio = sess.Portfolio
		assignments = sess.Assignments
	} else {
		trackBias := override.TrackBias
		decomposeOpts := decompose.Options{
			SubCountPin:       cfg.SubsPin,
			PrefixPin:         cfg.PrefixPin,
			TrackBias:         trackBias,
			ExistingSpecNames: cfg.ExistingSpecNames,
		}
		result, err := decompose.Decompose(goal, decomposeOpts)
		if err != nil {
			return nil, err
		}
		portfolio = model.Portfolio{
			Goal:       result.Goal,
			Prefix:     result.Prefix,
			MasterSpec: result.MasterSpec,
			SubSpecs:   result.SubSpecs,
			Strategy:   result.Strategy,
		}
		assignments = make(map[string]string)
	}

	if cfg.DryRun {
		return &model.CloseLoopSession{
			SchemaVersion: model.SessionSchemaVersion,
			SessionID:     cfg.Session.ID,
			Goal:          goal,
			Status:        model.OrchestrationPrepared,
			Portfolio:     portfolio,
			Assignments:   assignments,
			Strategy:      cfg.Replan.Strategy,
		}, nil
	}

	if !resuming {
		if err := c.materializeAndSeed(ctx, portfolio, goal, assignments); err != nil {
			return nil, err
		}
	}

	sessionID := cfg.Session.ID
	if sessionID == "" {
		sessionID = session.NewSessionID(portfolio.Prefix, time.Now())
	}

	sess := &model.CloseLoopSession{
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
		Goal:        goal,
		Status:      model.OrchestrationStatus("running"),
		Portfolio:   portfolio,
		Assignments: assignments,
		Strategy:    cfg.Replan.Strategy,
		Replan: model.ReplanState{
			Strategy:         cfg.Replan.Strategy,
			MaxAttempts:      cfg.Replan.MaxAttempts,
			NoProgressWindow: cfg.Replan.NoProgressWindow,
		},
	}
	if cfg.Session.Enabled {
		if err := c.sessions.Save(ctx, sess, time.Now()); err != nil {
			slog.WarnContext(ctx, "closeloop: failed to persist initial session snapshot", "error", err)
		}
	}

	result, err := c.runLoop(ctx, goal, sessionID, portfolio, &sess.Replan, cfg, assignments)
	if err != nil {
		return nil, err
	}

	sess.Orchestration = &result
	sess.Status = result.Status

	if cfg.DodEnabled {
		allSpecs := append([]model.Spec(nil), portfolio.AllSpecs()...)
		dodCfg := cfg.Dod
		report := dod.Evaluate(ctx, dodCfg, dod.Input{
			Specs:         allSpecs,
			DocStore:      c.docs,
			Collab:        c.collab,
			Orchestration: result,
		})
		sess.Dod = &report
		if !report.Passed() {
			sess.Status = model.OrchestrationFailed
		}
	}

	strategy.RecordRun(mem, goal, sess.Status, sess.Replan, cfg.Dod.TestsCommand, portfolio.Strategy)
	if err := c.strategyStore.Save(ctx, mem); err != nil {
		slog.WarnContext(ctx, "closeloop: failed to persist strategy memory", "error", err)
	}

	if cfg.Session.Enabled {
		if err := c.sessions.Save(ctx, sess, time.Now()); err != nil {
			slog.WarnContext(ctx, "closeloop: failed to persist final session snapshot", "error", err)
		}
		if removed, err := c.sessions.Prune(ctx, cfg.Session.Keep, cfg.Session.OlderThanDays, sessionID); err != nil {
			slog.WarnContext(ctx, "closeloop: session pruning failed", "error", err)
		} else if len(removed) > 0 {
			slog.InfoContext(ctx, "closeloop: pruned old sessions", "count", len(removed))
		}
	}

	return sess, nil
}

// runLoop drives the Orchestration Engine through replan cycles until the
// run completes, the replan budget is exhausted, or stall/signature guards
// trip.
func (c *Controller) runLoop(ctx context.Context, goal, sessionID string, portfolio model.Portfolio, replan *model.ReplanState, cfg RunConfig, assignments map[string]string) (model.OrchestrationResult, error) {
	allSpecs := portfolio.AllSpecs()
	totalSpecCount := len(allSpecs)
	masterName := portfolio.MasterSpec.Name

	plan, err := dag.BuildSchedulingPlan(allSpecs)
	if err != nil {
		return model.OrchestrationResult{}, err
	}
	mon := monitor.New(len(plan.Batches), c.onStatus)
	if c.publisher != nil {
		mon = mon.WithPublisher(c.publisher, sessionID)
	}
	mon.Start(ctx)
	defer mon.Stop()

	engine := orchestrator.New(c.collab, c.spawner, mon)

	currentSpecs := allSpecs
	completed := make(map[string]bool)

	var lastResult model.OrchestrationResult
	var prevSignature string
	staleCount := 0
	prevCompletedCount := -1
	prevFailedCount := -1

	for {
		result, err := engine.Run(ctx, currentSpecs, orchestrator.RunOptions{MaxParallel: cfg.MaxParallel})
		if err != nil {
			return model.OrchestrationResult{}, err
		}
		for _, name := range result.Completed {
			completed[name] = true
		}
		lastResult = result

		failedSpecs := failedExcludingMaster(result, masterName)

		if result.Status == model.OrchestrationCompleted || len(failedSpecs) == 0 {
			break
		}

		effectiveBudget := computeBudget(cfg.Replan, len(failedSpecs))

		completedCount := len(completed)
		failedCount := len(failedSpecs)
		if prevCompletedCount >= 0 {
			improved := completedCount > prevCompletedCount || failedCount < prevFailedCount
			if improved {
				staleCount = 0
			} else {
				staleCount++
			}
		}
		prevCompletedCount, prevFailedCount = completedCount, failedCount

		if staleCount >= cfg.Replan.NoProgressWindow {
			replan.Exhausted = true
			replan.ExhaustedReason = "no-progress"
			break
		}

		sig := signatureOf(failedSpecs)
		if prevSignature != "" && sig == prevSignature {
			replan.Exhausted = true
			replan.ExhaustedReason = "stalled-signature"
			replan.StalledSignature = sig
			break
		}
		prevSignature = sig

		if replan.Performed >= effectiveBudget {
			replan.Exhausted = true
			replan.ExhaustedReason = "budget-exhausted"
			break
		}

		replan.Performed++
		remediation := c.synthesizeRemediationSpec(portfolio, totalSpecCount, replan.Performed)
		totalSpecCount++

		if err := c.materializeAndSeedOne(ctx, remediation, goal); err != nil {
			return model.OrchestrationResult{}, err
		}
		agentID := id.NewString()
		if _, err := c.collab.AssignSpec(ctx, remediation.Name, agentID); err != nil {
			return model.OrchestrationResult{}, err
		}
		if assignments != nil {
			assignments[remediation.Name] = agentID
		}

		var rerun []model.Spec
		byName := specsByName(allSpecs)
		for _, name := range failedSpecs {
			if s, ok := byName[name]; ok {
				rerun = append(rerun, s)
			}
		}
		rerun = append(rerun, remediation)
		currentSpecs = rerun
		allSpecs = append(allSpecs, remediation)
	}

	lastResult.Completed = sortedSet(completed)
	lastResult.Status = terminalOverCompleted(totalSpecCount, lastResult)
	return lastResult, nil
}

func terminalOverCompleted(total int, result model.OrchestrationResult) model.OrchestrationStatus {
	switch {
	case len(result.Completed) == total:
		return model.OrchestrationCompleted
	case len(result.Completed) == 0:
		return model.OrchestrationFailed
	default:
		return model.OrchestrationPartialFailed
	}
}

func computeBudget(cfg ReplanConfig, failedCount int) int {
	if cfg.Strategy == model.ReplanFixed {
		return cfg.MaxAttempts
	}
	adaptive := failedCount + 1
	adaptive /= 2
	if adaptive < cfg.MaxAttempts {
		adaptive = cfg.MaxAttempts
	}
	return clampInt(adaptive, 1, 5)
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func failedExcludingMaster(result model.OrchestrationResult, master string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range result.Failed {
		if name != master && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range result.Skipped {
		if name != master && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func signatureOf(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func specsByName(specs []model.Spec) map[string]model.Spec {
	out := make(map[string]model.Spec, len(specs))
	for _, s := range specs {
		out[s.Name] = s
	}
	return out
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// synthesizeRemediationSpec creates the next remediation sub-spec: no
// dependencies, named "<prefix>-<seq>-replan-remediation-cycle-<n>".
func (c *Controller) synthesizeRemediationSpec(portfolio model.Portfolio, seqIndex, cycle int) model.Spec {
	name := fmt.Sprintf("%02d-%02d-%s", portfolio.Prefix, seqIndex, fmt.Sprintf(remediationReasonFmt, cycle))
	return model.Spec{
		Name:     name,
		Role:     model.RoleSub,
		Status:   model.StatusNotStarted,
		LeaseKey: leaseKeyForName(name),
		Track:    "close-loop-control",
	}
}

// leaseKeyForName derives the first two dash-separated tokens of a spec
// name's slug portion (everything after "PP-SS-"), mirroring
// internal/decompose's unexported leaseKeyFor.
func leaseKeyForName(specName string) string {
	parts := strings.SplitN(specName, "-", 3)
	if len(parts) < 3 {
		return specName
	}
	slugTokens := strings.Split(parts[2], "-")
	if len(slugTokens) == 1 {
		return slugTokens[0]
	}
	return strings.Join(slugTokens[:2], "-")
}

func (c *Controller) materializeAndSeed(ctx context.Context, portfolio model.Portfolio, goal string, assignments map[string]string) error {
	for _, spec := range portfolio.AllSpecs() {
		if err := c.materializeAndSeedOne(ctx, spec, goal); err != nil {
			return err
		}
		assignments[spec.Name] = id.NewString()
		if _, err := c.collab.AssignSpec(ctx, spec.Name, assignments[spec.Name]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) materializeAndSeedOne(ctx context.Context, spec model.Spec, goal string) error {
	docs, err := c.draftDocs(ctx, spec, goal)
	if err != nil {
		return err
	}
	if err := c.docs.Materialize(ctx, spec.Name, docs); err != nil {
		return err
	}

	_, err = c.collab.AtomicUpdate(ctx, spec.Name, func(s *model.Spec) error {
		s.Name = spec.Name
		s.Role = spec.Role
		s.Dependencies = spec.Dependencies
		s.Status = model.StatusNotStarted
		s.LeaseKey = spec.LeaseKey
		s.Track = spec.Track
		return nil
	})
	return err
}

func (c *Controller) draftDocs(ctx context.Context, spec model.Spec, goal string) (store.DocSet, error) {
	if c.drafter != nil {
		docs, err := c.drafter.DraftSpecDocs(ctx, spec, goal)
		if err == nil {
			return docs, nil
		}
		slog.WarnContext(ctx, "closeloop: drafting failed, falling back to template", "spec", spec.Name, "error", err)
	}
	return templateDocs(spec, goal), nil
}

func templateDocs(spec model.Spec, goal string) store.DocSet {
	requirements := fmt.Sprintf("# Requirements: %s\n\n## TL;DR\n- Supports the goal: %s\n\n## Scope\nImplement the work assigned to track %q.\n", spec.Name, goal, spec.Track)
	design := fmt.Sprintf("# Design: %s\n\nDependencies: %s\n", spec.Name, strings.Join(spec.Dependencies, ", "))
	tasks := fmt.Sprintf("# Tasks: %s\n\n- [ ] Implement the work described in requirements.md\n- [ ] Verify against design.md\n", spec.Name)
	return store.DocSet{Requirements: requirements, Design: design, Tasks: tasks}
}
