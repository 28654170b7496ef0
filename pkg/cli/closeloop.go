package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"sce.dev/auto/core/config"
	"sce.dev/auto/internal/closeloop"
	"sce.dev/auto/internal/collab"
	"sce.dev/auto/internal/dod"
	"sce.dev/auto/internal/draft"
	"sce.dev/auto/internal/httpstatus"
	"sce.dev/auto/internal/model"
	"sce.dev/auto/internal/monitor"
	"sce.dev/auto/internal/procenv"
	"sce.dev/auto/internal/prompt"
	"sce.dev/auto/internal/registry"
	"sce.dev/auto/internal/session"
	"sce.dev/auto/internal/spawner"
	"sce.dev/auto/internal/store"
	"sce.dev/auto/internal/strategy"
)

func newCloseLoopCmd(cfg config.Config, exitCode *int) *cobra.Command {
	var (
		dryRun             bool
		run                bool
		prefixPin          int
		subsPin            int
		replanStrategy     string
		replanAttempts     int
		replanNoProgress   int
		dodEnabled         bool
		dodTests           string
		dodTestsTimeoutMs  int
		dodMaxRisk         string
		dodMinCompletion   float64
		dodMaxSuccessDrop  float64
		dodBaselineWindow  int
		dodReportPath      string
		sessionEnabled     bool
		sessionID          string
		sessionKeep        int
		sessionOlderDays   int
		resume             string
		maxParallel        int
		outPath            string
		jsonOutput         bool
		quiet              bool
		statusAddr         string
	)

	cmd := &cobra.Command{
		Use:   "close-loop <goal>",
		Short: "Decompose a goal into specs, orchestrate sub-agents, and gate on Definition of Done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := args[0]
			workspaceRoot, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolving workspace root: %w", err)
			}

			specsRoot := filepath.Join(workspaceRoot, ".sce", "specs")
			autoRoot := filepath.Join(workspaceRoot, ".sce", "auto")

			collabStore := collab.NewLocalStore(specsRoot)
			docStore := store.NewSpecDocStore(workspaceRoot)
			sessionStore := session.NewStore(filepath.Join(autoRoot, "close-loop-sessions"))
			strategyStore := strategy.NewStore(autoRoot)

			reg := registry.New()
			assembler := prompt.New(workspaceRoot)
			sp := spawner.New(workspaceRoot, spawner.Config{
				APIKeyEnvVar:   cfg.Orchestrator.APIKeyEnvVar,
				CodexCommand:   cfg.Orchestrator.CodexCommand,
				CodexArgs:      cfg.Orchestrator.CodexArgs,
				TimeoutSeconds: cfg.Orchestrator.TimeoutSeconds,
			}, procenv.OS{}, reg, assembler)

			drafter, err := draft.New(cfg.Drafting)
			if err != nil {
				return fmt.Errorf("configuring document drafter: %w", err)
			}
			var drafterSeam closeloop.Drafter
			if drafter != nil {
				drafterSeam = drafter
			}

			var publisher monitor.Publisher
			if cfg.RedisURL != "" {
				opts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("parsing redis url: %w", err)
				}
				publisher = monitor.RedisPublisher{Client: redis.NewClient(opts)}
			}

			var latestSnapshot model.StatusSnapshot
			onStatus := func(snap model.StatusSnapshot) {
				latestSnapshot = snap
				if !quiet && !jsonOutput {
					slog.InfoContext(cmd.Context(), "close-loop progress",
						"status", snap.Status, "batch", snap.CurrentBatch, "totalBatches", snap.TotalBatches,
						"completed", len(snap.CompletedSpecs), "failed", len(snap.FailedSpecs), "running", len(snap.RunningSpecs))
				}
			}

			controller := closeloop.New(workspaceRoot, collabStore, docStore, sessionStore, strategyStore, sp, drafterSeam, onStatus, publisher)

			var currentSession *model.CloseLoopSession
			if statusAddr != "" {
				srv := httpstatus.New(cfg.OTel.ServiceName,
					func(id string) (*model.CloseLoopSession, bool) {
						if currentSession != nil && currentSession.SessionID == id {
							return currentSession, true
						}
						return nil, false
					},
					func(id string) (model.StatusSnapshot, bool) {
						if currentSession != nil && currentSession.SessionID == id {
							return latestSnapshot, true
						}
						return model.StatusSnapshot{}, false
					},
				)
				if err := srv.Start(statusAddr); err != nil {
					slog.WarnContext(cmd.Context(), "failed to bind status surface, continuing without it", "addr", statusAddr, "error", err)
				} else {
					defer srv.Shutdown(context.Background())
				}
			}

			runCfg := closeloop.RunConfig{
				DryRun:      dryRun || !run,
				Run:         run,
				PrefixPin:   prefixPin,
				SubsPin:     subsPin,
				MaxParallel: maxParallel,
				Replan: closeloop.ReplanConfig{
					Strategy:         model.ReplanStrategy(replanStrategy),
					MaxAttempts:      replanAttempts,
					NoProgressWindow: replanNoProgress,
				},
				DodEnabled: dodEnabled,
				Dod: dod.Config{
					TestsCommand:       dodTests,
					TestsTimeout:       time.Duration(dodTestsTimeoutMs) * time.Millisecond,
					MaxRiskLevel:       model.RiskLevel(dodMaxRisk),
					MinCompletionRate:  dodMinCompletion,
					MaxSuccessRateDrop: dodMaxSuccessDrop,
					// HistoricalSuccessRates intentionally empty: strategy memory
					// tracks aggregate attempts/successes per goal signature, not a
					// windowed list of past completion rates, so the
					// kpi-baseline-drop-threshold gate is skipped until a per-run
					// history store exists. --dod-baseline-window is accepted for
					// forward compatibility with that addition.
				},
				Session: closeloop.SessionConfig{
					Enabled:       sessionEnabled,
					ID:            sessionID,
					Keep:          sessionKeep,
					OlderThanDays: sessionOlderDays,
				},
				Resume: resume,
			}

			sess, err := controller.Run(cmd.Context(), goal, runCfg)
			if err != nil {
				return err
			}
			currentSession = sess

			if dodReportPath != "" && sess.Dod != nil {
				if err := writeDodReport(dodReportPath, *sess.Dod); err != nil {
					slog.WarnContext(cmd.Context(), "failed to write dod report", "path", dodReportPath, "error", err)
				}
			}

			if err := emitResult(sess, outPath, jsonOutput, quiet); err != nil {
				return err
			}

			if sess.Status != model.OrchestrationCompleted {
				*exitCode = 1
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "decompose and print the plan without executing or writing to disk")
	cmd.Flags().BoolVar(&run, "run", true, "execute the plan (use --no-run to force dry-run behavior)")
	cmd.Flags().IntVar(&prefixPin, "prefix", 0, "pin the portfolio's numeric prefix")
	cmd.Flags().IntVar(&subsPin, "subs", 0, "pin the sub-spec count (2-5)")
	cmd.Flags().StringVar(&replanStrategy, "replan-strategy", string(model.ReplanAdaptive), "replan budget strategy: fixed or adaptive")
	cmd.Flags().IntVar(&replanAttempts, "replan-attempts", 2, "max replan attempts (0-5)")
	cmd.Flags().IntVar(&replanNoProgress, "replan-no-progress-window", 2, "cycles without progress before giving up (1-10)")
	cmd.Flags().BoolVar(&dodEnabled, "dod", true, "evaluate the Definition-of-Done gate (use --no-dod to disable)")
	cmd.Flags().StringVar(&dodTests, "dod-tests", "", "shell command run as the tests-command DoD gate")
	cmd.Flags().IntVar(&dodTestsTimeoutMs, "dod-tests-timeout", 0, "timeout in milliseconds for --dod-tests")
	cmd.Flags().StringVar(&dodMaxRisk, "dod-max-risk-level", "", "maximum tolerated risk level: low, medium, or high")
	cmd.Flags().Float64Var(&dodMinCompletion, "dod-kpi-min-completion-rate", 0, "minimum completion rate percentage (0-100)")
	cmd.Flags().Float64Var(&dodMaxSuccessDrop, "dod-max-success-rate-drop", 0, "maximum tolerated drop against the historical baseline (0-100)")
	cmd.Flags().IntVar(&dodBaselineWindow, "dod-baseline-window", 5, "number of historical runs to baseline against (1-50)")
	cmd.Flags().StringVar(&dodReportPath, "dod-report", "", "write the DoD report as JSON to this path")
	cmd.Flags().BoolVar(&sessionEnabled, "session", true, "persist a resumable session snapshot (use --no-session to disable)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "explicit session id (defaults to a generated id)")
	cmd.Flags().IntVar(&sessionKeep, "session-keep", 20, "number of recent sessions to always keep (0-1000)")
	cmd.Flags().IntVar(&sessionOlderDays, "session-older-than-days", 30, "prune sessions older than this many days (0-36500)")
	cmd.Flags().StringVar(&resume, "resume", "", "resume a session: latest, interrupted, an id, or a path")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "maximum concurrently running specs per batch (values below 1 run one at a time)")
	cmd.Flags().StringVar(&outPath, "out", "", "write the session result as JSON to this path")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the session result as JSON to stdout")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress progress output")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "optional host:port to serve the HTTP status surface on")

	_ = dodBaselineWindow // reserved: see HistoricalSuccessRates comment above

	return cmd
}

func writeDodReport(path string, report model.DodReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func emitResult(sess *model.CloseLoopSession, outPath string, jsonOutput, quiet bool) error {
	if outPath != "" {
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			return err
		}
	}
	if jsonOutput {
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else if !quiet {
		fmt.Printf("close-loop: session %s goal=%q status=%s\n", sess.SessionID, sess.Goal, sess.Status)
	}
	return nil
}
