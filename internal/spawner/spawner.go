// Package spawner implements the Agent Spawner (C3): launches, supervises
// and terminates the sub-processes that run one spec's worker, parses
// their JSON-Lines event stream, and extracts an optional result summary.
package spawner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"sce.dev/auto/common/logger"
	"sce.dev/auto/internal/model"
	"sce.dev/auto/internal/procenv"
	"sce.dev/auto/internal/prompt"
	"sce.dev/auto/internal/registry"
)

const (
	forceKillDelay   = 5 * time.Second
	safetyResolution = 10 * time.Second
	maxStderrBytes   = 50 * 1024
)

// Spawner launches and supervises worker sub-processes.
type Spawner struct {
	workspaceRoot string
	config        Config
	env           procenv.Environment
	registry      *registry.Registry
	assembler     *prompt.Assembler

	mu      sync.Mutex
	workers map[string]*handle
}

// New creates a Spawner rooted at workspaceRoot.
func New(workspaceRoot string, cfg Config, env procenv.Environment, reg *registry.Registry, assembler *prompt.Assembler) *Spawner {
	return &Spawner{
		workspaceRoot: workspaceRoot,
		config:        cfg,
		env:           env,
		registry:      reg,
		assembler:     assembler,
		workers:       make(map[string]*handle),
	}
}

type handle struct {
	mu            sync.Mutex
	worker        *model.SpawnedWorker
	cmd           *exec.Cmd
	promptTmpFile string
	killOnce      sync.Once
	done          chan struct{}
}

// Spawn launches one worker for specName and returns once it has started
// (not once it has terminated). Inspect the returned worker's Status field
// via Snapshot/events after termination.
func (s *Spawner) Spawn(ctx context.Context, specName string) (*model.SpawnedWorker, error) {
	apiKey, err := resolveAPIKey(s.env, s.config)
	if err != nil {
		return nil, err
	}

	promptText, err := s.assembler.BuildPrompt(ctx, specName)
	if err != nil {
		return nil, err
	}

	workerID := s.registry.Register(specName)
	ctx = logger.WithLogFields(ctx, logger.LogFields{SpecName: specName, WorkerID: workerID, Component: "auto.spawner"})

	worker := &model.SpawnedWorker{
		WorkerID:  workerID,
		SpecName:  specName,
		Status:    model.WorkerRunning,
		StartedAt: time.Now(),
	}

	h := &handle{worker: worker, done: make(chan struct{})}
	s.mu.Lock()
	s.workers[workerID] = h
	s.mu.Unlock()

	args := buildArgs(s.config, promptText)
	command, baseArgs := resolveCommand(s.env, s.config)

	if needsArgvFile(s.config, args) {
		tmpPath, err := writePromptTempFile(os.TempDir(), workerID, promptText)
		if err != nil {
			s.failSpawn(ctx, h, err)
			return worker, nil
		}
		h.promptTmpFile = tmpPath
		command, args = scriptingHostInvocation(command, baseArgs, args, tmpPath)
	} else {
		args = append(baseArgs, args...)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = s.workspaceRoot
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", s.config.apiKeyEnvVar(), apiKey))
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.failSpawn(ctx, h, err)
		return worker, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.failSpawn(ctx, h, err)
		return worker, nil
	}

	if err := cmd.Start(); err != nil {
		s.failSpawn(ctx, h, err)
		return worker, nil
	}
	h.cmd = cmd

	go s.streamStdout(ctx, h, stdout)
	go s.accumulateStderr(h, stderr)

	timeoutSeconds := s.config.timeout()
	timer := time.AfterFunc(time.Duration(timeoutSeconds)*time.Second, func() {
		s.timeoutWorker(ctx, h)
	})

	go s.wait(ctx, h, timer)

	return worker, nil
}

// failSpawn marks a worker terminal before its process ever reached wait()
// (temp-file, pipe, or cmd.Start failures) and closes h.done itself, since
// wait() — the only other closer — never runs for these workers.
func (s *Spawner) failSpawn(ctx context.Context, h *handle, cause error) {
	h.mu.Lock()
	h.worker.Status = model.WorkerFailed
	h.worker.CompletedAt = time.Now()
	h.worker.StderrBuffer += cause.Error()
	h.mu.Unlock()
	close(h.done)
	s.terminal(ctx, h)
}

func (s *Spawner) streamStdout(ctx context.Context, h *handle, r *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // non-JSON lines are discarded
		}
		h.mu.Lock()
		h.worker.Events = append(h.worker.Events, model.WorkerEvent(event))
		h.mu.Unlock()
	}
}

func (s *Spawner) accumulateStderr(h *handle, r *os.File) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		h.mu.Lock()
		if len(h.worker.StderrBuffer) < maxStderrBytes {
			h.worker.StderrBuffer += scanner.Text() + "\n"
			if len(h.worker.StderrBuffer) > maxStderrBytes {
				h.worker.StderrBuffer = h.worker.StderrBuffer[:maxStderrBytes]
			}
		}
		h.mu.Unlock()
	}
}

func (s *Spawner) wait(ctx context.Context, h *handle, timer *time.Timer) {
	err := h.cmd.Wait()
	timer.Stop()

	h.mu.Lock()
	alreadyTerminal := h.worker.Status != model.WorkerRunning
	if !alreadyTerminal {
		if err == nil {
			h.worker.Status = model.WorkerCompleted
			exitCode := 0
			h.worker.ExitCode = &exitCode
		} else {
			h.worker.Status = model.WorkerFailed
			if exitErr, ok := err.(*exec.ExitError); ok {
				code := exitErr.ExitCode()
				h.worker.ExitCode = &code
			}
			h.worker.StderrBuffer += err.Error()
		}
		h.worker.CompletedAt = time.Now()
	}
	h.mu.Unlock()

	close(h.done)
	s.terminal(ctx, h)
}

func (s *Spawner) timeoutWorker(ctx context.Context, h *handle) {
	h.mu.Lock()
	if h.worker.Status != model.WorkerRunning {
		h.mu.Unlock()
		return
	}
	h.worker.Status = model.WorkerTimeout
	h.worker.CompletedAt = time.Now()
	h.mu.Unlock()

	s.terminateProcess(h)
}

// Kill gracefully terminates a running worker, escalating to a force-kill
// after forceKillDelay, with a safetyResolution backstop. Idempotent.
func (s *Spawner) Kill(ctx context.Context, workerID string) {
	s.mu.Lock()
	h, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.terminateProcess(h)
}

// KillAll applies Kill to every worker currently running.
func (s *Spawner) KillAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id, h := range s.workers {
		h.mu.Lock()
		running := h.worker.Status == model.WorkerRunning
		h.mu.Unlock()
		if running {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Kill(ctx, id)
	}
}

func (s *Spawner) terminateProcess(h *handle) {
	h.killOnce.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		_ = h.cmd.Process.Signal(os.Interrupt)

		forceTimer := time.AfterFunc(forceKillDelay, func() {
			_ = h.cmd.Process.Kill()
		})
		defer forceTimer.Stop()

		select {
		case <-h.done:
		case <-time.After(safetyResolution):
		}
	})
}

func (s *Spawner) terminal(ctx context.Context, h *handle) {
	if h.promptTmpFile != "" {
		if err := os.Remove(h.promptTmpFile); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "failed to remove prompt temp file", "path", h.promptTmpFile, "error", err)
		}
	}
	s.registry.Deregister(ctx, h.worker.WorkerID)
}

// GetResultSummary scans a terminated (or still-running) worker's captured
// events for a result summary. Returns nil if the worker is unknown or no
// candidate matches.
func (s *Spawner) GetResultSummary(workerID string) *model.ResultSummary {
	s.mu.Lock()
	h, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	events := append([]model.WorkerEvent(nil), h.worker.Events...)
	h.mu.Unlock()

	return ExtractResultSummary(events)
}

// Snapshot returns a copy of a worker's current state.
func (s *Spawner) Snapshot(workerID string) (model.SpawnedWorker, bool) {
	s.mu.Lock()
	h, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return model.SpawnedWorker{}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *h.worker
	cp.Events = append([]model.WorkerEvent(nil), h.worker.Events...)
	return cp, true
}

// Wait blocks until the worker reaches a terminal state.
func (s *Spawner) Wait(workerID string) {
	s.mu.Lock()
	h, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-h.done
}
