package spawner

import (
	"strings"
	"testing"

	"sce.dev/auto/internal/procenv"
)

func TestBuildArgs_AddsDefaultApprovalFlag(t *testing.T) {
	cfg := Config{}
	args := buildArgs(cfg, "do the thing")

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--ask-for-approval never") {
		t.Fatalf("expected default approval flag, got args %v", args)
	}
	if args[len(args)-1] != "do the thing" {
		t.Fatalf("expected prompt as last argument, got %v", args)
	}
}

func TestBuildArgs_RespectsCallerSuppliedApprovalFlag(t *testing.T) {
	cfg := Config{CodexArgs: []string{"--ask-for-approval=on-failure"}}
	args := buildArgs(cfg, "prompt")

	count := 0
	for _, a := range args {
		if strings.HasPrefix(a, "--ask-for-approval") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one approval flag when caller supplies one, got %d in %v", count, args)
	}
}

func TestNeedsArgvFile(t *testing.T) {
	cfg := Config{ArgvBudgetBytes: 10}
	small := []string{"a"}
	big := []string{"a very long argument that exceeds the tiny budget"}

	if needsArgvFile(cfg, small) {
		t.Fatal("small args should fit under the budget")
	}
	if !needsArgvFile(cfg, big) {
		t.Fatal("oversized args should require the argv file path")
	}
}

func TestNeedsArgvFile_DefaultBudget(t *testing.T) {
	cfg := Config{}
	if cfg.argvBudget() != 8*1024 {
		t.Fatalf("expected default argv budget of 8192, got %d", cfg.argvBudget())
	}
}

func TestResolveCommand_PrefersConfiguredCommand(t *testing.T) {
	env := procenv.NewFake()
	env.PathLookup["codex"] = "/usr/local/bin/codex"

	cmd, args := resolveCommand(env, Config{CodexCommand: "/custom/codex"})
	if cmd != "/custom/codex" {
		t.Fatalf("expected configured command to win, got %q", cmd)
	}
	if args != nil {
		t.Fatalf("expected no base args for an explicit command, got %v", args)
	}
}

func TestResolveCommand_FallsBackToPathLookup(t *testing.T) {
	env := procenv.NewFake()
	env.PathLookup["codex"] = "/usr/local/bin/codex"

	cmd, _ := resolveCommand(env, Config{})
	if cmd != "/usr/local/bin/codex" {
		t.Fatalf("expected resolved PATH binary, got %q", cmd)
	}
}

func TestResolveCommand_FallsBackToNpx(t *testing.T) {
	env := procenv.NewFake()

	cmd, args := resolveCommand(env, Config{})
	if cmd != "npx" {
		t.Fatalf("expected npx fallback when codex is not on PATH, got %q", cmd)
	}
	if len(args) == 0 || args[0] != "-y" {
		t.Fatalf("expected npx package-runner args, got %v", args)
	}
}

func TestSanitizeTmpFilename(t *testing.T) {
	in := `/\:*?"<>|`
	want := strings.Repeat("_", len([]rune(in)))
	if got := sanitizeTmpFilename(in); got != want {
		t.Fatalf("expected every reserved character replaced, got %q", got)
	}

	if got := sanitizeTmpFilename("plain-worker-id"); got != "plain-worker-id" {
		t.Fatalf("expected unreserved characters untouched, got %q", got)
	}
}

func TestWritePromptTempFile(t *testing.T) {
	dir := t.TempDir()
	path, err := writePromptTempFile(dir, "worker/1", "the prompt body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(path, "worker_1") {
		t.Fatalf("expected sanitized worker id in temp path, got %q", path)
	}
}

func TestResolveAPIKey_FromEnv(t *testing.T) {
	env := procenv.NewFake()
	env.Env["CODEX_API_KEY"] = "sk-test"

	key, err := resolveAPIKey(env, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "sk-test" {
		t.Fatalf("expected key from env, got %q", key)
	}
}

func TestResolveAPIKey_MissingEverywhereFails(t *testing.T) {
	env := procenv.NewFake()

	if _, err := resolveAPIKey(env, Config{}); err == nil {
		t.Fatal("expected an error when no API key is configured anywhere")
	}
}
