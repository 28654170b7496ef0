package spawner

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/procenv"
)

var approvalFlagPattern = regexp.MustCompile(`^--ask-for-approval(=.*)?$`)

// resolveAPIKey resolves the worker's API key: first from the configured
// environment variable, falling back to a JSON credential file under the
// user's home directory. Fails hard if neither yields a key.
func resolveAPIKey(env procenv.Environment, cfg Config) (string, error) {
	envVar := cfg.apiKeyEnvVar()
	if key := env.Getenv(envVar); key != "" {
		return key, nil
	}

	credPath, err := procenv.DefaultCredentialPath(env)
	if err == nil {
		if fields, err := env.ReadCredentialFile(credPath); err == nil {
			if key := fields["OPENAI_API_KEY"]; key != "" {
				return key, nil
			}
			if key := fields["CODEX_API_KEY"]; key != "" {
				return key, nil
			}
		}
	}

	return "", apperr.Config(fmt.Sprintf("no API key found in $%s or credential file", envVar), nil)
}

// buildArgs assembles the fixed invocation arguments, the caller's extra
// codexArgs, a default approval flag unless the caller already set one, and
// finally the prompt as the last positional argument.
func buildArgs(cfg Config, prompt string) []string {
	args := []string{"exec", "--full-auto", "--json", "--sandbox", "danger-full-access"}
	args = append(args, cfg.CodexArgs...)

	hasApproval := false
	for _, a := range cfg.CodexArgs {
		if approvalFlagPattern.MatchString(a) {
			hasApproval = true
			break
		}
	}
	if !hasApproval {
		args = append(args, "--ask-for-approval", "never")
	}

	return append(args, prompt)
}

// needsArgvFile reports whether the prompt must be delivered via a temp
// file + scripting host rather than directly on the command line, based on
// the platform's argv byte budget.
func needsArgvFile(cfg Config, args []string) bool {
	total := 0
	for _, a := range args {
		total += len(a) + 1
	}
	return total > cfg.argvBudget()
}

// resolveCommand determines the worker binary to invoke: the configured
// value, else a probed native binary, else a package-runner fallback.
func resolveCommand(env procenv.Environment, cfg Config) (string, []string) {
	if cfg.CodexCommand != "" {
		return cfg.CodexCommand, nil
	}
	if path, err := env.LookPath("codex"); err == nil {
		return path, nil
	}
	return "npx", []string{"-y", "@openai/codex"}
}

// sanitizeTmpFilename strips filesystem-reserved characters from a
// worker-identifying string so it is safe to use as part of a temp filename.
func sanitizeTmpFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// writePromptTempFile writes the prompt to a per-worker temp file and
// returns its path, for platforms where the scripting-host strategy applies.
func writePromptTempFile(dir, workerID, prompt string) (string, error) {
	name := fmt.Sprintf("auto-prompt-%s.txt", sanitizeTmpFilename(workerID))
	path := dir + string(os.PathSeparator) + name
	if err := os.WriteFile(path, []byte(prompt), 0o600); err != nil {
		return "", apperr.Spawn("writing prompt temp file", err)
	}
	return path, nil
}

// scriptingHostInvocation builds the argv for launching a scripting host
// that reads promptPath as UTF-8 into a variable and invokes command with
// that variable as the final argument, for platforms whose native shell
// cannot accept a long prompt on the command line directly.
func scriptingHostInvocation(command string, baseArgs []string, args []string, promptPath string) (string, []string) {
	// args' last element is always the prompt; replace it with a reference
	// to the temp file contents instead of inlining the prompt text.
	positional := append([]string(nil), args[:len(args)-1]...)
	script := fmt.Sprintf(
		"$p = Get-Content -Raw -Encoding UTF8 %q; & %q %s $p",
		promptPath, command, strings.Join(quoteAll(positional), " "),
	)
	return "pwsh", append([]string{"-NoProfile", "-Command", script})
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = fmt.Sprintf("%q", a)
	}
	return out
}
