// Package cli implements auto's cobra-based command-line surface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sce.dev/auto/core/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Execute runs the root command with ctx as its base context and returns
// the process exit code: 0 when the close-loop run reached "completed",
// non-zero for any other terminal status or error.
func Execute(ctx context.Context, cfg config.Config) int {
	exitCode := 0

	root := &cobra.Command{
		Use:           "auto",
		Short:         "Spec-driven multi-agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.AddCommand(newCloseLoopCmd(cfg, &exitCode))

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "auto:", err)
		return 1
	}
	return exitCode
}
