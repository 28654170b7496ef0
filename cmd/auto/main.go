package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"sce.dev/auto/common/id"
	"sce.dev/auto/common/logger"
	"sce.dev/auto/common/otel"
	"sce.dev/auto/core/config"
	"sce.dev/auto/pkg/cli"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	cfg := config.Load()

	// OTel must init before logger (logger uses the OTel provider in production).
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}
	if telemetry != nil {
		defer telemetry.Shutdown(ctx)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	os.Exit(cli.Execute(ctx, cfg))
}
