package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/3leaps/pbs-extend/internal/cmd"
)

// Set by -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		cmd.ReportError(err)
		return cmd.ExitCode(err)
	}
	return 0
}
