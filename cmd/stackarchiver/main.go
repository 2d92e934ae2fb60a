// Package main is the entrypoint for the stackarchiver server and its
// run-job worker.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/stackarchiver/internal/config"
)

// Build-time variables set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackarchiver",
		Short: "Archive Docker Compose stacks on a schedule",
		Long: `stackarchiver stops Docker Compose stacks, archives their directories,
restarts them and prunes old archives with a grandfather-father-son policy.

Run 'stackarchiver serve' to start the API server and scheduler.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newRunJobCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newCleanupCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("stackarchiver %s (%s)\n", Version, Commit)
		},
	}
}

// newLogger builds the process logger: JSON in production, console
// output elsewhere.
func newLogger(cfg config.ServerConfig) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if cfg.Environment != config.EnvProduction {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
