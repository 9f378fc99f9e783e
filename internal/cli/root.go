// Package cli implements the lifeline command line.
package cli

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string

	logger zerolog.Logger
)

// NewRootCmd creates the root cobra command for the lifeline CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lifeline",
		Short: "Durable heartbeat scheduler for an autonomous agent",
		Long:  "lifeline runs the agent's heartbeat tasks on a durable schedule, gated by its survival tier.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = NewLogger(flagLogLevel, flagLogFormat, os.Stderr)
			log.Logger = logger
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (yaml or toml, or LIFELINE_CONFIG env)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newForceRunCmd(),
		newScheduleCmd(),
		newTierCmd(),
	)

	return root
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(level, format string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	out := w
	if strings.ToLower(format) != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
