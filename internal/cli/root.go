// Package cli implements the sentinel-tui command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stark-sentinel/tui/internal/config"
	"github.com/stark-sentinel/tui/internal/logging"
)

type rootOptions struct {
	configPath string
	debug      bool
	ephemeral  bool

	// Set by PersistentPreRunE.
	cfg *config.Config
}

// NewRootCmd creates the root command. Without a subcommand it runs the
// interactive dashboard.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "sentinel-tui",
		Short: "Sentinel: live sensor dashboard and alert console",
		Long: "sentinel-tui signs in to a Sentinel backend, keeps a live event stream open and " +
			"shows the latest reading per sensor plus the alert history.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if opts.debug {
				cfg.Log.Level = "debug"
			}
			if opts.ephemeral {
				cfg.Session.Driver = "memory"
			}
			opts.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd, opts)
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Config file (default: ./sentinel.yaml or the state dir)")
	pf.String("server", "", "Backend base URL (or SENTINEL_SERVER_BASE_URL)")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (text, json)")
	pf.String("log-file", "", "Log file for the interactive dashboard")
	pf.String("session", "", "Session storage driver (file, sqlite, redis, memory)")
	pf.BoolVar(&opts.ephemeral, "ephemeral", false, "Keep the session in memory only")

	root.AddCommand(
		newLoginCmd(opts),
		newGuestCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newSimulateCmd(opts),
		newMetricsCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// stderrLogger is the logger for headless commands.
func (o *rootOptions) stderrLogger(w io.Writer) *slog.Logger {
	return logging.NewLoggerWithWriter(logging.ParseLevel(o.cfg.Log.Level), o.cfg.Log.Format, w)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
