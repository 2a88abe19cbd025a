package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/stark-sentinel/tui/internal/app"
	"github.com/stark-sentinel/tui/internal/logging"
)

// runTUI runs the interactive dashboard. Logs go to a file because the
// program owns the terminal.
func runTUI(cmd *cobra.Command, opts *rootOptions) error {
	cfg := opts.cfg
	logger, closer, err := logging.NewFileLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return err
	}
	defer closer.Close()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctrl := rt.controller(nil)
	go ctrl.Run(ctx)
	defer func() {
		cancel()
		<-ctrl.Done()
	}()

	// Subscribe before restoring so the first views reach the model.
	m := app.New(ctrl)
	found, err := ctrl.Restore(ctx)
	if err != nil {
		logger.Warn("restoring session failed", "error", err)
	}
	logger.Info("dashboard starting", "server", cfg.Server.BaseURL, "restored", found)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
