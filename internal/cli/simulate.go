package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/conn"
	"github.com/stark-sentinel/tui/internal/controller"
)

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "simulate <sensor> [payload-json]",
		Short: "Ask the backend to emit a sensor event",
		Long: "Resume the stored session, wait for the live channel, then submit a simulated event. " +
			"Refused unless the session's role may act.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
				if !json.Valid(payload) {
					return fmt.Errorf("payload is not valid JSON")
				}
			}

			rt, err := newRuntime(opts.cfg, opts.stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			ctrl := rt.controller(nil)
			stop, err := restore(ctx, ctrl)
			defer stop()
			if err != nil {
				return err
			}
			v, err := waitFor(ctx, ctrl, wait, func(v controller.View) bool {
				return v.Conn == conn.Open || v.Guest
			})
			if err != nil {
				return fmt.Errorf("live channel not available (%s): %w", v.Conn, err)
			}

			out, err := ctrl.Submit(ctx, args[0], payload)
			switch {
			case errors.Is(err, controller.ErrNotPermitted):
				return fmt.Errorf("role %q may not simulate events", v.Session.Role)
			case client.UserFacing(err):
				return fmt.Errorf("simulate failed: %s", client.Detail(err))
			case err != nil:
				return err
			}
			cmd.OutOrStdout().Write(pretty.Pretty(out))
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the live channel")
	return cmd
}

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show backend event counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts.cfg, opts.stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			token := ""
			if s, ok := rt.store.Get(cmd.Context()); ok {
				token = s.Credential
			}
			m, err := rt.http.WithToken(token).Metrics(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd, "events_processed: %d\n", m.EventsProcessed)
			printf(cmd, "avg_latency_ms:   %.2f\n", m.AvgLatencyMs)
			return nil
		},
	}
}
