package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stark-sentinel/tui/internal/client"
	"github.com/stark-sentinel/tui/internal/permission"
	"github.com/stark-sentinel/tui/internal/session"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long:  "Authenticate against the backend and persist the session so the dashboard and other commands can resume it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts.cfg, opts.stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			in := bufio.NewReader(cmd.InOrStdin())
			if username == "" {
				if username, err = prompt(cmd, in, "Username: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = prompt(cmd, in, "Password: "); err != nil {
					return err
				}
			}
			if username == "" || password == "" {
				return fmt.Errorf("username and password are required")
			}

			login, err := rt.http.Authenticate(cmd.Context(), username, password)
			if err != nil {
				if client.UserFacing(err) {
					return fmt.Errorf("login failed: %s", client.Detail(err))
				}
				return fmt.Errorf("login failed: %w", err)
			}
			s := session.Session{
				Identity:   login.Identity,
				Role:       permission.Normalize(login.Role),
				Credential: login.Token,
			}
			if err := rt.store.Set(cmd.Context(), s); err != nil {
				return err
			}
			printf(cmd, "Logged in as %s (%s)\n", s.Identity, rt.resolver.Canonical(string(s.Role)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted if omitted)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted if omitted)")
	return cmd
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newGuestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "guest",
		Short: "Store a read-only guest session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts.cfg, opts.stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			g := client.Guest(opts.cfg.Session.GuestRole)
			s := session.Session{Identity: g.Identity, Role: permission.Normalize(g.Role)}
			if err := rt.store.Set(cmd.Context(), s); err != nil {
				return err
			}
			printf(cmd, "Continuing as %s (%s)\n", s.Identity, rt.resolver.Canonical(string(s.Role)))
			return nil
		},
	}
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts.cfg, opts.stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.Clear(cmd.Context()); err != nil {
				return err
			}
			printf(cmd, "Logged out\n")
			return nil
		},
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session and what it may do",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts.cfg, opts.stderrLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer rt.Close()

			s, ok := rt.store.Get(cmd.Context())
			if !ok {
				return errNoSession
			}
			role := rt.resolver.Canonical(string(s.Role))
			caps := rt.resolver.Resolve(string(s.Role))
			printf(cmd, "identity:        %s\n", s.Identity)
			printf(cmd, "role:            %s\n", role)
			printf(cmd, "guest:           %t\n", s.IsGuest())
			printf(cmd, "can_act:         %t\n", caps.CanAct && !s.IsGuest())
			printf(cmd, "can_view_alerts: %t\n", caps.CanViewAlerts)
			return nil
		},
	}
}
