package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/ipc"
)

// tickCmd sends switch requests straight to sway, for keybindings that must
// not depend on the daemon socket.
func (a *app) tickCmd() *cobra.Command {
	var swaySocket string
	tick := &cobra.Command{
		Use:   "tick",
		Short: "Request a switch through a sway tick event",
	}
	tick.PersistentFlags().StringVar(&swaySocket, "sway-socket", "", "sway IPC socket (default $SWAYSOCK)")
	send := func(cmd *cobra.Command, payload string) error {
		path := swaySocket
		if path == "" {
			var err error
			if path, err = ipc.SocketPath(); err != nil {
				return err
			}
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}
		wm := ipc.NewClient(ipc.SocketDialer(path), a.timeout)
		if err := wm.SendTick(ctx, payload); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent tick %s\n", payload)
		return nil
	}
	tick.AddCommand(
		&cobra.Command{
			Use:   "switch <name>",
			Short: "Ask the daemon to switch project",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, engine.TickSwitchPrefix+args[0])
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Ask the daemon to return to global mode",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, engine.TickClear)
			},
		},
	)
	return tick
}

func checkCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultPath()
			}
			return runCheck(configPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (default ~/.config/i3pm/config.yaml)")
	return cmd
}

func runCheck(path string, stdout, stderr io.Writer) error {
	lintErrs, err := config.LintFile(path)
	if err != nil {
		return err
	}
	if len(lintErrs) == 0 {
		fmt.Fprintln(stdout, "Configuration OK")
		return nil
	}
	fmt.Fprintf(stderr, "Configuration has %d issue(s):\n", len(lintErrs))
	for _, lintErr := range lintErrs {
		fmt.Fprintf(stderr, "- %s\n", lintErr.Error())
	}
	return fmt.Errorf("configuration validation failed")
}
