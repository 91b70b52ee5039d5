// Command i3pm is the command-line client for the i3pm daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vpittamp/i3pm/internal/control/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries the global flags shared by every subcommand.
type app struct {
	socket  string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "i3pm",
		Short: "Control the i3pm project window manager daemon",
		Long: `i3pm talks to the i3pmd daemon over its Unix socket.

Projects group windows by the I3PM_PROJECT_NAME variable in each window's
process environment. Switching projects hides the windows of every other
project in the sway scratchpad and restores the target's windows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.socket, "socket", "", "daemon socket path (default $XDG_RUNTIME_DIR/i3pm/daemon.sock)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 5*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "print raw JSON results")

	root.AddCommand(
		a.statusCmd(),
		a.projectCmd(),
		a.windowsCmd(),
		a.eventsCmd(),
		a.subscribersCmd(),
		a.layoutCmd(),
		a.windowCmd(),
		a.diagnoseCmd(),
		a.resyncCmd(),
		a.reloadCmd(),
		a.redistributeCmd(),
		a.monitorCmd(),
		a.tickCmd(),
		checkCmd(),
	)
	return root
}

func (a *app) client() (*client.Client, error) {
	cli, err := client.New(a.socket)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return cli, nil
}

// call runs fn with a client and a context bounded by --timeout.
func (a *app) call(cmd *cobra.Command, fn func(ctx context.Context, cli *client.Client) error) error {
	cli, err := a.client()
	if err != nil {
		return err
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
	return fn(ctx, cli)
}

// render prints v as JSON under --json, otherwise runs human.
func (a *app) render(w io.Writer, v any, human func(io.Writer)) error {
	if a.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}
