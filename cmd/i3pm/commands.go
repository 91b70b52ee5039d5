package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vpittamp/i3pm/internal/control/client"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/layouts"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/ui/tui"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				st, err := cli.Status(ctx)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), st, func(w io.Writer) { printStatus(w, st) })
			})
		},
	}
}

func (a *app) projectCmd() *cobra.Command {
	project := &cobra.Command{
		Use:   "project",
		Short: "Inspect and switch projects",
	}
	project.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered projects with window counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					res, err := cli.Projects(ctx)
					if err != nil {
						return err
					}
					return a.render(cmd.OutOrStdout(), res, func(w io.Writer) { printProjects(w, res) })
				})
			},
		},
		&cobra.Command{
			Use:   "current",
			Short: "Print the active project",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					res, err := cli.ActiveProject(ctx)
					if err != nil {
						return err
					}
					return a.render(cmd.OutOrStdout(), res, func(w io.Writer) { fmt.Fprintln(w, res.Name) })
				})
			},
		},
		&cobra.Command{
			Use:   "switch <name>",
			Short: "Switch to a project (\"global\" shows every window)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					res, err := cli.SwitchProject(ctx, args[0])
					if err != nil {
						return err
					}
					return a.render(cmd.OutOrStdout(), res, func(w io.Writer) { printSwitch(w, res) })
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Return to global mode",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					res, err := cli.ClearProject(ctx)
					if err != nil {
						return err
					}
					return a.render(cmd.OutOrStdout(), res, func(w io.Writer) { printSwitch(w, res) })
				})
			},
		},
	)
	return project
}

func (a *app) windowsCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "windows",
		Short: "List tracked windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *string
			if cmd.Flags().Changed("project") {
				filter = &project
			}
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				windows, err := cli.Windows(ctx, filter)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), windows, func(w io.Writer) { printWindows(w, windows) })
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only windows of this project (\"global\" for unscoped windows)")
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	var (
		limit     int
		eventType string
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent daemon events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var last uint64
			err := a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				recs, err := cli.Events(ctx, limit, eventType)
				if err != nil {
					return err
				}
				if n := len(recs); n > 0 {
					last = recs[n-1].ID
				}
				if follow && a.json {
					for _, rec := range recs {
						if err := writeJSONLine(out, rec); err != nil {
							return err
						}
					}
					return nil
				}
				return a.render(out, recs, func(w io.Writer) {
					for _, rec := range recs {
						printEvent(w, rec)
					}
				})
			})
			if err != nil || !follow {
				return err
			}
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if last == 0 {
				status, err := cli.Status(ctx)
				if err != nil {
					return err
				}
				last = status.LastEventID
			}
			err = cli.Subscribe(ctx, &last, func(rec eventlog.Record) error {
				if eventType != "" && rec.Type != eventType {
					return nil
				}
				if a.json {
					return writeJSONLine(out, rec)
				}
				printEvent(out, rec)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent events to show (0 for all retained)")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events until interrupted")
	return cmd
}

func (a *app) subscribersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribers",
		Short: "List connected clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				subs, err := cli.Subscribers(ctx)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), subs, func(w io.Writer) { printSubscribers(w, subs) })
			})
		},
	}
}

func (a *app) layoutCmd() *cobra.Command {
	layout := &cobra.Command{
		Use:   "layout",
		Short: "Save and restore project window layouts",
	}
	var listProject string
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved layouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *string
			if cmd.Flags().Changed("project") {
				filter = &listProject
			}
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				items, err := cli.ListLayouts(ctx, filter)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), items, func(w io.Writer) { printLayouts(w, items) })
			})
		},
	}
	list.Flags().StringVar(&listProject, "project", "", "only layouts of this project")

	layout.AddCommand(
		&cobra.Command{
			Use:   "save <project> <name>",
			Short: "Save the placement of a project's windows",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					saved, err := cli.SaveLayout(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return a.render(cmd.OutOrStdout(), saved, func(w io.Writer) {
						fmt.Fprintf(w, "Saved layout %s/%s (%d windows)\n", saved.Project, saved.Name, len(saved.Windows))
					})
				})
			},
		},
		&cobra.Command{
			Use:   "restore <project> <name>",
			Short: "Apply a saved layout",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					res, err := cli.RestoreLayout(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return a.render(cmd.OutOrStdout(), res, func(w io.Writer) { printRestore(w, res) })
				})
			},
		},
		list,
		&cobra.Command{
			Use:   "delete <project> <name>",
			Short: "Delete a saved layout",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					if err := cli.DeleteLayout(ctx, args[0], args[1]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted layout %s/%s\n", args[0], args[1])
					return nil
				})
			},
		},
	)
	return layout
}

func (a *app) windowCmd() *cobra.Command {
	window := &cobra.Command{
		Use:   "window",
		Short: "Act on a single window",
	}
	action := func(use, short, verb string, fn func(*client.Client, context.Context, int64) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid window id %q", args[0])
				}
				return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
					if err := fn(cli, ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s window %d\n", verb, id)
					return nil
				})
			},
		}
	}
	window.AddCommand(
		action("focus", "Focus a window", "Focused", (*client.Client).FocusWindow),
		action("close", "Close a window", "Closed", (*client.Client).CloseWindow),
	)
	return window
}

func (a *app) diagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Print a detailed health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				diag, err := cli.Diagnostics(ctx)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), diag, func(w io.Writer) { printDiagnostics(w, diag) })
			})
		},
	}
}

func (a *app) resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Rebuild daemon state from the window manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				if err := cli.Resync(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Resync requested")
				return nil
			})
		},
	}
}

func (a *app) reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				change, err := cli.Reload(ctx)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), change, func(w io.Writer) {
					if change.Empty() {
						fmt.Fprintln(w, "Configuration reloaded; no changes")
						return
					}
					fmt.Fprintln(w, "Configuration reloaded")
					for _, name := range change.AddedProjects {
						fmt.Fprintf(w, "  + project %s\n", name)
					}
					for _, name := range change.RemovedProjects {
						fmt.Fprintf(w, "  - project %s\n", name)
					}
					if change.OutputsChanged {
						fmt.Fprintln(w, "  output profiles changed")
					}
				})
			})
		},
	}
}

func (a *app) redistributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redistribute",
		Short: "Reassign workspaces to outputs using the matching profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, cli *client.Client) error {
				res, err := cli.Redistribute(ctx)
				if err != nil {
					return err
				}
				return a.render(cmd.OutOrStdout(), res, func(w io.Writer) { printRedistribute(w, res) })
			})
		},
	}
}

func (a *app) monitorCmd() *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live dashboard of daemon state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			renderer := tui.New(cli, cmd.OutOrStdout())
			renderer.Refresh = refresh
			if err := renderer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 500*time.Millisecond, "refresh interval")
	return cmd
}

func printStatus(w io.Writer, st client.Status) {
	active := st.ActiveProject
	if active == "" {
		active = "(global)"
	}
	conn := "connected"
	if !st.Connected {
		conn = "disconnected"
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Active project:\t%s\n", active)
	fmt.Fprintf(tw, "Window manager:\t%s (reconnects %d)\n", conn, st.Reconnects)
	fmt.Fprintf(tw, "Windows:\t%d (%d hidden)\n", st.Windows, st.HiddenWindows)
	fmt.Fprintf(tw, "Workspaces:\t%d\n", st.Workspaces)
	fmt.Fprintf(tw, "Active outputs:\t%v\n", st.ActiveOutputs)
	fmt.Fprintf(tw, "Queue:\tdepth %d, processed %d\n", st.QueueDepth, st.QueueProcessed)
	fmt.Fprintf(tw, "Switcher:\t%s\n", st.SwitchState)
	fmt.Fprintf(tw, "Redistributor:\t%s\n", st.RedistributeState)
	fmt.Fprintf(tw, "Last event:\t%d\n", st.LastEventID)
	fmt.Fprintf(tw, "Clients:\t%d (%d subscribed)\n", st.Connections, st.Subscribers)
	fmt.Fprintf(tw, "Uptime:\t%s\n", st.Uptime.Round(time.Second))
	tw.Flush()
}

func printProjects(w io.Writer, res client.Projects) {
	if len(res.Projects) == 0 {
		fmt.Fprintln(w, "No projects configured")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tName\tWindows\tHidden\tDirectory")
	for _, p := range res.Projects {
		marker := ""
		if p.Active {
			marker = "*"
		}
		name := p.Name
		if p.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", p.Name, p.DisplayName)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", marker, name, p.Windows, p.Hidden, p.Directory)
	}
	tw.Flush()
}

func printSwitch(w io.Writer, res engine.SwitchResult) {
	fmt.Fprintf(w, "Switched %s -> %s: %d hidden, %d shown in %s\n",
		res.Previous, res.Project, len(res.Hidden), len(res.Shown), res.Duration.Round(time.Millisecond))
	if res.Partial {
		fmt.Fprintf(w, "Partial switch; %d window(s) failed:\n", len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  %d: %s\n", e.ID, e.Error)
		}
	}
}

func printWindows(w io.Writer, windows []state.Window) {
	if len(windows) == 0 {
		fmt.Fprintln(w, "No windows")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tApp\tProject\tWorkspace\tHidden\tFloating\tTitle")
	for _, win := range windows {
		app := win.AppName
		if app == "" {
			app = win.AppID
		}
		if app == "" {
			app = win.Class
		}
		project := win.Project
		if project == "" {
			project = "global"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%t\t%s\n", win.ID, app, project, win.WorkspaceLabel(), win.Hidden, win.Floating, win.Title)
	}
	tw.Flush()
}

func printEvent(w io.Writer, rec eventlog.Record) {
	line := fmt.Sprintf("%d %s %s", rec.ID, rec.Timestamp.Format(time.RFC3339Nano), rec.Type)
	if rec.Duration > 0 {
		line += " " + rec.Duration.Round(time.Microsecond).String()
	}
	if len(rec.Payload) > 0 {
		line += " " + string(rec.Payload)
	}
	if rec.Error != "" {
		line += " error=" + strconv.Quote(rec.Error)
	}
	fmt.Fprintln(w, line)
}

func printSubscribers(w io.Writer, subs []client.SubscriberInfo) {
	if len(subs) == 0 {
		fmt.Fprintln(w, "No clients")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tConnected\tSubscribed\tDelivered\tLast event\tPending")
	for _, s := range subs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%d\t%d\t%d\n", s.ID, s.PID, s.ConnectedAt.Format(time.RFC3339), s.Subscribed, s.Delivered, s.LastEventID, s.Pending)
	}
	tw.Flush()
}

func printLayouts(w io.Writer, items []layouts.Layout) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No saved layouts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Project\tName\tWindows\tUpdated")
	for _, l := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", l.Project, l.Name, len(l.Windows), l.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printRestore(w io.Writer, res engine.RestoreResult) {
	where := "parked for next switch"
	if res.Active {
		where = "applied"
	}
	fmt.Fprintf(w, "Restored layout %s/%s (%s): %d matched, %d unmatched\n", res.Project, res.Name, where, len(res.Matched), res.Unmatched)
	for _, m := range res.Matched {
		if m.Error != "" {
			fmt.Fprintf(w, "  %d: %s\n", m.WindowID, m.Error)
		}
	}
}

func printRedistribute(w io.Writer, res engine.RedistributeResult) {
	profile := res.Profile
	if res.Fallback {
		profile += " (fallback)"
	}
	fmt.Fprintf(w, "Profile %s over %v: %d workspace(s) moved\n", profile, res.Outputs, len(res.Moves))
	for _, m := range res.Moves {
		line := fmt.Sprintf("  workspace %d: %s -> %s", m.Workspace, m.From, m.To)
		if m.Error != "" {
			line += " (" + m.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func printDiagnostics(w io.Writer, diag client.Diagnostics) {
	printStatus(w, client.Status{Status: diag.Status, Subscribers: countSubscribed(diag.Subscribers), Connections: len(diag.Subscribers)})
	fmt.Fprintf(w, "\nSocket: %s\n", diag.SocketPath)
	fmt.Fprintf(w, "Event ring: %d/%d\n", diag.RingLength, diag.RingCapacity)
	t := diag.Metrics.Totals
	fmt.Fprintf(w, "Operations: %d calls, %d failed, %d partial; %d events, %d dropped\n", t.Calls, t.Failures, t.Partial, t.Events, t.Dropped)
	if len(diag.Metrics.Operations) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nOperation\tCalls\tFailures\tPartial\tAvg\tLast error")
		for _, op := range diag.Metrics.Operations {
			var avg time.Duration
			if op.Calls > 0 {
				avg = op.TotalTime / time.Duration(op.Calls)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\n", op.Name, op.Calls, op.Failures, op.Partial, avg.Round(time.Microsecond), op.LastError)
		}
		tw.Flush()
	}
	if len(diag.Recent) > 0 {
		fmt.Fprintln(w, "\nRecent events:")
		for _, rec := range diag.Recent {
			printEvent(w, rec)
		}
	}
}

func countSubscribed(subs []client.SubscriberInfo) int {
	n := 0
	for _, s := range subs {
		if s.Subscribed {
			n++
		}
	}
	return n
}
