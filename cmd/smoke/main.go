// Command smoke reads the live sway session, classifies every window and
// previews the commands a project switch would send, without sending them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/proc"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

// dryRunSway records commands instead of sending them.
type dryRunSway struct {
	*ipc.Client

	mu       sync.Mutex
	commands []string
}

func (d *dryRunSway) Dispatch(ctx context.Context, command string) error {
	return d.DispatchBatch(ctx, []string{command})
}

func (d *dryRunSway) DispatchBatch(_ context.Context, commands []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, commands...)
	return nil
}

func (d *dryRunSway) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "path to YAML config")
	logLevel := flag.String("log-level", "warn", "log level (trace|debug|info|warn|error)")
	target := flag.String("project", "", "project to preview a switch to (\"global\" for global mode)")
	showConfig := flag.Bool("show-config", false, "print the loaded configuration")
	flag.Parse()

	logger := util.NewLogger(util.ParseLogLevel(*logLevel))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		exitErr(fmt.Errorf("load config: %w", err))
	}
	socket, err := ipc.SocketPath()
	if err != nil {
		exitErr(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := ipc.NewClient(ipc.SocketDialer(socket), cfg.Daemon.CommandTimeout())
	tree, err := client.Tree(ctx)
	if err != nil {
		exitErr(fmt.Errorf("read tree: %w", err))
	}
	workspaces, err := client.Workspaces(ctx)
	if err != nil {
		exitErr(fmt.Errorf("read workspaces: %w", err))
	}
	outputs, err := client.Outputs(ctx)
	if err != nil {
		exitErr(fmt.Errorf("read outputs: %w", err))
	}
	windows := ipc.TreeWindows(tree)

	fmt.Printf("Loaded config from %s (%d projects)\n", *cfgPath, len(cfg.Projects))
	if *showConfig {
		fmt.Println("\n=== Configuration ===")
		if err := marshalYAML(os.Stdout, cfg); err != nil {
			logger.Warnf("failed to print config: %v", err)
		}
	}

	fmt.Println("\n=== Outputs ===")
	printOutputs(os.Stdout, cfg, outputs)

	resolver := proc.NewEnvResolver(cfg.Daemon.ResolverTimeout())
	for i := range windows {
		c, err := resolver.Resolve(ctx, windows[i].PID)
		if err != nil {
			logger.Debugf("window %d (pid %d): %v", windows[i].ID, windows[i].PID, err)
			c = proc.Global()
		}
		windows[i].Classify(c)
	}
	fmt.Println("\n=== Windows ===")
	printWindows(os.Stdout, windows)

	if *target == "" {
		return
	}

	sway := &dryRunSway{Client: client}
	events := make(chan ipc.Event)
	eng := engine.New(engine.Options{
		Config:    cfg,
		Resolver:  resolver,
		Commander: sway,
		Logger:    logger,
		Events:    events,
	})
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = eng.Serve(runCtx) }()
	go func() { _ = eng.Queue().Serve(runCtx) }()
	events <- ipc.Event{Kind: ipc.KindResync, Received: time.Now(), Windows: windows, Workspaces: workspaces, Outputs: outputs}

	res, err := eng.SwitchProject(ctx, *target)
	if err != nil {
		exitErr(fmt.Errorf("preview switch: %w", err))
	}
	fmt.Printf("\n=== Switch preview: global -> %s ===\n", res.Project)
	fmt.Println("(the live session starts in global mode here; the daemon's context may differ)")
	commands := sway.Commands()
	if len(commands) == 0 {
		fmt.Println("No commands.")
		return
	}
	for _, cmd := range commands {
		fmt.Printf("dispatch: %s\n", cmd)
	}
	if err := marshalJSON(os.Stdout, res); err != nil {
		logger.Warnf("failed to print switch result: %v", err)
	}
}

func printOutputs(w io.Writer, cfg *config.Config, outputs []state.Output) {
	var active []string
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Name\tActive")
	for _, o := range outputs {
		fmt.Fprintf(tw, "%s\t%t\n", o.Name, o.Active)
		if o.Active {
			active = append(active, o.Name)
		}
	}
	tw.Flush()
	name, assignments, err := cfg.ResolveProfile(active)
	if err != nil {
		fmt.Fprintf(w, "Profile: none (%v)\n", err)
		return
	}
	fmt.Fprintf(w, "Profile: %s\n", name)
	keys := make([]string, 0, len(assignments))
	for k := range assignments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, assignments[k])
	}
}

func printWindows(w io.Writer, windows []state.Window) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tApp\tWorkspace\tScope\tProject")
	for _, win := range windows {
		app := win.AppID
		if app == "" {
			app = win.Class
		}
		project := win.Project
		if project == "" {
			project = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", win.ID, win.PID, app, win.WorkspaceLabel(), win.Scope, project)
	}
	tw.Flush()
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func marshalYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func marshalJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
