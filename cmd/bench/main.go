// Command bench measures project switch latency against a simulated window
// manager.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/vpittamp/i3pm/internal/config"
	"github.com/vpittamp/i3pm/internal/engine"
	"github.com/vpittamp/i3pm/internal/ipc"
	"github.com/vpittamp/i3pm/internal/proc"
	"github.com/vpittamp/i3pm/internal/state"
	"github.com/vpittamp/i3pm/internal/util"
)

const basePID = 1000

type benchOptions struct {
	Projects          int
	WindowsPerProject int
	GlobalWindows     int
	Iterations        int
	Warmup            int
	CommandLatency    time.Duration
}

type benchLatencyStats struct {
	Min    float64 `json:"minMs"`
	Mean   float64 `json:"meanMs"`
	Median float64 `json:"medianMs"`
	P95    float64 `json:"p95Ms"`
	Max    float64 `json:"maxMs"`
}

type benchAllocationStats struct {
	Total          uint64  `json:"totalAllocations"`
	PerSwitch      float64 `json:"allocationsPerSwitch"`
	BytesTotal     uint64  `json:"bytesTotal"`
	BytesPerSwitch float64 `json:"bytesPerSwitch"`
}

type benchSummary struct {
	Projects          int                  `json:"projects"`
	WindowsPerProject int                  `json:"windowsPerProject"`
	GlobalWindows     int                  `json:"globalWindows"`
	Iterations        int                  `json:"iterations"`
	WarmupIterations  int                  `json:"warmupIterations"`
	CommandLatencyMs  float64              `json:"commandLatencyMs"`
	Dispatches        int                  `json:"dispatches"`
	DispatchesPerOp   float64              `json:"dispatchesPerSwitch"`
	Partial           int                  `json:"partialSwitches"`
	Latency           benchLatencyStats    `json:"latency"`
	Allocations       benchAllocationStats `json:"allocations"`
	TotalDurationMs   float64              `json:"totalDurationMs"`
	SwitchesPerSecond float64              `json:"switchesPerSecond"`
}

type benchSwitch struct {
	Index      int     `json:"index"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	DurationMs float64 `json:"durationMs"`
	Hidden     int     `json:"hidden"`
	Shown      int     `json:"shown"`
}

type benchReport struct {
	Summary  benchSummary  `json:"summary"`
	Switches []benchSwitch `json:"switches,omitempty"`
}

// benchSway acknowledges every command after a fixed delay.
type benchSway struct {
	delay time.Duration

	mu         sync.Mutex
	dispatched int
}

func (b *benchSway) Dispatch(ctx context.Context, command string) error {
	return b.DispatchBatch(ctx, []string{command})
}

func (b *benchSway) DispatchBatch(ctx context.Context, commands []string) error {
	if b.delay > 0 {
		timer := time.NewTimer(b.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	b.mu.Lock()
	b.dispatched += len(commands)
	b.mu.Unlock()
	return nil
}

func (b *benchSway) Workspaces(context.Context) ([]state.Workspace, error) {
	return []state.Workspace{{Num: 1, Name: "1", Output: "DP-1", Focused: true, Visible: true}}, nil
}

func (b *benchSway) Dispatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatched
}

// benchResolver maps pid basePID+i to project i; other pids are global.
type benchResolver struct {
	projects int
}

func (r benchResolver) Resolve(_ context.Context, pid int) (proc.Classification, error) {
	idx := pid - basePID
	if idx < 0 || idx >= r.projects {
		return proc.Global(), nil
	}
	return proc.Classification{Project: projectName(idx), Scope: proc.ScopeScoped, AppName: "terminal"}, nil
}

func projectName(i int) string {
	return fmt.Sprintf("project-%02d", i)
}

func main() {
	opts := benchOptions{}
	flag.IntVar(&opts.Projects, "projects", 4, "number of projects")
	flag.IntVar(&opts.WindowsPerProject, "windows", 10, "scoped windows per project")
	flag.IntVar(&opts.GlobalWindows, "global-windows", 5, "unscoped windows")
	flag.IntVar(&opts.Iterations, "iterations", 50, "number of timed switches")
	flag.IntVar(&opts.Warmup, "warmup", 4, "number of untimed switches before measuring")
	flag.DurationVar(&opts.CommandLatency, "command-latency", 200*time.Microsecond, "simulated window manager acknowledgement delay")
	cpuProfile := flag.String("cpu-profile", "", "write CPU profile to file")
	memProfile := flag.String("mem-profile", "", "write heap profile to file")
	logLevel := flag.String("log-level", "warn", "log level (trace|debug|info|warn|error)")
	outputPath := flag.String("output", "-", "write JSON report to file ('-' for stdout)")
	humanSummary := flag.Bool("human", false, "print a tabular summary alongside the JSON output")
	perSwitch := flag.Bool("per-switch", false, "include every switch in the report")
	flag.Parse()

	logger := util.NewLogger(util.ParseLogLevel(*logLevel))

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			exitErr(fmt.Errorf("create cpu profile: %w", err))
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			exitErr(fmt.Errorf("start cpu profile: %w", err))
		}
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	report, err := runBench(ctx, opts, logger)
	if err != nil {
		exitErr(err)
	}
	if !*perSwitch {
		report.Switches = nil
	}
	if err := writeReport(report, *outputPath); err != nil {
		exitErr(fmt.Errorf("write report: %w", err))
	}
	if *humanSummary {
		if err := printHumanSummary(report.Summary, os.Stderr); err != nil {
			exitErr(err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			exitErr(fmt.Errorf("create mem profile: %w", err))
		}
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			f.Close()
			exitErr(fmt.Errorf("write mem profile: %w", err))
		}
		f.Close()
	}
}

func benchConfig(projects int) (*config.Config, error) {
	var b strings.Builder
	b.WriteString("projects:\n")
	for i := 0; i < projects; i++ {
		fmt.Fprintf(&b, "  - name: %s\n", projectName(i))
	}
	return config.Parse([]byte(b.String()))
}

// seedWindows lays every window out on workspace 1, visible.
func seedWindows(opts benchOptions) []state.Window {
	var windows []state.Window
	id := int64(1)
	for p := 0; p < opts.Projects; p++ {
		for i := 0; i < opts.WindowsPerProject; i++ {
			windows = append(windows, state.Window{ID: id, PID: basePID + p, AppID: "terminal", Workspace: 1})
			id++
		}
	}
	for i := 0; i < opts.GlobalWindows; i++ {
		windows = append(windows, state.Window{ID: id, PID: 1, AppID: "firefox", Workspace: 1})
		id++
	}
	return windows
}

func runBench(ctx context.Context, opts benchOptions, logger *util.Logger) (benchReport, error) {
	if opts.Projects < 1 {
		return benchReport{}, errors.New("at least one project is required")
	}
	cfg, err := benchConfig(opts.Projects)
	if err != nil {
		return benchReport{}, fmt.Errorf("build config: %w", err)
	}
	sway := &benchSway{delay: opts.CommandLatency}
	events := make(chan ipc.Event)
	eng := engine.New(engine.Options{
		Config:    cfg,
		Resolver:  benchResolver{projects: opts.Projects},
		Commander: sway,
		Logger:    logger,
		Events:    events,
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = eng.Serve(ctx) }()
	go func() { _ = eng.Queue().Serve(ctx) }()

	select {
	case events <- ipc.Event{
		Kind:       ipc.KindResync,
		Received:   time.Now(),
		Windows:    seedWindows(opts),
		Workspaces: []state.Workspace{{Num: 1, Name: "1", Output: "DP-1", Focused: true, Visible: true}},
		Outputs:    []state.Output{{Name: "DP-1", Active: true}},
	}:
	case <-ctx.Done():
		return benchReport{}, ctx.Err()
	}

	next := 0
	doSwitch := func() (*engine.SwitchResult, error) {
		name := projectName(next % opts.Projects)
		next++
		return eng.SwitchProject(ctx, name)
	}
	for i := 0; i < opts.Warmup; i++ {
		if _, err := doSwitch(); err != nil {
			return benchReport{}, fmt.Errorf("warmup switch: %w", err)
		}
	}

	dispatchStart := sway.Dispatches()
	var start, end runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&start)
	durations := make([]time.Duration, 0, opts.Iterations)
	switches := make([]benchSwitch, 0, opts.Iterations)
	partial := 0
	for i := 0; i < opts.Iterations; i++ {
		begin := time.Now()
		res, err := doSwitch()
		elapsed := time.Since(begin)
		if err != nil {
			return benchReport{}, fmt.Errorf("switch %d: %w", i+1, err)
		}
		if res.Partial {
			partial++
		}
		durations = append(durations, elapsed)
		switches = append(switches, benchSwitch{
			Index:      i + 1,
			From:       res.Previous,
			To:         res.Project,
			DurationMs: toMillis(elapsed),
			Hidden:     len(res.Hidden),
			Shown:      len(res.Shown),
		})
	}
	runtime.ReadMemStats(&end)
	dispatches := sway.Dispatches() - dispatchStart

	latency, total := buildLatencyStats(durations)
	allocs := end.Mallocs - start.Mallocs
	bytes := end.TotalAlloc - start.TotalAlloc
	summary := benchSummary{
		Projects:          opts.Projects,
		WindowsPerProject: opts.WindowsPerProject,
		GlobalWindows:     opts.GlobalWindows,
		Iterations:        opts.Iterations,
		WarmupIterations:  opts.Warmup,
		CommandLatencyMs:  toMillis(opts.CommandLatency),
		Dispatches:        dispatches,
		DispatchesPerOp:   safeDivide(dispatches, opts.Iterations),
		Partial:           partial,
		Latency:           latency,
		Allocations: benchAllocationStats{
			Total:          allocs,
			PerSwitch:      safeDivide(int(allocs), opts.Iterations),
			BytesTotal:     bytes,
			BytesPerSwitch: safeDivide(int(bytes), opts.Iterations),
		},
		TotalDurationMs:   toMillis(total),
		SwitchesPerSecond: perSecond(total, opts.Iterations),
	}
	return benchReport{Summary: summary, Switches: switches}, nil
}

func buildLatencyStats(durations []time.Duration) (benchLatencyStats, time.Duration) {
	stats := benchLatencyStats{}
	if len(durations) == 0 {
		return stats, 0
	}
	total := time.Duration(0)
	for _, d := range durations {
		total += d
	}
	mean := total / time.Duration(len(durations))
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	stats.Min = toMillis(sorted[0])
	stats.Mean = toMillis(mean)
	stats.Median = toMillis(percentile(sorted, 0.50))
	stats.P95 = toMillis(percentile(sorted, 0.95))
	stats.Max = toMillis(sorted[len(sorted)-1])
	return stats, total
}

func safeDivide(total int, count int) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

func writeReport(report benchReport, outputPath string) error {
	var w io.Writer
	switch strings.TrimSpace(outputPath) {
	case "", "-":
		w = os.Stdout
	default:
		if dir := filepath.Dir(outputPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create report dir: %w", err)
			}
		}
		out, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printHumanSummary(summary benchSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Projects:\t%d x %d windows (+%d global)\n", summary.Projects, summary.WindowsPerProject, summary.GlobalWindows)
	fmt.Fprintf(tw, "Switches:\t%d (+%d warmup)\n", summary.Iterations, summary.WarmupIterations)
	fmt.Fprintf(tw, "Command latency:\t%.3f ms\n", summary.CommandLatencyMs)
	fmt.Fprintf(tw, "Dispatches:\t%d (%.2f / switch)\n", summary.Dispatches, summary.DispatchesPerOp)
	fmt.Fprintf(tw, "Partial switches:\t%d\n", summary.Partial)
	l := summary.Latency
	fmt.Fprintf(tw, "Latency (ms):\tmin %.2f | mean %.2f | median %.2f | p95 %.2f | max %.2f\n", l.Min, l.Mean, l.Median, l.P95, l.Max)
	fmt.Fprintf(tw, "Allocations:\t%d total (%.2f / switch)\n", summary.Allocations.Total, summary.Allocations.PerSwitch)
	fmt.Fprintf(tw, "Throughput:\t%.1f switches/s\n", summary.SwitchesPerSecond)
	return tw.Flush()
}

func perSecond(total time.Duration, n int) float64 {
	if total <= 0 || n == 0 {
		return 0
	}
	return float64(n) / total.Seconds()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func exitErr(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
