package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/vpittamp/i3pm/internal/util"
)

func TestBuildLatencyStats(t *testing.T) {
	durations := []time.Duration{4 * time.Millisecond, time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	stats, total := buildLatencyStats(durations)
	if total != 10*time.Millisecond {
		t.Fatalf("unexpected total %s", total)
	}
	if stats.Min != 1 || stats.Max != 4 || stats.Mean != 2.5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Median != 3 || stats.P95 != 4 {
		t.Fatalf("unexpected percentiles %+v", stats)
	}
	if empty, total := buildLatencyStats(nil); total != 0 || empty != (benchLatencyStats{}) {
		t.Fatalf("expected zero stats for no samples")
	}
}

func TestRunBenchCountsDispatches(t *testing.T) {
	opts := benchOptions{Projects: 2, WindowsPerProject: 3, GlobalWindows: 1, Iterations: 4}
	logger := util.NewLoggerWithWriter(util.LevelError, io.Discard)
	report, err := runBench(context.Background(), opts, logger)
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	// The first switch only hides the other project; later ones hide and show.
	if report.Summary.Dispatches != 3+6+6+6 {
		t.Fatalf("unexpected dispatch count %d", report.Summary.Dispatches)
	}
	if report.Summary.Partial != 0 {
		t.Fatalf("unexpected partial switches %d", report.Summary.Partial)
	}
	if len(report.Switches) != 4 {
		t.Fatalf("expected 4 switch records, got %d", len(report.Switches))
	}
	first, second := report.Switches[0], report.Switches[1]
	if first.From != "global" || first.To != "project-00" || first.Hidden != 3 || first.Shown != 0 {
		t.Fatalf("unexpected first switch %+v", first)
	}
	if second.To != "project-01" || second.Hidden != 3 || second.Shown != 3 {
		t.Fatalf("unexpected second switch %+v", second)
	}
}

func TestPrintHumanSummary(t *testing.T) {
	var buf bytes.Buffer
	if err := printHumanSummary(benchSummary{Projects: 2, WindowsPerProject: 3, Iterations: 4, Dispatches: 21, DispatchesPerOp: 5.25}, &buf); err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(buf.String(), "21 (5.25 / switch)") {
		t.Fatalf("unexpected summary:\n%s", buf.String())
	}
}
