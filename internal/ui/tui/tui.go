// Package tui renders a live terminal dashboard of the daemon.
package tui

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vpittamp/i3pm/internal/control/client"
	"github.com/vpittamp/i3pm/internal/eventlog"
	"github.com/vpittamp/i3pm/internal/state"
)

const (
	defaultRefresh = 500 * time.Millisecond
	titleWidth     = 40
	recentEvents   = 8
)

// Source is the slice of the daemon client the dashboard polls.
type Source interface {
	Diagnostics(ctx context.Context) (client.Diagnostics, error)
	Windows(ctx context.Context, project *string) ([]state.Window, error)
	Outputs(ctx context.Context) ([]state.Output, error)
}

// Renderer periodically polls the daemon and renders a textual dashboard.
type Renderer struct {
	Source  Source
	Writer  io.Writer
	Refresh time.Duration
	now     func() time.Time
}

// New returns a renderer configured with sensible defaults.
func New(src Source, w io.Writer) *Renderer {
	return &Renderer{Source: src, Writer: w, Refresh: defaultRefresh}
}

// Run starts the render loop until the context is cancelled.
func (r *Renderer) Run(ctx context.Context) error {
	if r.Writer == nil {
		r.Writer = os.Stdout
	}
	if r.Source == nil {
		return fmt.Errorf("tui renderer requires a daemon client")
	}
	refresh := r.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	fmt.Fprint(r.Writer, "\033[?25l")
	defer fmt.Fprint(r.Writer, "\033[?25h")

	r.render(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.render(ctx)
		}
	}
}

func (r *Renderer) render(ctx context.Context) {
	fmt.Fprint(r.Writer, "\033[H\033[2J"+r.Frame(ctx))
}

// Frame polls the daemon once and returns the dashboard text.
func (r *Renderer) Frame(ctx context.Context) string {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	var buf bytes.Buffer
	buf.WriteString("i3pm monitor (Ctrl+C to exit)\n")
	buf.WriteString(now().Format(time.RFC1123))
	buf.WriteString("\n\n")

	diag, err := r.Source.Diagnostics(ctx)
	if err != nil {
		fmt.Fprintf(&buf, "error: %v\n", err)
		return buf.String()
	}
	windows, err := r.Source.Windows(ctx, nil)
	if err != nil {
		fmt.Fprintf(&buf, "error: %v\n", err)
		return buf.String()
	}
	outputs, err := r.Source.Outputs(ctx)
	if err != nil {
		fmt.Fprintf(&buf, "error: %v\n", err)
		return buf.String()
	}
	buf.WriteString(renderStatus(diag))
	buf.WriteString(renderOutputs(outputs))
	buf.WriteString(renderWindows(windows, diag.Status.ActiveProject))
	buf.WriteString(renderEvents(diag.Recent))
	return buf.String()
}

func renderStatus(diag client.Diagnostics) string {
	st := diag.Status
	var b strings.Builder
	conn := "connected"
	if !st.Connected {
		conn = "DISCONNECTED"
	}
	active := st.ActiveProject
	if active == "" {
		active = "(global)"
	}
	fmt.Fprintf(&b, "Active project: %s\n", active)
	fmt.Fprintf(&b, "Window manager: %s (reconnects %d)\n", conn, st.Reconnects)
	fmt.Fprintf(&b, "Windows: %d (%d hidden)  Workspaces: %d  Subscribers: %d\n",
		st.Windows, st.HiddenWindows, st.Workspaces, len(diag.Subscribers))
	queue := fmt.Sprintf("Queue: depth %d, processed %d", st.QueueDepth, st.QueueProcessed)
	if st.QueueRunning != "" {
		queue += ", running " + st.QueueRunning
	}
	fmt.Fprintf(&b, "%s  Switcher: %s  Redistributor: %s\n", queue, st.SwitchState, st.RedistributeState)
	fmt.Fprintf(&b, "Events: %d/%d retained, last id %d, dropped %d\n\n",
		diag.RingLength, diag.RingCapacity, st.LastEventID, diag.Metrics.Totals.Dropped)
	return b.String()
}

func renderOutputs(outputs []state.Output) string {
	var b strings.Builder
	b.WriteString("Outputs:\n")
	if len(outputs) == 0 {
		b.WriteString("  (none)\n\n")
		return b.String()
	}
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Name\tActive\tWorkspaces")
	for _, o := range outputs {
		nums := make([]string, 0, len(o.Workspaces))
		for _, n := range o.Workspaces {
			nums = append(nums, fmt.Sprintf("%d", n))
		}
		list := strings.Join(nums, ",")
		if list == "" {
			list = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", o.Name, o.Active, list)
	}
	tw.Flush()
	b.WriteByte('\n')
	return b.String()
}

func renderWindows(windows []state.Window, active string) string {
	var b strings.Builder
	b.WriteString("Windows:\n")
	if len(windows) == 0 {
		b.WriteString("  (none)\n\n")
		return b.String()
	}
	windows = append([]state.Window(nil), windows...)
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].Hidden != windows[j].Hidden {
			return !windows[i].Hidden
		}
		if windows[i].Workspace != windows[j].Workspace {
			return windows[i].Workspace < windows[j].Workspace
		}
		return windows[i].ID < windows[j].ID
	})
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tApp\tTitle\tProject\tWorkspace\tState")
	for _, w := range windows {
		id := fmt.Sprintf("%d", w.ID)
		if w.Focused {
			id = "*" + id
		}
		app := w.AppName
		if app == "" {
			app = w.AppID
		}
		if app == "" {
			app = w.Class
		}
		if app == "" {
			app = "(unknown)"
		}
		title := w.Title
		if title == "" {
			title = "(untitled)"
		}
		project := w.Project
		if project == "" {
			project = "global"
		} else if project == active {
			project += "*"
		}
		ws := w.WorkspaceLabel()
		if w.Hidden {
			ws = "(" + ws + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, app, truncate(title, titleWidth), project, ws, windowState(w))
	}
	tw.Flush()
	b.WriteByte('\n')
	return b.String()
}

func renderEvents(recs []eventlog.Record) string {
	var b strings.Builder
	b.WriteString("Recent events:\n")
	if len(recs) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	if len(recs) > recentEvents {
		recs = recs[len(recs)-recentEvents:]
	}
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTime\tType\tDuration\tError")
	for _, rec := range recs {
		errText := rec.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", rec.ID, rec.Timestamp.Format("15:04:05.000"), rec.Type, rec.Duration.Round(time.Microsecond), truncate(errText, titleWidth))
	}
	tw.Flush()
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func windowState(w state.Window) string {
	var parts []string
	if w.Hidden {
		parts = append(parts, "hidden")
	}
	if w.Floating {
		parts = append(parts, "floating")
	}
	if !w.Classified {
		parts = append(parts, "unclassified")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
