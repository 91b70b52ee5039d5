package ipc

import (
	"strconv"

	"github.com/joshuarubin/go-sway"

	"github.com/vpittamp/i3pm/internal/state"
)

// ScratchpadWorkspace is the internal workspace holding hidden containers.
const ScratchpadWorkspace = "__i3_scratch"

// Placement is where a container sits in the layout tree.
type Placement struct {
	Workspace     int
	WorkspaceName string
	Hidden        bool
	Floating      bool
}

// WorkspaceNumber parses the leading integer of a workspace name ("3:web" is 3).
func WorkspaceNumber(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(name[:end])
	if err != nil {
		return 0
	}
	return n
}

func isView(n *sway.Node) bool {
	if n == nil || n.ID == 0 {
		return false
	}
	if n.Type != sway.NodeCon && n.Type != sway.NodeFloatingCon {
		return false
	}
	return n.PID != nil || n.AppID != nil || n.WindowProperties != nil
}

func windowFromNode(n *sway.Node, at Placement) state.Window {
	w := state.Window{
		ID:        n.ID,
		Title:     n.Name,
		Workspace: at.Workspace,
		Hidden:    at.Hidden,
		Floating:  at.Floating || n.Type == sway.NodeFloatingCon,
		Focused:   n.Focused,
	}
	if n.PID != nil {
		w.PID = int(*n.PID)
	}
	if n.AppID != nil {
		w.AppID = *n.AppID
	}
	if n.WindowProperties != nil {
		w.Class = n.WindowProperties.Class
	}
	switch {
	case w.Hidden:
		w.Workspace = 0
	case w.Workspace <= 0:
		w.WorkspaceName = at.WorkspaceName
	}
	return w
}

// walk visits every view below n with its placement.
func walk(n *sway.Node, at Placement, visit func(*sway.Node, Placement)) {
	if n == nil {
		return
	}
	if n.Type == sway.NodeWorkspace {
		at = Placement{Workspace: WorkspaceNumber(n.Name), WorkspaceName: n.Name, Hidden: n.Name == ScratchpadWorkspace}
	}
	if isView(n) {
		visit(n, at)
	}
	for _, child := range n.Nodes {
		walk(child, at, visit)
	}
	for _, child := range n.FloatingNodes {
		floating := at
		floating.Floating = true
		walk(child, floating, visit)
	}
}

// TreeWindows flattens the tree into tracked windows. Views on workspaces
// without a number carry the workspace name instead; views outside any
// workspace are skipped.
func TreeWindows(root *sway.Node) []state.Window {
	var out []state.Window
	walk(root, Placement{}, func(n *sway.Node, at Placement) {
		if at.WorkspaceName == "" {
			return
		}
		out = append(out, windowFromNode(n, at))
	})
	return out
}

// Locate finds the placement of conID in the tree.
func Locate(root *sway.Node, conID int64) (Placement, bool) {
	var (
		found Placement
		ok    bool
	)
	walk(root, Placement{}, func(n *sway.Node, at Placement) {
		if !ok && n.ID == conID {
			found, ok = at, true
		}
	})
	return found, ok
}
