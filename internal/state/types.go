package state

import (
	"sort"
	"strconv"
	"time"

	"github.com/vpittamp/i3pm/internal/proc"
)

// Window is a tracked top-level container.
type Window struct {
	ID    int64  `json:"id"`
	PID   int    `json:"pid"`
	AppID string `json:"appId,omitempty"`
	Class string `json:"class,omitempty"`
	Title string `json:"title,omitempty"`
	// Workspace is the current workspace number, 0 while hidden or on a
	// workspace without a number.
	Workspace     int `json:"workspace"`
	LastWorkspace int `json:"lastWorkspace"`
	// WorkspaceName is set only for workspaces without a number.
	WorkspaceName     string `json:"workspaceName,omitempty"`
	LastWorkspaceName string `json:"lastWorkspaceName,omitempty"`
	Floating          bool   `json:"floating"`
	LastFloating      bool   `json:"lastFloating"`
	Hidden            bool   `json:"hidden"`
	Focused           bool   `json:"focused"`

	Project     string     `json:"project,omitempty"`
	Scope       proc.Scope `json:"scope"`
	AppName     string     `json:"appName,omitempty"`
	AppInstance string     `json:"appInstance,omitempty"`
	Classified  bool       `json:"classified"`

	// pinned is set while the switcher has recorded this window's placement
	// and its hide command is in flight.
	pinned bool
}

// rememberPlacement copies the current workspace into the last-known fields.
func (w *Window) rememberPlacement() {
	switch {
	case w.Workspace > 0:
		w.LastWorkspace, w.LastWorkspaceName = w.Workspace, ""
	case w.WorkspaceName != "":
		w.LastWorkspace, w.LastWorkspaceName = 0, w.WorkspaceName
	}
}

// WorkspaceLabel names the current workspace, or the last-known one while hidden.
func (w Window) WorkspaceLabel() string {
	num, name := w.Workspace, w.WorkspaceName
	if w.Hidden {
		num, name = w.LastWorkspace, w.LastWorkspaceName
	}
	if num <= 0 && name != "" {
		return name
	}
	return strconv.Itoa(num)
}

// Scoped reports whether the window belongs to a project.
func (w Window) Scoped() bool {
	return w.Scope == proc.ScopeScoped && w.Project != ""
}

// Classify applies a resolver result.
func (w *Window) Classify(c proc.Classification) {
	w.Project = c.Project
	w.Scope = c.Scope
	w.AppName = c.AppName
	w.AppInstance = c.AppInstance
	w.Classified = true
	if !c.Scoped() {
		w.Project = ""
		w.Scope = proc.ScopeGlobal
	}
}

// Workspace is a numbered workspace as last reported by the window manager.
type Workspace struct {
	Num     int    `json:"num"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	Focused bool   `json:"focused"`
	Visible bool   `json:"visible"`
}

// Output is a display. Disconnected outputs stay known but inactive.
type Output struct {
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	Workspaces []int  `json:"workspaces,omitempty"`
}

// Snapshot is an immutable view of the store. Slices are sorted and never
// shared with the live store.
type Snapshot struct {
	Version          uint64      `json:"version"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	ActiveProject    string      `json:"activeProject"`
	FocusedWindow    int64       `json:"focusedWindow,omitempty"`
	FocusedWorkspace int         `json:"focusedWorkspace,omitempty"`
	Windows          []Window    `json:"windows"`
	Workspaces       []Workspace `json:"workspaces"`
	Outputs          []Output    `json:"outputs"`
}

// Window returns the window with id.
func (s *Snapshot) Window(id int64) (Window, bool) {
	i := sort.Search(len(s.Windows), func(i int) bool { return s.Windows[i].ID >= id })
	if i < len(s.Windows) && s.Windows[i].ID == id {
		return s.Windows[i], true
	}
	return Window{}, false
}

// WindowsFor returns windows of project; "" selects unscoped windows.
func (s *Snapshot) WindowsFor(project string) []Window {
	var out []Window
	for _, w := range s.Windows {
		if w.Project == project {
			out = append(out, w)
		}
	}
	return out
}

// Visible returns windows currently placed on a workspace.
func (s *Snapshot) Visible() []Window {
	var out []Window
	for _, w := range s.Windows {
		if !w.Hidden {
			out = append(out, w)
		}
	}
	return out
}

// Hidden returns windows parked in the hidden container.
func (s *Snapshot) Hidden() []Window {
	var out []Window
	for _, w := range s.Windows {
		if w.Hidden {
			out = append(out, w)
		}
	}
	return out
}

// Workspace returns the workspace numbered num.
func (s *Snapshot) Workspace(num int) (Workspace, bool) {
	for _, ws := range s.Workspaces {
		if ws.Num == num {
			return ws, true
		}
	}
	return Workspace{}, false
}

// ActiveOutputs returns the names of active outputs, sorted.
func (s *Snapshot) ActiveOutputs() []string {
	var out []string
	for _, o := range s.Outputs {
		if o.Active {
			out = append(out, o.Name)
		}
	}
	return out
}
