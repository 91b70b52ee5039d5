// Package state holds the daemon's live view of windows, workspaces and outputs.
package state

import (
	"sort"
	"sync/atomic"
	"time"
)

// Store is the authoritative model. Mutators must only be called from the
// engine loop goroutine; Snapshot may be called from anywhere.
type Store struct {
	windows          map[int64]*Window
	workspaces       map[int]*Workspace
	outputs          map[string]*Output
	active           string
	focusedWindow    int64
	focusedWorkspace int

	version uint64
	snap    atomic.Pointer[Snapshot]
	now     func() time.Time
}

// NewStore returns an empty store with a published empty snapshot.
func NewStore() *Store {
	s := &Store{
		windows:    make(map[int64]*Window),
		workspaces: make(map[int]*Workspace),
		outputs:    make(map[string]*Output),
		now:        time.Now,
	}
	s.Publish()
	return s
}

// Snapshot returns the most recently published snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Publish copies the current state into a new immutable snapshot.
func (s *Store) Publish() *Snapshot {
	s.version++
	snap := &Snapshot{
		Version:          s.version,
		UpdatedAt:        s.now(),
		ActiveProject:    s.active,
		FocusedWindow:    s.focusedWindow,
		FocusedWorkspace: s.focusedWorkspace,
		Windows:          s.Windows(),
		Workspaces:       make([]Workspace, 0, len(s.workspaces)),
		Outputs:          make([]Output, 0, len(s.outputs)),
	}
	for _, ws := range s.workspaces {
		snap.Workspaces = append(snap.Workspaces, *ws)
	}
	sort.Slice(snap.Workspaces, func(i, j int) bool { return snap.Workspaces[i].Num < snap.Workspaces[j].Num })
	for _, o := range s.outputs {
		cp := *o
		cp.Workspaces = append([]int(nil), o.Workspaces...)
		snap.Outputs = append(snap.Outputs, cp)
	}
	sort.Slice(snap.Outputs, func(i, j int) bool { return snap.Outputs[i].Name < snap.Outputs[j].Name })
	s.snap.Store(snap)
	return snap
}

// Window returns a copy of the tracked window.
func (s *Store) Window(id int64) (Window, bool) {
	w, ok := s.windows[id]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Windows returns copies of every tracked window ordered by id.
func (s *Store) Windows() []Window {
	out := make([]Window, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WindowsFor returns windows owned by project ("" for unscoped) ordered by id.
func (s *Store) WindowsFor(project string) []Window {
	var out []Window
	for _, w := range s.Windows() {
		if w.Project == project {
			out = append(out, w)
		}
	}
	return out
}

// CountPID returns how many tracked windows belong to pid.
func (s *Store) CountPID(pid int) int {
	n := 0
	for _, w := range s.windows {
		if w.PID == pid {
			n++
		}
	}
	return n
}

// UpsertWindow inserts w or refreshes an existing entry. Identity fields are
// replaced; classification only when w is classified; placement follows
// w.Hidden/w.Workspace/w.Floating. Reports whether the window was new.
func (s *Store) UpsertWindow(w Window) bool {
	cur, ok := s.windows[w.ID]
	if !ok {
		cp := w
		cp.pinned = false
		if cp.Hidden {
			cp.Workspace, cp.WorkspaceName = 0, ""
		} else {
			cp.LastWorkspace = cp.Workspace
			cp.LastWorkspaceName = cp.WorkspaceName
			cp.LastFloating = cp.Floating
		}
		s.windows[w.ID] = &cp
		if cp.Focused {
			s.setFocused(cp.ID)
		}
		return true
	}
	if w.PID != 0 {
		cur.PID = w.PID
	}
	if w.AppID != "" {
		cur.AppID = w.AppID
	}
	if w.Class != "" {
		cur.Class = w.Class
	}
	if w.Title != "" {
		cur.Title = w.Title
	}
	if w.Classified {
		cur.Project, cur.Scope = w.Project, w.Scope
		cur.AppName, cur.AppInstance = w.AppName, w.AppInstance
		cur.Classified = true
	}
	switch {
	case w.Hidden:
		s.MarkHidden(w.ID)
	case w.Workspace > 0:
		s.SetWorkspaceForWindow(w.ID, w.Workspace)
		s.SetFloating(w.ID, w.Floating)
	case w.WorkspaceName != "":
		s.SetNamedWorkspaceForWindow(w.ID, w.WorkspaceName)
		s.SetFloating(w.ID, w.Floating)
	}
	if w.Focused {
		s.setFocused(w.ID)
	}
	return false
}

// RemoveWindow deletes the window and returns its last state.
func (s *Store) RemoveWindow(id int64) (Window, bool) {
	w, ok := s.windows[id]
	if !ok {
		return Window{}, false
	}
	delete(s.windows, id)
	if s.focusedWindow == id {
		s.focusedWindow = 0
	}
	return *w, true
}

// SetWorkspaceForWindow places a visible window on workspace num.
func (s *Store) SetWorkspaceForWindow(id int64, num int) bool {
	w, ok := s.windows[id]
	if !ok || num <= 0 {
		return false
	}
	w.Hidden = false
	w.Workspace, w.WorkspaceName = num, ""
	w.LastWorkspace, w.LastWorkspaceName = num, ""
	w.pinned = false
	return true
}

// SetNamedWorkspaceForWindow places a visible window on a workspace that has
// no number.
func (s *Store) SetNamedWorkspaceForWindow(id int64, name string) bool {
	w, ok := s.windows[id]
	if !ok || name == "" {
		return false
	}
	w.Hidden = false
	w.Workspace, w.WorkspaceName = 0, name
	w.LastWorkspace, w.LastWorkspaceName = 0, name
	w.pinned = false
	return true
}

// SetFloating records a floating change. Changes are ignored while the window
// is hidden, and do not touch LastFloating while a hide is in flight.
func (s *Store) SetFloating(id int64, floating bool) bool {
	w, ok := s.windows[id]
	if !ok || w.Hidden {
		return false
	}
	w.Floating = floating
	if !w.pinned {
		w.LastFloating = floating
	}
	return true
}

// RecordLastKnown captures the current placement of a visible window before
// it is hidden.
func (s *Store) RecordLastKnown(id int64) bool {
	w, ok := s.windows[id]
	if !ok || w.Hidden {
		return false
	}
	w.rememberPlacement()
	w.LastFloating = w.Floating
	w.pinned = true
	return true
}

// ReleaseLastKnown undoes RecordLastKnown's pin after a failed hide.
func (s *Store) ReleaseLastKnown(id int64) {
	if w, ok := s.windows[id]; ok {
		w.pinned = false
	}
}

// SetLastKnown overrides where a window will be restored to.
func (s *Store) SetLastKnown(id int64, num int, floating bool) bool {
	w, ok := s.windows[id]
	if !ok {
		return false
	}
	if num > 0 {
		w.LastWorkspace, w.LastWorkspaceName = num, ""
	}
	w.LastFloating = floating
	return true
}

// MarkHidden records that the window was parked in the hidden container.
// The last-known placement is retained.
func (s *Store) MarkHidden(id int64) bool {
	w, ok := s.windows[id]
	if !ok {
		return false
	}
	if !w.Hidden && !w.pinned {
		w.rememberPlacement()
	}
	w.Hidden = true
	w.Workspace, w.WorkspaceName = 0, ""
	w.Focused = false
	w.pinned = false
	if s.focusedWindow == id {
		s.focusedWindow = 0
	}
	return true
}

// MarkShown records that the window was restored to num.
func (s *Store) MarkShown(id int64, num int, floating bool) bool {
	w, ok := s.windows[id]
	if !ok || num <= 0 {
		return false
	}
	w.Hidden = false
	w.Workspace, w.WorkspaceName = num, ""
	w.LastWorkspace, w.LastWorkspaceName = num, ""
	w.Floating = floating
	w.LastFloating = floating
	w.pinned = false
	return true
}

// MarkShownNamed records that the window was restored to the workspace
// without a number called name.
func (s *Store) MarkShownNamed(id int64, name string, floating bool) bool {
	w, ok := s.windows[id]
	if !ok || name == "" {
		return false
	}
	w.Hidden = false
	w.Workspace, w.WorkspaceName = 0, name
	w.LastWorkspace, w.LastWorkspaceName = 0, name
	w.Floating = floating
	w.LastFloating = floating
	w.pinned = false
	return true
}

// SetFocusedWindow marks id as the focused window.
func (s *Store) SetFocusedWindow(id int64) bool {
	if _, ok := s.windows[id]; !ok {
		return false
	}
	s.setFocused(id)
	return true
}

func (s *Store) setFocused(id int64) {
	if prev, ok := s.windows[s.focusedWindow]; ok && prev.ID != id {
		prev.Focused = false
	}
	s.focusedWindow = id
	if w, ok := s.windows[id]; ok {
		w.Focused = true
		if w.Workspace > 0 && s.focusedWorkspace != w.Workspace {
			s.FocusWorkspace(w.Workspace)
		}
	}
}

// FocusedWorkspace returns the focused workspace number, 0 when unknown.
func (s *Store) FocusedWorkspace() int {
	return s.focusedWorkspace
}

// Workspace returns the workspace numbered num.
func (s *Store) Workspace(num int) (Workspace, bool) {
	ws, ok := s.workspaces[num]
	if !ok {
		return Workspace{}, false
	}
	return *ws, true
}

// Workspaces returns every known workspace ordered by number.
func (s *Store) Workspaces() []Workspace {
	out := make([]Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// UpsertWorkspace records a workspace.
func (s *Store) UpsertWorkspace(ws Workspace) {
	if ws.Num <= 0 {
		return
	}
	cp := ws
	s.workspaces[ws.Num] = &cp
	if ws.Focused {
		s.FocusWorkspace(ws.Num)
	}
}

// FocusWorkspace marks num focused and visible; other workspaces on the same
// output stop being visible.
func (s *Store) FocusWorkspace(num int) {
	target, ok := s.workspaces[num]
	if !ok {
		target = &Workspace{Num: num}
		s.workspaces[num] = target
	}
	for _, ws := range s.workspaces {
		ws.Focused = false
		if ws != target && target.Output != "" && ws.Output == target.Output {
			ws.Visible = false
		}
	}
	target.Focused = true
	target.Visible = true
	s.focusedWorkspace = num
}

// Outputs returns every known output ordered by name.
func (s *Store) Outputs() []Output {
	out := make([]Output, 0, len(s.outputs))
	for _, o := range s.outputs {
		cp := *o
		cp.Workspaces = append([]int(nil), o.Workspaces...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveOutputCount returns how many outputs are active.
func (s *Store) ActiveOutputCount() int {
	n := 0
	for _, o := range s.outputs {
		if o.Active {
			n++
		}
	}
	return n
}

// ApplyOutputs replaces the activity flags with the reported outputs. Known
// outputs missing from the report become inactive but are kept.
func (s *Store) ApplyOutputs(reported []Output) {
	seen := make(map[string]bool, len(reported))
	for _, o := range reported {
		seen[o.Name] = true
		cur, ok := s.outputs[o.Name]
		if !ok {
			cur = &Output{Name: o.Name}
			s.outputs[o.Name] = cur
		}
		cur.Active = o.Active
	}
	for name, o := range s.outputs {
		if !seen[name] {
			o.Active = false
		}
	}
}

// AssignWorkspaces records the workspace set assigned to output and moves the
// matching known workspaces onto it.
func (s *Store) AssignWorkspaces(output string, nums []int) {
	o, ok := s.outputs[output]
	if !ok {
		o = &Output{Name: output}
		s.outputs[output] = o
	}
	o.Workspaces = append([]int(nil), nums...)
	sort.Ints(o.Workspaces)
	for _, num := range nums {
		if ws, ok := s.workspaces[num]; ok {
			ws.Output = output
		}
	}
}

// ReplaceWorkspaces swaps the workspace list for an authoritative one.
func (s *Store) ReplaceWorkspaces(list []Workspace) {
	s.workspaces = make(map[int]*Workspace, len(list))
	s.focusedWorkspace = 0
	for _, ws := range list {
		s.UpsertWorkspace(ws)
	}
}

// Resync reconciles the store against a full window-manager report. Windows
// absent from the report are removed and returned; surviving windows keep
// their classification and last-known placement.
func (s *Store) Resync(windows []Window, workspaces []Workspace, outputs []Output) []Window {
	present := make(map[int64]bool, len(windows))
	for _, w := range windows {
		present[w.ID] = true
		s.UpsertWindow(w)
	}
	var removed []Window
	for id := range s.windows {
		if !present[id] {
			if w, ok := s.RemoveWindow(id); ok {
				removed = append(removed, w)
			}
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	s.ReplaceWorkspaces(workspaces)
	s.ApplyOutputs(outputs)
	for _, w := range windows {
		if w.Focused {
			s.setFocused(w.ID)
		}
	}
	return removed
}

// ActiveProject returns the active project, "" for global.
func (s *Store) ActiveProject() string {
	return s.active
}

// SetActiveProject sets the active project, "" for global.
func (s *Store) SetActiveProject(name string) {
	s.active = name
}
