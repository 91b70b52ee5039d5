package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// ParkedWindow is the restore target of a hidden window.
type ParkedWindow struct {
	Project   string `json:"project,omitempty"`
	Workspace int    `json:"workspace"`
	Floating  bool   `json:"floating"`
}

// SavedContext is the on-disk form of the active context.
type SavedContext struct {
	Project   string                 `json:"project"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Parked    map[int64]ParkedWindow `json:"parked,omitempty"`
}

// ContextFile persists the active context across daemon restarts.
type ContextFile struct {
	Path string
}

// NewContextFile returns a context file inside dir.
func NewContextFile(dir string) *ContextFile {
	return &ContextFile{Path: filepath.Join(dir, "active-project.json")}
}

// Load reads the saved context. A missing file yields the global context.
func (f *ContextFile) Load() (SavedContext, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return SavedContext{}, nil
	}
	if err != nil {
		return SavedContext{}, fmt.Errorf("read context file: %w", err)
	}
	var saved SavedContext
	if err := json.Unmarshal(data, &saved); err != nil {
		return SavedContext{}, fmt.Errorf("decode context file: %w", err)
	}
	return saved, nil
}

// Save atomically replaces the context file.
func (f *ContextFile) Save(saved SavedContext) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context file: %w", err)
	}
	if err := atomic.WriteFile(f.Path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write context file: %w", err)
	}
	return nil
}

// SavedContextFrom captures the active project and hidden windows of snap.
func SavedContextFrom(snap *Snapshot) SavedContext {
	saved := SavedContext{Project: snap.ActiveProject, UpdatedAt: snap.UpdatedAt}
	for _, w := range snap.Windows {
		if !w.Hidden {
			continue
		}
		if saved.Parked == nil {
			saved.Parked = make(map[int64]ParkedWindow)
		}
		saved.Parked[w.ID] = ParkedWindow{Project: w.Project, Workspace: w.LastWorkspace, Floating: w.LastFloating}
	}
	return saved
}
