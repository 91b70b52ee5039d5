// Package proc classifies windows by reading the environment of the process
// that owns them.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Environment variables injected by the application launcher.
const (
	EnvProjectName = "I3PM_PROJECT_NAME"
	EnvScope       = "I3PM_SCOPE"
	EnvAppName     = "I3PM_APP_NAME"
	EnvAppID       = "I3PM_APP_ID"
)

// Scope tells whether a window participates in project switching.
type Scope string

const (
	ScopeScoped Scope = "scoped"
	ScopeGlobal Scope = "global"
)

// ErrResolverUnavailable is returned when a process cannot be inspected
// (gone, permission denied, read timeout, invalid pid).
var ErrResolverUnavailable = errors.New("process metadata unavailable")

// DefaultTimeout bounds a single environment read.
const DefaultTimeout = 250 * time.Millisecond

// Classification is what the launcher recorded about a process.
type Classification struct {
	Project     string `json:"project,omitempty"`
	Scope       Scope  `json:"scope"`
	AppName     string `json:"appName,omitempty"`
	AppInstance string `json:"appInstance,omitempty"`
}

// Global is the fail-open classification applied when resolution fails.
func Global() Classification {
	return Classification{Scope: ScopeGlobal}
}

// Scoped reports whether the classification binds a window to a project.
func (c Classification) Scoped() bool {
	return c.Scope == ScopeScoped && c.Project != ""
}

// Resolver resolves process metadata for a pid.
type Resolver interface {
	Resolve(ctx context.Context, pid int) (Classification, error)
}

// EnvResolver reads <Root>/<pid>/environ.
type EnvResolver struct {
	Root    string
	Timeout time.Duration
}

// NewEnvResolver returns a resolver reading from /proc.
func NewEnvResolver(timeout time.Duration) *EnvResolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &EnvResolver{Root: "/proc", Timeout: timeout}
}

type readResult struct {
	data []byte
	err  error
}

// Resolve reads and parses the process environment under the configured timeout.
func (r *EnvResolver) Resolve(ctx context.Context, pid int) (Classification, error) {
	if pid <= 0 {
		return Global(), fmt.Errorf("pid %d: %w", pid, ErrResolverUnavailable)
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	root := r.Root
	if root == "" {
		root = "/proc"
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan readResult, 1)
	go func() {
		data, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "environ"))
		done <- readResult{data: data, err: err}
	}()
	select {
	case <-ctx.Done():
		return Global(), fmt.Errorf("pid %d: read environ: %v: %w", pid, ctx.Err(), ErrResolverUnavailable)
	case res := <-done:
		if res.err != nil {
			return Global(), fmt.Errorf("pid %d: %v: %w", pid, res.err, ErrResolverUnavailable)
		}
		return ParseEnviron(res.data), nil
	}
}

// ParseEnviron extracts the classification from a NUL-separated environment block.
func ParseEnviron(data []byte) Classification {
	vars := map[string]string{}
	for _, entry := range bytes.Split(data, []byte{0}) {
		key, value, ok := bytes.Cut(entry, []byte{'='})
		if !ok {
			continue
		}
		switch k := string(key); k {
		case EnvProjectName, EnvScope, EnvAppName, EnvAppID:
			vars[k] = string(value)
		}
	}
	c := Classification{
		Project:     vars[EnvProjectName],
		AppName:     vars[EnvAppName],
		AppInstance: vars[EnvAppID],
		Scope:       ScopeGlobal,
	}
	switch Scope(vars[EnvScope]) {
	case ScopeScoped:
		c.Scope = ScopeScoped
	case ScopeGlobal:
	default:
		// Launchers that predate I3PM_SCOPE only set the project name.
		if c.Project != "" && vars[EnvScope] == "" {
			c.Scope = ScopeScoped
		}
	}
	if c.Scope == ScopeScoped && c.Project == "" {
		c.Scope = ScopeGlobal
	}
	return c
}

// CachingResolver memoises classifications per pid.
type CachingResolver struct {
	next  Resolver
	alive func(pid int) bool

	mu    sync.Mutex
	cache map[int]Classification
}

// NewCachingResolver wraps next with a pid cache.
func NewCachingResolver(next Resolver) *CachingResolver {
	return &CachingResolver{next: next, alive: processAlive, cache: make(map[int]Classification)}
}

// Resolve returns the cached classification when the pid is still alive.
// Failures are not cached so a later window from the same pid retries.
func (c *CachingResolver) Resolve(ctx context.Context, pid int) (Classification, error) {
	c.mu.Lock()
	cls, ok := c.cache[pid]
	c.mu.Unlock()
	if ok {
		if c.alive(pid) {
			return cls, nil
		}
		c.Evict(pid)
	}
	cls, err := c.next.Resolve(ctx, pid)
	if err != nil {
		return cls, err
	}
	c.mu.Lock()
	c.cache[pid] = cls
	c.mu.Unlock()
	return cls, nil
}

// Evict drops the cached entry for pid.
func (c *CachingResolver) Evict(pid int) {
	c.mu.Lock()
	delete(c.cache, pid)
	c.mu.Unlock()
}

// Len returns the number of cached pids.
func (c *CachingResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
