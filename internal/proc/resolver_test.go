package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writeEnviron(t *testing.T, root string, pid int, vars ...string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := strings.Join(vars, "\x00") + "\x00"
	if err := os.WriteFile(filepath.Join(dir, "environ"), []byte(data), 0o644); err != nil {
		t.Fatalf("write environ: %v", err)
	}
}

func TestEnvResolverReadsScopedProcess(t *testing.T) {
	root := t.TempDir()
	writeEnviron(t, root, 42, "HOME=/home/me", "I3PM_PROJECT_NAME=nixos", "I3PM_SCOPE=scoped", "I3PM_APP_NAME=code", "I3PM_APP_ID=code-nixos-1")
	r := &EnvResolver{Root: root, Timeout: time.Second}

	cls, err := r.Resolve(context.Background(), 42)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := Classification{Project: "nixos", Scope: ScopeScoped, AppName: "code", AppInstance: "code-nixos-1"}
	if cls != want {
		t.Fatalf("unexpected classification: %+v", cls)
	}
	if !cls.Scoped() {
		t.Fatalf("expected scoped classification")
	}
}

func TestEnvResolverFailsOpenForMissingProcess(t *testing.T) {
	r := &EnvResolver{Root: t.TempDir(), Timeout: time.Second}
	cls, err := r.Resolve(context.Background(), 999)
	if !errors.Is(err, ErrResolverUnavailable) {
		t.Fatalf("expected ErrResolverUnavailable, got %v", err)
	}
	if cls.Scoped() || cls.Scope != ScopeGlobal {
		t.Fatalf("expected global fallback, got %+v", cls)
	}
	if _, err := r.Resolve(context.Background(), 0); !errors.Is(err, ErrResolverUnavailable) {
		t.Fatalf("expected error for pid 0, got %v", err)
	}
}

func TestParseEnvironScopeRules(t *testing.T) {
	cases := []struct {
		name string
		env  string
		want Scope
	}{
		{"explicit global", "I3PM_PROJECT_NAME=nixos\x00I3PM_SCOPE=global", ScopeGlobal},
		{"legacy project only", "I3PM_PROJECT_NAME=nixos", ScopeScoped},
		{"scoped without project", "I3PM_SCOPE=scoped", ScopeGlobal},
		{"nothing", "PATH=/bin", ScopeGlobal},
	}
	for _, tc := range cases {
		if got := ParseEnviron([]byte(tc.env)).Scope; got != tc.want {
			t.Fatalf("%s: scope = %s, want %s", tc.name, got, tc.want)
		}
	}
}

type countingResolver struct {
	calls int
	cls   Classification
	err   error
}

func (c *countingResolver) Resolve(context.Context, int) (Classification, error) {
	c.calls++
	return c.cls, c.err
}

func TestCachingResolverReusesLiveEntries(t *testing.T) {
	inner := &countingResolver{cls: Classification{Project: "a", Scope: ScopeScoped}}
	c := NewCachingResolver(inner)
	alive := true
	c.alive = func(int) bool { return alive }

	for i := 0; i < 3; i++ {
		if _, err := c.Resolve(context.Background(), 7); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one underlying read, got %d", inner.calls)
	}

	alive = false
	if _, err := c.Resolve(context.Background(), 7); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("dead pid should be re-read, got %d calls", inner.calls)
	}

	c.Evict(7)
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after evict")
	}
}

func TestCachingResolverDoesNotCacheFailures(t *testing.T) {
	inner := &countingResolver{cls: Global(), err: ErrResolverUnavailable}
	c := NewCachingResolver(inner)
	c.Resolve(context.Background(), 9)
	c.Resolve(context.Background(), 9)
	if inner.calls != 2 || c.Len() != 0 {
		t.Fatalf("failures must not be cached: calls=%d len=%d", inner.calls, c.Len())
	}
}

func TestProcessAliveForSelf(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatalf("current process should be alive")
	}
	if processAlive(-1) {
		t.Fatalf("negative pid reported alive")
	}
}
