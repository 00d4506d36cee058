package router

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const middlewareFixture = `import { NextResponse } from 'next/server';

const customerMappings: Record<string, string> = {
  'existing': 'https://arca-customer-001-bl4yi.sprites.app',
};

export function middleware(req: Request) {
  return NextResponse.next();
}
`

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// initRouterRepo builds a clone with a bare origin so push and pull work
func initRouterRepo(t *testing.T, middleware string) *Mapping {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	origin := filepath.Join(dir, "origin.git")
	work := filepath.Join(dir, "work")
	runGit(t, dir, "init", "--bare", "-b", "main", origin)
	runGit(t, dir, "clone", origin, work)
	runGit(t, work, "config", "user.email", "agent@example.com")
	runGit(t, work, "config", "user.name", "agent")

	require.NoError(t, os.MkdirAll(filepath.Join(work, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "src", "middleware.ts"), []byte(middleware), 0644))
	runGit(t, work, "add", ".")
	runGit(t, work, "commit", "-m", "initial middleware")
	runGit(t, work, "push", "-u", "origin", "main")

	return NewMapping(work, filepath.Join("src", "middleware.ts"))
}

func commitCount(t *testing.T, m *Mapping) string {
	t.Helper()
	return runGit(t, m.repoDir, "rev-list", "--count", "HEAD")
}

// TestMappingAdd tests inserting and committing a customer mapping
func TestMappingAdd(t *testing.T) {
	m := initRouterRepo(t, middlewareFixture)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "alice", "https://arca-customer-002-bl4yi.sprites.app"))

	content, err := os.ReadFile(m.middlewarePath())
	require.NoError(t, err)
	assert.Contains(t, string(content), "  'alice': 'https://arca-customer-002-bl4yi.sprites.app',\n")
	assert.Contains(t, string(content), "'existing'")
	assert.True(t, m.Clean(ctx), "working tree should be clean after commit")
	assert.Equal(t, "2", commitCount(t, m))

	// Pushed, not just committed locally
	assert.Contains(t, runGit(t, m.repoDir, "log", "origin/main", "-1", "--format=%s"), "alice")
}

// TestMappingAddIdempotent tests that an existing username commits nothing
func TestMappingAddIdempotent(t *testing.T) {
	m := initRouterRepo(t, middlewareFixture)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "alice", "https://first.example"))
	before := commitCount(t, m)

	require.NoError(t, m.Add(ctx, "alice", "https://second.example"))
	assert.Equal(t, before, commitCount(t, m))

	content, err := os.ReadFile(m.middlewarePath())
	require.NoError(t, err)
	assert.Contains(t, string(content), "https://first.example")
	assert.NotContains(t, string(content), "https://second.example")
}

// TestMappingAddSingleLineBlock tests breaking open an empty one-line block
func TestMappingAddSingleLineBlock(t *testing.T) {
	fixture := "const customerMappings: Record<string, string> = {};\n"
	m := initRouterRepo(t, fixture)

	require.NoError(t, m.Add(context.Background(), "alice", "https://a.example"))

	content, err := os.ReadFile(m.middlewarePath())
	require.NoError(t, err)
	assert.Contains(t, string(content), "{\n  'alice': 'https://a.example',\n}")
}

// TestMappingAddMissingMarker tests the error when the mapping block is absent
func TestMappingAddMissingMarker(t *testing.T) {
	m := initRouterRepo(t, "export function middleware() {}\n")

	err := m.Add(context.Background(), "alice", "https://a.example")
	assert.ErrorContains(t, err, "customerMappings block not found")
	assert.True(t, m.Clean(context.Background()))
}

// TestMappingRemove tests deleting a mapping line
func TestMappingRemove(t *testing.T) {
	m := initRouterRepo(t, middlewareFixture)
	ctx := context.Background()

	require.NoError(t, m.Remove(ctx, "existing"))

	content, err := os.ReadFile(m.middlewarePath())
	require.NoError(t, err)
	assert.NotContains(t, string(content), "existing")
	assert.Contains(t, string(content), "customerMappings")
	assert.True(t, m.Clean(ctx))
	assert.Equal(t, "2", commitCount(t, m))
}

// TestMappingRemoveAbsent tests that removing an unknown username is a no-op
func TestMappingRemoveAbsent(t *testing.T) {
	m := initRouterRepo(t, middlewareFixture)

	require.NoError(t, m.Remove(context.Background(), "nobody"))
	assert.Equal(t, "1", commitCount(t, m))
}

// TestCleanAndResetHard tests dirty detection and recovery to origin/main
func TestCleanAndResetHard(t *testing.T) {
	m := initRouterRepo(t, middlewareFixture)
	ctx := context.Background()

	assert.True(t, m.Clean(ctx))

	require.NoError(t, os.WriteFile(m.middlewarePath(), []byte("garbage"), 0644))
	assert.False(t, m.Clean(ctx))

	require.NoError(t, m.ResetHard(ctx))
	assert.True(t, m.Clean(ctx))

	content, err := os.ReadFile(m.middlewarePath())
	require.NoError(t, err)
	assert.Equal(t, middlewareFixture, string(content))
}
