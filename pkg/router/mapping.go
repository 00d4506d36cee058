package router

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
)

const mappingMarker = "const customerMappings: Record<string, string> = {"

// Mapping edits the customer routing table committed into the router
// repository. The git index is the synchronization primitive: pull --rebase
// before every mutation, checkout -- on any failure after the edit.
type Mapping struct {
	repoDir string
	relPath string
	logger  zerolog.Logger
}

// NewMapping points at the middleware file inside the router working tree
func NewMapping(repoDir, middlewareFile string) *Mapping {
	return &Mapping{
		repoDir: repoDir,
		relPath: middlewareFile,
		logger:  log.WithComponent("router"),
	}
}

func (m *Mapping) git(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (m *Mapping) middlewarePath() string {
	return filepath.Join(m.repoDir, m.relPath)
}

// rollback discards local edits to the middleware file
func (m *Mapping) rollback(ctx context.Context) {
	if _, err := m.git(ctx, 10*time.Second, "checkout", "--", m.relPath); err != nil {
		m.logger.Error().Err(err).Msg("failed to roll back middleware edit")
	}
}

// Clean reports whether the router working tree has no local modifications
func (m *Mapping) Clean(ctx context.Context) bool {
	out, err := m.git(ctx, 10*time.Second, "status", "--porcelain")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == ""
}

// ResetHard discards the entire working tree back to origin/main
func (m *Mapping) ResetHard(ctx context.Context) error {
	if _, err := m.git(ctx, 30*time.Second, "fetch", "origin"); err != nil {
		return err
	}
	_, err := m.git(ctx, 10*time.Second, "reset", "--hard", "origin/main")
	return err
}

// Add inserts `'username': 'spriteURL',` into the customer mapping block and
// pushes the commit. Idempotent: an existing username succeeds without a
// commit.
func (m *Mapping) Add(ctx context.Context, username, spriteURL string) error {
	if _, err := m.git(ctx, 30*time.Second, "pull", "--rebase"); err != nil {
		m.logger.Warn().Err(err).Msg("pull --rebase failed, continuing with local tree")
	}

	content, err := os.ReadFile(m.middlewarePath())
	if err != nil {
		return fmt.Errorf("failed to read middleware file: %w", err)
	}
	text := string(content)

	if strings.Contains(text, "'"+username+"'") {
		m.logger.Info().Str("username", username).Msg("mapping already present")
		return nil
	}

	start := strings.Index(text, mappingMarker)
	if start < 0 {
		return fmt.Errorf("customerMappings block not found in %s", m.relPath)
	}
	end := strings.Index(text[start:], "}")
	if end < 0 {
		return fmt.Errorf("customerMappings block not terminated in %s", m.relPath)
	}
	end += start

	entry := fmt.Sprintf("  '%s': '%s',\n", username, spriteURL)
	var edited string
	if i := strings.LastIndex(text[:end], "\n"); i >= 0 && strings.TrimSpace(text[i:end]) == "" {
		// Closing brace already on its own line
		edited = text[:i+1] + entry + text[i+1:]
	} else {
		// Single-line block: break it open
		edited = text[:end] + "\n" + entry + text[end:]
	}

	if err := os.WriteFile(m.middlewarePath(), []byte(edited), 0644); err != nil {
		return fmt.Errorf("failed to write middleware file: %w", err)
	}

	if err := m.commitAndPush(ctx, fmt.Sprintf("Add customer mapping: %s", username)); err != nil {
		m.rollback(ctx)
		return err
	}
	m.logger.Info().Str("username", username).Msg("mapping added")
	return nil
}

// Remove deletes every line mentioning the username from the mapping file
// and pushes the commit. Removing an absent mapping is a successful no-op.
func (m *Mapping) Remove(ctx context.Context, username string) error {
	if _, err := m.git(ctx, 30*time.Second, "pull", "--rebase"); err != nil {
		m.logger.Warn().Err(err).Msg("pull --rebase failed, continuing with local tree")
	}

	content, err := os.ReadFile(m.middlewarePath())
	if err != nil {
		return fmt.Errorf("failed to read middleware file: %w", err)
	}
	text := string(content)

	if !strings.Contains(text, "'"+username+"'") {
		return nil
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.Contains(line, "'"+username+"'") {
			kept = append(kept, line)
		}
	}

	if err := os.WriteFile(m.middlewarePath(), []byte(strings.Join(kept, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write middleware file: %w", err)
	}

	if err := m.commitAndPush(ctx, fmt.Sprintf("Remove customer mapping: %s", username)); err != nil {
		m.rollback(ctx)
		return err
	}
	m.logger.Info().Str("username", username).Msg("mapping removed")
	return nil
}

func (m *Mapping) commitAndPush(ctx context.Context, message string) error {
	if _, err := m.git(ctx, 10*time.Second, "add", m.relPath); err != nil {
		return err
	}
	if _, err := m.git(ctx, 10*time.Second, "commit", "-m", message); err != nil {
		return err
	}
	if _, err := m.git(ctx, 30*time.Second, "push"); err != nil {
		return err
	}
	return nil
}
