package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
	"github.com/arcamatrix/arcad/pkg/types"
)

// AssignmentLookup is the slice of the pool the recovery pass needs
type AssignmentLookup interface {
	Get(username string) (*types.SpriteRef, error)
}

// Store is the shared task queue file. The checkout intake endpoint writes
// tasks into it; this agent claims and completes them. All writes run under
// an exclusive advisory lock on a sibling .lock file.
type Store struct {
	path   string
	flock  *flock.Flock
	logger zerolog.Logger
}

// New opens the task store at the given path. A missing file reads as an
// empty queue; the intake endpoint owns creation.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}
	return &Store{
		path:   path,
		flock:  flock.New(path + ".lock"),
		logger: log.WithComponent("taskstore"),
	}, nil
}

func (s *Store) load() (*types.TaskFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.TaskFile{Tasks: make(map[string]*types.Task)}, nil
		}
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	store := &types.TaskFile{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, store); err != nil {
			return nil, fmt.Errorf("failed to parse task file: %w", err)
		}
	}
	if store.Tasks == nil {
		store.Tasks = make(map[string]*types.Task)
	}
	return store, nil
}

func (s *Store) save(store *types.TaskFile) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task file: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp task file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync task file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// mutate runs fn on the task document under the exclusive lock
func (s *Store) mutate(fn func(*types.TaskFile) (bool, error)) error {
	if err := s.flock.Lock(); err != nil {
		return fmt.Errorf("failed to lock task file: %w", err)
	}
	defer s.flock.Unlock()

	store, err := s.load()
	if err != nil {
		return err
	}
	dirty, err := fn(store)
	if err != nil {
		return err
	}
	if dirty {
		return s.save(store)
	}
	return nil
}

// ListPending returns the pending tasks of one kind, matched by id prefix.
// Order is by task id; the dispatcher does not depend on it.
func (s *Store) ListPending(kind types.TaskType) ([]*types.Task, error) {
	store, err := s.load()
	if err != nil {
		return nil, err
	}
	var tasks []*types.Task
	for id, task := range store.Tasks {
		if strings.HasPrefix(id, kind.IDPrefix()) && task.Status == types.TaskStatusPending {
			if task.ID == "" {
				task.ID = id
			}
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Update atomically moves a task to the given status, stamping updated_at
// and attaching the result when present. Unknown ids are ignored.
func (s *Store) Update(id string, status types.TaskStatus, result *types.TaskResult) error {
	return s.mutate(func(store *types.TaskFile) (bool, error) {
		task, ok := store.Tasks[id]
		if !ok {
			return false, nil
		}
		task.Status = status
		task.UpdatedAt = time.Now().UTC()
		if result != nil {
			task.Result = result
		}
		return true, nil
	})
}

// Snapshot returns a read-only copy of the task document
func (s *Store) Snapshot() (*types.TaskFile, error) {
	return s.load()
}

// FindStale returns ids of tasks stuck in in_progress longer than maxAge,
// excluding the currently running task.
func (s *Store) FindStale(maxAge time.Duration, excludeID string) ([]string, error) {
	store, err := s.load()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var stale []string
	for id, task := range store.Tasks {
		if id == excludeID || task.Status != types.TaskStatusInProgress {
			continue
		}
		if task.UpdatedAt.IsZero() {
			continue
		}
		if now.Sub(task.UpdatedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// FailStale forces a stuck in_progress task to failed with an explanatory
// error. Used by the patch engine's orphan cleanup.
func (s *Store) FailStale(id string) error {
	return s.mutate(func(store *types.TaskFile) (bool, error) {
		task, ok := store.Tasks[id]
		if !ok || task.Status != types.TaskStatusInProgress {
			return false, nil
		}
		task.Status = types.TaskStatusFailed
		task.UpdatedAt = time.Now().UTC()
		if task.Result == nil {
			task.Result = &types.TaskResult{}
		}
		task.Result.Success = false
		task.Result.Error = "reset by patch engine: stale in_progress"
		return true, nil
	})
}

// Recover repairs tasks left in_progress by a previous crash. Provisioning
// tasks whose customer already holds a sprite are failed so the dispatcher
// cannot assign a second sprite; everything else is reset to pending.
// Returns the number of tasks touched.
func (s *Store) Recover(assignments AssignmentLookup) (int, error) {
	recovered := 0
	err := s.mutate(func(store *types.TaskFile) (bool, error) {
		for id, task := range store.Tasks {
			if task.Status != types.TaskStatusInProgress {
				continue
			}
			username := task.Metadata.Username
			if task.Type == types.TaskTypeProvisioning && username != "" {
				existing, err := assignments.Get(username)
				if err != nil {
					return false, fmt.Errorf("failed to check assignment for %s: %w", username, err)
				}
				if existing != nil {
					s.logger.Warn().Str("task_id", id).Str("sprite", existing.Name).
						Msg("stuck task already has a sprite, failing to avoid double assignment")
					task.Status = types.TaskStatusFailed
					task.Result = &types.TaskResult{
						Success: false,
						Error:   "agent crashed mid-provisioning, sprite already assigned",
					}
					task.UpdatedAt = time.Now().UTC()
					recovered++
					continue
				}
			}
			s.logger.Info().Str("task_id", id).Msg("recovering stuck task to pending")
			task.Status = types.TaskStatusPending
			task.UpdatedAt = time.Now().UTC()
			recovered++
		}
		return recovered > 0, nil
	})
	return recovered, err
}
