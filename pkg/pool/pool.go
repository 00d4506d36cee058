package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
	"github.com/arcamatrix/arcad/pkg/types"
)

const (
	// SeedCount is the number of sprites created on first use
	SeedCount = 10

	// MinAvailable is the low-water mark below which the pool wants expansion
	MinAvailable = 3
)

// Pool manages the shared sprite pool file. Every mutation runs under an
// exclusive advisory lock on a sibling .lock file, re-reads the document,
// heals the assignment index, mutates, and atomically replaces the file.
type Pool struct {
	path   string
	flock  *flock.Flock
	logger zerolog.Logger
}

// New opens (and if necessary seeds) the pool at the given path
func New(path string) (*Pool, error) {
	p := &Pool{
		path:   path,
		flock:  flock.New(path + ".lock"),
		logger: log.WithComponent("pool"),
	}
	if err := p.ensureFile(); err != nil {
		return nil, err
	}
	return p, nil
}

// SpriteURL derives the canonical public URL for a pool sprite name
func SpriteURL(name string) string {
	return fmt.Sprintf("https://%s-bl4yi.sprites.app", name)
}

// SpriteName formats the NNN-numbered pool sprite name
func SpriteName(n int) string {
	return fmt.Sprintf("arca-customer-%03d", n)
}

func (p *Pool) ensureFile() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create pool directory: %w", err)
	}
	if _, err := os.Stat(p.path); err == nil {
		return nil
	}

	state := &types.PoolState{
		Sprites:     make(map[string]*types.Sprite),
		Assignments: make(map[string]string),
	}
	now := time.Now().UTC()
	for i := 1; i <= SeedCount; i++ {
		name := SpriteName(i)
		state.Sprites[name] = &types.Sprite{
			Status:    types.SpriteStatusAvailable,
			CreatedAt: now,
			SpriteURL: SpriteURL(name),
		}
	}
	p.logger.Info().Int("sprites", SeedCount).Msg("seeding new pool file")
	return p.save(state)
}

// load reads the pool document. Callers that mutate must hold the lock.
func (p *Pool) load() (*types.PoolState, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool file: %w", err)
	}
	state := &types.PoolState{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, state); err != nil {
			return nil, fmt.Errorf("failed to parse pool file: %w", err)
		}
	}
	if state.Sprites == nil {
		state.Sprites = make(map[string]*types.Sprite)
	}
	if state.Assignments == nil {
		state.Assignments = make(map[string]string)
	}
	return state, nil
}

// save atomically replaces the pool file (tmp + fsync + rename)
func (p *Pool) save(state *types.PoolState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pool state: %w", err)
	}

	tmp := p.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp pool file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write pool state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync pool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p.path)
}

// heal reconciles the assignment index with the sprite records. The sprite
// records are authoritative; the index is rebuilt to match. Returns true
// when a skew was corrected.
func (p *Pool) heal(state *types.PoolState) bool {
	actual := make(map[string]string)
	for name, sprite := range state.Sprites {
		if sprite.Status == types.SpriteStatusAssigned && sprite.AssignedTo != "" {
			actual[sprite.AssignedTo] = name
		}
	}

	changed := false
	for username := range state.Assignments {
		if _, ok := actual[username]; !ok {
			delete(state.Assignments, username)
			changed = true
		}
	}
	for username, name := range actual {
		if state.Assignments[username] != name {
			state.Assignments[username] = name
			changed = true
		}
	}
	if changed {
		p.logger.Warn().Msg("assignment index out of sync with sprite records, healed")
	}
	return changed
}

// mutate runs fn on the healed pool state under the exclusive lock and
// persists the result when fn reports a change.
func (p *Pool) mutate(fn func(*types.PoolState) (bool, error)) error {
	if err := p.flock.Lock(); err != nil {
		return fmt.Errorf("failed to lock pool file: %w", err)
	}
	defer p.flock.Unlock()

	state, err := p.load()
	if err != nil {
		return err
	}
	healed := p.heal(state)

	dirty, err := fn(state)
	if err != nil {
		// Persist the heal even when the operation itself bails out
		if healed {
			if saveErr := p.save(state); saveErr != nil {
				p.logger.Error().Err(saveErr).Msg("failed to persist heal")
			}
		}
		return err
	}
	if dirty || healed {
		return p.save(state)
	}
	return nil
}

// spriteNamesInOrder returns the sprite names sorted ascending. Pool names
// are zero-padded, so sorted order equals creation order and assignment
// selection stays deterministic.
func spriteNamesInOrder(state *types.PoolState) []string {
	names := make([]string, 0, len(state.Sprites))
	for name := range state.Sprites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrNoSprites is returned by Assign when the pool has no available sprite
var ErrNoSprites = fmt.Errorf("no sprites available in pool")

// Assign hands an available sprite to the customer. Idempotent: a username
// that already holds a sprite gets the same one back. Selection follows
// insertion order so retries and tests are deterministic.
func (p *Pool) Assign(username, customerEmail, customerName string) (*types.SpriteRef, error) {
	var ref *types.SpriteRef
	err := p.mutate(func(state *types.PoolState) (bool, error) {
		if existing, ok := state.Assignments[username]; ok {
			if sprite, ok := state.Sprites[existing]; ok {
				ref = &types.SpriteRef{Name: existing, URL: sprite.SpriteURL}
				return false, nil
			}
		}

		for _, name := range spriteNamesInOrder(state) {
			sprite := state.Sprites[name]
			if sprite.Status != types.SpriteStatusAvailable {
				continue
			}
			now := time.Now().UTC()
			sprite.Status = types.SpriteStatusAssigned
			sprite.AssignedTo = username
			sprite.CustomerEmail = customerEmail
			sprite.CustomerName = customerName
			sprite.AssignedAt = &now
			state.Assignments[username] = name
			ref = &types.SpriteRef{Name: name, URL: sprite.SpriteURL}
			return true, nil
		}
		return false, ErrNoSprites
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// Release returns the customer's sprite to the pool, clearing all customer
// attributes. Returns false if the username holds no sprite.
func (p *Pool) Release(username string) (bool, error) {
	released := false
	err := p.mutate(func(state *types.PoolState) (bool, error) {
		name, ok := state.Assignments[username]
		if !ok {
			return false, nil
		}
		if sprite, ok := state.Sprites[name]; ok {
			sprite.Status = types.SpriteStatusAvailable
			sprite.AssignedTo = ""
			sprite.CustomerEmail = ""
			sprite.CustomerName = ""
			sprite.AssignedAt = nil
		}
		delete(state.Assignments, username)
		released = true
		return true, nil
	})
	return released, err
}

// Get looks up the sprite assigned to a customer. Read-only snapshot;
// falls back to scanning the sprite records when the index is stale.
func (p *Pool) Get(username string) (*types.SpriteRef, error) {
	state, err := p.load()
	if err != nil {
		return nil, err
	}
	if name, ok := state.Assignments[username]; ok {
		if sprite, ok := state.Sprites[name]; ok {
			return &types.SpriteRef{Name: name, URL: sprite.SpriteURL}, nil
		}
		return nil, nil
	}
	for name, sprite := range state.Sprites {
		if sprite.AssignedTo == username && sprite.Status == types.SpriteStatusAssigned {
			return &types.SpriteRef{Name: name, URL: sprite.SpriteURL}, nil
		}
	}
	return nil, nil
}

// Status reports pool capacity from an unlocked snapshot
func (p *Pool) Status() (*types.PoolStatus, error) {
	state, err := p.load()
	if err != nil {
		return nil, err
	}
	status := &types.PoolStatus{Total: len(state.Sprites)}
	for _, sprite := range state.Sprites {
		switch sprite.Status {
		case types.SpriteStatusAvailable:
			status.Available++
		case types.SpriteStatusAssigned:
			status.Assigned++
		}
	}
	status.NeedsExpansion = status.Available < MinAvailable
	return status, nil
}

// Snapshot returns a read-only copy of the pool document
func (p *Pool) Snapshot() (*types.PoolState, error) {
	return p.load()
}

// Add registers a freshly prepared sprite as available
func (p *Pool) Add(name, url string) error {
	return p.mutate(func(state *types.PoolState) (bool, error) {
		state.Sprites[name] = &types.Sprite{
			Status:    types.SpriteStatusAvailable,
			CreatedAt: time.Now().UTC(),
			SpriteURL: url,
		}
		return true, nil
	})
}

// MarkUnreachable flags a sprite that failed its liveness probe
func (p *Pool) MarkUnreachable(name string) error {
	return p.mutate(func(state *types.PoolState) (bool, error) {
		sprite, ok := state.Sprites[name]
		if !ok {
			return false, nil
		}
		now := time.Now().UTC()
		sprite.Status = types.SpriteStatusUnreachable
		sprite.UnreachableSince = &now
		return true, nil
	})
}

// TryRecover returns an unreachable sprite to available after a successful
// probe. Returns false when the sprite is unknown or not unreachable.
func (p *Pool) TryRecover(name string) (bool, error) {
	recovered := false
	err := p.mutate(func(state *types.PoolState) (bool, error) {
		sprite, ok := state.Sprites[name]
		if !ok || sprite.Status != types.SpriteStatusUnreachable {
			return false, nil
		}
		sprite.Status = types.SpriteStatusAvailable
		sprite.UnreachableSince = nil
		recovered = true
		return true, nil
	})
	return recovered, err
}

// UnusedNames returns the next count arca-customer-NNN names not yet in the
// pool, in ascending order.
func (p *Pool) UnusedNames(count int) ([]string, error) {
	state, err := p.load()
	if err != nil {
		return nil, err
	}
	var names []string
	for i := 1; len(names) < count && i < 1000; i++ {
		name := SpriteName(i)
		if _, ok := state.Sprites[name]; !ok {
			names = append(names, name)
		}
	}
	return names, nil
}
