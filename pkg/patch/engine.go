package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
	"github.com/arcamatrix/arcad/pkg/metrics"
	"github.com/arcamatrix/arcad/pkg/pool"
	"github.com/arcamatrix/arcad/pkg/sprites"
	"github.com/arcamatrix/arcad/pkg/taskstore"
	"github.com/arcamatrix/arcad/pkg/types"
)

// PatchType is the closed set of short-lived pre-hook repairs
type PatchType string

const (
	PatchAPIWait        PatchType = "api_wait"
	PatchPoolEmergency  PatchType = "pool_emergency"
	PatchGitReset       PatchType = "git_reset"
	PatchOrphanCleanup  PatchType = "orphan_cleanup"
	PatchServiceRestart PatchType = "service_restart"
)

// FixType is the closed set of permanent post-hook counterparts
type FixType string

const (
	FixAPIRecovered      FixType = "api_recovered"
	FixPoolExpanded      FixType = "pool_expanded"
	FixWatchdogInstalled FixType = "watchdog_installed"
	FixGitNoted          FixType = "git_reset_noted"
	FixOrphanNoted       FixType = "orphan_noted"
	FixServicesUnhealthy FixType = "services_unhealthy"
	FixMappingFixed      FixType = "mapping_fixed"
	FixEmailWarning      FixType = "email_warning"
	FixPoolRefill        FixType = "pool_refill"
)

// staleTaskAge is how long a task may sit in_progress before the pre-hook
// forces it to failed.
const staleTaskAge = 60 * time.Minute

// ServiceHealth is the /pflaster/health contract on a sprite's proxy port.
// A missing or malformed response reads as both services down.
type ServiceHealth struct {
	Proxy   bool `json:"proxy"`
	Gateway bool `json:"gateway"`
}

// Expander grows the pool. Implemented by the provisioning handlers.
type Expander interface {
	// Emergency synchronously creates and prepares exactly one sprite
	Emergency(ctx context.Context) error
	// ExpandTo grows the pool until at least target sprites are available
	ExpandTo(ctx context.Context, target int) error
}

// WatchdogInstaller installs the cron watchdog on a sprite
type WatchdogInstaller interface {
	InstallWatchdog(ctx context.Context, sprite string) error
}

// RouterVerifier is the slice of the router surface the post-hook needs
type RouterVerifier interface {
	Registered(ctx context.Context, username string) (bool, error)
	Register(ctx context.Context, username, spriteURL, spriteName string) error
}

// GitTree is the router working tree health surface
type GitTree interface {
	Clean(ctx context.Context) bool
	ResetHard(ctx context.Context) error
}

// Handler executes one task and reports its outcome in the result record
type Handler func(ctx context.Context, task *types.Task) *types.TaskResult

// Engine wraps every task in a pre/post self-healing envelope. The pre-hook
// diagnoses the substrate and applies short-lived patches so the task can
// run; the post-hook verifies the outcome and installs the permanent
// counterpart of each patch.
type Engine struct {
	pool     *pool.Pool
	tasks    *taskstore.Store
	client   *sprites.Client
	tree     GitTree
	router   RouterVerifier
	expander Expander
	watchdog WatchdogInstaller
	events   *EventLog
	logger   zerolog.Logger
	sleep    func(time.Duration)
	bg       sync.WaitGroup
}

// NewEngine wires the patch engine
func NewEngine(p *pool.Pool, tasks *taskstore.Store, client *sprites.Client, tree GitTree,
	router RouterVerifier, expander Expander, watchdog WatchdogInstaller, events *EventLog) *Engine {
	return &Engine{
		pool:     p,
		tasks:    tasks,
		client:   client,
		tree:     tree,
		router:   router,
		expander: expander,
		watchdog: watchdog,
		events:   events,
		logger:   log.WithComponent("patch"),
		sleep:    time.Sleep,
	}
}

// Wait blocks until background root-fixes (pool expansions) finish
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Wrap runs pre-hook, task, post-hook and returns the task result
func (e *Engine) Wrap(ctx context.Context, handler Handler, task *types.Task) *types.TaskResult {
	patches := e.pre(ctx, task)
	result := handler(ctx, task)
	e.post(ctx, task, result, patches)
	return result
}

// pre diagnoses the system and applies quick patches. Each applied patch is
// recorded and threaded to the post-hook.
func (e *Engine) pre(ctx context.Context, task *types.Task) []Entry {
	logger := e.logger.With().Str("task_id", task.ID).Logger()
	logger.Info().Msg("running pre-flight checks")

	var patches []Entry

	// 1. Control plane reachable?
	if !e.client.Reachable(ctx) {
		logger.Warn().Msg("sprites API unreachable, polling with backoff")
		if e.waitForAPI(ctx) {
			patches = append(patches, Entry{Type: string(PatchAPIWait), Action: "waited for API recovery"})
		} else {
			patches = append(patches, Entry{Type: string(PatchAPIWait), Action: "API still down after retries", Critical: true})
		}
	}

	// 2. Pool depleted? (provisioning only)
	if task.Type == types.TaskTypeProvisioning {
		status, err := e.pool.Status()
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("pool status check failed")
		case status.Available == 0:
			logger.Warn().Msg("pool empty, creating emergency sprite")
			if err := e.expander.Emergency(ctx); err != nil {
				logger.Error().Err(err).Msg("emergency sprite creation failed")
				patches = append(patches, Entry{Type: string(PatchPoolEmergency), Action: "emergency creation failed", Critical: true})
			} else {
				patches = append(patches, Entry{Type: string(PatchPoolEmergency), Action: "created 1 emergency sprite"})
			}
		default:
			logger.Debug().Int("available", status.Available).Msg("pool ok")
		}
	}

	// 3. Router working tree clean?
	if !e.tree.Clean(ctx) {
		logger.Warn().Msg("router repo dirty, resetting to origin/main")
		if err := e.tree.ResetHard(ctx); err != nil {
			logger.Error().Err(err).Msg("git reset failed")
		} else {
			patches = append(patches, Entry{Type: string(PatchGitReset), Action: "reset to origin/main"})
		}
	}

	// 4. Orphaned in_progress tasks?
	stale, err := e.tasks.FindStale(staleTaskAge, task.ID)
	if err != nil {
		logger.Error().Err(err).Msg("stale task scan failed")
	}
	for _, id := range stale {
		if err := e.tasks.FailStale(id); err != nil {
			logger.Error().Err(err).Str("stale_id", id).Msg("failed to reset stale task")
			continue
		}
		patches = append(patches, Entry{Type: string(PatchOrphanCleanup), Target: id})
	}

	// 5. Recycle target still serving? Log only, the handler tears it down.
	if task.Type == types.TaskTypeRecycle && task.Metadata.Username != "" {
		if ref, err := e.pool.Get(task.Metadata.Username); err == nil && ref != nil {
			health := e.ServiceHealth(ctx, ref.Name)
			logger.Info().Str("sprite", ref.Name).
				Bool("proxy", health.Proxy).Bool("gateway", health.Gateway).
				Msg("recycle target health")
		}
	}

	for _, p := range patches {
		metrics.PatchesAppliedTotal.WithLabelValues(p.Type).Inc()
	}
	if len(patches) > 0 {
		logger.Info().Int("patches", len(patches)).Msg("applied pre-hook patches")
	} else {
		logger.Info().Msg("all checks passed, no patches needed")
	}

	if err := e.events.Append(task.ID, PhasePre, patches); err != nil {
		logger.Error().Err(err).Msg("failed to record pre-hook event")
	}
	return patches
}

// waitForAPI polls the list endpoint at 5s, 10s, 15s intervals
func (e *Engine) waitForAPI(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Second
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 35 * time.Second

	err := backoff.Retry(func() error {
		if e.client.Reachable(ctx) {
			return nil
		}
		return fmt.Errorf("sprites API unreachable")
	}, backoff.WithContext(policy, ctx))
	return err == nil
}

// post verifies a successful task and installs the permanent counterpart of
// every pre-hook patch. Failed tasks only get their failure recorded.
func (e *Engine) post(ctx context.Context, task *types.Task, result *types.TaskResult, patches []Entry) {
	logger := e.logger.With().Str("task_id", task.ID).Logger()

	if result == nil || !result.Success {
		errMsg := "unknown"
		if result != nil && result.Error != "" {
			errMsg = result.Error
		}
		logger.Warn().Str("error", errMsg).Msg("task failed, skipping post-hook fixes")
		e.appendPost(task.ID, []Entry{{Type: "task_failed", Action: errMsg}})
		return
	}
	logger.Info().Msg("task succeeded, running post-hook verification")

	var fixes []Entry

	// 1. Root-cause fixes for pre-hook patches. The switch is exhaustive
	// over PatchType so a new patch cannot ship without its counterpart.
	for _, p := range patches {
		switch PatchType(p.Type) {
		case PatchAPIWait:
			fixes = append(fixes, Entry{Type: string(FixAPIRecovered), Action: "API recovery noted"})
		case PatchPoolEmergency:
			e.expandInBackground(5)
			fixes = append(fixes, Entry{Type: string(FixPoolExpanded), Action: "pool expanding to 5 available"})
		case PatchGitReset:
			fixes = append(fixes, Entry{Type: string(FixGitNoted), Action: "recorded for offline investigation"})
		case PatchOrphanCleanup:
			fixes = append(fixes, Entry{Type: string(FixOrphanNoted), Target: p.Target})
		case PatchServiceRestart:
			if err := e.watchdog.InstallWatchdog(ctx, p.Target); err != nil {
				logger.Error().Err(err).Str("sprite", p.Target).Msg("watchdog install failed")
			}
			fixes = append(fixes, Entry{Type: string(FixWatchdogInstalled), Target: p.Target})
		}
	}

	// 2. Provisioning post-verification
	if task.Type == types.TaskTypeProvisioning {
		fixes = append(fixes, e.verifyProvisioned(ctx, task, result)...)
	}

	// 3. Pool health after every task
	if status, err := e.pool.Status(); err == nil {
		metrics.SetPoolGauges(status.Total, status.Available, status.Assigned)
		if status.Available < pool.MinAvailable {
			logger.Warn().Int("available", status.Available).Msg("pool low, expanding in background")
			e.expandInBackground(5)
			fixes = append(fixes, Entry{Type: string(FixPoolRefill), Action: fmt.Sprintf("pool expanding (was %d)", status.Available)})
		}
	}

	for _, f := range fixes {
		metrics.FixesAppliedTotal.WithLabelValues(f.Type).Inc()
	}
	if len(fixes) > 0 {
		logger.Info().Int("fixes", len(fixes)).Msg("applied root-cause fixes")
	} else {
		logger.Info().Msg("no root-cause fixes needed")
	}
	e.appendPost(task.ID, fixes)
}

// verifyProvisioned probes the freshly assigned sprite, repairs its
// services, re-posts a missing router mapping and flags a missing email.
func (e *Engine) verifyProvisioned(ctx context.Context, task *types.Task, result *types.TaskResult) []Entry {
	logger := e.logger.With().Str("task_id", task.ID).Logger()
	var fixes []Entry

	if result.SpriteName != "" {
		health := e.ServiceHealth(ctx, result.SpriteName)
		if !health.Proxy || !health.Gateway {
			logger.Warn().Str("sprite", result.SpriteName).Msg("services unhealthy after provisioning, restarting")
			e.RestartServices(ctx, result.SpriteName)
			e.sleep(3 * time.Second)
			health = e.ServiceHealth(ctx, result.SpriteName)
			if !health.Proxy || !health.Gateway {
				logger.Error().Str("sprite", result.SpriteName).Msg("services still unhealthy after restart")
				if err := e.watchdog.InstallWatchdog(ctx, result.SpriteName); err != nil {
					logger.Error().Err(err).Msg("watchdog install failed")
				}
				fixes = append(fixes,
					Entry{Type: string(FixServicesUnhealthy), Target: result.SpriteName},
					Entry{Type: string(FixWatchdogInstalled), Target: result.SpriteName})
			}
		}
	}

	username := task.Metadata.Username
	if username != "" {
		registered, err := e.router.Registered(ctx, username)
		if err != nil {
			logger.Warn().Err(err).Msg("mapping verification failed")
		} else if !registered {
			logger.Warn().Str("username", username).Msg("router mapping missing, re-posting")
			if ref, err := e.pool.Get(username); err == nil && ref != nil {
				if err := e.router.Register(ctx, username, ref.URL, ref.Name); err != nil {
					logger.Error().Err(err).Msg("mapping re-post failed")
				} else {
					fixes = append(fixes, Entry{Type: string(FixMappingFixed), Target: username})
				}
			}
		}
	}

	if !result.EmailSent {
		logger.Warn().Msg("welcome email may not have been sent")
		fixes = append(fixes, Entry{Type: string(FixEmailWarning), Action: "email_sent flag not set"})
	}
	return fixes
}

func (e *Engine) expandInBackground(target int) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := e.expander.ExpandTo(ctx, target); err != nil {
			e.logger.Error().Err(err).Msg("background pool expansion failed")
		}
	}()
}

func (e *Engine) appendPost(taskID string, entries []Entry) {
	if err := e.events.Append(taskID, PhasePost, entries); err != nil {
		e.logger.Error().Err(err).Msg("failed to record post-hook event")
	}
}

// ServiceHealth probes /pflaster/health on the sprite's proxy port
func (e *Engine) ServiceHealth(ctx context.Context, sprite string) ServiceHealth {
	result, err := e.client.Exec(ctx, sprite,
		"curl -sf http://localhost:8080/pflaster/health --max-time 5 2>/dev/null || echo HEALTH_FAIL",
		nil, 15*time.Second)
	if err != nil || strings.Contains(result.Output, "HEALTH_FAIL") {
		return ServiceHealth{}
	}
	var health ServiceHealth
	if err := json.Unmarshal([]byte(strings.TrimSpace(result.Output)), &health); err != nil {
		return ServiceHealth{}
	}
	return health
}

// RestartServices bounces the proxy and gateway services on a sprite
func (e *Engine) RestartServices(ctx context.Context, sprite string) {
	for _, svc := range []string{"arcamatrix-proxy", "openclaw-gateway"} {
		script := fmt.Sprintf("sprite-env service stop %s 2>/dev/null; sleep 1; sprite-env service start %s", svc, svc)
		if _, err := e.client.Exec(ctx, sprite, script, nil, 15*time.Second); err != nil {
			e.logger.Error().Err(err).Str("sprite", sprite).Str("service", svc).Msg("service restart failed")
		}
	}
}
