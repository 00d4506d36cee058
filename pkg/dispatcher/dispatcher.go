package dispatcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
	"github.com/arcamatrix/arcad/pkg/metrics"
	"github.com/arcamatrix/arcad/pkg/patch"
	"github.com/arcamatrix/arcad/pkg/pool"
	"github.com/arcamatrix/arcad/pkg/provision"
	"github.com/arcamatrix/arcad/pkg/reconciler"
	"github.com/arcamatrix/arcad/pkg/taskstore"
	"github.com/arcamatrix/arcad/pkg/types"
)

const (
	// PollInterval is the sleep between dispatch iterations
	PollInterval = 30 * time.Second

	// reconcileEvery counts iterations between health sweeps (10 * 30s = 5min)
	reconcileEvery = 10

	// taskTimeout bounds a single task run, covering the slowest path
	// (emergency creation plus a full prepare script)
	taskTimeout = 30 * time.Minute
)

// Dispatcher is the agent's single-threaded main loop: it claims pending
// tasks, executes them inside the patch engine's envelope, records the
// terminal result and periodically runs the health reconciler. Tasks are
// never run in parallel; the shared file-locked stores rely on that.
type Dispatcher struct {
	tasks    *taskstore.Store
	pool     *pool.Pool
	engine   *patch.Engine
	handlers *provision.Handlers
	recon    *reconciler.Reconciler
	interval time.Duration
	logger   zerolog.Logger
}

// New wires the dispatcher
func New(tasks *taskstore.Store, p *pool.Pool, engine *patch.Engine,
	handlers *provision.Handlers, recon *reconciler.Reconciler) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		pool:     p,
		engine:   engine,
		handlers: handlers,
		recon:    recon,
		interval: PollInterval,
		logger:   log.WithComponent("dispatcher"),
	}
}

// Run executes the main loop until the context is cancelled. The current
// task always finishes before shutdown; its terminal status write is the
// commit point.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.interval).Int("pool_min", pool.MinAvailable).
		Msg("provisioning agent started")

	recovered, err := d.tasks.Recover(d.pool)
	if err != nil {
		d.logger.Error().Err(err).Msg("crash recovery failed")
	} else if recovered > 0 {
		d.logger.Info().Int("tasks", recovered).Msg("recovered stuck tasks")
	} else {
		d.logger.Info().Msg("no stuck tasks found")
	}

	counter := 0
	for {
		counter++
		if counter%reconcileEvery == 0 {
			if err := d.recon.Reconcile(ctx); err != nil {
				d.logger.Error().Err(err).Msg("health reconcile failed")
			}
		}

		d.drain(ctx, types.TaskTypeProvisioning, d.handlers.Provision)
		d.drain(ctx, types.TaskTypeRecycle, d.handlers.Recycle)

		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-time.After(d.interval):
		}
	}
}

// drain claims and executes every pending task of one kind. A cancelled
// context stops between tasks, never mid-task.
func (d *Dispatcher) drain(ctx context.Context, kind types.TaskType, handler patch.Handler) {
	pending, err := d.tasks.ListPending(kind)
	if err != nil {
		d.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to list pending tasks")
		return
	}

	for _, task := range pending {
		if ctx.Err() != nil {
			return
		}
		d.execute(task, handler)
	}
}

// execute runs one claimed task to completion on its own context, detached
// from the shutdown signal. A SIGTERM arriving mid-task must never cancel
// the task's remote calls; it stops the loop at the next between-task
// checkpoint in drain.
func (d *Dispatcher) execute(task *types.Task, handler patch.Handler) {
	logger := d.logger.With().Str("task_id", task.ID).Logger()
	logger.Info().Msg("processing task")

	if err := d.tasks.Update(task.ID, types.TaskStatusInProgress, nil); err != nil {
		logger.Error().Err(err).Msg("failed to claim task")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	start := time.Now()
	result := d.engine.Wrap(ctx, handler, task)
	metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	status := types.TaskStatusCompleted
	if result == nil || !result.Success {
		status = types.TaskStatusFailed
	}
	if err := d.tasks.Update(task.ID, status, result); err != nil {
		logger.Error().Err(err).Msg("failed to record task result")
		return
	}
	metrics.TasksProcessedTotal.WithLabelValues(string(task.Type), string(status)).Inc()
	logger.Info().Str("status", string(status)).Msg("task finished")
}

// shutdown waits for background expansions before exiting cleanly
func (d *Dispatcher) shutdown() error {
	d.logger.Info().Msg("shutdown requested, waiting for background work")
	d.handlers.Wait()
	d.engine.Wait()
	d.logger.Info().Msg("agent stopped")
	return nil
}
