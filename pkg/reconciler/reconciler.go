package reconciler

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
	"github.com/arcamatrix/arcad/pkg/metrics"
	"github.com/arcamatrix/arcad/pkg/pool"
	"github.com/arcamatrix/arcad/pkg/provision"
	"github.com/arcamatrix/arcad/pkg/sprites"
	"github.com/arcamatrix/arcad/pkg/types"
)

// Ports the customer services bind on a sprite
const (
	proxyPort   = ":8080"
	gatewayPort = ":3001"
)

// Reconciler ensures assigned sprites actually run their services and
// probes unreachable sprites back to life. The dispatcher invokes one
// Reconcile sweep on a fixed cadence.
type Reconciler struct {
	pool   *pool.Pool
	client *sprites.Client
	logger zerolog.Logger
}

// New creates a reconciler
func New(p *pool.Pool, client *sprites.Client) *Reconciler {
	return &Reconciler{
		pool:   p,
		client: client,
		logger: log.WithComponent("reconciler"),
	}
}

// Reconcile performs one health sweep over the whole pool
func (r *Reconciler) Reconcile(ctx context.Context) error {
	metrics.ReconcileCyclesTotal.Inc()

	state, err := r.pool.Snapshot()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(state.Sprites))
	for name := range state.Sprites {
		names = append(names, name)
	}
	sort.Strings(names)

	issues := 0
	for _, name := range names {
		sprite := state.Sprites[name]
		switch sprite.Status {
		case types.SpriteStatusUnreachable:
			r.probeUnreachable(ctx, name)
		case types.SpriteStatusAssigned:
			if !r.checkAssigned(ctx, name, sprite.AssignedTo) {
				issues++
			}
		}
	}

	if status, err := r.pool.Status(); err == nil {
		metrics.SetPoolGauges(status.Total, status.Available, status.Assigned)
	}
	if issues == 0 {
		r.logger.Info().Msg("health check: all sprites ok")
	}
	return nil
}

// probeUnreachable runs a trivial echo; success returns the sprite to the
// available pool.
func (r *Reconciler) probeUnreachable(ctx context.Context, name string) {
	result, err := r.client.Exec(ctx, name, "echo ok", nil, 10*time.Second)
	if err != nil || strings.TrimSpace(result.Output) != "ok" {
		return
	}
	recovered, err := r.pool.TryRecover(name)
	if err != nil {
		r.logger.Error().Err(err).Str("sprite", name).Msg("failed to recover sprite")
		return
	}
	if recovered {
		r.logger.Info().Str("sprite", name).Msg("recovered: sprite is reachable again")
	}
}

// checkAssigned verifies the proxy and gateway listeners and restarts
// whichever is missing. Returns false when the sprite needed attention.
func (r *Reconciler) checkAssigned(ctx context.Context, name, username string) bool {
	logger := r.logger.With().Str("sprite", name).Str("username", username).Logger()

	result, err := r.client.Exec(ctx, name, "ss -tlnp", nil, 15*time.Second)
	if err != nil {
		logger.Warn().Err(err).Msg("health warning: sprite unreachable")
		return false
	}

	hasProxy := strings.Contains(result.Output, proxyPort)
	hasGateway := strings.Contains(result.Output, gatewayPort)
	if hasProxy && hasGateway {
		return true
	}

	if !hasGateway {
		logger.Warn().Msg("gateway not listening, restarting")
		r.restartService(ctx, name, provision.ServiceGateway)
	}
	if !hasProxy {
		logger.Warn().Msg("proxy not listening, restarting")
		r.restartService(ctx, name, provision.ServiceProxy)
	}
	return false
}

func (r *Reconciler) restartService(ctx context.Context, sprite, service string) {
	metrics.ServiceRestartsTotal.WithLabelValues(service).Inc()
	if _, err := r.client.Exec(ctx, sprite, "sprite-env services start "+service, nil, 15*time.Second); err != nil {
		r.logger.Error().Err(err).Str("sprite", sprite).Str("service", service).Msg("failed to restart service")
		return
	}
	r.logger.Info().Str("sprite", sprite).Str("service", service).Msg("restarted service")
}
