package provision

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcamatrix/arcad/pkg/log"
	"github.com/arcamatrix/arcad/pkg/mailer"
	"github.com/arcamatrix/arcad/pkg/pool"
	"github.com/arcamatrix/arcad/pkg/router"
	"github.com/arcamatrix/arcad/pkg/sprites"
	"github.com/arcamatrix/arcad/pkg/types"
)

// Remote paths on a sprite
const (
	remoteProvisionScript = "/home/sprite/provision_customer.sh"
	remotePrepareScript   = "/home/sprite/prepare_pool_sprite.sh"
	remoteCustomerUI      = "/home/sprite/custom-ui/index.html"
	remoteProxyScript     = "/home/sprite/proxy.js"
)

// Remote service names managed on a sprite
const (
	ServiceGateway = "openclaw-gateway"
	ServiceProxy   = "arcamatrix-proxy"
)

// Paths carries the local artifacts uploaded to sprites
type Paths struct {
	ProvisionScript string
	PrepareScript   string
	CustomerUIFile  string
	ProxyScript     string
}

// Handlers implements the provisioning, recycling and pool-expansion
// operations, composed from the pool, the sprites client, the router and
// the mailer. Handlers never return an error: failures are folded into the
// task result so the dispatcher can write terminal status from one flag.
type Handlers struct {
	pool           *pool.Pool
	client         *sprites.Client
	mapping        *router.Mapping
	admin          *router.AdminClient
	mailer         *mailer.Mailer
	paths          Paths
	customerDomain string
	logger         zerolog.Logger
	bg             sync.WaitGroup
}

// NewHandlers wires the domain handlers
func NewHandlers(p *pool.Pool, client *sprites.Client, mapping *router.Mapping,
	admin *router.AdminClient, m *mailer.Mailer, paths Paths, customerDomain string) *Handlers {
	return &Handlers{
		pool:           p,
		client:         client,
		mapping:        mapping,
		admin:          admin,
		mailer:         m,
		paths:          paths,
		customerDomain: customerDomain,
		logger:         log.WithComponent("provision"),
	}
}

// Wait blocks until background expansions finish
func (h *Handlers) Wait() {
	h.bg.Wait()
}

// Provision assigns a pool sprite to the customer, installs their software,
// publishes routing and sends the welcome email. Any failure after a sprite
// was assigned triggers best-effort teardown and release.
func (h *Handlers) Provision(ctx context.Context, task *types.Task) *types.TaskResult {
	meta := &task.Metadata
	logger := h.logger.With().Str("task_id", task.ID).Str("username", meta.Username).Logger()
	logger.Info().Str("email", meta.CustomerEmail).Strs("skills", meta.Skills).Msg("provisioning customer")

	ref, err := h.pool.Assign(meta.Username, meta.CustomerEmail, meta.CustomerName)
	if err != nil {
		return &types.TaskResult{Success: false, Error: err.Error()}
	}
	logger.Info().Str("sprite", ref.Name).Str("url", ref.URL).Msg("sprite assigned")

	middlewareOK := false
	fail := func(err error) *types.TaskResult {
		logger.Error().Err(err).Msg("provisioning failed, tearing down")
		h.teardown(ctx, ref.Name, meta.Username, middlewareOK)
		if _, relErr := h.pool.Release(meta.Username); relErr != nil {
			logger.Error().Err(relErr).Msg("failed to release sprite after teardown")
		}
		return &types.TaskResult{Success: false, Error: err.Error()}
	}

	if err := h.uploadLocal(ctx, ref.Name, h.paths.ProvisionScript, remoteProvisionScript, true); err != nil {
		return fail(err)
	}
	if err := h.uploadLocal(ctx, ref.Name, h.paths.CustomerUIFile, remoteCustomerUI, false); err != nil {
		return fail(err)
	}
	if err := h.uploadLocal(ctx, ref.Name, h.paths.ProxyScript, remoteProxyScript, false); err != nil {
		return fail(err)
	}

	env := map[string]string{
		"CUSTOMER_NAME":  meta.CustomerName,
		"CUSTOMER_EMAIL": meta.CustomerEmail,
		"USERNAME":       meta.Username,
		"GATEWAY_TOKEN":  meta.Token(),
		"SKILLS":         strings.Join(meta.Skills, ","),
		"SPRITE_URL":     ref.URL,
	}
	if _, err := h.client.Exec(ctx, ref.Name, "bash "+remoteProvisionScript, env, 120*time.Second); err != nil {
		return fail(fmt.Errorf("provision script failed: %w", err))
	}
	logger.Info().Msg("provision script completed")

	if err := h.mapping.Add(ctx, meta.Username, ref.URL); err != nil {
		logger.Error().Err(err).Msg("middleware mapping update failed")
	} else {
		middlewareOK = true
	}

	// Backup registration for the router's hot path
	if err := h.admin.Register(ctx, meta.Username, ref.URL, ref.Name); err != nil {
		logger.Warn().Err(err).Msg("admin mapping registration failed")
	}

	emailOK := h.mailer.SendWelcome(ctx, meta.CustomerEmail, meta.CustomerName, meta.Username, meta.Skills)

	if status, err := h.pool.Status(); err == nil && status.NeedsExpansion {
		h.ExpandInBackground(ExpandTarget)
	}

	return &types.TaskResult{
		Success:           true,
		SpriteName:        ref.Name,
		SpriteURL:         fmt.Sprintf("https://%s.%s", meta.Username, h.customerDomain),
		SpriteInternalURL: ref.URL,
		Username:          meta.Username,
		MiddlewareUpdated: middlewareOK,
		EmailSent:         emailOK,
		Message:           "Provisioning completed",
	}
}

// uploadLocal pushes a local file to the sprite. Optional files that do not
// exist locally are skipped.
func (h *Handlers) uploadLocal(ctx context.Context, sprite, localPath, remotePath string, required bool) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return h.client.WriteFile(ctx, sprite, data, remotePath)
}

// teardown removes the customer services and rolls back routing after a
// failed provisioning run. Best effort throughout.
func (h *Handlers) teardown(ctx context.Context, sprite, username string, middlewareOK bool) {
	for _, svc := range []string{ServiceGateway, ServiceProxy} {
		script := fmt.Sprintf("sprite-env services delete %s || true", svc)
		if _, err := h.client.Exec(ctx, sprite, script, nil, 15*time.Second); err != nil {
			h.logger.Warn().Err(err).Str("service", svc).Msg("teardown service delete failed")
		}
	}
	if middlewareOK {
		if err := h.mapping.Remove(ctx, username); err != nil {
			h.logger.Warn().Err(err).Msg("teardown mapping rollback failed")
		}
	}
}

// recycleCleanup are the customer files scrubbed from a sprite on recycle.
// The base software install stays in place for the next customer.
var recycleCleanup = []string{
	"rm -f /home/sprite/custom-ui/config.json",
	"rm -f /home/sprite/custom-ui/index.html",
	"rm -f /home/sprite/provision_customer.sh",
	"rm -f /home/sprite/proxy.js",
	"rm -f /home/sprite/run_proxy.sh",
	"rm -f /home/sprite/run_gateway.sh",
	"rm -rf /home/sprite/.openclaw/openclaw.json",
	"rm -rf /home/sprite/.openclaw/workspaces",
	"pkill -f 'openclaw' || true",
	"pkill -f 'proxy.js' || true",
}

// Recycle cuts customer routing, stops their services, scrubs their data
// and returns the sprite to the pool. Routing is removed first so customer
// traffic dies before anything else changes. Missing mappings and stopped
// services are not errors.
func (h *Handlers) Recycle(ctx context.Context, task *types.Task) *types.TaskResult {
	username := task.Metadata.Username
	logger := h.logger.With().Str("task_id", task.ID).Str("username", username).Logger()
	logger.Info().Msg("recycling sprite")

	ref, err := h.pool.Get(username)
	if err != nil {
		return &types.TaskResult{Success: false, Error: err.Error()}
	}
	if ref == nil {
		return &types.TaskResult{Success: false, Error: "No sprite assigned"}
	}

	if err := h.mapping.Remove(ctx, username); err != nil {
		logger.Warn().Err(err).Msg("middleware mapping removal failed, continuing")
	}
	if err := h.admin.Unregister(ctx, username); err != nil {
		logger.Warn().Err(err).Msg("admin mapping removal failed, continuing")
	}

	for _, svc := range []string{ServiceGateway, ServiceProxy} {
		if _, err := h.client.Exec(ctx, ref.Name, "sprite-env services delete "+svc, nil, 30*time.Second); err != nil {
			logger.Warn().Err(err).Str("service", svc).Msg("service delete failed, continuing")
		}
	}

	for _, cmd := range recycleCleanup {
		if _, err := h.client.Exec(ctx, ref.Name, cmd, nil, 15*time.Second); err != nil {
			logger.Warn().Err(err).Str("cmd", cmd).Msg("cleanup command failed, continuing")
		}
	}

	if _, err := h.pool.Release(username); err != nil {
		return &types.TaskResult{Success: false, Error: fmt.Sprintf("failed to release sprite: %v", err)}
	}
	logger.Info().Str("sprite", ref.Name).Msg("sprite recycled and returned to pool")
	return &types.TaskResult{Success: true, SpriteName: ref.Name}
}
