package reconciler

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// watchdogScript restarts the customer services when their processes die.
// Cron runs it every two minutes; restarts are appended to a log on the
// sprite.
const watchdogScript = `#!/bin/bash
# watchdog - restarts crashed services
if ! pgrep -f "node.*proxy.js" > /dev/null 2>&1; then
  cd /home/sprite && sprite-env service start arcamatrix-proxy 2>/dev/null
  echo "[$(date -u +%FT%TZ)] watchdog: restarted proxy" >> /home/sprite/watchdog.log
fi
if ! pgrep -f "openclaw" > /dev/null 2>&1; then
  cd /home/sprite && sprite-env service start openclaw-gateway 2>/dev/null
  echo "[$(date -u +%FT%TZ)] watchdog: restarted gateway" >> /home/sprite/watchdog.log
fi
`

const watchdogCron = "*/2 * * * * /home/sprite/watchdog.sh"

// InstallWatchdog writes the watchdog script to the sprite and registers
// the crontab entry. Satisfies the patch engine's WatchdogInstaller.
func (r *Reconciler) InstallWatchdog(ctx context.Context, sprite string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(watchdogScript))
	install := fmt.Sprintf("echo '%s' | base64 -d > /home/sprite/watchdog.sh && chmod +x /home/sprite/watchdog.sh", encoded)
	if _, err := r.client.Exec(ctx, sprite, install, nil, 10*time.Second); err != nil {
		return fmt.Errorf("failed to install watchdog on %s: %w", sprite, err)
	}

	cron := fmt.Sprintf("( crontab -l 2>/dev/null | grep -v watchdog; echo '%s' ) | crontab -", watchdogCron)
	if _, err := r.client.Exec(ctx, sprite, cron, nil, 10*time.Second); err != nil {
		return fmt.Errorf("failed to register watchdog cron on %s: %w", sprite, err)
	}
	r.logger.Info().Str("sprite", sprite).Msg("watchdog installed")
	return nil
}
