package provision

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// ExpandTarget is how many available sprites a background expansion
	// aims for; emergency creation makes exactly one.
	ExpandTarget = 5

	emergencyPrepareTimeout = 300 * time.Second
	expandPrepareTimeout    = 600 * time.Second
)

// Emergency synchronously creates and prepares one sprite so the current
// provisioning task can proceed against an empty pool.
func (h *Handlers) Emergency(ctx context.Context) error {
	names, err := h.pool.UnusedNames(1)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no unused sprite names left")
	}
	return h.createAndPrepare(ctx, names[0], emergencyPrepareTimeout)
}

// ExpandTo grows the pool until at least target sprites are available.
// Individual sprite failures are logged and skipped; the batch continues.
func (h *Handlers) ExpandTo(ctx context.Context, target int) error {
	status, err := h.pool.Status()
	if err != nil {
		return err
	}
	needed := target - status.Available
	if needed <= 0 {
		return nil
	}
	h.logger.Info().Int("available", status.Available).Int("needed", needed).Msg("expanding pool")

	names, err := h.pool.UnusedNames(needed)
	if err != nil {
		return err
	}

	created := 0
	for _, name := range names {
		if err := h.createAndPrepare(ctx, name, expandPrepareTimeout); err != nil {
			h.logger.Error().Err(err).Str("sprite", name).Msg("failed to prepare pool sprite")
			continue
		}
		created++
	}

	if status, err := h.pool.Status(); err == nil {
		h.logger.Info().Int("created", created).Int("available", status.Available).
			Int("total", status.Total).Msg("pool expansion done")
	}
	return nil
}

// ExpandInBackground runs ExpandTo in a goroutine tracked for shutdown
func (h *Handlers) ExpandInBackground(target int) {
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := h.ExpandTo(ctx, target); err != nil {
			h.logger.Error().Err(err).Msg("background pool expansion failed")
		}
	}()
}

// createAndPrepare creates the remote sprite, runs the preparation script
// and adds the result to the pool. Creation retries locally on transient
// transport failures.
func (h *Handlers) createAndPrepare(ctx context.Context, name string, prepareTimeout time.Duration) error {
	var spriteURL string
	create := func() error {
		url, err := h.client.Create(ctx, name)
		if err != nil {
			return err
		}
		spriteURL = url
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(create, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("failed to create sprite %s: %w", name, err)
	}

	if data, err := os.ReadFile(h.paths.PrepareScript); err == nil {
		if err := h.client.WriteFile(ctx, name, data, remotePrepareScript); err != nil {
			return fmt.Errorf("failed to upload prepare script to %s: %w", name, err)
		}
		h.logger.Info().Str("sprite", name).Msg("running preparation script")
		if _, err := h.client.Exec(ctx, name, "bash "+remotePrepareScript, nil, prepareTimeout); err != nil {
			return fmt.Errorf("prepare script failed on %s: %w", name, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read prepare script: %w", err)
	}

	if err := h.pool.Add(name, spriteURL); err != nil {
		return err
	}
	h.logger.Info().Str("sprite", name).Str("url", spriteURL).Msg("pool sprite ready")
	return nil
}
