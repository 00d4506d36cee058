package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arcamatrix/arcad/pkg/config"
	"github.com/arcamatrix/arcad/pkg/dispatcher"
	"github.com/arcamatrix/arcad/pkg/log"
	"github.com/arcamatrix/arcad/pkg/mailer"
	"github.com/arcamatrix/arcad/pkg/metrics"
	"github.com/arcamatrix/arcad/pkg/patch"
	"github.com/arcamatrix/arcad/pkg/pool"
	"github.com/arcamatrix/arcad/pkg/provision"
	"github.com/arcamatrix/arcad/pkg/reconciler"
	"github.com/arcamatrix/arcad/pkg/router"
	"github.com/arcamatrix/arcad/pkg/sprites"
	"github.com/arcamatrix/arcad/pkg/taskstore"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arcad",
	Short: "Arcad - Arcamatrix customer workspace provisioning agent",
	Long: `Arcad manages a pool of pre-created sprite workspaces and assigns
them to paying customers. It drains provisioning and recycling tasks from
the shared task store, orchestrates the remote Sprites control plane,
publishes customer routing and sends welcome emails.

Every task runs inside a self-healing pre/post envelope that patches the
environment before the task and fixes root causes after it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Arcad version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(tasksCmd)
	poolCmd.AddCommand(poolStatusCmd)
	tasksCmd.AddCommand(tasksListCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the provisioning agent loop",
	Long: `Run the agent: recover stuck tasks, then poll the task store every
30 seconds, executing provisioning and recycle tasks inside the patch
engine envelope. A health reconciler sweeps all sprites every 5 minutes.

Exits 0 on SIGTERM or interrupt after finishing the current task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		p, err := pool.New(cfg.PoolFile)
		if err != nil {
			return fmt.Errorf("failed to open pool: %v", err)
		}
		tasks, err := taskstore.New(cfg.TasksFile)
		if err != nil {
			return fmt.Errorf("failed to open task store: %v", err)
		}
		events, err := patch.OpenEventLog(cfg.PatchDB)
		if err != nil {
			return fmt.Errorf("failed to open patch log: %v", err)
		}
		defer events.Close()

		client := sprites.NewClient(cfg.SpritesAPIBase, cfg.SpritesToken)
		mapping := router.NewMapping(cfg.RepoDir, cfg.MiddlewareFile)
		admin := router.NewAdminClient(cfg.AdminAPIBase, cfg.AdminAPIKey)
		mail := mailer.New(cfg.MailAPIBase, cfg.MailAPIKey, cfg.MailFrom, cfg.CustomerDomain)

		handlers := provision.NewHandlers(p, client, mapping, admin, mail, provision.Paths{
			ProvisionScript: cfg.ProvisionScript,
			PrepareScript:   cfg.PrepareScript,
			CustomerUIFile:  cfg.CustomerUIFile,
			ProxyScript:     cfg.ProxyScript,
		}, cfg.CustomerDomain)

		recon := reconciler.New(p, client)
		engine := patch.NewEngine(p, tasks, client, mapping, admin, handlers, recon, events)

		if cfg.MetricsAddr != "" {
			go func() {
				if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
					log.Errorf("metrics listener failed", err)
				}
			}()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
		defer stop()

		return dispatcher.New(tasks, p, engine, handlers, recon).Run(ctx)
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the sprite pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := pool.New(cfg.PoolFile)
		if err != nil {
			return err
		}
		status, err := p.Status()
		if err != nil {
			return err
		}
		fmt.Printf("Total:     %d\n", status.Total)
		fmt.Printf("Available: %d\n", status.Available)
		fmt.Printf("Assigned:  %d\n", status.Assigned)
		if status.NeedsExpansion {
			fmt.Println("Pool needs expansion")
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the task store",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tasks, err := taskstore.New(cfg.TasksFile)
		if err != nil {
			return err
		}
		snapshot, err := tasks.Snapshot()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
