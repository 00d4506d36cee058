package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the immutable agent configuration, constructed once at startup
// and threaded into every component. Credentials come from the environment;
// everything else has defaults that an optional YAML file can override.
type Config struct {
	// Remote control plane
	SpritesAPIBase string `yaml:"sprites_api_base"`
	SpritesToken   string `yaml:"-"`

	// Router admin REST surface
	AdminAPIBase string `yaml:"admin_api_base"`
	AdminAPIKey  string `yaml:"-"`

	// Transactional mail
	MailAPIBase string `yaml:"mail_api_base"`
	MailAPIKey  string `yaml:"-"`
	MailFrom    string `yaml:"mail_from"`

	// Shared state files
	PoolFile  string `yaml:"pool_file"`
	TasksFile string `yaml:"tasks_file"`
	PatchDB   string `yaml:"patch_db"`

	// Router repository (git working tree)
	RepoDir        string `yaml:"repo_dir"`
	MiddlewareFile string `yaml:"middleware_file"`

	// Scripts uploaded to sprites
	ProvisionScript string `yaml:"provision_script"`
	PrepareScript   string `yaml:"prepare_script"`
	CustomerUIFile  string `yaml:"customer_ui_file"`
	ProxyScript     string `yaml:"proxy_script"`

	// Customer-facing domain, e.g. username.<CustomerDomain>
	CustomerDomain string `yaml:"customer_domain"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Default returns the built-in configuration matching the production layout
func Default() *Config {
	return &Config{
		SpritesAPIBase:  "https://api.sprites.dev/v1",
		AdminAPIBase:    "https://arcamatrix.com/api",
		MailAPIBase:     "https://api.resend.com",
		MailFrom:        "Arcamatrix <onboarding@arcamatrix.com>",
		PoolFile:        "/home/sprite/blackboard/sprite_pool.json",
		TasksFile:       "/home/sprite/blackboard/tasks.json",
		PatchDB:         "/home/sprite/blackboard/patch_log.db",
		RepoDir:         "/home/sprite/arcamatrix",
		MiddlewareFile:  "src/middleware.ts",
		ProvisionScript: "/home/sprite/provision_customer.sh",
		PrepareScript:   "/home/sprite/prepare_pool_sprite.sh",
		CustomerUIFile:  "/home/sprite/arcamatrix-ui.html",
		ProxyScript:     "/home/sprite/proxy.js",
		CustomerDomain:  "arcamatrix.com",
		MetricsAddr:     "127.0.0.1:9464",
		LogLevel:        "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment credentials. Credentials are read exactly once here.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.SpritesToken = os.Getenv("SPRITES_TOKEN")
	cfg.AdminAPIKey = os.Getenv("ADMIN_API_KEY")
	cfg.MailAPIKey = os.Getenv("RESEND_API_KEY")

	return cfg, nil
}

// Validate checks that the credentials required for remote calls are present
func (c *Config) Validate() error {
	if c.SpritesToken == "" {
		return fmt.Errorf("SPRITES_TOKEN not set")
	}
	if c.SpritesAPIBase == "" {
		return fmt.Errorf("sprites_api_base is empty")
	}
	return nil
}
