// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pagesnap/pagesnap/internal/snap"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	DB       DBConfig       `mapstructure:"db"`
	Data     DataConfig     `mapstructure:"data"`
	Renderer RendererConfig `mapstructure:"renderer"`
	Queues   QueueConfig    `mapstructure:"queues"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	SiteCron SiteCronConfig `mapstructure:"site_cron"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig selects and configures the durable store backend.
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// DataConfig sets paths and URLs for content persistence.
type DataConfig struct {
	Dir    string `mapstructure:"dir"`
	AppURL string `mapstructure:"app_url"`
}

// RendererConfig configures the headless rendering subsystem.
type RendererConfig struct {
	MaxParallel int     `mapstructure:"max_parallel"`
	UserAgent   string  `mapstructure:"user_agent"`
	DomainQPS   float64 `mapstructure:"domain_qps"`
	ExecPath    string  `mapstructure:"exec_path"`
	IdleMs      int     `mapstructure:"idle_ms"`
}

// IdleTime is how long the network must stay quiet before a page is
// considered settled.
func (r RendererConfig) IdleTime() time.Duration {
	return time.Duration(r.IdleMs) * time.Millisecond
}

// QueueConfig sets per-queue concurrency limits and the claim poll
// interval. Render jobs are resource-heavy, so limits default low.
type QueueConfig struct {
	URLCrawler  int `mapstructure:"url_crawler"`
	SyncCrawler int `mapstructure:"sync_crawler"`
	CodeCrawler int `mapstructure:"code_crawler"`
	CronJobs    int `mapstructure:"cron_jobs"`
	PollMs      int `mapstructure:"poll_ms"`
}

// PollInterval returns how often each dispatcher polls for due jobs.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollMs) * time.Millisecond
}

// Concurrency returns the limit for the named queue.
func (q QueueConfig) Concurrency(queue snap.Queue) int {
	var n int
	switch queue {
	case snap.QueueURLCrawler:
		n = q.URLCrawler
	case snap.QueueSyncCrawler:
		n = q.SyncCrawler
	case snap.QueueCodeCrawler:
		n = q.CodeCrawler
	case snap.QueueCronJobs:
		n = q.CronJobs
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// CrawlerConfig holds globals merged into every render job.
type CrawlerConfig struct {
	Cookies      []snap.Cookie           `mapstructure:"cookies"`
	LocalStorage []snap.LocalStorageItem `mapstructure:"local_storage"`
}

// SiteConfig describes one site crawled from its sitemap.
type SiteConfig struct {
	URL      string `mapstructure:"url"`
	Pathname string `mapstructure:"pathname"`
	// IntervalDays is the minimum re-crawl interval per URL.
	IntervalDays float64 `mapstructure:"interval_days"`
}

// Interval converts the configured day count to a duration.
func (s SiteConfig) Interval() time.Duration {
	return time.Duration(s.IntervalDays * 24 * float64(time.Hour))
}

// SiteCronConfig governs the sitemap re-crawl scheduler.
type SiteCronConfig struct {
	Enabled            bool         `mapstructure:"enabled"`
	Schedule           string       `mapstructure:"schedule"`
	RunOnInit          bool         `mapstructure:"run_on_init"`
	SitemapConcurrency int          `mapstructure:"sitemap_concurrency"`
	CrawlConcurrency   int          `mapstructure:"crawl_concurrency"`
	Sites              []SiteConfig `mapstructure:"sites"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.app_url", "http://localhost:8080")
	v.SetDefault("renderer.max_parallel", 2)
	v.SetDefault("renderer.user_agent", "pagesnap-renderer/1.0")
	v.SetDefault("renderer.domain_qps", 1.0)
	v.SetDefault("renderer.idle_ms", 1500)
	v.SetDefault("queues.url_crawler", 2)
	v.SetDefault("queues.sync_crawler", 2)
	v.SetDefault("queues.code_crawler", 1)
	v.SetDefault("queues.cron_jobs", 1)
	v.SetDefault("queues.poll_ms", 500)
	v.SetDefault("site_cron.enabled", false)
	v.SetDefault("site_cron.schedule", "0 3 * * *")
	v.SetDefault("site_cron.sitemap_concurrency", 30)
	v.SetDefault("site_cron.crawl_concurrency", 3)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	default:
		return fmt.Errorf("unknown db.driver: %s", c.DB.Driver)
	}
	if c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must be set")
	}
	for _, site := range c.SiteCron.Sites {
		if site.URL == "" {
			return fmt.Errorf("site_cron.sites entries need a url")
		}
		if _, err := regexp.Compile(site.Pathname); err != nil {
			return fmt.Errorf("site_cron pathname %q: %w", site.Pathname, err)
		}
	}
	return nil
}
