package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	AdminToken  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	PostgresDSN   string

	VisibilityTimeout  time.Duration
	WorkerPollInterval time.Duration
	WorkerConcurrency  int
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	JobRetention       time.Duration
	ScheduledBatchSize int
	AdapterTimeout     time.Duration
	AvgJobSeconds      int
	ResultLimit        int

	CacheTTL        time.Duration
	LocalCacheTTL   time.Duration
	LocalCacheSize  int
	CacheJanitorInt time.Duration

	FetchMaxRetries   int
	FetchInitialDelay time.Duration
	FetchMultiplier   float64
	FetchMaxDelay     time.Duration
	ProviderRPS       float64
	ProviderBurst     int

	ProviderBaseURL      string
	ProviderToken        string
	ProviderPollInterval time.Duration
	ProviderMaxPolls     int

	SearchQuotaCapacity int
	SearchQuotaRefill   float64
	RecrawlEnabled      bool
	RecrawlCapacity     int
	RecrawlRefill       float64
	RecrawlTicketTTL    time.Duration

	MediaArchiveEnabled bool
	MediaOutputDir      string
	MediaMaxBytes       int64
	MediaThumbWidth     int
	MediaS3Bucket       string
	MediaS3Region       string
	MediaS3Endpoint     string
	MediaS3PathStyle    bool
	MediaPublicBaseURL  string
}

// Load reads configuration from environment variables (and an optional CONFIG_FILE)
// with sane defaults for local development.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		Env:         v.GetString("app_env"),
		HTTPPort:    v.GetString("http_port"),
		MetricsAddr: v.GetString("metrics_addr"),
		AdminToken:  v.GetString("admin_token"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		KeyPrefix:     v.GetString("key_prefix"),
		PostgresDSN:   v.GetString("postgres_dsn"),

		VisibilityTimeout:  v.GetDuration("visibility_timeout"),
		WorkerPollInterval: v.GetDuration("worker_poll_interval"),
		WorkerConcurrency:  v.GetInt("worker_concurrency"),
		MaxAttempts:        v.GetInt("max_attempts"),
		BackoffInitial:     v.GetDuration("backoff_initial"),
		BackoffMax:         v.GetDuration("backoff_max"),
		JobRetention:       v.GetDuration("job_retention"),
		ScheduledBatchSize: v.GetInt("scheduled_batch_size"),
		AdapterTimeout:     v.GetDuration("adapter_timeout"),
		AvgJobSeconds:      v.GetInt("avg_job_seconds"),
		ResultLimit:        v.GetInt("result_limit"),

		CacheTTL:        v.GetDuration("cache_ttl"),
		LocalCacheTTL:   v.GetDuration("local_cache_ttl"),
		LocalCacheSize:  v.GetInt("local_cache_size"),
		CacheJanitorInt: v.GetDuration("cache_janitor_interval"),

		FetchMaxRetries:   v.GetInt("fetch_max_retries"),
		FetchInitialDelay: v.GetDuration("fetch_initial_delay"),
		FetchMultiplier:   v.GetFloat64("fetch_multiplier"),
		FetchMaxDelay:     v.GetDuration("fetch_max_delay"),
		ProviderRPS:       v.GetFloat64("provider_rps"),
		ProviderBurst:     v.GetInt("provider_burst"),

		ProviderBaseURL:      v.GetString("provider_base_url"),
		ProviderToken:        v.GetString("provider_token"),
		ProviderPollInterval: v.GetDuration("provider_poll_interval"),
		ProviderMaxPolls:     v.GetInt("provider_max_polls"),

		SearchQuotaCapacity: v.GetInt("search_quota_capacity"),
		SearchQuotaRefill:   v.GetFloat64("search_quota_refill_per_sec"),
		RecrawlEnabled:      v.GetBool("recrawl_enabled"),
		RecrawlCapacity:     v.GetInt("recrawl_rate_capacity"),
		RecrawlRefill:       v.GetFloat64("recrawl_rate_refill_per_sec"),
		RecrawlTicketTTL:    v.GetDuration("recrawl_ticket_ttl"),

		MediaArchiveEnabled: v.GetBool("media_archive_enabled"),
		MediaOutputDir:      v.GetString("media_output_dir"),
		MediaMaxBytes:       v.GetInt64("media_max_bytes"),
		MediaThumbWidth:     v.GetInt("media_thumb_width"),
		MediaS3Bucket:       v.GetString("media_s3_bucket"),
		MediaS3Region:       v.GetString("media_s3_region"),
		MediaS3Endpoint:     v.GetString("media_s3_endpoint"),
		MediaS3PathStyle:    v.GetBool("media_s3_path_style"),
		MediaPublicBaseURL:  strings.TrimRight(v.GetString("media_public_base_url"), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "dev")
	v.SetDefault("http_port", "8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("admin_token", "")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("key_prefix", "vs:")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("visibility_timeout", 5*time.Minute)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("backoff_initial", 2*time.Second)
	v.SetDefault("backoff_max", 5*time.Minute)
	v.SetDefault("job_retention", time.Hour)
	v.SetDefault("scheduled_batch_size", 100)
	v.SetDefault("adapter_timeout", 3*time.Minute)
	v.SetDefault("avg_job_seconds", 45)
	v.SetDefault("result_limit", 50)
	v.SetDefault("cache_ttl", 30*time.Minute)
	v.SetDefault("local_cache_ttl", 5*time.Minute)
	v.SetDefault("local_cache_size", 1000)
	v.SetDefault("cache_janitor_interval", time.Minute)
	v.SetDefault("fetch_max_retries", 3)
	v.SetDefault("fetch_initial_delay", time.Second)
	v.SetDefault("fetch_multiplier", 2.0)
	v.SetDefault("fetch_max_delay", 30*time.Second)
	v.SetDefault("provider_rps", 5.0)
	v.SetDefault("provider_burst", 5)
	v.SetDefault("provider_base_url", "https://api.apify.com/v2")
	v.SetDefault("provider_token", "")
	v.SetDefault("provider_poll_interval", 3*time.Second)
	v.SetDefault("provider_max_polls", 40)
	v.SetDefault("search_quota_capacity", 100)
	v.SetDefault("search_quota_refill_per_sec", 100.0/86400.0)
	v.SetDefault("recrawl_enabled", true)
	v.SetDefault("recrawl_rate_capacity", 5)
	v.SetDefault("recrawl_rate_refill_per_sec", 5.0/3600.0)
	v.SetDefault("recrawl_ticket_ttl", 30*time.Minute)
	v.SetDefault("media_archive_enabled", false)
	v.SetDefault("media_output_dir", "./media")
	v.SetDefault("media_max_bytes", 10*1024*1024)
	v.SetDefault("media_thumb_width", 480)
	v.SetDefault("media_s3_bucket", "")
	v.SetDefault("media_s3_region", "us-east-1")
	v.SetDefault("media_s3_endpoint", "")
	v.SetDefault("media_s3_path_style", false)
	v.SetDefault("media_public_base_url", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR must be set")
	}
	if c.WorkerConcurrency <= 0 {
		return errors.New("WORKER_CONCURRENCY must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("MAX_ATTEMPTS must be > 0")
	}
	if c.LocalCacheTTL > c.CacheTTL {
		return errors.New("LOCAL_CACHE_TTL must not exceed CACHE_TTL")
	}
	if c.FetchMultiplier < 1 {
		return errors.New("FETCH_MULTIPLIER must be >= 1")
	}
	if c.AdapterTimeout >= c.VisibilityTimeout {
		return errors.New("ADAPTER_TIMEOUT must be shorter than VISIBILITY_TIMEOUT")
	}
	return nil
}
