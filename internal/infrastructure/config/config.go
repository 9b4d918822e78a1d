package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Sites     []SiteConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Buffer    BufferConfig
	Sync      SyncConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
	// SiteCode is the code of the site this instance runs at
	SiteCode string
}

// SiteConfig is one row of the site table. The table is closed: every
// deployed site must appear here with a unique code and tag.
type SiteConfig struct {
	Code string `mapstructure:"code"`
	Tag  uint8  `mapstructure:"tag"`
	Name string `mapstructure:"name"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// LedgerConfig holds central ledger service connection settings
type LedgerConfig struct {
	BaseURL string
	Timeout time.Duration
	// ProbeInterval is how often the health probe pings the ledger
	ProbeInterval time.Duration
	// ProbeFailureThreshold is how many consecutive ping failures flip the
	// probe to unhealthy
	ProbeFailureThreshold int
}

// BufferConfig holds operation buffer settings
type BufferConfig struct {
	// PerSiteCapacity is the Pending ceiling per site; 0 means unbounded
	PerSiteCapacity int64
	// MaxAttempts is the delivery-attempt ceiling before an operation is
	// frozen for operator inspection
	MaxAttempts int
}

// SyncConfig holds sync engine settings
type SyncConfig struct {
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	DrainTimeout time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	TrustedProxies    []string
	CORSAllowOrigins  []string
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // 0.0-1.0, 1.0 = 100%
	ServiceName       string
	Insecure          bool // non-TLS connection (development only)
	MetricInterval    time.Duration
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with LOGISTICS_ prefix (e.g., LOGISTICS_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("LOGISTICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Env:      v.GetString("app.env"),
			Port:     v.GetString("app.port"),
			SiteCode: v.GetString("app.site_code"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Ledger: LedgerConfig{
			BaseURL:               v.GetString("ledger.base_url"),
			Timeout:               v.GetDuration("ledger.timeout"),
			ProbeInterval:         v.GetDuration("ledger.probe_interval"),
			ProbeFailureThreshold: v.GetInt("ledger.probe_failure_threshold"),
		},
		Buffer: BufferConfig{
			PerSiteCapacity: v.GetInt64("buffer.per_site_capacity"),
			MaxAttempts:     v.GetInt("buffer.max_attempts"),
		},
		Sync: SyncConfig{
			PollInterval: v.GetDuration("sync.poll_interval"),
			BackoffBase:  v.GetDuration("sync.backoff_base"),
			BackoffMax:   v.GetDuration("sync.backoff_max"),
			DrainTimeout: v.GetDuration("sync.drain_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricInterval:    v.GetDuration("telemetry.metric_interval"),
		},
	}

	if err := v.UnmarshalKey("sites", &cfg.Sites); err != nil {
		return nil, fmt.Errorf("error parsing site table: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "logistics-sync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "logistics"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Ledger.BaseURL == "" {
		cfg.Ledger.BaseURL = "http://localhost:9090"
	}
	if cfg.Ledger.Timeout == 0 {
		cfg.Ledger.Timeout = 30 * time.Second
	}
	if cfg.Ledger.ProbeInterval == 0 {
		cfg.Ledger.ProbeInterval = 10 * time.Second
	}
	if cfg.Ledger.ProbeFailureThreshold == 0 {
		cfg.Ledger.ProbeFailureThreshold = 3
	}
	if cfg.Buffer.PerSiteCapacity == 0 {
		cfg.Buffer.PerSiteCapacity = 100000
	}
	if cfg.Buffer.MaxAttempts == 0 {
		cfg.Buffer.MaxAttempts = 5
	}
	if cfg.Sync.PollInterval == 0 {
		cfg.Sync.PollInterval = 5 * time.Second
	}
	if cfg.Sync.BackoffBase == 0 {
		cfg.Sync.BackoffBase = time.Second
	}
	if cfg.Sync.BackoffMax == 0 {
		cfg.Sync.BackoffMax = 5 * time.Minute
	}
	if cfg.Sync.DrainTimeout == 0 {
		cfg.Sync.DrainTimeout = 30 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 100
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "logistics-sync"
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = 30 * time.Second
	}
}

// validate performs validation on the configuration. The site table fails
// closed: a malformed table stops startup rather than degrading.
func (c *Config) validate() error {
	codes := make(map[string]bool, len(c.Sites))
	tags := make(map[uint8]bool, len(c.Sites))
	ownSiteKnown := false
	for _, s := range c.Sites {
		if s.Code == "" {
			return fmt.Errorf("site table: empty site code")
		}
		if s.Tag == 0 {
			return fmt.Errorf("site table: tag 0 is reserved (site %s)", s.Code)
		}
		if codes[s.Code] {
			return fmt.Errorf("site table: duplicate site code %s", s.Code)
		}
		if tags[s.Tag] {
			return fmt.Errorf("site table: duplicate site tag %d", s.Tag)
		}
		codes[s.Code] = true
		tags[s.Tag] = true
		if s.Code == c.App.SiteCode {
			ownSiteKnown = true
		}
	}
	if c.App.SiteCode != "" && !ownSiteKnown {
		return fmt.Errorf("app.site_code %q is not in the site table", c.App.SiteCode)
	}

	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Buffer.PerSiteCapacity < 0 {
		return fmt.Errorf("buffer.per_site_capacity cannot be negative")
	}
	if c.Buffer.MaxAttempts <= 0 {
		return fmt.Errorf("buffer.max_attempts must be positive")
	}

	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_max (%s) cannot be below sync.backoff_base (%s)",
			c.Sync.BackoffMax, c.Sync.BackoffBase)
	}

	if c.App.Env == "production" {
		if len(c.Sites) == 0 {
			return fmt.Errorf("site table is required in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.App.SiteCode == "" {
			return fmt.Errorf("app.site_code is required in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
