package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Backup      BackupConfig      `yaml:"backup"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	API         APIConfig         `yaml:"api"`
	Syndication SyndicationConfig `yaml:"syndication"`
	Platforms   []PlatformConfig  `yaml:"platforms"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Exports     ExportConfig      `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Duration wraps time.Duration so YAML can carry values like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SyndicationConfig holds the orchestration knobs. None of these are baked
// into adapters; everything pacing-related is supplied here.
type SyndicationConfig struct {
	Workers             int      `yaml:"workers"`
	MaxAttempts         int      `yaml:"max_attempts"`
	TripThreshold       int      `yaml:"trip_threshold"`
	BackoffBase         Duration `yaml:"backoff_base"`
	BackoffCap          int      `yaml:"backoff_cap"`
	AdapterTimeout      Duration `yaml:"adapter_timeout"`
	PollInterval        Duration `yaml:"poll_interval"`
	MetricsPollInterval Duration `yaml:"metrics_poll_interval"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	JobRetention        Duration `yaml:"job_retention"`
	LeaseTimeout        Duration `yaml:"lease_timeout"`
	QueueWait           Duration `yaml:"queue_wait"`
}

// PlatformConfig carries one marketplace's endpoint and pacing parameters.
type PlatformConfig struct {
	Name          string      `yaml:"name"`
	BaseURL       string      `yaml:"base_url"`
	RPS           float64     `yaml:"rps"`
	Burst         int         `yaml:"burst"`
	RenewInterval Duration    `yaml:"renew_interval"`
	Timeout       Duration    `yaml:"timeout"`
	OAuth         OAuthConfig `yaml:"oauth"`
}

// OAuthConfig configures token refresh for platforms that use OAuth2 (eBay).
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env подхватывается, если существует
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	return ValidatePlatforms(c.Platforms)
}

// ValidatePlatforms rejects duplicate or unnamed platform entries.
func ValidatePlatforms(platforms []PlatformConfig) error {
	seen := make(map[string]bool)
	for _, p := range platforms {
		if p.Name == "" {
			return errors.New("platform entry without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate platform config: %s", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("platform %s has no base_url", p.Name)
		}
	}
	return nil
}

// Platform returns the config entry for a platform tag, if present.
func (c *Config) Platform(name string) (PlatformConfig, bool) {
	for _, p := range c.Platforms {
		if p.Name == name {
			return p, true
		}
	}
	return PlatformConfig{}, false
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	s := &c.Syndication
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	if s.TripThreshold == 0 {
		s.TripThreshold = 3
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = Duration(2 * time.Second)
	}
	if s.BackoffCap == 0 {
		s.BackoffCap = 6
	}
	if s.AdapterTimeout == 0 {
		s.AdapterTimeout = Duration(30 * time.Second)
	}
	if s.PollInterval == 0 {
		s.PollInterval = Duration(2 * time.Second)
	}
	if s.MetricsPollInterval == 0 {
		s.MetricsPollInterval = Duration(10 * time.Minute)
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = Duration(5 * time.Minute)
	}
	if s.JobRetention == 0 {
		s.JobRetention = Duration(7 * 24 * time.Hour)
	}
	if s.LeaseTimeout == 0 {
		s.LeaseTimeout = Duration(10 * time.Minute)
	}
	if s.QueueWait == 0 {
		s.QueueWait = Duration(time.Second)
	}

	for i := range c.Platforms {
		p := &c.Platforms[i]
		if p.RPS == 0 {
			p.RPS = 0.5
		}
		if p.Burst == 0 {
			p.Burst = 1
		}
		if p.RenewInterval == 0 {
			p.RenewInterval = Duration(48 * time.Hour)
		}
		if p.Timeout == 0 {
			p.Timeout = Duration(30 * time.Second)
		}
	}
}
