package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tritrack/compliance/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       LoggingConfig       `yaml:"logging"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	AWS           AWSConfig           `yaml:"aws"`
	Retention     RetentionConfig     `yaml:"retention"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Security      SecurityConfig      `yaml:"security"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig enables the distributed lock when Enabled. Without it, locks
// only exclude goroutines of one process.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type EncryptionConfig struct {
	// MasterKey is 32 bytes as hex, base64 or raw text.
	MasterKey string `yaml:"master_key"`
	// KMSKeyID, when set, wraps managed data keys with AWS KMS instead of
	// the master key.
	KMSKeyID         string        `yaml:"kms_key_id"`
	UsageFlushPeriod time.Duration `yaml:"usage_flush_period"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ReportBucket    string `yaml:"report_bucket"`
	ReportPrefix    string `yaml:"report_prefix"`
}

type RetentionConfig struct {
	TickSchedule            string        `yaml:"tick_schedule"`
	Concurrency             int           `yaml:"concurrency"`
	MaxJobDuration          time.Duration `yaml:"max_job_duration"`
	RetryBackoff            time.Duration `yaml:"retry_backoff"`
	BatchSize               int           `yaml:"batch_size"`
	MaxRecordAttempts       int           `yaml:"max_record_attempts"`
	ArchiveRetentionDays    int           `yaml:"archive_retention_days"`
	ArchivePurgeSchedule    string        `yaml:"archive_purge_schedule"`
	NotificationSchedule    string        `yaml:"notification_schedule"`
	NotificationBaseBackoff time.Duration `yaml:"notification_base_backoff"`
	MaxNotificationRetries  int           `yaml:"max_notification_retries"`
}

type MonitorConfig struct {
	Interval            time.Duration `yaml:"interval"`
	IncidentSLA         time.Duration `yaml:"incident_sla"`
	RecentActivityLimit int           `yaml:"recent_activity_limit"`
	RetentionGrace      time.Duration `yaml:"retention_grace"`
}

type SecurityConfig struct {
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutWindow    time.Duration `yaml:"lockout_window"`
}

// AuthConfig configures bearer-token verification. The signing secret is
// read from the encrypted Jwt:Key setting; JWTSecret seeds it on first start.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Leeway    time.Duration `yaml:"leeway"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Encryption.UsageFlushPeriod == 0 {
		c.Encryption.UsageFlushPeriod = time.Minute
	}

	if c.AWS.Region == "" {
		c.AWS.Region = "eu-west-1"
	}
	if c.AWS.ReportPrefix == "" {
		c.AWS.ReportPrefix = "compliance-reports"
	}

	if c.Retention.TickSchedule == "" {
		c.Retention.TickSchedule = "@every 1m"
	}
	if c.Retention.Concurrency == 0 {
		c.Retention.Concurrency = 4
	}
	if c.Retention.MaxJobDuration == 0 {
		c.Retention.MaxJobDuration = 2 * time.Hour
	}
	if c.Retention.RetryBackoff == 0 {
		c.Retention.RetryBackoff = 15 * time.Minute
	}
	if c.Retention.BatchSize == 0 {
		c.Retention.BatchSize = 100
	}
	if c.Retention.MaxRecordAttempts == 0 {
		c.Retention.MaxRecordAttempts = 3
	}
	if c.Retention.ArchiveRetentionDays == 0 {
		c.Retention.ArchiveRetentionDays = 365
	}
	if c.Retention.ArchivePurgeSchedule == "" {
		c.Retention.ArchivePurgeSchedule = "0 4 * * *"
	}
	if c.Retention.NotificationSchedule == "" {
		c.Retention.NotificationSchedule = "@every 5m"
	}
	if c.Retention.NotificationBaseBackoff == 0 {
		c.Retention.NotificationBaseBackoff = 5 * time.Minute
	}
	if c.Retention.MaxNotificationRetries == 0 {
		c.Retention.MaxNotificationRetries = 5
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 5 * time.Minute
	}
	if c.Monitor.IncidentSLA == 0 {
		c.Monitor.IncidentSLA = 24 * time.Hour
	}
	if c.Monitor.RecentActivityLimit == 0 {
		c.Monitor.RecentActivityLimit = 20
	}
	if c.Monitor.RetentionGrace == 0 {
		c.Monitor.RetentionGrace = 24 * time.Hour
	}

	if c.Security.LockoutThreshold == 0 {
		c.Security.LockoutThreshold = 5
	}
	if c.Security.LockoutWindow == 0 {
		c.Security.LockoutWindow = 15 * time.Minute
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "tritrack"
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = 30 * time.Second
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}

// Validate reports every problem that would stop the engine from starting.
func (c *Config) Validate() error {
	var errs []error

	if c.Encryption.MasterKey == "" {
		errs = append(errs, errors.New("encryption.master_key is required"))
	}
	if c.Retention.Concurrency < 1 {
		errs = append(errs, errors.New("retention.concurrency must be at least 1"))
	}
	if c.Retention.MaxJobDuration < 0 || c.Retention.RetryBackoff < 0 || c.Retention.NotificationBaseBackoff < 0 {
		errs = append(errs, errors.New("retention durations must not be negative"))
	}
	if c.Retention.ArchiveRetentionDays < 0 {
		errs = append(errs, errors.New("retention.archive_retention_days must not be negative"))
	}
	if c.Monitor.Interval < 0 || c.Monitor.IncidentSLA < 0 || c.Monitor.RetentionGrace < 0 {
		errs = append(errs, errors.New("monitor durations must not be negative"))
	}
	if !c.Notifications.MinSeverity.Valid() {
		errs = append(errs, fmt.Errorf("notifications.min_severity %q is not a severity", c.Notifications.MinSeverity))
	}
	if c.Notifications.Slack.Enabled && c.Notifications.Slack.WebhookURL == "" {
		errs = append(errs, errors.New("notifications.slack.webhook_url is required when slack is enabled"))
	}
	if c.Notifications.Email.Enabled && (c.Notifications.Email.SMTPHost == "" || c.Notifications.Email.From == "") {
		errs = append(errs, errors.New("notifications.email needs smtp_host and from when enabled"))
	}

	return errors.Join(errs...)
}
