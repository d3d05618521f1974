// Package app assembles the engine's components from configuration. Both
// the server and compliancectl build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tritrack/compliance/internal/api"
	"github.com/tritrack/compliance/internal/audit"
	"github.com/tritrack/compliance/internal/auth"
	"github.com/tritrack/compliance/internal/breach"
	"github.com/tritrack/compliance/internal/config"
	"github.com/tritrack/compliance/internal/configstore"
	"github.com/tritrack/compliance/internal/consent"
	"github.com/tritrack/compliance/internal/encryption"
	"github.com/tritrack/compliance/internal/lock"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/monitor"
	"github.com/tritrack/compliance/internal/notifications"
	"github.com/tritrack/compliance/internal/reports"
	"github.com/tritrack/compliance/internal/retention"
	"github.com/tritrack/compliance/internal/scheduler"
	"github.com/tritrack/compliance/internal/security"
	"github.com/tritrack/compliance/internal/seed"
	"github.com/tritrack/compliance/internal/store"
)

const (
	// JWTKeySetting holds the bearer-token signing secret.
	JWTKeySetting = "Jwt:Key"

	archiveKeyName = "retention-archive"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store      *store.Store
	Keys       *encryption.KeyRegistry
	Settings   *configstore.Service
	Audit      *audit.Recorder
	Locker     lock.Locker
	Consent    *consent.Ledger
	Requests   *consent.Requests
	Policies   *retention.PolicyEngine
	Executor   *retention.Executor
	Scheduler  *scheduler.Scheduler
	Incidents  *breach.Manager
	Security   *security.Service
	Notifier   *notifications.Service
	Dispatcher *notifications.Dispatcher
	Monitor    *monitor.Monitor
	Reports    *reports.Generator
	// Sink is nil unless aws.report_bucket is configured.
	Sink *reports.S3Sink

	closers []func() error
}

type Option func(*options)

type options struct {
	migrate bool
}

// WithMigrations applies pending schema migrations before any component
// touches the database.
func WithMigrations() Option {
	return func(o *options) { o.migrate = true }
}

// New connects to Postgres (and Redis when enabled) and builds every
// component. It does not seed or start anything.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, Logger: logger}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	if o.migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	if err := a.buildCrypto(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	if cfg.Redis.Enabled {
		rl, err := lock.NewRedis(lock.RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("initializing lock: %w", err)
		}
		a.Locker = rl
		a.closers = append(a.closers, rl.Close)
	} else {
		a.Locker = lock.NewLocal()
	}

	if err := a.buildServices(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// buildCrypto sets up the key registry, the settings cipher and the
// archive cipher. The archive cipher uses a managed data key so its usage
// is accounted in encryption_keys.
func (a *App) buildCrypto(ctx context.Context) error {
	cfg := a.Config

	master, err := encryption.NewFromString(cfg.Encryption.MasterKey,
		encryption.WithKeyName("master"),
		encryption.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("loading master key: %w", err)
	}

	var wrapper encryption.KeyWrapper = encryption.NewLocalWrapper(master)
	if cfg.Encryption.KMSKeyID != "" {
		client, err := encryption.NewKMSClient(ctx, encryption.AWSConfig{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("initializing KMS: %w", err)
		}
		wrapper = encryption.NewKMSWrapper(client, cfg.Encryption.KMSKeyID)
		a.Logger.Info("wrapping data keys with KMS", "kms_key_id", cfg.Encryption.KMSKeyID)
	}
	a.Keys = encryption.NewKeyRegistry(a.Store, wrapper, a.Logger)

	settingsCipher, err := master.ForPurpose("config")
	if err != nil {
		return err
	}
	a.Settings = configstore.NewService(a.Store, settingsCipher, configstore.WithLogger(a.Logger))
	return nil
}

func (a *App) archiveCipher(ctx context.Context) (*encryption.Service, error) {
	dataKey, err := a.Keys.LoadOrCreate(ctx, archiveKeyName, "AES-256-GCM")
	if err != nil {
		return nil, fmt.Errorf("loading archive key: %w", err)
	}
	return encryption.New(dataKey,
		encryption.WithKeyName(archiveKeyName),
		encryption.WithUsageRecorder(a.Keys),
		encryption.WithLogger(a.Logger))
}

func (a *App) buildServices(ctx context.Context) error {
	cfg := a.Config
	st := a.Store
	logger := a.Logger

	// Alerts raised before the monitor exists are forwarded once it does.
	alerts := &alertRelay{}

	a.Audit = audit.NewRecorder(st, st, logger)
	a.Consent = consent.NewLedger(st, st, a.Audit, st, a.Locker, logger)
	a.Requests = consent.NewRequests(st, st, a.Audit, logger)
	a.Policies = retention.NewPolicyEngine(st, st, logger)

	archive, err := a.archiveCipher(ctx)
	if err != nil {
		return err
	}
	a.Executor = retention.NewExecutor(a.Policies, st, archive, a.Audit, st, retention.ExecutorConfig{
		BatchSize:         cfg.Retention.BatchSize,
		MaxRecordAttempts: cfg.Retention.MaxRecordAttempts,
		ArchiveRetention:  time.Duration(cfg.Retention.ArchiveRetentionDays) * 24 * time.Hour,
	}, logger)
	a.Executor.RegisterRecordStore(st.TriathlonRecords())
	a.Executor.RegisterRecordStore(st.UserProfiles())

	jobStore := scheduler.NewPostgresStore(st.DB())
	a.Scheduler = scheduler.NewScheduler(jobStore, a.Executor, alerts, scheduler.Config{
		TickSchedule:   cfg.Retention.TickSchedule,
		Concurrency:    cfg.Retention.Concurrency,
		MaxJobDuration: cfg.Retention.MaxJobDuration,
		RetryBackoff:   cfg.Retention.RetryBackoff,
		Locker:         a.Locker,
	}, logger)

	a.Notifier = notifications.NewService(notificationConfig(cfg), logger)
	a.Dispatcher = notifications.NewDispatcher(st, a.Notifier.SendRetentionNotice, alerts, notifications.DispatcherConfig{
		BaseBackoff: cfg.Retention.NotificationBaseBackoff,
		MaxRetries:  cfg.Retention.MaxNotificationRetries,
		BatchSize:   cfg.Retention.BatchSize,
	}, logger)

	a.Incidents = breach.NewManager(st, st, a.Audit, logger).WithNotifier(a.Notifier)
	a.Security = security.NewService(st, alerts, security.Config{
		LockoutThreshold: cfg.Security.LockoutThreshold,
		LockoutWindow:    cfg.Security.LockoutWindow,
	}, logger)

	a.Monitor = monitor.New(st, monitor.Sources{
		Consent:   a.Consent,
		Incidents: a.Incidents,
		Jobs:      jobStore,
		Policies:  a.Policies,
		Records:   a.Executor,
		Security:  a.Security,
		Audit:     a.Audit,
	}, a.Notifier, monitor.Config{
		Interval:            cfg.Monitor.Interval,
		IncidentSLA:         cfg.Monitor.IncidentSLA,
		RecentActivityLimit: cfg.Monitor.RecentActivityLimit,
		RetentionGrace:      cfg.Monitor.RetentionGrace,
	}, logger)
	alerts.monitor = a.Monitor

	a.Reports = reports.NewGenerator(reports.Sources{
		Metrics:   a.Monitor,
		Policies:  a.Policies,
		Jobs:      jobStore,
		Incidents: a.Incidents,
	})

	if cfg.AWS.ReportBucket != "" {
		client, err := reports.NewS3Client(ctx, reports.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("initializing report sink: %w", err)
		}
		a.Sink = reports.NewS3Sink(client, cfg.AWS.ReportBucket, cfg.AWS.ReportPrefix)
	}
	return nil
}

// Seed installs the default policies, jobs and settings. A configured
// auth.jwt_secret seeds Jwt:Key when the key is missing.
func (a *App) Seed(ctx context.Context) (*seed.Summary, error) {
	opts := seed.DefaultOptions()
	if a.Config.Auth.JWTSecret != "" {
		opts.Settings = append(opts.Settings, seed.Setting{
			Key:         JWTKeySetting,
			Value:       a.Config.Auth.JWTSecret,
			Description: "Operator API token signing key",
			Sensitive:   true,
		})
	}
	return seed.New(a.Settings, a.Policies, a.Scheduler, a.Logger).Run(ctx, opts)
}

// Auth builds the token verifier from the stored Jwt:Key.
func (a *App) Auth(ctx context.Context) (*auth.Service, error) {
	secret, err := a.Settings.Get(ctx, JWTKeySetting)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", JWTKeySetting, err)
	}
	return auth.NewService(auth.Config{
		JWTSecret: secret,
		Issuer:    a.Config.Auth.Issuer,
		Leeway:    a.Config.Auth.Leeway,
	})
}

// RegisterTasks adds the periodic housekeeping tasks to the scheduler.
func (a *App) RegisterTasks() error {
	cfg := a.Config
	tasks := []struct {
		name string
		spec string
		fn   scheduler.TaskFunc
	}{
		{"retention-notifications", cfg.Retention.NotificationSchedule, func(ctx context.Context) error {
			_, err := a.Dispatcher.DispatchDue(ctx)
			return err
		}},
		{"compliance-monitor", fmt.Sprintf("@every %s", cfg.Monitor.Interval), func(ctx context.Context) error {
			a.Monitor.Tick(ctx)
			return nil
		}},
		{"key-usage-flush", fmt.Sprintf("@every %s", cfg.Encryption.UsageFlushPeriod), a.Keys.Flush},
		{"archive-purge", cfg.Retention.ArchivePurgeSchedule, func(ctx context.Context) error {
			n, err := a.Store.PurgeExpiredArchives(ctx, time.Now().UTC())
			if err == nil && n > 0 {
				a.Logger.Info("expired archives purged", "count", n)
			}
			return err
		}},
	}
	for _, t := range tasks {
		if err := a.Scheduler.RegisterTask(t.name, t.spec, t.fn); err != nil {
			return fmt.Errorf("registering task %s: %w", t.name, err)
		}
	}
	return nil
}

// APIServer wires the operator API onto the components.
func (a *App) APIServer(authSvc *auth.Service) *api.Server {
	deps := api.Deps{
		Auth:      authSvc,
		Monitor:   a.Monitor,
		Jobs:      a.Scheduler,
		Policies:  a.Policies,
		Incidents: a.Incidents,
		Security:  a.Security,
		Consents:  a.Consent,
		Requests:  a.Requests,
		Audit:     a.Audit,
		Reports:   a.Reports,
		DB:        a.Store,
	}
	if a.Sink != nil {
		deps.Sink = a.Sink
	}
	return api.NewServer(a.Config.Server, deps, api.WithLogger(a.Logger))
}

// Close flushes key usage and releases connections.
func (a *App) Close() error {
	var errs []error
	if a.Keys != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Keys.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func notificationConfig(cfg *config.Config) notifications.Config {
	n := cfg.Notifications
	return notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  n.Slack.WebhookURL,
			Channel:     n.Slack.Channel,
			Username:    "TriTrack Compliance",
			IconEmoji:   ":shield:",
			Enabled:     n.Slack.Enabled,
			MinSeverity: n.MinSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    n.Email.SMTPHost,
			SMTPPort:    n.Email.SMTPPort,
			Username:    n.Email.Username,
			Password:    n.Email.Password,
			From:        n.Email.From,
			To:          n.Email.To,
			Enabled:     n.Email.Enabled,
			MinSeverity: n.MinSeverity,
		},
	}
}

// alertRelay lets components built before the monitor raise alerts.
type alertRelay struct {
	monitor *monitor.Monitor
}

func (r *alertRelay) Raise(ctx context.Context, alert models.ComplianceAlert) (*models.ComplianceAlert, error) {
	if r.monitor == nil {
		return nil, errors.New("monitor not initialized")
	}
	return r.monitor.Raise(ctx, alert)
}
