package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"automator/internal/config"
	"automator/internal/metrics"
	"automator/internal/models"
	"automator/internal/services"
	"automator/pkg/notify"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// App 组装后的运行时依赖
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	DB        *gorm.DB
	Store     *services.GormRuleStore
	Registry  *services.ActionRegistry
	Scheduler *services.Scheduler
	Service   *services.AutomationService
	Hub       *services.NotificationHub
	Notifier  *notify.Client
	NATS      *nats.Conn
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Version   string

	closers []func()
}

// Options tweaks what New wires.
type Options struct {
	Version string
	// DB 非空时直接使用，不再按配置打开连接
	DB *gorm.DB
	// SkipMigrate 跳过 AutoMigrate
	SkipMigrate bool
}

// OpenDatabase 根据驱动打开数据库并配置连接池
func OpenDatabase(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	level := logger.Warn
	if strings.EqualFold(cfg.Log.Level, "debug") {
		level = logger.Info
	}
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(level)}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres":
		dialector = postgres.Open(cfg.Database.ConnString())
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.ConnString())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			log.Warnf("gorm tracing plugin: %v", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Database.Driver, "sqlite") {
		// sqlite 只允许单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate creates or updates the automation tables and their secondary indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.AutomationModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_automation_rules_owner_updated ON automation_rules(owner_id, updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_automation_runs_owner_created ON automation_runs(owner_id, created_at)",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// New wires the engine from cfg. Background loops are started by Run, not here.
func New(cfg *config.Config, log *logrus.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Logger: log, Version: opts.Version}
	if a.Version == "" {
		a.Version = "dev"
	}

	db := opts.DB
	if db == nil {
		var err error
		if db, err = OpenDatabase(cfg, log); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		})
	}
	if !opts.SkipMigrate {
		if err := Migrate(db); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.DB = db

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Metrics, a.Gatherer = m, reg

	loc := time.UTC
	if cfg.Automation.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.Automation.Timezone); err != nil {
			a.Close()
			return nil, fmt.Errorf("automation.timezone: %w", err)
		}
	}

	a.Hub = services.NewNotificationHub(log)
	a.Notifier = notify.NewClient(notifyConfig(cfg.Notify), log)

	var events services.EventPublisher
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("automator"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warnf("nats disconnected: %v", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) { log.Infof("nats reconnected to %s", nc.ConnectedUrl()) }),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.NATS = nc
		events = nc
		a.closers = append(a.closers, func() { nc.Drain() })
	}

	a.Registry = services.NewActionRegistry()
	if err := services.RegisterBuiltinHandlers(a.Registry, services.HandlerDeps{
		DB:            db,
		Hub:           a.Hub,
		Notifier:      a.Notifier,
		Notify:        cfg.Notify,
		Events:        events,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Logger:        log,
	}); err != nil {
		a.Close()
		return nil, err
	}

	a.Store = services.NewGormRuleStore(db)
	executor := services.NewActionExecutor(a.Registry, cfg.Automation.ActionTimeout, log, m)
	a.Scheduler = services.NewScheduler(a.Store, executor, services.SchedulerOptions{
		Tick:        cfg.Automation.TickInterval,
		TickTimeout: cfg.Automation.TickTimeout,
		Concurrency: cfg.Automation.Concurrency,
		Location:    loc,
		Runs:        a.Store,
		Metrics:     m,
		Logger:      log,
	})
	a.Service = services.NewAutomationService(a.Store, a.Scheduler, a.Registry, log)
	return a, nil
}

// Run starts the notification hub and, when enabled, the scheduler loop. Both stop with ctx.
func (a *App) Run(ctx context.Context) {
	go a.Hub.Run(ctx)
	if a.Config.Automation.SchedulerEnabled {
		go a.Scheduler.Start(ctx, a.Config.Automation.TickInterval)
	} else {
		a.Logger.Info("automation scheduler disabled; ticks only via API or CLI")
	}
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func notifyConfig(nc config.NotifyConfig) *notify.Config {
	c := notify.DefaultConfig()
	if nc.Timeout > 0 {
		c.Timeout = nc.Timeout
	}
	if nc.MaxRetries >= 0 {
		c.MaxRetries = nc.MaxRetries
	}
	if nc.RetryDelay > 0 {
		c.RetryDelay = nc.RetryDelay
	}
	c.BreakerEnabled = nc.CircuitBreaker.Enabled
	if nc.CircuitBreaker.MaxFailures > 0 {
		c.Breaker.MaxFailures = nc.CircuitBreaker.MaxFailures
	}
	if nc.CircuitBreaker.ResetTimeout > 0 {
		c.Breaker.ResetTimeout = nc.CircuitBreaker.ResetTimeout
	}
	if nc.CircuitBreaker.HalfOpenMaxReqs > 0 {
		c.Breaker.HalfOpenMaxReqs = nc.CircuitBreaker.HalfOpenMaxReqs
	}
	return c
}
