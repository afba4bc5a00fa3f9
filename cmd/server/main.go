package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"beanbrain/internal/backup"
	"beanbrain/internal/config"
	"beanbrain/internal/handlers"
	"beanbrain/internal/ledger"
	"beanbrain/internal/middleware"
	"beanbrain/internal/models"
	"beanbrain/internal/observability"
	"beanbrain/internal/recurrence"
	"beanbrain/internal/scheduler"
	"beanbrain/internal/services"
	"beanbrain/pkg/llm"
)

// backupJobID is the reserved scheduler entry for the daily backup; it is
// not a row in the automations table.
const backupJobID = "system-backup"

func main() {
	// .env first so the config file and environment can reference it.
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&models.Automation{}, &models.AutomationRun{}); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// Ledger engine with an exclusive file lock shared by every writer path.
	engine := ledger.NewEngine(
		cfg.Ledger.Path,
		ledger.NewFileLock(cfg.Ledger.Path, cfg.Ledger.LockTimeout),
		appLogger,
	)
	ledgerService := services.NewLedgerService(engine, appLogger)

	llmClient := llm.NewClient(&llm.Config{
		BaseURL:     cfg.AI.OpenAI.BaseURL,
		APIKey:      cfg.AI.OpenAI.APIKey,
		Model:       cfg.AI.OpenAI.Model,
		Temperature: cfg.AI.OpenAI.Temperature,
		MaxTokens:   cfg.AI.OpenAI.MaxTokens,
		Timeout:     cfg.AI.OpenAI.Timeout,
		MaxRetries:  cfg.AI.OpenAI.MaxRetries,
	}, appLogger)
	extractionService := services.NewExtractionService(llmClient, ledgerService, cfg.Ledger.DefaultCurrency, appLogger)

	backupService := backup.NewService(cfg.Ledger.Path, cfg.Backup, appLogger)

	// The scheduler and automation service reference each other, so the
	// runner is a late-bound closure.
	var automationService *services.AutomationService
	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		QueueSize:    cfg.Scheduler.QueueSize,
		MisfireGrace: cfg.Scheduler.MisfireGrace,
	}, func(ctx context.Context, job scheduler.Job) error {
		if job.ID == backupJobID {
			return backupService.RunOnce(ctx)
		}
		return automationService.ExecuteByID(ctx, job.ID, job.ScheduledAt, job.Source)
	}, appLogger)
	automationService = services.NewAutomationService(db, sched, ledgerService, cfg.Scheduler.DefaultTimezone, appLogger)

	sched.Start()
	defer sched.Stop()

	if err := automationService.ResyncAll(context.Background()); err != nil {
		appLogger.Warnf("Resync of stored automations failed: %v", err)
	}
	installBackupSchedule(sched, cfg, appLogger)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if cfg.Backup.WatchDebounce > 0 {
		go func() {
			if err := backupService.Watch(watchCtx); err != nil && err != context.Canceled {
				appLogger.Warnf("Ledger watch stopped: %v", err)
			}
		}()
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	loc, err := time.LoadLocation(cfg.Scheduler.DefaultTimezone)
	if err != nil {
		appLogger.Warnf("Unknown default timezone %q, using UTC", cfg.Scheduler.DefaultTimezone)
		loc = time.UTC
	}

	healthHandler := handlers.NewHealthHandler(db, cfg.Ledger.Path, appLogger)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, healthHandler.Metrics)
	}

	api := r.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService, appLogger))
	handlers.RegisterLedgerRoutes(api, handlers.NewLedgerHandler(ledgerService, extractionService, loc, appLogger))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	go func() {
		appLogger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		appLogger.Warnf("Tracing shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

// installBackupSchedule registers the daily backup as a scheduler entry so
// it shares the worker pool, overlap guard, and misfire handling.
func installBackupSchedule(sched *scheduler.Service, cfg *config.Config, logger *logrus.Logger) {
	trigger, err := recurrence.Compile(recurrence.Spec{
		Frequency: recurrence.Daily,
		Hour:      cfg.Backup.Hour,
		Minute:    cfg.Backup.Minute,
		Timezone:  cfg.Backup.Timezone,
	})
	if err != nil {
		logger.Warnf("Backup schedule disabled: %v", err)
		return
	}
	sched.Install(backupJobID, trigger, nil)
}
