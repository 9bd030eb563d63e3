package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/calderos/netpilot/internal/alert"
	"github.com/calderos/netpilot/internal/config"
	"github.com/calderos/netpilot/internal/driver"
	"github.com/calderos/netpilot/internal/engine"
	"github.com/calderos/netpilot/internal/event"
	"github.com/calderos/netpilot/internal/health"
	"github.com/calderos/netpilot/internal/inventory"
	"github.com/calderos/netpilot/internal/server"
	"github.com/calderos/netpilot/internal/store"
	"github.com/calderos/netpilot/internal/version"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "backup":
			runBackup(os.Args[2:])
			return
		case "restore":
			runRestore(os.Args[2:])
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("NetPilot starting", zap.String("version", version.Short()))
	if f := cfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults")
	}

	// Open database and apply migrations.
	db, err := store.New(cfg.GetString("database.path"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for component, migs := range map[string][]store.Migration{
		"inventory": inventory.Migrations(),
		"engine":    engine.Migrations(),
		"health":    health.Migrations(),
	} {
		if err := db.Migrate(ctx, component, migs); err != nil {
			logger.Fatal("migration failed", zap.String("component", component), zap.Error(err))
		}
	}
	logger.Info("database initialized", zap.String("path", cfg.GetString("database.path")))

	// Shared services.
	bus := event.NewBus(logger.Named("event"))

	registry := driver.NewRegistry(logger.Named("driver"))
	if err := driver.RegisterBuiltins(registry); err != nil {
		logger.Fatal("failed to register drivers", zap.Error(err))
	}
	logger.Info("device drivers registered", zap.Strings("types", registry.Types()))

	inv := inventory.NewStore(db.DB())
	runs := engine.NewRunStore(db.DB())
	snaps := health.NewStore(db.DB())

	// Engine: executor, orchestrator, scheduler.
	exec := engine.NewExecutor(registry, cfg.GetDuration("engine.default_timeout"), logger.Named("executor"))
	eng := engine.New(exec, runs, inv, bus, engine.RetryPolicy{
		Enabled:     cfg.GetBool("engine.retry.enabled"),
		Delay:       cfg.GetDuration("engine.retry.delay"),
		MaxAttempts: cfg.GetInt("engine.retry.max_attempts"),
	}, logger.Named("engine"))
	defer eng.Close()

	sched := engine.NewScheduler(eng, inv, cfg.GetInt("engine.workers"), logger.Named("scheduler"))
	if err := sched.ReconcileAll(ctx); err != nil {
		logger.Fatal("failed to reconcile schedule triggers", zap.Error(err))
	}

	// Health monitor.
	mon := health.NewMonitor(inv, snaps, registry, bus, health.Config{
		Interval:         cfg.GetDuration("health.interval"),
		WarningLatencyMs: cfg.GetFloat64("health.warning_latency_ms"),
		PingTimeout:      cfg.GetDuration("health.ping_timeout"),
		PingCount:        cfg.GetInt("health.ping_count"),
		Workers:          cfg.GetInt("health.workers"),
	}, logger.Named("health"))

	// Alerting.
	telegram := alert.NewTelegram(alert.TelegramConfig{
		BotToken:       cfg.GetString("telegram.token"),
		ChatID:         cfg.GetString("telegram.chat_id"),
		SendRatePerSec: cfg.GetFloat64("telegram.send_rate_per_sec"),
	})
	if telegram.Configured() {
		logger.Info("telegram notifications enabled")
	} else {
		logger.Info("telegram not configured, notifications disabled")
	}
	cooldown := alert.NewCooldown(cfg.GetDuration("telegram.cooldown"))
	dispatcher := alert.NewDispatcher(telegram, cooldown, severityTiers(cfg), logger.Named("alert"))
	dispatcher.Start(bus)
	defer dispatcher.Stop()

	if cfg.GetBool("telegram.daily_summary.enabled") {
		summary := alert.NewSummaryBuilder(runs, snaps, inv, logger.Named("summary"))
		spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *",
			cfg.GetString("telegram.daily_summary.timezone"),
			cfg.GetInt("telegram.daily_summary.minute"),
			cfg.GetInt("telegram.daily_summary.hour"))
		if err := sched.ReconcileJob("daily_summary", spec, summary.Job(dispatcher)); err != nil {
			logger.Error("failed to schedule daily summary", zap.Error(err))
		}
	}

	sched.Start()
	defer sched.Stop()
	mon.Start(ctx)
	defer mon.Stop()

	// HTTP server.
	addr := cfg.GetString("server.host") + ":" + strconv.Itoa(cfg.GetInt("server.port"))
	srv := server.New(addr, server.Deps{
		Inventory:      inv,
		Engine:         eng,
		Scheduler:      sched,
		Runs:           runs,
		Monitor:        mon,
		Snapshots:      snaps,
		Dispatcher:     dispatcher,
		Registry:       registry,
		Ready:          func(ctx context.Context) error { return db.DB().PingContext(ctx) },
		RateLimitRPS:   cfg.GetFloat64("server.rate_limit_rps"),
		RateLimitBurst: cfg.GetInt("server.rate_limit_burst"),
	}, logger.Named("server"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("NetPilot ready", zap.String("addr", addr))

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("NetPilot stopped")
}

// severityTiers reads the balance thresholds from configuration, most
// severe first.
func severityTiers(cfg *viper.Viper) []alert.Tier {
	tiers := make([]alert.Tier, 0, 3)
	for _, name := range []string{"critical", "high", "medium"} {
		prefix := "telegram.severity_tiers." + name
		tiers = append(tiers, alert.Tier{
			Name:               name,
			ValidityDaysAtMost: cfg.GetInt(prefix + ".valid_days_at_most"),
			DataVolumeBelowMB:  cfg.GetFloat64(prefix + ".data_below_mb"),
		})
	}
	return tiers
}
