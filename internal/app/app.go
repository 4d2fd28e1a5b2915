package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/dosekeeper/internal/api"
	"github.com/gmsas95/dosekeeper/internal/channels/discord"
	"github.com/gmsas95/dosekeeper/internal/channels/telegram"
	"github.com/gmsas95/dosekeeper/internal/config"
	"github.com/gmsas95/dosekeeper/internal/jobs"
	"github.com/gmsas95/dosekeeper/internal/logging"
	"github.com/gmsas95/dosekeeper/internal/medication"
	"github.com/gmsas95/dosekeeper/internal/metrics"
	"github.com/gmsas95/dosekeeper/internal/notify"
	"github.com/gmsas95/dosekeeper/internal/planner"
	"github.com/gmsas95/dosekeeper/internal/service"
	"github.com/gmsas95/dosekeeper/internal/stock"
	"github.com/gmsas95/dosekeeper/internal/store"
	"github.com/gmsas95/dosekeeper/internal/timers"
	"github.com/gmsas95/dosekeeper/internal/trigger"
)

const (
	jobHorizonRefresh = "horizon-refresh"
	jobStockCheck     = "stock-check"
	lastRecoveryKey   = "last_recovery"
)

type App struct {
	Config      *config.Config
	ConfigPath  string
	Store       *store.Store
	Logger      *zap.Logger
	Level       zap.AtomicLevel
	Medications *medication.Store
	Journal     *timers.Journal
	Timers      *timers.Local
	Registry    *trigger.Registry
	Stock       *stock.Engine
	Dispatcher  *notify.Dispatcher
	Metrics     *metrics.Metrics
	Service     *service.Service
	Jobs        *jobs.Runner
	Version     string

	reloadMu sync.Mutex
}

// New wires every component over st. Nothing is started yet.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	meds, err := medication.NewStore(st.DB())
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	journal := timers.NewJournal(st.Badger())
	local := timers.NewLocal(cfg.Schedule.TimerCeiling, journal, logger.Named("timers"))
	m.TrackOutstanding(local.Count)

	registry := trigger.NewRegistry(local, trigger.Options{
		MaxPlannedDays: cfg.Schedule.HorizonDays,
		MaxDosesPerDay: cfg.Schedule.MaxDosesPerDay,
	}, logger.Named("registry"))

	dispatcher := notify.NewDispatcher(notifyConfig(cfg), m, logger.Named("notify"), buildChannels(cfg, logger)...)
	engine := stock.NewEngine(cfg.Stock.WarnDays, dispatcher, logger.Named("stock"))

	svc := service.New(service.Deps{
		Medications: meds,
		History:     st,
		Planner:     planner.New(cfg.Schedule.HorizonDays),
		Registry:    registry,
		Stock:       engine,
		Notifier:    dispatcher,
		Metrics:     m,
		Logger:      logger.Named("service"),
	}, serviceOptions(cfg))

	return &App{
		Config:      cfg,
		Store:       st,
		Logger:      logger,
		Level:       zap.NewAtomicLevel(),
		Medications: meds,
		Journal:     journal,
		Timers:      local,
		Registry:    registry,
		Stock:       engine,
		Dispatcher:  dispatcher,
		Metrics:     m,
		Service:     svc,
		Jobs:        jobs.NewRunner(logger.Named("jobs")),
		Version:     version,
	}, nil
}

func notifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:        cfg.Notify.Enabled,
		Repetitions:    cfg.Notify.Repetitions,
		RepeatInterval: cfg.Notify.RepeatInterval,
		RatePerMinute:  cfg.Notify.RatePerMinute,
	}
}

func serviceOptions(cfg *config.Config) service.Options {
	return service.Options{
		ReplanLead:     cfg.Schedule.ReplanLead(),
		Repetitions:    cfg.Notify.Repetitions,
		RepeatInterval: cfg.Notify.RepeatInterval,
	}
}

// buildChannels creates the log channel plus every configured bot. A bot
// that fails to initialize is logged and left out.
func buildChannels(cfg *config.Config, logger *zap.Logger) []notify.Channel {
	channels := []notify.Channel{notify.NewLogChannel(logger.Named("reminders"))}

	if cfg.Notify.Telegram.Enabled {
		bot, err := telegram.NewBot(telegram.Config{
			Token:   cfg.Notify.Telegram.BotToken,
			ChatIDs: cfg.Notify.Telegram.ChatIDs,
		}, logger.Named("telegram"))
		if err != nil {
			logger.Error("Failed to create Telegram bot", zap.Error(err))
		} else {
			channels = append(channels, bot)
			logger.Info("Telegram notifications enabled", zap.Int("chats", len(cfg.Notify.Telegram.ChatIDs)))
		}
	}

	if cfg.Notify.Discord.Enabled {
		bot, err := discord.NewBot(discord.Config{
			Token:    cfg.Notify.Discord.Token,
			Channels: cfg.Notify.Discord.Channels,
		}, logger.Named("discord"))
		if err != nil {
			logger.Error("Failed to create Discord bot", zap.Error(err))
		} else {
			channels = append(channels, bot)
			logger.Info("Discord notifications enabled", zap.Int("channels", len(cfg.Notify.Discord.Channels)))
		}
	}
	return channels
}

// Start drops the timers journal of the previous process, rebuilds every
// schedule, runs a first stock check and starts the periodic jobs.
func (app *App) Start(ctx context.Context) error {
	if err := app.Journal.Reset(); err != nil {
		app.Logger.Warn("Failed to reset timer journal", zap.Error(err))
	}
	app.Timers.OnFired(app.Service.HandleFired)

	if _, err := app.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if _, err := app.Service.RefreshStock(ctx); err != nil {
		app.Logger.Warn("Initial stock check failed", zap.Error(err))
	}

	if app.Config.Jobs.Enabled {
		if err := app.scheduleJobs(); err != nil {
			return err
		}
		if err := app.Jobs.Start(); err != nil {
			return err
		}
		app.Logger.Info("Job runner started")
	}
	return nil
}

func (app *App) scheduleJobs() error {
	if err := app.Jobs.Add(jobHorizonRefresh, app.Config.Jobs.HorizonRefresh, func(ctx context.Context) error {
		_, err := app.Recover(ctx)
		return err
	}); err != nil {
		return err
	}
	return app.Jobs.Add(jobStockCheck, app.Config.Jobs.StockCheck, func(ctx context.Context) error {
		_, err := app.Service.RefreshStock(ctx)
		return err
	})
}

// Recover runs a recovery pass and remembers when it happened
func (app *App) Recover(ctx context.Context) (int, error) {
	report, err := app.Service.Recover(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range report.Errors() {
		app.Logger.Warn("Medication not recovered", zap.Error(e))
	}
	if err := app.Store.SetKV(lastRecoveryKey, []byte(strconv.FormatInt(time.Now().Unix(), 10))); err != nil {
		app.Logger.Debug("Failed to record recovery time", zap.Error(err))
	}
	return report.Registered, nil
}

// LastRecovery is when the last recovery pass ran, zero if never
func (app *App) LastRecovery() time.Time {
	raw, err := app.Store.GetKV(lastRecoveryKey)
	if err != nil || raw == nil {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Reload applies the settings that can change without a restart
func (app *App) Reload(cfg *config.Config) {
	app.reloadMu.Lock()
	defer app.reloadMu.Unlock()

	app.Dispatcher.SetConfig(notifyConfig(cfg))
	app.Service.SetOptions(serviceOptions(cfg))
	if err := logging.SetLevel(app.Level, cfg.Log.Level); err != nil {
		app.Logger.Warn("Keeping log level", zap.Error(err))
	}

	if cfg.Jobs.HorizonRefresh != app.Config.Jobs.HorizonRefresh || cfg.Jobs.StockCheck != app.Config.Jobs.StockCheck {
		prev := app.Config.Jobs
		app.Config.Jobs = cfg.Jobs
		if err := app.scheduleJobs(); err != nil {
			app.Logger.Error("Invalid job schedule, keeping the previous one", zap.Error(err))
			app.Config.Jobs = prev
			_ = app.scheduleJobs()
		}
	}

	if cfg.Schedule.HorizonDays != app.Config.Schedule.HorizonDays || cfg.Schedule.TimerCeiling != app.Config.Schedule.TimerCeiling {
		app.Logger.Warn("Horizon and timer ceiling changes apply after a restart")
	}
	app.Config.Notify = cfg.Notify
	app.Config.Log = cfg.Log
	app.Logger.Info("Configuration applied")
}

// Stop halts jobs, timers and pending reminder repeats
func (app *App) Stop() {
	app.Jobs.Stop()
	app.Timers.Stop()
	app.Dispatcher.Close()
}

// RunServer starts everything, serves the API and blocks until SIGINT or
// SIGTERM
func (app *App) RunServer() {
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		app.Logger.Fatal("Failed to start", zap.Error(err))
	}

	if app.ConfigPath != "" {
		if err := config.Watch(app.ConfigPath, app.Config.Storage.DataDir, app.Logger, app.Reload); err != nil {
			app.Logger.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	server := api.New(app.Config, api.Deps{
		Service: app.Service,
		Metrics: app.Metrics,
		Timers:  app.Timers,
		Jobs:    app.Jobs,
		Version: app.Version,
	}, app.Logger.Named("api"))

	go func() {
		if err := server.Start(); err != nil {
			app.Logger.Fatal("Server error", zap.Error(err))
		}
	}()

	app.Logger.Info("Server started",
		zap.String("address", app.Config.Server.Address),
		zap.Int("port", app.Config.Server.Port),
		zap.Int("timers", app.Timers.Count()),
		zap.Int("timer_ceiling", app.Timers.Ceiling()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info("Shutting down...")

	if err := server.Shutdown(); err != nil {
		app.Logger.Error("Server shutdown error", zap.Error(err))
	}
	app.Stop()
}
