package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
)

// Config holds all configuration for dosekeeper
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Stock    StockConfig    `mapstructure:"stock"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Security SecurityConfig `mapstructure:"security"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BadgerPath string `mapstructure:"badger_path"`
}

// ScheduleConfig bounds trigger planning
type ScheduleConfig struct {
	HorizonDays    int `mapstructure:"horizon_days"`
	TimerCeiling   int `mapstructure:"timer_ceiling"`
	MaxDosesPerDay int `mapstructure:"max_doses_per_day"`
	ReplanLeadDays int `mapstructure:"replan_lead_days"`
}

// ReplanLead is how close to the end of a lease the next window is planned
func (s ScheduleConfig) ReplanLead() time.Duration {
	return time.Duration(s.ReplanLeadDays) * 24 * time.Hour
}

// StockConfig holds stock alert settings
type StockConfig struct {
	WarnDays int `mapstructure:"warn_days"`
}

// NotifyConfig holds delivery settings
type NotifyConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Repetitions    int            `mapstructure:"repetitions"`
	RepeatInterval time.Duration  `mapstructure:"repeat_interval"`
	RatePerMinute  int            `mapstructure:"rate_per_minute"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
	Discord        DiscordConfig  `mapstructure:"discord"`
}

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	BotToken string  `mapstructure:"bot_token"`
	ChatIDs  []int64 `mapstructure:"chat_ids"`
}

// DiscordConfig holds Discord bot settings
type DiscordConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Token    string   `mapstructure:"token"`
	Channels []string `mapstructure:"channels"`
}

// JobsConfig holds the periodic job schedules (cron specs)
type JobsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	HorizonRefresh string `mapstructure:"horizon_refresh"`
	StockCheck     string `mapstructure:"stock_check"`
}

// SecurityConfig holds security settings. An empty JWT secret leaves the
// API open.
type SecurityConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Determine data directory
	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}

	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.SetDefault("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "dosekeeper.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))

	configPath = resolvePath(configPath, dataDir)

	// If config file exists, load it
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "failed to read config")
		}
	}

	// Environment variables (DOSEKEEPER_SERVER_PORT, DOSEKEEPER_SCHEDULE_HORIZON_DAYS, etc.)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// .env files sit between the environment and the config file
	env, err := loadDotenv(dataDir)
	if err != nil {
		return nil, err
	}
	env.apply(v)

	// Unmarshal to struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "failed to unmarshal config")
	}

	// Env vars for values viper can't bind without a file key
	loadEnvOverrides(&cfg, env)

	// Validate
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch reloads the config file whenever it changes and hands the new
// configuration to onChange. Invalid edits are logged and ignored.
func Watch(configPath, dataDir string, logger *zap.Logger, onChange func(*Config)) error {
	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}
	configPath = resolvePath(configPath, dataDir)
	if _, err := os.Stat(configPath); err != nil {
		return apperrors.Wrap(err, apperrors.ErrConfigNotFound.Code, "nothing to watch")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "failed to read config")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(configPath, dataDir)
		if err != nil {
			logger.Warn("Ignoring invalid config change", zap.String("path", e.Name), zap.Error(err))
			return
		}
		logger.Info("Config reloaded", zap.String("path", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func resolvePath(configPath, dataDir string) string {
	if configPath == "" {
		return filepath.Join(dataDir, "dosekeeper.yaml")
	}
	return configPath
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Schedule defaults
	v.SetDefault("schedule.horizon_days", 30)
	v.SetDefault("schedule.timer_ceiling", 500)
	v.SetDefault("schedule.max_doses_per_day", 24)
	v.SetDefault("schedule.replan_lead_days", 2)

	// Stock defaults
	v.SetDefault("stock.warn_days", 7)

	// Notify defaults
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.repetitions", 3)
	v.SetDefault("notify.repeat_interval", "5m")
	v.SetDefault("notify.rate_per_minute", 30)
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.discord.enabled", false)

	// Jobs defaults
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.horizon_refresh", "@daily")
	v.SetDefault("jobs.stock_check", "@every 1h")

	// Security defaults
	v.SetDefault("security.allow_origins", []string{"*"})

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stderr")
}

func getDefaultDataDir() string {
	// Try XDG_DATA_HOME first
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dosekeeper")
	}

	// Fall back to home directory
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "dosekeeper")
}

// loadEnvOverrides loads secrets and lists that are commonly set through
// aliases or have no key in the config file
func loadEnvOverrides(cfg *Config, env dotenv) {
	if token := env.lookup("DOSEKEEPER_NOTIFY_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Notify.Telegram.BotToken = token
	}
	if ids := env.lookup("DOSEKEEPER_NOTIFY_TELEGRAM_CHAT_IDS"); ids != "" {
		cfg.Notify.Telegram.ChatIDs = parseInt64List(ids)
	}

	if token := env.lookup("DOSEKEEPER_NOTIFY_DISCORD_TOKEN"); token != "" {
		cfg.Notify.Discord.Token = token
	}
	if channels := env.lookup("DOSEKEEPER_NOTIFY_DISCORD_CHANNELS"); channels != "" {
		cfg.Notify.Discord.Channels = splitList(channels)
	}

	if secret := env.lookup("DOSEKEEPER_SECURITY_JWT_SECRET"); secret != "" {
		cfg.Security.JWTSecret = secret
	}

	if port := env.lookup("DOSEKEEPER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

func parseInt64List(s string) []int64 {
	var out []int64
	for _, part := range splitList(s) {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validate(cfg *Config) error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, format, args...)
	}

	if cfg.Schedule.HorizonDays < 1 || cfg.Schedule.HorizonDays > 365 {
		return invalid("schedule.horizon_days must be between 1 and 365, got %d", cfg.Schedule.HorizonDays)
	}
	if cfg.Schedule.TimerCeiling < 1 {
		return invalid("schedule.timer_ceiling must be positive, got %d", cfg.Schedule.TimerCeiling)
	}
	if cfg.Schedule.MaxDosesPerDay < 1 || cfg.Schedule.MaxDosesPerDay > 24 {
		return invalid("schedule.max_doses_per_day must be between 1 and 24, got %d", cfg.Schedule.MaxDosesPerDay)
	}
	if cfg.Schedule.ReplanLeadDays < 0 || cfg.Schedule.ReplanLeadDays > cfg.Schedule.HorizonDays {
		return invalid("schedule.replan_lead_days must be between 0 and horizon_days, got %d", cfg.Schedule.ReplanLeadDays)
	}
	if cfg.Stock.WarnDays < 4 {
		return invalid("stock.warn_days must be at least 4, got %d", cfg.Stock.WarnDays)
	}
	if cfg.Notify.Repetitions < 1 {
		return invalid("notify.repetitions must be at least 1, got %d", cfg.Notify.Repetitions)
	}
	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.BotToken == "" {
		return invalid("notify.telegram.bot_token is required when telegram is enabled")
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.Token == "" {
		return invalid("notify.discord.token is required when discord is enabled")
	}
	return nil
}

// Addr is the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
