package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gmsas95/dosekeeper/internal/api"
	"github.com/gmsas95/dosekeeper/internal/app"
	"github.com/gmsas95/dosekeeper/internal/config"
	"github.com/gmsas95/dosekeeper/internal/dosing"
	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
	"github.com/gmsas95/dosekeeper/internal/logging"
	"github.com/gmsas95/dosekeeper/internal/store"
)

var Version = "dev"

const defaultTokenTTL = 30 * 24 * time.Hour

// Options are the global flags every command shares
type Options struct {
	ConfigPath string
	DataDir    string
}

// LoadConfig reads the config file, .env files and environment
func LoadConfig(opts Options) (*config.Config, error) {
	return config.Load(opts.ConfigPath, opts.DataDir)
}

// Bootstrap loads the configuration, opens storage and wires the app. The
// caller owns the returned app and must close its store.
func Bootstrap(opts Options) (*app.App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg)
	if err != nil {
		return nil, err
	}

	application, err := app.New(cfg, st, logger, Version)
	if err != nil {
		st.Close()
		return nil, err
	}
	application.Level = level
	application.ConfigPath = opts.ConfigPath
	if application.ConfigPath == "" {
		application.ConfigPath = filepath.Join(cfg.Storage.DataDir, "dosekeeper.yaml")
	}
	return application, nil
}

// HandleServeCommand runs the scheduler and API until interrupted
func HandleServeCommand(opts Options) error {
	application, err := Bootstrap(opts)
	if err != nil {
		return err
	}
	defer application.Store.Close()

	application.Logger.Info("Starting Dosekeeper", zap.String("version", Version))
	application.RunServer()
	return nil
}

// HandleDosesCommand prints the daily dose times for a frequency and first
// dose: doses <per-day> [HH:MM]
func HandleDosesCommand(w io.Writer, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(w, "Usage: dosekeeper doses <per-day> [HH:MM]")
		return apperrors.Wrapf(apperrors.ErrBadRequest, "missing doses per day")
	}
	perDay, err := strconv.Atoi(args[0])
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrMalformedInput, "doses per day %q is not a number", args[0])
	}
	first := dosing.DefaultFirstDose
	if len(args) > 1 {
		first = args[1]
	}

	times := dosing.Generate(perDay, first)
	if len(times) == 0 {
		fmt.Fprintln(w, "As needed: no scheduled doses")
		return nil
	}
	for i, t := range times {
		fmt.Fprintf(w, "%2d  %s\n", i+1, t)
	}
	return nil
}

// HandlePlanCommand exports the schedule a medication would get as YAML
func HandlePlanCommand(ctx context.Context, w io.Writer, application *app.App, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(w, "Usage: dosekeeper plan <medication-id>")
		return apperrors.Wrapf(apperrors.ErrBadRequest, "missing medication id")
	}

	med, res, err := application.Service.Plan(ctx, args[0])
	if err != nil {
		return err
	}

	out := struct {
		Medication string   `yaml:"medication"`
		Name       string   `yaml:"name"`
		DoseTimes  []string `yaml:"dose_times"`
		Plan       any      `yaml:"plan"`
	}{med.ID, med.Name, med.DoseTimes, res}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	return enc.Close()
}

// HandleRecoverCommand reports what a recovery pass would register without
// touching any timer
func HandleRecoverCommand(ctx context.Context, w io.Writer, application *app.App) error {
	meds, err := application.Medications.ListActive(ctx)
	if err != nil {
		return err
	}

	if last := application.LastRecovery(); !last.IsZero() {
		fmt.Fprintf(w, "Last recovery: %s\n", last.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Last recovery: never")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRIGGERS\tDAYS\tUNTIL\tPARTIAL")
	total := 0
	for _, m := range meds {
		_, res, err := application.Service.Plan(ctx, m.ID)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\terror: %v\t\t\t\n", m.ID, m.Name, err)
			continue
		}
		until := "-"
		if !res.LeaseEnd.IsZero() {
			until = res.LeaseEnd.Format("2006-01-02 15:04")
		}
		total += len(res.Entries)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%t\n", m.ID, m.Name, len(res.Entries), res.Days, until, res.BudgetExceeded)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d medication(s), %d trigger(s) would be registered\n", len(meds), total)
	return nil
}

// HandleStockCommand prints the stock band of every active medication
func HandleStockCommand(ctx context.Context, w io.Writer, application *app.App) error {
	lines, err := application.Service.StockReport(ctx)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Fprintln(w, "No active medications")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tDAYS LEFT\tALERT")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", l.MedicationID, l.Name, l.Status, l.RemainingDays, l.Severity)
	}
	return tw.Flush()
}

// HandleTriggersCommand lists the triggers the last server run left
// outstanding
func HandleTriggersCommand(w io.Writer, application *app.App) error {
	pending, err := application.Journal.List()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(w, "No outstanding triggers")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tAT\tMEDICATION\tDOSE")
	for _, p := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Key, p.At.Format("2006-01-02 15:04"), p.Payload.Name, p.Payload.DoseTime)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d of %d timers in use\n", len(pending), application.Config.Schedule.TimerCeiling)
	return nil
}

// HandleTokenCommand issues an API token: token [subject] [ttl]
func HandleTokenCommand(w io.Writer, cfg *config.Config, args []string) error {
	if cfg.Security.JWTSecret == "" {
		return apperrors.Wrapf(apperrors.ErrBadRequest, "security.jwt_secret is not set, the API is open")
	}

	subject := "cli"
	if len(args) > 0 {
		subject = args[0]
	}
	ttl := defaultTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return apperrors.Wrapf(apperrors.ErrMalformedInput, "invalid ttl %q", args[1])
		}
		ttl = d
	}

	token, err := api.IssueToken(cfg.Security.JWTSecret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, token)
	return nil
}

// HandleStatusCommand prints the effective configuration
func HandleStatusCommand(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Dosekeeper Status")
	fmt.Fprintln(w, "=================")
	fmt.Fprintf(w, "Version: %s\n", Version)
	fmt.Fprintf(w, "Data:    %s\n", cfg.Storage.DataDir)
	fmt.Fprintf(w, "URL:     http://%s\n", cfg.Addr())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Schedule:")
	fmt.Fprintf(w, "  Horizon:       %d days\n", cfg.Schedule.HorizonDays)
	fmt.Fprintf(w, "  Timer ceiling: %d\n", cfg.Schedule.TimerCeiling)
	fmt.Fprintf(w, "  Replan lead:   %d days\n", cfg.Schedule.ReplanLeadDays)
	fmt.Fprintf(w, "  Stock warning: %d days\n", cfg.Stock.WarnDays)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Channels:")
	fmt.Fprintf(w, "  Telegram: %s\n", channelStatus(cfg.Notify.Telegram.Enabled))
	if cfg.Notify.Telegram.Enabled {
		fmt.Fprintf(w, "    Bot Token: %s\n", maskToken(cfg.Notify.Telegram.BotToken))
		fmt.Fprintf(w, "    Chats: %d\n", len(cfg.Notify.Telegram.ChatIDs))
	}
	fmt.Fprintf(w, "  Discord:  %s\n", channelStatus(cfg.Notify.Discord.Enabled))
	if cfg.Notify.Discord.Enabled {
		fmt.Fprintf(w, "    Token: %s\n", maskToken(cfg.Notify.Discord.Token))
	}
	fmt.Fprintf(w, "  API auth: %s\n", channelStatus(cfg.Security.JWTSecret != ""))
}

func channelStatus(enabled bool) string {
	if enabled {
		return "✅ enabled"
	}
	return "❌ disabled"
}

func maskToken(token string) string {
	if len(token) < 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `Dosekeeper - medication reminders and stock alerts

Usage:
  dosekeeper [flags] <command> [args]

Commands:
  serve                    Run the scheduler and the HTTP API
  status                   Show the effective configuration
  doses <n> [HH:MM]        Print the dose times for n doses a day
  plan <id>                Export the schedule of a medication as YAML
  recover                  Report what a recovery pass would register
  stock                    Show the stock band of every medication
  triggers                 List triggers left by the last server run
  token [subject] [ttl]    Issue an API token (default ttl 720h)
  version                  Print the version
  help                     Show this help

Flags:
  -config <path>           Path to config file
  -data <dir>              Path to data directory`)
}
