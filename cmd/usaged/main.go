// Package main is the CLI entry point for usaged.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quietscreen/usaged/internal/daemon"
	"github.com/quietscreen/usaged/internal/domain"
	"github.com/quietscreen/usaged/internal/infra"
	"github.com/quietscreen/usaged/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "usaged",
	Short: "Screen-time daemon - tracks app usage and intervenes at limits",
	Long: `usaged tracks per-app foreground time and intervenes when configured
daily limits approach or are reached. Interventions range from a gentle
breathing pause to a hard block, with per-app cooldowns so reminders
stay occasional rather than nagging.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracking service in the foreground",
	Long: `Runs the usage-tracking service: listens on the bridge socket for
foreground changes from the accessibility layer, keeps per-app usage
estimates, and presents interventions through a connected UI client.`,
	RunE: runService,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service settings and today's usage",
	RunE:  runStatus,
}

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage monitored applications",
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored applications",
	RunE:  runAppsList,
}

var appsAddCmd = &cobra.Command{
	Use:   "add <package>",
	Short: "Add or update a monitored application",
	Long: `Adds a package to monitoring, or replaces its configuration.
Without --limit the app is limitless: soft mode shows periodic
reminders, strict mode blocks the app completely.`,
	Args: cobra.ExactArgs(1),
	RunE: runAppsAdd,
}

var appsRemoveCmd = &cobra.Command{
	Use:   "remove <package>",
	Short: "Remove an application from monitoring",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppsRemove,
}

var appsLimitCmd = &cobra.Command{
	Use:   "limit <package> <minutes>",
	Short: "Change an application's daily limit",
	Long: `Changes the daily limit for an already monitored application,
keeping the rest of its configuration. Pass 0 to remove the limit.`,
	Args: cobra.ExactArgs(2),
	RunE: runAppsLimit,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show weekly usage and intervention statistics",
	RunE:  runStats,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the event journal into usage totals once",
	RunE:  runSync,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete usage and intervention history past retention",
	RunE:  runPurge,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	dataDir    string
	jsonOutput bool

	addName      string
	addLimit     int
	addMode      string
	addCountdown int
	addRedirect  string
	addVideo     bool
	addCooldown  int
	addDisabled  bool

	limitMode string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(),
		"Directory for the encrypted database, key, journal and socket")

	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")
	statsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")

	appsAddCmd.Flags().StringVar(&addName, "name", "", "Display name (defaults to the package)")
	appsAddCmd.Flags().IntVar(&addLimit, "limit", 0, "Daily limit in minutes (0 = no limit)")
	appsAddCmd.Flags().StringVar(&addMode, "mode", "soft", "Limit mode: soft or strict")
	appsAddCmd.Flags().IntVar(&addCountdown, "countdown", 0, "Reminder countdown seconds (0 = global default)")
	appsAddCmd.Flags().StringVar(&addRedirect, "redirect", "", "Package to suggest instead")
	appsAddCmd.Flags().BoolVar(&addVideo, "video", false, "Mark as a video app (synced more aggressively)")
	appsAddCmd.Flags().IntVar(&addCooldown, "cooldown", 0, "Per-app cooldown minutes (0 = global default)")
	appsAddCmd.Flags().BoolVar(&addDisabled, "disabled", false, "Add in disabled state")

	appsLimitCmd.Flags().StringVar(&limitMode, "mode", "", "Also change limit mode: soft or strict")

	appsCmd.AddCommand(appsListCmd)
	appsCmd.AddCommand(appsAddCmd)
	appsCmd.AddCommand(appsRemoveCmd)
	appsCmd.AddCommand(appsLimitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/tmp/usaged"
	}
	return filepath.Join(home, ".usaged")
}

// openStore ensures the data dir and encryption key exist, then opens
// the encrypted database.
func openStore() (*infra.EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	key, err := infra.EnsureKey(infra.NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	return infra.NewEncryptedStore(dataDir, key)
}

func runService(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	journal := infra.NewEventJournal(filepath.Join(dataDir, "events.jsonl"))
	defer journal.Close()

	probe := infra.NewProcessProbe()
	bridge := infra.NewBridge(filepath.Join(dataDir, "bridge.sock"), journal, probe, logger)

	estimator := usecase.NewUsageEstimator(store, store, journal, logger)
	config := daemon.DefaultConfig()
	tracker := usecase.NewForegroundTracker(estimator, store, config.SelfPackage, logger)
	engine := usecase.NewDecisionEngine(store, store, store, estimator, bridge, logger)
	scheduler := usecase.NewSyncScheduler(estimator, store, logger)
	retention := usecase.NewRetentionJob(store, store, usecase.DefaultRetentionPolicy(), logger)

	service := daemon.NewService(config, tracker, engine, scheduler, retention,
		store, bridge, bridge, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	go func() {
		if err := bridge.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bridge listener stopped", zap.Error(err))
			cancel()
		}
	}()

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type statusApp struct {
	Package      string `json:"package"`
	Name         string `json:"name"`
	Enabled      bool   `json:"enabled"`
	LimitMinutes *int   `json:"limit_minutes"`
	LimitMode    string `json:"limit_mode"`
	VideoApp     bool   `json:"video_app,omitempty"`
	UsedToday    int    `json:"used_today_minutes"`
}

type statusOutput struct {
	ServiceEnabled  bool        `json:"service_enabled"`
	CooldownMinutes int         `json:"cooldown_minutes"`
	Apps            []statusApp `json:"apps"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	settings, err := store.GetGlobalSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	apps, err := store.ListMonitoredApps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list apps: %w", err)
	}

	today := domain.DayKey(time.Now())
	out := statusOutput{
		ServiceEnabled:  settings.ServiceEnabled,
		CooldownMinutes: settings.CooldownMinutes,
	}
	for _, app := range apps {
		used := 0
		if rec, err := store.GetUsageRecord(ctx, app.PackageName, today); err == nil && rec != nil {
			used = rec.UsageMinutes
		}
		out.Apps = append(out.Apps, statusApp{
			Package:      app.PackageName,
			Name:         app.AppName,
			Enabled:      app.Enabled,
			LimitMinutes: app.DailyLimitMinutes,
			LimitMode:    string(app.LimitMode),
			VideoApp:     app.IsVideoApp,
			UsedToday:    used,
		})
	}

	if jsonOutput {
		return printJSON(out)
	}

	fmt.Println("\n=== usaged Status ===")
	if out.ServiceEnabled {
		fmt.Println("Service: enabled")
	} else {
		fmt.Println("Service: disabled")
	}
	fmt.Printf("Global cooldown: %dm\n", out.CooldownMinutes)
	if len(out.Apps) == 0 {
		fmt.Println("\nNo monitored applications. Add one with 'usaged apps add'.")
	} else {
		fmt.Println("\nMonitored applications:")
		for _, app := range out.Apps {
			fmt.Printf("  %s\n", formatAppLine(app))
		}
	}
	fmt.Println("=====================")
	return nil
}

func formatAppLine(app statusApp) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %s today", app.Package, usecase.FormatMinutes(app.UsedToday))
	if app.LimitMinutes != nil {
		fmt.Fprintf(&b, " / %s limit (%s)", usecase.FormatMinutes(*app.LimitMinutes), app.LimitMode)
	} else if app.LimitMode == string(domain.LimitModeStrict) {
		b.WriteString(" (blocked)")
	} else {
		b.WriteString(" (no limit)")
	}
	if !app.Enabled {
		b.WriteString(" [disabled]")
	}
	return b.String()
}

func runAppsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	apps, err := store.ListMonitoredApps(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list apps: %w", err)
	}
	if len(apps) == 0 {
		fmt.Println("No monitored applications.")
		return nil
	}

	for _, app := range apps {
		fmt.Printf("\n[%s] %s\n", app.PackageName, app.AppName)
		if app.DailyLimitMinutes != nil {
			fmt.Printf("  Limit: %s (%s)\n", usecase.FormatMinutes(*app.DailyLimitMinutes), app.LimitMode)
		} else if app.CompletelyBlocked() {
			fmt.Println("  Limit: completely blocked")
		} else {
			fmt.Println("  Limit: none (reminders only)")
		}
		if app.CountdownSeconds > 0 {
			fmt.Printf("  Countdown: %ds\n", app.CountdownSeconds)
		}
		if app.RedirectPackage != "" {
			fmt.Printf("  Redirect: %s\n", app.RedirectPackage)
		}
		if app.CooldownMinutes != nil {
			fmt.Printf("  Cooldown: %dm\n", *app.CooldownMinutes)
		}
		if app.IsVideoApp {
			fmt.Println("  Video app: yes")
		}
		if !app.Enabled {
			fmt.Println("  Disabled")
		}
	}
	return nil
}

func runAppsAdd(cmd *cobra.Command, args []string) error {
	mode := domain.LimitMode(addMode)
	if mode != domain.LimitModeSoft && mode != domain.LimitModeStrict {
		return fmt.Errorf("invalid --mode %q: must be soft or strict", addMode)
	}

	app := domain.MonitoredApp{
		PackageName:      args[0],
		AppName:          addName,
		InterventionType: domain.InterventionBreathing,
		CountdownSeconds: addCountdown,
		RedirectPackage:  addRedirect,
		Enabled:          !addDisabled,
		LimitMode:        mode,
		IsVideoApp:       addVideo,
	}
	if app.AppName == "" {
		app.AppName = app.PackageName
	}
	if addLimit > 0 {
		app.DailyLimitMinutes = &addLimit
	}
	if addCooldown > 0 {
		app.CooldownMinutes = &addCooldown
	}
	if addCountdown > 0 {
		app.InterventionType = domain.InterventionCountdown
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UpsertMonitoredApp(context.Background(), app); err != nil {
		return fmt.Errorf("failed to save app: %w", err)
	}
	fmt.Printf("Monitoring %s\n", app.PackageName)
	return nil
}

func runAppsRemove(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteMonitoredApp(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to remove app: %w", err)
	}
	fmt.Printf("Stopped monitoring %s\n", args[0])
	return nil
}

func runAppsLimit(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes < 0 {
		return fmt.Errorf("invalid limit %q: must be a non-negative number of minutes", args[1])
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	app, err := store.GetMonitoredApp(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load app: %w", err)
	}
	if app == nil {
		return fmt.Errorf("%s is not monitored; add it first with 'usaged apps add'", args[0])
	}

	if minutes > 0 {
		app.DailyLimitMinutes = &minutes
	} else {
		app.DailyLimitMinutes = nil
	}
	if limitMode != "" {
		mode := domain.LimitMode(limitMode)
		if mode != domain.LimitModeSoft && mode != domain.LimitModeStrict {
			return fmt.Errorf("invalid --mode %q: must be soft or strict", limitMode)
		}
		app.LimitMode = mode
	}

	if err := store.UpsertMonitoredApp(ctx, *app); err != nil {
		return fmt.Errorf("failed to save app: %w", err)
	}
	if minutes > 0 {
		fmt.Printf("Daily limit for %s is now %s (%s)\n",
			app.PackageName, usecase.FormatMinutes(minutes), app.LimitMode)
	} else {
		fmt.Printf("Removed daily limit for %s\n", app.PackageName)
	}
	return nil
}

type statsOutput struct {
	Apps          map[string]appStats       `json:"apps"`
	Interventions *domain.InterventionStats `json:"interventions_7d"`
}

type appStats struct {
	Daily         map[string]int `json:"daily_minutes"`
	WeeklyAverage int            `json:"weekly_average_minutes"`
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	apps, err := store.ListMonitoredApps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list apps: %w", err)
	}

	stats := usecase.NewStatsService(store, store)
	out := statsOutput{Apps: make(map[string]appStats)}
	for _, app := range apps {
		daily, err := stats.DailyMinutes(ctx, app.PackageName, 7)
		if err != nil {
			return fmt.Errorf("failed to read usage for %s: %w", app.PackageName, err)
		}
		avg, err := stats.WeeklyAverage(ctx, app.PackageName)
		if err != nil {
			return fmt.Errorf("failed to average usage for %s: %w", app.PackageName, err)
		}
		out.Apps[app.PackageName] = appStats{Daily: daily, WeeklyAverage: avg}
	}

	summary, err := stats.InterventionSummary(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		return fmt.Errorf("failed to summarize interventions: %w", err)
	}
	out.Interventions = summary

	if jsonOutput {
		return printJSON(out)
	}

	fmt.Println("\n=== Last 7 Days ===")
	packages := make([]string, 0, len(out.Apps))
	for pkg := range out.Apps {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)
	for _, pkg := range packages {
		s := out.Apps[pkg]
		fmt.Printf("\n%s (avg %s/day)\n", pkg, usecase.FormatMinutes(s.WeeklyAverage))
		days := make([]string, 0, len(s.Daily))
		for day := range s.Daily {
			days = append(days, day)
		}
		sort.Strings(days)
		for _, day := range days {
			fmt.Printf("  %s  %s\n", day, usecase.FormatMinutes(s.Daily[day]))
		}
	}

	fmt.Printf("\nInterventions: %d shown", summary.Total)
	if summary.Total > 0 {
		fmt.Printf(" (%d continued, %d cancelled, %d redirected, avg wait %.0fs)",
			summary.Continued, summary.Cancelled, summary.Redirected, summary.AvgWaitSeconds)
	}
	fmt.Println()
	fmt.Println("===================")
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	logger := zap.NewNop()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	journal := infra.NewEventJournal(filepath.Join(dataDir, "events.jsonl"))
	defer journal.Close()

	ctx := context.Background()
	apps, err := store.ListMonitoredApps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list apps: %w", err)
	}
	packages := make([]string, 0, len(apps))
	for _, app := range apps {
		packages = append(packages, app.PackageName)
	}

	estimator := usecase.NewUsageEstimator(store, store, journal, logger)
	changed, err := estimator.SyncFromSystem(ctx, time.Now(), packages)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if len(changed) == 0 {
		fmt.Println("No usage changes.")
		return nil
	}
	updated := make([]string, 0, len(changed))
	for pkg := range changed {
		updated = append(updated, pkg)
	}
	sort.Strings(updated)
	for _, pkg := range updated {
		fmt.Printf("Updated %s\n", pkg)
	}
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	job := usecase.NewRetentionJob(store, store, usecase.DefaultRetentionPolicy(), logger)
	if err := job.Run(context.Background()); err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}
	fmt.Println("Retention purge complete.")
	return nil
}

func createLogger() *zap.Logger {
	// The log files live next to the database.
	_ = os.MkdirAll(dataDir, 0o700)

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{filepath.Join(dataDir, "usaged.log")}
	config.ErrorOutputPaths = []string{filepath.Join(dataDir, "usaged.error.log")}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func printJSON(v any) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		_ = printJSON(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		return
	}
	fmt.Printf("usaged %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}
