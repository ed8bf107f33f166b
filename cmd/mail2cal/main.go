// mail2cal reconciles school events extracted from emails and documents
// against a set of Google calendars, deduplicating and merging as it goes.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mail2cal/internal/ai"
	"mail2cal/internal/cache"
	"mail2cal/internal/calendar"
	"mail2cal/internal/config"
	"mail2cal/internal/extract"
	"mail2cal/internal/ledger"
	"mail2cal/internal/merge"
	"mail2cal/internal/reconcile"
	"mail2cal/internal/source"
	"mail2cal/internal/usage"
)

func main() {
	root := &cobra.Command{
		Use:           "mail2cal",
		Short:         "Deduplicate and merge school events into Google calendars",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newRepairCmd(), newStatsCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("mail2cal: %v", err)
	}
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg          *config.Config
	calendars    *config.Calendars
	cache        *cache.Cache
	ledger       *ledger.Ledger
	usageDB      *sql.DB
	orchestrator *reconcile.Orchestrator
}

func (a *app) close() {
	if a.usageDB != nil {
		_ = a.usageDB.Close()
	}
}

func bootstrap() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg)

	calendars, err := config.LoadCalendars(cfg.CalendarConfigPath)
	if err != nil {
		return nil, err
	}

	usageDB, err := usage.New(cfg.UsageDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	if err := usage.Migrate(usageDB); err != nil {
		_ = usageDB.Close()
		return nil, fmt.Errorf("failed to run usage migrations: %w", err)
	}
	tracker := usage.NewTracker(usageDB, cfg.AIModel)
	slog.Info("usage tracking started", "run_id", tracker.RunID())

	eventCache := cache.Load(cfg.CachePath)
	sourceLedger := ledger.Load(cfg.LedgerPath)

	client := ai.NewClient(cfg.AnthropicAPIKey, cfg.AIModel, tracker)
	backend := calendar.NewGoogleClient(cfg.CalendarToken)
	backend.BaseURL = cfg.CalendarBaseURL

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Warn("unknown timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		loc = time.UTC
	}

	orchestrator := reconcile.NewOrchestrator(
		source.NewFileProvider(cfg.SourceDir),
		extract.NewExtractor(client, cfg.Timezone),
		merge.NewCoordinator(sourceLedger, client, backend, calendars.IDs(), loc),
		backend,
		eventCache,
		sourceLedger,
		calendars,
	)

	return &app{
		cfg:          cfg,
		calendars:    calendars,
		cache:        eventCache,
		ledger:       sourceLedger,
		usageDB:      usageDB,
		orchestrator: orchestrator,
	}, nil
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch sources, reconcile and write calendar events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.orchestrator.Run(cmd.Context())
			if err != nil {
				return err
			}
			printRunSummary(stats)
			return nil
		},
	}
}

func printRunSummary(stats reconcile.Stats) {
	bold := color.New(color.Bold)
	bold.Println("\nRun summary")
	fmt.Printf("  processed: %d\n", stats.Processed)
	color.Green("  created:   %d", stats.Created)
	color.Cyan("  merged:    %d", stats.Updated)
	color.Yellow("  skipped:   %d", stats.Skipped)
	fmt.Printf("  deleted:   %d\n", stats.Deleted)
	if stats.Errors > 0 {
		color.Red("  errors:    %d", stats.Errors)
	} else {
		fmt.Printf("  errors:    %d\n", stats.Errors)
	}
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Rebuild the cache from the calendars and report missing shared events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			records := a.orchestrator.Repair(cmd.Context())
			if len(records) == 0 {
				color.Green("No missing counterparts found.")
				return nil
			}

			color.New(color.Bold).Printf("%d shared event(s) present in only one calendar:\n", len(records))
			for _, r := range records {
				fmt.Printf("  %s  %-40s  in %s, missing from %s\n", r.Date, r.Title, r.PresentIn, r.MissingFrom)
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache, ledger and API usage statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			bold := color.New(color.Bold)

			cs := a.cache.Stats()
			bold.Println("Event cache")
			fmt.Printf("  total events:  %d (future: %d)\n", cs.TotalEvents, cs.FutureEvents)
			for _, cal := range a.calendars.Calendars {
				fmt.Printf("  %-30s %d\n", cal.Name+":", cs.PerCalendar[cal.ID])
			}

			ls := a.ledger.Stats()
			bold.Println("\nSource ledger")
			fmt.Printf("  sources tracked:   %d\n", ls.TotalSources)
			fmt.Printf("  events linked:     %d\n", ls.TotalEvents)
			fmt.Printf("  created this month: %d\n", ls.EventsThisPeriod)
			fmt.Printf("  avg events/source: %.1f\n", ls.AvgEventsPerSource)

			summaries, err := usage.Summary(cmd.Context(), a.usageDB, time.Now().Add(-since))
			if err != nil {
				return err
			}
			bold.Printf("\nAPI usage (last %s)\n", since)
			if len(summaries) == 0 {
				fmt.Println("  no calls recorded")
			}
			for _, s := range summaries {
				fmt.Printf("  %-18s calls=%-4d in=%-8d out=%-7d time=%s\n",
					s.Operation, s.Calls, s.InputTokens, s.OutputTokens, s.TotalTime.Round(time.Millisecond))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "usage window to summarize")
	return cmd
}
