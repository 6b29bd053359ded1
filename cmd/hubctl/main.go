// Package main is the entry point for the indicator hub replay tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tathienbao/indicator-hub/internal/alerting"
	"github.com/tathienbao/indicator-hub/internal/config"
	"github.com/tathienbao/indicator-hub/internal/feed"
	"github.com/tathienbao/indicator-hub/internal/metrics"
	"github.com/tathienbao/indicator-hub/internal/persistence"
	"github.com/tathienbao/indicator-hub/internal/pipeline"
	"github.com/tathienbao/indicator-hub/internal/replay"
	"github.com/tathienbao/indicator-hub/internal/ui"
	"github.com/tathienbao/indicator-hub/pkg/hub"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitFailure  = 1
	exitDiverged = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFailure)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "replay":
		os.Exit(cmdReplay(os.Args[2:]))
	case "ingest":
		os.Exit(cmdIngest(os.Args[2:]))
	case "runs":
		os.Exit(cmdRuns(os.Args[2:]))
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitFailure)
	}
}

func printUsage() {
	fmt.Println(`Indicator Hub - incremental indicator pipelines

Usage:
  hubctl <command> [options]

Commands:
  replay     Replay a quote feed through a pipeline and check it against batch
  ingest     Load a CSV mutation script into the SQLite quote store
  runs       List recorded replay runs
  validate   Validate a pipeline configuration file
  version    Show version information
  help       Show this help message

Examples:
  hubctl replay --config pipeline.yaml
  hubctl replay --config pipeline.yaml --data data/ES_1m.csv --verbose
  hubctl ingest --db hub.db --symbol ES --data data/ES_1m.csv
  hubctl runs --db hub.db --limit 10

Use "hubctl <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("hubctl version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitFailure
	}

	// Building the hubs also checks cache sizes against each lookback.
	p, err := pipeline.New(cfg, hub.Settings{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline error: %v\n", err)
		return exitFailure
	}
	defer p.Close()

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Source: %s (%s, policy %s, max cache %d)\n",
		cfg.Source.Name, cfg.Source.Symbol, cfg.Policy(), cfg.Source.MaxCacheSize)
	fmt.Printf("  Feed: %s %s\n", cfg.Feed.Type, cfg.Feed.Path)
	for _, n := range p.Nodes() {
		fmt.Printf("  %-16s %-24s <- %s\n", n.Name(), n.Label(), n.Config.SourceName(cfg.Source.Name))
	}
	return 0
}

func cmdReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "pipeline.yaml", "Path to configuration file")
	dataPath := fs.String("data", "", "CSV file, overrides feed.path")
	from := fs.String("from", "", "Skip events before this RFC3339 time")
	to := fs.String("to", "", "Skip events after this RFC3339 time")
	last := fs.Int("last", 1, "Rows to print per node")
	verbose := fs.Bool("verbose", false, "Verbose output")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitFailure
	}
	if *dataPath != "" {
		cfg.Feed.Path = *dataPath
	}

	logger := newLogger(os.Stdout, cfg.Logging, *verbose)
	slog.SetDefault(logger)

	rc := replay.ConfigFrom(cfg)
	if rc.StartTime, err = parseTime(*from); err != nil {
		slog.Error("invalid --from", "err", err)
		return exitFailure
	}
	if rc.EndTime, err = parseTime(*to); err != nil {
		slog.Error("invalid --to", "err", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := cfg.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var steps []shutdownStep

	var repo *persistence.SQLiteRepository
	if cfg.Persistence.Enabled {
		repo, err = persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			slog.Error("failed to open store", "path", cfg.Persistence.Path, "err", err)
			return exitFailure
		}
		steps = append(steps, shutdownStep{"close store", repo.Close})
	}

	rec := metrics.NewRecorder()
	p, err := pipeline.New(cfg, hub.Settings{Logger: logger, Recorder: rec})
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		runShutdown(steps)
		return exitFailure
	}
	steps = append([]shutdownStep{{"close pipeline", func() error { p.Close(); return nil }}}, steps...)

	if cfg.Metrics.Enabled {
		metrics.SetBuildInfo(Version, GitCommit, BuildTime)
		server := metrics.NewServer(metrics.ServerConfigFrom(cfg.Metrics), logger)
		server.RegisterHealthCheck(p.Root().Name(), metrics.ErrCheck(p.Root().Err))
		for _, n := range p.Nodes() {
			server.RegisterHealthCheck(n.Name(), metrics.ErrCheck(n.Err))
		}
		if err := server.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			runShutdown(steps)
			return exitFailure
		}
		steps = append([]shutdownStep{{"stop metrics server", func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(sctx)
		}}}, steps...)
	}
	defer runShutdown(steps)

	var f feed.Feed
	switch cfg.Feed.Type {
	case "sqlite":
		f = feed.NewStoreFeed(repo, cfg.Source.Symbol, rc.StartTime, rc.EndTime)
	default:
		f = feed.NewCSVFeed(cfg.Feed.Path)
	}
	if cfg.Feed.RatePerSecond > 0 {
		f = feed.NewPaced(f, cfg.Feed.RatePerSecond, cfg.Feed.Burst)
	}
	defer func() { _ = f.Close() }()

	runner := replay.NewRunner(rc, f, p, logger)
	runner.SetRecorder(rec)
	if repo != nil {
		runner.SetStore(repo)
	}
	if cfg.Alerting.Enabled {
		runner.SetAlerter(newAlerter(cfg.Alerting, logger), cfg.Alerting.NotifyConverged)
	}

	slog.Info("starting replay",
		"version", Version,
		"feed", f.Name(),
		"symbol", cfg.Source.Symbol,
		"nodes", len(p.Nodes()),
		"max_cache_size", cfg.Source.MaxCacheSize,
	)

	var progress *ui.Progress
	if !*verbose {
		progress = ui.NewProgress(os.Stderr, 0)
		runner.SetProgressCallback(func(u replay.ProgressUpdate) {
			progress.Update(u.Op.String(), u.Time, u.Err != nil)
		})
	}

	result, err := runner.Run(ctx)
	if progress != nil {
		progress.Finish()
	}
	if result != nil {
		printReplayResults(result, p, *last)
	}
	if err != nil {
		slog.Error("replay failed", "err", err)
		return exitFailure
	}
	if result.Status == persistence.RunDiverged {
		return exitDiverged
	}
	return 0
}

// newAlerter always logs alerts and adds Telegram when configured.
func newAlerter(cfg config.AlertingConfig, logger *slog.Logger) alerting.Alerter {
	multi := alerting.NewMultiAlerter(logger, alerting.NewConsoleAlerter(logger))
	if tg := cfg.Telegram; tg.Enabled {
		multi.Add(alerting.NewTelegramAlerter(alerting.TelegramConfig{
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
			APIURL:   tg.APIURL,
			Timeout:  time.Duration(tg.TimeoutSec) * time.Second,
		}))
	}
	return multi
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func printReplayResults(res *replay.Result, p *pipeline.Pipeline, last int) {
	fmt.Println("\n=== REPLAY RESULTS ===")
	fmt.Printf("Run:          %s\n", res.RunID)
	fmt.Printf("Status:       %s\n", res.Status)
	fmt.Printf("Duration:     %s\n", res.Duration().Round(time.Millisecond))
	fmt.Printf("Events:       %d (applied %d, skipped %d, rejected %d)\n",
		res.Events, res.Applied, res.Skipped, len(res.Errors))
	fmt.Printf("Rebuilds:     %d\n", res.Rebuilds)
	fmt.Printf("Source rows:  %d\n", p.Root().Results().Len())

	if len(res.Checks) > 0 {
		fmt.Println("\n=== VERIFICATION ===")
		for _, c := range res.Checks {
			mark := "ok"
			if !c.OK() {
				mark = fmt.Sprintf("%d mismatches, first: %s", len(c.Mismatches), c.Mismatches[0])
			}
			fmt.Printf("%-16s compared %-6d %s\n", c.Node, c.Compared, mark)
		}
	}

	if last <= 0 {
		return
	}
	fmt.Println("\n=== LATEST VALUES ===")
	for _, n := range p.Nodes() {
		rows := n.Rows()
		if len(rows) > last {
			rows = rows[len(rows)-last:]
		}
		for _, r := range rows {
			cols := make([]string, 0, len(r.Columns()))
			for _, c := range r.Columns() {
				cols = append(cols, c.Name+"="+c.Num.String())
			}
			fmt.Printf("%-16s %s  %s\n", n.Name(), r.Time().Format(time.RFC3339), strings.Join(cols, " "))
		}
	}
}

func cmdIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	dbPath := fs.String("db", "indicator-hub.db", "Path to SQLite database")
	symbol := fs.String("symbol", "", "Symbol to store quotes under (required)")
	dataPath := fs.String("data", "", "Path to CSV data file (required)")
	_ = fs.Parse(args)

	if *symbol == "" || *dataPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --symbol and --data are required")
		fs.Usage()
		return exitFailure
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	repo, err := persistence.NewSQLiteRepository(*dbPath)
	if err != nil {
		slog.Error("failed to open store", "path", *dbPath, "err", err)
		return exitFailure
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()
	events, err := feed.Collect(ctx, feed.NewCSVFeed(*dataPath))
	if err != nil {
		slog.Error("failed to read data", "err", err)
		return exitFailure
	}

	saved, removed, err := ingest(ctx, repo, *symbol, events)
	if err != nil {
		slog.Error("ingest failed", "err", err)
		return exitFailure
	}
	total, _ := repo.CountQuotes(ctx, *symbol)

	slog.Info("ingest complete",
		"symbol", *symbol,
		"events", len(events),
		"saved", saved,
		"removed", removed,
		"stored", total,
	)
	return 0
}

// ingest applies events in order. Consecutive upserts are written in one
// transaction.
func ingest(ctx context.Context, repo persistence.Repository, symbol string, events []feed.Event) (saved, removed int, err error) {
	var batch []feed.Event
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		quotes := make([]series.Quote, 0, len(batch))
		for _, e := range batch {
			quotes = append(quotes, e.Quote)
		}
		n, err := repo.SaveQuotes(ctx, symbol, quotes)
		saved += n
		batch = batch[:0]
		return err
	}

	for _, e := range events {
		if e.Op != feed.OpRemove {
			batch = append(batch, e)
			continue
		}
		if err := flush(); err != nil {
			return saved, removed, err
		}
		ok, err := repo.DeleteQuote(ctx, symbol, e.Time())
		if err != nil {
			return saved, removed, err
		}
		if ok {
			removed++
		}
	}
	return saved, removed, flush()
}

func cmdRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "indicator-hub.db", "Path to SQLite database")
	limit := fs.Int("limit", 20, "Number of runs to list")
	_ = fs.Parse(args)

	repo, err := persistence.NewSQLiteRepository(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open store: %v\n", err)
		return exitFailure
	}
	defer func() { _ = repo.Close() }()

	runs, err := repo.ListRuns(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List runs: %v\n", err)
		return exitFailure
	}

	fmt.Printf("%-36s  %-20s  %-8s  %-10s  %7s  %8s  %10s\n",
		"ID", "STARTED", "SYMBOL", "STATUS", "EVENTS", "REBUILDS", "MISMATCHES")
	for _, r := range runs {
		fmt.Printf("%-36s  %-20s  %-8s  %-10s  %7d  %8d  %10d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Symbol, r.Status, r.Events, r.Rebuilds, r.Mismatches)
	}
	return 0
}

type shutdownStep struct {
	name string
	fn   func() error
}

// runShutdown runs the steps in order and logs failures.
func runShutdown(steps []shutdownStep) {
	var errs []error
	for _, step := range steps {
		slog.Debug("shutdown step", "step", step.name)
		if err := step.fn(); err != nil {
			slog.Warn("shutdown step failed", "step", step.name, "err", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown completed with errors", "err", err)
	}
}
