package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-cards/cache"
	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/ingest"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/pipeline"
	"github.com/aluiziolira/go-scrape-cards/scraper"
	"github.com/aluiziolira/go-scrape-cards/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

const usage = `usage: ingest <command> [flags]

commands:
  sellers              discover sellers from the directory
  listings [-seller N] crawl stored sellers and upsert their listings
  cards <file|->       import the reference card catalog
  migrate              create or update the schema
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	command, args := args[0], args[1:]
	switch command {
	case "sellers", "listings", "cards", "migrate":
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}

	cfg := config.DefaultConfig()
	if err := cfg.FromEnv(config.NewEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	registerFlags(fs, cfg)
	var sellers stringList
	autoMigrate := fs.Bool("auto-migrate", true, "Create or update the schema before running")
	if command == "listings" {
		fs.Var(&sellers, "seller", "Crawl only this seller (repeatable)")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	var catalog io.ReadCloser
	if command == "cards" {
		if fs.NArg() != 1 {
			slog.Error("cards expects exactly one catalog file, or - for stdin")
			return 2
		}
		f, err := openCatalog(fs.Arg(0))
		if err != nil {
			slog.Error("opening catalog", slog.Any("error", err))
			return 1
		}
		catalog = f
		defer catalog.Close()
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("opening database", slog.Any("error", err))
		return 1
	}
	defer closeDB(db)

	if command == "migrate" || *autoMigrate {
		if err := store.AutoMigrate(db); err != nil {
			slog.Error("migrating schema", slog.Any("error", err))
			return 1
		}
	}
	if command == "migrate" {
		slog.Info("schema up to date")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, persisting what was already crawled")
	}()

	metrics := scraper.NewMetrics()
	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics)
	defer stopMetricsServer(metricsServer)

	deps := ingest.Deps{Config: cfg, DB: db, Metrics: metrics}
	if command != "cards" {
		profile, err := config.LoadProfile(cfg.ProfileFile, cfg.UserAgent)
		if err != nil {
			slog.Error("loading request profile", slog.Any("error", err))
			return 1
		}
		fetcher, err := scraper.NewFetcher(cfg, profile, metrics)
		if err != nil {
			slog.Error("initialising fetcher", slog.Any("error", err))
			return 1
		}
		deps.Fetcher = fetcher

		pages, err := openCache(cfg)
		if err != nil {
			slog.Error("opening page cache", slog.Any("error", err))
			return 1
		}
		deps.Cache = pages
	}

	if cfg.RejectsFile != "" {
		rejects, err := pipeline.NewRejectLog(cfg.RejectsFile)
		if err != nil {
			slog.Error("opening reject log", slog.Any("error", err))
			return 1
		}
		defer func() {
			if err := rejects.Close(); err != nil {
				slog.Error("close reject log", slog.Any("error", err))
			}
		}()
		deps.Rejects = rejects
	}

	runner, err := ingest.New(deps)
	if err != nil {
		slog.Error("initialising runner", slog.Any("error", err))
		return 1
	}

	start := time.Now()
	switch command {
	case "sellers":
		slog.Info("discovering sellers", slog.String("url", cfg.SellersURL()))
		printDiscovery(runner.DiscoverSellers(ctx), time.Since(start))
	case "listings":
		slog.Info("crawling listings",
			slog.Int("workers", cfg.Concurrency),
			slog.Int("sellers", len(sellers)),
		)
		printRun(runner.CrawlListings(ctx, sellers...), deps.Rejects)
	case "cards":
		printImport(runner.ImportCards(ctx, catalog), time.Since(start))
	}
	return 0
}

func registerFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Marketplace base URL")
	fs.StringVar(&cfg.SellersPath, "sellers-path", cfg.SellersPath, "Seller directory path")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "Seller store path prefix")
	fs.IntVar(&cfg.MaxPages, "pages", cfg.MaxPages, "Maximum pages per source")
	fs.IntVar(&cfg.Concurrency, "parallel", cfg.Concurrency, "Number of sellers crawled concurrently")
	fs.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Base delay between requests to one source")
	fs.DurationVar(&cfg.RandomDelay, "random-delay", cfg.RandomDelay, "Random jitter added to delay")
	fs.Float64Var(&cfg.RequestRPS, "rps", cfg.RequestRPS, "Global request rate cap (0 disables)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum retry attempts per page on transient errors")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	fs.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	fs.DurationVar(&cfg.RateLimitWait, "rate-limit-wait", cfg.RateLimitWait, "Wait after HTTP 429 before retrying")
	fs.IntVar(&cfg.MaxRateLimitRetries, "max-rate-limit-retries", cfg.MaxRateLimitRetries, "Maximum 429 retries per page")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Records per upsert batch")
	fs.IntVar(&cfg.ResolverCacheSize, "resolver-cache", cfg.ResolverCacheSize, "Card name cache entries")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Raw page cache directory (empty disables)")
	fs.BoolVar(&cfg.RefreshCache, "refresh", cfg.RefreshCache, "Refetch pages even when cached")
	fs.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "Database DSN (postgres URL or sqlite://path)")
	fs.StringVar(&cfg.ProfileFile, "profile", cfg.ProfileFile, "Request profile YAML (headers, cookies)")
	fs.StringVar(&cfg.RejectsFile, "rejects", cfg.RejectsFile, "JSONL file for rejected records")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	fs.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent when the profile sets none")
	fs.BoolVar(&cfg.RespectRobotsTxt, "respect-robots", cfg.RespectRobotsTxt, "Respect robots.txt directives")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("seller name cannot be empty")
	}
	*s = append(*s, v)
	return nil
}

func openCatalog(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openCache(cfg *config.Config) (cache.Store, error) {
	if cfg.CacheDir == "" {
		return cache.Nop{}, nil
	}
	return cache.New(cfg.CacheDir, cache.WithRefresh(cfg.RefreshCache))
}

func closeDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		slog.Error("close database", slog.Any("error", err))
	}
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return srv
}

func stopMetricsServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

const separator = "--------------------------------------------------"

func printDiscovery(r models.DiscoveryReport, duration time.Duration) {
	fmt.Println("\n" + separator)
	fmt.Println("Seller discovery " + string(r.Status))
	fmt.Printf("  Pages:         %d\n", r.Pages)
	fmt.Printf("  Found:         %d\n", r.Found)
	fmt.Printf("  Skipped:       %d\n", r.Skipped)
	fmt.Printf("  Inserted:      %d\n", r.Inserted)
	fmt.Printf("  Updated:       %d\n", r.Updated)
	if r.Err != nil {
		fmt.Printf("  Error:         %v\n", r.Err)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Println(separator)
}

func printRun(r models.RunReport, rejects *pipeline.RejectLog) {
	duration := r.EndTime.Sub(r.StartTime)
	perSec := 0.0
	if duration.Seconds() > 0 {
		perSec = float64(r.Written) / duration.Seconds()
	}

	fmt.Println("\n" + separator)
	fmt.Println("Listing crawl complete")
	fmt.Printf("  Sellers:       %d (%d complete, %d partial)\n", r.Sellers, r.Complete, r.Partial)
	fmt.Printf("  Extracted:     %d\n", r.Extracted)
	fmt.Printf("  Skipped:       %d\n", r.Skipped)
	fmt.Printf("  Unresolved:    %d\n", r.Unresolved)
	fmt.Printf("  Written:       %d\n", r.Written)
	fmt.Printf("  Failed:        %d\n", r.Failed)
	if rejects != nil {
		fmt.Printf("  Rejects:       %d\n", rejects.Count())
	}
	if len(r.FailedNames) > 0 {
		fmt.Printf("  Partial:       %s\n", strings.Join(r.FailedNames, ", "))
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Listings/sec:  %.2f\n", perSec)
	fmt.Println(separator)

	for _, res := range r.Results {
		if res.Err != nil {
			slog.Warn("seller finished with errors",
				slog.String("seller", res.Seller),
				slog.String("status", string(res.Status)),
				slog.Any("error", res.Err),
			)
		}
	}
}

func printImport(r models.ImportReport, duration time.Duration) {
	fmt.Println("\n" + separator)
	fmt.Println("Card import complete")
	fmt.Printf("  Decoded:       %d\n", r.Decoded)
	fmt.Printf("  Skipped:       %d\n", r.Skipped)
	fmt.Printf("  Written:       %d\n", r.Written)
	fmt.Printf("  Failed:        %d\n", r.Failed)
	fmt.Printf("  Batches:       %d\n", r.Batches)
	if r.Err != nil {
		fmt.Printf("  Error:         %v\n", r.Err)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
