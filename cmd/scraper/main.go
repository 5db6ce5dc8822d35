package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jmorneau/go-scrape-autotrader/config"
	"github.com/jmorneau/go-scrape-autotrader/models"
	"github.com/jmorneau/go-scrape-autotrader/pipeline"
	"github.com/jmorneau/go-scrape-autotrader/scraper"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	defaultCfg := config.DefaultConfig()
	pairsDefault := "Mazda:CX-5,Toyota:RAV4,Honda:CR-V"
	if value, ok := config.EnvString("SCRAPER_PAIRS"); ok {
		pairsDefault = value
	}
	postalDefault := defaultCfg.PostalCode
	if value, ok := config.EnvString("SCRAPER_POSTAL_CODE"); ok {
		postalDefault = value
	}
	parallelDefault := defaultCfg.Parallelism
	if value, ok, err := config.EnvInt("SCRAPER_PARALLEL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_PARALLEL: %v\n", err)
		os.Exit(1)
	} else if ok {
		parallelDefault = value
	}
	outputDirDefault := defaultCfg.OutputDir
	if value, ok := config.EnvString("SCRAPER_OUTPUT_DIR"); ok {
		outputDirDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	pairsFlag := flag.String("pairs", pairsDefault, "Make:Model pairs to search, comma separated")
	postalCode := flag.String("postal-code", postalDefault, "Postal code to search around")
	radiusKm := flag.Int("radius", defaultCfg.RadiusKm, "Search radius in kilometres")
	pageSize := flag.Int("page-size", defaultCfg.PageSize, "Results per search page (15, 25, 50 or 100)")
	parallelism := flag.Int("parallel", parallelDefault, "Number of concurrent requests")
	delayMs := flag.Int("delay", 0, "Delay between requests (milliseconds)")
	randomDelayMs := flag.Int("random-delay", 0, "Random jitter added to delay (milliseconds)")
	timeoutSec := flag.Int("timeout", int(defaultCfg.Timeout/time.Second), "Request timeout (seconds)")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per URL")
	retryBackoffMs := flag.Int("retry-backoff", 200, "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", 2000, "Maximum retry backoff (milliseconds)")
	outputDir := flag.String("output-dir", outputDirDefault, "Directory for output tables")
	outputFormat := flag.String("format", "csv", "Output format: csv, json, or dual")
	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Site base URL")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	pairs, err := parsePairs(*pairsFlag)
	if err != nil {
		slog.Error("invalid pairs", slog.Any("error", err))
		os.Exit(1)
	}

	cfg := defaultCfg
	cfg.BaseURL = *baseURL
	cfg.PostalCode = *postalCode
	cfg.RadiusKm = *radiusKm
	cfg.PageSize = *pageSize
	cfg.Parallelism = *parallelism
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
	cfg.Timeout = time.Duration(*timeoutSec) * time.Second
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.OutputDir = *outputDir
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting scrape",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("pairs", len(pairs)),
		slog.String("postal_code", cfg.PostalCode),
		slog.Int("workers", cfg.Parallelism),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	metrics := scraper.NewMetrics()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	startTime := time.Now()
	runDate := startTime
	totalRecords := 0
	totalErrors := 0
	var results []*models.RunResult

	for _, pair := range pairs {
		if ctx.Err() != nil {
			slog.Info("run cancelled, skipping remaining pairs")
			break
		}

		result, err := runPair(ctx, cfg, metrics, pair, runDate)
		if err != nil {
			slog.Error("pair run failed",
				slog.String("make", pair.Make),
				slog.String("model", pair.Model),
				slog.Any("error", err),
			)
			totalErrors++
			continue
		}
		results = append(results, result)
		totalRecords += result.Records
		totalErrors += result.ErrorCount
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(results, totalRecords, totalErrors, time.Since(startTime), cfg.OutputDir)
}

// runPair performs one search-and-extract run and writes its output table.
// A pair that yields zero records produces no file.
func runPair(ctx context.Context, cfg *config.Config, metrics *scraper.Metrics, pair models.Pair, runDate time.Time) (*models.RunResult, error) {
	s, err := scraper.New(cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("initialising scraper: %w", err)
	}

	writer, err := createWriter(cfg.OutputFormat, outputPath(cfg.OutputDir, pair, runDate))
	if err != nil {
		return nil, fmt.Errorf("creating writer: %w", err)
	}

	p := pipeline.NewPipeline(ctx, writer, cfg)
	p.Start(cfg.Parallelism)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, err := s.Run(ctx, pair, p)
	if err != nil {
		p.Close()
		writer.Close()
		return nil, fmt.Errorf("scraping: %w", err)
	}

	if err := p.Close(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("pipeline shutdown: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	// Only now, with the pipeline drained, is the record count final.
	result.Records = int(p.Processed())

	if result.Records == 0 {
		slog.Info("no records extracted, skipping write",
			slog.String("make", pair.Make),
			slog.String("model", pair.Model),
		)
		return result, nil
	}

	if err := writer.Validate(); err != nil {
		return nil, fmt.Errorf("output validation: %w", err)
	}

	slog.Info("pair complete",
		slog.String("make", pair.Make),
		slog.String("model", pair.Model),
		slog.Int("records", result.Records),
		slog.Int("discovered", result.DiscoveredURLs),
		slog.Int("errors", result.ErrorCount),
	)
	return result, nil
}

// parsePairs splits "Make:Model,Make:Model" into pairs.
func parsePairs(raw string) ([]models.Pair, error) {
	var pairs []models.Pair
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mk, mdl, ok := strings.Cut(part, ":")
		mk = strings.TrimSpace(mk)
		mdl = strings.TrimSpace(mdl)
		if !ok || mk == "" || mdl == "" {
			return nil, fmt.Errorf("malformed pair %q, want Make:Model", part)
		}
		pairs = append(pairs, models.Pair{Make: mk, Model: mdl})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs given")
	}
	return pairs, nil
}

// outputPath builds the deterministic per-pair file name:
// <make>_<model>_<date> lowercased, spaces dashed.
func outputPath(dir string, pair models.Pair, date time.Time) string {
	slug := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), " ", "-")
	}
	name := fmt.Sprintf("%s_%s_%s", slug(pair.Make), slug(pair.Model), date.Format("2006-01-02"))
	return filepath.Join(dir, name)
}

func createWriter(format, basePath string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(basePath + ".jsonl")
	case "csv":
		return pipeline.NewCSVWriter(basePath + ".csv")
	case "dual":
		return pipeline.NewDualWriter(basePath+".csv", basePath+".jsonl")
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(results []*models.RunResult, totalRecords, totalErrors int, duration time.Duration, outputDir string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	for _, result := range results {
		fmt.Printf("  %-24s records=%-4d discovered=%-4d errors=%-3d retries=%d\n",
			result.Pair.String(),
			result.Records,
			result.DiscoveredURLs,
			result.ErrorCount,
			result.RetryCount,
		)
	}

	fmt.Printf("  Total records: %d\n", totalRecords)
	fmt.Printf("  Total errors:  %d\n", totalErrors)
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Output dir:    %s\n", outputDir)
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
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
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
