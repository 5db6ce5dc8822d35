// Package scraper drives the site crawl: one search-results fetch per
// make/model pair, then a bounded-concurrency fetch and extraction of every
// discovered listing page.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jmorneau/go-scrape-autotrader/config"
	"github.com/jmorneau/go-scrape-autotrader/models"
	"github.com/jmorneau/go-scrape-autotrader/parser"
	"github.com/jmorneau/go-scrape-autotrader/pipeline"
)

// Page kinds carried in the request context so one collector can dispatch
// search and listing responses to the right handler.
const (
	kindSearch  = "search"
	kindListing = "listing"
)

// Scraper wraps the colly collector, retry policy, and extraction handlers
// for one pair's run.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retrier
	Metrics   *Metrics

	requestCount    int64
	discoveredCount int64
	errorCount      int64
	extractFailures int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int

	handlersOnce sync.Once
}

// New builds a scraper configured from cfg. A nil metrics value gets a
// fresh registry; callers serving /metrics across pairs pass a shared one.
func New(cfg *config.Config, metrics *Metrics) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	// Colly refuses to fetch a URL twice by default, which would turn every
	// retry into a no-op. Dedup of discovered listings happens upstream.
	collector.AllowURLRevisit = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		errorsByType: make(map[string]int),
		Metrics:      metrics,
	}
	s.retry = newRetrier(cfg, s.visit, s.recordFailed)
	return s, nil
}

// Run fetches the search page for pair, then every discovered listing page,
// streaming merged records through the pipeline. Per-listing failures are
// logged and recorded; only a failed initial visit aborts the run. The
// result's Records field stays zero here: records may still be queued in the
// pipeline, so the caller fills it from Pipeline.Processed after Close.
func (s *Scraper) Run(ctx context.Context, pair models.Pair, p *pipeline.Pipeline) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.retry.setContext(ctx)
	s.configureHandlers(ctx, p)

	query := SearchQuery{
		Make:       pair.Make,
		Model:      pair.Model,
		PostalCode: s.cfg.PostalCode,
		RadiusKm:   s.cfg.RadiusKm,
		PageSize:   s.cfg.PageSize,
	}
	searchURL := query.URL(s.cfg.BaseURL)

	slog.Info("requesting search page",
		slog.String("make", pair.Make),
		slog.String("model", pair.Model),
		slog.String("url", searchURL),
	)

	start := time.Now()
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.collector.Wait()
			s.retry.stop()
		case <-done:
		}
	}()

	if err := s.visit(searchURL, kindSearch); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}

	s.collector.Wait()
	// The collector has no view of requests waiting on a retry timer; keep
	// waiting until the retry queue is empty before declaring the run done.
	for s.retry.hasPending() {
		time.Sleep(10 * time.Millisecond)
		s.collector.Wait()
	}
	s.retry.stop()

	result := &models.RunResult{
		Pair:            pair,
		StartTime:       start,
		EndTime:         time.Now(),
		DiscoveredURLs:  int(atomic.LoadInt64(&s.discoveredCount)),
		RequestCount:    int(atomic.LoadInt64(&s.requestCount)),
		ErrorCount:      int(atomic.LoadInt64(&s.errorCount)),
		ExtractFailures: int(atomic.LoadInt64(&s.extractFailures)),
		FailedURLs:      s.snapshotFailedURLs(),
		ErrorsByType:    s.snapshotErrors(),
		RetryCount:      s.retry.totalRetries(),
	}
	return result, nil
}

// visit issues a request tagged with its page kind.
func (s *Scraper) visit(pageURL, kind string) error {
	cctx := colly.NewContext()
	cctx.Put("kind", kind)
	return s.collector.Request(http.MethodGet, pageURL, nil, cctx, nil)
}

func (s *Scraper) configureHandlers(ctx context.Context, p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			atomic.AddInt64(&s.requestCount, 1)
			s.Metrics.IncRequest(r.Ctx.Get("kind"))
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if r.StatusCode >= http.StatusBadRequest {
				slog.Error("non-200 response",
					slog.Int("status", r.StatusCode),
					slog.String("url", r.Request.URL.String()),
				)
			}
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				s.Metrics.ObserveDuration(time.Since(start))
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&s.errorCount, 1)

			statusCode := 0
			pageURL := ""
			kind := kindListing
			if r != nil {
				statusCode = r.StatusCode
				if r.Request != nil {
					if r.Request.URL != nil {
						pageURL = r.Request.URL.String()
					}
					if k := r.Request.Ctx.Get("kind"); k != "" {
						kind = k
					}
				}
			}

			fetchErr := classifyFetch(pageURL, err, statusCode)
			s.mu.Lock()
			s.errorsByType[fetchErr.Kind]++
			s.mu.Unlock()

			slog.Error("request error",
				slog.String("url", pageURL),
				slog.String("kind", kind),
				slog.String("category", fetchErr.Kind),
				slog.Any("error", err),
			)
			s.Metrics.IncError(fetchErr.Kind)

			if s.retry.schedule(pageURL, kind) {
				s.Metrics.IncRetries()
				return
			}
			s.recordFailed(pageURL)
		})

		s.collector.OnHTML("html", func(e *colly.HTMLElement) {
			switch e.Request.Ctx.Get("kind") {
			case kindSearch:
				s.handleSearchPage(ctx, e)
			case kindListing:
				s.handleListingPage(p, e)
			}
		})
	})
}

func (s *Scraper) handleSearchPage(ctx context.Context, e *colly.HTMLElement) {
	urls := parser.ListingURLs(e.DOM, s.cfg.BaseURL)
	atomic.AddInt64(&s.discoveredCount, int64(len(urls)))

	if len(urls) == 0 {
		// An empty results page is a legitimate outcome, not an error.
		slog.Info("search returned no listings", slog.String("url", e.Request.URL.String()))
		return
	}

	slog.Info("discovered listings",
		slog.Int("count", len(urls)),
		slog.String("url", e.Request.URL.String()),
	)
	for _, u := range urls {
		if ctx.Err() != nil {
			return
		}
		if err := s.visit(u, kindListing); err != nil {
			slog.Debug("enqueue listing failed", slog.String("url", u), slog.Any("error", err))
		}
	}
}

func (s *Scraper) handleListingPage(p *pipeline.Pipeline, e *colly.HTMLElement) {
	pageURL := e.Request.URL.String()

	record, err := parser.ExtractListing(e.DOM)
	if err != nil {
		atomic.AddInt64(&s.extractFailures, 1)
		reason := "malformed_structured_data"
		if errors.Is(err, parser.ErrMissingStructuredData) {
			reason = "missing_structured_data"
		}
		s.Metrics.IncExtractFailure(reason)
		slog.Error("listing extraction failed",
			slog.String("url", pageURL),
			slog.Any("error", err),
		)
		return
	}

	supplement := parser.ExtractSupplement(e.DOM)
	if supplement == nil {
		slog.Debug("no supplementary payload", slog.String("url", pageURL))
	}

	merged := parser.Merge(record, supplement)
	if merged.URL() == "" {
		// The structured data does not always echo its own URL; the fetched
		// address is the canonical identity for dedup and output.
		merged["url"] = pageURL
	}

	s.Metrics.IncListings()
	if err := p.Process(merged); err != nil && err != pipeline.ErrPipelineClosed {
		slog.Error("pipeline process error", slog.String("url", pageURL), slog.Any("error", err))
	}
}

func (s *Scraper) recordFailed(pageURL string) {
	s.mu.Lock()
	s.failedURLs = append(s.failedURLs, pageURL)
	s.mu.Unlock()
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}
