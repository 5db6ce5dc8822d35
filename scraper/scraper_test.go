package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/jmorneau/go-scrape-autotrader/config"
	"github.com/jmorneau/go-scrape-autotrader/models"
	"github.com/jmorneau/go-scrape-autotrader/pipeline"
)

type collectingWriter struct {
	mu      sync.Mutex
	records []models.Record
}

func (cw *collectingWriter) Write(records []models.Record) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.records = append(cw.records, records...)
	return nil
}

func (cw *collectingWriter) Close() error    { return nil }
func (cw *collectingWriter) Validate() error { return nil }

func (cw *collectingWriter) all() []models.Record {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]models.Record, len(cw.records))
	copy(out, cw.records)
	return out
}

// gatedWriter blocks every Write until release is closed, keeping records
// queued in the pipeline channel.
type gatedWriter struct {
	collectingWriter
	release chan struct{}
}

func (gw *gatedWriter) Write(records []models.Record) error {
	<-gw.release
	return gw.collectingWriter.Write(records)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.PostalCode = "B3M 0L8"
	cfg.Parallelism = 2
	cfg.MaxRetries = 0
	cfg.Timeout = 2 * time.Second
	cfg.BatchSize = 1
	cfg.PipelineBufferSize = 16
	return cfg
}

const searchPageHTML = `<html><body>
	<a class="detail-price-area" href="/a/toyota/rav4/1">listing one</a>
	<a class="inner-link" href="/a/toyota/rav4/1">listing one again</a>
	<a class="inner-link" href="/a/toyota/rav4/2">listing two</a>
	<a class="nav-link" href="/about">not a listing</a>
</body></html>`

const goodListingHTML = `<html><head>
	<script type="application/ld+json">{"@type":"BreadcrumbList"}</script>
	<script type="application/ld+json">
		{"@type":"Car","url":"http://example.test/a/toyota/rav4/1","name":"2021 Toyota RAV4",
		 "brand":{"name":"Toyota"},"model":"RAV4","vehicleModelDate":"2021",
		 "offers":{"price":24999,"priceCurrency":"CAD"}}
	</script>
</head><body>
	<script type="text/javascript">window['ngVdpModel'] = {"hero":{"trim":"XLE","location":"Halifax, NS"}};</script>
</body></html>`

// brokenListingHTML is missing its vehicle structured-data block.
const brokenListingHTML = `<html><head>
	<script type="application/ld+json">{"@type":"BreadcrumbList"}</script>
</head><body></body></html>`

const secondListingHTML = `<html><head>
	<script type="application/ld+json">{"@type":"BreadcrumbList"}</script>
	<script type="application/ld+json">
		{"@type":"Car","url":"http://example.test/a/toyota/rav4/2","name":"2022 Toyota RAV4",
		 "brand":{"name":"Toyota"},"model":"RAV4","vehicleModelDate":"2022",
		 "offers":{"price":31999,"priceCurrency":"CAD"}}
	</script>
</head><body></body></html>`

const singleListingSearchHTML = `<html><body>
	<a class="inner-link" href="/a/toyota/rav4/1">listing one</a>
</body></html>`

// htmlResponder serves body with an HTML content type; colly skips HTML
// callbacks for responses without one.
func htmlResponder(status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(status, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		resp.Request = req
		return resp, nil
	}
}

func newTestScraper(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) *Scraper {
	t.Helper()
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)
	return s
}

func TestScraperRunEndToEnd(t *testing.T) {
	cfg := testConfig()
	pair := models.Pair{Make: "Toyota", Model: "RAV4"}

	searchURL := SearchQuery{
		Make:       pair.Make,
		Model:      pair.Model,
		PostalCode: cfg.PostalCode,
		RadiusKm:   cfg.RadiusKm,
		PageSize:   cfg.PageSize,
	}.URL(cfg.BaseURL)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(http.StatusOK, searchPageHTML))
	transport.RegisterResponder("GET", "http://example.test/a/toyota/rav4/1", htmlResponder(http.StatusOK, goodListingHTML))
	transport.RegisterResponder("GET", "http://example.test/a/toyota/rav4/2", htmlResponder(http.StatusOK, brokenListingHTML))

	s := newTestScraper(t, cfg, transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), pair, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.DiscoveredURLs != 2 {
		t.Errorf("discovered = %d, want 2", result.DiscoveredURLs)
	}
	if got := int(p.Processed()); got != 1 {
		t.Errorf("processed records = %d, want 1", got)
	}
	if result.ExtractFailures != 1 {
		t.Errorf("extract failures = %d, want 1", result.ExtractFailures)
	}
	if result.ErrorCount != 0 {
		t.Errorf("fetch errors = %d, want 0", result.ErrorCount)
	}

	records := writer.all()
	if len(records) != 1 {
		t.Fatalf("written records = %d, want 1", len(records))
	}
	record := records[0]
	if record["make"] != "Toyota" || record["model"] != "RAV4" {
		t.Errorf("record = %v, want Toyota RAV4", record)
	}
	if record["price"] != float64(24999) {
		t.Errorf("record[price] = %v, want 24999", record["price"])
	}
	// Supplement fields merged on top of the structured data.
	if record["trim"] != "XLE" {
		t.Errorf("record[trim] = %v, want XLE", record["trim"])
	}
	if record["location"] != "Halifax, NS" {
		t.Errorf("record[location] = %v, want Halifax, NS", record["location"])
	}
}

func TestScraperRunEmptySearchResults(t *testing.T) {
	cfg := testConfig()
	pair := models.Pair{Make: "Mazda", Model: "CX-5"}

	searchURL := SearchQuery{
		Make:       pair.Make,
		Model:      pair.Model,
		PostalCode: cfg.PostalCode,
		RadiusKm:   cfg.RadiusKm,
		PageSize:   cfg.PageSize,
	}.URL(cfg.BaseURL)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(http.StatusOK, "<html><body></body></html>"))

	s := newTestScraper(t, cfg, transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), pair, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.DiscoveredURLs != 0 || p.Processed() != 0 {
		t.Fatalf("discovered=%d processed=%d, want 0/0", result.DiscoveredURLs, p.Processed())
	}
	if len(writer.all()) != 0 {
		t.Fatalf("no records should be written")
	}
}

func TestScraperRunListingFetchFailure(t *testing.T) {
	cfg := testConfig()
	pair := models.Pair{Make: "Toyota", Model: "RAV4"}

	searchURL := SearchQuery{
		Make:       pair.Make,
		Model:      pair.Model,
		PostalCode: cfg.PostalCode,
		RadiusKm:   cfg.RadiusKm,
		PageSize:   cfg.PageSize,
	}.URL(cfg.BaseURL)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(http.StatusOK, searchPageHTML))
	transport.RegisterResponder("GET", "http://example.test/a/toyota/rav4/1", htmlResponder(http.StatusOK, goodListingHTML))
	transport.RegisterResponder("GET", "http://example.test/a/toyota/rav4/2", httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, cfg, transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), pair, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	// The 404 listing is dropped, the valid one still comes through.
	if got := int(p.Processed()); got != 1 {
		t.Errorf("processed records = %d, want 1", got)
	}
	if result.ErrorCount != 1 {
		t.Errorf("fetch errors = %d, want 1", result.ErrorCount)
	}
	if result.ErrorsByType[KindNotFound] != 1 {
		t.Errorf("errors by type = %v, want one not_found", result.ErrorsByType)
	}
	if len(result.FailedURLs) != 1 {
		t.Errorf("failed urls = %v, want one entry", result.FailedURLs)
	}
}

// A slow writer must not make the run undercount: records that Run has
// handed to the pipeline only become countable once Close drains the
// channel, so the final tally comes from Processed after Close.
func TestRecordCountFinalAfterPipelineClose(t *testing.T) {
	cfg := testConfig()
	pair := models.Pair{Make: "Toyota", Model: "RAV4"}

	searchURL := SearchQuery{
		Make:       pair.Make,
		Model:      pair.Model,
		PostalCode: cfg.PostalCode,
		RadiusKm:   cfg.RadiusKm,
		PageSize:   cfg.PageSize,
	}.URL(cfg.BaseURL)

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(http.StatusOK, searchPageHTML))
	transport.RegisterResponder("GET", "http://example.test/a/toyota/rav4/1", htmlResponder(http.StatusOK, goodListingHTML))
	transport.RegisterResponder("GET", "http://example.test/a/toyota/rav4/2", htmlResponder(http.StatusOK, secondListingHTML))

	s := newTestScraper(t, cfg, transport)

	writer := &gatedWriter{release: make(chan struct{})}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	// The single worker parks in the first Write, so Run returns while at
	// least one record still sits in the channel.
	_, err := s.Run(context.Background(), pair, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	close(writer.release)
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := int(p.Processed()); got != 2 {
		t.Fatalf("processed records = %d, want 2", got)
	}
	if got := len(writer.all()); got != 2 {
		t.Fatalf("written records = %d, want 2", got)
	}
}

// A transient fetch failure is actually re-fetched, not just counted.
func TestScraperRunRetriesFailedFetch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.RetryBackoffMax = 20 * time.Millisecond
	pair := models.Pair{Make: "Toyota", Model: "RAV4"}

	searchURL := SearchQuery{
		Make:       pair.Make,
		Model:      pair.Model,
		PostalCode: cfg.PostalCode,
		RadiusKm:   cfg.RadiusKm,
		PageSize:   cfg.PageSize,
	}.URL(cfg.BaseURL)

	var attempts int32
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(http.StatusOK, singleListingSearchHTML))
	transport.RegisterResponder("GET", "http://example.test/a/toyota/rav4/1", func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return httpmock.NewStringResponse(http.StatusInternalServerError, ""), nil
		}
		return htmlResponder(http.StatusOK, goodListingHTML)(req)
	})

	s := newTestScraper(t, cfg, transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), pair, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("fetch attempts = %d, want 2", got)
	}
	if result.RetryCount != 1 {
		t.Errorf("retries = %d, want 1", result.RetryCount)
	}
	if got := int(p.Processed()); got != 1 {
		t.Errorf("processed records = %d, want 1", got)
	}
	if len(result.FailedURLs) != 0 {
		t.Errorf("failed urls = %v, want none", result.FailedURLs)
	}
}

// A listing that keeps failing is retried up to the budget and then lands
// in the failed-URL report.
func TestScraperRunRetryExhaustionRecordsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.RetryBackoffMax = 20 * time.Millisecond
	pair := models.Pair{Make: "Toyota", Model: "RAV4"}

	searchURL := SearchQuery{
		Make:       pair.Make,
		Model:      pair.Model,
		PostalCode: cfg.PostalCode,
		RadiusKm:   cfg.RadiusKm,
		PageSize:   cfg.PageSize,
	}.URL(cfg.BaseURL)

	listingURL := "http://example.test/a/toyota/rav4/1"
	var attempts int32
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", searchURL, htmlResponder(http.StatusOK, singleListingSearchHTML))
	transport.RegisterResponder("GET", listingURL, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return httpmock.NewStringResponse(http.StatusInternalServerError, ""), nil
	})

	s := newTestScraper(t, cfg, transport)

	writer := &collectingWriter{}
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)

	result, err := s.Run(context.Background(), pair, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("fetch attempts = %d, want 2", got)
	}
	if result.RetryCount != 1 {
		t.Errorf("retries = %d, want 1", result.RetryCount)
	}
	if result.ErrorCount != 2 {
		t.Errorf("fetch errors = %d, want 2", result.ErrorCount)
	}
	if len(result.FailedURLs) != 1 || result.FailedURLs[0] != listingURL {
		t.Errorf("failed urls = %v, want [%s]", result.FailedURLs, listingURL)
	}
	if got := int(p.Processed()); got != 0 {
		t.Errorf("processed records = %d, want 0", got)
	}
}

func TestClassifyFetch(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		want       string
	}{
		{name: "context timeout", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, want: KindTimeout},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, want: KindConnection},
		{name: "forbidden", statusCode: http.StatusForbidden, want: KindForbidden},
		{name: "not found", statusCode: http.StatusNotFound, want: KindNotFound},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, want: KindRateLimited},
		{name: "other", err: errors.New("some other error"), want: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetchErr := classifyFetch("http://example.test/a/1", tt.err, tt.statusCode)
			if fetchErr.Kind != tt.want {
				t.Fatalf("kind = %q, want %q", fetchErr.Kind, tt.want)
			}
			if tt.err != nil && !errors.Is(fetchErr, tt.err) {
				t.Fatalf("FetchError should wrap the original error")
			}
		})
	}
}

func TestRetrierScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	r := newRetrier(cfg, func(url, kind string) error { return nil }, nil)
	defer r.stop()

	if !r.schedule("http://example.test/a/1", kindListing) {
		t.Fatalf("first retry should be scheduled")
	}
	if !r.schedule("http://example.test/a/1", kindListing) {
		t.Fatalf("second retry should be scheduled")
	}
	if r.schedule("http://example.test/a/1", kindListing) {
		t.Fatalf("third retry should not be scheduled")
	}

	if got := r.totalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestRetrierBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	r := newRetrier(cfg, func(url, kind string) error { return nil }, nil)
	defer r.stop()

	if delay := r.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestRetrierReplaysPageKind(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond

	fired := make(chan string, 1)
	r := newRetrier(cfg, func(url, kind string) error {
		fired <- kind
		return nil
	}, nil)
	defer r.stop()

	if !r.schedule("http://example.test/cars/?make=Toyota", kindSearch) {
		t.Fatalf("retry should be scheduled")
	}

	select {
	case kind := <-fired:
		if kind != kindSearch {
			t.Fatalf("replayed kind = %q, want %q", kind, kindSearch)
		}
	case <-time.After(time.Second):
		t.Fatalf("retry never fired")
	}
}

func TestRetrierStopCancelsPending(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = 50 * time.Millisecond

	var mu sync.Mutex
	firedCount := 0
	r := newRetrier(cfg, func(url, kind string) error {
		mu.Lock()
		firedCount++
		mu.Unlock()
		return nil
	}, nil)

	r.schedule("http://example.test/a/1", kindListing)
	r.stop()

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if firedCount != 0 {
		t.Fatalf("stopped retrier fired %d times", firedCount)
	}
}
