package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmorneau/go-scrape-autotrader/config"
)

// retrier schedules delayed re-fetches of failed URLs with capped
// exponential backoff. Retry policy belongs to the transport layer; the
// extraction pipeline never sees a URL until its fetch succeeds or the
// attempt budget is spent.
type retrier struct {
	cfg   *config.Config
	visit func(url, kind string) error
	fail  func(url string)

	mu       sync.Mutex
	ctx      context.Context
	attempts map[string]int
	timers   map[string]*time.Timer
	total    int
	stopped  bool
}

// newRetrier builds a retrier that re-fetches through visit and reports URLs
// whose revisit could not even be issued through fail. Either callback may be
// nil in tests.
func newRetrier(cfg *config.Config, visit func(url, kind string) error, fail func(url string)) *retrier {
	return &retrier{
		cfg:      cfg,
		visit:    visit,
		fail:     fail,
		ctx:      context.Background(),
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
}

// schedule queues a retry for url if its attempt budget allows. It reports
// whether a retry was scheduled; the kind is replayed on the revisit so
// search and listing pages keep their handlers.
func (r *retrier) schedule(url, kind string) bool {
	if r.cfg.MaxRetries == 0 || url == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.ctx.Err() != nil {
		return false
	}

	attempt := r.attempts[url]
	if attempt >= r.cfg.MaxRetries {
		return false
	}
	gen := attempt + 1
	r.attempts[url] = gen
	r.total++

	if timer, ok := r.timers[url]; ok {
		timer.Stop()
	}
	r.timers[url] = time.AfterFunc(r.backoff(gen), func() {
		r.fire(url, kind, gen)
	})
	return true
}

func (r *retrier) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := r.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := r.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// fire issues the delayed revisit. The timer entry is removed only after the
// revisit is handed to the collector, so hasPending never reports an empty
// queue while a re-fetch is still unaccounted for. The attempt number acts
// as a generation token: if the revisit failed fast enough for a newer retry
// of the same URL to be scheduled already, that timer's entry stays put.
func (r *retrier) fire(url, kind string, gen int) {
	r.mu.Lock()
	stopped := r.stopped
	ctx := r.ctx
	r.mu.Unlock()

	if !stopped && ctx.Err() == nil {
		if err := r.visit(url, kind); err != nil {
			slog.Debug("retry visit failed", slog.String("url", url), slog.Any("error", err))
			if r.fail != nil {
				r.fail(url)
			}
		}
	}

	r.mu.Lock()
	if r.attempts[url] == gen {
		delete(r.timers, url)
	}
	r.mu.Unlock()
}

// hasPending reports whether any retry timer is still waiting to fire or has
// fired without handing its revisit to the collector yet.
func (r *retrier) hasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.stopped && len(r.timers) > 0
}

// stop cancels all pending retries.
func (r *retrier) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	r.stopped = true
	for url, timer := range r.timers {
		timer.Stop()
		delete(r.timers, url)
	}
}

func (r *retrier) totalRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *retrier) setContext(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx = ctx
}
