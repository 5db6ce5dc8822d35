// Package pipeline validates, de-duplicates, and writes extracted listing
// records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmorneau/go-scrape-autotrader/config"
	"github.com/jmorneau/go-scrape-autotrader/models"
	"github.com/jmorneau/go-scrape-autotrader/parser"
)

// ErrPipelineClosed is returned when Process is called after shutdown.
var ErrPipelineClosed = errors.New("pipeline: closed")

// seenCacheSize bounds the URL dedup cache. A single run never approaches
// this, but it keeps memory flat if the pipeline is reused for large batches.
const seenCacheSize = 8192

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []models.Record) error
	Close() error
	Validate() error
}

// Pipeline coordinates validation, de-duplication, and output writing.
type Pipeline struct {
	ctx       context.Context
	writer    OutputWriter
	recordCh  chan models.Record
	batchSize int

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	metrics counters

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with buffer and batch sizes from cfg.
func NewPipeline(ctx context.Context, writer OutputWriter, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	bufferSize := cfg.PipelineBufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &Pipeline{
		ctx:       ctx,
		writer:    writer,
		recordCh:  make(chan models.Record, bufferSize),
		batchSize: batchSize,
		seen:      seen,
		metrics:   newCounters(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues a record for downstream processing.
func (p *Pipeline) Process(record models.Record) error {
	if record == nil {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	return p.enqueue(record)
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// Processed reports how many records have cleared validation and dedup.
// Records may still sit in the channel until workers drain it, so the
// count is only final after Close returns.
func (p *Pipeline) Processed() int64 {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()
	return p.metrics.processed
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_records"].(int64)
				validation := metrics["validation_errors"].(map[string]int)
				slog.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Int("validation_errors", len(validation)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]models.Record, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for record := range p.recordCh {
		prepared := p.prepare(record)
		if prepared == nil {
			continue
		}
		batch = append(batch, prepared)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pipeline) prepare(record models.Record) models.Record {
	if err := parser.ValidateRecord(record); err != nil {
		p.metrics.addValidation("invalid_record")
		return nil
	}

	url := record.URL()
	if p.seen.Contains(url) {
		p.metrics.addValidation("duplicate_url")
		return nil
	}
	p.seen.Add(url, struct{}{})

	p.metrics.incrementProcessed()
	return record
}

func (p *Pipeline) enqueue(record models.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	if p.ctx.Err() != nil {
		return ErrPipelineClosed
	}

	select {
	case <-p.ctx.Done():
		return ErrPipelineClosed
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.recordCh <- record:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type counters struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newCounters() counters {
	return counters{
		validation: make(map[string]int),
	}
}

func (c *counters) incrementProcessed() {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
}

func (c *counters) addValidation(kind string) {
	c.mu.Lock()
	c.validation[kind]++
	c.mu.Unlock()
}

func (c *counters) snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	copyValidation := make(map[string]int, len(c.validation))
	for k, v := range c.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": c.processed,
		"validation_errors": copyValidation,
	}
}
