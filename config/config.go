package config

import (
	"fmt"
	"net/url"
	"time"
)

// validPageSizes are the result-page sizes the site accepts.
var validPageSizes = map[int]bool{15: true, 25: true, 50: true, 100: true}

// Config holds scraper configuration.
type Config struct {
	BaseURL    string
	PostalCode string
	RadiusKm   int
	PageSize   int // results per search page: 15, 25, 50 or 100

	Parallelism     int
	Delay           time.Duration
	RandomDelay     time.Duration
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	UserAgent       string

	OutputDir    string
	OutputFormat string // csv, json, or dual

	PipelineBufferSize int
	BatchSize          int

	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns conservative defaults for the target site.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://www.autotrader.ca",
		PostalCode:         "B3M 0L8",
		RadiusKm:           100,
		PageSize:           15,
		Parallelism:        4,
		Delay:              0,
		RandomDelay:        0,
		Timeout:            15 * time.Second,
		MaxRetries:         2,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/74.0.3729.169 Safari/537.36",
		OutputDir:          "data",
		OutputFormat:       "csv",
		PipelineBufferSize: 512,
		BatchSize:          64,
		MetricsAddr:        "",
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.PostalCode == "" {
		return fmt.Errorf("postal code cannot be empty")
	}
	if c.RadiusKm <= 0 {
		return fmt.Errorf("radius must be positive")
	}
	if !validPageSizes[c.PageSize] {
		return fmt.Errorf("page size must be 15, 25, 50 or 100")
	}
	if c.Parallelism <= 0 || c.Parallelism > 64 {
		return fmt.Errorf("parallelism must be between 1 and 64")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	return nil
}
