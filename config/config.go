package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds ingestion configuration.
type Config struct {
	BaseURL     string
	SellersPath string
	StorePath   string
	MaxPages    int
	Concurrency int

	Delay       time.Duration
	RandomDelay time.Duration
	RequestRPS  float64
	Timeout     time.Duration

	MaxRetries          int
	RetryBackoff        time.Duration
	RetryBackoffMax     time.Duration
	RateLimitWait       time.Duration
	MaxRateLimitRetries int

	BatchSize         int
	ResolverCacheSize int

	CacheDir     string
	RefreshCache bool
	DatabaseURL  string
	ProfileFile  string
	RejectsFile  string
	MetricsAddr  string

	UserAgent        string
	Verbose          bool
	RespectRobotsTxt bool
}

// DefaultConfig returns defaults matching the marketplace's tolerated request rate.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:             "https://bdvtrading.com",
		SellersPath:         "/top-sellers/",
		StorePath:           "/store",
		MaxPages:            1000,
		Concurrency:         5,
		Delay:               1200 * time.Millisecond,
		RandomDelay:         800 * time.Millisecond,
		RequestRPS:          0,
		Timeout:             30 * time.Second,
		MaxRetries:          2,
		RetryBackoff:        200 * time.Millisecond,
		RetryBackoffMax:     2 * time.Second,
		RateLimitWait:       10 * time.Second,
		MaxRateLimitRetries: 1000,
		BatchSize:           500,
		ResolverCacheSize:   20000,
		CacheDir:            "cache",
		RefreshCache:        false,
		DatabaseURL:         "",
		ProfileFile:         "",
		RejectsFile:         "",
		MetricsAddr:         "",
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
		Verbose:             false,
		RespectRobotsTxt:    false,
	}
}

// SellersURL is the seller directory endpoint without the page parameter.
func (c *Config) SellersURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.SellersPath
}

// StoreBase is the prefix every seller store URL is built from.
func (c *Config) StoreBase() string {
	return strings.TrimSuffix(c.BaseURL, "/") + strings.TrimSuffix(c.StorePath, "/")
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
	if !strings.HasPrefix(c.SellersPath, "/") {
		return fmt.Errorf("sellers path must start with /")
	}
	if !strings.HasPrefix(c.StorePath, "/") {
		return fmt.Errorf("store path must start with /")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.RequestRPS < 0 {
		return fmt.Errorf("request rps cannot be negative")
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
	if c.RateLimitWait < 0 {
		return fmt.Errorf("rate limit wait cannot be negative")
	}
	if c.MaxRateLimitRetries < 0 {
		return fmt.Errorf("max rate limit retries cannot be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.ResolverCacheSize <= 0 {
		return fmt.Errorf("resolver cache size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
