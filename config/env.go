package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces the environment variables read by FromEnv.
const EnvPrefix = "INGEST"

// NewEnv returns a viper instance bound to INGEST_* environment variables.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// FromEnv overlays values present in v onto cfg. Keys absent from the
// environment leave the existing value untouched.
func (c *Config) FromEnv(v *viper.Viper) error {
	if v == nil {
		return nil
	}

	strs := map[string]*string{
		"base_url":     &c.BaseURL,
		"sellers_path": &c.SellersPath,
		"store_path":   &c.StorePath,
		"cache_dir":    &c.CacheDir,
		"database_url": &c.DatabaseURL,
		"profile_file": &c.ProfileFile,
		"rejects_file": &c.RejectsFile,
		"metrics_addr": &c.MetricsAddr,
		"user_agent":   &c.UserAgent,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	ints := map[string]*int{
		"max_pages":              &c.MaxPages,
		"concurrency":            &c.Concurrency,
		"max_retries":            &c.MaxRetries,
		"max_rate_limit_retries": &c.MaxRateLimitRetries,
		"batch_size":             &c.BatchSize,
		"resolver_cache_size":    &c.ResolverCacheSize,
	}
	for key, dst := range ints {
		if !v.IsSet(key) {
			continue
		}
		n, err := toInt(v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"delay":             &c.Delay,
		"random_delay":      &c.RandomDelay,
		"timeout":           &c.Timeout,
		"retry_backoff":     &c.RetryBackoff,
		"retry_backoff_max": &c.RetryBackoffMax,
		"rate_limit_wait":   &c.RateLimitWait,
	}
	for key, dst := range durations {
		if !v.IsSet(key) {
			continue
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
		*dst = d
	}

	if v.IsSet("request_rps") {
		c.RequestRPS = v.GetFloat64("request_rps")
	}
	if v.IsSet("refresh_cache") {
		c.RefreshCache = v.GetBool("refresh_cache")
	}
	if v.IsSet("verbose") {
		c.Verbose = v.GetBool("verbose")
	}
	return nil
}

func toInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}
