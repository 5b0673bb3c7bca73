package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-scrape-cards/cache"
	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/parser"
)

// State is a pagination controller state.
type State string

const (
	StateInit       State = "INIT"
	StateFetching   State = "FETCHING"
	StateHasResults State = "HAS_RESULTS"
	StateEmpty      State = "EMPTY"
	StateDone       State = "DONE"
)

// Reasons a source stops.
const (
	ReasonEmpty     = "empty"
	ReasonLastPage  = "last_page"
	ReasonTruncated = "truncated"
	ReasonMalformed = "malformed"
	ReasonCanceled  = "canceled"
)

// Source is one paginated resource.
type Source[T any] struct {
	// Key identifies the source in the cache and in logs.
	Key string
	// URL returns the address of page n (1-based).
	URL     func(page int) string
	Headers http.Header
	Kind    parser.Kind
	Extract func(body []byte) (parser.Page[T], error)
}

// SourceResult is the outcome of paging one source.
type SourceResult[T any] struct {
	Source      string
	Records     []T
	Pages       int
	Status      models.Status
	Reason      string
	Err         error
	Skipped     int
	CacheHits   int
	RateLimited int
	Retries     int
}

// Pager walks a source page by page until it is exhausted, fails or is
// cancelled. A Pager is safe for concurrent use on distinct sources.
type Pager[T any] struct {
	fetcher Getter
	cache   cache.Store
	pacer   *Pacer
	sleep   Sleeper
	cfg     *config.Config
	metrics *Metrics
}

// NewPager wires a pager. A nil store disables caching.
func NewPager[T any](fetcher Getter, store cache.Store, pacer *Pacer, cfg *config.Config, metrics *Metrics) *Pager[T] {
	if store == nil {
		store = cache.Nop{}
	}
	return &Pager[T]{
		fetcher: fetcher,
		cache:   store,
		pacer:   pacer,
		sleep:   Sleep,
		cfg:     cfg,
		metrics: metrics,
	}
}

// WithSleeper replaces the sleeper used for rate-limit waits and retry backoff.
func (p *Pager[T]) WithSleeper(s Sleeper) *Pager[T] {
	p.sleep = s
	return p
}

// crawl holds per-run state.
type crawl[T any] struct {
	*Pager[T]
	src     Source[T]
	res     *SourceResult[T]
	state   State
	fetched bool
}

// Run pages src until a terminal condition. Records that were extracted
// before a failure are preserved in the result.
func (p *Pager[T]) Run(ctx context.Context, src Source[T]) *SourceResult[T] {
	c := &crawl[T]{
		Pager: p,
		src:   src,
		res:   &SourceResult[T]{Source: src.Key, Status: models.StatusPartial},
		state: StateInit,
	}
	logger := slog.With(slog.String("source", src.Key))

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			c.finish(logger, models.StatusPartial, ReasonCanceled, err)
			break
		}
		if p.cfg.MaxPages > 0 && page > p.cfg.MaxPages {
			c.finish(logger, models.StatusPartial, ReasonTruncated, nil)
			break
		}

		c.transition(logger, StateFetching, page)
		body, err := c.load(ctx, logger, page)
		if err != nil {
			reason := errorTypeLabel(err)
			if ctx.Err() != nil {
				reason = ReasonCanceled
			}
			c.finish(logger, models.StatusPartial, reason, fmt.Errorf("page %d: %w", page, err))
			break
		}

		pg, err := src.Extract(body)
		if err != nil {
			c.finish(logger, models.StatusPartial, ReasonMalformed, fmt.Errorf("page %d: %w", page, err))
			break
		}
		c.res.Pages++
		c.res.Skipped += pg.Skipped
		p.metrics.AddExtracted(string(src.Kind), len(pg.Records), pg.Skipped)
		for _, extractErr := range pg.Errors {
			logger.Debug("skipped unit", slog.Int("page", page), slog.String("error", extractErr.Error()))
		}

		if len(pg.Records) == 0 {
			c.transition(logger, StateEmpty, page)
			c.finish(logger, models.StatusComplete, ReasonEmpty, nil)
			break
		}
		c.transition(logger, StateHasResults, page)
		c.res.Records = append(c.res.Records, pg.Records...)
		logger.Info("page extracted",
			slog.Int("page", page),
			slog.Int("records", len(pg.Records)),
			slog.Int("skipped", pg.Skipped),
		)

		if !pg.HasNext {
			c.finish(logger, models.StatusComplete, ReasonLastPage, nil)
			break
		}
	}
	return c.res
}

func (c *crawl[T]) transition(logger *slog.Logger, next State, page int) {
	logger.Debug("pager state",
		slog.String("from", string(c.state)),
		slog.String("to", string(next)),
		slog.Int("page", page),
	)
	c.state = next
}

func (c *crawl[T]) finish(logger *slog.Logger, status models.Status, reason string, err error) {
	c.transition(logger, StateDone, c.res.Pages)
	c.res.Status = status
	c.res.Reason = reason
	c.res.Err = err
	if err != nil {
		logger.Warn("source ended early",
			slog.String("reason", reason),
			slog.Int("pages", c.res.Pages),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("source done",
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Int("pages", c.res.Pages),
		slog.Int("records", len(c.res.Records)),
	)
}

// load returns page from the cache, or fetches it under the retry policy.
func (c *crawl[T]) load(ctx context.Context, logger *slog.Logger, page int) ([]byte, error) {
	body, ok, err := c.cache.Get(c.src.Key, page)
	if err != nil {
		logger.Warn("cache read failed", slog.Int("page", page), slog.String("error", err.Error()))
	} else if ok {
		c.metrics.IncCache(true)
		c.res.CacheHits++
		return body, nil
	}
	c.metrics.IncCache(false)

	rateLimited, transient := 0, 0
	for {
		if c.fetched {
			if err := c.pacer.Wait(ctx); err != nil {
				return nil, err
			}
		}
		body, err := c.fetcher.Fetch(ctx, c.src.URL(page), c.src.Headers)
		if err == nil {
			c.fetched = true
			if err := c.cache.Put(c.src.Key, page, body); err != nil {
				logger.Warn("cache write failed", slog.Int("page", page), slog.String("error", err.Error()))
			}
			return body, nil
		}
		c.fetched = false

		switch {
		case IsRateLimited(err):
			rateLimited++
			c.res.RateLimited++
			if rateLimited > c.cfg.MaxRateLimitRetries {
				return nil, fmt.Errorf("rate limited %d times: %w", rateLimited, err)
			}
			c.metrics.IncRetry("rate_limited")
			logger.Warn("rate limited, waiting",
				slog.Int("page", page),
				slog.Duration("wait", c.cfg.RateLimitWait),
			)
			if err := c.sleep(ctx, c.cfg.RateLimitWait); err != nil {
				return nil, err
			}
		case IsTransient(err):
			transient++
			if transient > c.cfg.MaxRetries {
				return nil, fmt.Errorf("giving up after %d retries: %w", c.cfg.MaxRetries, err)
			}
			c.res.Retries++
			c.metrics.IncRetry(errorTypeLabel(err))
			delay := backoff(c.cfg, transient)
			logger.Debug("retrying page",
				slog.Int("page", page),
				slog.Int("attempt", transient),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

func backoff(cfg *config.Config, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}
