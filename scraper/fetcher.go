package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

// Getter fetches one URL. Fetcher is the production implementation.
type Getter interface {
	Fetch(ctx context.Context, target string, headers http.Header) ([]byte, error)
}

// Fetcher issues synchronous GET requests through a shared colly collector.
// One Fetcher is built at startup and borrowed by every source.
type Fetcher struct {
	collector *colly.Collector
	header    http.Header
	userAgent string
	limiter   *rate.Limiter
	Metrics   *Metrics
}

// NewFetcher builds a fetcher configured from cfg and the request profile.
func NewFetcher(cfg *config.Config, profile *config.Profile, metrics *Metrics) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if profile == nil {
		profile = config.DefaultProfile(cfg.UserAgent)
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.Concurrency * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if cookies := profile.HTTPCookies(); len(cookies) > 0 {
		if err := collector.SetCookies(cfg.BaseURL, cookies); err != nil {
			return nil, fmt.Errorf("install cookies: %w", err)
		}
	}

	f := &Fetcher{
		collector: collector,
		header:    profile.Header(),
		userAgent: cfg.UserAgent,
		Metrics:   metrics,
	}
	if cfg.RequestRPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRPS), 1)
	}
	f.configureHandlers()
	return f, nil
}

// WithTransport swaps the HTTP round tripper, used by tests.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("start", time.Now())
		f.Metrics.IncRequest("started")
	})

	f.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put("status", r.StatusCode)
		r.Ctx.Put("body", r.Body)
		f.Metrics.IncRequest("completed")
		if start, ok := r.Ctx.GetAny("start").(time.Time); ok {
			f.Metrics.ObserveDuration(time.Since(start))
		}
		if r.StatusCode >= http.StatusBadRequest {
			slog.Debug("non-2xx response",
				slog.Int("status", r.StatusCode),
				slog.String("url", r.Request.URL.String()),
			)
		}
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		if r.StatusCode != 0 {
			r.Ctx.Put("status", r.StatusCode)
		}
	})
}

// Fetch issues a GET for target with the profile headers overlaid by
// headers. It returns the body, or ErrTimeout, ErrConnection,
// ErrRateLimited or ErrClient.
func (f *Fetcher) Fetch(ctx context.Context, target string, headers http.Header) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	hdr := f.header.Clone()
	for k, vs := range headers {
		hdr[http.CanonicalHeaderKey(k)] = vs
	}
	if hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", f.userAgent)
	}

	reqCtx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, target, nil, reqCtx, hdr)
	status, _ := reqCtx.GetAny("status").(int)

	if classified := classifyError(err, status); classified != nil {
		f.Metrics.IncError(classified)
		return nil, classified
	}

	body, _ := reqCtx.GetAny("body").([]byte)
	return body, nil
}
