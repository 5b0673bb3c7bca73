// Package ingest runs the seller discovery, listing crawl and card import
// passes against storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/aluiziolira/go-scrape-cards/cache"
	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/parser"
	"github.com/aluiziolira/go-scrape-cards/pipeline"
	"github.com/aluiziolira/go-scrape-cards/scraper"
	"github.com/aluiziolira/go-scrape-cards/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Deps are the collaborators a Runner borrows. Cache, Pacer, Sleep, Now and
// Rejects are optional.
type Deps struct {
	Config  *config.Config
	Fetcher scraper.Getter
	DB      *gorm.DB
	Cache   cache.Store
	Metrics *scraper.Metrics
	Rejects *pipeline.RejectLog
	Pacer   *scraper.Pacer
	Sleep   scraper.Sleeper
	Now     func() time.Time
}

// Runner owns one run's resolver, pagers and upsert engines.
type Runner struct {
	cfg      *config.Config
	resolver *store.Resolver
	sellers  *scraper.Pager[models.SellerCandidate]
	search   *scraper.Pager[models.ListingCandidate]
	listings *pipeline.Engine[models.Listing]
	cards    *pipeline.Engine[models.Card]
	rejects  *pipeline.RejectLog
	metrics  *scraper.Metrics
	now      func() time.Time
}

// New wires a Runner.
func New(d Deps) (*Runner, error) {
	if d.Config == nil {
		return nil, errors.New("ingest: config is required")
	}
	if d.DB == nil {
		return nil, errors.New("ingest: database is required")
	}
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	if d.Pacer == nil {
		d.Pacer = scraper.NewPacer(d.Config.Delay, d.Config.RandomDelay)
	}
	if d.Sleep == nil {
		d.Sleep = scraper.Sleep
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	resolver, err := store.NewResolver(d.DB, d.Config.ResolverCacheSize, d.Metrics)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      d.Config,
		resolver: resolver,
		rejects:  d.Rejects,
		metrics:  d.Metrics,
		now:      d.Now,
	}
	if d.Fetcher != nil {
		r.sellers = scraper.NewPager[models.SellerCandidate](d.Fetcher, d.Cache, d.Pacer, d.Config, d.Metrics).WithSleeper(d.Sleep)
		r.search = scraper.NewPager[models.ListingCandidate](d.Fetcher, d.Cache, d.Pacer, d.Config, d.Metrics).WithSleeper(d.Sleep)
	}
	r.listings = pipeline.NewEngine[models.Listing](&store.ListingWriter{DB: d.DB}, listingKey, pipeline.Options{
		BatchSize: d.Config.BatchSize,
		Entity:    "listing",
		Observer:  d.Metrics,
		Rejects:   d.Rejects,
	})
	r.cards = pipeline.NewEngine[models.Card](&store.CardWriter{DB: d.DB}, cardKey, pipeline.Options{
		BatchSize: d.Config.BatchSize,
		Entity:    "card",
		Observer:  d.Metrics,
		Rejects:   d.Rejects,
	})
	return r, nil
}

func listingKey(l models.Listing) string { return strconv.FormatInt(l.ExternalID, 10) }

func cardKey(c models.Card) string { return c.ExternalID.String() }

var errNoFetcher = errors.New("ingest: no fetcher configured")

// DiscoverSellers pages the seller directory and upserts what it finds,
// also when the directory could only be read partially.
func (r *Runner) DiscoverSellers(ctx context.Context) models.DiscoveryReport {
	if r.sellers == nil {
		return models.DiscoveryReport{Status: models.StatusPartial, Err: errNoFetcher}
	}
	storeBase := r.cfg.StoreBase()
	sellersURL := r.cfg.SellersURL()
	src := scraper.Source[models.SellerCandidate]{
		Key:  "sellers",
		URL:  func(page int) string { return SellersPageURL(sellersURL, page) },
		Kind: parser.KindSellers,
		Extract: func(body []byte) (parser.Page[models.SellerCandidate], error) {
			return parser.ExtractSellers(body, storeBase)
		},
	}

	r.metrics.SourceStarted()
	res := r.sellers.Run(ctx, src)
	r.metrics.SourceDone(string(res.Status))

	report := models.DiscoveryReport{
		Status:  res.Status,
		Pages:   res.Pages,
		Found:   len(res.Records),
		Skipped: res.Skipped,
		Err:     res.Err,
	}
	if len(res.Records) == 0 {
		return report
	}

	// The upsert is not bound to ctx so that sellers found before a
	// cancellation are still saved.
	upserted, err := r.resolver.UpsertSellers(context.WithoutCancel(ctx), res.Records)
	if err != nil {
		report.Status = models.StatusPartial
		report.Err = errors.Join(report.Err, fmt.Errorf("upsert sellers: %w", err))
		return report
	}
	report.Inserted = upserted.Inserted
	report.Updated = upserted.Updated
	slog.Info("sellers discovered",
		slog.Int("found", report.Found),
		slog.Int("inserted", report.Inserted),
		slog.Int("updated", report.Updated),
		slog.String("status", string(report.Status)),
	)
	return report
}

// CrawlListings crawls every stored seller, or only the named ones, with at
// most Config.Concurrency sellers in flight. A seller's failure is recorded
// in its result and never stops the others.
func (r *Runner) CrawlListings(ctx context.Context, names ...string) (report models.RunReport) {
	report.StartTime = r.now()
	defer func() { report.EndTime = r.now() }()

	if r.search == nil {
		report.Add(models.SellerResult{Seller: "*", Status: models.StatusPartial, Err: errNoFetcher})
		return report
	}

	sellers, err := r.selectSellers(ctx, names)
	if err != nil {
		report.Add(models.SellerResult{Seller: "*", Status: models.StatusPartial, Err: err})
		return report
	}

	limit := r.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	results := make([]models.SellerResult, len(sellers))

	var g errgroup.Group
	for i, seller := range sellers {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(sellers); j++ {
				results[j] = models.SellerResult{Seller: sellers[j].Name, Status: models.StatusPartial, Err: err}
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = r.crawlSeller(ctx, seller)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		report.Add(res)
	}
	return report
}

func (r *Runner) selectSellers(ctx context.Context, names []string) ([]models.Seller, error) {
	if len(names) == 0 {
		return r.resolver.ListSellers(ctx)
	}
	sellers := make([]models.Seller, 0, len(names))
	for _, name := range names {
		s, err := r.resolver.SellerByName(ctx, name)
		if err != nil {
			return nil, err
		}
		sellers = append(sellers, s)
	}
	return sellers, nil
}

func (r *Runner) crawlSeller(ctx context.Context, seller models.Seller) (out models.SellerResult) {
	start := r.now()
	logger := slog.With(slog.String("seller", seller.Name))
	r.metrics.SourceStarted()

	src := scraper.Source[models.ListingCandidate]{
		Key:     "store/" + seller.Name,
		URL:     func(page int) string { return SearchURL(seller.StoreURL, page) },
		Headers: SearchHeaders(seller.StoreURL),
		Kind:    parser.KindListings,
		Extract: parser.ExtractListings,
	}
	crawl := r.search.Run(ctx, src)

	out = models.SellerResult{
		Seller:    seller.Name,
		Status:    crawl.Status,
		Pages:     crawl.Pages,
		Extracted: len(crawl.Records),
		Skipped:   crawl.Skipped,
		Err:       crawl.Err,
	}
	defer func() {
		out.Duration = r.now().Sub(start)
		r.metrics.SourceDone(string(out.Status))
	}()

	if len(crawl.Records) == 0 {
		return out
	}

	// Records crawled before a cancellation are still resolved and written.
	persistCtx := context.WithoutCancel(ctx)
	resolution, err := r.resolver.ResolveAll(persistCtx, seller, crawl.Records, r.now())
	if err != nil {
		out.Status = models.StatusPartial
		out.Err = errors.Join(out.Err, err)
		logger.Error("resolve listings", slog.String("error", err.Error()))
		return out
	}
	out.Unresolved = resolution.Unresolved + resolution.Invalid
	out.Ambiguous = resolution.Ambiguous
	if err := pipeline.WriteAll(r.rejects, "listing", "unresolved", resolution.Rejected); err != nil {
		logger.Warn("reject log write failed", slog.String("error", err.Error()))
	}

	written := r.listings.Upsert(persistCtx, resolution.Listings)
	out.Written = written.Written
	out.Failed = written.Failed + written.Unsubmitted
	if len(written.Errors) > 0 {
		out.Err = errors.Join(append([]error{out.Err}, written.Errors...)...)
	}

	logger.Info("seller done",
		slog.String("status", string(out.Status)),
		slog.Int("pages", out.Pages),
		slog.Int("extracted", out.Extracted),
		slog.Int("unresolved", out.Unresolved),
		slog.Int("written", out.Written),
		slog.Int("failed", out.Failed),
	)
	return out
}

// ImportCards streams the reference catalog from src into the card table.
func (r *Runner) ImportCards(ctx context.Context, src io.Reader) models.ImportReport {
	batch := r.cards.NewBatch(ctx)
	stats, err := parser.DecodeCatalog(src, func(c models.Card) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch.Add(c)
		return nil
	})
	written := batch.Close()
	r.resolver.Forget()

	report := models.ImportReport{
		Decoded: stats.Decoded,
		Skipped: stats.Skipped,
		Written: written.Written,
		Failed:  written.Failed + written.Unsubmitted,
		Batches: written.Batches,
		Err:     errors.Join(err, written.Err),
	}
	for _, skipped := range stats.Errors {
		slog.Debug("catalog entry skipped", slog.String("error", skipped.Error()))
	}
	slog.Info("catalog imported",
		slog.Int("decoded", report.Decoded),
		slog.Int("skipped", report.Skipped),
		slog.Int("written", report.Written),
		slog.Int("failed", report.Failed),
	)
	return report
}
