package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-cards/cache"
	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/pipeline"
	"github.com/aluiziolira/go-scrape-cards/scraper"
	"github.com/aluiziolira/go-scrape-cards/store"
	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := store.Open(dsn)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.AutoMigrate(db))
	return db
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.Concurrency = 5
	return cfg
}

func testRunner(t *testing.T, cfg *config.Config, db *gorm.DB, g scraper.Getter, rejects *pipeline.RejectLog) *Runner {
	t.Helper()
	r, err := New(Deps{
		Config:  cfg,
		Fetcher: g,
		DB:      db,
		Metrics: scraper.NewMetrics(),
		Rejects: rejects,
		Pacer:   &scraper.Pacer{Sleep: noSleep},
		Sleep:   noSleep,
	})
	require.NoError(t, err)
	return r
}

func seedSellers(t *testing.T, db *gorm.DB, n int) []models.Seller {
	t.Helper()
	sellers := make([]models.Seller, 0, n)
	for i := 1; i <= n; i++ {
		s := models.Seller{Name: fmt.Sprintf("Seller %d", i), StoreURL: fmt.Sprintf("http://example.test/store/Seller-%d", i)}
		require.NoError(t, db.Create(&s).Error)
		sellers = append(sellers, s)
	}
	return sellers
}

func seedCard(t *testing.T, db *gorm.DB, name string) models.Card {
	t.Helper()
	c := models.Card{
		ExternalID: uuid.New(),
		Name:       name,
		SetName:    "Alpha",
		Types:      datatypes.JSONSlice[string]{"Land"},
		Legality:   datatypes.JSONSlice[string]{},
	}
	require.NoError(t, db.Create(&c).Error)
	return c
}

type productFixture struct {
	id    int
	name  string
	price string
}

func searchPayload(t *testing.T, products []productFixture, next bool) []byte {
	t.Helper()
	var b strings.Builder
	for _, p := range products {
		fmt.Fprintf(&b, `<div class="product-card"><a class="card-link" href="/c/%d">%s</a>`, p.id, p.name)
		fmt.Fprintf(&b, `<div class="price">%s</div><span id="product-quantity-%d">3</span>`, p.price, p.id)
		b.WriteString(`<div class="condition">NM</div><div class="language"><i class="flag-icon flag-icon-us"></i></div></div>`)
	}
	pagination := ""
	if next {
		pagination = `<ul><li><a href="#">Next</a></li></ul>`
	}
	body, err := json.Marshal(map[string]string{"html": b.String(), "pagination_html": pagination})
	require.NoError(t, err)
	return body
}

// trackingGetter serves one listing per seller and records peak concurrency.
type trackingGetter struct {
	t        *testing.T
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     string
	barrier  int32 // hold each fetch until this many are in flight
	mu       sync.Mutex
	calls    map[string]int
}

func (g *trackingGetter) Fetch(_ context.Context, target string, headers http.Header) ([]byte, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if g.barrier > 0 {
		deadline := time.Now().Add(2 * time.Second)
		for g.peak.Load() < g.barrier && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(2 * time.Millisecond)

	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	shop := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/store/"), "/search/json/")
	g.mu.Lock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[shop]++
	g.mu.Unlock()

	if want := "http://example.test/store/" + shop + "/"; headers.Get("Referer") != want {
		return nil, scraper.ErrClient{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("referer %q", headers.Get("Referer"))}
	}
	if shop == g.fail {
		return nil, scraper.ErrClient{StatusCode: http.StatusForbidden, Err: errors.New("http status 403")}
	}
	idx, _ := strconv.Atoi(strings.TrimPrefix(shop, "Seller-"))
	return searchPayload(g.t, []productFixture{{id: 1000 + idx, name: "Forest", price: "$0.10"}}, false), nil
}

func TestCrawlListingsRespectsConcurrencyLimit(t *testing.T) {
	db := newTestDB(t)
	seedSellers(t, db, 20)
	seedCard(t, db, "Forest")
	g := &trackingGetter{t: t, barrier: 5}
	r := testRunner(t, testConfig(), db, g, nil)

	report := r.CrawlListings(context.Background())

	assert.Equal(t, int32(5), g.peak.Load())
	assert.Equal(t, 20, report.Sellers)
	assert.Equal(t, 20, report.Complete)
	assert.Equal(t, 20, report.Written)
	assert.False(t, report.EndTime.Before(report.StartTime))

	var count int64
	require.NoError(t, db.Model(&models.Listing{}).Count(&count).Error)
	assert.EqualValues(t, 20, count)
}

// storeGetter serves one listing per store, its id taken from the store path.
type storeGetter struct {
	t     *testing.T
	ids   map[string]int
	mu    sync.Mutex
	calls int
}

func (g *storeGetter) Fetch(_ context.Context, target string, _ http.Header) ([]byte, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	shop := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/store/"), "/search/json/")
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return searchPayload(g.t, []productFixture{{id: g.ids[shop], name: "Forest", price: "$1.00"}}, false), nil
}

func TestCrawlListingsCacheKeepsSimilarSellersApart(t *testing.T) {
	db := newTestDB(t)
	seedCard(t, db, "Forest")
	for _, s := range []models.Seller{
		{Name: "Card Vault", StoreURL: "http://example.test/store/Card-Vault"},
		{Name: "Card_Vault", StoreURL: "http://example.test/store/Card_Vault"},
	} {
		require.NoError(t, db.Create(&s).Error)
	}
	pages, err := cache.New(t.TempDir())
	require.NoError(t, err)
	g := &storeGetter{t: t, ids: map[string]int{"Card-Vault": 1, "Card_Vault": 2}}
	cfg := testConfig()
	cfg.Concurrency = 1
	r, err := New(Deps{
		Config:  cfg,
		Fetcher: g,
		DB:      db,
		Cache:   pages,
		Pacer:   &scraper.Pacer{Sleep: noSleep},
		Sleep:   noSleep,
	})
	require.NoError(t, err)

	report := r.CrawlListings(context.Background())
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, 2, g.calls)

	var listings []models.Listing
	require.NoError(t, db.Order("external_id").Find(&listings).Error)
	require.Len(t, listings, 2)
	assert.EqualValues(t, 1, listings[0].ExternalID)
	assert.EqualValues(t, 2, listings[1].ExternalID)
	assert.NotEqual(t, listings[0].SellerID, listings[1].SellerID)

	again := r.CrawlListings(context.Background())
	assert.Equal(t, 2, again.Written)
	assert.Equal(t, 2, g.calls, "second run replays both sellers from the cache")
}

func TestCrawlListingsIsolatesFailingSeller(t *testing.T) {
	db := newTestDB(t)
	seedSellers(t, db, 4)
	seedCard(t, db, "Forest")
	g := &trackingGetter{t: t, fail: "Seller-3"}
	r := testRunner(t, testConfig(), db, g, nil)

	report := r.CrawlListings(context.Background())

	assert.Equal(t, 4, report.Sellers)
	assert.Equal(t, 3, report.Complete)
	assert.Equal(t, 1, report.Partial)
	assert.Equal(t, []string{"Seller 3"}, report.FailedNames)
	assert.Equal(t, 3, report.Written)

	var failed models.SellerResult
	for _, res := range report.Results {
		if res.Seller == "Seller 3" {
			failed = res
		}
	}
	var client scraper.ErrClient
	require.ErrorAs(t, failed.Err, &client)
	assert.Equal(t, http.StatusForbidden, client.StatusCode)
}

func TestCrawlListingsNamedSellers(t *testing.T) {
	db := newTestDB(t)
	seedSellers(t, db, 3)
	seedCard(t, db, "Forest")
	g := &trackingGetter{t: t}
	r := testRunner(t, testConfig(), db, g, nil)

	report := r.CrawlListings(context.Background(), "Seller 2")
	assert.Equal(t, 1, report.Sellers)
	assert.Equal(t, map[string]int{"Seller-2": 1}, g.calls)

	report = r.CrawlListings(context.Background(), "Nobody")
	require.Len(t, report.Results, 1)
	var unresolved *store.UnresolvedReferenceError
	assert.ErrorAs(t, report.Results[0].Err, &unresolved)
}

func TestCrawlListingsCanceledBeforeStart(t *testing.T) {
	db := newTestDB(t)
	seedSellers(t, db, 3)
	g := &trackingGetter{t: t}
	r := testRunner(t, testConfig(), db, g, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := r.CrawlListings(ctx)

	assert.Zero(t, report.Complete)
	assert.NotZero(t, report.Partial)
	assert.Empty(t, g.calls)
}

func directoryPage(names []string, next bool) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, n := range names {
		fmt.Fprintf(&b, `<div class="seller-content"><h5>%s</h5></div>`, n)
	}
	if next {
		b.WriteString(`<ul class="pagination"><li><a href="?page=2">Next</a></li></ul>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func TestEndToEndDiscoverAndCrawl(t *testing.T) {
	db := newTestDB(t)
	forest := seedCard(t, db, "Forest")
	seedCard(t, db, "Sol Ring")
	cfg := testConfig()

	f, err := scraper.NewFetcher(cfg, nil, nil)
	require.NoError(t, err)
	transport := httpmock.NewMockTransport()
	f.WithTransport(transport)

	transport.RegisterResponder("GET", "http://example.test/top-sellers/",
		func(req *http.Request) (*http.Response, error) {
			if req.URL.Query().Get("page") == "2" {
				return httpmock.NewStringResponse(http.StatusOK, directoryPage([]string{"Mox Shop"}, false)), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, directoryPage([]string{"Card Vault", ""}, true)), nil
		})

	var rateLimited atomic.Bool
	transport.RegisterResponder("GET", "http://example.test/store/Card-Vault/search/json/",
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			if req.Header.Get("Referer") != "http://example.test/store/Card-Vault/" || q.Get("game_type") != GameType || q.Get("in_stock") != "on" {
				return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
			}
			switch q.Get("page") {
			case "1":
				return httpmock.NewBytesResponse(http.StatusOK, searchPayload(t, []productFixture{
					{id: 11, name: "Forest", price: "$0.25"},
					{id: 12, name: "Unknown Card", price: "$5.00"},
				}, true)), nil
			case "2":
				if rateLimited.CompareAndSwap(false, true) {
					return httpmock.NewStringResponse(http.StatusTooManyRequests, ""), nil
				}
				return httpmock.NewBytesResponse(http.StatusOK, searchPayload(t, []productFixture{
					{id: 13, name: "Sol Ring", price: "$1,200.00"},
				}, true)), nil
			default:
				return httpmock.NewBytesResponse(http.StatusOK, searchPayload(t, nil, false)), nil
			}
		})
	transport.RegisterResponder("GET", "http://example.test/store/Mox-Shop/search/json/",
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewBytesResponse(http.StatusOK, searchPayload(t, []productFixture{
				{id: 21, name: "Forest", price: "$0.30"},
			}, false)), nil
		})

	rejects, err := pipeline.NewRejectLog(filepath.Join(t.TempDir(), "rejects.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rejects.Close() })
	r := testRunner(t, cfg, db, f, rejects)
	ctx := context.Background()

	discovery := r.DiscoverSellers(ctx)
	require.NoError(t, discovery.Err)
	assert.Equal(t, models.StatusComplete, discovery.Status)
	assert.Equal(t, 2, discovery.Pages)
	assert.Equal(t, 2, discovery.Found)
	assert.Equal(t, 1, discovery.Skipped)
	assert.Equal(t, 2, discovery.Inserted)

	report := r.CrawlListings(ctx)
	assert.Equal(t, 2, report.Complete, "results: %+v", report.Results)
	assert.Equal(t, 4, report.Extracted)
	assert.Equal(t, 1, report.Unresolved)
	assert.Equal(t, 3, report.Written)
	assert.Equal(t, 1, rejects.Count())

	var listing models.Listing
	require.NoError(t, db.Where("external_id = ?", 11).First(&listing).Error)
	assert.Equal(t, forest.ID, listing.CardID)
	assert.Equal(t, 0.25, listing.Price)
	assert.Equal(t, 3, listing.Quantity)
	assert.Equal(t, "us", listing.Language)

	var sol models.Listing
	require.NoError(t, db.Where("external_id = ?", 13).First(&sol).Error)
	assert.Equal(t, 1200.0, sol.Price)

	// A second run observes the same listings and leaves the row count unchanged.
	again := r.CrawlListings(ctx)
	assert.Equal(t, 3, again.Written)
	var count int64
	require.NoError(t, db.Model(&models.Listing{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

const catalogFixture = `[
  {"id": "0000579f-7b35-4ed3-b44c-db2a538066fe", "name": "Fury Sliver", "set_name": "Time Spiral",
   "image_uris": {"large": "https://img.example/fury.jpg"}, "mana_cost": "{5}{R}", "cmc": 6.0,
   "type_line": "Creature — Sliver", "legalities": {"vintage": "legal", "standard": "not_legal"},
   "power": "3", "toughness": "3"},
  {"id": "not-a-uuid", "name": "Broken"},
  {"id": "00006596-1166-4a79-8443-ca9f82e6db4e", "name": "Forest", "set_name": "Alpha",
   "type_line": "Basic Land — Forest", "legalities": {}}
]`

func TestImportCards(t *testing.T) {
	db := newTestDB(t)
	r := testRunner(t, testConfig(), db, nil, nil)

	report := r.ImportCards(context.Background(), strings.NewReader(catalogFixture))
	require.NoError(t, report.Err)
	assert.Equal(t, 2, report.Decoded)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, 1, report.Batches)

	var fury models.Card
	require.NoError(t, db.Where("name = ?", "Fury Sliver").First(&fury).Error)
	assert.Equal(t, []string{"Creature"}, []string(fury.Types))
	assert.Equal(t, []string{"vintage"}, []string(fury.Legality))
	require.NotNil(t, fury.ManaValue)
	assert.Equal(t, 6, *fury.ManaValue)

	again := r.ImportCards(context.Background(), strings.NewReader(catalogFixture))
	assert.Equal(t, 2, again.Written)
	var count int64
	require.NoError(t, db.Model(&models.Card{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestRunnerWithoutFetcher(t *testing.T) {
	db := newTestDB(t)
	r := testRunner(t, testConfig(), db, nil, nil)

	discovery := r.DiscoverSellers(context.Background())
	assert.Equal(t, models.StatusPartial, discovery.Status)
	assert.Error(t, discovery.Err)
}

func TestSearchURL(t *testing.T) {
	got := SearchURL("http://example.test/store/Card-Vault", 3)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/store/Card-Vault/search/json/", u.Path)
	q := u.Query()
	assert.Equal(t, "3", q.Get("page"))
	assert.Equal(t, "Magic the Gathering", q.Get("game_type"))
	assert.Equal(t, "on", q.Get("in_stock"))
	for _, f := range searchFilters {
		assert.True(t, q.Has(f), "missing filter %s", f)
		assert.Empty(t, q.Get(f))
	}
	assert.Equal(t, "http://example.test/store/Card-Vault/", SearchHeaders("http://example.test/store/Card-Vault").Get("Referer"))
	assert.Equal(t, "http://example.test/top-sellers/?page=2", SellersPageURL("http://example.test/top-sellers/", 2))
}
