package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-cards/cache"
	"github.com/aluiziolira/go-scrape-cards/config"
	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/aluiziolira/go-scrape-cards/parser"
	"github.com/jarcoal/httpmock"
)

// scriptedGetter answers by page number and records every request.
type scriptedGetter struct {
	mu      sync.Mutex
	pages   []int
	respond func(page, attempt int) ([]byte, error)
	tries   map[int]int
}

func (g *scriptedGetter) Fetch(_ context.Context, target string, _ http.Header) ([]byte, error) {
	page := pageOf(target)
	g.mu.Lock()
	if g.tries == nil {
		g.tries = map[int]int{}
	}
	g.tries[page]++
	attempt := g.tries[page]
	g.pages = append(g.pages, page)
	g.mu.Unlock()
	return g.respond(page, attempt)
}

func (g *scriptedGetter) requested() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.pages...)
}

func pageOf(target string) int {
	_, q, _ := strings.Cut(target, "page=")
	n, _ := strconv.Atoi(q)
	return n
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return nil
}

func listingPayload(t *testing.T, page, n int, next bool) []byte {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= n; i++ {
		id := page*100 + i
		fmt.Fprintf(&b, `<div class="product-card"><a class="card-link" href="/c/%d">Card %d</a>`, id, id)
		fmt.Fprintf(&b, `<div class="price">$%d.00</div><span id="product-quantity-%d">1</span></div>`, i, id)
	}
	pagination := ""
	if next {
		pagination = fmt.Sprintf(`<a href="?page=%d">Next</a>`, page+1)
	}
	body, err := json.Marshal(map[string]string{"html": b.String(), "pagination_html": pagination})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func testSource() Source[models.ListingCandidate] {
	return Source[models.ListingCandidate]{
		Key:     "store/Card Vault",
		URL:     func(page int) string { return fmt.Sprintf("http://example.test/store/Card-Vault/search/json/?page=%d", page) },
		Kind:    parser.KindListings,
		Extract: parser.ExtractListings,
	}
}

func testPager(t *testing.T, g Getter, store cache.Store) (*Pager[models.ListingCandidate], *sleepRecorder, *sleepRecorder) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = time.Second

	paced := &sleepRecorder{}
	pacer := &Pacer{Base: 1200 * time.Millisecond, Jitter: 800 * time.Millisecond, Rand: func() float64 { return 0.5 }, Sleep: paced.Sleep}
	waited := &sleepRecorder{}
	p := NewPager[models.ListingCandidate](g, store, pacer, cfg, NewMetrics()).WithSleeper(waited.Sleep)
	return p, paced, waited
}

func TestPagerStopsOnEmptyPage(t *testing.T) {
	const n = 3
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		if page > n {
			return listingPayload(t, page, 0, false), nil
		}
		return listingPayload(t, page, 2, true), nil
	}}
	p, paced, _ := testPager(t, g, nil)

	res := p.Run(context.Background(), testSource())

	if got := g.requested(); fmt.Sprint(got) != "[1 2 3 4]" {
		t.Fatalf("requested pages = %v, want [1 2 3 4]", got)
	}
	if res.Status != models.StatusComplete || res.Reason != ReasonEmpty {
		t.Fatalf("status = %s/%s, want complete/empty", res.Status, res.Reason)
	}
	if len(res.Records) != 2*n {
		t.Fatalf("records = %d, want %d", len(res.Records), 2*n)
	}
	if res.Records[0].ExternalID != 101 || res.Records[len(res.Records)-1].ExternalID != 302 {
		t.Fatalf("records out of page order: first %d last %d", res.Records[0].ExternalID, res.Records[len(res.Records)-1].ExternalID)
	}
	if len(paced.slept) != n {
		t.Fatalf("paced %d times, want %d", len(paced.slept), n)
	}
	for _, d := range paced.slept {
		if d != 1600*time.Millisecond {
			t.Fatalf("pace = %v, want 1.6s", d)
		}
	}
}

func TestPagerStopsWithoutNextLink(t *testing.T) {
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		return listingPayload(t, page, 3, page < 2), nil
	}}
	p, _, _ := testPager(t, g, nil)

	res := p.Run(context.Background(), testSource())

	if got := g.requested(); fmt.Sprint(got) != "[1 2]" {
		t.Fatalf("requested pages = %v, want [1 2]", got)
	}
	if res.Status != models.StatusComplete || res.Reason != ReasonLastPage {
		t.Fatalf("status = %s/%s, want complete/last_page", res.Status, res.Reason)
	}
	if len(res.Records) != 6 || res.Pages != 2 {
		t.Fatalf("records = %d pages = %d, want 6/2", len(res.Records), res.Pages)
	}
}

func TestPagerRateLimitRetriesSamePage(t *testing.T) {
	const k = 2
	g := &scriptedGetter{respond: func(page, attempt int) ([]byte, error) {
		if page == k && attempt == 1 {
			return nil, ErrRateLimited{Err: errors.New("http status 429")}
		}
		return listingPayload(t, page, 1, page < 3), nil
	}}
	p, _, waited := testPager(t, g, nil)

	res := p.Run(context.Background(), testSource())

	if got := g.requested(); fmt.Sprint(got) != "[1 2 2 3]" {
		t.Fatalf("requested pages = %v, want [1 2 2 3]", got)
	}
	if len(waited.slept) != 1 || waited.slept[0] != 10*time.Second {
		t.Fatalf("waits = %v, want [10s]", waited.slept)
	}
	if res.RateLimited != 1 || res.Status != models.StatusComplete {
		t.Fatalf("rate limited = %d status = %s", res.RateLimited, res.Status)
	}
	if len(res.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(res.Records))
	}
}

func TestPagerRateLimitRetriesBounded(t *testing.T) {
	g := &scriptedGetter{respond: func(int, int) ([]byte, error) {
		return nil, ErrRateLimited{Err: errors.New("http status 429")}
	}}
	p, _, waited := testPager(t, g, nil)
	p.cfg.MaxRateLimitRetries = 3

	res := p.Run(context.Background(), testSource())

	if len(g.requested()) != 4 || len(waited.slept) != 3 {
		t.Fatalf("requests = %d waits = %d, want 4/3", len(g.requested()), len(waited.slept))
	}
	if res.Status != models.StatusPartial || !IsRateLimited(res.Err) {
		t.Fatalf("status = %s err = %v", res.Status, res.Err)
	}
}

func TestPagerClientErrorPreservesRecords(t *testing.T) {
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		if page == 3 {
			return nil, ErrClient{StatusCode: http.StatusForbidden, Err: errors.New("http status 403")}
		}
		return listingPayload(t, page, 2, true), nil
	}}
	p, _, _ := testPager(t, g, nil)

	res := p.Run(context.Background(), testSource())

	if res.Status != models.StatusPartial || res.Reason != "client" {
		t.Fatalf("status = %s/%s, want partial/client", res.Status, res.Reason)
	}
	if len(res.Records) != 4 || res.Pages != 2 {
		t.Fatalf("records = %d pages = %d, want 4/2", len(res.Records), res.Pages)
	}
	if fmt.Sprint(g.requested()) != "[1 2 3]" {
		t.Fatalf("client error must not be retried: %v", g.requested())
	}
}

func TestPagerTransientRetriesExhausted(t *testing.T) {
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		if page == 1 {
			return listingPayload(t, page, 1, true), nil
		}
		return nil, ErrTimeout{Err: context.DeadlineExceeded}
	}}
	p, _, waited := testPager(t, g, nil)

	res := p.Run(context.Background(), testSource())

	if got := fmt.Sprint(g.requested()); got != "[1 2 2 2]" {
		t.Fatalf("requested pages = %s, want [1 2 2 2]", got)
	}
	if fmt.Sprint(waited.slept) != "[200ms 400ms]" {
		t.Fatalf("backoff = %v, want [200ms 400ms]", waited.slept)
	}
	if res.Status != models.StatusPartial || res.Retries != 2 || len(res.Records) != 1 {
		t.Fatalf("status = %s retries = %d records = %d", res.Status, res.Retries, len(res.Records))
	}
}

func TestPagerMalformedPageEndsSource(t *testing.T) {
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		if page == 2 {
			return []byte("<html>captcha</html>"), nil
		}
		return listingPayload(t, page, 2, true), nil
	}}
	p, _, _ := testPager(t, g, nil)

	res := p.Run(context.Background(), testSource())

	if res.Status != models.StatusPartial || res.Reason != ReasonMalformed {
		t.Fatalf("status = %s/%s, want partial/malformed", res.Status, res.Reason)
	}
	if !errors.Is(res.Err, parser.ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", res.Err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(res.Records))
	}
}

func TestPagerMaxPagesTruncates(t *testing.T) {
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		return listingPayload(t, page, 1, true), nil
	}}
	p, _, _ := testPager(t, g, nil)
	p.cfg.MaxPages = 2

	res := p.Run(context.Background(), testSource())

	if res.Status != models.StatusPartial || res.Reason != ReasonTruncated || res.Pages != 2 {
		t.Fatalf("status = %s/%s pages = %d", res.Status, res.Reason, res.Pages)
	}
}

func TestPagerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		if page == 2 {
			cancel()
		}
		return listingPayload(t, page, 1, true), nil
	}}
	p, _, _ := testPager(t, g, nil)

	res := p.Run(ctx, testSource())

	if res.Status != models.StatusPartial || res.Reason != ReasonCanceled {
		t.Fatalf("status = %s/%s, want partial/canceled", res.Status, res.Reason)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(res.Records))
	}
}

func TestPagerReplaysCacheWithoutFetching(t *testing.T) {
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	src := testSource()
	for page := 1; page <= 2; page++ {
		if err := store.Put(src.Key, page, listingPayload(t, page, 2, page < 2)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	g := &scriptedGetter{respond: func(int, int) ([]byte, error) {
		return nil, errors.New("unexpected fetch")
	}}
	p, paced, _ := testPager(t, g, store)

	res := p.Run(context.Background(), src)

	if n := len(g.requested()); n != 0 {
		t.Fatalf("fetches = %d, want 0", n)
	}
	if len(paced.slept) != 0 {
		t.Fatalf("cache hits must not be paced, got %v", paced.slept)
	}
	if res.Status != models.StatusComplete || res.CacheHits != 2 || len(res.Records) != 4 {
		t.Fatalf("status = %s hits = %d records = %d", res.Status, res.CacheHits, len(res.Records))
	}
}

func TestPagerWritesFreshPagesToCache(t *testing.T) {
	store, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	g := &scriptedGetter{respond: func(page, _ int) ([]byte, error) {
		return listingPayload(t, page, 1, false), nil
	}}
	p, _, _ := testPager(t, g, store)
	src := testSource()

	p.Run(context.Background(), src)

	body, ok, err := store.Get(src.Key, 1)
	if err != nil || !ok {
		t.Fatalf("cached page 1: ok=%v err=%v", ok, err)
	}
	page, err := parser.ExtractListings(body)
	if err != nil || len(page.Records) != 1 {
		t.Fatalf("cached payload unreadable: %v", err)
	}
}

func TestPagerWithFetcherIntegration(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"

	f, transport := newTestFetcher(t, cfg, nil)
	var calls int
	transport.RegisterResponder("GET", "http://example.test/store/Card-Vault/search/json/",
		func(req *http.Request) (*http.Response, error) {
			calls++
			page, _ := strconv.Atoi(req.URL.Query().Get("page"))
			if page == 2 && calls == 2 {
				return httpmock.NewStringResponse(http.StatusTooManyRequests, ""), nil
			}
			return httpmock.NewBytesResponse(http.StatusOK, listingPayload(t, page, 2, page < 3)), nil
		})

	p, _, waited := testPager(t, f, nil)
	res := p.Run(context.Background(), testSource())

	if res.Status != models.StatusComplete {
		t.Fatalf("status = %s err = %v", res.Status, res.Err)
	}
	if len(res.Records) != 6 || res.Pages != 3 || calls != 4 {
		t.Fatalf("records = %d pages = %d calls = %d, want 6/3/4", len(res.Records), res.Pages, calls)
	}
	if len(waited.slept) != 1 {
		t.Fatalf("rate-limit waits = %d, want 1", len(waited.slept))
	}
}
