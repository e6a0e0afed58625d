package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/market"
)

const (
	// If loading a price takes longer than this timeout, turn it into background.
	defaultLoadTimeout = 5 * time.Second
	// Use a cached price if it was loaded no earlier than this period.
	defaultCachePeriod = 10 * time.Second
)

type rawPrice struct {
	Price    decimal.Decimal `json:"price"`
	Decimals int32           `json:"decimals"`
}

// HTTPFeeds reads prices from an HTTP price-feed service exposing
// GET {base}/feeds/{feed} -> {"price": "...", "decimals": N}.
// Prices are cached per feed and revalidated with ETags.
type HTTPFeeds struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	loadTimeout time.Duration
	cachePeriod time.Duration

	perFeed map[market.Address]*feedPrice
	lkFeeds sync.Mutex
}

var _ ledger.PriceFeedProvider = (*HTTPFeeds)(nil)

// NewHTTPFeeds returns a PriceFeedProvider backed by the service at baseURL.
// A zero cachePeriod uses the default.
func NewHTTPFeeds(baseURL, apiKey string, cachePeriod time.Duration) *HTTPFeeds {
	if cachePeriod <= 0 {
		cachePeriod = defaultCachePeriod
	}
	return &HTTPFeeds{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: time.Minute},
		loadTimeout: defaultLoadTimeout,
		cachePeriod: cachePeriod,
		perFeed:     make(map[market.Address]*feedPrice),
	}
}

// LatestPrice implements ledger.PriceFeedProvider. It fails if the cached
// price expired and could not be reloaded in time.
func (hf *HTTPFeeds) LatestPrice(_ context.Context, feed market.Address) (decimal.Decimal, int32, error) {
	hf.lkFeeds.Lock()
	fp, exists := hf.perFeed[feed]
	if !exists {
		fp = newFeedPrice(hf.client, hf.apiKey)
		hf.perFeed[feed] = fp
	}
	hf.lkFeeds.Unlock()

	u := fmt.Sprintf("%s/feeds/%s", hf.baseURL, feed)
	if !fp.maybeReload(u, hf.loadTimeout, hf.cachePeriod) {
		return decimal.Zero, 0, fmt.Errorf("feed %s: %w", feed, ErrFeedUnavailable)
	}
	p := fp.price.Load()
	// preventive but should not happen
	if p == nil {
		return decimal.Zero, 0, fmt.Errorf("feed %s: %w", feed, ErrFeedUnavailable)
	}
	return p.(*rawPrice).Price, p.(*rawPrice).Decimals, nil
}

type feedPrice struct {
	client      *http.Client
	apiKey      string
	price       atomic.Value // *rawPrice
	lastUpdated atomic.Value // time.Time
	etag        atomic.Value // string
	lkLoad      sync.Mutex
}

func newFeedPrice(client *http.Client, apiKey string) *feedPrice {
	fp := &feedPrice{client: client, apiKey: apiKey}
	fp.lastUpdated.Store(time.Time{})
	return fp
}

// maybeReload reloads the price if the cache expired. It reloads only once if
// being called concurrently. When loading takes more than the timeout,
// reloading turns to background and the method returns. The return value
// indicates if the cached price is valid.
func (fp *feedPrice) maybeReload(url string, timeout time.Duration, cachePeriod time.Duration) bool {
	fp.lkLoad.Lock()
	defer fp.lkLoad.Unlock()
	lastUpdated := fp.lastUpdated.Load().(time.Time)
	if time.Since(lastUpdated) < cachePeriod {
		return true
	}
	// use buffered channel to avoid blocking the goroutine when the receiver is gone.
	chErr := make(chan error, 1)
	go func() {
		err := fp.load(url)
		if err != nil {
			log.Errorf("loading price from %s: %v", url, err)
		}
		chErr <- err
		close(chErr)
	}()
	select {
	case err := <-chErr:
		if err == nil {
			return true
		}
	case <-time.After(timeout):
	}
	return false
}

func (fp *feedPrice) load(url string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %v", err)
	}
	if fp.apiKey != "" {
		req.Header.Set("Authorization", fp.apiKey)
	}
	if etag := fp.etag.Load(); etag != nil && fp.price.Load() != nil {
		req.Header.Set("If-None-Match", etag.(string))
	}
	start := time.Now()
	resp, err := fp.client.Do(req)
	log.Debugf("loading price from %s took %v", url, time.Since(start))
	if err != nil {
		return fmt.Errorf("contacting price feed server: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		// proceed
	case http.StatusNotModified:
		fp.lastUpdated.Store(time.Now())
		return nil
	default:
		return fmt.Errorf("unexpected HTTP status '%v'", resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading http response: %v", err)
	}
	var p rawPrice
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("unmarshalling price: %v", err)
	}
	fp.etag.Store(resp.Header.Get("ETag"))
	fp.price.Store(&p)
	fp.lastUpdated.Store(time.Now())
	return nil
}
