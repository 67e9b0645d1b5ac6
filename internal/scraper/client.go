package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/browser"
	"github.com/jwkim-dev/shopscout/internal/metrics"
	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// Config holds the knobs for one search attempt.
type Config struct {
	// BaseURL is the search endpoint, e.g. https://www.google.com/search.
	BaseURL string
	// MaxAttempts bounds retries per keyword, including the first try.
	MaxAttempts int
	// NavTimeout bounds the navigation and redirect check.
	NavTimeout time.Duration
	// MarkerTimeout bounds the wait for the results marker element.
	MarkerTimeout time.Duration
	// BackoffMin and BackoffMax bound the random sleep between attempts.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// markerSelector is the custom element the shopping results grid renders
// under. Its presence means the page finished loading results.
const markerSelector = "product-viewer-group"

// antiBotPathFragment appears in the URL the target redirects to when it
// suspects automated traffic.
const antiBotPathFragment = "/sorry/index"

var errAntiBot = errors.New("anti-bot redirect detected")

// listingScript extracts every listing card under the results marker as
// (text, image) pairs. Extraction happens in the page to keep CDP roundtrips
// to one per attempt.
const listingScript = `
(() => {
	const group = document.querySelector('` + markerSelector + `');
	if (!group) return [];
	return Array.from(group.children).map((card) => {
		const img = card.querySelector('img');
		return {
			text: card.innerText || '',
			image: img ? (img.getAttribute('src') || '') : '',
		};
	});
})()
`

// fetchFunc performs one navigate-and-extract round trip on a leased page.
type fetchFunc func(ctx context.Context, pg *browser.Page, searchURL string) ([]rawListing, error)

// Client runs keyword searches against the shopping surface through the
// shared page pool.
type Client struct {
	pool      *browser.Pool
	cfg       Config
	snapshots recsys.BlobStore
	logger    *zap.Logger

	fetch fetchFunc
}

// NewClient builds a search client. snapshots may be nil, in which case
// anti-bot page captures are skipped.
func NewClient(pool *browser.Pool, cfg Config, snapshots recsys.BlobStore, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		pool:      pool,
		cfg:       cfg,
		snapshots: snapshots,
		logger:    logger,
	}
	c.fetch = c.chromeFetch
	return c
}

// Search runs one keyword and returns whatever products it could extract.
// It never fails: anti-bot redirects, timeouts and parse misses degrade to
// an empty result so one bad keyword cannot sink a whole task.
func (c *Client) Search(ctx context.Context, keyword string) []recsys.Product {
	searchURL := c.searchURL(keyword)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		products, err := c.attempt(ctx, keyword, searchURL)
		if err == nil {
			if len(products) == 0 {
				metrics.ObserveSearch("empty")
			} else {
				metrics.ObserveSearch("ok")
			}
			return products
		}
		c.logger.Warn("search attempt failed",
			zap.String("keyword", keyword),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < c.cfg.MaxAttempts && !c.backoff(ctx) {
			break
		}
	}
	metrics.ObserveSearch("failed")
	return nil
}

func (c *Client) attempt(ctx context.Context, keyword, searchURL string) ([]recsys.Product, error) {
	pg, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire page: %w", err)
	}
	defer c.pool.Release(ctx, pg)

	raws, err := c.fetch(ctx, pg, searchURL)
	if err != nil {
		if errors.Is(err, errAntiBot) {
			metrics.ObserveAntiBot()
			c.snapshot(pg, "antibot", keyword)
		}
		return nil, err
	}
	products := parseListings(raws)
	if len(raws) > 0 && len(products) == 0 {
		// The page rendered cards but none parsed. Keep the HTML around,
		// the layout may have changed under us.
		c.snapshot(pg, "zeroparse", keyword)
	}
	return products, nil
}

// chromeFetch is the production fetch path. It navigates on the page's own
// browser context so a canceled task cannot strand a half-loaded tab.
func (c *Client) chromeFetch(_ context.Context, pg *browser.Page, searchURL string) ([]rawListing, error) {
	navCtx, navCancel := context.WithTimeout(pg.Context(), c.cfg.NavTimeout)
	defer navCancel()

	var location string
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(searchURL),
		chromedp.Location(&location),
	); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if strings.Contains(location, antiBotPathFragment) {
		return nil, errAntiBot
	}

	markerCtx, markerCancel := context.WithTimeout(pg.Context(), c.cfg.MarkerTimeout)
	defer markerCancel()

	var raws []rawListing
	if err := chromedp.Run(markerCtx,
		chromedp.WaitReady(markerSelector, chromedp.ByQuery),
		chromedp.Evaluate(listingScript, &raws),
	); err != nil {
		return nil, fmt.Errorf("extract listings: %w", err)
	}
	return raws, nil
}

// snapshot archives the current page HTML for offline analysis. Failures
// are logged and swallowed.
func (c *Client) snapshot(pg *browser.Page, reason, keyword string) {
	if c.snapshots == nil {
		return
	}
	htmlCtx, cancel := context.WithTimeout(pg.Context(), c.cfg.NavTimeout)
	defer cancel()

	var html string
	if err := chromedp.Run(htmlCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		c.logger.Warn("snapshot capture failed", zap.String("keyword", keyword), zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s-%s.html",
		reason,
		time.Now().UTC().Format("20060102T150405"),
		url.PathEscape(keyword),
	)
	putCtx, putCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer putCancel()
	if _, err := c.snapshots.PutObject(putCtx, path, "text/html", []byte(html)); err != nil {
		c.logger.Warn("snapshot upload failed", zap.String("path", path), zap.Error(err))
	}
}

// backoff sleeps a random interval in [BackoffMin, BackoffMax]. It reports
// false when the context ended first.
func (c *Client) backoff(ctx context.Context) bool {
	span := c.cfg.BackoffMax - c.cfg.BackoffMin
	d := c.cfg.BackoffMin
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) searchURL(keyword string) string {
	return c.cfg.BaseURL + "?q=" + url.QueryEscape(keyword) + "&tbm=shop"
}
