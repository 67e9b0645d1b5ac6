package browser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the Chrome-backed page pool.
type Config struct {
	PoolSize     int
	UserAgent    string
	Locale       string
	Timezone     string
	WindowWidth  int
	WindowHeight int
}

const pageResetTimeout = 5 * time.Second

// Stylesheets, fonts and images are dead weight for text extraction; block
// them at the network layer.
var blockedResourcePatterns = []string{
	"*.css", "*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp",
	"*.svg", "*.woff", "*.woff2", "*.ttf",
}

// NewChromePool launches a headless Chrome and pre-creates PoolSize tab
// contexts configured for scraping: fixed user agent, locale and timezone
// overrides, and non-document resources blocked.
func NewChromePool(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	var nextID atomic.Int64
	factory := func() (*Page, error) {
		tabCtx, tabCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(tabCtx, pageSetupActions(cfg)...); err != nil {
			tabCancel()
			return nil, fmt.Errorf("set up page: %w", err)
		}
		return &Page{
			id:     nextID.Add(1),
			ctx:    tabCtx,
			cancel: tabCancel,
		}, nil
	}

	// The reset runs on the page's own context, not the lessee's: a canceled
	// task must not leave a dirty page behind.
	reset := func(_ context.Context, pg *Page) error {
		resetCtx, cancel := context.WithTimeout(pg.Context(), pageResetTimeout)
		defer cancel()
		if err := chromedp.Run(resetCtx, chromedp.Navigate("about:blank")); err != nil {
			return fmt.Errorf("navigate blank: %w", err)
		}
		return nil
	}

	closePage := func(pg *Page) {
		pg.cancel()
	}

	return NewPool(cfg.PoolSize, factory, reset, closePage, allocCancel, logger)
}

func pageSetupActions(cfg Config) []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		network.SetBlockedURLs(blockedResourcePatterns),
	}
	if cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(cfg.UserAgent))
	}
	if cfg.Locale != "" {
		actions = append(actions, emulation.SetLocaleOverride().WithLocale(cfg.Locale))
	}
	if cfg.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(cfg.Timezone))
	}
	actions = append(actions, chromedp.Navigate("about:blank"))
	return actions
}
