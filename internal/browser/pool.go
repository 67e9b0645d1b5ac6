// Package browser manages a fixed-size pool of headless browser pages.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/metrics"
)

// Page is one leased browser execution context. A page is exclusively owned
// by the pool and never shared across leases.
type Page struct {
	id     int64
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the page's pool-assigned identifier.
func (p *Page) ID() int64 {
	return p.id
}

// Context returns the page's browser target context. Callers derive
// per-operation timeouts from it.
func (p *Page) Context() context.Context {
	return p.ctx
}

// NewPage wraps a browser execution context as a pool page. PageFactory
// implementations use it to hand ownership of the context to the pool.
func NewPage(id int64, ctx context.Context, cancel context.CancelFunc) *Page {
	return &Page{id: id, ctx: ctx, cancel: cancel}
}

// PageFactory creates a ready page.
type PageFactory func() (*Page, error)

// PageReset restores a page to a neutral blank state between leases.
type PageReset func(ctx context.Context, pg *Page) error

// PageCloser releases the underlying page resources.
type PageCloser func(pg *Page)

const replaceRetryDelay = 500 * time.Millisecond

// Pool hands out pages to at most size concurrent lessees. The pool owns
// exactly size pages at all times: a page that fails its release reset is
// replaced with a fresh one before control returns to the pool.
type Pool struct {
	size         int
	idle         chan *Page
	factory      PageFactory
	reset        PageReset
	closePage    PageCloser
	closeBrowser func()
	logger       *zap.Logger
	closed       atomic.Bool

	// drainMu serializes idle re-queues against the shutdown drain, so a
	// page released concurrently with Shutdown is either drained or closed
	// directly, never stranded in the channel.
	drainMu sync.Mutex
}

// NewPool creates size pages up front. A creation failure here is fatal:
// everything already created is torn down and the error is returned.
func NewPool(
	size int,
	factory PageFactory,
	reset PageReset,
	closePage PageCloser,
	closeBrowser func(),
	logger *zap.Logger,
) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		size:         size,
		idle:         make(chan *Page, size),
		factory:      factory,
		reset:        reset,
		closePage:    closePage,
		closeBrowser: closeBrowser,
		logger:       logger,
	}
	for i := 0; i < size; i++ {
		pg, err := factory()
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("create page %d/%d: %w", i+1, size, err)
		}
		p.idle <- pg
	}
	return p, nil
}

// Acquire blocks until a page is available or the context ends. Every
// successful Acquire must be paired with exactly one Release.
func (p *Pool) Acquire(ctx context.Context) (*Page, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("pool is shut down")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("page wait canceled: %w", err)
	}
	select {
	case pg := <-p.idle:
		metrics.IncPagesInUse()
		return pg, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("page wait canceled: %w", ctx.Err())
	}
}

// Release resets the page and returns it to the pool. If the reset fails the
// page is discarded and a freshly created one is substituted, so the pool
// size invariant holds before control returns.
func (p *Pool) Release(ctx context.Context, pg *Page) {
	metrics.DecPagesInUse()
	if p.closed.Load() {
		p.closePage(pg)
		return
	}
	if err := p.reset(ctx, pg); err != nil {
		metrics.ObservePageResetFailure()
		p.logger.Warn("page reset failed, replacing page",
			zap.Int64("page_id", pg.ID()),
			zap.Error(err),
		)
		p.closePage(pg)
		pg = p.replace()
		if pg == nil {
			return
		}
	}
	p.requeue(pg)
}

// requeue returns the page to the idle set, unless the pool shut down while
// the reset ran, in which case the page is closed instead.
func (p *Pool) requeue(pg *Page) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	if p.closed.Load() {
		p.closePage(pg)
		return
	}
	p.idle <- pg
}

// replace creates a substitute page, retrying until it succeeds or the pool
// shuts down.
func (p *Pool) replace() *Page {
	for {
		if p.closed.Load() {
			return nil
		}
		pg, err := p.factory()
		if err == nil {
			return pg
		}
		p.logger.Error("page replacement failed, retrying", zap.Error(err))
		time.Sleep(replaceRetryDelay)
	}
}

// Size returns the configured pool capacity.
func (p *Pool) Size() int {
	return p.size
}

// Idle returns the number of pages currently free.
func (p *Pool) Idle() int {
	return len(p.idle)
}

// Shutdown closes every currently idle page and the underlying browser.
// Leases in flight are not interrupted; their pages are closed on Release.
func (p *Pool) Shutdown() {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	if p.closed.Swap(true) {
		return
	}
	for {
		select {
		case pg := <-p.idle:
			p.closePage(pg)
		default:
			if p.closeBrowser != nil {
				p.closeBrowser()
			}
			return
		}
	}
}
