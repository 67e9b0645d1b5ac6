package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakePages struct {
	created atomic.Int64
	closed  atomic.Int64
	failNew atomic.Bool
}

func (f *fakePages) factory() (*Page, error) {
	if f.failNew.Load() {
		return nil, fmt.Errorf("no more pages")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Page{id: f.created.Add(1), ctx: ctx, cancel: cancel}, nil
}

func (f *fakePages) close(pg *Page) {
	pg.cancel()
	f.closed.Add(1)
}

func resetOK(context.Context, *Page) error { return nil }

func resetFail(context.Context, *Page) error { return fmt.Errorf("tab crashed") }

func TestNewPoolPrecreatesPages(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	p, err := NewPool(3, fp.factory, resetOK, fp.close, nil, zap.NewNop())
	require.NoError(t, err)
	defer p.Shutdown()

	require.Equal(t, 3, p.Size())
	require.Equal(t, 3, p.Idle())
	require.EqualValues(t, 3, fp.created.Load())
}

func TestNewPoolFactoryFailureIsFatal(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	fp.failNew.Store(true)
	_, err := NewPool(2, fp.factory, resetOK, fp.close, nil, zap.NewNop())
	require.Error(t, err)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	p, err := NewPool(2, fp.factory, resetOK, fp.close, nil, zap.NewNop())
	require.NoError(t, err)
	defer p.Shutdown()

	ctx := context.Background()
	pg1, err := p.Acquire(ctx)
	require.NoError(t, err)
	pg2, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Page, 1)
	go func() {
		pg, err := p.Acquire(ctx)
		if assert.NoError(t, err) {
			got <- pg
		}
	}()

	select {
	case <-got:
		t.Fatal("third acquire should block while all pages are leased")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(ctx, pg1)
	select {
	case pg := <-got:
		p.Release(ctx, pg)
	case <-time.After(time.Second):
		t.Fatal("third acquire never unblocked after a release")
	}
	p.Release(ctx, pg2)
	require.Equal(t, 2, p.Idle())
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	p, err := NewPool(1, fp.factory, resetOK, fp.close, nil, zap.NewNop())
	require.NoError(t, err)
	defer p.Shutdown()

	pg, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(context.Background(), pg)
}

func TestReleaseReplacesPageOnResetFailure(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	p, err := NewPool(1, fp.factory, resetFail, fp.close, nil, zap.NewNop())
	require.NoError(t, err)
	defer p.Shutdown()

	pg, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), pg)

	require.Equal(t, 1, p.Idle())
	require.EqualValues(t, 2, fp.created.Load(), "a replacement page should be created")
	require.EqualValues(t, 1, fp.closed.Load(), "the broken page should be closed")

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, pg.ID(), got.ID())
	fp.failNew.Store(true)
	p.Shutdown()
	p.Release(context.Background(), got)
}

func TestShutdownClosesIdlePagesAndBrowser(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	var browserClosed atomic.Bool
	p, err := NewPool(2, fp.factory, resetOK, fp.close, func() { browserClosed.Store(true) }, zap.NewNop())
	require.NoError(t, err)

	p.Shutdown()
	require.EqualValues(t, 2, fp.closed.Load())
	require.True(t, browserClosed.Load())

	_, err = p.Acquire(context.Background())
	require.Error(t, err)

	// Idempotent.
	p.Shutdown()
	require.EqualValues(t, 2, fp.closed.Load())
}

func TestShutdownDuringReleaseClosesEveryPage(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	p, err := NewPool(2, fp.factory, resetOK, fp.close, nil, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	pg1, err := p.Acquire(ctx)
	require.NoError(t, err)
	pg2, err := p.Acquire(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.Release(ctx, pg1) }()
	go func() { defer wg.Done(); p.Release(ctx, pg2) }()
	go func() { defer wg.Done(); p.Shutdown() }()
	wg.Wait()

	// Whether a release lands before or after the drain, its page must be
	// closed rather than stranded in the idle channel.
	require.EqualValues(t, fp.created.Load(), fp.closed.Load())
	require.Equal(t, 0, p.Idle())
}

func TestReleaseAfterShutdownClosesPage(t *testing.T) {
	t.Parallel()

	fp := &fakePages{}
	p, err := NewPool(1, fp.factory, resetOK, fp.close, nil, zap.NewNop())
	require.NoError(t, err)

	pg, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Shutdown()
	p.Release(context.Background(), pg)
	require.EqualValues(t, 1, fp.closed.Load())
	require.Equal(t, 0, p.Idle())
}
