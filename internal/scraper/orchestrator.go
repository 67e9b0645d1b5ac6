package scraper

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// Orchestrator fans a keyword set out over the page pool and merges the
// per-keyword results into one product list.
type Orchestrator struct {
	searcher   recsys.Searcher
	primaryCap int
	logger     *zap.Logger
}

// NewOrchestrator builds an orchestrator. primaryCap limits how many results
// the first keyword contributes; zero or negative means no cap.
func NewOrchestrator(searcher recsys.Searcher, primaryCap int, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		searcher:   searcher,
		primaryCap: primaryCap,
		logger:     logger,
	}
}

// ScrapeAll searches every keyword concurrently. keywords[0] is the primary
// keyword: its results lead the merged list, capped at primaryCap. The other
// keywords follow in submission order. Keywords that produced nothing simply
// contribute nothing.
func (o *Orchestrator) ScrapeAll(ctx context.Context, keywords []string) []recsys.Product {
	if len(keywords) == 0 {
		return nil
	}

	results := make([][]recsys.Product, len(keywords))
	var wg sync.WaitGroup
	for i, kw := range keywords {
		wg.Add(1)
		go func(i int, kw string) {
			defer wg.Done()
			results[i] = o.searcher.Search(ctx, kw)
		}(i, kw)
	}
	wg.Wait()

	primary := results[0]
	if o.primaryCap > 0 && len(primary) > o.primaryCap {
		primary = primary[:o.primaryCap]
	}
	merged := make([]recsys.Product, 0, len(primary))
	merged = append(merged, primary...)
	for _, r := range results[1:] {
		merged = append(merged, r...)
	}
	o.logger.Debug("scrape fan-out finished",
		zap.Int("keywords", len(keywords)),
		zap.Int("products", len(merged)),
	)
	return merged
}
