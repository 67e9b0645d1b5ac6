// Package scorer ranks keyword candidates from user behavior history.
package scorer

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// Event weights, ordered by purchase intent. A completed purchase says far
// more about taste than a page view.
var eventWeights = map[recsys.Event]float64{
	recsys.EventItemView:    1,
	recsys.EventItemLike:    2,
	recsys.EventAddToCart:   3,
	recsys.EventOfferMake:   4,
	recsys.EventBuyStart:    5,
	recsys.EventBuyComplete: 6,
}

const defaultTopN = 30

// Lexical scores catalog titles by weighted token overlap with the user's
// behavior history. It stands in for an external recommendation model and
// shares its contract: candidates in, ranked keywords out.
type Lexical struct {
	titles []string
	topN   int
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLexical loads the candidate catalog from catalogPath, one title per
// line. An empty path yields a catalog-less scorer that falls back to
// echoing behavior names.
func NewLexical(catalogPath string, topN int, seed int64, logger *zap.Logger) (*Lexical, error) {
	if topN <= 0 {
		topN = defaultTopN
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lexical{
		topN:   topN,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
	if catalogPath == "" {
		return l, nil
	}

	f, err := os.Open(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		l.titles = append(l.titles, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	logger.Info("catalog loaded", zap.String("path", catalogPath), zap.Int("titles", len(l.titles)))
	return l, nil
}

// Score ranks catalog titles against the behavior history and returns the
// top titles as keyword candidates. With no catalog, or when nothing in the
// catalog overlaps the history, it echoes the behavior names themselves,
// most recent first.
func (l *Lexical) Score(ctx context.Context, behaviors []recsys.Behavior) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(behaviors) == 0 {
		return nil, nil
	}

	tokenWeight := make(map[string]float64)
	for _, b := range behaviors {
		w := eventWeights[b.Event]
		if w == 0 {
			w = 1
		}
		for _, tok := range tokenize(b.Name) {
			tokenWeight[tok] += w
		}
	}

	type scored struct {
		title string
		score float64
	}
	ranked := make([]scored, 0, len(l.titles))
	for _, title := range l.titles {
		var s float64
		for _, tok := range tokenize(title) {
			s += tokenWeight[tok]
		}
		if s > 0 {
			ranked = append(ranked, scored{title: title, score: s})
		}
	}
	if len(ranked) == 0 {
		return l.echoNames(behaviors), nil
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > l.topN {
		ranked = ranked[:l.topN]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.title
	}
	return out, nil
}

// Sample returns up to n random catalog titles, for users with no history.
func (l *Lexical) Sample(n int) []string {
	if n <= 0 || len(l.titles) == 0 {
		return nil
	}
	l.mu.Lock()
	perm := l.rng.Perm(len(l.titles))
	l.mu.Unlock()

	if n > len(l.titles) {
		n = len(l.titles)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = l.titles[perm[i]]
	}
	return out
}

// echoNames returns behavior names most recent first, deduplicated.
func (l *Lexical) echoNames(behaviors []recsys.Behavior) []string {
	seen := make(map[string]struct{}, len(behaviors))
	out := make([]string, 0, len(behaviors))
	for i := len(behaviors) - 1; i >= 0; i-- {
		name := strings.TrimSpace(behaviors[i].Name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
		if len(out) == l.topN {
			break
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
