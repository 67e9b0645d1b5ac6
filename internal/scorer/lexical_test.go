package scorer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

func writeCatalog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.txt")
	data := ""
	for _, ln := range lines {
		data += ln + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestScoreRanksByWeightedOverlap(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t,
		"# sample catalog",
		"무선 키보드 풀사이즈",
		"게이밍 마우스 무선",
		"usb 충전 케이블",
	)
	l, err := NewLexical(path, 10, 1, zap.NewNop())
	require.NoError(t, err)

	got, err := l.Score(context.Background(), []recsys.Behavior{
		{Name: "무선 키보드", Event: recsys.EventItemView},
		{Name: "게이밍 마우스", Event: recsys.EventBuyComplete},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "게이밍 마우스 무선", got[0], "purchase events outweigh views")
	assert.Equal(t, "무선 키보드 풀사이즈", got[1])
}

func TestScoreTruncatesToTopN(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, "a x", "b x", "c x", "d x")
	l, err := NewLexical(path, 2, 1, zap.NewNop())
	require.NoError(t, err)

	got, err := l.Score(context.Background(), []recsys.Behavior{
		{Name: "x", Event: recsys.EventItemView},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestScoreEchoesNamesWithoutCatalog(t *testing.T) {
	t.Parallel()

	l, err := NewLexical("", 10, 1, zap.NewNop())
	require.NoError(t, err)

	got, err := l.Score(context.Background(), []recsys.Behavior{
		{Name: "키보드", Event: recsys.EventItemView},
		{Name: "마우스", Event: recsys.EventItemView},
		{Name: "키보드", Event: recsys.EventItemLike},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"키보드", "마우스"}, got, "most recent first, deduplicated")
}

func TestScoreEmptyHistory(t *testing.T) {
	t.Parallel()

	l, err := NewLexical("", 10, 1, zap.NewNop())
	require.NoError(t, err)

	got, err := l.Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestScoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	l, err := NewLexical("", 10, 1, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Score(ctx, []recsys.Behavior{{Name: "x", Event: recsys.EventItemView}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSampleReturnsDistinctTitles(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, "a", "b", "c", "d", "e")
	l, err := NewLexical(path, 10, 42, zap.NewNop())
	require.NoError(t, err)

	got := l.Sample(3)
	require.Len(t, got, 3)
	seen := map[string]bool{}
	for _, s := range got {
		assert.False(t, seen[s])
		seen[s] = true
	}

	assert.Len(t, l.Sample(100), 5, "sample is capped at catalog size")
	assert.Empty(t, l.Sample(0))
}

func TestNewLexicalMissingCatalog(t *testing.T) {
	t.Parallel()

	_, err := NewLexical(filepath.Join(t.TempDir(), "missing.txt"), 10, 1, zap.NewNop())
	assert.Error(t, err)
}
