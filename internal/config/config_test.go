package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 8, cfg.Browser.PoolSize)
	require.Equal(t, 2, cfg.Scraper.MaxAttempts)
	require.Equal(t, "https://www.google.com/search", cfg.Scraper.BaseURL)
	require.Equal(t, 4, cfg.Recommend.MaxKeywords)
	require.Equal(t, "ko-KR", cfg.Browser.Locale)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Browser.PoolSize = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Scraper.MaxAttempts = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Auth.Enabled = true
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Snapshots.Backend = "gcs"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Snapshots.Backend = "tape"
	require.Error(t, bad.Validate())
}

func TestTimeoutHelpers(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, cfg.NavTimeout().Seconds(), float64(cfg.Scraper.NavTimeoutSec))
	require.Equal(t, cfg.MarkerTimeout().Seconds(), float64(cfg.Scraper.MarkerTimeoutSec))
}
