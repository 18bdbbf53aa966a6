package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 4096, cfg.Storage.PageSize)
	require.Equal(t, 2000*time.Millisecond, cfg.LockTimeout())
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	yaml := []byte("storage:\n  page_size: 8192\n  page_count: 16\nlock:\n  timeout_ms: 500\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8192, cfg.Storage.PageSize)
	require.Equal(t, 16, cfg.Storage.PageCount)
	require.Equal(t, 500*time.Millisecond, cfg.LockTimeout())
	require.Equal(t, 100, cfg.Stats.HistogramBuckets, "unset fields keep their default")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
