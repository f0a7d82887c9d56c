package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 55*time.Minute, cfg.Scheduler.SoftTimeout)
	assert.Equal(t, 60*time.Minute, cfg.Scheduler.HardTimeout)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.CleanupInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.RetentionHorizon)
	assert.Equal(t, 2, cfg.Layout.Columns)
	assert.Equal(t, 4, cfg.Layout.Rows)
	assert.Equal(t, 210.0, cfg.Layout.PageWidthMM)
	assert.Equal(t, 297.0, cfg.Layout.PageHeightMM)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "memory", cfg.Registry.Backend)
	assert.NoError(t, Validate(cfg))
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Scheduler.Workers, cfg.Scheduler.Workers)
}

func TestLoadFromYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	content := "scheduler:\n  workers: 8\nupload:\n  max_file_size: \"25MB\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, uint64(25_000_000), cfg.Upload.MaxFileSize.Uint64())
}

func TestLoadAppliesEnvVarsWithNoFilePresent(t *testing.T) {
	t.Setenv("INVOICEPRESS_SCHEDULER_WORKERS", "7")
	t.Setenv("INVOICEPRESS_STORAGE_ROOT", "/var/run/invoicepress")
	t.Setenv("INVOICEPRESS_SCHEDULER_FAIR_SCHEDULING", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Scheduler.Workers)
	assert.Equal(t, "/var/run/invoicepress", cfg.Storage.Root)
	assert.True(t, cfg.Scheduler.FairScheduling)
}

func TestValidateRejectsS3BackendWithoutBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "s3"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "TRACE"
	assert.Error(t, Validate(cfg))
}
