package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashd/internal/config"
	"stashd/internal/workers/taskrun"
	logx "stashd/pkg/logx"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := "data_dir: " + dir + "\n" +
		"logging:\n  level: warn\n" +
		"workers:\n  stop_timeout: 2s\n" +
		"sources:\n  hackernews:\n    url: http://127.0.0.1:1/\n  reddit:\n    disabled: true\n"
	p := filepath.Join(dir, "stashd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.FileExists(t, filepath.Join(dir, "stashd.db"))

	ran := make(chan struct{})
	require.NoError(t, a.Workers().AcceptTaskWork(taskrun.Func{Label: "ping", Fn: func(context.Context, taskrun.Env) error {
		close(ran)
		return nil
	}}, taskrun.Env{}))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}

	require.NoError(t, a.Stop(ctx))
	select {
	case <-a.Done():
	default:
		t.Fatal("app scope still open after Stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "stashd.yaml")
	require.NoError(t, os.WriteFile(p, []byte("logging:\n  level: info\n"), 0o600))

	_, err := New(context.Background(), p)
	require.ErrorContains(t, err, "data_dir")
}

func TestMigrate(t *testing.T) {
	dir := t.TempDir()
	v, err := Migrate(context.Background(), writeConfig(t, dir), logx.Nop())
	require.NoError(t, err)
	assert.Positive(t, v)
}

func TestMapWorkersConfig(t *testing.T) {
	cfg := &config.Config{DataDir: "/data"}
	cfg.Workers.Scrape = true
	cfg.Workers.Cleanup.MaxAge = "48h"
	cfg.Workers.Digest.Timezone = "Europe/Berlin"
	cfg.Workers.Discussion.Tiers = []string{"30m", "2h"}

	wc, err := mapWorkersConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/data", wc.DataDir)
	assert.True(t, wc.Scrape)
	assert.Equal(t, 48*time.Hour, wc.CleanupMaxAge)
	assert.Zero(t, wc.CleanupInterval)
	assert.Equal(t, "Europe/Berlin", wc.DigestLocation.String())
	assert.Equal(t, []time.Duration{30 * time.Minute, 2 * time.Hour}, wc.DiscussionTiers)

	cfg.Workers.Digest.Timezone = ""
	wc, err = mapWorkersConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, wc.DigestLocation)
}

func TestMapStorageConfigDefaultsPath(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{DataDir: "/data"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "stashd.db"), sc.Path)

	sc, err = mapStorageConfig(&config.Config{DataDir: "/data", Storage: config.StorageConfig{Path: "/db/x.db", BusyTimeout: "2s"}})
	require.NoError(t, err)
	assert.Equal(t, "/db/x.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
}
