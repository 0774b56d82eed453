package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"stashd/internal/config"
	"stashd/internal/notifier"
	"stashd/internal/ops"
	"stashd/internal/processor"
	"stashd/internal/sources"
	"stashd/internal/storage"
	"stashd/internal/workers"
	logx "stashd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = filepath.Join(cfg.DataDir, "stashd.db")
	}
	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	open, err := config.ParseDuration("storage.open_timeout", cfg.Storage.OpenTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy, OpenTimeout: open}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notify
	window, err := config.ParseDuration("notify.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDuration("notify.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:      n.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		SendTimeout:     timeout,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (notifier.TelegramConfig, error) {
	t := cfg.Notify.Telegram
	timeout, err := config.ParseDuration("notify.telegram.timeout", t.Timeout)
	if err != nil {
		return notifier.TelegramConfig{}, err
	}
	return notifier.TelegramConfig{Token: t.Token, APIURL: t.APIURL, Timeout: timeout}, nil
}

func mapEmailConfig(cfg *config.Config) notifier.EmailConfig {
	e := cfg.Notify.Email
	return notifier.EmailConfig{Host: e.Host, Port: e.Port, Username: e.Username, Password: e.Password, From: e.From}
}

func mapSourcesConfig(cfg *config.Config) (sources.ClientConfig, error) {
	timeout, err := config.ParseDuration("sources.timeout", cfg.Sources.Timeout)
	if err != nil {
		return sources.ClientConfig{}, err
	}
	return sources.ClientConfig{
		UserAgent: cfg.Sources.UserAgent,
		Timeout:   timeout,
		Retries:   cfg.Sources.Retries,
	}, nil
}

func mapWebConfig(cfg *config.Config) (processor.WebConfig, error) {
	w := cfg.Processor.Web
	timeout, err := config.ParseDuration("processor.web.timeout", w.Timeout)
	if err != nil {
		return processor.WebConfig{}, err
	}
	return processor.WebConfig{UserAgent: w.UserAgent, Timeout: timeout, MaxBytes: w.MaxBytes, ProbeURL: w.ProbeURL}, nil
}

func mapWorkersConfig(cfg *config.Config) (workers.Config, error) {
	w := cfg.Workers
	maxAge, err := config.ParseDuration("workers.cleanup.max_age", w.Cleanup.MaxAge)
	if err != nil {
		return workers.Config{}, err
	}
	interval, err := config.ParseDuration("workers.cleanup.interval", w.Cleanup.Interval)
	if err != nil {
		return workers.Config{}, err
	}
	tiers, err := config.ParseDurations("workers.discussion.tiers", w.Discussion.Tiers)
	if err != nil {
		return workers.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(w.Digest.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return workers.Config{}, fmt.Errorf("workers.digest.timezone: %w", err)
		}
	}
	return workers.Config{
		DataDir:         cfg.DataDir,
		Scrape:          w.Scrape,
		CleanupMaxAge:   maxAge,
		CleanupInterval: interval,
		DigestLocation:  loc,
		DigestLinks:     w.Digest.Links,
		DiscussionTiers: tiers,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	read, err := config.ParseDuration("ops.read_timeout", cfg.Ops.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDuration("ops.idle_timeout", cfg.Ops.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{Addr: cfg.Ops.Addr, Pprof: cfg.Ops.Pprof, ReadTimeout: read, IdleTimeout: idle}, nil
}
