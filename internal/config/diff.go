package config

import (
	"reflect"
	"strings"

	logx "stashd/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists the changed top-level blocks in file order.
	Sections []string
	// Fields are safe to log; secrets are reported as set/unset only.
	Fields []logx.Field
}

// LiveOnly reports whether every changed section is applied without a
// restart. Only logging is.
func (c Change) LiveOnly() bool {
	for _, s := range c.Sections {
		if s != "logging" {
			return false
		}
	}
	return true
}

func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if oldCfg.DataDir != newCfg.DataDir {
		c.Sections = append(c.Sections, "data_dir")
		c.Fields = append(c.Fields, logx.String("data_dir", newCfg.DataDir))
	}
	if oldCfg.Logging != newCfg.Logging {
		c.Sections = append(c.Sections, "logging")
		c.Fields = append(c.Fields,
			logx.String("logging.level", strings.TrimSpace(newCfg.Logging.Level)),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		c.Sections = append(c.Sections, "storage")
		c.Fields = append(c.Fields, logx.String("storage.path", newCfg.Storage.Path))
	}
	if !reflect.DeepEqual(oldCfg.Workers, newCfg.Workers) {
		c.Sections = append(c.Sections, "workers")
		c.Fields = append(c.Fields,
			logx.Bool("workers.scrape", newCfg.Workers.Scrape),
			logx.String("workers.digest.timezone", newCfg.Workers.Digest.Timezone),
			logx.Int("workers.discussion.tiers", len(newCfg.Workers.Discussion.Tiers)),
		)
	}
	if oldCfg.Notify != newCfg.Notify {
		c.Sections = append(c.Sections, "notify")
		n := newCfg.Notify
		c.Fields = append(c.Fields,
			logx.Int("notify.rate_per_sec", n.RatePerSec),
			logx.String("notify.dedup_window", strings.TrimSpace(n.DedupWindow)),
			logx.Bool("notify.email", n.Email.Enabled),
			logx.Bool("notify.email.password_set", n.Email.Password != ""),
			logx.Bool("notify.telegram", n.Telegram.Enabled),
			logx.Bool("notify.telegram.token_set", n.Telegram.Token != ""),
		)
	}
	if oldCfg.Sources != newCfg.Sources {
		c.Sections = append(c.Sections, "sources")
		c.Fields = append(c.Fields,
			logx.Bool("sources.hackernews", !newCfg.Sources.HackerNews.Disabled),
			logx.Bool("sources.reddit", !newCfg.Sources.Reddit.Disabled),
		)
	}
	if oldCfg.Processor != newCfg.Processor {
		c.Sections = append(c.Sections, "processor")
	}
	if oldCfg.Ops != newCfg.Ops {
		c.Sections = append(c.Sections, "ops")
		c.Fields = append(c.Fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}
	return c
}
