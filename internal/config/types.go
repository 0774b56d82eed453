package config

// Config is the whole stashd configuration file.
//
// All durations are Go duration strings ("500ms", "10s", "24h").
// Any scalar field can be overridden from the environment, see EnvName.
type Config struct {
	// DataDir holds resource files and the temp directory of the workers.
	DataDir string `json:"data_dir" validate:"required"`

	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Workers   WorkersConfig   `json:"workers"`
	Notify    NotifyConfig    `json:"notify"`
	Sources   SourcesConfig   `json:"sources"`
	Processor ProcessorConfig `json:"processor"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig points at the SQLite database.
//
// Path defaults to <data_dir>/stashd.db.
type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
	OpenTimeout string `json:"open_timeout,omitempty" validate:"omitempty,duration"`
}

// WorkersConfig is read once at startup. Changing it needs a restart.
type WorkersConfig struct {
	// Scrape also extracts readable page content when a link is processed.
	Scrape bool `json:"scrape"`
	// StopTimeout bounds how long shutdown waits for running tasks.
	StopTimeout string `json:"stop_timeout,omitempty" validate:"omitempty,duration"`

	Cleanup    CleanupConfig    `json:"cleanup"`
	Digest     DigestConfig     `json:"digest"`
	Discussion DiscussionConfig `json:"discussion"`
}

type CleanupConfig struct {
	MaxAge   string `json:"max_age,omitempty" validate:"omitempty,duration"`
	Interval string `json:"interval,omitempty" validate:"omitempty,duration"`
}

type DigestConfig struct {
	// Timezone of the Monday 09:00 send time. Empty means UTC.
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Links    int    `json:"links,omitempty" validate:"omitempty,min=1,max=50"`
}

type DiscussionConfig struct {
	// Tiers overrides the polling intervals, narrowest first.
	Tiers []string `json:"tiers,omitempty" validate:"omitempty,dive,duration"`
}

// NotifyConfig controls notification delivery. Web notifications are always
// stored; email and telegram are optional channels.
type NotifyConfig struct {
	RatePerSec      int    `json:"rate_per_sec,omitempty" validate:"min=0"`
	DedupWindow     string `json:"dedup_window,omitempty" validate:"omitempty,duration"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty" validate:"min=0"`
	SendTimeout     string `json:"send_timeout,omitempty" validate:"omitempty,duration"`

	Email    EmailConfig    `json:"email"`
	Telegram TelegramConfig `json:"telegram"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host" validate:"required_if=Enabled true"`
	Port     int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	From     string `json:"from" validate:"required_if=Enabled true"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token" validate:"required_if=Enabled true"` // never logged
	APIURL  string `json:"api_url,omitempty" validate:"omitempty,url"`
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// SourcesConfig configures the discussion finder's remote sites.
type SourcesConfig struct {
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty" validate:"omitempty,duration"`
	// Retries after the first attempt. -1 disables retries.
	Retries int `json:"retries,omitempty" validate:"min=-1"`

	HackerNews SourceConfig `json:"hackernews"`
	Reddit     SourceConfig `json:"reddit"`
}

type SourceConfig struct {
	Disabled bool   `json:"disabled"`
	URL      string `json:"url,omitempty" validate:"omitempty,url"`
}

type ProcessorConfig struct {
	Web WebProcessorConfig `json:"web"`
}

type WebProcessorConfig struct {
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty" validate:"omitempty,duration"`
	MaxBytes  int64  `json:"max_bytes,omitempty" validate:"min=0"`
	// ProbeURL is fetched by the processor health check.
	ProbeURL string `json:"probe_url,omitempty" validate:"omitempty,url"`
}

// OpsConfig controls the local operations HTTP server.
//
// Prefer binding to localhost; the server has no authentication.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:6061"
	Pprof   bool   `json:"pprof"`

	ReadTimeout string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}
