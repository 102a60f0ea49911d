package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "20s", "1h"); empty means the documented default.
//
// Secret fields (telegram.token, backend.token, catalog.api_key, ops.token) may hold an
// "ssm:/path/name" reference resolved at startup.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Backend   BackendConfig   `json:"backend"`
	Health    HealthConfig    `json:"health"`
	Catalog   CatalogConfig   `json:"catalog"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops"`
	Secrets   SecretsConfig   `json:"secrets,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// OperatorChatID receives search reports, unauthorized-use notices and
	// WARN+ log lines. Defaults to the first owner.
	OperatorChatID int64  `json:"operator_chat_id,omitempty"`
	PollTimeout    string `json:"poll_timeout,omitempty"`
	// Workers bounds concurrently running update handlers (default 16).
	Workers int `json:"workers,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BackendConfig points at the web backend that is probed for health and
// receives search logs.
type BackendConfig struct {
	URL           string `json:"url"`
	Token         string `json:"token"`
	LogSearchPath string `json:"log_search_path,omitempty"` // default "/log-search"
	// BotName is reported in the probe body. Defaults to the hostname.
	BotName string `json:"bot_name,omitempty"`
}

// HealthConfig controls the startup and on-demand connectivity probe.
//
// Defaults: timeout 20s, max_retries 3, retry_delay 5s.
type HealthConfig struct {
	Timeout    string `json:"timeout,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
}

type CatalogConfig struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url,omitempty"`       // default https://api.themoviedb.org/3
	ImageBaseURL string `json:"image_base_url,omitempty"` // default https://image.tmdb.org/t/p/w500
	// SiteURL is the public site that result buttons link to.
	SiteURL  string `json:"site_url"`
	Language string `json:"language,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type BroadcastConfig struct {
	// Delay between sends (default 100ms).
	Delay     string `json:"delay,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"` // progress cadence, default 100
}

type SessionConfig struct {
	TTL         string `json:"ttl,omitempty"` // default 1h
	PageSize    int    `json:"page_size,omitempty"`
	MaxSessions int    `json:"max_sessions,omitempty"`
	// SweepSpec is a cron spec for the expiry sweep (default "@every 1h").
	SweepSpec string `json:"sweep_spec,omitempty"`
}

// StorageConfig selects the recipient directory backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cinebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite | redis | dynamodb
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	Table       string `json:"table,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// InactiveAfter evicts recipients not seen for this long (default 720h).
	InactiveAfter string `json:"inactive_after,omitempty"`
	SweepSpec     string `json:"sweep_spec,omitempty"` // default "@daily"
}

// OpsConfig controls the operational HTTP server (/healthz, /metrics, pprof).
//
// Prefer binding to localhost. A token is required for non-loopback binds
// unless allow_insecure is set.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:8000
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type SecretsConfig struct {
	Region string `json:"region,omitempty"`
}
