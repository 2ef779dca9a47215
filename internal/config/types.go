package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets may be given as "${ENV_NAME}" and are expanded from the environment.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Worker    WorkerConfig    `json:"worker"`
	Sync      SyncConfig      `json:"sync"`
	OAuth     OAuthConfig     `json:"oauth"`
	Webhook   WebhookConfig   `json:"webhook"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the backing store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slotsync.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver       string `json:"driver"` // memory | sqlite | mysql | postgres
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// QueueConfig holds attempt budgets. Defaults: max_attempts 5.
type QueueConfig struct {
	MaxAttempts     int            `json:"max_attempts,omitempty"`
	TypeMaxAttempts map[string]int `json:"type_max_attempts,omitempty"`
	// Retention is how long finished jobs are kept before the purge trigger drops them.
	Retention string `json:"retention,omitempty"`
}

// WorkerConfig controls the job pool.
//
// Defaults: workers 4, poll_interval 1s, lease 2m, default_timeout 30s,
// history_size 200.
type WorkerConfig struct {
	Workers        int     `json:"workers,omitempty"`
	PollInterval   string  `json:"poll_interval,omitempty"`
	Lease          string  `json:"lease,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	BackoffBase    string  `json:"backoff_base,omitempty"`
	BackoffMax     string  `json:"backoff_max,omitempty"`
	BackoffJitter  float64 `json:"backoff_jitter,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`

	// Per-handler timeouts.
	SyncTimeout      string `json:"sync_timeout,omitempty"`
	WebhookTimeout   string `json:"webhook_timeout,omitempty"`
	ConflictsTimeout string `json:"conflicts_timeout,omitempty"`
}

// SyncConfig controls the calendar sync engine.
type SyncConfig struct {
	// GatewayURL is the base URL of the provider event gateway.
	GatewayURL      string             `json:"gateway_url"`
	ConflictHorizon string             `json:"conflict_horizon,omitempty"`
	ProviderRate    float64            `json:"provider_rate,omitempty"`
	ProviderBurst   int                `json:"provider_burst,omitempty"`
	ProviderRates   map[string]float64 `json:"provider_rates,omitempty"`
	RequestTimeout  string             `json:"request_timeout,omitempty"`
}

type OAuthConfig struct {
	RefreshMargin  string                   `json:"refresh_margin,omitempty"`
	RefreshRetries int                      `json:"refresh_retries,omitempty"`
	RetryBase      string                   `json:"retry_base,omitempty"`
	Providers      map[string]OAuthProvider `json:"providers"`
}

type OAuthProvider struct {
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"` // do not log
	RedirectURL  string `json:"redirect_url,omitempty"`
}

// WebhookConfig controls outbound delivery. Defaults: max_attempts 5,
// failure_threshold 10, timeout 10s, host_rate 10/s.
type WebhookConfig struct {
	MaxAttempts      int     `json:"max_attempts,omitempty"`
	FailureThreshold int     `json:"failure_threshold,omitempty"`
	BackoffBase      string  `json:"backoff_base,omitempty"`
	BackoffMax       string  `json:"backoff_max,omitempty"`
	BackoffJitter    float64 `json:"backoff_jitter,omitempty"`
	Timeout          string  `json:"timeout,omitempty"`
	HostRate         float64 `json:"host_rate,omitempty"`
	HostBurst        int     `json:"host_burst,omitempty"`
	UserAgent        string  `json:"user_agent,omitempty"`
}

// SchedulerConfig controls periodic maintenance triggers.
// Schedules accept cron ("*/5 * * * *"), HH:MM ("00:15") or durations ("15m").
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone,omitempty"`
	CalendarSweep string `json:"calendar_sweep,omitempty"`
	JobPurge      string `json:"job_purge,omitempty"`
}

// OpsConfig controls the operations HTTP surface (health, job stats, pprof).
//
// Prefer binding to localhost. A non-loopback addr requires a token.
type OpsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token        string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
