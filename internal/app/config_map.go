package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"slotsync/internal/calsync"
	"slotsync/internal/config"
	"slotsync/internal/domain"
	"slotsync/internal/oauth"
	"slotsync/internal/opsapi"
	"slotsync/internal/queue"
	"slotsync/internal/scheduler"
	"slotsync/internal/scheduling"
	"slotsync/internal/storage"
	"slotsync/internal/webhook"
	"slotsync/internal/worker"
	logx "slotsync/pkg/logx"
)

const (
	defaultSweepSchedule = "15m"
	defaultPurgeSchedule = "0 3 * * *"
	defaultJobRetention  = 7 * 24 * time.Hour
	defaultSyncRequest   = 30 * time.Second
)

// runtimeConfig is the config file resolved into component configs.
type runtimeConfig struct {
	Logging   logx.Config
	Storage   storage.Config
	Queue     queue.Config
	Worker    worker.Config
	Timeouts  scheduling.Timeouts
	Sync      calsync.Config
	Gateway   string
	SyncHTTP  time.Duration
	OAuth     oauth.Config
	Providers map[string]oauth.ProviderConfig
	Webhook   webhook.Config
	Sender    webhook.SenderConfig
	Scheduler scheduler.Config
	Sweep     string
	Purge     string
	Retention time.Duration
	Ops       opsapi.Config
}

// mapConfig resolves and validates cfg. It is also the hot-reload validator.
func mapConfig(cfg *config.Config) (runtimeConfig, error) {
	var out runtimeConfig
	if cfg == nil {
		return out, fmt.Errorf("config is nil")
	}
	out.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			return out, fmt.Errorf("logging.level: unknown level %q", lv)
		}
	}

	var err error
	if out.Storage, err = mapStorageConfig(cfg.Storage); err != nil {
		return out, err
	}
	if out.Queue, out.Retention, err = mapQueueConfig(cfg.Queue); err != nil {
		return out, err
	}
	if out.Worker, out.Timeouts, err = mapWorkerConfig(cfg.Worker); err != nil {
		return out, err
	}
	if err := mapSyncConfig(cfg.Sync, &out); err != nil {
		return out, err
	}
	if err := mapOAuthConfig(cfg.OAuth, &out); err != nil {
		return out, err
	}
	if err := mapWebhookConfig(cfg.Webhook, &out); err != nil {
		return out, err
	}
	if err := mapSchedulerConfig(cfg.Scheduler, &out); err != nil {
		return out, err
	}
	if out.Ops, err = mapOpsConfig(cfg.Ops); err != nil {
		return out, err
	}
	return out, nil
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: config.Secret(sc.DSN), MaxOpenConns: sc.MaxOpenConns}
	if sc.MaxOpenConns < 0 {
		return out, fmt.Errorf("storage.max_open_conns must be >= 0")
	}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return out, err
		}
		out.BusyTimeout = busy
	case "mysql", "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return out, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return out, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapQueueConfig(qc config.QueueConfig) (queue.Config, time.Duration, error) {
	if qc.MaxAttempts < 0 {
		return queue.Config{}, 0, fmt.Errorf("queue.max_attempts must be >= 0")
	}
	out := queue.Config{MaxAttempts: qc.MaxAttempts}
	if len(qc.TypeMaxAttempts) > 0 {
		out.TypeMaxAttempts = make(map[domain.JobType]int, len(qc.TypeMaxAttempts))
		for k, v := range qc.TypeMaxAttempts {
			t := domain.JobType(k)
			if !t.Known() {
				return queue.Config{}, 0, fmt.Errorf("queue.type_max_attempts: unknown job type %q", k)
			}
			if v < 0 {
				return queue.Config{}, 0, fmt.Errorf("queue.type_max_attempts.%s must be >= 0", k)
			}
			out.TypeMaxAttempts[t] = v
		}
	}
	retention, err := config.ParseDurationOrDefault("queue.retention", qc.Retention, defaultJobRetention)
	if err != nil {
		return queue.Config{}, 0, err
	}
	return out, retention, nil
}

func mapWorkerConfig(wc config.WorkerConfig) (worker.Config, scheduling.Timeouts, error) {
	var (
		out worker.Config
		t   scheduling.Timeouts
		err error
	)
	if wc.Workers < 0 || wc.HistorySize < 0 {
		return out, t, fmt.Errorf("worker.workers and worker.history_size must be >= 0")
	}
	if wc.BackoffJitter < 0 || wc.BackoffJitter > 1 {
		return out, t, fmt.Errorf("worker.backoff_jitter must be within [0,1]")
	}
	out.Workers = wc.Workers
	out.HistorySize = wc.HistorySize
	out.Backoff.Jitter = wc.BackoffJitter

	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"worker.poll_interval", wc.PollInterval, &out.PollInterval},
		{"worker.lease", wc.Lease, &out.Lease},
		{"worker.default_timeout", wc.DefaultTimeout, &out.DefaultTimeout},
		{"worker.backoff_base", wc.BackoffBase, &out.Backoff.Base},
		{"worker.backoff_max", wc.BackoffMax, &out.Backoff.Max},
		{"worker.sync_timeout", wc.SyncTimeout, &t.Sync},
		{"worker.webhook_timeout", wc.WebhookTimeout, &t.Webhook},
		{"worker.conflicts_timeout", wc.ConflictsTimeout, &t.Conflicts},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return out, t, err
		}
	}
	return out, t, nil
}

func mapSyncConfig(sc config.SyncConfig, out *runtimeConfig) error {
	gw := strings.TrimSpace(sc.GatewayURL)
	if gw != "" {
		u, err := url.Parse(gw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sync.gateway_url: invalid %q", sc.GatewayURL)
		}
	}
	out.Gateway = gw
	if sc.ProviderRate < 0 || sc.ProviderBurst < 0 {
		return fmt.Errorf("sync.provider_rate and sync.provider_burst must be >= 0")
	}
	horizon, err := config.ParseDurationField("sync.conflict_horizon", sc.ConflictHorizon)
	if err != nil {
		return err
	}
	if out.SyncHTTP, err = config.ParseDurationOrDefault("sync.request_timeout", sc.RequestTimeout, defaultSyncRequest); err != nil {
		return err
	}
	out.Sync = calsync.Config{
		ConflictHorizon: horizon,
		ProviderRate:    sc.ProviderRate,
		ProviderBurst:   sc.ProviderBurst,
		ProviderRates:   sc.ProviderRates,
	}
	return nil
}

func mapOAuthConfig(oc config.OAuthConfig, out *runtimeConfig) error {
	margin, err := config.ParseDurationField("oauth.refresh_margin", oc.RefreshMargin)
	if err != nil {
		return err
	}
	base, err := config.ParseDurationField("oauth.retry_base", oc.RetryBase)
	if err != nil {
		return err
	}
	if oc.RefreshRetries < 0 {
		return fmt.Errorf("oauth.refresh_retries must be >= 0")
	}
	out.OAuth = oauth.Config{RefreshMargin: margin, RefreshRetries: oc.RefreshRetries, RetryBase: base}
	out.Providers = make(map[string]oauth.ProviderConfig, len(oc.Providers))
	for name, p := range oc.Providers {
		pc := oauth.ProviderConfig{
			TokenURL:     strings.TrimSpace(p.TokenURL),
			ClientID:     config.Secret(p.ClientID),
			ClientSecret: config.Secret(p.ClientSecret),
			RedirectURL:  strings.TrimSpace(p.RedirectURL),
		}
		if pc.TokenURL == "" || pc.ClientID == "" {
			return fmt.Errorf("oauth.providers.%s: token_url and client_id are required", name)
		}
		out.Providers[name] = pc
	}
	return nil
}

func mapWebhookConfig(wc config.WebhookConfig, out *runtimeConfig) error {
	if wc.MaxAttempts < 0 || wc.FailureThreshold < 0 || wc.HostBurst < 0 || wc.HostRate < 0 {
		return fmt.Errorf("webhook: counts and rates must be >= 0")
	}
	if wc.BackoffJitter < 0 || wc.BackoffJitter > 1 {
		return fmt.Errorf("webhook.backoff_jitter must be within [0,1]")
	}
	base, err := config.ParseDurationField("webhook.backoff_base", wc.BackoffBase)
	if err != nil {
		return err
	}
	maxD, err := config.ParseDurationField("webhook.backoff_max", wc.BackoffMax)
	if err != nil {
		return err
	}
	timeout, err := config.ParseDurationField("webhook.timeout", wc.Timeout)
	if err != nil {
		return err
	}
	out.Webhook = webhook.Config{
		MaxAttempts:      wc.MaxAttempts,
		FailureThreshold: wc.FailureThreshold,
		Backoff:          queue.Backoff{Base: base, Max: maxD, Jitter: wc.BackoffJitter},
	}
	out.Sender = webhook.SenderConfig{Timeout: timeout, HostRate: wc.HostRate, HostBurst: wc.HostBurst, UserAgent: strings.TrimSpace(wc.UserAgent)}
	return nil
}

func mapSchedulerConfig(sc config.SchedulerConfig, out *runtimeConfig) error {
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	out.Scheduler = scheduler.Config{Enabled: sc.Enabled, Timezone: sc.Timezone}
	out.Sweep = orDefault(sc.CalendarSweep, defaultSweepSchedule)
	out.Purge = orDefault(sc.JobPurge, defaultPurgeSchedule)
	for path, raw := range map[string]string{"scheduler.calendar_sweep": out.Sweep, "scheduler.job_purge": out.Purge} {
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func mapOpsConfig(oc config.OpsConfig) (opsapi.Config, error) {
	out := opsapi.Config{
		Enabled: oc.Enabled,
		Addr:    strings.TrimSpace(oc.Addr),
		Token:   config.Secret(oc.Token),
		Pprof:   oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// 0 keeps pprof's long-running /profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if err := opsapi.Validate(out); err != nil {
		return out, fmt.Errorf("ops: %w", err)
	}
	return out, nil
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
