package config

import (
	"reflect"
	"sort"
	"strings"

	logx "slotsync/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe attrs for logging.
// Secrets (client secrets, DSNs, tokens) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if o.Driver != n.Driver || o.Path != n.Path || o.BusyTimeout != n.BusyTimeout ||
		o.MaxOpenConns != n.MaxOpenConns || o.DSN != n.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(n.DSN) != ""),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
			logx.String("queue.retention", newCfg.Queue.Retention),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.workers", newCfg.Worker.Workers),
			logx.String("worker.lease", newCfg.Worker.Lease),
			logx.String("worker.default_timeout", newCfg.Worker.DefaultTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sync, newCfg.Sync) {
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.Bool("sync.gateway_set", strings.TrimSpace(newCfg.Sync.GatewayURL) != ""),
			logx.Any("sync.provider_rate", newCfg.Sync.ProviderRate),
			logx.String("sync.conflict_horizon", newCfg.Sync.ConflictHorizon),
		)
	}

	if !reflect.DeepEqual(oldCfg.OAuth, newCfg.OAuth) {
		changed = append(changed, "oauth")
		attrs = append(attrs,
			logx.String("oauth.refresh_margin", newCfg.OAuth.RefreshMargin),
			logx.Any("oauth.providers", providerNames(newCfg.OAuth.Providers)),
		)
	}

	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Int("webhook.max_attempts", newCfg.Webhook.MaxAttempts),
			logx.Int("webhook.failure_threshold", newCfg.Webhook.FailureThreshold),
			logx.String("webhook.timeout", newCfg.Webhook.Timeout),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.calendar_sweep", newCfg.Scheduler.CalendarSweep),
			logx.String("scheduler.job_purge", newCfg.Scheduler.JobPurge),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func providerNames(m map[string]OAuthProvider) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
