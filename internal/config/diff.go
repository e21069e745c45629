package config

import (
	"sort"
	"strings"

	logx "notibind/pkg/logx"
)

// LiveSections can be applied without restarting the daemon.
var LiveSections = map[string]bool{"logging": true, "notifier": true}

// SummarizeConfigChange returns the sorted names of changed sections and
// safe structured attrs for logging. Secrets are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.Bool("session.file_set", strings.TrimSpace(newCfg.Session.File) != ""),
			logx.Bool("session.user_set", strings.TrimSpace(newCfg.Session.UserID) != ""),
		)
	}

	if oldCfg.Realtime != newCfg.Realtime {
		changed = append(changed, "realtime")
		attrs = append(attrs,
			logx.String("realtime.driver", RealtimeDriver(newCfg.Realtime)),
			logx.String("realtime.topic_prefix", newCfg.Realtime.TopicPrefix),
			logx.Bool("realtime.api_key_set", newCfg.Realtime.APIKey != ""),
			logx.Bool("realtime.jwt_secret_set", newCfg.Realtime.JWTSecret != ""),
		)
	}

	if oldCfg.Permission != newCfg.Permission {
		changed = append(changed, "permission")
		attrs = append(attrs,
			logx.String("permission.policy", newCfg.Permission.Policy),
			logx.Bool("permission.remember", newCfg.Permission.Remember),
		)
	}

	if oldCfg.Binder != newCfg.Binder {
		changed = append(changed, "binder")
		attrs = append(attrs, logx.Bool("binder.audit", newCfg.Binder.Audit))
	}

	// An omitted notifier section means defaults; compare effective values.
	oldN, newN := EffectiveNotifier(oldCfg), EffectiveNotifier(newCfg)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.String("notifier.sink", newN.Sink),
		)
	}

	// Nil storage means disabled.
	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// EffectiveNotifier returns the notifier section, or defaults when omitted.
func EffectiveNotifier(cfg *Config) NotifierConfig {
	if cfg == nil || cfg.Notifier == nil {
		return DefaultNotifier()
	}
	return *cfg.Notifier
}
