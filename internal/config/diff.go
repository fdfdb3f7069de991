package config

import (
	"reflect"
	"strings"

	"entropy/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and (2) safe
// structured attrs for logging (never includes bus URLs, which may embed passwords).
func SummarizeChange(oldCfg, newCfg EngineConfig) ([]string, []logx.Field) {
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.IsEnabled() != newCfg.IsEnabled() {
		changed = append(changed, "enabled")
		attrs = append(attrs, logx.Bool("enabled", newCfg.IsEnabled()))
	}

	if strings.TrimSpace(oldCfg.AuditCfg) != strings.TrimSpace(newCfg.AuditCfg) ||
		strings.TrimSpace(oldCfg.RepairCfg) != strings.TrimSpace(newCfg.RepairCfg) ||
		oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.driver", newCfg.Backend.Driver),
			logx.String("audit_cfg", newCfg.AuditCfg),
			logx.String("repair_cfg", newCfg.RepairCfg),
		)
	}

	if strings.TrimSpace(oldCfg.SerializerSchedule) != strings.TrimSpace(newCfg.SerializerSchedule) ||
		strings.TrimSpace(oldCfg.EngineTimeout) != strings.TrimSpace(newCfg.EngineTimeout) ||
		strings.TrimSpace(oldCfg.AuditTimeout) != strings.TrimSpace(newCfg.AuditTimeout) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("serializer_schedule", newCfg.SerializerSchedule),
			logx.String("engine_timeout", newCfg.EngineTimeout),
			logx.String("audit_timeout", newCfg.AuditTimeout),
		)
	}

	if oldCfg.MaxWorkers != newCfg.MaxWorkers || oldCfg.QueueSize != newCfg.QueueSize {
		changed = append(changed, "pool")
		attrs = append(attrs, logx.Int("max_workers", newCfg.MaxWorkers), logx.Int("queue_size", newCfg.QueueSize))
	}

	if oldCfg.Exchange != newCfg.Exchange || oldCfg.Bus.Driver != newCfg.Bus.Driver ||
		oldCfg.Bus.Prefetch != newCfg.Bus.Prefetch ||
		(strings.TrimSpace(oldCfg.Bus.URL) != "") != (strings.TrimSpace(newCfg.Bus.URL) != "") {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.String("exchange", newCfg.Exchange.Name),
			logx.String("bus.driver", newCfg.Bus.Driver),
			logx.Bool("bus.url_set", strings.TrimSpace(newCfg.Bus.URL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.PluginSearchPath, newCfg.PluginSearchPath) {
		changed = append(changed, "plugins")
		attrs = append(attrs, logx.Strings("plugin_search_path", newCfg.PluginSearchPath))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}

	return changed, attrs
}

// RequiresRestart reports whether a change only takes effect on engine restart.
// Everything but the enabled flag and logging is fixed at Start.
func RequiresRestart(changed []string) bool {
	for _, c := range changed {
		if c != "enabled" && c != "logging" {
			return true
		}
	}
	return false
}
