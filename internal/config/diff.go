package config

import (
	"reflect"
	"strings"

	logx "envsync/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and
// structured attrs describing the new values, for a single reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.Bool("bus.address_set", strings.TrimSpace(newCfg.Bus.Address) != ""),
			logx.String("bus.call_timeout", newCfg.Bus.CallTimeout),
			logx.Bool("bus.no_autostart", newCfg.Bus.NoAutoStart),
		)
	}

	if !reflect.DeepEqual(oldCfg.Receivers.Resolve(), newCfg.Receivers.Resolve()) {
		changed = append(changed, "receivers")
		rs := newCfg.Receivers.Resolve()
		disabled := make([]string, 0, 4)
		for _, r := range rs.All() {
			if r.Disabled {
				disabled = append(disabled, r.Name)
			}
		}
		attrs = append(attrs, logx.Strings("receivers.disabled", disabled))
	}

	if !reflect.DeepEqual(oldCfg.Env, newCfg.Env) {
		changed = append(changed, "env")
		attrs = append(attrs,
			logx.String("env.file", newCfg.Env.File),
			logx.Bool("env.include_process", newCfg.Env.IncludesProcess()),
			logx.Int("env.only", len(newCfg.Env.Only)),
			logx.Int("env.prefixes", len(newCfg.Env.Prefixes)),
			logx.Int("env.exclude", len(newCfg.Env.Exclude)),
		)
	}

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.debounce", newCfg.Watch.Debounce),
			logx.String("watch.resync", newCfg.Watch.Resync),
			logx.Int("watch.rate_per_min", newCfg.Watch.RatePerMin),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", newCfg.History.Driver),
			logx.String("history.path", newCfg.History.Path),
		)
	}

	return changed, attrs
}
