package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autopress/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields safe to print (site passwords never appear).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		// Storage is bound at startup; a change needs a restart.
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.publish_timeout", strings.TrimSpace(newCfg.Scheduler.PublishTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		changed = append(changed, "generator")
		attrs = append(attrs,
			logx.String("generator.kind", newCfg.Generator.Kind),
			logx.String("generator.llm.model", newCfg.Generator.LLM.Model),
		)
	}

	if sites := changedSites(oldCfg.Sites, newCfg.Sites); len(sites) > 0 || oldCfg.DefaultSite != newCfg.DefaultSite {
		changed = append(changed, "sites")
		attrs = append(attrs,
			logx.Strs("sites.changed", sites),
			logx.String("sites.default", newCfg.DefaultSite),
		)
	}

	return changed, attrs
}

func changedSites(a, b map[string]Site) []string {
	names := map[string]struct{}{}
	for k := range a {
		names[k] = struct{}{}
	}
	for k := range b {
		names[k] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for k := range names {
		oa, okA := a[k]
		ob, okB := b[k]
		if okA != okB || oa != ob {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
