package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsrelay/pkg/logx"
)

// hotSections can be applied to a running process; the rest need a restart.
var hotSections = map[string]bool{"logging": true, "dispatch": true}

// SummarizeConfigChange lists changed top-level sections, safe log attrs
// (no tokens or secrets), and which of the changed sections need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := map[string][2]any{
		"logging":   {oldCfg.Logging, newCfg.Logging},
		"http":      {oldCfg.HTTP, newCfg.HTTP},
		"storage":   {oldCfg.Storage, newCfg.Storage},
		"dedup":     {oldCfg.Dedup, newCfg.Dedup},
		"websub":    {oldCfg.WebSub, newCfg.WebSub},
		"ai":        {oldCfg.AI, newCfg.AI},
		"dispatch":  {oldCfg.Dispatch, newCfg.Dispatch},
		"pipeline":  {oldCfg.Pipeline, newCfg.Pipeline},
		"scheduler": {oldCfg.Scheduler, newCfg.Scheduler},
	}
	for name, pair := range sections {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			changed = append(changed, name)
			if !hotSections[name] {
				restart = append(restart, name)
			}
		}
	}
	sort.Strings(changed)
	sort.Strings(restart)

	for _, name := range changed {
		switch name {
		case "logging":
			attrs = append(attrs,
				logx.String("logging.level", newCfg.Logging.Level),
				logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
			)
		case "websub":
			attrs = append(attrs, logx.Int("websub.feeds", len(newCfg.WebSub.Feeds)))
		case "ai":
			attrs = append(attrs, logx.Int("ai.keys", len(newCfg.AI.Keys)), logx.Bool("ai.enabled", newCfg.AI.Enabled))
		case "dispatch":
			names := make([]string, 0, len(newCfg.Dispatch.Platforms))
			for p, pc := range newCfg.Dispatch.Platforms {
				if pc.Enabled {
					names = append(names, p)
				}
			}
			sort.Strings(names)
			attrs = append(attrs, logx.String("dispatch.platforms", strings.Join(names, ",")))
		}
	}
	return changed, attrs, restart
}
