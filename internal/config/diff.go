package config

import "reflect"

// hotSections are applied without a restart.
var hotSections = map[string]bool{
	"logging":           true,
	"queue.concurrency": true,
	"broadcast":         true,
}

// Changes lists the sections that differ between old and new, and the
// subset of those that only take effect after a restart. Secrets are
// compared but never returned.
func Changes(oldCfg, newCfg *Config) (changed, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	add := func(name string, differs bool) {
		if !differs {
			return
		}
		changed = append(changed, name)
		if !hotSections[name] {
			restart = append(restart, name)
		}
	}
	add("telegram", !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram))
	add("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging))
	add("queue.concurrency", intPtr(oldCfg.Queue.Concurrency, -1) != intPtr(newCfg.Queue.Concurrency, -1))
	oq, nq := oldCfg.Queue, newCfg.Queue
	oq.Concurrency, nq.Concurrency = nil, nil
	add("queue", oq != nq)
	add("broker", oldCfg.Broker != newCfg.Broker)
	add("broadcast", !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast))
	add("coordinator", oldCfg.Coordinator != newCfg.Coordinator)
	add("jobs", !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs))
	add("media", !reflect.DeepEqual(oldCfg.Media, newCfg.Media))
	add("storage", oldCfg.Storage != newCfg.Storage)
	add("worker", oldCfg.Worker != newCfg.Worker)
	return changed, restart
}

func intPtr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
