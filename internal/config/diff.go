package config

import "reflect"

// Changed lists the top-level sections that differ between old and new.
func Changed(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"device", oldCfg.Device, newCfg.Device},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch},
		{"sources", oldCfg.Sources, newCfg.Sources},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"http", oldCfg.HTTP, newCfg.HTTP},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"alerts", oldCfg.Alerts, newCfg.Alerts},
	}
	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			out = append(out, s.name)
		}
	}
	return out
}

// RestartRequired reports whether any of sections can only take effect on restart.
// Logging and alerts are applied live.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		if s != "logging" && s != "alerts" {
			return true
		}
	}
	return false
}
