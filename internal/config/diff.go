package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TimeoutsChanged bool
	LocalTimeout    time.Duration
	CloudTimeout    time.Duration

	TopKChanged bool
	NewTopK     int

	// RestartRequired lists top-level sections that changed in ways that
	// only take effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TimeoutsChanged && !d.TopKChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	oldSrv, newSrv := old.Server, new.Server
	if oldSrv.LocalTimeout != newSrv.LocalTimeout || oldSrv.CloudTimeout != newSrv.CloudTimeout {
		d.TimeoutsChanged = true
		d.LocalTimeout = newSrv.LocalTimeout
		d.CloudTimeout = newSrv.CloudTimeout
	}

	if old.KnowledgeBase.TopK != new.KnowledgeBase.TopK {
		d.TopKChanged = true
		d.NewTopK = new.KnowledgeBase.TopK
	}

	// Compare the remaining sections with the hot-reloadable fields masked.
	oldSrv.LocalTimeout, oldSrv.CloudTimeout = 0, 0
	newSrv.LocalTimeout, newSrv.CloudTimeout = 0, 0
	okb, nkb := old.KnowledgeBase, new.KnowledgeBase
	okb.TopK, nkb.TopK = 0, 0

	if !reflect.DeepEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if !reflect.DeepEqual(old.Capture, new.Capture) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !reflect.DeepEqual(oldSrv, newSrv) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(okb, nkb) {
		d.RestartRequired = append(d.RestartRequired, "knowledge_base")
	}
	return d
}
