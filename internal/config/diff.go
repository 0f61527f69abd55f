package config

import "fmt"

// Diff describes what changed between two configs. The relay applies log
// level changes live; every other change is reported so the operator knows a
// restart is needed for it to take effect.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names changed settings that only apply on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	static := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	static("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	static("relay", old.Relay != new.Relay)
	static("asr", old.ASR != new.ASR)
	static("pubsub", old.PubSub != new.PubSub)
	static("auth", old.Auth != new.Auth)
	static("store", old.Store != new.Store)
	return d
}

// Describe renders the diff for logging.
func (d Diff) Describe() string {
	if d.Empty() {
		return "no changes"
	}
	if d.LogLevelChanged && len(d.RestartRequired) == 0 {
		return fmt.Sprintf("log level -> %s", d.NewLogLevel)
	}
	return fmt.Sprintf("restart required for: %v", d.RestartRequired)
}
