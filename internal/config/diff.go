package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without restarting the process are tracked
// individually; everything else is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when session, channel, recognizer or speaker
	// settings changed. They apply to the next session.
	SessionChanged bool

	// UploadChanged is true when the upload settings changed. They apply to
	// the next entry screen.
	UploadChanged bool

	// RestartRequired names the sections whose changes only take effect
	// after a restart (providers, capture, server listener).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.UploadChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = !reflect.DeepEqual(old.Session, new.Session) ||
		!reflect.DeepEqual(old.Channel, new.Channel) ||
		!reflect.DeepEqual(old.Recognizer, new.Recognizer) ||
		!reflect.DeepEqual(old.Speaker, new.Speaker)
	d.UploadChanged = old.Upload != new.Upload

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.OTLPEndpoint != new.Server.OTLPEndpoint ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	return d
}
