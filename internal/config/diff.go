package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// applies immediately, the rest take effect for sessions created after the
// reload. Structural fields (listen address, providers, upstream URLs)
// require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when any speech-detection tuning field differs.
	VADChanged bool

	// SessionChanged is true when a session policy default differs
	// (interruptions, self description, fallback voice).
	SessionChanged bool

	// ICEChanged is true when the STUN/TURN server list differs.
	ICEChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.SessionChanged || d.ICEChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.VADChanged = !vadEqual(old.VAD, new.VAD)
	d.SessionChanged = old.Session != new.Session
	d.ICEChanged = !slices.Equal(old.ICE.Servers, new.ICE.Servers)

	return d
}

// vadEqual compares two VAD configs field by field; the reject list is
// order-sensitive.
func vadEqual(a, b VADConfig) bool {
	return a.InitialThreshold == b.InitialThreshold &&
		a.CalibrationFactor == b.CalibrationFactor &&
		a.CalibrationWindow == b.CalibrationWindow &&
		a.SilenceDurationMS == b.SilenceDurationMS &&
		a.MinSpeechRatio == b.MinSpeechRatio &&
		slices.Equal(a.RejectTranscripts, b.RejectTranscripts)
}
