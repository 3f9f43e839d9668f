package daemon

import "log/slog"

// Verbosity follows the syslog severity scale so existing tooling can
// pass the numbers it already knows.
const (
	verbosityErr     int32 = 3
	verbosityWarning int32 = 4
	verbosityInfo    int32 = 6
	verbosityDebug   int32 = 7

	defaultVerbosity = verbosityWarning
)

func clampVerbosity(level int32) int32 {
	if level < 0 {
		return 0
	}
	if level > verbosityDebug {
		return verbosityDebug
	}
	return level
}

// verbosityToLevel maps a syslog-style severity to a slog level.
// Notice (5) has no slog counterpart and lands on Info.
func verbosityToLevel(level int32) slog.Level {
	switch {
	case level <= verbosityErr:
		return slog.LevelError
	case level == verbosityWarning:
		return slog.LevelWarn
	case level <= verbosityInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
