package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits one step below debug. The provider clients log full
// request bodies at this level.
const LevelTrace = slog.Level(-8)

// logLevels maps the log_level config values to slog levels. An empty
// value means info.
var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel resolves a log_level value, ignoring case and
// surrounding space. Unknown names fall back to info with an error.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q: want one of trace, debug, info, warn, error", s)
}

// ReplaceLogLevelNames labels LevelTrace records "TRACE" instead of
// slog's default "DEBUG-4". Install it as the handler's ReplaceAttr.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
