package replicatortesting

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// NewLogger returns a logger for tests. Output is limited to errors unless
// DEBUG is set: "1" enables info, "2" enables debug. Any other level name
// accepted by slog ("warn", "debug", ...) is also honored.
func NewLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      testLogLevel(os.Getenv("DEBUG")),
		TimeFormat: "15:04:05.000",
		NoColor:    true,
	}))
}

func testLogLevel(v string) slog.Level {
	switch strings.TrimSpace(v) {
	case "":
		return slog.LevelError
	case "2":
		return slog.LevelDebug
	case "1":
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelError
	}
	return level
}
