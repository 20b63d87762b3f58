package cmd

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// configureLogging sets the default slog logger for the CLI process.
// The core jpeg2000 package never logs; this is purely a CLI-layer
// concern, following jpfielding-dicos.go's cmd/ctl pattern of setting
// slog.SetDefault from a PersistentPreRun.
func configureLogging(levelName, logFile string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(levelName))); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}
