package config

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger from LOG_LEVEL and LOG_FILE. Without
// LOG_FILE it writes to stdout.
func NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(LOG_LEVEL)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if LOG_FILE != "" {
		w = &lumberjack.Logger{
			Filename:   LOG_FILE,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
