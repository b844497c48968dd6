package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger. Level accepts the usual zerolog
// names; anything unparseable falls back to info.
func New(level string, pretty bool) zerolog.Logger {
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}
