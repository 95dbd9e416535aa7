// Package logger configures the zerolog.Logger promptlab's components
// embed, matching the teacher gateway's console-writer-in-dev setup.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/promptlab/promptlab/internal/config"
)

// New returns a configured zerolog.Logger for the given config.
func New(cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		lvl = parsed
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
