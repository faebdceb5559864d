package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the process-wide logger. Dev environments get the
// console writer; everything else emits JSON lines.
func Init(app, env string) zerolog.Logger {
	var logger zerolog.Logger
	if env == "dev" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Str("app", app).Logger()
	}
	log.Logger = logger
	return logger
}
