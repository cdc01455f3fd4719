// Package logging sets up the process-wide zerolog logger. Components
// attach their own fields via Logger.With() rather than sharing a single
// pre-configured instance, the same threading pattern the pack's other
// gorilla/websocket signaling server uses for its server/service structs.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func New(environment string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var w zerolog.ConsoleWriter
	if environment == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	return zerolog.New(w).With().Timestamp().Logger()
}
