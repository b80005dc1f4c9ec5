package testlog

import (
	"testing"

	"github.com/danmuck/pairctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and tags the run with the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Msgf("test=%s", t.Name())
}

// Logger returns a logger scoped to the running test.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return log.Logger.With().Str("test", t.Name()).Logger()
}
