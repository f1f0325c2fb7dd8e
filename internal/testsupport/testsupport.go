// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"fmt"
	"testing"

	"github.com/drunlade/go-ncu/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

// Start configures test logging and returns a logger tagged with the test name.
func Start(t *testing.T) *zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	l := log.Logger.With().Str("test", t.Name()).Logger()
	l.Info().Msg("start")
	return &l
}
