// Package logging configures the process-wide zerolog logger and hands
// out component loggers.
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables that override the profile defaults.
const (
	EnvLogLevel     = "NCU_LOG_LEVEL"
	EnvLogTimestamp = "NCU_LOG_TIMESTAMP"
	EnvLogNoColor   = "NCU_LOG_NOCOLOR"
)

// Profile selects the logger defaults.
type Profile int

const (
	ProfileRuntime Profile = iota // console output with timestamps
	ProfileTest                   // debug level, no timestamps
)

type config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
}

var configureOnce sync.Once

// ConfigureRuntime configures logging for the command line tools.
func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

// ConfigureTests configures logging for tests.
func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure sets up the global logger. Only the first call has an effect.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		apply(cfg)
	})
}

// SetLevel overrides the global level after Configure, e.g. from a
// command line flag.
func SetLevel(raw string) bool {
	lvl, ok := parseLevel(raw)
	if ok {
		zerolog.SetGlobalLevel(lvl)
	}
	return ok
}

// New returns a child of the global logger tagged with component.
func New(component string) *zerolog.Logger {
	l := log.Logger.With().Str("component", component).Logger()
	return &l
}

func defaultConfig(profile Profile) config {
	switch profile {
	case ProfileTest:
		return config{Level: zerolog.DebugLevel, Timestamp: false}
	default:
		return config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func apply(cfg config) {
	zerolog.SetGlobalLevel(cfg.Level)
	w := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
	ctx := zerolog.New(w).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	log.Logger = ctx.Logger()
}

func applyEnvOverrides(cfg *config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "wire":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
