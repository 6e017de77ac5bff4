package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Service is attached to every line as the "service" field.
const Service = "imgrelay"

// Log is the process logger. Replaced by Configure.
var Log = log.Logger

// Options select verbosity and encoding for Configure.
type Options struct {
	Level   string
	Format  string
	Version string
}

// Configure installs the process logger on stderr. Level names are
// case-insensitive; unknown levels fall back to info and unknown formats to
// console.
func Configure(opts Options) {
	zerolog.SetGlobalLevel(parseLevel(opts.Level))
	Log = newLogger(os.Stderr, opts)
}

func newLogger(w io.Writer, opts Options) zerolog.Logger {
	if parseFormat(opts.Format) == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	ctx := zerolog.New(w).With().Timestamp().Str("service", Service)
	if opts.Version != "" {
		ctx = ctx.Str("version", opts.Version)
	}
	return ctx.Logger()
}

func parseFormat(format string) string {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return FormatJSON
	}
	return FormatConsole
}

// parseLevel accepts all, trace, debug, info, warn, warning, error, fatal,
// none, off and disabled.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	Configure(Options{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})
}
