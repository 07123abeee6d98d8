package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger from environment variables.
//
//	ENHANCE_LOG_LEVEL   trace, debug, info, warn, error (default: info)
//	ENHANCE_LOG_FORMAT  console or json (default: json inside Lambda, console elsewhere)
func Init() {
	InitWith(os.Getenv("ENHANCE_LOG_LEVEL"), os.Getenv("ENHANCE_LOG_FORMAT"))
}

// InitWith initializes the global logger with an explicit level and format.
// Unknown levels fall back to info.
func InitWith(level, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = zerolog.New(writerFor(format, os.Stderr)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func writerFor(format string, out io.Writer) io.Writer {
	switch strings.ToLower(format) {
	case "json":
		return out
	case "console":
		return zerolog.ConsoleWriter{Out: out}
	}
	// CloudWatch wants one JSON object per line.
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return out
	}
	return zerolog.ConsoleWriter{Out: out}
}
