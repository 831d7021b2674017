package obs

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger. Level comes from MNEMOSYNE_LOG ("trace",
// "debug", ... "disabled"); default is info. Output is JSON on stderr.
func NewLogger() zerolog.Logger {
	return NewLoggerTo(os.Stderr)
}

func NewLoggerTo(out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("MNEMOSYNE_LOG"); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// AccessEvent is one served request, logged once the response is written.
type AccessEvent struct {
	RequestID     string
	Method        string
	Host          string
	Path          string
	Status        int
	CacheStatus   string
	Origin        string
	ErrorCategory string
	BytesOut      int64
	Duration      time.Duration
}

func LogAccess(log zerolog.Logger, event AccessEvent) {
	log.Info().
		Str("request_id", event.RequestID).
		Str("method", event.Method).
		Str("host", event.Host).
		Str("path", event.Path).
		Int("status", event.Status).
		Str("cache", event.CacheStatus).
		Str("origin", defaultString(event.Origin, "none")).
		Str("error_category", defaultString(event.ErrorCategory, "none")).
		Int64("bytes_out", event.BytesOut).
		Dur("duration", event.Duration).
		Msg("request")
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
