package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const service = "rivulet"

// New builds the default pipeline logger, tagged with the service name. JSON
// to stderr when running under kubernetes, human-readable console output
// otherwise.
func New() *zerolog.Logger {
	var output io.Writer
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		output = os.Stderr
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).With().Timestamp().Str("service", service).Logger()
	return &logger
}
