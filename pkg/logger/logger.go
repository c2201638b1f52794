package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger
type Logger struct {
	zerolog.Logger
}

// New creates a new logger instance. Development gets a human readable
// console writer, every other environment gets JSON lines on stdout.
func New(serviceName string, environment string) *Logger {
	return NewWithWriter(serviceName, environment, os.Stdout)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(serviceName, environment string, w io.Writer) *Logger {
	output := w
	if environment == "development" {
		output = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// SetLevel parses a level name ("debug", "info", ...) and applies it.
// Unknown names leave the level untouched.
func (l *Logger) SetLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return l
	}
	return &Logger{Logger: l.Logger.Level(lvl)}
}

// WithRequestID returns a logger with the request ID attached
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("request_id", requestID).Logger(),
	}
}

// WithUserID returns a logger with the user ID attached
func (l *Logger) WithUserID(userID string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("user_id", userID).Logger(),
	}
}

// WithBranchID returns a logger with the branch ID attached
func (l *Logger) WithBranchID(branchID string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("branch_id", branchID).Logger(),
	}
}

// WithComponent returns a logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With().Str("component", component).Logger(),
	}
}

// WithError returns a logger with the error attached
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With().Err(err).Logger(),
	}
}
