package builtin

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/xdt/pkg/xdt"
)

// Logger reports step progress through zerolog. Verbose messages are logged at
// debug level. Sections nest and are reflected in a "section" field.
type Logger struct {
	log      zerolog.Logger
	sections []string
	warnings int
	errors   int
}

// NewLogger creates a Logger writing to the global zerolog logger.
func NewLogger() *Logger {
	return NewLoggerWith(log.Logger)
}

// NewLoggerWith creates a Logger writing to l.
func NewLoggerWith(l zerolog.Logger) *Logger {
	return &Logger{log: l.With().Str("component", "xdt").Logger()}
}

func (l *Logger) event(kind xdt.MessageType) *zerolog.Event {
	var e *zerolog.Event
	if kind == xdt.MessageVerbose {
		e = l.log.Debug()
	} else {
		e = l.log.Info()
	}
	return l.withSection(e)
}

func (l *Logger) withSection(e *zerolog.Event) *zerolog.Event {
	if len(l.sections) > 0 {
		e = e.Str("section", strings.Join(l.sections, "/"))
	}
	return e
}

// LogMessage implements xdt.Logger.
func (l *Logger) LogMessage(kind xdt.MessageType, format string, args ...any) {
	l.event(kind).Msgf(format, args...)
}

// LogWarning implements xdt.Logger.
func (l *Logger) LogWarning(format string, args ...any) {
	l.warnings++
	l.withSection(l.log.Warn()).Msgf(format, args...)
}

// LogError implements xdt.Logger.
func (l *Logger) LogError(err error) {
	l.errors++
	l.withSection(l.log.Error()).Err(err).Msg("Transform step failed")
}

// StartSection implements xdt.Logger.
func (l *Logger) StartSection(kind xdt.MessageType, format string, args ...any) {
	title := fmt.Sprintf(format, args...)
	l.event(kind).Msg(title)
	l.sections = append(l.sections, title)
}

// EndSection implements xdt.Logger.
func (l *Logger) EndSection(kind xdt.MessageType, format string, args ...any) {
	if len(l.sections) > 0 {
		l.sections = l.sections[:len(l.sections)-1]
	}
	l.event(kind).Msgf(format, args...)
}

// Warnings returns the number of warnings logged.
func (l *Logger) Warnings() int {
	return l.warnings
}

// Errors returns the number of errors logged.
func (l *Logger) Errors() int {
	return l.errors
}
