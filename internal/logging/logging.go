// Package logging wraps charmbracelet/log with the three structured
// record shapes the pipeline emits as observable output (§6):
// LOCATION, NOISE and LEVELS, each a fixed key set rather than a
// hand-rolled formatted string.
package logging

import (
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the structured logger used throughout the daemon.
type Logger struct {
	l *charmlog.Logger
}

// New builds a Logger writing to stderr at the given level name
// ("debug", "info", "warn", "error"); an unrecognised name falls back
// to info.
func New(level string) *Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	l.SetLevel(parseLevel(level))
	return &Logger{l: l}
}

func parseLevel(s string) charmlog.Level {
	switch s {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Location logs the LOCATION record.
func (lg *Logger) Location(x, y, z, confidence float64) {
	lg.l.Info("location", "x", x, "y", y, "z", z, "confidence", confidence)
}

// Noise logs the NOISE record.
func (lg *Logger) Noise(channel int, before, after, reductionDB float64) {
	lg.l.Info("noise", "channel", channel, "before", before, "after", after, "reduction_db", reductionDB)
}

// Levels logs the LEVELS record for one channel's RMS.
func (lg *Logger) Levels(channel int, rms float64) {
	lg.l.Info("levels", "channel", channel, "rms", rms)
}

// Infof logs an informal startup/shutdown-style message, matching the
// teacher's terse tone.
func (lg *Logger) Infof(format string, args ...any) {
	lg.l.Infof(format, args...)
}

// Errorf logs an error-level message.
func (lg *Logger) Errorf(format string, args ...any) {
	lg.l.Errorf(format, args...)
}

// Warnf logs a warn-level message.
func (lg *Logger) Warnf(format string, args ...any) {
	lg.l.Warnf(format, args...)
}
