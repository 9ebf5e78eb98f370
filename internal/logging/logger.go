// Package logging provides subsystem-prefixed log helpers. Debug output is
// gated on the DEBUG environment variable.
package logging

import (
	"log"
	"os"
	"strings"
	"unicode/utf8"
)

var debugEnabled = os.Getenv("DEBUG") == "true"

// Info logs an informational message (always shown).
func Info(subsystem, format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
}

// Warn logs a warning (always shown).
func Warn(subsystem, format string, args ...any) {
	log.Printf("[%s] warning: "+format, append([]any{subsystem}, args...)...)
}

// Debug logs a debug message (only shown if DEBUG=true).
func Debug(subsystem, format string, args ...any) {
	if debugEnabled {
		log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
	}
}

// Truncate shortens a string to at most maxLen bytes for one-line log
// output, collapsing newlines and adding an ellipsis. The cut backs off to a
// rune boundary so multi-byte content is never split mid-rune.
func Truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
