// Package logger provides a small leveled logger shared by every
// package in the server so operators get consistent, greppable output
// without pulling in a structured-logging dependency for a handful of
// call sites.
package logger

import (
	"log"
	"os"
	"strings"
)

// Level represents the logging verbosity.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var currentLevel = LevelInfo

// Init sets the logger's level from the LOG_LEVEL environment variable
// (debug, info, warn, error). Unset or unrecognized values fall back
// to info.
func Init() {
	currentLevel = levelFromString(os.Getenv("LOG_LEVEL"))
}

// SetLevel overrides the level directly; used by tests that want
// quiet or verbose output without touching the environment.
func SetLevel(l Level) {
	currentLevel = l
}

func levelFromString(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Debug logs a message only when the level is debug.
func Debug(format string, v ...interface{}) {
	if currentLevel >= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs a message at the default operational level.
func Info(format string, v ...interface{}) {
	if currentLevel >= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

// Warn logs a message for recoverable but noteworthy conditions, such
// as a clamped edit range or a dropped malformed change batch.
func Warn(format string, v ...interface{}) {
	if currentLevel >= LevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}

// Error always logs, regardless of level.
func Error(format string, v ...interface{}) {
	log.Printf("[ERROR] "+format, v...)
}
