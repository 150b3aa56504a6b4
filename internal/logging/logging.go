// logging.go - Leveled logging facade for the m8emu core.

// Package logging provides the small leveled-printf facade used throughout
// the emulator core. It mirrors the four log levels the original firmware
// emulator's ext::log facade exposed (debug/info/warn/error) but is built
// directly on the standard log package rather than a third-party logger:
// nothing else in this codebase's lineage reaches for one for this concern.
package logging

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which leveled loggers actually emit.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// SetLevel changes the minimum level that is emitted. Debug logging is
// noisy (every unmapped memory access logs at this level per the core's
// error-handling design) so it defaults to off.
func SetLevel(l Level) {
	current.Store(int32(l))
}

var (
	debugLogger = log.New(os.Stderr, "DEBUG m8emu: ", log.LstdFlags|log.Lmicroseconds)
	infoLogger  = log.New(os.Stderr, "INFO  m8emu: ", log.LstdFlags)
	warnLogger  = log.New(os.Stderr, "WARN  m8emu: ", log.LstdFlags)
	errorLogger = log.New(os.Stderr, "ERROR m8emu: ", log.LstdFlags)
)

// SetOutput redirects all leveled loggers, mainly for tests that want to
// silence or capture output.
func SetOutput(w io.Writer) {
	debugLogger.SetOutput(w)
	infoLogger.SetOutput(w)
	warnLogger.SetOutput(w)
	errorLogger.SetOutput(w)
}

func enabled(l Level) bool {
	return int32(l) >= current.Load()
}

func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		debugLogger.Printf(format, args...)
	}
}

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		infoLogger.Printf(format, args...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		warnLogger.Printf(format, args...)
	}
}

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		errorLogger.Printf(format, args...)
	}
}
