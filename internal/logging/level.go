package logging

import (
	"errors"
	"strconv"
	"strings"
)

// Logging level. Higher values indicate more verbosity.
type Level int

const (
	Error Level = iota - 2
	Warn
	Info
	Debug

	// Allow numeric trace levels up to 9.
	MaxLevel Level = 9
)

// Default level, overridable through the LOGLEVEL environment variable.
var defaultLevel = Info

func parseLevel(s string) (level Level, err error) {
	switch strings.ToUpper(s) {
	case "E", "ERROR":
		return Error, nil
	case "W", "WARN":
		return Warn, nil
	case "I", "INFO":
		return Info, nil
	case "D", "DEBUG":
		return Debug, nil
	case "T", "TRACE":
		return MaxLevel, nil
	}

	// Otherwise expect an explicit numeric level.
	n, ierr := strconv.Atoi(s)
	if ierr != nil {
		return 0, errors.New("invalid logging level: " + s)
	}
	level = Level(n)
	if level < Error || level > MaxLevel {
		return 0, errors.New("numeric level out of range: " + s)
	}
	return level, nil
}

func (l Level) String() string {
	switch l {
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return strconv.Itoa(int(l))
	}
}

func (l Level) letter() byte {
	if l <= Debug {
		return "EWID"[l-Error]
	}
	// Numeric trace levels up to 9.
	return byte('0' + l)
}

var (
	ansiRed    = []byte("\033[31m")
	ansiYellow = []byte("\033[33m")
	ansiCyan   = []byte("\033[36m")
	ansiWhite  = []byte("\033[37m")
	ansiReset  = []byte("\033[0m")
)

func (l Level) color() []byte {
	switch {
	case l <= Error:
		return ansiRed
	case l == Warn:
		return ansiYellow
	case l == Info:
		return ansiWhite
	default:
		return ansiCyan
	}
}
