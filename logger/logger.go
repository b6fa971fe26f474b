// logger/logger.go
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// levelSink holds the console (colored) and file (plain) writers for one level.
type levelSink struct {
	console *log.Logger
	file    *log.Logger
}

type Logger struct {
	sinks         [ERROR + 1]levelSink
	file          *os.File
	consoleOutput io.Writer
	fileOutput    io.Writer
	minLevel      LogLevel
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

var levelTags = [...]struct {
	color, tag string
}{
	DEBUG: {colorGray, "[DEBUG] "},
	INFO:  {colorReset, "[INFO]  "},
	WARN:  {colorYellow, "[WARN]  "},
	ERROR: {colorRed, "[ERROR] "},
}

func ensureInitialized() {
	mu.RLock()
	ready := defaultLogger != nil
	mu.RUnlock()
	if ready {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = &Logger{consoleOutput: os.Stdout, minLevel: INFO}
		defaultLogger.setupLoggers()
	}
}

// Init initializes the logger with optional file and console output
// If filename is empty, logs only to console
// If console is false, logs only to file
func Init(filename string, console bool) error {
	mu.Lock()
	defer mu.Unlock()

	level := INFO
	if defaultLogger != nil {
		level = defaultLogger.minLevel
		if defaultLogger.file != nil {
			defaultLogger.file.Close()
		}
	}

	l := &Logger{minLevel: level}
	if filename != "" {
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		l.fileOutput = file
	}
	if console {
		l.consoleOutput = os.Stdout
	}
	if l.fileOutput == nil && l.consoleOutput == nil {
		return fmt.Errorf("no output destination specified")
	}

	l.setupLoggers()
	defaultLogger = l
	return nil
}

// SetOutput sends plain (uncolored) output to w only. Tests use it to
// capture log lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	level := INFO
	if defaultLogger != nil {
		level = defaultLogger.minLevel
	}
	defaultLogger = &Logger{fileOutput: w, minLevel: level}
	defaultLogger.setupLoggers()
}

// SetLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR)
// Messages below this level will not be logged
func SetLevel(level LogLevel) {
	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	defaultLogger.minLevel = level
}

// ParseLevel maps a LOG_LEVEL value to a LogLevel. Unknown values yield INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l *Logger) setupLoggers() {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	for level, t := range levelTags {
		l.sinks[level].console, l.sinks[level].file = nil, nil
		if l.consoleOutput != nil {
			l.sinks[level].console = log.New(l.consoleOutput, t.color+t.tag+colorReset, flags)
		}
		if l.fileOutput != nil {
			l.sinks[level].file = log.New(l.fileOutput, t.tag, flags)
		}
	}
}

// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if defaultLogger != nil && defaultLogger.file != nil {
		defaultLogger.file.Close()
		defaultLogger.file = nil
		defaultLogger.fileOutput = nil
		defaultLogger.setupLoggers()
	}
}

// emit writes msg at level; depth counts frames between the public
// function and the caller so Lshortfile points at the call site.
func emit(level LogLevel, depth int, msg string) {
	ensureInitialized()
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()

	if level < l.minLevel {
		return
	}
	sink := l.sinks[level]
	if sink.console != nil {
		sink.console.Output(depth+1, msg)
	}
	if sink.file != nil {
		sink.file.Output(depth+1, msg)
	}
}

// Debug logs a debug message
func Debug(v ...interface{}) { emit(DEBUG, 2, fmt.Sprint(v...)) }

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) { emit(DEBUG, 2, fmt.Sprintf(format, v...)) }

// Info logs an info message
func Info(v ...interface{}) { emit(INFO, 2, fmt.Sprint(v...)) }

// Infof logs a formatted info message
func Infof(format string, v ...interface{}) { emit(INFO, 2, fmt.Sprintf(format, v...)) }

// Warn logs a warning message
func Warn(v ...interface{}) { emit(WARN, 2, fmt.Sprint(v...)) }

// Warnf logs a formatted warning message
func Warnf(format string, v ...interface{}) { emit(WARN, 2, fmt.Sprintf(format, v...)) }

// Error logs an error message
func Error(v ...interface{}) { emit(ERROR, 2, fmt.Sprint(v...)) }

// Errorf logs a formatted error message
func Errorf(format string, v ...interface{}) { emit(ERROR, 2, fmt.Sprintf(format, v...)) }

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	emit(ERROR, 2, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	emit(ERROR, 2, fmt.Sprintf(format, v...))
	os.Exit(1)
}
