// Package logger provides the leveled logging used across loopyprep.
// Messages go to stdout unless a log file is configured, in which case they
// are written to a size-rotated file.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// LogLevel - log level type
type LogLevel int

const (
	// LogDebug - DEBUG log level
	LogDebug LogLevel = iota

	// LogInfo - INFO log level
	LogInfo

	// LogError - ERROR log level (does not call os.Exit!)
	LogError
)

var logLevelPrefix = map[LogLevel]string{
	LogDebug: "DEBUG",
	LogInfo:  "INFO",
	LogError: "ERROR",
}

// ParseLevel maps a level name to a LogLevel. Unknown names map to LogInfo.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LogDebug
	case "error":
		return LogError
	}
	return LogInfo
}

// ILogger - Generic logger interface
type ILogger interface {
	Printf(level LogLevel, format string, a ...interface{})
	Debugf(format string, a ...interface{})
	Infof(format string, a ...interface{})
	Errorf(format string, a ...interface{})
}

// Options configures where log output goes
type Options struct {
	// Level is one of debug, info, error
	Level string `yaml:"level" toml:"level"`

	// Logfile is the path of the rotated log file. Empty means stdout.
	Logfile string `yaml:"logfile" toml:"logfile"`

	// MaxSize is the size in megabytes at which the file is rotated
	MaxSize int `yaml:"maxSize" toml:"max_log_size"`

	// MaxAge is the number of days rotated files are kept
	MaxAge int `yaml:"maxAge" toml:"max_log_age"`

	// MaxBackups is the number of rotated files kept
	MaxBackups int `yaml:"maxBackups" toml:"max_log_backups"`
}

// Logger writes leveled lines through a standard library log.Logger
type Logger struct {
	logLevel LogLevel
	out      *log.Logger
	closer   io.Closer
}

// New builds a logger from options
func New(opts Options) *Logger {
	l := &Logger{logLevel: ParseLevel(opts.Level)}
	if opts.Logfile == "" {
		l.out = log.New(os.Stdout, "", log.LstdFlags)
		return l
	}

	rotated := &lumberjack.Logger{
		Filename:   opts.Logfile,
		MaxSize:    opts.MaxSize, // megabytes
		MaxAge:     opts.MaxAge,  // days
		MaxBackups: opts.MaxBackups,
	}
	l.out = log.New(rotated, "", log.LstdFlags)
	l.closer = rotated
	return l
}

// NewWriter builds a logger writing to w
func NewWriter(w io.Writer, level LogLevel) *Logger {
	return &Logger{logLevel: level, out: log.New(w, "", 0)}
}

func (l *Logger) Printf(level LogLevel, format string, a ...interface{}) {
	l.out.Println(logLevelPrefix[level] + ": " + fmt.Sprintf(format, a...))
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	if l.logLevel <= LogDebug {
		l.Printf(LogDebug, format, a...)
	}
}

func (l *Logger) Infof(format string, a ...interface{}) {
	if l.logLevel <= LogInfo {
		l.Printf(LogInfo, format, a...)
	}
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.Printf(LogError, format, a...)
}

func (l *Logger) SetLogLevel(level LogLevel) {
	l.logLevel = level
}

func (l *Logger) GetLogLevel() LogLevel {
	return l.logLevel
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NullLogger - For mocking out in tests
type NullLogger struct {
}

func (l *NullLogger) Printf(level LogLevel, format string, a ...interface{}) {}
func (l *NullLogger) Debugf(format string, a ...interface{})                 {}
func (l *NullLogger) Infof(format string, a ...interface{})                  {}
func (l *NullLogger) Errorf(format string, a ...interface{})                 {}
