package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for logging throughout the build master.
// Different implementations can be used for different contexts (console, silent, file).
type Logger interface {
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// LogFileName is the name of the rotated log file written under the logs directory.
const LogFileName = "bitten-master.log"

// Options controls how a ConsoleLogger is built.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Dir enables a rotated log file in this directory.
	Dir string
	// Out overrides the console destination (stderr by default).
	Out io.Writer
	// JSON disables the human readable console writer.
	JSON bool
}

// ConsoleLogger writes human-readable logs through zerolog.
// Used for normal operation of the master and slave processes.
type ConsoleLogger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// NewConsoleLogger returns an info level logger writing to stderr.
func NewConsoleLogger() *ConsoleLogger {
	l, _ := New(Options{})
	return l
}

// New builds a ConsoleLogger from options. A file sink that cannot be created is
// reported as an error; the returned logger still writes to the console.
func New(opts Options) (*ConsoleLogger, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var console io.Writer = out
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	l := &ConsoleLogger{}
	writer := console
	var fileErr error
	if opts.Dir != "" {
		if mkErr := os.MkdirAll(opts.Dir, 0o750); mkErr != nil {
			fileErr = fmt.Errorf("failed to create log directory: %w", mkErr)
		} else {
			lj := &lumberjack.Logger{
				Filename:   filepath.Join(opts.Dir, LogFileName),
				MaxSize:    10,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			}
			l.closer = lj
			writer = zerolog.MultiLevelWriter(console, lj)
		}
	}

	l.zl = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return l, fileErr
}

func (c *ConsoleLogger) Info(msg string, args ...interface{}) {
	c.zl.Info().Msgf(msg, args...)
}

func (c *ConsoleLogger) Error(msg string, args ...interface{}) {
	c.zl.Error().Msgf(msg, args...)
}

func (c *ConsoleLogger) Debug(msg string, args ...interface{}) {
	c.zl.Debug().Msgf(msg, args...)
}

// Close flushes and closes the log file, if any.
func (c *ConsoleLogger) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// SilentLogger discards all log messages.
// Used when running in TUI or MCP stdio mode so log output does not corrupt the terminal or protocol stream.
type SilentLogger struct{}

func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (s *SilentLogger) Info(msg string, args ...interface{})  {}
func (s *SilentLogger) Error(msg string, args ...interface{}) {}
func (s *SilentLogger) Debug(msg string, args ...interface{}) {}
