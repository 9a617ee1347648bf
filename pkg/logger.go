package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	instance *Logger
	mu       sync.RWMutex

	// zerolog keeps these as package globals; set them once to avoid races
	// between loggers built concurrently in tests.
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with the ring node's configuration.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level"`

	// Format is the output format (json, console)
	Format string `json:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console"`

	// File output settings
	File FileConfig `json:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields"`

	// CallerSkipFrameCount for caller information
	CallerSkipFrameCount int `json:"caller_skip_frame_count"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller"`

	// AsyncWrite uses a diode writer so slow terminals never stall the ring
	AsyncWrite bool `json:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable bool `json:"enable"`

	NoColor bool `json:"no_color"`

	TimeFormat string `json:"time_format"`

	// Output target (stdout, stderr)
	Output string `json:"output"`

	// Writer overrides Output when set. Tests use it to capture entries.
	Writer io.Writer `json:"-"`
}

// FileConfig for rotating file output
type FileConfig struct {
	Enable bool `json:"enable"`

	Path string `json:"path"`

	// MaxSize in megabytes
	MaxSize int `json:"max_size"`

	// MaxAge in days
	MaxAge int `json:"max_age"`

	MaxBackups int `json:"max_backups"`

	Compress bool `json:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "console",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			NoColor:    false,
			TimeFormat: "15:04:05.000",
			Output:     "stderr",
		},
		File: FileConfig{
			Enable:     false,
			Path:       "ringnode.log",
			MaxSize:    100, // 100MB
			MaxAge:     30,  // 30 days
			MaxBackups: 10,
			Compress:   true,
		},
		Fields:               make(Fields),
		CallerSkipFrameCount: 2,
		EnableCaller:         false,
		AsyncWrite:           false,
		BufferSize:           10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{}
	var closer io.Closer

	if config.Console.Enable {
		output := config.Console.Writer
		if output == nil {
			switch config.Console.Output {
			case "stdout":
				output = os.Stdout
			default:
				output = os.Stderr
			}
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  true,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		closer = dw
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}

	ctx := zerolog.New(writer).
		Level(level).
		With().
		Timestamp()

	if config.EnableCaller {
		ctx = ctx.Caller()
	}

	for k, v := range config.Fields {
		ctx = ctx.Interface(k, v)
	}

	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: config,
		fields: make(Fields),
		closer: closer,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig(), fields: make(Fields)}
}

// SetGlobal sets the global logger instance
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	instance = l
}

// Get returns the global logger instance, creating a default one on first use.
func Get() *Logger {
	mu.RLock()
	l := instance
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		created, err := New(DefaultConfig())
		if err != nil {
			created = Nop()
		}
		instance = created
	}
	return instance
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	newLogger := l.Logger.Level(lvl)
	l.Logger = &newLogger
	l.config.Level = level
	return nil
}

// WithFields creates a child logger carrying the parent's fields plus the given ones.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	ctx := base.With()
	for k, v := range fields {
		merged[k] = v
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// WithError creates a child logger with error details added
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the persistent fields attached to this logger.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Close flushes async output and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
