package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig contains logging configuration
type LogConfig struct {
	// OutputPath is "stdout" or a file path rotated by lumberjack.
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	Level        string            `mapstructure:"level" yaml:"level"`
	ModuleLevels map[string]string `mapstructure:"module_levels" yaml:"module_levels,omitempty"`

	// Encoding is json or console
	Encoding    string `mapstructure:"encoding" yaml:"encoding"`
	Development bool   `mapstructure:"development" yaml:"development"`

	// Rotation settings
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`

	DisableCaller     bool `mapstructure:"disable_caller" yaml:"disable_caller"`
	DisableStacktrace bool `mapstructure:"disable_stacktrace" yaml:"disable_stacktrace"`
	Sampling          bool `mapstructure:"sampling" yaml:"sampling"`
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() LogConfig {
	return LogConfig{
		OutputPath:   "stdout",
		Level:        "info",
		ModuleLevels: make(map[string]string),
		Encoding:     "console",
		Development:  true,
		MaxSizeMB:    100,
		MaxBackups:   7,
		MaxAgeDays:   30,
		Compress:     true,
	}
}

// LoggerFactory provides centralized logger creation
type LoggerFactory struct {
	config     LogConfig
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config LogConfig) (*LoggerFactory, error) {
	if config.OutputPath == "" {
		config.OutputPath = "stdout"
	}

	if config.OutputPath != "stdout" {
		logDir := filepath.Dir(config.OutputPath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	core := buildCore(config, level)

	return &LoggerFactory{
		config:     config,
		rootLogger: zap.New(core, buildOptions(config)...),
		loggers:    make(map[string]*zap.Logger),
	}, nil
}

// New builds a root logger from config.
func New(config LogConfig) (*zap.Logger, error) {
	f, err := NewLoggerFactory(config)
	if err != nil {
		return nil, err
	}
	return f.Root(), nil
}

// Root returns the root logger
func (f *LoggerFactory) Root() *zap.Logger {
	return f.rootLogger
}

// GetLogger returns a logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	// Double-check after acquiring write lock
	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)

	if levelStr, hasLevel := f.config.ModuleLevels[module]; hasLevel {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core := buildCore(f.config, level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[module] = logger
	return logger
}

// Sync flushes the root logger
func (f *LoggerFactory) Sync() error {
	return f.rootLogger.Sync()
}

func buildEncoderConfig(config LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Colors only make sense on a terminal.
	if config.Development && config.OutputPath == "stdout" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}

	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = zapcore.OmitKey
	}

	return encoderConfig
}

func buildCore(config LogConfig, level zapcore.Level) zapcore.Core {
	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	if config.OutputPath == "stdout" {
		writer = zapcore.Lock(os.Stdout)
	} else {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		})
	}

	core := zapcore.NewCore(encoder, writer, level)

	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}

	return core
}

func buildOptions(config LogConfig) []zap.Option {
	options := []zap.Option{}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}

	if !config.DisableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	if config.Development {
		options = append(options, zap.Development())
	}

	return options
}
