// This package defines a common config struct which can be used by any subsystem
// within the crypto store.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                  bool
	RootDir                string
	SendKeyRequestsDelayMs int64
	BackupKeysPerRequest   int
	BackupMaxSendDelayMs   int64
	LoggingPrefix          string
	writer                 io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// Delay between deciding keys are wanted and sending the request out, to
// allow for the key turning up anyway and for grouping requests together.
func WithSendKeyRequestsDelayMs(n int64) Option {
	return func(c *Config) {
		c.SendKeyRequestsDelayMs = n
	}
}

func WithBackupKeysPerRequest(n int) Option {
	return func(c *Config) {
		c.BackupKeysPerRequest = n
	}
}

// Upper bound on the random delay before a backup send pass, so clients
// don't stampede the server when a key is shared to a large room.
func WithBackupMaxSendDelayMs(n int64) Option {
	return func(c *Config) {
		c.BackupMaxSendDelayMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                  os.Getenv("DEBUG") == "1",
		SendKeyRequestsDelayMs: 500,
		BackupKeysPerRequest:   200,
		BackupMaxSendDelayMs:   10000,
		LoggingPrefix:          "",
		RootDir:                ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
