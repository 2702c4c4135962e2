// Package logging builds the process logger: zap's production config when APP_ENV is
// "production", the development config otherwise, optionally teed into a rotating log file.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Params struct {
	// Production selects JSON output and sampling.
	Production bool
	Level      string

	// File, when set, receives a JSON copy of every entry and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FromEnv reports whether APP_ENV asks for production logging.
func FromEnv() bool {
	return os.Getenv("APP_ENV") == "production"
}

func New(params Params) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if params.Level != "" {
		if err := level.UnmarshalText([]byte(params.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", params.Level, err)
		}
	}

	cfg := zap.NewDevelopmentConfig()
	if params.Production {
		cfg = zap.NewProductionConfig()
	}
	if params.Level != "" {
		cfg.Level = level
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if params.File == "" {
		return logger, nil
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   params.File,
		MaxSize:    params.MaxSizeMB,
		MaxBackups: params.MaxBackups,
		MaxAge:     params.MaxAgeDays,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, cfg.Level)

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}
