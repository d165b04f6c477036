package utils

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const fileTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// LogConfig controls the process logger.
type LogConfig struct {
	Verbose bool
	// File, when set, receives a copy of every entry with size-based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewSugaredLogger creates a sugared logger based on the verbose flag.
// If verbose is true, it creates a development logger, otherwise a production logger.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	return NewLogger(LogConfig{Verbose: verbose})
}

// NewLogger builds the console logger and tees it to a rotating file when
// cfg.File is set.
func NewLogger(cfg LogConfig) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if cfg.Verbose {
		l, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create development logger: %w", err)
		}
	} else {
		l, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to create production logger: %w", err)
		}
	}
	if cfg.File == "" {
		return l.Sugar(), nil
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Verbose {
		level.SetLevel(zapcore.DebugLevel)
	}
	fileCore := newFileCore(cfg, level)
	return l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})).Sugar(), nil
}

func newFileCore(cfg LogConfig, level zapcore.LevelEnabler) zapcore.Core {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(fileTimeFormat)
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), w, level)
}

// SyncLogger flushes buffered entries, ignoring the error stdout returns on
// some platforms.
func SyncLogger(log *zap.SugaredLogger) {
	if err := log.Sync(); err != nil && !isStdSyncError(err) {
		fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
	}
}

func isStdSyncError(err error) bool {
	var pe *os.PathError
	return errors.As(err, &pe) && (pe.Path == "/dev/stdout" || pe.Path == "/dev/stderr")
}
