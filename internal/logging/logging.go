// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging sets up the engine's structured logger. The scheduler
// and every C1-C9 component log workunit lifecycle, cache hits/misses,
// and graph compilation diagnostics through a *zap.Logger; the CLI's
// direct "here is your build's answer" output stays on plain
// fmt.Fprintf, mirroring how the teacher's cmd/mk/main.go separates
// result printing from error reporting.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/emberbuild/ember/internal/config"
)

// New builds a *zap.Logger from a LogConfig. Level defaults to info,
// encoding to console and output to stderr when unset, so a
// missing/partial ember.yaml still produces a usable logger; an
// unrecognised level or encoding is returned as an error.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
		}
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "console"
	}

	output := cfg.OutputPath
	if output == "" {
		output = "stderr"
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewProductionEncoderConfig(),
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zcfg.Build()
}

// Nop returns a logger that discards everything, used by tests and by
// embedders that don't want engine-internal log output.
func Nop() *zap.Logger { return zap.NewNop() }
