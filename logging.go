// FILE: logging.go
// Package main – zap logger construction.
//
// Console output for operators at a terminal, JSON for cron/journald; "auto"
// picks by whether stderr is a terminal. Time
// is ISO8601 under "ts". Per-identity code adds robot/coordinator/order_id
// fields through robotLogger.

package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	format := cfg.Format
	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		}
	}

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller()), nil
}

// robotLogger scopes log lines to one identity.
func robotLogger(log *zap.Logger, r *Robot) *zap.Logger {
	return log.With(zap.String("robot", r.Name), zap.String("coordinator", r.Coordinator))
}
