package internal

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide logger. Verbose enables the per-packet
// debug output on the forwarding paths; quiet suppresses everything.
func NewLogger(verbose, quiet bool) *zap.SugaredLogger {
	if quiet {
		return zap.NewNop().Sugar()
	}

	lvl := zapcore.InfoLevel
	if verbose {
		lvl = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}
