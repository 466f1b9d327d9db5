// Package observability holds the process-wide loggers and metrics.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the human-facing logger for commands. It writes to stderr
// and is a no-op until InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger installs a console logger named name. verbose enables
// debug output.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewConsoleLogger(name, level, zapcore.Lock(os.Stderr))
}

// SetCLILevel re-creates CLILogger at the named level.
func SetCLILevel(name, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	CLILogger = NewConsoleLogger(name, lvl, zapcore.Lock(os.Stderr))
	return nil
}

// ParseLevel accepts zap level names, case-insensitively.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(level))
}

// NewConsoleLogger builds a console-encoded logger writing to ws.
func NewConsoleLogger(name string, level zapcore.Level, ws zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, zap.NewAtomicLevelAt(level))
	return zap.New(core).Named(name)
}
