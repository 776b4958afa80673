// Package logger owns the process-wide zap logger for the master server.
//
// Handlers and sessions log through the global sugared logger with
// structured fields keyed by the session id, so one recognition session can
// be followed end to end across the client, worker, and status paths.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger

	// level is the atomic level shared by all cores so verbosity can be
	// changed at runtime (config hot-reload)
	level zap.AtomicLevel
)

func init() {
	// Safe no-op logger at package load time so early callers never panic
	Logger = zap.NewNop().Sugar()
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
}

// Initialize sets up the global logger. jsonOutput selects machine-readable
// JSON lines instead of the human console encoder; verbosity follows the
// repeated -v CLI flag.
func Initialize(jsonOutput bool, verbosity int) error {
	level.SetLevel(VerbosityToLevel(verbosity))

	var encoder zapcore.Encoder
	if jsonOutput {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	Logger = zap.New(core).Sugar()
	return nil
}

// SetVerbosity updates the active log level at runtime. Used by the config
// watcher so editing the config file adjusts logging without a restart.
func SetVerbosity(verbosity int) {
	level.SetLevel(VerbosityToLevel(verbosity))
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = Logger.Sync()
}
