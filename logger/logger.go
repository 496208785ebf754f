// Package logger holds the process-wide zap logger used across quarry.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance.
	Logger *zap.SugaredLogger
	// JSONOutput reports whether structured JSON output is enabled.
	JSONOutput bool
)

func init() {
	// Safe no-op logger at package load time so call sites never see nil
	// before Initialize runs.
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. JSON output is meant for machine
// consumption; the console encoder is for humans watching a node.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = config.Build()
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child of the global logger scoped to a subsystem, e.g.
// "store", "engine", "cluster".
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
