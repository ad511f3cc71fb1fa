// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger writing to paths (stderr when
// empty). Verbose lowers the level to debug.
func New(verbose bool, paths ...string) (*zap.Logger, error) {
	config := productionConfig(verbose)
	if len(paths) > 0 {
		config.OutputPaths = paths
		config.ErrorOutputPaths = paths
	}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// NewWriter is New for an already open stream.
func NewWriter(verbose bool, w io.Writer) *zap.Logger {
	config := productionConfig(verbose)
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(config.EncoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		config.Level,
	)
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(zapcore.AddSync(w))))
}

func productionConfig(verbose bool) zap.Config {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.Sampling = nil
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config
}

// ForBuild attaches the build ID to every entry.
func ForBuild(logger *zap.Logger, buildID string) *zap.Logger {
	return logger.With(zap.String("build_id", buildID))
}

// ForStage attaches the stage name to every entry.
func ForStage(logger *zap.Logger, stage string) *zap.Logger {
	return logger.With(zap.String("stage", stage))
}
