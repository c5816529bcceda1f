package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates the process-wide structured logger. level is one of
// debug/info/warn/error; format is json or console.
func NewLogger(level, format string, development bool) (*zap.Logger, error) {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	if format == "console" {
		config.Encoding = "console"
	} else {
		config.Encoding = "json"
	}

	// Always use ISO8601 time encoding
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// LogNodeTransition logs one node state transition with full context.
func LogNodeTransition(logger *zap.Logger, nodeType string, nodeID int, nodeName, fromStatus, toStatus, eventType string) {
	logger.Info("Node status change",
		zap.String("type", nodeType),
		zap.Int("id", nodeID),
		zap.String("node", nodeName),
		zap.String("fromStatus", fromStatus),
		zap.String("toStatus", toStatus),
		zap.String("eventType", eventType),
	)
}

// LogRelaunchDecision logs the outcome of a relaunch decision.
func LogRelaunchDecision(logger *zap.Logger, nodeType string, nodeID int, exitReason string, relaunch bool, relaunchCount, maxRelaunchCount int) {
	logger.Info("Relaunch decision",
		zap.String("type", nodeType),
		zap.Int("id", nodeID),
		zap.String("exitReason", exitReason),
		zap.Bool("relaunch", relaunch),
		zap.Int("relaunchCount", relaunchCount),
		zap.Int("maxRelaunchCount", maxRelaunchCount),
	)
}

// LogScaleDecision logs a fleet-size decision made by the auto-scaler.
func LogScaleDecision(logger *zap.Logger, strategy, nodeType string, currentCount, desiredCount int, reason string) {
	logger.Info("Scale decision made",
		zap.String("strategy", strategy),
		zap.String("type", nodeType),
		zap.Int("currentCount", currentCount),
		zap.Int("desiredCount", desiredCount),
		zap.String("reason", reason),
	)
}
